package envelope

import (
	"context"
	"time"

	"github.com/georgepadayatti/goesign/inject"
	"github.com/georgepadayatti/goesign/pdf/metadata"
)

// Repository persists envelopes. Update must write the whole aggregate
// atomically, and only if the stored version equals expectedVersion; on
// success it sets env.Version to expectedVersion+1. Implementations return
// copies so callers never share state with the store.
type Repository interface {
	Create(ctx context.Context, env *Envelope) error
	Get(ctx context.Context, id string) (*Envelope, error)
	Update(ctx context.Context, env *Envelope, expectedVersion int64) error
	List(ctx context.Context, opts ListOptions) ([]*Envelope, error)
}

// ListOptions filters List. Zero values match everything.
type ListOptions struct {
	Status Status
	Limit  int
}

// Match reports whether env passes the status filter.
func (o ListOptions) Match(env *Envelope) bool {
	return o.Status == "" || env.Status == o.Status
}

// DocumentStore holds document bytes under opaque references. Stored
// documents are never overwritten.
type DocumentStore interface {
	Load(ctx context.Context, ref string) ([]byte, error)
	Store(ctx context.Context, data []byte) (string, error)
}

// Injector draws artifacts into documents. *inject.Engine implements it.
type Injector interface {
	Inspect(ctx context.Context, pdf []byte) (*inject.DocumentInfo, error)
	ApplyPlacements(ctx context.Context, src []byte, items []inject.Item) ([]byte, error)
	AppendAuditPage(ctx context.Context, pdf []byte, meta inject.AuditPageMetadata, signatureImage []byte) ([]byte, error)
	EmbedAuditMetadata(ctx context.Context, pdf []byte, packet metadata.AuditPacket) ([]byte, error)
}

var _ Injector = (*inject.Engine)(nil)

// Event types sent to a Notifier.
const (
	EventSignerSigned      = "signer.signed"
	EventSignerDeclined    = "signer.declined"
	EventEnvelopeStarted   = "envelope.started"
	EventEnvelopeCompleted = "envelope.completed"
	EventEnvelopeVoided    = "envelope.voided"
	EventIntegrityMismatch = "integrity.mismatch"
)

// Event describes a committed transition.
type Event struct {
	EventID       string         `json:"event_id"`
	EventType     string         `json:"event_type"`
	OccurredAtUTC time.Time      `json:"occurred_at_utc"`
	EntityID      string         `json:"entity_id"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// Notifier receives events after they are committed. Errors are logged by
// the service and never undo the transition.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Event) error { return nil }
