// Package envelope drives a document through its multi-signer signing
// workflow.
//
// An Envelope moves DRAFT -> IN_PROGRESS -> COMPLETED, or to VOIDED from
// either of the first two. Each signer moves PENDING -> SIGNED, or PENDING ->
// DECLINED. A signer becomes SIGNED once every required field it owns has an
// artifact; at that moment the artifacts are drawn into the current document,
// the result is hashed and stored, and an audit record is appended. All of
// that happens under a per-envelope lock and is persisted in one repository
// update.
package envelope

import (
	"time"

	"github.com/georgepadayatti/goesign/fields"
)

// Status is the lifecycle state of an envelope.
type Status string

const (
	StatusDraft      Status = "DRAFT"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusVoided     Status = "VOIDED"
)

// SignerStatus is the state of one signer within an envelope.
type SignerStatus string

const (
	SignerPending  SignerStatus = "PENDING"
	SignerSigned   SignerStatus = "SIGNED"
	SignerDeclined SignerStatus = "DECLINED"
)

// AuditEvent names an entry in the audit trail.
type AuditEvent string

const (
	AuditSigned    AuditEvent = "SIGNED"
	AuditDeclined  AuditEvent = "DECLINED"
	AuditCompleted AuditEvent = "COMPLETED"
	AuditVoided    AuditEvent = "VOIDED"
)

// AuditSignatureLabel is the single required field of a signer whose role
// has no placements. Such signers sign on an appended certificate page.
const AuditSignatureLabel = "Signature"

// allowedTransitions is the envelope state machine.
var allowedTransitions = map[Status][]Status{
	StatusDraft:      {StatusInProgress, StatusVoided},
	StatusInProgress: {StatusCompleted, StatusVoided},
	StatusCompleted:  {},
	StatusVoided:     {},
}

var signerTransitions = map[SignerStatus][]SignerStatus{
	SignerPending:  {SignerSigned, SignerDeclined},
	SignerSigned:   {},
	SignerDeclined: {},
}

// CanTransition reports whether an envelope may move from one status to
// another.
func CanTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the statuses reachable from from.
func AllowedTransitions(from Status) []Status {
	return append([]Status(nil), allowedTransitions[from]...)
}

// CanSignerTransition is CanTransition for signers.
func CanSignerTransition(from, to SignerStatus) bool {
	for _, s := range signerTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return len(allowedTransitions[s]) == 0 }

// Artifact is the value a signer supplies for one field: an image for
// signature and initials fields, text for text and date fields.
type Artifact struct {
	Label       string    `json:"label"`
	Image       []byte    `json:"image,omitempty"`
	Text        string    `json:"text,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// SigningContext is request metadata recorded with a signature.
type SigningContext struct {
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Signer is one party to an envelope.
type Signer struct {
	ID                   string              `json:"id"`
	Role                 string              `json:"role"`
	DisplayName          string              `json:"display_name,omitempty"`
	Email                string              `json:"email,omitempty"`
	Order                int                 `json:"order"`
	Status               SignerStatus        `json:"status"`
	RequiredFieldLabels  []string            `json:"required_field_labels"`
	CompletedFieldLabels []string            `json:"completed_field_labels"`
	Artifacts            map[string]Artifact `json:"artifacts,omitempty"`
	DeclineReason        string              `json:"decline_reason,omitempty"`
	SignedAt             *time.Time          `json:"signed_at,omitempty"`
}

// Label is the human name used in captions.
func (s *Signer) Label() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.Role
}

// HasCompleted reports whether label has an artifact.
func (s *Signer) HasCompleted(label string) bool {
	label = fields.NormalizeLabel(label)
	for _, l := range s.CompletedFieldLabels {
		if fields.NormalizeLabel(l) == label {
			return true
		}
	}
	return false
}

// MissingLabels lists the required labels without an artifact, in order.
func (s *Signer) MissingLabels() []string {
	missing := []string{}
	for _, l := range s.RequiredFieldLabels {
		if !s.HasCompleted(l) {
			missing = append(missing, l)
		}
	}
	return missing
}

func (s *Signer) clone() *Signer {
	c := *s
	c.RequiredFieldLabels = cloneSlice(s.RequiredFieldLabels)
	c.CompletedFieldLabels = cloneSlice(s.CompletedFieldLabels)
	if s.Artifacts != nil {
		c.Artifacts = make(map[string]Artifact, len(s.Artifacts))
		for k, a := range s.Artifacts {
			a.Image = cloneSlice(a.Image)
			c.Artifacts[k] = a
		}
	}
	if s.SignedAt != nil {
		t := *s.SignedAt
		c.SignedAt = &t
	}
	return &c
}

// AuditRecord is an append-only trail entry. SIGNED records carry the hash
// of the document produced for that signer.
type AuditRecord struct {
	Event                 AuditEvent `json:"event"`
	SignerID              string     `json:"signer_id,omitempty"`
	SignedAtISO           string     `json:"signed_at"`
	IPAddress             string     `json:"ip_address,omitempty"`
	UserAgent             string     `json:"user_agent,omitempty"`
	DocumentHashAtSigning string     `json:"document_hash_at_signing,omitempty"`
	DocumentRef           string     `json:"document_ref,omitempty"`
	Reason                string     `json:"reason,omitempty"`
}

// Envelope is the aggregate for one document's signing workflow.
type Envelope struct {
	ID                 string             `json:"id"`
	Title              string             `json:"title"`
	Reference          string             `json:"reference,omitempty"`
	Template           string             `json:"template,omitempty"`
	Ordered            bool               `json:"ordered"`
	Status             Status             `json:"status"`
	Signers            []*Signer          `json:"signers"`
	Placements         []fields.Placement `json:"placements"`
	SourceDocumentRef  string             `json:"source_document_ref"`
	SourceDocumentHash string             `json:"source_document_hash"`
	CurrentDocumentRef string             `json:"current_document_ref"`
	FinalDocumentHash  string             `json:"final_document_hash,omitempty"`
	HashAlgorithm      string             `json:"hash_algorithm"`
	VoidReason         string             `json:"void_reason,omitempty"`
	RecreatedFrom      string             `json:"recreated_from,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
	CompletedAt        *time.Time         `json:"completed_at,omitempty"`
	Version            int64              `json:"version"`
	AuditTrail         []AuditRecord      `json:"audit_trail"`
}

// Signer returns the signer with id.
func (e *Envelope) Signer(id string) (*Signer, bool) {
	for _, s := range e.Signers {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// PlacementsFor returns the placements owned by the signer's role.
func (e *Envelope) PlacementsFor(s *Signer) []fields.Placement {
	return fields.PlacementsForRole(e.Placements, s.Role)
}

// UsesAuditPage reports whether the signer signs on an appended
// certificate page instead of in placed fields.
func (e *Envelope) UsesAuditPage(s *Signer) bool {
	return len(e.PlacementsFor(s)) == 0
}

// WaitingOn returns the first earlier signer of an ordered envelope that has
// not signed yet, or nil when s may proceed.
func (e *Envelope) WaitingOn(s *Signer) *Signer {
	if !e.Ordered {
		return nil
	}
	for _, o := range e.Signers {
		if o.ID == s.ID {
			return nil
		}
		if o.Order < s.Order && o.Status != SignerSigned {
			return o
		}
	}
	return nil
}

// ExpectedHash is the hash the current document must match: the final hash
// once completed, otherwise the last hash recorded in the trail, otherwise
// the source document hash.
func (e *Envelope) ExpectedHash() string {
	if e.FinalDocumentHash != "" {
		return e.FinalDocumentHash
	}
	for i := len(e.AuditTrail) - 1; i >= 0; i-- {
		if h := e.AuditTrail[i].DocumentHashAtSigning; h != "" {
			return h
		}
	}
	return e.SourceDocumentHash
}

// Counts returns the number of signers in each status.
func (e *Envelope) Counts() map[SignerStatus]int {
	out := make(map[SignerStatus]int, 3)
	for _, s := range e.Signers {
		out[s.Status]++
	}
	return out
}

// Clone returns a deep copy.
func (e *Envelope) Clone() *Envelope {
	c := *e
	if e.Signers != nil {
		c.Signers = make([]*Signer, len(e.Signers))
		for i, s := range e.Signers {
			c.Signers[i] = s.clone()
		}
	}
	c.Placements = cloneSlice(e.Placements)
	c.AuditTrail = cloneSlice(e.AuditTrail)
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// cloneSlice copies s, keeping nil and empty slices distinct.
func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	return append(make([]T, 0, len(s)), s...)
}
