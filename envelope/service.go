package envelope

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/georgepadayatti/goesign/fields"
	"github.com/georgepadayatti/goesign/inject"
	"github.com/georgepadayatti/goesign/integrity"
	"github.com/georgepadayatti/goesign/pdf/metadata"
	"github.com/georgepadayatti/goesign/placement"
)

// AuditPageMode selects which signers get a certificate page.
type AuditPageMode int

const (
	// AuditPageFallback appends a page only for signers whose role has no
	// placements.
	AuditPageFallback AuditPageMode = iota
	// AuditPageAlways appends a page for every signer.
	AuditPageAlways
	// AuditPageNever rejects envelopes with signers that have no
	// placements.
	AuditPageNever
)

// ParseAuditPageMode maps "fallback", "always" and "never".
func ParseAuditPageMode(s string) (AuditPageMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fallback":
		return AuditPageFallback, nil
	case "always":
		return AuditPageAlways, nil
	case "never":
		return AuditPageNever, nil
	}
	return 0, fmt.Errorf("unknown audit page mode %q", s)
}

// ParseLockMode maps "wait" and "fail-fast".
func ParseLockMode(s string) (LockMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "wait":
		return LockWait, nil
	case "fail-fast", "failfast", "fail_fast":
		return LockFailFast, nil
	}
	return 0, fmt.Errorf("unknown lock mode %q", s)
}

// Service runs envelope operations against a repository and a document
// store.
type Service struct {
	repo        Repository
	docs        DocumentStore
	engine      Injector
	hasher      *integrity.Hasher
	templates   *fields.Registry
	notifier    Notifier
	logger      *zap.Logger
	now         func() time.Time
	newID       func() string
	locker      *Locker
	lockMode    LockMode
	auditPages  AuditPageMode
	companyName string
	dateLayout  string
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithNotifier sets the event sink.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides the uuid generator used for envelope, signer
// and event IDs.
func WithIDGenerator(f func() string) ServiceOption {
	return func(s *Service) {
		if f != nil {
			s.newID = f
		}
	}
}

// WithLockMode selects waiting or failing when an envelope is busy.
func WithLockMode(m LockMode) ServiceOption {
	return func(s *Service) { s.lockMode = m }
}

// WithLocker shares a Locker between services.
func WithLocker(l *Locker) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.locker = l
		}
	}
}

// WithAuditPageMode selects which signers get a certificate page.
func WithAuditPageMode(m AuditPageMode) ServiceOption {
	return func(s *Service) { s.auditPages = m }
}

// WithCompanyName is printed on certificate pages.
func WithCompanyName(name string) ServiceOption {
	return func(s *Service) { s.companyName = name }
}

// WithTemplates sets the registry used to resolve CreateRequest.Template.
func WithTemplates(r *fields.Registry) ServiceOption {
	return func(s *Service) {
		if r != nil {
			s.templates = r
		}
	}
}

// WithDateLayout sets the layout used to fill date fields submitted
// without text.
func WithDateLayout(layout string) ServiceOption {
	return func(s *Service) {
		if layout != "" {
			s.dateLayout = layout
		}
	}
}

// NewService wires a Service. A nil hasher uses SHA256.
func NewService(repo Repository, docs DocumentStore, engine Injector, hasher *integrity.Hasher, opts ...ServiceOption) *Service {
	if hasher == nil {
		hasher = &integrity.Hasher{}
	}
	s := &Service{
		repo:       repo,
		docs:       docs,
		engine:     engine,
		hasher:     hasher,
		templates:  fields.NewRegistry(),
		notifier:   nopNotifier{},
		logger:     zap.NewNop(),
		now:        time.Now,
		newID:      uuid.NewString,
		locker:     NewLocker(),
		dateLayout: "January 2, 2006",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SignerSpec describes a signer at creation time. An empty ID is
// generated.
type SignerSpec struct {
	ID          string `json:"id,omitempty" yaml:"id"`
	Role        string `json:"role" yaml:"role"`
	DisplayName string `json:"display_name,omitempty" yaml:"display-name"`
	Email       string `json:"email,omitempty" yaml:"email"`
	Order       int    `json:"order" yaml:"order"`
}

// CreateRequest is the input of CreateEnvelope. Exactly one of
// SourceDocument and SourceDocumentRef must be set. Placements take
// precedence over Template.
type CreateRequest struct {
	Title             string             `json:"title"`
	Reference         string             `json:"reference,omitempty"`
	SourceDocument    []byte             `json:"-"`
	SourceDocumentRef string             `json:"source_document_ref,omitempty"`
	Template          string             `json:"template,omitempty"`
	Placements        []fields.Placement `json:"placements,omitempty"`
	Signers           []SignerSpec       `json:"signers"`
	Ordered           bool               `json:"ordered"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// CreateEnvelope validates req, stores the source document when given as
// bytes and persists a DRAFT envelope with every signer PENDING.
func (s *Service) CreateEnvelope(ctx context.Context, req CreateRequest) (*Envelope, error) {
	return s.create(ctx, req, "")
}

func (s *Service) create(ctx context.Context, req CreateRequest, recreatedFrom string) (*Envelope, error) {
	if len(req.Signers) == 0 {
		return nil, invalid("at least one signer is required")
	}
	placements := req.Placements
	if len(placements) == 0 && req.Template != "" {
		t, err := s.templates.Lookup(req.Template)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		placements = t.Placements
	}
	if err := fields.Validate(placements); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	signers, err := s.buildSigners(req, placements)
	if err != nil {
		return nil, err
	}

	src, ref := req.SourceDocument, req.SourceDocumentRef
	switch {
	case len(src) > 0 && ref != "":
		return nil, invalid("give either a source document or a reference, not both")
	case len(src) == 0 && ref == "":
		return nil, invalid("a source document is required")
	case ref != "":
		if src, err = s.docs.Load(ctx, ref); err != nil {
			return nil, fmt.Errorf("failed to load source document: %w", err)
		}
	}
	info, err := s.engine.Inspect(ctx, src)
	if err != nil {
		return nil, err
	}
	for _, p := range placements {
		if p.PageIndex >= info.PageCount {
			return nil, fmt.Errorf("field %q: %w", p.Label,
				&placement.PageIndexOutOfRangeError{PageIndex: p.PageIndex, PageCount: info.PageCount})
		}
	}
	if ref == "" {
		if ref, err = s.docs.Store(ctx, src); err != nil {
			return nil, fmt.Errorf("failed to store source document: %w", err)
		}
	}

	now := s.now().UTC()
	env := &Envelope{
		ID:                 s.newID(),
		Title:              req.Title,
		Reference:          req.Reference,
		Template:           req.Template,
		Ordered:            req.Ordered,
		Status:             StatusDraft,
		Signers:            signers,
		Placements:         append([]fields.Placement(nil), placements...),
		SourceDocumentRef:  ref,
		SourceDocumentHash: s.hasher.Hash(src),
		CurrentDocumentRef: ref,
		HashAlgorithm:      string(s.hasher.Algorithm()),
		RecreatedFrom:      recreatedFrom,
		CreatedAt:          now,
		UpdatedAt:          now,
		AuditTrail:         []AuditRecord{},
	}
	if err := s.repo.Create(ctx, env); err != nil {
		return nil, fmt.Errorf("failed to persist envelope: %w", err)
	}
	s.logger.Info("envelope created",
		zap.String("envelope_id", env.ID),
		zap.Int("signers", len(env.Signers)),
		zap.Int("placements", len(env.Placements)),
		zap.Bool("ordered", env.Ordered))
	return env.Clone(), nil
}

func (s *Service) buildSigners(req CreateRequest, placements []fields.Placement) ([]*Signer, error) {
	ids := make(map[string]bool)
	roles := make(map[string]bool)
	signers := make([]*Signer, 0, len(req.Signers))
	// Without explicit orders an ordered envelope signs in list order.
	positional := req.Ordered
	for _, spec := range req.Signers {
		if spec.Order != 0 {
			positional = false
		}
	}
	for i, spec := range req.Signers {
		role := strings.TrimSpace(spec.Role)
		if role == "" {
			return nil, invalid("signer %d has no role", i)
		}
		if roles[role] {
			return nil, invalid("role %s is assigned to more than one signer", role)
		}
		roles[role] = true
		id := spec.ID
		if id == "" {
			id = s.newID()
		}
		if ids[id] {
			return nil, invalid("duplicate signer id %s", id)
		}
		ids[id] = true
		order := spec.Order
		if positional {
			order = i
		}

		sg := &Signer{
			ID:                   id,
			Role:                 role,
			DisplayName:          spec.DisplayName,
			Email:                spec.Email,
			Order:                order,
			Status:               SignerPending,
			RequiredFieldLabels:  []string{},
			CompletedFieldLabels: []string{},
			Artifacts:            map[string]Artifact{},
		}
		switch {
		case len(fields.PlacementsForRole(placements, role)) > 0:
			if labels := fields.RequiredLabels(placements, role); labels != nil {
				sg.RequiredFieldLabels = labels
			}
		case s.auditPages == AuditPageNever:
			return nil, invalid("role %s has no fields", role)
		default:
			sg.RequiredFieldLabels = []string{AuditSignatureLabel}
		}
		signers = append(signers, sg)
	}
	for _, role := range fields.Roles(placements) {
		if !roles[role] {
			return nil, invalid("fields for role %s have no signer", role)
		}
	}
	if req.Ordered {
		sort.SliceStable(signers, func(i, j int) bool { return signers[i].Order < signers[j].Order })
	}
	return signers, nil
}

func (s *Service) lock(ctx context.Context, id string) (func(), error) {
	if s.lockMode == LockFailFast {
		unlock, ok := s.locker.TryLock(id)
		if !ok {
			return nil, &ConcurrentModificationError{EnvelopeID: id}
		}
		return unlock, nil
	}
	return s.locker.Lock(ctx, id)
}

func (s *Service) get(ctx context.Context, id string) (*Envelope, error) {
	env, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("envelope %s: %w", id, err)
	}
	return env, nil
}

func (s *Service) commit(ctx context.Context, env *Envelope, expectedVersion int64) error {
	env.UpdatedAt = s.now().UTC()
	if err := s.repo.Update(ctx, env, expectedVersion); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return &ConcurrentModificationError{EnvelopeID: env.ID, Err: err}
		}
		return fmt.Errorf("failed to persist envelope: %w", err)
	}
	return nil
}

func (s *Service) notify(ctx context.Context, eventType string, env *Envelope, payload map[string]any) {
	ev := Event{
		EventID:       s.newID(),
		EventType:     eventType,
		OccurredAtUTC: s.now().UTC(),
		EntityID:      env.ID,
		Payload:       payload,
	}
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}
	ev.Payload["status"] = string(env.Status)
	if err := s.notifier.Notify(ctx, ev); err != nil {
		s.logger.Warn("failed to send notification",
			zap.String("envelope_id", env.ID),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// nextSigners lists the pending signers allowed to act now.
func nextSigners(env *Envelope) []string {
	out := []string{}
	if env.Status != StatusInProgress {
		return out
	}
	for _, sg := range env.Signers {
		if sg.Status == SignerPending && env.WaitingOn(sg) == nil {
			out = append(out, sg.ID)
		}
	}
	return out
}

// StartEnvelope opens a DRAFT envelope for signing. Starting an envelope
// that is already in progress is a no-op.
func (s *Service) StartEnvelope(ctx context.Context, id string) (*Envelope, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	env, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if env.Status == StatusInProgress {
		return env, nil
	}
	if !CanTransition(env.Status, StatusInProgress) {
		return nil, invalidTransition(env.Status, StatusInProgress)
	}
	work := env.Clone()
	work.Status = StatusInProgress
	if err := s.commit(ctx, work, env.Version); err != nil {
		return nil, err
	}
	s.logger.Info("envelope started", zap.String("envelope_id", id))
	s.notify(ctx, EventEnvelopeStarted, work, map[string]any{"next_signers": nextSigners(work)})
	return work, nil
}

// actor checks that signer may act on env now.
func (s *Service) actor(env *Envelope, signerID string) (*Signer, error) {
	if env.Status != StatusInProgress {
		return nil, fmt.Errorf("%w: envelope %s is %s", ErrInvalidTransition, env.ID, env.Status)
	}
	signer, ok := env.Signer(signerID)
	if !ok {
		return nil, fmt.Errorf("signer %s: %w", signerID, ErrNotFound)
	}
	if signer.Status != SignerPending {
		return nil, fmt.Errorf("%w: signer %s is %s", ErrInvalidTransition, signerID, signer.Status)
	}
	if w := env.WaitingOn(signer); w != nil {
		err := &OutOfSequenceError{SignerID: signerID, WaitingOn: w.ID}
		s.logger.Debug("out of sequence submission",
			zap.String("envelope_id", env.ID),
			zap.String("signer_id", signerID),
			zap.String("waiting_on", w.ID))
		return nil, err
	}
	return signer, nil
}

// missing returns the signer's required labels that have no artifact.
func (s *Service) missing(env *Envelope, signer *Signer) []string {
	if env.UsesAuditPage(signer) {
		return signer.MissingLabels()
	}
	return fields.ValidateRequiredForRole(env.Placements, signer.Role, signer.CompletedFieldLabels).MissingLabels
}

func (s *Service) prepareArtifact(label string, typ fields.FieldType, art Artifact, now time.Time) (Artifact, error) {
	art.Label = label
	art.SubmittedAt = now
	if typ.IsImage() {
		if len(art.Image) == 0 {
			return art, invalid("field %q needs an image", label)
		}
		art.Text = ""
		art.ContentType = http.DetectContentType(art.Image)
		return art, nil
	}
	art.Image = nil
	art.Text = strings.TrimSpace(art.Text)
	if art.Text == "" {
		if typ != fields.Date {
			return art, invalid("field %q needs text", label)
		}
		art.Text = now.Format(s.dateLayout)
	}
	art.ContentType = "text/plain; charset=utf-8"
	return art, nil
}

// SubmitSignerField records an artifact for one of the signer's fields. A
// resubmission replaces the earlier artifact. When the signer's required
// fields are then complete the signer is signed and, if every signer has
// signed, the envelope is completed.
//
// Failures before the signature is committed leave the persisted envelope
// and its current document untouched. When completion fails after the
// signature was committed, the signed envelope is returned together with
// the error and CheckCompletion can be retried.
func (s *Service) SubmitSignerField(ctx context.Context, id, signerID, label string, art Artifact, sc SigningContext) (*Envelope, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	env, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	work := env.Clone()
	signer, err := s.actor(work, signerID)
	if err != nil {
		return nil, err
	}

	typ := fields.Signature
	if work.UsesAuditPage(signer) {
		if fields.NormalizeLabel(label) != AuditSignatureLabel {
			return nil, invalid("signer %s has no field %q", signerID, label)
		}
		label = AuditSignatureLabel
	} else {
		p, ok := fields.Find(work.PlacementsFor(signer), label)
		if !ok {
			return nil, invalid("signer %s has no field %q", signerID, label)
		}
		label, typ = p.Label, p.Type
	}
	if art, err = s.prepareArtifact(label, typ, art, s.now().UTC()); err != nil {
		return nil, err
	}
	if signer.Artifacts == nil {
		signer.Artifacts = map[string]Artifact{}
	}
	signer.Artifacts[label] = art
	if !signer.HasCompleted(label) {
		signer.CompletedFieldLabels = append(signer.CompletedFieldLabels, label)
	}

	signed := false
	if len(s.missing(work, signer)) == 0 {
		if err := s.sign(ctx, work, signer, sc); err != nil {
			return nil, err
		}
		signed = true
	}
	if err := s.commit(ctx, work, env.Version); err != nil {
		return nil, err
	}
	s.logger.Debug("field submitted",
		zap.String("envelope_id", id),
		zap.String("signer_id", signerID),
		zap.String("label", label))
	if !signed {
		return work, nil
	}
	return s.afterSign(ctx, work, signer)
}

// CompleteSigner signs a signer whose required fields are all present,
// typically one whose remaining fields are optional.
func (s *Service) CompleteSigner(ctx context.Context, id, signerID string, sc SigningContext) (*Envelope, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	env, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	work := env.Clone()
	signer, err := s.actor(work, signerID)
	if err != nil {
		return nil, err
	}
	if missing := s.missing(work, signer); len(missing) > 0 {
		s.logger.Debug("signer has missing fields",
			zap.String("envelope_id", id),
			zap.String("signer_id", signerID),
			zap.Strings("missing", missing))
		return nil, &MissingRequiredFieldsError{SignerID: signerID, MissingLabels: missing}
	}
	if err := s.sign(ctx, work, signer, sc); err != nil {
		return nil, err
	}
	if err := s.commit(ctx, work, env.Version); err != nil {
		return nil, err
	}
	return s.afterSign(ctx, work, signer)
}

func (s *Service) afterSign(ctx context.Context, env *Envelope, signer *Signer) (*Envelope, error) {
	s.logger.Info("signer signed",
		zap.String("envelope_id", env.ID),
		zap.String("signer_id", signer.ID),
		zap.String("current_document_ref", env.CurrentDocumentRef))
	s.notify(ctx, EventSignerSigned, env, map[string]any{
		"signer_id":     signer.ID,
		"role":          signer.Role,
		"document_hash": env.ExpectedHash(),
		"next_signers":  nextSigners(env),
	})
	if env.Counts()[SignerSigned] != len(env.Signers) {
		return env, nil
	}
	done, err := s.complete(ctx, env)
	if err != nil {
		return env, fmt.Errorf("signer %s signed but the envelope could not be completed: %w", signer.ID, err)
	}
	return done, nil
}

// sign draws the signer's artifacts into the current document, stores the
// result and marks the signer SIGNED on env. Nothing is persisted here.
func (s *Service) sign(ctx context.Context, env *Envelope, signer *Signer, sc SigningContext) error {
	h, err := s.hasherFor(env)
	if err != nil {
		return err
	}
	doc, err := s.loadCurrent(ctx, env, h)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	iso := now.Format(time.RFC3339)

	var items []inject.Item
	for _, p := range env.PlacementsFor(signer) {
		art, ok := signer.Artifacts[p.Label]
		if !ok {
			continue
		}
		it := inject.Item{Rect: p.Rect, Label: p.Label}
		if p.Type.IsImage() {
			it.Image = art.Image
			it.SignerLabel = signer.Label()
			it.SignedAtISO = iso
		} else {
			it.Text = art.Text
		}
		items = append(items, it)
	}
	out := doc
	if len(items) > 0 {
		if out, err = s.engine.ApplyPlacements(ctx, out, items); err != nil {
			return err
		}
	}
	if s.auditPages == AuditPageAlways || env.UsesAuditPage(signer) {
		meta := inject.AuditPageMetadata{
			CompanyName:       s.companyName,
			DocumentTitle:     env.Title,
			EnvelopeID:        env.ID,
			SignerName:        signer.DisplayName,
			SignerEmail:       signer.Email,
			SignerRole:        signer.Role,
			SignedAt:          now,
			IPAddress:         sc.IPAddress,
			UserAgent:         sc.UserAgent,
			DocumentReference: env.Reference,
			HashAlgorithm:     string(h.Algorithm()),
			DocumentHash:      h.Hash(out),
		}
		if out, err = s.engine.AppendAuditPage(ctx, out, meta, signatureImage(env, signer)); err != nil {
			return err
		}
	}

	hash := h.Hash(out)
	ref, err := s.docs.Store(ctx, out)
	if err != nil {
		return fmt.Errorf("failed to store signed document: %w", err)
	}
	env.CurrentDocumentRef = ref
	env.AuditTrail = append(env.AuditTrail, AuditRecord{
		Event:                 AuditSigned,
		SignerID:              signer.ID,
		SignedAtISO:           iso,
		IPAddress:             sc.IPAddress,
		UserAgent:             sc.UserAgent,
		DocumentHashAtSigning: hash,
		DocumentRef:           ref,
	})
	signer.Status = SignerSigned
	signer.SignedAt = &now
	return nil
}

// signatureImage picks the image shown on a certificate page.
func signatureImage(env *Envelope, signer *Signer) []byte {
	if a, ok := signer.Artifacts[AuditSignatureLabel]; ok && len(a.Image) > 0 {
		return a.Image
	}
	for _, p := range env.PlacementsFor(signer) {
		if p.Type == fields.Signature {
			if a, ok := signer.Artifacts[p.Label]; ok {
				return a.Image
			}
		}
	}
	return nil
}

func (s *Service) hasherFor(env *Envelope) (*integrity.Hasher, error) {
	if env.HashAlgorithm == "" || integrity.Algorithm(env.HashAlgorithm) == s.hasher.Algorithm() {
		return s.hasher, nil
	}
	return integrity.NewHasher(integrity.Algorithm(env.HashAlgorithm))
}

// loadCurrent fetches the current document and checks it against the last
// recorded hash before anything is built on it.
func (s *Service) loadCurrent(ctx context.Context, env *Envelope, h *integrity.Hasher) ([]byte, error) {
	doc, err := s.docs.Load(ctx, env.CurrentDocumentRef)
	if err != nil {
		return nil, fmt.Errorf("failed to load document %s: %w", env.CurrentDocumentRef, err)
	}
	if err := h.VerifyRef(doc, env.ExpectedHash(), env.CurrentDocumentRef); err != nil {
		s.reportMismatch(ctx, env, err)
		return nil, err
	}
	return doc, nil
}

func (s *Service) reportMismatch(ctx context.Context, env *Envelope, err error) {
	var me *integrity.HashMismatchError
	if !errors.As(err, &me) {
		return
	}
	s.logger.Error("document hash mismatch",
		zap.String("envelope_id", env.ID),
		zap.String("document_ref", me.Ref),
		zap.String("expected", me.Expected),
		zap.String("actual", me.Actual))
	s.notify(ctx, EventIntegrityMismatch, env, map[string]any{
		"document_ref": me.Ref,
		"algorithm":    string(me.Algorithm),
		"expected":     me.Expected,
		"actual":       me.Actual,
	})
}

// CheckCompletion completes an in-progress envelope whose signers have all
// signed. It returns the envelope unchanged when signers are still pending,
// and wraps ErrSignerDeclined when a signer declined; such an envelope can
// only be voided.
func (s *Service) CheckCompletion(ctx context.Context, id string) (*Envelope, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	env, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if env.Status != StatusInProgress {
		return env, nil
	}
	counts := env.Counts()
	if n := counts[SignerDeclined]; n > 0 {
		return env, fmt.Errorf("%w: %d of %d signers declined envelope %s", ErrSignerDeclined, n, len(env.Signers), id)
	}
	if counts[SignerSigned] != len(env.Signers) {
		return env, nil
	}
	return s.complete(ctx, env)
}

// complete finalizes env: the audit trail is embedded as XMP metadata and
// the final hash is taken over the resulting bytes.
func (s *Service) complete(ctx context.Context, env *Envelope) (*Envelope, error) {
	work := env.Clone()
	h, err := s.hasherFor(work)
	if err != nil {
		return nil, err
	}
	doc, err := s.loadCurrent(ctx, work, h)
	if err != nil {
		return nil, err
	}
	out, err := s.engine.EmbedAuditMetadata(ctx, doc, auditPacket(work, h.Hash(doc)))
	if err != nil {
		return nil, err
	}
	hash := h.Hash(out)
	ref, err := s.docs.Store(ctx, out)
	if err != nil {
		return nil, fmt.Errorf("failed to store final document: %w", err)
	}

	now := s.now().UTC()
	work.CurrentDocumentRef = ref
	work.FinalDocumentHash = hash
	work.Status = StatusCompleted
	work.CompletedAt = &now
	work.AuditTrail = append(work.AuditTrail, AuditRecord{
		Event:                 AuditCompleted,
		SignedAtISO:           now.Format(time.RFC3339),
		DocumentHashAtSigning: hash,
		DocumentRef:           ref,
	})
	if err := s.commit(ctx, work, env.Version); err != nil {
		return nil, err
	}
	s.logger.Info("envelope completed",
		zap.String("envelope_id", work.ID),
		zap.String("final_document_hash", hash))
	s.notify(ctx, EventEnvelopeCompleted, work, map[string]any{
		"final_document_hash":  hash,
		"current_document_ref": ref,
	})
	return work, nil
}

func auditPacket(env *Envelope, documentHash string) metadata.AuditPacket {
	p := metadata.AuditPacket{
		Title:         env.Title,
		EnvelopeID:    env.ID,
		HashAlgorithm: env.HashAlgorithm,
		DocumentHash:  documentHash,
	}
	for _, r := range env.AuditTrail {
		at, _ := time.Parse(time.RFC3339, r.SignedAtISO)
		p.Entries = append(p.Entries, metadata.AuditEntry{
			Event:        string(r.Event),
			SignerID:     r.SignerID,
			SignedAt:     at,
			IPAddress:    r.IPAddress,
			UserAgent:    r.UserAgent,
			DocumentHash: r.DocumentHashAtSigning,
			DocumentRef:  r.DocumentRef,
		})
	}
	return p
}

// DeclineSigner marks a pending signer DECLINED. The envelope is neither
// voided nor completed; the caller decides what happens next.
func (s *Service) DeclineSigner(ctx context.Context, id, signerID, reason string) (*Envelope, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	env, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if env.Status != StatusInProgress {
		return nil, fmt.Errorf("%w: envelope %s is %s", ErrInvalidTransition, id, env.Status)
	}
	work := env.Clone()
	signer, ok := work.Signer(signerID)
	if !ok {
		return nil, fmt.Errorf("signer %s: %w", signerID, ErrNotFound)
	}
	if !CanSignerTransition(signer.Status, SignerDeclined) {
		return nil, invalidTransition(signer.Status, SignerDeclined)
	}
	signer.Status = SignerDeclined
	signer.DeclineReason = reason
	work.AuditTrail = append(work.AuditTrail, AuditRecord{
		Event:       AuditDeclined,
		SignerID:    signerID,
		SignedAtISO: s.now().UTC().Format(time.RFC3339),
		Reason:      reason,
	})
	if err := s.commit(ctx, work, env.Version); err != nil {
		return nil, err
	}
	s.logger.Info("signer declined", zap.String("envelope_id", id), zap.String("signer_id", signerID))
	s.notify(ctx, EventSignerDeclined, work, map[string]any{"signer_id": signerID, "reason": reason})
	return work, nil
}

// VoidEnvelope cancels a DRAFT or IN_PROGRESS envelope.
func (s *Service) VoidEnvelope(ctx context.Context, id, reason string) (*Envelope, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	env, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(env.Status, StatusVoided) {
		return nil, invalidTransition(env.Status, StatusVoided)
	}
	work := env.Clone()
	work.Status = StatusVoided
	work.VoidReason = reason
	work.AuditTrail = append(work.AuditTrail, AuditRecord{
		Event:       AuditVoided,
		SignedAtISO: s.now().UTC().Format(time.RFC3339),
		Reason:      reason,
	})
	if err := s.commit(ctx, work, env.Version); err != nil {
		return nil, err
	}
	s.logger.Info("envelope voided", zap.String("envelope_id", id), zap.String("reason", reason))
	s.notify(ctx, EventEnvelopeVoided, work, map[string]any{"reason": reason})
	return work, nil
}

// Recreate starts over from a voided envelope: a new DRAFT envelope with the
// same source document, fields and signers, all PENDING again.
func (s *Service) Recreate(ctx context.Context, id string) (*Envelope, error) {
	old, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if old.Status != StatusVoided {
		return nil, fmt.Errorf("%w: only voided envelopes can be recreated, %s is %s", ErrInvalidTransition, id, old.Status)
	}
	req := CreateRequest{
		Title:             old.Title,
		Reference:         old.Reference,
		SourceDocumentRef: old.SourceDocumentRef,
		Template:          old.Template,
		Placements:        old.Placements,
		Ordered:           old.Ordered,
	}
	for _, sg := range old.Signers {
		req.Signers = append(req.Signers, SignerSpec{
			ID:          sg.ID,
			Role:        sg.Role,
			DisplayName: sg.DisplayName,
			Email:       sg.Email,
			Order:       sg.Order,
		})
	}
	return s.create(ctx, req, old.ID)
}

// Get returns the envelope with id.
func (s *Service) Get(ctx context.Context, id string) (*Envelope, error) {
	return s.get(ctx, id)
}

// List returns the envelopes matching opts.
func (s *Service) List(ctx context.Context, opts ListOptions) ([]*Envelope, error) {
	out, err := s.repo.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list envelopes: %w", err)
	}
	return out, nil
}

// Verification is the outcome of VerifyDocument.
type Verification struct {
	EnvelopeID   string    `json:"envelope_id"`
	Status       Status    `json:"status"`
	DocumentRef  string    `json:"document_ref"`
	Algorithm    string    `json:"algorithm"`
	ExpectedHash string    `json:"expected_hash"`
	ActualHash   string    `json:"actual_hash"`
	Verified     bool      `json:"verified"`
	CheckedAt    time.Time `json:"checked_at"`
}

// VerifyDocument re-hashes the stored current document and compares it with
// the final hash, or with the last recorded hash while signing is under
// way. A mismatch returns the Verification together with a
// *integrity.HashMismatchError, is logged at error level and is sent to the
// notifier.
func (s *Service) VerifyDocument(ctx context.Context, id string) (*Verification, error) {
	env, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	h, err := s.hasherFor(env)
	if err != nil {
		return nil, err
	}
	doc, err := s.docs.Load(ctx, env.CurrentDocumentRef)
	if err != nil {
		return nil, fmt.Errorf("failed to load document %s: %w", env.CurrentDocumentRef, err)
	}
	v := &Verification{
		EnvelopeID:   env.ID,
		Status:       env.Status,
		DocumentRef:  env.CurrentDocumentRef,
		Algorithm:    string(h.Algorithm()),
		ExpectedHash: env.ExpectedHash(),
		ActualHash:   h.Hash(doc),
		CheckedAt:    s.now().UTC(),
	}
	if err := h.VerifyRef(doc, v.ExpectedHash, env.CurrentDocumentRef); err != nil {
		s.reportMismatch(ctx, env, err)
		return v, err
	}
	v.Verified = true
	return v, nil
}
