package envelope_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/georgepadayatti/goesign/envelope"
	"github.com/georgepadayatti/goesign/fields"
	"github.com/georgepadayatti/goesign/inject"
	"github.com/georgepadayatti/goesign/integrity"
	"github.com/georgepadayatti/goesign/internal/testpdf"
	"github.com/georgepadayatti/goesign/placement"
	"github.com/georgepadayatti/goesign/storage"
	"github.com/georgepadayatti/goesign/store"
)

// MockNotifier records events.
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, ev envelope.Event) error {
	return m.Called(ctx, ev).Error(0)
}

func (m *MockNotifier) types() []string {
	var out []string
	for _, c := range m.Calls {
		out = append(out, c.Arguments.Get(1).(envelope.Event).EventType)
	}
	return out
}

// MockRepository is a testify mock of envelope.Repository.
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Create(ctx context.Context, env *envelope.Envelope) error {
	return m.Called(ctx, env).Error(0)
}

func (m *MockRepository) Get(ctx context.Context, id string) (*envelope.Envelope, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*envelope.Envelope).Clone(), args.Error(1)
}

func (m *MockRepository) Update(ctx context.Context, env *envelope.Envelope, expected int64) error {
	return m.Called(ctx, env, expected).Error(0)
}

func (m *MockRepository) List(ctx context.Context, opts envelope.ListOptions) ([]*envelope.Envelope, error) {
	args := m.Called(ctx, opts)
	return args.Get(0).([]*envelope.Envelope), args.Error(1)
}

type fixture struct {
	svc      *envelope.Service
	repo     *store.Memory
	docs     *storage.Memory
	notifier *MockNotifier
	hasher   *integrity.Hasher
	now      time.Time
}

func newFixture(t *testing.T, opts ...envelope.ServiceOption) *fixture {
	t.Helper()
	f := &fixture{
		repo:     store.NewMemory(),
		docs:     storage.NewMemory(),
		notifier: new(MockNotifier),
		now:      time.Date(2024, 3, 1, 15, 4, 5, 0, time.UTC),
	}
	f.notifier.On("Notify", mock.Anything, mock.Anything).Return(nil)
	h, err := integrity.NewHasher(integrity.SHA256)
	require.NoError(t, err)
	f.hasher = h
	clock := func() time.Time { return f.now }
	engine := inject.NewEngine(inject.WithClock(clock))
	all := append([]envelope.ServiceOption{
		envelope.WithNotifier(f.notifier),
		envelope.WithClock(clock),
		envelope.WithCompanyName("Acme Renovations"),
	}, opts...)
	f.svc = envelope.NewService(f.repo, f.docs, engine, h, all...)
	return f
}

func signaturePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 120, 40))
	for x := 10; x < 110; x++ {
		img.SetNRGBA(x, 20+x%7, color.NRGBA{A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func homeownerContractor(ordered bool) envelope.CreateRequest {
	return envelope.CreateRequest{
		Title:          "Kitchen remodel",
		Reference:      "CLM-1001",
		SourceDocument: testpdf.Simple(1),
		Template:       "default",
		Ordered:        ordered,
		Signers: []envelope.SignerSpec{
			{ID: "homeowner", Role: fields.RoleHomeowner, DisplayName: "Jane Homeowner", Email: "jane@example.com", Order: 0},
			{ID: "contractor", Role: fields.RoleContractor, DisplayName: "Bob Builder", Order: 1},
		},
	}
}

func (f *fixture) signAll(t *testing.T, id, signerID, title string) *envelope.Envelope {
	t.Helper()
	ctx := context.Background()
	sc := envelope.SigningContext{IPAddress: "203.0.113.7", UserAgent: "test-agent"}
	_, err := f.svc.SubmitSignerField(ctx, id, signerID, title+" Name", envelope.Artifact{Text: "Printed " + title}, sc)
	require.NoError(t, err)
	_, err = f.svc.SubmitSignerField(ctx, id, signerID, title+" Date", envelope.Artifact{Text: "March 1, 2024"}, sc)
	require.NoError(t, err)
	env, err := f.svc.SubmitSignerField(ctx, id, signerID, title+" Signature", envelope.Artifact{Image: signaturePNG(t)}, sc)
	require.NoError(t, err)
	return env
}

func (f *fixture) load(t *testing.T, ref string) []byte {
	t.Helper()
	data, err := f.docs.Load(context.Background(), ref)
	require.NoError(t, err)
	return data
}

func TestEndToEndHomeownerContractor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	env, err := f.svc.CreateEnvelope(ctx, homeownerContractor(true))
	require.NoError(t, err)
	assert.Equal(t, envelope.StatusDraft, env.Status)
	assert.Equal(t, env.SourceDocumentRef, env.CurrentDocumentRef)
	for _, s := range env.Signers {
		assert.Equal(t, envelope.SignerPending, s.Status)
		assert.Len(t, s.RequiredFieldLabels, 3)
	}

	env, err = f.svc.StartEnvelope(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, envelope.StatusInProgress, env.Status)
	again, err := f.svc.StartEnvelope(ctx, env.ID)
	require.NoError(t, err, "start is idempotent")
	assert.Equal(t, env.Version, again.Version)

	sourceRef := env.CurrentDocumentRef
	env = f.signAll(t, env.ID, "homeowner", "Homeowner")
	homeowner, _ := env.Signer("homeowner")
	assert.Equal(t, envelope.SignerSigned, homeowner.Status)
	assert.Equal(t, envelope.StatusInProgress, env.Status)
	assert.NotEqual(t, sourceRef, env.CurrentDocumentRef)
	require.Len(t, env.AuditTrail, 1)
	rec := env.AuditTrail[0]
	assert.Equal(t, envelope.AuditSigned, rec.Event)
	assert.Equal(t, "homeowner", rec.SignerID)
	assert.Equal(t, "203.0.113.7", rec.IPAddress)
	assert.Equal(t, "2024-03-01T15:04:05Z", rec.SignedAtISO)
	assert.Equal(t, f.hasher.Hash(f.load(t, env.CurrentDocumentRef)), rec.DocumentHashAtSigning)
	assert.True(t, bytes.HasPrefix(f.load(t, env.CurrentDocumentRef), f.load(t, sourceRef)),
		"the signed document extends the source")

	env = f.signAll(t, env.ID, "contractor", "Contractor")
	assert.Equal(t, envelope.StatusCompleted, env.Status)
	require.NotNil(t, env.CompletedAt)
	final := f.load(t, env.CurrentDocumentRef)
	assert.Equal(t, f.hasher.Hash(final), env.FinalDocumentHash)
	assert.Contains(t, string(final), "<esig:envelopeId>"+env.ID+"</esig:envelopeId>")

	var events []envelope.AuditEvent
	for _, r := range env.AuditTrail {
		events = append(events, r.Event)
	}
	assert.Equal(t, []envelope.AuditEvent{envelope.AuditSigned, envelope.AuditSigned, envelope.AuditCompleted}, events)
	assert.Equal(t, []string{
		envelope.EventEnvelopeStarted,
		envelope.EventSignerSigned,
		envelope.EventSignerSigned,
		envelope.EventEnvelopeCompleted,
	}, f.notifier.types())

	persisted, err := f.svc.Get(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, env.FinalDocumentHash, persisted.FinalDocumentHash)

	// Re-verification, then storage corruption.
	v, err := f.svc.VerifyDocument(ctx, env.ID)
	require.NoError(t, err)
	assert.True(t, v.Verified)

	corrupt := append([]byte(nil), final...)
	corrupt[len(corrupt)/2] ^= 0xff
	require.NoError(t, f.docs.Overwrite(env.CurrentDocumentRef, corrupt))

	v, err = f.svc.VerifyDocument(ctx, env.ID)
	var mismatch *integrity.HashMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.False(t, v.Verified)
	assert.Equal(t, env.FinalDocumentHash, mismatch.Expected)
	assert.Equal(t, env.CurrentDocumentRef, mismatch.Ref)
	assert.Contains(t, f.notifier.types(), envelope.EventIntegrityMismatch)
}

func TestOrderedRejectsOutOfSequence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	env, err := f.svc.CreateEnvelope(ctx, homeownerContractor(true))
	require.NoError(t, err)
	_, err = f.svc.StartEnvelope(ctx, env.ID)
	require.NoError(t, err)

	_, err = f.svc.SubmitSignerField(ctx, env.ID, "contractor", "Contractor Name", envelope.Artifact{Text: "Bob"}, envelope.SigningContext{})
	var oos *envelope.OutOfSequenceError
	require.ErrorAs(t, err, &oos)
	assert.Equal(t, "contractor", oos.SignerID)
	assert.Equal(t, "homeowner", oos.WaitingOn)
	assert.ErrorIs(t, err, envelope.ErrOutOfSequence)

	got, err := f.svc.Get(ctx, env.ID)
	require.NoError(t, err)
	c, _ := got.Signer("contractor")
	assert.Empty(t, c.CompletedFieldLabels)
	assert.NotEqual(t, envelope.StatusCompleted, got.Status)
}

func TestOrderedDefaultsToListOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := homeownerContractor(true)
	for i := range req.Signers {
		req.Signers[i].Order = 0
	}
	env, err := f.svc.CreateEnvelope(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 0, env.Signers[0].Order)
	assert.Equal(t, 1, env.Signers[1].Order)
	_, err = f.svc.StartEnvelope(ctx, env.ID)
	require.NoError(t, err)

	_, err = f.svc.SubmitSignerField(ctx, env.ID, "contractor", "Contractor Name", envelope.Artifact{Text: "Bob"}, envelope.SigningContext{})
	assert.ErrorIs(t, err, envelope.ErrOutOfSequence)
	got, err := f.svc.Get(ctx, env.ID)
	require.NoError(t, err)
	c, _ := got.Signer("contractor")
	assert.Equal(t, envelope.SignerPending, c.Status)
}

func TestInvalidTransitionNamesAllowedStatuses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	env, err := f.svc.CreateEnvelope(ctx, homeownerContractor(false))
	require.NoError(t, err)
	_, err = f.svc.VoidEnvelope(ctx, env.ID, "superseded")
	require.NoError(t, err)

	_, err = f.svc.StartEnvelope(ctx, env.ID)
	assert.ErrorIs(t, err, envelope.ErrInvalidTransition)
	assert.Contains(t, err.Error(), "VOIDED is final")

	env, err = f.svc.CreateEnvelope(ctx, homeownerContractor(false))
	require.NoError(t, err)
	_, err = f.svc.StartEnvelope(ctx, env.ID)
	require.NoError(t, err)
	env = f.signAll(t, env.ID, "homeowner", "Homeowner")
	env = f.signAll(t, env.ID, "contractor", "Contractor")
	require.Equal(t, envelope.StatusCompleted, env.Status)
	_, err = f.svc.VoidEnvelope(ctx, env.ID, "late")
	assert.ErrorIs(t, err, envelope.ErrInvalidTransition)
	assert.Contains(t, err.Error(), "COMPLETED is final")
}

func TestUnorderedCompletesInAnyOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	env, err := f.svc.CreateEnvelope(ctx, homeownerContractor(false))
	require.NoError(t, err)
	_, err = f.svc.StartEnvelope(ctx, env.ID)
	require.NoError(t, err)

	env = f.signAll(t, env.ID, "contractor", "Contractor")
	assert.Equal(t, envelope.StatusInProgress, env.Status)
	env = f.signAll(t, env.ID, "homeowner", "Homeowner")
	assert.Equal(t, envelope.StatusCompleted, env.Status)
	assert.Equal(t, f.hasher.Hash(f.load(t, env.CurrentDocumentRef)), env.FinalDocumentHash)
}

func TestInjectionFailureIsAtomic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	env, err := f.svc.CreateEnvelope(ctx, homeownerContractor(false))
	require.NoError(t, err)
	_, err = f.svc.StartEnvelope(ctx, env.ID)
	require.NoError(t, err)

	sc := envelope.SigningContext{}
	_, err = f.svc.SubmitSignerField(ctx, env.ID, "homeowner", "Homeowner Name", envelope.Artifact{Text: "Jane"}, sc)
	require.NoError(t, err)
	_, err = f.svc.SubmitSignerField(ctx, env.ID, "homeowner", "Homeowner Date", envelope.Artifact{Text: "today"}, sc)
	require.NoError(t, err)

	before, err := f.svc.Get(ctx, env.ID)
	require.NoError(t, err)
	beforeBytes := f.load(t, before.CurrentDocumentRef)
	stored := f.docs.Len()

	_, err = f.svc.SubmitSignerField(ctx, env.ID, "homeowner", "Homeowner Signature",
		envelope.Artifact{Image: []byte("\x89PNG\r\n\x1a\ncorrupt")}, sc)
	var decodeErr *inject.ImageDecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, "Homeowner Signature", decodeErr.Label)

	after, err := f.svc.Get(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.CurrentDocumentRef, after.CurrentDocumentRef)
	assert.Equal(t, beforeBytes, f.load(t, after.CurrentDocumentRef))
	assert.Equal(t, stored, f.docs.Len(), "nothing was stored")
	h, _ := after.Signer("homeowner")
	assert.Equal(t, envelope.SignerPending, h.Status)
	assert.False(t, h.HasCompleted("Homeowner Signature"))
	assert.Empty(t, after.AuditTrail)

	// Redrawing the signature succeeds.
	env, err = f.svc.SubmitSignerField(ctx, env.ID, "homeowner", "Homeowner Signature", envelope.Artifact{Image: signaturePNG(t)}, sc)
	require.NoError(t, err)
	h, _ = env.Signer("homeowner")
	assert.Equal(t, envelope.SignerSigned, h.Status)
}

func TestCompleteSignerReportsMissingFields(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	env, err := f.svc.CreateEnvelope(ctx, homeownerContractor(false))
	require.NoError(t, err)
	_, err = f.svc.StartEnvelope(ctx, env.ID)
	require.NoError(t, err)
	_, err = f.svc.SubmitSignerField(ctx, env.ID, "homeowner", "homeowner name", envelope.Artifact{}, envelope.SigningContext{})
	assert.ErrorIs(t, err, envelope.ErrInvalidRequest, "label lookup is exact after normalization")

	_, err = f.svc.SubmitSignerField(ctx, env.ID, "homeowner", " Homeowner Name ", envelope.Artifact{Text: "Jane"}, envelope.SigningContext{})
	require.NoError(t, err)

	_, err = f.svc.CompleteSigner(ctx, env.ID, "homeowner", envelope.SigningContext{})
	var missing *envelope.MissingRequiredFieldsError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"Homeowner Signature", "Homeowner Date"}, missing.MissingLabels)
	assert.NotEmpty(t, envelope.UserMessage(err))
}

func TestOptionalFieldsAndCompleteSigner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := homeownerContractor(false)
	req.Template = "change-order"
	req.Signers = append(req.Signers, envelope.SignerSpec{ID: "witness", Role: fields.RoleWitness})
	env, err := f.svc.CreateEnvelope(ctx, req)
	require.NoError(t, err)
	w, _ := env.Signer("witness")
	assert.Empty(t, w.RequiredFieldLabels)

	_, err = f.svc.StartEnvelope(ctx, env.ID)
	require.NoError(t, err)
	f.signAll(t, env.ID, "homeowner", "Homeowner")
	env = f.signAll(t, env.ID, "contractor", "Contractor")
	assert.Equal(t, envelope.StatusInProgress, env.Status, "witness has not signed")

	env, err = f.svc.CompleteSigner(ctx, env.ID, "witness", envelope.SigningContext{})
	require.NoError(t, err)
	assert.Equal(t, envelope.StatusCompleted, env.Status)
}

func TestDateFieldDefaultsToSigningDate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	env, err := f.svc.CreateEnvelope(ctx, homeownerContractor(false))
	require.NoError(t, err)
	_, err = f.svc.StartEnvelope(ctx, env.ID)
	require.NoError(t, err)

	env, err = f.svc.SubmitSignerField(ctx, env.ID, "homeowner", "Homeowner Date", envelope.Artifact{}, envelope.SigningContext{})
	require.NoError(t, err)
	h, _ := env.Signer("homeowner")
	assert.Equal(t, "March 1, 2024", h.Artifacts["Homeowner Date"].Text)

	_, err = f.svc.SubmitSignerField(ctx, env.ID, "homeowner", "Homeowner Name", envelope.Artifact{}, envelope.SigningContext{})
	assert.ErrorIs(t, err, envelope.ErrInvalidRequest)
	_, err = f.svc.SubmitSignerField(ctx, env.ID, "homeowner", "Homeowner Signature", envelope.Artifact{Text: "Jane"}, envelope.SigningContext{})
	assert.ErrorIs(t, err, envelope.ErrInvalidRequest)
	_, err = f.svc.SubmitSignerField(ctx, env.ID, "homeowner", "Contractor Name", envelope.Artifact{Text: "x"}, envelope.SigningContext{})
	assert.ErrorIs(t, err, envelope.ErrInvalidRequest, "fields of another role are rejected")
}

func TestDeclineVoidAndRecreate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	env, err := f.svc.CreateEnvelope(ctx, homeownerContractor(true))
	require.NoError(t, err)
	_, err = f.svc.DeclineSigner(ctx, env.ID, "homeowner", "wrong price")
	assert.ErrorIs(t, err, envelope.ErrInvalidTransition, "cannot decline a draft")

	_, err = f.svc.StartEnvelope(ctx, env.ID)
	require.NoError(t, err)
	env = f.signAll(t, env.ID, "homeowner", "Homeowner")

	env, err = f.svc.DeclineSigner(ctx, env.ID, "contractor", "wrong price")
	require.NoError(t, err)
	c, _ := env.Signer("contractor")
	assert.Equal(t, envelope.SignerDeclined, c.Status)
	assert.Equal(t, "wrong price", c.DeclineReason)
	assert.Equal(t, envelope.StatusInProgress, env.Status, "decline does not void")

	_, err = f.svc.CheckCompletion(ctx, env.ID)
	assert.ErrorIs(t, err, envelope.ErrSignerDeclined)
	_, err = f.svc.SubmitSignerField(ctx, env.ID, "contractor", "Contractor Name", envelope.Artifact{Text: "Bob"}, envelope.SigningContext{})
	assert.ErrorIs(t, err, envelope.ErrInvalidTransition)
	_, err = f.svc.DeclineSigner(ctx, env.ID, "homeowner", "changed my mind")
	assert.ErrorIs(t, err, envelope.ErrInvalidTransition, "signed is terminal")

	_, err = f.svc.Recreate(ctx, env.ID)
	assert.ErrorIs(t, err, envelope.ErrInvalidTransition, "only voided envelopes are recreated")

	voided, err := f.svc.VoidEnvelope(ctx, env.ID, "contractor declined")
	require.NoError(t, err)
	assert.Equal(t, envelope.StatusVoided, voided.Status)
	_, err = f.svc.VoidEnvelope(ctx, env.ID, "again")
	assert.ErrorIs(t, err, envelope.ErrInvalidTransition)

	fresh, err := f.svc.Recreate(ctx, env.ID)
	require.NoError(t, err)
	assert.NotEqual(t, env.ID, fresh.ID)
	assert.Equal(t, env.ID, fresh.RecreatedFrom)
	assert.Equal(t, envelope.StatusDraft, fresh.Status)
	assert.Equal(t, env.SourceDocumentRef, fresh.CurrentDocumentRef)
	for _, s := range fresh.Signers {
		assert.Equal(t, envelope.SignerPending, s.Status)
	}

	list, err := f.svc.List(ctx, envelope.ListOptions{Status: envelope.StatusVoided})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, env.ID, list[0].ID)
}

func TestAuditPageForSignerWithoutFields(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	env, err := f.svc.CreateEnvelope(ctx, envelope.CreateRequest{
		Title:          "Waiver",
		SourceDocument: testpdf.Simple(1),
		Signers:        []envelope.SignerSpec{{ID: "client", Role: "CLIENT", DisplayName: "Ann Client", Email: "ann@example.com"}},
	})
	require.NoError(t, err)
	c, _ := env.Signer("client")
	assert.Equal(t, []string{envelope.AuditSignatureLabel}, c.RequiredFieldLabels)

	_, err = f.svc.StartEnvelope(ctx, env.ID)
	require.NoError(t, err)
	env, err = f.svc.SubmitSignerField(ctx, env.ID, "client", "Signature", envelope.Artifact{Image: signaturePNG(t)},
		envelope.SigningContext{IPAddress: "198.51.100.4"})
	require.NoError(t, err)
	assert.Equal(t, envelope.StatusCompleted, env.Status)

	info, err := inject.NewEngine().Inspect(ctx, f.load(t, env.CurrentDocumentRef))
	require.NoError(t, err)
	assert.Equal(t, 2, info.PageCount, "a certificate page was appended")

	g := newFixture(t, envelope.WithAuditPageMode(envelope.AuditPageNever))
	_, err = g.svc.CreateEnvelope(ctx, envelope.CreateRequest{
		SourceDocument: testpdf.Simple(1),
		Signers:        []envelope.SignerSpec{{Role: "CLIENT"}},
	})
	assert.ErrorIs(t, err, envelope.ErrInvalidRequest)
}

func TestCreateEnvelopeValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	base := homeownerContractor(true)

	tests := []struct {
		name   string
		mutate func(r *envelope.CreateRequest)
		target error
	}{
		{"no signers", func(r *envelope.CreateRequest) { r.Signers = nil }, envelope.ErrInvalidRequest},
		{"duplicate role", func(r *envelope.CreateRequest) { r.Signers[1].Role = fields.RoleHomeowner }, envelope.ErrInvalidRequest},
		{"duplicate id", func(r *envelope.CreateRequest) { r.Signers[1].ID = "homeowner" }, envelope.ErrInvalidRequest},
		{"role without signer", func(r *envelope.CreateRequest) { r.Signers = r.Signers[:1] }, envelope.ErrInvalidRequest},
		{"unknown template", func(r *envelope.CreateRequest) { r.Template = "nope" }, fields.ErrUnknownTemplate},
		{"no document", func(r *envelope.CreateRequest) { r.SourceDocument = nil }, envelope.ErrInvalidRequest},
		{"not a pdf", func(r *envelope.CreateRequest) { r.SourceDocument = []byte("hello") }, inject.ErrDocumentLoad},
		{"page out of range", func(r *envelope.CreateRequest) {
			r.Template = ""
			r.Placements = fields.DefaultPlacements()
			r.Placements[0].PageIndex = 3
		}, placement.ErrPageIndexOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			req.Signers = append([]envelope.SignerSpec(nil), base.Signers...)
			tt.mutate(&req)
			_, err := f.svc.CreateEnvelope(ctx, req)
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestCreateFromStoredReference(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ref, err := f.docs.Store(ctx, testpdf.Simple(1))
	require.NoError(t, err)
	req := homeownerContractor(false)
	req.SourceDocument = nil
	req.SourceDocumentRef = ref
	env, err := f.svc.CreateEnvelope(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ref, env.CurrentDocumentRef)
	assert.Equal(t, f.hasher.Hash(testpdf.Simple(1)), env.SourceDocumentHash)

	req.SourceDocumentRef = "missing"
	_, err = f.svc.CreateEnvelope(ctx, req)
	assert.ErrorIs(t, err, envelope.ErrNotFound)
}

func TestTamperedDocumentBlocksSigning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	env, err := f.svc.CreateEnvelope(ctx, homeownerContractor(true))
	require.NoError(t, err)
	_, err = f.svc.StartEnvelope(ctx, env.ID)
	require.NoError(t, err)
	env = f.signAll(t, env.ID, "homeowner", "Homeowner")

	doc := f.load(t, env.CurrentDocumentRef)
	doc[10] ^= 0x01
	require.NoError(t, f.docs.Overwrite(env.CurrentDocumentRef, doc))

	_, err = f.svc.SubmitSignerField(ctx, env.ID, "contractor", "Contractor Name", envelope.Artifact{Text: "Bob"}, envelope.SigningContext{})
	require.NoError(t, err, "recording an artifact does not touch the document")
	_, err = f.svc.SubmitSignerField(ctx, env.ID, "contractor", "Contractor Date", envelope.Artifact{Text: "now"}, envelope.SigningContext{})
	require.NoError(t, err)
	_, err = f.svc.SubmitSignerField(ctx, env.ID, "contractor", "Contractor Signature", envelope.Artifact{Image: signaturePNG(t)}, envelope.SigningContext{})
	assert.ErrorIs(t, err, integrity.ErrHashMismatch)
}

func TestConcurrentSubmissionsAreSerialized(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	env, err := f.svc.CreateEnvelope(ctx, homeownerContractor(false))
	require.NoError(t, err)
	_, err = f.svc.StartEnvelope(ctx, env.ID)
	require.NoError(t, err)

	sig := signaturePNG(t)
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, who := range []struct{ id, title string }{{"homeowner", "Homeowner"}, {"contractor", "Contractor"}} {
		wg.Add(1)
		go func(id, title string) {
			defer wg.Done()
			sc := envelope.SigningContext{}
			for _, field := range []string{" Name", " Date"} {
				if _, err := f.svc.SubmitSignerField(ctx, env.ID, id, title+field, envelope.Artifact{Text: "x"}, sc); err != nil {
					errs <- err
					return
				}
			}
			if _, err := f.svc.SubmitSignerField(ctx, env.ID, id, title+" Signature", envelope.Artifact{Image: sig}, sc); err != nil {
				errs <- err
			}
		}(who.id, who.title)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	got, err := f.svc.Get(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, envelope.StatusCompleted, got.Status)
	assert.Len(t, got.AuditTrail, 3)
	// The second signer's document must extend the first signer's.
	first := f.load(t, got.AuditTrail[0].DocumentRef)
	second := f.load(t, got.AuditTrail[1].DocumentRef)
	assert.True(t, bytes.HasPrefix(second, first))
}

func TestFailFastLocking(t *testing.T) {
	ctx := context.Background()
	locker := envelope.NewLocker()
	f := newFixture(t, envelope.WithLocker(locker), envelope.WithLockMode(envelope.LockFailFast))
	env, err := f.svc.CreateEnvelope(ctx, homeownerContractor(false))
	require.NoError(t, err)

	unlock, ok := locker.TryLock(env.ID)
	require.True(t, ok)
	_, err = f.svc.StartEnvelope(ctx, env.ID)
	var cm *envelope.ConcurrentModificationError
	require.ErrorAs(t, err, &cm)
	assert.Equal(t, env.ID, cm.EnvelopeID)
	unlock()

	_, err = f.svc.StartEnvelope(ctx, env.ID)
	assert.NoError(t, err)
}

func TestVersionConflictSurfacesAsConcurrentModification(t *testing.T) {
	ctx := context.Background()
	repo := new(MockRepository)
	draft := &envelope.Envelope{ID: "env-1", Status: envelope.StatusDraft, Version: 3}
	repo.On("Get", ctx, "env-1").Return(draft, nil)
	repo.On("Update", ctx, mock.AnythingOfType("*envelope.Envelope"), int64(3)).
		Return(envelope.ErrVersionConflict)

	svc := envelope.NewService(repo, storage.NewMemory(), inject.NewEngine(), nil)
	_, err := svc.StartEnvelope(ctx, "env-1")
	assert.ErrorIs(t, err, envelope.ErrConcurrentModification)
	assert.ErrorIs(t, err, envelope.ErrVersionConflict)
	repo.AssertExpectations(t)

	repo.On("Get", ctx, "missing").Return(nil, envelope.ErrNotFound)
	_, err = svc.StartEnvelope(ctx, "missing")
	assert.ErrorIs(t, err, envelope.ErrNotFound)
}

func TestNotifierErrorsDoNotFailTransitions(t *testing.T) {
	ctx := context.Background()
	n := new(MockNotifier)
	n.On("Notify", mock.Anything, mock.Anything).Return(errors.New("sns down"))
	svc := envelope.NewService(store.NewMemory(), storage.NewMemory(), inject.NewEngine(), nil, envelope.WithNotifier(n))
	env, err := svc.CreateEnvelope(ctx, homeownerContractor(false))
	require.NoError(t, err)
	env, err = svc.StartEnvelope(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, envelope.StatusInProgress, env.Status)
	n.AssertNumberOfCalls(t, "Notify", 1)
}
