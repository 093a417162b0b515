package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/georgepadayatti/goesign/envelope"
	"github.com/georgepadayatti/goesign/inject"
	"github.com/georgepadayatti/goesign/integrity"
	"github.com/georgepadayatti/goesign/internal/testpdf"
	"github.com/georgepadayatti/goesign/placement"
	"github.com/georgepadayatti/goesign/report"
	"github.com/georgepadayatti/goesign/sweep"
)

type result struct {
	code   int
	stdout string
	stderr string
}

// run executes the CLI in-process, capturing output and the exit status.
func run(t *testing.T, args ...string) result {
	t.Helper()
	var out, errOut bytes.Buffer
	res := result{}
	oldExit, oldOut, oldErr := osExit, stdout, stderr
	osExit = func(code int) { res.code = code }
	stdout, stderr = &out, &errOut
	defer func() { osExit, stdout, stderr = oldExit, oldOut, oldErr }()

	Run(append([]string{"goesign"}, args...))
	res.stdout, res.stderr = out.String(), errOut.String()
	return res
}

// workspace points the configuration at a temporary directory.
func workspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("GOESIGN_CONFIG", "")
	t.Setenv("GOESIGN_STORAGE_BACKEND", "filesystem")
	t.Setenv("GOESIGN_STORAGE_DIR", filepath.Join(dir, "documents"))
	t.Setenv("GOESIGN_PERSISTENCE_BACKEND", "file")
	t.Setenv("GOESIGN_PERSISTENCE_DIR", filepath.Join(dir, "envelopes"))
	t.Setenv("GOESIGN_LOG_LEVEL", "error")
	t.Setenv("GOESIGN_LOG_OUTPUT", filepath.Join(dir, "goesign.log"))
	t.Setenv("GOESIGN_COMPANY_NAME", "Acme Renovations")
	return dir
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func signaturePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 240, 60))
	for x := 10; x < 230; x++ {
		img.SetNRGBA(x, 30+(x%7)-3, color.NRGBA{B: 140, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func decodeSummary(t *testing.T, r result) report.EnvelopeSummary {
	t.Helper()
	require.Equal(t, 0, r.code, r.stderr)
	var s report.EnvelopeSummary
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &s), r.stdout)
	return s
}

func decodeError(t *testing.T, r result) ErrorOutput {
	t.Helper()
	var e ErrorOutput
	require.NoError(t, json.Unmarshal([]byte(r.stderr), &e), r.stderr)
	return e
}

func TestSigningWorkflow(t *testing.T) {
	dir := workspace(t)
	doc := writeFile(t, dir, "contract.pdf", testpdf.Simple(1))
	sig := writeFile(t, dir, "signature.png", signaturePNG(t))

	created := decodeSummary(t, run(t, "create",
		"-title", "Kitchen remodel",
		"-reference", "CLM-1001",
		"-document", doc,
		"-ordered",
		"-signer", "role=HOMEOWNER,id=homeowner,name=Jane Homeowner,email=jane@example.com",
		"-signer", "role=CONTRACTOR,id=contractor,name=Bob Builder,order=1",
		"-start"))
	assert.Equal(t, envelope.StatusInProgress, created.Status)
	assert.Equal(t, 2, created.SignersTotal)
	id := created.ID

	early := run(t, "submit", id, "contractor", "Contractor Signature", sig)
	assert.Equal(t, ExitOutOfSequence, early.code)
	assert.Equal(t, ExitOutOfSequence, decodeError(t, early).ExitCode)
	assert.NotEmpty(t, decodeError(t, early).UserMessage)

	for _, signer := range []struct{ id, title string }{{"homeowner", "Homeowner"}, {"contractor", "Contractor"}} {
		decodeSummary(t, run(t, "submit", "-ip", "203.0.113.7", id, signer.id, signer.title+" Signature", sig))
		decodeSummary(t, run(t, "submit", "-text", "Printed "+signer.title, id, signer.id, signer.title+" Name"))
		decodeSummary(t, run(t, "submit", id, signer.id, signer.title+" Date"))
	}

	status := decodeSummary(t, run(t, "status", id))
	assert.Equal(t, envelope.StatusCompleted, status.Status)
	assert.Equal(t, 2, status.SignersSigned)
	assert.NotEmpty(t, status.FinalDocumentHash)

	exported := filepath.Join(dir, "signed.pdf")
	r := run(t, "export", "-o", exported, id)
	require.Equal(t, 0, r.code, r.stderr)
	signed, err := os.ReadFile(exported)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(signed, []byte("%PDF-")))

	r = run(t, "verify-hash", id)
	require.Equal(t, 0, r.code, r.stderr)
	var out VerifyOutput
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &out))
	assert.True(t, out.Verification.Verified)
	require.NotNil(t, out.Document)
	assert.True(t, out.Document.AuditMetadata)
	assert.Equal(t, 1, out.Document.Pages)
	assert.Greater(t, out.Document.Revisions, 1)

	r = run(t, "verify-hash", "-file", exported, id)
	assert.Equal(t, 0, r.code, r.stderr)

	tampered := writeFile(t, dir, "tampered.pdf", append(append([]byte(nil), signed...), "\n%edited\n"...))
	r = run(t, "verify-hash", "-file", tampered, id)
	assert.Equal(t, ExitHashMismatch, r.code)
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &out))
	assert.False(t, out.Verification.Verified)

	r = run(t, "void", id)
	assert.Equal(t, ExitInvalid, r.code)

	r = run(t, "report", "-format", "json", "-verify")
	require.Equal(t, 0, r.code, r.stderr)
	var rep report.Report
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &rep))
	require.Len(t, rep.Envelopes, 1)
	require.NotNil(t, rep.Envelopes[0].Verification)
	assert.True(t, rep.Envelopes[0].Verification.Verified)

	r = run(t, "sweep")
	require.Equal(t, 0, r.code, r.stderr)
	var swept sweep.Result
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &swept))
	assert.Equal(t, 1, swept.Checked)
	assert.Equal(t, 1, swept.Verified)

	// Corrupt the stored document in place.
	stored := filepath.Join(dir, "documents", status.CurrentDocumentRef+".pdf")
	require.NoError(t, os.WriteFile(stored, append(signed, ' '), 0o600))
	assert.Equal(t, ExitHashMismatch, run(t, "verify-hash", id).code)
	assert.Equal(t, ExitHashMismatch, run(t, "sweep").code)
}

func TestOrderedSignersDefaultToListOrder(t *testing.T) {
	dir := workspace(t)
	doc := writeFile(t, dir, "contract.pdf", testpdf.Simple(1))

	created := decodeSummary(t, run(t, "create", "-title", "Fence", "-document", doc, "-ordered", "-start",
		"-signer", "role=HOMEOWNER,id=h", "-signer", "role=CONTRACTOR,id=c"))

	r := run(t, "submit", "-text", "Bob Builder", created.ID, "c", "Contractor Name")
	assert.Equal(t, ExitOutOfSequence, r.code, r.stderr)

	decodeSummary(t, run(t, "submit", "-text", "Jane Homeowner", created.ID, "h", "Homeowner Name"))
}

func TestDeclineVoidRecreate(t *testing.T) {
	dir := workspace(t)
	doc := writeFile(t, dir, "contract.pdf", testpdf.Simple(1))

	created := decodeSummary(t, run(t, "create", "-title", "Deck", "-document", doc,
		"-signer", "role=HOMEOWNER,id=h", "-signer", "role=CONTRACTOR,id=c"))
	assert.Equal(t, envelope.StatusDraft, created.Status)

	decodeSummary(t, run(t, "start", created.ID))
	declined := decodeSummary(t, run(t, "decline", "-reason", "price changed", created.ID, "h"))
	assert.Equal(t, 1, declined.SignersDeclined)

	voided := decodeSummary(t, run(t, "void", "-reason", "superseded", created.ID))
	assert.Equal(t, envelope.StatusVoided, voided.Status)

	again := decodeSummary(t, run(t, "recreate", created.ID))
	assert.Equal(t, envelope.StatusDraft, again.Status)
	assert.NotEqual(t, created.ID, again.ID)

	r := run(t, "report", "-format", "text", "-status", "VOIDED")
	require.Equal(t, 0, r.code, r.stderr)
	assert.Contains(t, r.stdout, created.ID)
	assert.NotContains(t, r.stdout, again.ID)

	xlsx := filepath.Join(dir, "report.xlsx")
	r = run(t, "report", "-format", "xlsx", "-o", xlsx)
	require.Equal(t, 0, r.code, r.stderr)
	assert.FileExists(t, xlsx)
}

func TestAuditPageSigning(t *testing.T) {
	dir := workspace(t)
	doc := writeFile(t, dir, "invoice.pdf", testpdf.Simple(1))
	sig := writeFile(t, dir, "signature.png", signaturePNG(t))

	created := decodeSummary(t, run(t, "create", "-title", "Invoice", "-document", doc, "-template", "none",
		"-signer", "role=CLIENT,id=client,name=Pat Client", "-start"))

	r := run(t, "submit", created.ID, "client", "Client Signature", sig)
	assert.Equal(t, ExitInvalid, r.code)

	done := decodeSummary(t, run(t, "submit", "-user-agent", "test", created.ID, "client", "Signature", sig))
	assert.Equal(t, envelope.StatusCompleted, done.Status)

	r = run(t, "verify-hash", created.ID)
	require.Equal(t, 0, r.code, r.stderr)
	var out VerifyOutput
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &out))
	require.NotNil(t, out.Document)
	assert.Equal(t, 2, out.Document.Pages)
}

func TestCommandErrors(t *testing.T) {
	dir := workspace(t)
	doc := writeFile(t, dir, "contract.pdf", testpdf.Simple(1))
	notPDF := writeFile(t, dir, "notes.pdf", []byte("just some notes"))

	tests := []struct {
		name string
		args []string
		code int
	}{
		{"no command", nil, ExitInvalid},
		{"unknown command", []string{"frobnicate"}, ExitInvalid},
		{"missing document", []string{"create", "-title", "x", "-signer", "role=HOMEOWNER"}, ExitInvalid},
		{"bad signer flag", []string{"create", "-document", doc, "-signer", "id=nobody"}, ExitInvalid},
		{"unknown template", []string{"create", "-title", "x", "-document", doc, "-template", "nope", "-signer", "role=HOMEOWNER"}, ExitInvalid},
		{"not a pdf", []string{"create", "-title", "x", "-document", notPDF, "-signer", "role=HOMEOWNER", "-signer", "role=CONTRACTOR"}, ExitDocumentLoad},
		{"unknown envelope", []string{"status", "4f9c1a52-1111-4222-8333-944455556666"}, ExitInvalid},
		{"missing argument", []string{"start"}, ExitInvalid},
		{"xlsx to stdout", []string{"report", "-format", "xlsx"}, ExitInvalid},
		{"unknown format", []string{"report", "-format", "pdf"}, ExitInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := run(t, tt.args...)
			assert.Equal(t, tt.code, r.code, r.stderr)
		})
	}
}

func TestHelpAndVersion(t *testing.T) {
	Version = "1.2.3"
	defer func() { Version = "dev" }()

	r := run(t, "version")
	assert.Equal(t, 0, r.code)
	assert.Contains(t, r.stdout, "goesign version 1.2.3")

	r = run(t, "help")
	assert.Equal(t, 0, r.code)
	assert.Contains(t, r.stdout, "verify-hash")

	r = run(t, "submit", "-h")
	assert.Equal(t, 0, r.code)
	assert.Contains(t, r.stderr, "-user-agent")
}

func TestTemplatesCommand(t *testing.T) {
	dir := workspace(t)
	file := writeFile(t, dir, "templates.yaml", []byte(`
templates:
  - name: porch
    description: Porch repair
    placements:
      - label: Owner Signature
        role: OWNER
        field-type: SIGNATURE
        required: true
        page-index: 0
        anchor: BOTTOM_LEFT
        x-pct: 0.1
        y-pct: 0.1
        w-pct: 0.3
        h-pct: 0.05
`))
	t.Setenv("GOESIGN_CONFIG", writeFile(t, dir, "goesign.yaml", []byte(fmt.Sprintf("engine:\n  template-files: [%q]\n", file))))

	r := run(t, "templates")
	require.Equal(t, 0, r.code, r.stderr)
	var infos []TemplateInfo
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &infos))
	names := map[string]TemplateInfo{}
	for _, info := range infos {
		names[info.Name] = info
	}
	require.Contains(t, names, "default")
	require.Contains(t, names, "porch")
	assert.Equal(t, []string{"OWNER"}, names["porch"].Roles)
	assert.Equal(t, 1, names["porch"].Fields)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{errors.New("disk full"), ExitFailure},
		{fmt.Errorf("apply: %w", placement.ErrPageIndexOutOfRange), ExitPageIndexOutOfRange},
		{&inject.DocumentLoadError{Err: errors.New("bad xref")}, ExitDocumentLoad},
		{&inject.ImageDecodeError{Label: "Signature", Err: errors.New("bad png")}, ExitImageDecode},
		{&envelope.MissingRequiredFieldsError{SignerID: "h", MissingLabels: []string{"Homeowner Date"}}, ExitMissingRequiredFields},
		{fmt.Errorf("submit: %w", envelope.ErrOutOfSequence), ExitOutOfSequence},
		{&integrity.HashMismatchError{Algorithm: integrity.SHA256, Expected: "aa", Actual: "bb"}, ExitHashMismatch},
		{fmt.Errorf("commit: %w", envelope.ErrConcurrentModification), ExitConcurrentModification},
		{envelope.ErrInvalidTransition, ExitInvalid},
		{usageError("bad"), ExitInvalid},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExitCode(tt.err), "%v", tt.err)
	}
}

func TestSignerList(t *testing.T) {
	var l signerList
	require.NoError(t, l.Set("role=HOMEOWNER,id=h1,name=Jane Doe,email=jane@example.com"))
	require.NoError(t, l.Set("role=CONTRACTOR, order=2"))
	require.Len(t, l, 2)
	assert.Equal(t, envelope.SignerSpec{ID: "h1", Role: "HOMEOWNER", DisplayName: "Jane Doe", Email: "jane@example.com"}, l[0])
	assert.Equal(t, 2, l[1].Order)
	require.NoError(t, l.Set("role=INSPECTOR,id=i1"))
	assert.Equal(t, 2, l[2].Order, "defaults to list position")
	assert.Equal(t, "HOMEOWNER:h1 CONTRACTOR: INSPECTOR:i1", l.String())

	for _, bad := range []string{"id=x", "role=A,order=first", "role=A,colour=red", "role"} {
		assert.Error(t, l.Set(bad), bad)
	}
}

func TestArtifactFromFile(t *testing.T) {
	img := signaturePNG(t)
	art := artifactFromFile(img)
	assert.Equal(t, img, art.Image)
	assert.Equal(t, "image/png", art.ContentType)

	art = artifactFromFile([]byte("  Jane Homeowner\n"))
	assert.Nil(t, art.Image)
	assert.Equal(t, "Jane Homeowner", art.Text)
}
