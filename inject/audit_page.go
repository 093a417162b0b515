package inject

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"go.uber.org/zap"

	"github.com/georgepadayatti/goesign/pdf/images"
	"github.com/georgepadayatti/goesign/pdf/reader"
	"github.com/georgepadayatti/goesign/pdf/writer"
)

// AuditPageMetadata is the content of a signature certificate page.
type AuditPageMetadata struct {
	CompanyName       string    `json:"company_name"`
	DocumentTitle     string    `json:"document_title"`
	EnvelopeID        string    `json:"envelope_id"`
	SignerName        string    `json:"signer_name"`
	SignerEmail       string    `json:"signer_email"`
	SignerRole        string    `json:"signer_role"`
	SignedAt          time.Time `json:"signed_at"`
	IPAddress         string    `json:"ip_address"`
	UserAgent         string    `json:"user_agent"`
	DocumentReference string    `json:"document_reference"`
	HashAlgorithm     string    `json:"hash_algorithm"`
	DocumentHash      string    `json:"document_hash"`
}

// PDFColor is an RGB color.
type PDFColor struct {
	R int `json:"r"`
	G int `json:"g"`
	B int `json:"b"`
}

// AuditPageOptions configures the certificate page layout. Sizes are in
// points.
type AuditPageOptions struct {
	PageSize       string   `json:"page_size"`
	Title          string   `json:"title"`
	FontFamily     string   `json:"font_family"`
	FontSize       float64  `json:"font_size"`
	TitleFontSize  float64  `json:"title_font_size"`
	HeaderColor    PDFColor `json:"header_color"`
	Margin         float64  `json:"margin"`
	SignatureWidth float64  `json:"signature_width"`
	// SignatureHeight bounds the signature image; it keeps its aspect ratio.
	SignatureHeight float64 `json:"signature_height"`
}

// DefaultAuditPageOptions returns a Letter page layout.
func DefaultAuditPageOptions() AuditPageOptions {
	return AuditPageOptions{
		PageSize:        "Letter",
		Title:           "Signature Certificate",
		FontFamily:      "Helvetica",
		FontSize:        10,
		TitleFontSize:   18,
		HeaderColor:     PDFColor{R: 68, G: 114, B: 196},
		Margin:          54,
		SignatureWidth:  220,
		SignatureHeight: 80,
	}
}

// AppendAuditPage renders a certificate page for one signer and adds it
// after the last page of pdf. The original bytes are kept as a prefix.
func (e *Engine) AppendAuditPage(ctx context.Context, pdf []byte, meta AuditPageMetadata, signatureImage []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, err := e.load(pdf)
	if err != nil {
		return nil, err
	}
	var sig *images.Image
	if len(signatureImage) > 0 {
		if sig, err = images.Decode(signatureImage); err != nil {
			return nil, &ImageDecodeError{Label: "audit signature", Err: err}
		}
	}

	page, err := e.RenderAuditPage(meta, sig)
	if err != nil {
		return nil, err
	}
	pr, err := reader.Open(page)
	if err != nil {
		return nil, fmt.Errorf("failed to read rendered audit page: %w", err)
	}

	w := writer.NewIncrementalWriter(r)
	w.SetStreamXRefs(e.streamXRefs)
	if _, err := w.ImportPage(pr, 0); err != nil {
		return nil, fmt.Errorf("failed to append audit page: %w", err)
	}
	out, err := w.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to write update: %w", err)
	}
	e.logger.Debug("appended audit page",
		zap.String("envelope_id", meta.EnvelopeID),
		zap.Int("pages", w.PageCount()))
	return out, nil
}

// RenderAuditPage produces a standalone one-page PDF.
func (e *Engine) RenderAuditPage(meta AuditPageMetadata, sig *images.Image) ([]byte, error) {
	o := e.audit
	pdf := gofpdf.New("P", "pt", o.PageSize, "")
	pdf.SetCompression(true)
	pdf.SetCreationDate(e.now().UTC())
	pdf.SetCatalogSort(true)
	pdf.SetProducer("goesign", true)
	pdf.SetTitle(o.Title, true)
	pdf.SetMargins(o.Margin, o.Margin, o.Margin)
	pdf.SetAutoPageBreak(false, o.Margin)
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()

	pageW, _ := pdf.GetPageSize()
	contentW := pageW - 2*o.Margin

	pdf.SetFillColor(o.HeaderColor.R, o.HeaderColor.G, o.HeaderColor.B)
	pdf.Rect(0, 0, pageW, o.Margin*0.6, "F")

	pdf.SetY(o.Margin)
	if meta.CompanyName != "" {
		pdf.SetFont(o.FontFamily, "B", o.FontSize+2)
		pdf.SetTextColor(100, 100, 100)
		pdf.CellFormat(contentW, o.FontSize*2, tr(meta.CompanyName), "", 1, "L", false, 0, "")
	}
	pdf.SetFont(o.FontFamily, "B", o.TitleFontSize)
	pdf.SetTextColor(0, 0, 0)
	pdf.CellFormat(contentW, o.TitleFontSize*1.6, tr(o.Title), "", 1, "L", false, 0, "")
	pdf.Ln(o.FontSize)

	signedAt := ""
	if !meta.SignedAt.IsZero() {
		signedAt = meta.SignedAt.In(e.location).Format(time.RFC1123)
	}
	rows := []struct{ label, value string }{
		{"Document", meta.DocumentTitle},
		{"Envelope", meta.EnvelopeID},
		{"Document reference", meta.DocumentReference},
		{"Signer", meta.SignerName},
		{"Email", meta.SignerEmail},
		{"Role", meta.SignerRole},
		{"Signed at", signedAt},
		{"IP address", meta.IPAddress},
		{"User agent", meta.UserAgent},
		{"Hash algorithm", meta.HashAlgorithm},
		{"Document hash", meta.DocumentHash},
	}
	labelW := contentW * 0.28
	lineH := o.FontSize * 1.6
	for i, row := range rows {
		if row.value == "" {
			continue
		}
		fill := i%2 == 0
		pdf.SetFillColor(242, 242, 242)
		pdf.SetFont(o.FontFamily, "B", o.FontSize)
		pdf.CellFormat(labelW, lineH, tr(row.label), "", 0, "L", fill, 0, "")
		pdf.SetFont(o.FontFamily, "", o.FontSize)
		pdf.MultiCell(contentW-labelW, lineH, tr(row.value), "", "L", fill)
	}

	if sig != nil {
		pdf.Ln(o.FontSize)
		pdf.SetFont(o.FontFamily, "B", o.FontSize)
		pdf.CellFormat(contentW, lineH, "Signature", "", 1, "L", false, 0, "")

		// gofpdf reads only 8-bit non-interlaced PNGs, so the decoded image
		// is always re-encoded.
		data, err := sig.PNG()
		if err != nil {
			return nil, fmt.Errorf("failed to convert signature image: %w", err)
		}
		opts := gofpdf.ImageOptions{ImageType: "PNG"}
		pdf.RegisterImageOptionsReader("signature", opts, bytes.NewReader(data))

		w, h := o.SignatureWidth, o.SignatureWidth*float64(sig.Height)/float64(sig.Width)
		if h > o.SignatureHeight {
			w, h = o.SignatureHeight*float64(sig.Width)/float64(sig.Height), o.SignatureHeight
		}
		y := pdf.GetY()
		pdf.ImageOptions("signature", o.Margin, y, w, h, false, opts, 0, "")
		pdf.SetDrawColor(160, 160, 160)
		pdf.Line(o.Margin, y+h+2, o.Margin+o.SignatureWidth, y+h+2)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to render audit page: %w", err)
	}
	return buf.Bytes(), nil
}
