package inject

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/georgepadayatti/goesign/pdf/images"
	"github.com/georgepadayatti/goesign/pdf/reader"
	"github.com/georgepadayatti/goesign/pdf/writer"
	"github.com/georgepadayatti/goesign/placement"
	"github.com/georgepadayatti/goesign/stamp"
)

// Item is one artifact to draw. Image is used when present, otherwise Text.
type Item struct {
	Rect        placement.Rect
	Image       []byte
	Text        string
	SignedAtISO string
	SignerLabel string
	Label       string
}

// DocumentInfo summarizes a document for callers that validate placements
// before signing starts.
type DocumentInfo struct {
	Version   string
	PageCount int
	Pages     []PageSize
}

// PageSize is a page's MediaBox size in points.
type PageSize struct {
	Width, Height float64
}

func (e *Engine) load(src []byte) (*reader.Reader, error) {
	r, err := reader.Open(src)
	if err != nil {
		return nil, &DocumentLoadError{Err: err}
	}
	return r, nil
}

// Inspect parses pdf and reports its page geometry.
func (e *Engine) Inspect(ctx context.Context, pdf []byte) (*DocumentInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, err := e.load(pdf)
	if err != nil {
		return nil, err
	}
	info := &DocumentInfo{Version: r.Version(), PageCount: r.PageCount()}
	for _, p := range r.Pages() {
		info.Pages = append(info.Pages, PageSize{Width: p.Width(), Height: p.Height()})
	}
	return info, nil
}

// ApplyPlacements draws items onto src and returns the document with one
// incremental update appended. src is never modified. Every image is
// decoded before anything is drawn, and any error discards the update.
func (e *Engine) ApplyPlacements(ctx context.Context, src []byte, items []Item) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, err := e.load(src)
	if err != nil {
		return nil, err
	}

	decoded := make([]*images.Image, len(items))
	for i, it := range items {
		if len(it.Image) == 0 {
			if it.Text == "" {
				return nil, fmt.Errorf("%w: %q", ErrEmptyItem, it.Label)
			}
			continue
		}
		img, err := images.Decode(it.Image)
		if err != nil {
			return nil, &ImageDecodeError{Label: it.Label, Index: i, Err: err}
		}
		decoded[i] = img.Downscale(e.maxImageWidth, e.maxImageHeight)
	}

	w := writer.NewIncrementalWriter(r)
	w.SetStreamXRefs(e.streamXRefs)
	for i, it := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := e.drawItem(r, w, it, decoded[i]); err != nil {
			return nil, err
		}
	}

	out, err := w.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to write update: %w", err)
	}
	e.logger.Debug("applied placements",
		zap.Int("items", len(items)),
		zap.Int("input_bytes", len(src)),
		zap.Int("output_bytes", len(out)))
	return out, nil
}

func (e *Engine) drawItem(r *reader.Reader, w *writer.IncrementalWriter, it Item, img *images.Image) error {
	var pw, ph float64
	if page, err := r.Page(it.Rect.PageIndex); err == nil {
		pw, ph = page.Width(), page.Height()
	}
	box, err := placement.ResolveOnPage(it.Rect, r.PageCount(), pw, ph)
	if err != nil {
		return err
	}
	if err := it.Rect.Validate(); err != nil {
		return fmt.Errorf("field %q: %w", it.Label, err)
	}

	var s stamp.Stamper
	if img != nil {
		style := stamp.DefaultImageStampStyle()
		style.ScaleMode = e.scaleMode
		s = stamp.NewImageStamp(img, box.W, box.H, style)
	} else {
		s = stamp.NewTextStamp(it.Text, box.W, box.H, e.textStyle)
	}
	if _, err := stamp.Apply(w, it.Rect.PageIndex, s, box, it.Rect.RotationDegrees); err != nil {
		return fmt.Errorf("failed to stamp field %q: %w", it.Label, err)
	}

	if !e.captions {
		return nil
	}
	text := e.Caption(it.SignerLabel, it.SignedAtISO)
	if text == "" {
		return nil
	}
	return e.drawCaption(w, it.Rect, box, text)
}

// drawCaption puts text just below box with its baseline at
// box.Y - size - 1. A rotated field carries its caption with it.
func (e *Engine) drawCaption(w *writer.IncrementalWriter, rect placement.Rect, box placement.Box, text string) error {
	style := e.captionStyle
	font := style.Font
	size := font.FitSize(text, box.W, style.FontSize, style.MinFontSize)
	style.FontSize, style.MinFontSize = size, size

	glyph := (font.Ascender - font.Descender) * size / 1000
	baseline := box.Y - size - 1
	capBox := placement.Box{X: box.X, Y: baseline + font.Descender*size/1000, W: box.W, H: glyph}
	caption := stamp.NewTextStamp(text, capBox.W, capBox.H, style)

	m := stamp.Placement(capBox, capBox.W, capBox.H, 0)
	if rect.RotationDegrees != 0 {
		cx, cy := box.Center()
		m = m.Multiply(stamp.Rotation(cx, cy, rect.RotationDegrees))
	}
	if _, err := stamp.ApplyMatrix(w, rect.PageIndex, caption, m); err != nil {
		return fmt.Errorf("failed to draw caption: %w", err)
	}
	return nil
}
