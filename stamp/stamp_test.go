package stamp

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"strings"
	"testing"

	"github.com/georgepadayatti/goesign/internal/testpdf"
	"github.com/georgepadayatti/goesign/pdf/generic"
	"github.com/georgepadayatti/goesign/pdf/images"
	"github.com/georgepadayatti/goesign/pdf/reader"
	"github.com/georgepadayatti/goesign/pdf/writer"
	"github.com/georgepadayatti/goesign/placement"
)

func testImage(t *testing.T, w, h int) *images.Image {
	t.Helper()
	src := image.NewNRGBA(image.Rect(0, 0, w, h))
	src.SetNRGBA(0, 0, color.NRGBA{A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, src); err != nil {
		t.Fatalf("png.Encode failed: %v", err)
	}
	img, err := images.Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	return img
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestImageStampFitsAndCenters(t *testing.T) {
	tests := []struct {
		name         string
		iw, ih       int
		w, h         float64
		wantX, wantY float64
		wantW, wantH float64
	}{
		{"wide image in square box", 200, 50, 100, 100, 0, 37.5, 100, 25},
		{"tall image in wide box", 10, 40, 200, 40, 95, 0, 10, 40},
		{"exact aspect", 30, 10, 90, 30, 0, 0, 90, 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewImageStamp(testImage(t, tt.iw, tt.ih), tt.w, tt.h, DefaultImageStampStyle())
			x, y, w, h := s.ImageBox()
			if !near(x, tt.wantX) || !near(y, tt.wantY) || !near(w, tt.wantW) || !near(h, tt.wantH) {
				t.Errorf("ImageBox = (%v, %v, %v, %v), want (%v, %v, %v, %v)", x, y, w, h, tt.wantX, tt.wantY, tt.wantW, tt.wantH)
			}
		})
	}
}

func TestImageScaleModes(t *testing.T) {
	img := testImage(t, 20, 10)
	s := NewImageStamp(img, 100, 100, ImageStampStyle{ScaleMode: ImageScaleStretch, Opacity: 1})
	if _, _, w, h := s.ImageBox(); w != 100 || h != 100 {
		t.Errorf("stretch = %vx%v", w, h)
	}
	s = NewImageStamp(img, 100, 100, ImageStampStyle{ScaleMode: ImageScaleNone, Opacity: 1})
	if x, y, w, h := s.ImageBox(); w != 20 || h != 10 || x != 40 || y != 45 {
		t.Errorf("none = %v %v %vx%v", x, y, w, h)
	}

	for in, want := range map[string]ImageScaleMode{"fit": ImageScaleFit, "STRETCH": ImageScaleStretch, "": ImageScaleFit} {
		got, err := ParseImageScaleMode(in)
		if err != nil || got != want {
			t.Errorf("ParseImageScaleMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseImageScaleMode("fill"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestPlacementMatrix(t *testing.T) {
	box := placement.Box{X: 100, Y: 200, W: 80, H: 40}

	m := Placement(box, 80, 40, 0)
	if m != (Matrix{1, 0, 0, 1, 100, 200}) {
		t.Errorf("unrotated matrix = %v", m)
	}

	// The center is a fixed point of any rotation.
	for _, deg := range []float64{30, 90, 180, 270, -45} {
		m := Placement(box, 80, 40, deg)
		cx, cy := m.Apply(40, 20)
		if !near(cx, 140) || !near(cy, 220) {
			t.Errorf("%v degrees moves center to (%v, %v)", deg, cx, cy)
		}
	}

	// 90 degrees counter-clockwise maps the form's bottom-right corner to
	// the top of the rotated footprint.
	m = Placement(box, 80, 40, 90)
	x, y := m.Apply(80, 0)
	if !near(x, 160) || !near(y, 260) {
		t.Errorf("corner maps to (%v, %v)", x, y)
	}

	// Forms built at a different size are scaled into the box.
	m = Placement(box, 160, 80, 0)
	x, y = m.Apply(160, 80)
	if !near(x, 180) || !near(y, 240) {
		t.Errorf("scaled corner maps to (%v, %v)", x, y)
	}
}

func TestTextStampLayout(t *testing.T) {
	s := NewTextStamp("Jane Homeowner", 200, 20, TextStyle{FitHeight: true, MinFontSize: 4})
	if glyph := (s.Style.Font.Ascender - s.Style.Font.Descender) * s.FontSize() / 1000; s.FontSize() <= 0 || glyph > 20.0001 {
		t.Errorf("FontSize = %v gives glyph height %v", s.FontSize(), glyph)
	}
	if w := s.Style.Font.Width(s.Line(), s.FontSize()); w > 200 {
		t.Errorf("text %v wider than box", w)
	}

	narrow := NewTextStamp("A very long printed name that cannot possibly fit", 40, 10, DefaultTextStyle())
	if !strings.HasSuffix(narrow.Line(), "…") {
		t.Errorf("expected truncation, got %q", narrow.Line())
	}

	content := string(NewTextStamp("(x)", 100, 12, DefaultTextStyle()).Render())
	if !strings.Contains(content, `(\(x\)) Tj`) {
		t.Errorf("content not escaped: %s", content)
	}
	if !strings.Contains(content, "/F1 10 Tf") {
		t.Errorf("unexpected font size: %s", content)
	}
}

func TestTextStampAlignment(t *testing.T) {
	style := DefaultTextStyle()
	style.Align = AlignRight
	content := string(NewTextStamp("Hi", 100, 20, style).Render())
	// "Hi" is 9.44 points wide at 10pt.
	if !strings.Contains(content, "90.56 ") {
		t.Errorf("right aligned text should start at 90.56: %s", content)
	}
}

func TestApplyToPage(t *testing.T) {
	r, err := reader.Open(testpdf.Simple(1))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	w := writer.NewIncrementalWriter(r)

	box := placement.Box{X: 50, Y: 60, W: 120, H: 40}
	img := NewImageStamp(testImage(t, 30, 10), box.W, box.H, DefaultImageStampStyle())
	name, err := Apply(w, 0, img, box, 0)
	if err != nil {
		t.Fatalf("Apply image failed: %v", err)
	}
	caption := NewTextStamp("Homeowner signed", box.W, 8, CaptionStyle())
	if _, err := Apply(w, 0, caption, placement.Box{X: 50, Y: 51, W: box.W, H: 8}, 0); err != nil {
		t.Fatalf("Apply caption failed: %v", err)
	}

	out, err := w.Bytes()
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}
	updated, err := reader.Open(out)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	page, _ := updated.Page(0)
	res, err := updated.ResolveDict(page.Resources)
	if err != nil {
		t.Fatalf("resources: %v", err)
	}
	xobjects := res.GetDict("XObject")
	if xobjects == nil || xobjects.Len() != 2 {
		t.Fatalf("expected two stamp forms, got %v", xobjects)
	}

	formObj, err := updated.Resolve(xobjects.Get(name))
	if err != nil {
		t.Fatalf("resolve form: %v", err)
	}
	form := formObj.(*generic.Stream)
	if form.Dict.GetName("Subtype") != "Form" {
		t.Errorf("Subtype = %s", form.Dict.GetName("Subtype"))
	}
	formRes, _ := updated.ResolveDict(form.Dict.Get("Resources"))
	imObj, err := updated.Resolve(formRes.GetDict("XObject").Get("Im1"))
	if err != nil {
		t.Fatalf("resolve image: %v", err)
	}
	if _, ok := imObj.(*generic.Stream).Dict.Get("SMask").(generic.Reference); !ok {
		t.Error("transparent image should carry an SMask")
	}
}

func TestRotationComposition(t *testing.T) {
	box := placement.Box{X: 100, Y: 200, W: 80, H: 40}
	direct := Placement(box, 80, 40, 35)
	composed := Placement(box, 80, 40, 0).Multiply(Rotation(140, 220, 35))
	for i := range direct {
		if !near(direct[i], composed[i]) {
			t.Fatalf("matrices differ: %v vs %v", direct, composed)
		}
	}

	x, y := Rotation(0, 0, 90).Apply(1, 0)
	if !near(x, 0) || !near(y, 1) {
		t.Errorf("rotation maps (1,0) to (%v, %v)", x, y)
	}
}
