// Package stamp draws signature artifacts and captions onto PDF pages.
//
// Every stamp is rendered into a form XObject sized to its box, then painted
// on the page with a single transformation that moves it into place and
// optionally rotates it around the box center.
package stamp

import (
	"bytes"
	"fmt"
	"image/color"

	"github.com/georgepadayatti/goesign/pdf/fonts"
	"github.com/georgepadayatti/goesign/pdf/generic"
	"github.com/georgepadayatti/goesign/pdf/writer"
)

// Stamper is anything that can render itself as a form XObject.
type Stamper interface {
	// Dimensions returns the form size in points.
	Dimensions() (width, height float64)
	// Appearance builds the form XObject. Objects the form refers to, such
	// as images, are added to w.
	Appearance(w *writer.IncrementalWriter) (*generic.Stream, error)
}

// Align is horizontal text alignment.
type Align int

const (
	AlignLeft Align = iota
	AlignCenter
	AlignRight
)

// TextStyle configures a TextStamp.
type TextStyle struct {
	Font     *fonts.Font
	FontSize float64
	// MinFontSize is the floor used when text is shrunk to fit.
	MinFontSize float64
	Color       color.RGBA
	Align       Align
	// FitHeight sizes the text from the box height instead of FontSize.
	FitHeight bool
}

// DefaultTextStyle is black Helvetica at 10pt, left aligned.
func DefaultTextStyle() TextStyle {
	return TextStyle{
		Font:        fonts.NewHelvetica(),
		FontSize:    10,
		MinFontSize: 4,
		Color:       color.RGBA{0, 0, 0, 255},
	}
}

// CaptionStyle is the small gray text placed under a signed field.
func CaptionStyle() TextStyle {
	s := DefaultTextStyle()
	s.FontSize = 7
	s.MinFontSize = 4
	s.Color = color.RGBA{64, 64, 64, 255}
	return s
}

// TextStamp renders a single line of text into a box.
type TextStamp struct {
	Text   string
	Width  float64
	Height float64
	Style  TextStyle

	size float64
	line string
}

// NewTextStamp lays text out in a width x height box. Text that does not
// fit is shrunk down to the minimum size and then truncated.
func NewTextStamp(text string, width, height float64, style TextStyle) *TextStamp {
	if style.Font == nil {
		style.Font = fonts.NewHelvetica()
	}
	s := &TextStamp{Text: text, Width: width, Height: height, Style: style}
	s.layout()
	return s
}

func (s *TextStamp) layout() {
	font := s.Style.Font
	size := s.Style.FontSize
	if s.Style.FitHeight {
		// Leave room for ascenders and descenders.
		size = s.Height * 1000 / (font.Ascender - font.Descender)
	}
	if size <= 0 {
		size = 10
	}
	floor := s.Style.MinFontSize
	if floor <= 0 || floor > size {
		floor = size
	}
	s.size = font.FitSize(s.Text, s.Width, size, floor)
	s.line = font.Truncate(s.Text, s.Width, s.size)
}

func (s *TextStamp) Dimensions() (float64, float64) { return s.Width, s.Height }

// FontSize returns the size chosen by layout.
func (s *TextStamp) FontSize() float64 { return s.size }

// Line returns the text as drawn, after any truncation.
func (s *TextStamp) Line() string { return s.line }

// Render returns the form content stream.
func (s *TextStamp) Render() []byte {
	font := s.Style.Font
	textWidth := font.Width(s.line, s.size)
	var x float64
	switch s.Style.Align {
	case AlignCenter:
		x = (s.Width - textWidth) / 2
	case AlignRight:
		x = s.Width - textWidth
	}
	// Center the glyph box vertically.
	glyphHeight := (font.Ascender - font.Descender) * s.size / 1000
	y := (s.Height-glyphHeight)/2 - font.Descender*s.size/1000

	var buf bytes.Buffer
	buf.WriteString("q\n")
	writeColor(&buf, s.Style.Color, "rg")
	buf.WriteString("BT\n")
	fmt.Fprintf(&buf, "/F1 %s Tf\n", num(s.size))
	fmt.Fprintf(&buf, "%s %s Td\n", num(x), num(y))
	buf.Write(generic.EscapeLiteral(font.Encode(s.line)))
	buf.WriteString(" Tj\nET\nQ\n")
	return buf.Bytes()
}

func (s *TextStamp) Appearance(_ *writer.IncrementalWriter) (*generic.Stream, error) {
	fontsDict := generic.NewDictionary()
	fontsDict.Set("F1", s.Style.Font.Dictionary())
	res := generic.NewDictionary()
	res.Set("Font", fontsDict)
	return form(s.Width, s.Height, res, s.Render()), nil
}

// form wraps content in a form XObject dictionary.
func form(width, height float64, resources *generic.Dictionary, content []byte) *generic.Stream {
	dict := generic.NewDictionary()
	dict.Set("Type", generic.Name("XObject"))
	dict.Set("Subtype", generic.Name("Form"))
	dict.Set("BBox", generic.Rectangle{URX: width, URY: height}.Array())
	dict.Set("Resources", resources)
	return generic.NewStream(dict, content)
}

func writeColor(buf *bytes.Buffer, c color.RGBA, op string) {
	fmt.Fprintf(buf, "%s %s %s %s\n",
		num(float64(c.R)/255), num(float64(c.G)/255), num(float64(c.B)/255), op)
}

func num(f float64) string { return generic.FormatNumber(f) }
