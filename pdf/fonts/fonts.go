// Package fonts provides metrics and encoding for the standard Helvetica
// font used for captions drawn onto pages.
package fonts

import (
	"strings"
	"unicode"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/unicode/norm"

	"github.com/georgepadayatti/goesign/pdf/generic"
)

// StandardFont is the PostScript name of one of the standard 14 fonts.
type StandardFont string

const (
	Helvetica     StandardFont = "Helvetica"
	HelveticaBold StandardFont = "Helvetica-Bold"
	Times         StandardFont = "Times-Roman"
	Courier       StandardFont = "Courier"
	Symbol        StandardFont = "Symbol"
	ZapfDingbats  StandardFont = "ZapfDingbats"
)

// IsStandardFont reports whether name is one of the standard 14 fonts.
func IsStandardFont(name string) bool {
	switch name {
	case "Helvetica", "Helvetica-Bold", "Helvetica-Oblique", "Helvetica-BoldOblique",
		"Times-Roman", "Times-Bold", "Times-Italic", "Times-BoldItalic",
		"Courier", "Courier-Bold", "Courier-Oblique", "Courier-BoldOblique",
		"Symbol", "ZapfDingbats":
		return true
	}
	return false
}

// Font is a simple font with WinAnsi encoding. Widths are in thousandths
// of the font size, indexed by encoded byte.
type Font struct {
	Name      StandardFont
	Ascender  float64
	Descender float64
	widths    [256]int
}

// NewHelvetica returns Helvetica with its AFM metrics.
func NewHelvetica() *Font {
	return &Font{
		Name:      Helvetica,
		Ascender:  718,
		Descender: -207,
		widths:    helveticaWidths,
	}
}

// Encode converts s to WinAnsi bytes. Characters outside the encoding are
// replaced by their unaccented base letter when one exists and by '?'
// otherwise. Control characters become spaces.
func (f *Font) Encode(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if unicode.IsControl(r) {
			out = append(out, ' ')
			continue
		}
		if b, ok := charmap.Windows1252.EncodeRune(r); ok {
			out = append(out, b)
			continue
		}
		out = append(out, fallback(r))
	}
	return out
}

func fallback(r rune) byte {
	for _, base := range norm.NFD.String(string(r)) {
		if unicode.Is(unicode.Mn, base) {
			continue
		}
		if b, ok := charmap.Windows1252.EncodeRune(base); ok && base != r {
			return b
		}
		break
	}
	return '?'
}

// Width returns the width of s in points at size.
func (f *Font) Width(s string, size float64) float64 {
	total := 0
	for _, b := range f.Encode(s) {
		total += f.widths[b]
	}
	return float64(total) * size / 1000
}

// FitSize returns the largest size not above max at which s fits within
// width, never going below min.
func (f *Font) FitSize(s string, width, max, min float64) float64 {
	w := f.Width(s, max)
	if w <= width || w == 0 {
		return max
	}
	size := max * width / w
	if size < min {
		return min
	}
	return size
}

// Truncate shortens s with an ellipsis until it fits within width at size.
func (f *Font) Truncate(s string, width, size float64) string {
	if f.Width(s, size) <= width {
		return s
	}
	runes := []rune(strings.TrimSpace(s))
	for len(runes) > 0 {
		runes = runes[:len(runes)-1]
		candidate := strings.TrimSpace(string(runes)) + "…"
		if f.Width(candidate, size) <= width {
			return candidate
		}
	}
	return ""
}

// Dictionary returns the font resource dictionary.
func (f *Font) Dictionary() *generic.Dictionary {
	d := generic.NewDictionary()
	d.Set("Type", generic.Name("Font"))
	d.Set("Subtype", generic.Name("Type1"))
	d.Set("BaseFont", generic.Name(f.Name))
	d.Set("Encoding", generic.Name("WinAnsiEncoding"))
	return d
}

var helveticaWidths = [256]int{
	278, 278, 278, 278, 278, 278, 278, 278, 278, 278, 278, 278, 278, 278, 278, 278,
	278, 278, 278, 278, 278, 278, 278, 278, 278, 278, 278, 278, 278, 278, 278, 278,
	278, 278, 355, 556, 556, 889, 667, 191, 333, 333, 389, 584, 278, 333, 278, 278,
	556, 556, 556, 556, 556, 556, 556, 556, 556, 556, 278, 278, 584, 584, 584, 556,
	1015, 667, 667, 722, 722, 667, 611, 778, 722, 278, 500, 667, 556, 833, 722, 778,
	667, 778, 722, 667, 611, 722, 667, 944, 667, 667, 611, 278, 278, 278, 469, 556,
	333, 556, 556, 500, 556, 556, 278, 556, 556, 222, 222, 500, 222, 833, 556, 556,
	556, 556, 333, 500, 278, 556, 500, 722, 500, 500, 500, 334, 260, 334, 584, 350,
	556, 350, 222, 556, 333, 1000, 556, 556, 333, 1000, 667, 333, 1000, 350, 611, 350,
	350, 222, 222, 333, 333, 350, 556, 1000, 333, 1000, 500, 333, 944, 350, 500, 667,
	278, 333, 556, 556, 556, 556, 260, 556, 333, 737, 370, 556, 584, 333, 737, 333,
	400, 584, 333, 333, 333, 556, 537, 278, 333, 333, 365, 556, 834, 834, 834, 611,
	667, 667, 667, 667, 667, 667, 1000, 722, 667, 667, 667, 667, 278, 278, 278, 278,
	722, 722, 778, 778, 778, 778, 778, 584, 778, 722, 722, 722, 722, 667, 667, 611,
	556, 556, 556, 556, 556, 556, 889, 500, 556, 556, 556, 556, 278, 278, 278, 278,
	556, 556, 556, 556, 556, 556, 556, 584, 611, 556, 556, 556, 556, 500, 556, 500,
}
