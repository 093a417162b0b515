package stamp

import (
	"fmt"
	"math"

	"github.com/georgepadayatti/goesign/pdf/generic"
	"github.com/georgepadayatti/goesign/pdf/writer"
	"github.com/georgepadayatti/goesign/placement"
)

// Matrix is a PDF transformation matrix [a b c d e f].
type Matrix [6]float64

// Placement returns the matrix mapping a w x h form onto box, rotated
// counter-clockwise by degrees around the box center.
func Placement(box placement.Box, w, h, degrees float64) Matrix {
	// Scale the form to the box first so callers may build stamps at any size.
	sx, sy := 1.0, 1.0
	if w > 0 {
		sx = box.W / w
	}
	if h > 0 {
		sy = box.H / h
	}
	rad := degrees * math.Pi / 180
	cos, sin := math.Cos(rad), math.Sin(rad)
	if degrees == 0 {
		cos, sin = 1, 0
	}
	cx, cy := box.Center()
	hw, hh := box.W/2, box.H/2
	return Matrix{
		cos * sx, sin * sx,
		-sin * sy, cos * sy,
		cx - (cos*hw - sin*hh),
		cy - (sin*hw + cos*hh),
	}
}

// Rotation turns counter-clockwise by degrees around (cx, cy).
func Rotation(cx, cy, degrees float64) Matrix {
	rad := degrees * math.Pi / 180
	cos, sin := math.Cos(rad), math.Sin(rad)
	return Matrix{cos, sin, -sin, cos, cx - cos*cx + sin*cy, cy - sin*cx - cos*cy}
}

// Multiply returns the matrix that applies m and then n.
func (m Matrix) Multiply(n Matrix) Matrix {
	return Matrix{
		m[0]*n[0] + m[1]*n[2],
		m[0]*n[1] + m[1]*n[3],
		m[2]*n[0] + m[3]*n[2],
		m[2]*n[1] + m[3]*n[3],
		m[4]*n[0] + m[5]*n[2] + n[4],
		m[4]*n[1] + m[5]*n[3] + n[5],
	}
}

// Apply transforms a point.
func (m Matrix) Apply(x, y float64) (float64, float64) {
	return m[0]*x + m[2]*y + m[4], m[1]*x + m[3]*y + m[5]
}

func (m Matrix) String() string {
	return fmt.Sprintf("%s %s %s %s %s %s",
		num(m[0]), num(m[1]), num(m[2]), num(m[3]), num(m[4]), num(m[5]))
}

// Apply paints s on page index, filling box and rotated by degrees around
// the box center. It returns the resource name the form was registered
// under.
func Apply(w *writer.IncrementalWriter, index int, s Stamper, box placement.Box, degrees float64) (string, error) {
	fw, fh := s.Dimensions()
	return ApplyMatrix(w, index, s, Placement(box, fw, fh, degrees))
}

// ApplyMatrix paints s on page index through m. The page's existing content
// is isolated in its own graphics state the first time the page is touched.
func ApplyMatrix(w *writer.IncrementalWriter, index int, s Stamper, m Matrix) (string, error) {
	name, err := w.ResourceName(index, "XObject", "GsStamp")
	if err != nil {
		return "", err
	}
	appearance, err := s.Appearance(w)
	if err != nil {
		return "", fmt.Errorf("failed to build stamp appearance: %w", err)
	}
	ref := w.Add(appearance)

	xobjects := generic.NewDictionary()
	xobjects.Set(name, ref)
	res := generic.NewDictionary()
	res.Set("XObject", xobjects)
	content := fmt.Sprintf("q %s cm /%s Do Q", m, name)
	if err := w.AppendContent(index, []byte(content), res); err != nil {
		return "", err
	}
	return name, nil
}
