// Package placement describes where a signature field sits on a page,
// independently of the page size, and resolves it to PDF user space.
//
// A Rect is measured from one of the four page corners in fractions of the
// page width and height. Resolving it yields a box in points with the origin
// at the bottom-left corner of the page, so a single layout renders the same
// on Letter, Legal and A4.
package placement

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	ErrPageIndexOutOfRange = errors.New("page index out of range")
	ErrInvalidRect         = errors.New("invalid placement rectangle")
)

// PageIndexOutOfRangeError reports a rect that targets a page the document
// does not have.
type PageIndexOutOfRangeError struct {
	PageIndex int
	PageCount int
}

func (e *PageIndexOutOfRangeError) Error() string {
	return fmt.Sprintf("page index %d out of range: document has %d page(s)", e.PageIndex, e.PageCount)
}

func (e *PageIndexOutOfRangeError) Is(target error) bool {
	return target == ErrPageIndexOutOfRange
}

// UserMessage is the text shown to a signer.
func (e *PageIndexOutOfRangeError) UserMessage() string {
	return "This document is missing the page where the field should be placed. Please contact the sender."
}

// Anchor is the page corner that offsets are measured from.
type Anchor int

const (
	BottomLeft Anchor = iota
	BottomRight
	TopLeft
	TopRight
)

var anchorNames = [...]string{"BOTTOM_LEFT", "BOTTOM_RIGHT", "TOP_LEFT", "TOP_RIGHT"}

func (a Anchor) String() string {
	if a < 0 || int(a) >= len(anchorNames) {
		return fmt.Sprintf("Anchor(%d)", int(a))
	}
	return anchorNames[a]
}

// ParseAnchor accepts the canonical names case-insensitively, with either
// underscores or hyphens.
func ParseAnchor(s string) (Anchor, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	for i, name := range anchorNames {
		if name == norm {
			return Anchor(i), nil
		}
	}
	return 0, fmt.Errorf("unknown anchor %q", s)
}

func (a Anchor) MarshalText() ([]byte, error) {
	if a < 0 || int(a) >= len(anchorNames) {
		return nil, fmt.Errorf("invalid anchor %d", int(a))
	}
	return []byte(anchorNames[a]), nil
}

func (a *Anchor) UnmarshalText(text []byte) error {
	v, err := ParseAnchor(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Rect is a resolution-independent rectangle. All percentages are fractions
// in [0,1] of the page width (X, W) or height (Y, H).
type Rect struct {
	PageIndex       int     `json:"page_index" yaml:"page-index"`
	Anchor          Anchor  `json:"anchor" yaml:"anchor"`
	XPct            float64 `json:"x_pct" yaml:"x-pct"`
	YPct            float64 `json:"y_pct" yaml:"y-pct"`
	WPct            float64 `json:"w_pct" yaml:"w-pct"`
	HPct            float64 `json:"h_pct" yaml:"h-pct"`
	RotationDegrees float64 `json:"rotation_degrees,omitempty" yaml:"rotation-degrees,omitempty"`
}

const epsilon = 1e-9

// Validate reports percentages outside [0,1] and rectangles that would
// extend past the page edge.
func (r Rect) Validate() error {
	if r.PageIndex < 0 {
		return fmt.Errorf("%w: negative page index %d", ErrInvalidRect, r.PageIndex)
	}
	if r.Anchor < BottomLeft || r.Anchor > TopRight {
		return fmt.Errorf("%w: unknown anchor %d", ErrInvalidRect, int(r.Anchor))
	}
	for _, v := range []struct {
		name string
		val  float64
	}{{"x", r.XPct}, {"y", r.YPct}, {"w", r.WPct}, {"h", r.HPct}} {
		if math.IsNaN(v.val) || v.val < 0 || v.val > 1 {
			return fmt.Errorf("%w: %s percentage %v not in [0,1]", ErrInvalidRect, v.name, v.val)
		}
	}
	if r.WPct == 0 || r.HPct == 0 {
		return fmt.Errorf("%w: empty rectangle", ErrInvalidRect)
	}
	if r.XPct+r.WPct > 1+epsilon || r.YPct+r.HPct > 1+epsilon {
		return fmt.Errorf("%w: rectangle leaves the page", ErrInvalidRect)
	}
	if math.IsNaN(r.RotationDegrees) || math.IsInf(r.RotationDegrees, 0) {
		return fmt.Errorf("%w: rotation %v", ErrInvalidRect, r.RotationDegrees)
	}
	return nil
}

// Box is an absolute rectangle in points, origin bottom-left.
type Box struct {
	X, Y, W, H float64
}

// Contains reports whether b lies within o, allowing for rounding error.
func (b Box) Contains(o Box) bool {
	return o.X >= b.X-epsilon && o.Y >= b.Y-epsilon &&
		o.X+o.W <= b.X+b.W+epsilon && o.Y+o.H <= b.Y+b.H+epsilon
}

// Center returns the midpoint, which rotated stamps turn around.
func (b Box) Center() (float64, float64) {
	return b.X + b.W/2, b.Y + b.H/2
}

// Resolve converts r to points on a page of the given size.
func Resolve(r Rect, pageWidth, pageHeight float64) (x, y, w, h float64) {
	w = r.WPct * pageWidth
	h = r.HPct * pageHeight
	x = r.XPct * pageWidth
	y = r.YPct * pageHeight
	switch r.Anchor {
	case BottomRight:
		x = pageWidth - x - w
	case TopLeft:
		y = pageHeight - y - h
	case TopRight:
		x = pageWidth - x - w
		y = pageHeight - y - h
	}
	return x, y, w, h
}

// ResolveBox is Resolve returning a Box.
func ResolveBox(r Rect, pageWidth, pageHeight float64) Box {
	x, y, w, h := Resolve(r, pageWidth, pageHeight)
	return Box{X: x, Y: y, W: w, H: h}
}

// ResolveOnPage checks the page index against pageCount before resolving.
// Out of range indexes are never clamped.
func ResolveOnPage(r Rect, pageCount int, pageWidth, pageHeight float64) (Box, error) {
	if r.PageIndex < 0 || r.PageIndex >= pageCount {
		return Box{}, &PageIndexOutOfRangeError{PageIndex: r.PageIndex, PageCount: pageCount}
	}
	return ResolveBox(r, pageWidth, pageHeight), nil
}
