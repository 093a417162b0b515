package stamp

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/georgepadayatti/goesign/pdf/generic"
	"github.com/georgepadayatti/goesign/pdf/images"
	"github.com/georgepadayatti/goesign/pdf/writer"
)

// ImageScaleMode specifies how an image is scaled into its box.
type ImageScaleMode int

const (
	// ImageScaleFit scales uniformly so the whole image fits.
	ImageScaleFit ImageScaleMode = iota
	// ImageScaleStretch fills the box exactly, distorting if needed.
	ImageScaleStretch
	// ImageScaleNone draws at one point per pixel.
	ImageScaleNone
)

func (m ImageScaleMode) String() string {
	switch m {
	case ImageScaleFit:
		return "fit"
	case ImageScaleStretch:
		return "stretch"
	case ImageScaleNone:
		return "none"
	default:
		return "unknown"
	}
}

// ParseImageScaleMode parses "fit", "stretch" or "none".
func ParseImageScaleMode(s string) (ImageScaleMode, error) {
	switch strings.ToLower(s) {
	case "", "fit":
		return ImageScaleFit, nil
	case "stretch":
		return ImageScaleStretch, nil
	case "none":
		return ImageScaleNone, nil
	default:
		return ImageScaleFit, fmt.Errorf("invalid scale mode: %s (valid: fit, stretch, none)", s)
	}
}

// ImageStampStyle configures an ImageStamp.
type ImageStampStyle struct {
	ScaleMode ImageScaleMode
	// Opacity in [0,1]; values below 1 add an ExtGState.
	Opacity float64
	Padding float64
}

func DefaultImageStampStyle() ImageStampStyle {
	return ImageStampStyle{ScaleMode: ImageScaleFit, Opacity: 1}
}

// ImageStamp draws a raster image centered in a box.
type ImageStamp struct {
	Width  float64
	Height float64
	Style  ImageStampStyle

	img *images.Image

	imageX, imageY          float64
	imageWidth, imageHeight float64
}

// NewImageStamp lays out img in a width x height box.
func NewImageStamp(img *images.Image, width, height float64, style ImageStampStyle) *ImageStamp {
	s := &ImageStamp{Width: width, Height: height, Style: style, img: img}
	s.layout()
	return s
}

func (s *ImageStamp) layout() {
	pad := s.Style.Padding
	availW := s.Width - 2*pad
	availH := s.Height - 2*pad
	iw, ih := float64(s.img.Width), float64(s.img.Height)

	switch s.Style.ScaleMode {
	case ImageScaleStretch:
		s.imageWidth, s.imageHeight = availW, availH
	case ImageScaleNone:
		s.imageWidth, s.imageHeight = iw, ih
	default:
		scale := min(availW/iw, availH/ih)
		s.imageWidth, s.imageHeight = iw*scale, ih*scale
	}
	s.imageX = pad + (availW-s.imageWidth)/2
	s.imageY = pad + (availH-s.imageHeight)/2
}

func (s *ImageStamp) Dimensions() (float64, float64) { return s.Width, s.Height }

// ImageBox returns where the image lands inside the stamp.
func (s *ImageStamp) ImageBox() (x, y, width, height float64) {
	return s.imageX, s.imageY, s.imageWidth, s.imageHeight
}

// Render returns the form content stream.
func (s *ImageStamp) Render() []byte {
	var buf bytes.Buffer
	buf.WriteString("q\n")
	if s.Style.Opacity < 1 {
		buf.WriteString("/GS1 gs\n")
	}
	fmt.Fprintf(&buf, "%s 0 0 %s %s %s cm\n/Im1 Do\nQ\n",
		num(s.imageWidth), num(s.imageHeight), num(s.imageX), num(s.imageY))
	return buf.Bytes()
}

// Appearance adds the image, and its soft mask when the image has
// transparency, to w and returns the form that paints it.
func (s *ImageStamp) Appearance(w *writer.IncrementalWriter) (*generic.Stream, error) {
	main, mask := s.img.XObject()
	if mask != nil {
		main.Dict.Set("SMask", w.Add(mask))
	}
	imRef := w.Add(main)

	xobjects := generic.NewDictionary()
	xobjects.Set("Im1", imRef)
	res := generic.NewDictionary()
	res.Set("XObject", xobjects)
	if s.Style.Opacity < 1 {
		gs := generic.NewDictionary()
		gs.Set("Type", generic.Name("ExtGState"))
		gs.Set("ca", generic.Real(s.Style.Opacity))
		gs.Set("CA", generic.Real(s.Style.Opacity))
		states := generic.NewDictionary()
		states.Set("GS1", gs)
		res.Set("ExtGState", states)
	}
	return form(s.Width, s.Height, res, s.Render()), nil
}
