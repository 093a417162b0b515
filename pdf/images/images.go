// Package images turns raster signature artifacts into PDF image XObjects.
package images

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/georgepadayatti/goesign/pdf/filters"
	"github.com/georgepadayatti/goesign/pdf/generic"
)

var (
	ErrInvalidImage      = errors.New("invalid image data")
	ErrInvalidDimensions = errors.New("invalid image dimensions")
)

// MaxPixels bounds the decoded size of an artifact.
const MaxPixels = 40_000_000

// Image is a decoded raster ready to be embedded.
type Image struct {
	Width  int
	Height int
	// Format is the name registered by the decoder: "png", "jpeg", "gif",
	// "bmp", "tiff" or "webp".
	Format string

	src      image.Image
	jpegData []byte
}

// Decode parses PNG, JPEG, GIF, BMP, TIFF or WebP data.
func Decode(data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidImage)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, cfg.Width, cfg.Height)
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	img := &Image{Width: cfg.Width, Height: cfg.Height, Format: format, src: src}
	// Baseline RGB and gray JPEGs can be embedded as-is with DCTDecode.
	if format == "jpeg" && (cfg.ColorModel == color.YCbCrModel || cfg.ColorModel == color.GrayModel) {
		img.jpegData = append([]byte(nil), data...)
	}
	return img, nil
}

// FromImage wraps an already decoded image.
func FromImage(src image.Image) (*Image, error) {
	b := src.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, ErrInvalidDimensions
	}
	return &Image{Width: b.Dx(), Height: b.Dy(), Format: "raw", src: src}, nil
}

// Downscale returns an image no larger than maxW x maxH pixels, keeping the
// aspect ratio. Images already within bounds are returned unchanged.
func (img *Image) Downscale(maxW, maxH int) *Image {
	if maxW <= 0 || maxH <= 0 || (img.Width <= maxW && img.Height <= maxH) {
		return img
	}
	scale := float64(maxW) / float64(img.Width)
	if s := float64(maxH) / float64(img.Height); s < scale {
		scale = s
	}
	w := max(1, int(float64(img.Width)*scale+0.5))
	h := max(1, int(float64(img.Height)*scale+0.5))

	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img.src, img.src.Bounds(), draw.Src, nil)
	return &Image{Width: w, Height: h, Format: img.Format, src: dst}
}

// HasAlpha reports whether any pixel is not fully opaque.
func (img *Image) HasAlpha() bool {
	if img.jpegData != nil {
		return false
	}
	if o, ok := img.src.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}
	b := img.src.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if _, _, _, a := img.src.At(x, y).RGBA(); a != 0xffff {
				return true
			}
		}
	}
	return false
}

// XObject builds the image stream and, for images with transparency, the
// soft mask stream. The caller registers the mask and links it through
// /SMask on the image dictionary.
func (img *Image) XObject() (*generic.Stream, *generic.Stream) {
	dict := generic.NewDictionary()
	dict.Set("Type", generic.Name("XObject"))
	dict.Set("Subtype", generic.Name("Image"))
	dict.Set("Width", generic.Integer(img.Width))
	dict.Set("Height", generic.Integer(img.Height))
	dict.Set("BitsPerComponent", generic.Integer(8))

	if img.jpegData != nil {
		if img.src.ColorModel() == color.GrayModel {
			dict.Set("ColorSpace", generic.Name("DeviceGray"))
		} else {
			dict.Set("ColorSpace", generic.Name("DeviceRGB"))
		}
		dict.Set("Filter", generic.Name("DCTDecode"))
		return generic.NewStream(dict, img.jpegData), nil
	}

	nrgba := toNRGBA(img.src)
	gray := isGray(nrgba)
	alpha := img.HasAlpha()

	n := img.Width * img.Height
	var pixels []byte
	if gray {
		pixels = make([]byte, 0, n)
	} else {
		pixels = make([]byte, 0, 3*n)
	}
	var mask []byte
	if alpha {
		mask = make([]byte, 0, n)
	}
	for i := 0; i < len(nrgba.Pix); i += 4 {
		if gray {
			pixels = append(pixels, nrgba.Pix[i])
		} else {
			pixels = append(pixels, nrgba.Pix[i:i+3]...)
		}
		if alpha {
			mask = append(mask, nrgba.Pix[i+3])
		}
	}

	if gray {
		dict.Set("ColorSpace", generic.Name("DeviceGray"))
	} else {
		dict.Set("ColorSpace", generic.Name("DeviceRGB"))
	}
	main := filters.NewFlateStream(dict, pixels)
	if !alpha {
		return main, nil
	}

	md := generic.NewDictionary()
	md.Set("Type", generic.Name("XObject"))
	md.Set("Subtype", generic.Name("Image"))
	md.Set("Width", generic.Integer(img.Width))
	md.Set("Height", generic.Integer(img.Height))
	md.Set("BitsPerComponent", generic.Integer(8))
	md.Set("ColorSpace", generic.Name("DeviceGray"))
	return main, filters.NewFlateStream(md, mask)
}

// JPEG re-encodes the image as baseline JPEG, flattening transparency onto
// white. It is used where a renderer only accepts opaque images.
func (img *Image) JPEG(quality int) ([]byte, error) {
	if img.jpegData != nil {
		return img.jpegData, nil
	}
	b := img.src.Bounds()
	flat := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(flat, flat.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(flat, flat.Bounds(), img.src, b.Min, draw.Over)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, flat, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PNG encodes the image as an 8-bit RGBA PNG.
func (img *Image) PNG() ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, toNRGBA(img.src)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// toNRGBA returns non-premultiplied pixels, so color values are stored
// independently of the soft mask.
func toNRGBA(src image.Image) *image.NRGBA {
	if n, ok := src.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) && n.Stride == 4*n.Rect.Dx() {
		return n
	}
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

func isGray(img *image.NRGBA) bool {
	for i := 0; i < len(img.Pix); i += 4 {
		if img.Pix[i] != img.Pix[i+1] || img.Pix[i] != img.Pix[i+2] {
			return false
		}
	}
	return true
}
