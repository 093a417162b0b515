package images

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/georgepadayatti/goesign/pdf/filters"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode failed: %v", err)
	}
	return buf.Bytes()
}

func signaturePNG(t *testing.T, w, h int) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.SetNRGBA(x, h/2, color.NRGBA{R: 10, G: 20, B: 200, A: 255})
	}
	return encodePNG(t, img)
}

func TestDecodePNGWithAlpha(t *testing.T) {
	img, err := Decode(signaturePNG(t, 40, 10))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if img.Width != 40 || img.Height != 10 || img.Format != "png" {
		t.Errorf("got %dx%d %s", img.Width, img.Height, img.Format)
	}
	if !img.HasAlpha() {
		t.Error("expected transparency")
	}

	main, mask := img.XObject()
	if mask == nil {
		t.Fatal("expected soft mask")
	}
	if main.Dict.GetName("ColorSpace") != "DeviceRGB" {
		t.Errorf("ColorSpace = %s", main.Dict.GetName("ColorSpace"))
	}
	pixels, err := filters.DecodeStream(main)
	if err != nil {
		t.Fatalf("DecodeStream failed: %v", err)
	}
	if len(pixels) != 40*10*3 {
		t.Errorf("pixel bytes = %d", len(pixels))
	}
	alpha, err := filters.DecodeStream(mask)
	if err != nil {
		t.Fatalf("DecodeStream mask failed: %v", err)
	}
	if alpha[0] != 0 || alpha[5*40] != 255 {
		t.Errorf("mask values = %d, %d", alpha[0], alpha[5*40])
	}
}

func TestGrayOpaqueImage(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 8, 8))
	for i := range src.Pix {
		src.Pix[i] = byte(i)
	}
	img, err := Decode(encodePNG(t, src))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	main, mask := img.XObject()
	if mask != nil {
		t.Error("opaque image should not have a mask")
	}
	if main.Dict.GetName("ColorSpace") != "DeviceGray" {
		t.Errorf("ColorSpace = %s", main.Dict.GetName("ColorSpace"))
	}
}

func TestJPEGPassthrough(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 16, 16))
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, nil); err != nil {
		t.Fatalf("jpeg.Encode failed: %v", err)
	}
	img, err := Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	main, mask := img.XObject()
	if mask != nil || main.Dict.GetName("Filter") != "DCTDecode" {
		t.Errorf("unexpected JPEG embedding: filter=%s mask=%v", main.Dict.GetName("Filter"), mask != nil)
	}
	if !bytes.Equal(main.Data, buf.Bytes()) {
		t.Error("JPEG bytes should be embedded unchanged")
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrInvalidImage},
		{"garbage", []byte("not an image"), ErrInvalidImage},
		{"truncated", signaturePNG(t, 10, 10)[:30], ErrInvalidImage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.data); !errors.Is(err, tt.want) {
				t.Errorf("Decode() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDownscale(t *testing.T) {
	img, err := Decode(signaturePNG(t, 400, 100))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	small := img.Downscale(100, 100)
	if small.Width != 100 || small.Height != 25 {
		t.Errorf("Downscale = %dx%d", small.Width, small.Height)
	}
	if same := img.Downscale(1000, 1000); same != img {
		t.Error("image within bounds should be returned unchanged")
	}
}

func TestFromImageAndJPEG(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	img, err := FromImage(src)
	if err != nil {
		t.Fatalf("FromImage failed: %v", err)
	}
	data, err := img.JPEG(80)
	if err != nil {
		t.Fatalf("JPEG failed: %v", err)
	}
	if _, err := jpeg.Decode(bytes.NewReader(data)); err != nil {
		t.Errorf("output is not a JPEG: %v", err)
	}

	if _, err := FromImage(image.NewNRGBA(image.Rectangle{})); !errors.Is(err, ErrInvalidDimensions) {
		t.Errorf("expected ErrInvalidDimensions, got %v", err)
	}
}
