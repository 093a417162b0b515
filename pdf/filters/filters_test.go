package filters

import (
	"bytes"
	"compress/zlib"
	"errors"
	"testing"

	"github.com/georgepadayatti/goesign/pdf/generic"
)

func TestFlateRoundTrip(t *testing.T) {
	original := []byte("q 1 0 0 1 10 10 cm /Im1 Do Q")

	decoded, err := Decode("FlateDecode", FlateEncode(original), ParamsFromDict(nil))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(decoded, original) {
		t.Errorf("Round-trip mismatch: got %q", decoded)
	}
}

func TestFlatePNGUpPredictor(t *testing.T) {
	// Two rows of three columns, both using the Up filter.
	raw := []byte{
		2, 1, 2, 3,
		2, 1, 1, 1,
	}
	var compressed bytes.Buffer
	w := zlib.NewWriter(&compressed)
	w.Write(raw)
	w.Close()

	parms := generic.NewDictionary()
	parms.Set("Predictor", generic.Integer(12))
	parms.Set("Columns", generic.Integer(3))

	decoded, err := Decode("FlateDecode", compressed.Bytes(), ParamsFromDict(parms))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	expected := []byte{1, 2, 3, 2, 3, 4}
	if !bytes.Equal(decoded, expected) {
		t.Errorf("Expected %v, got %v", expected, decoded)
	}
}

func TestPNGSubAndPaeth(t *testing.T) {
	p := Params{Predictor: 15, Colors: 1, BitsPerComponent: 8, Columns: 3}
	raw := []byte{
		1, 5, 1, 1,
		4, 1, 1, 1,
	}
	decoded, err := pngUnpredict(raw, p)
	if err != nil {
		t.Fatalf("pngUnpredict failed: %v", err)
	}
	// Row 1 (Sub): 5, 6, 7. Row 2 (Paeth) predicts from up for the first
	// byte and from left afterwards.
	expected := []byte{5, 6, 7, 6, 7, 8}
	if !bytes.Equal(decoded, expected) {
		t.Errorf("Expected %v, got %v", expected, decoded)
	}
}

func TestASCIIHexDecode(t *testing.T) {
	tests := []struct {
		input    string
		expected []byte
	}{
		{"48656C6C6F>", []byte("Hello")},
		{"48 65 6C\n6C 6F>", []byte("Hello")},
		{"ABC>", []byte{0xAB, 0xC0}},
	}
	for _, tt := range tests {
		decoded, err := Decode("AHx", []byte(tt.input), Params{})
		if err != nil {
			t.Fatalf("Decode failed for %q: %v", tt.input, err)
		}
		if !bytes.Equal(decoded, tt.expected) {
			t.Errorf("For %q: expected %v, got %v", tt.input, tt.expected, decoded)
		}
	}
}

func TestASCII85Decode(t *testing.T) {
	decoded, err := Decode("ASCII85Decode", []byte("<~87cURDZ~>"), Params{})
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if string(decoded) != "Hello" {
		t.Errorf("Expected Hello, got %q", decoded)
	}
}

func TestRunLengthDecode(t *testing.T) {
	data := []byte{2, 'a', 'b', 'c', 254, 'z', 128}
	decoded, err := Decode("RunLengthDecode", data, Params{})
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if string(decoded) != "abczzz" {
		t.Errorf("Expected abczzz, got %q", decoded)
	}
}

func TestDecodeStreamChain(t *testing.T) {
	original := []byte("BT /F1 12 Tf (Hi) Tj ET")
	dict := generic.NewDictionary()
	dict.Set("Filter", generic.Array{generic.Name("AHx"), generic.Name("FlateDecode")})

	hexed := []byte{}
	for _, b := range FlateEncode(original) {
		hexed = append(hexed, "0123456789ABCDEF"[b>>4], "0123456789ABCDEF"[b&15])
	}
	hexed = append(hexed, '>')

	decoded, err := DecodeStream(generic.NewStream(dict, hexed))
	if err != nil {
		t.Fatalf("DecodeStream failed: %v", err)
	}
	if !bytes.Equal(decoded, original) {
		t.Errorf("Expected %q, got %q", original, decoded)
	}
}

func TestDecodeStreamUnsupported(t *testing.T) {
	dict := generic.NewDictionary()
	dict.Set("Filter", generic.Name("DCTDecode"))
	_, err := DecodeStream(generic.NewStream(dict, []byte{0xFF, 0xD8}))
	if !errors.Is(err, ErrUnsupportedFilter) {
		t.Errorf("Expected ErrUnsupportedFilter, got %v", err)
	}
}

func TestNewFlateStream(t *testing.T) {
	s := NewFlateStream(nil, []byte("data"))
	if s.Dict.GetName("Filter") != "FlateDecode" {
		t.Errorf("Filter = %q", s.Dict.GetName("Filter"))
	}
	decoded, err := DecodeStream(s)
	if err != nil {
		t.Fatalf("DecodeStream failed: %v", err)
	}
	if string(decoded) != "data" {
		t.Errorf("got %q", decoded)
	}
}
