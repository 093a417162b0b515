package generic

import (
	"bytes"
	"errors"
	"testing"
)

func TestParseScalars(t *testing.T) {
	tests := []struct {
		input    string
		expected Object
	}{
		{"null", Null{}},
		{"true", Boolean(true)},
		{"false", Boolean(false)},
		{"42", Integer(42)},
		{"-123", Integer(-123)},
		{"+456", Integer(456)},
		{"3.5", Real(3.5)},
		{"-.25", Real(-0.25)},
		{"/Type", Name("Type")},
		{"/A#20B", Name("A B")},
	}

	for _, tt := range tests {
		obj, err := NewParser([]byte(tt.input)).ParseObject()
		if err != nil {
			t.Fatalf("ParseObject(%q) failed: %v", tt.input, err)
		}
		if obj != tt.expected {
			t.Errorf("ParseObject(%q) = %#v, want %#v", tt.input, obj, tt.expected)
		}
	}
}

func TestParseStrings(t *testing.T) {
	tests := []struct {
		input    string
		expected string
		hex      bool
	}{
		{"(Hello)", "Hello", false},
		{"(a (nested) string)", "a (nested) string", false},
		{`(line\nbreak)`, "line\nbreak", false},
		{`(\101\102C)`, "ABC", false},
		{`(esc\)aped)`, "esc)aped", false},
		{"<48656C6C6F>", "Hello", true},
		{"<48 65 6C 6C 6F>", "Hello", true},
		{"<414>", "A@", true},
	}

	for _, tt := range tests {
		obj, err := NewParser([]byte(tt.input)).ParseObject()
		if err != nil {
			t.Fatalf("ParseObject(%q) failed: %v", tt.input, err)
		}
		s, ok := obj.(*String)
		if !ok {
			t.Fatalf("ParseObject(%q) returned %T", tt.input, obj)
		}
		if string(s.Value) != tt.expected {
			t.Errorf("ParseObject(%q) = %q, want %q", tt.input, s.Value, tt.expected)
		}
		if s.Hex != tt.hex {
			t.Errorf("ParseObject(%q) hex = %v, want %v", tt.input, s.Hex, tt.hex)
		}
	}
}

func TestParseReferenceLookahead(t *testing.T) {
	obj, err := NewParser([]byte("[1 0 R 2 3 4 0 R 5]")).ParseObject()
	if err != nil {
		t.Fatalf("ParseObject failed: %v", err)
	}
	arr, ok := obj.(Array)
	if !ok {
		t.Fatalf("expected Array, got %T", obj)
	}

	expected := Array{Reference{Num: 1}, Integer(2), Integer(3), Reference{Num: 4}, Integer(5)}
	if len(arr) != len(expected) {
		t.Fatalf("expected %d items, got %d", len(expected), len(arr))
	}
	for i := range expected {
		if arr[i] != expected[i] {
			t.Errorf("item %d = %#v, want %#v", i, arr[i], expected[i])
		}
	}
}

func TestParseDictionary(t *testing.T) {
	input := "<< /Type /Page /MediaBox [0 0 612 792] /Parent 3 0 R /Skip null /Nested << /A 1 >> >>"
	obj, err := NewParser([]byte(input)).ParseObject()
	if err != nil {
		t.Fatalf("ParseObject failed: %v", err)
	}
	dict, ok := obj.(*Dictionary)
	if !ok {
		t.Fatalf("expected *Dictionary, got %T", obj)
	}

	if dict.GetName("Type") != "Page" {
		t.Errorf("Type = %q", dict.GetName("Type"))
	}
	if ref, ok := dict.Get("Parent").(Reference); !ok || ref.Num != 3 {
		t.Errorf("Parent = %#v", dict.Get("Parent"))
	}
	if dict.Has("Skip") {
		t.Error("null-valued key should be dropped")
	}
	if v, ok := dict.GetDict("Nested").GetInt("A"); !ok || v != 1 {
		t.Errorf("Nested/A = %d, %v", v, ok)
	}
	rect, err := RectangleFromArray(dict.GetArray("MediaBox"))
	if err != nil {
		t.Fatalf("RectangleFromArray failed: %v", err)
	}
	if rect.Width() != 612 || rect.Height() != 792 {
		t.Errorf("MediaBox = %+v", rect)
	}
}

func TestParseIndirectStream(t *testing.T) {
	input := []byte("7 0 obj\n<< /Length 11 >>\nstream\nhello world\nendstream\nendobj\n")
	ind, err := NewParser(input).ParseIndirectObject()
	if err != nil {
		t.Fatalf("ParseIndirectObject failed: %v", err)
	}
	if ind.Num != 7 || ind.Gen != 0 {
		t.Errorf("got %d %d", ind.Num, ind.Gen)
	}
	stream, ok := ind.Object.(*Stream)
	if !ok {
		t.Fatalf("expected *Stream, got %T", ind.Object)
	}
	if string(stream.Data) != "hello world" {
		t.Errorf("stream data = %q", stream.Data)
	}
}

func TestParseStreamWithWrongLength(t *testing.T) {
	input := []byte("1 0 obj\n<< /Length 3 >>\nstream\r\nabcdef\r\nendstream\nendobj")
	ind, err := NewParser(input).ParseIndirectObject()
	if err != nil {
		t.Fatalf("ParseIndirectObject failed: %v", err)
	}
	if got := string(ind.Object.(*Stream).Data); got != "abcdef" {
		t.Errorf("stream data = %q, want %q", got, "abcdef")
	}
}

func TestParseStreamIndirectLength(t *testing.T) {
	input := []byte("1 0 obj\n<< /Length 2 0 R >>\nstream\nxyz\nendstream\nendobj")
	p := NewParser(input)
	p.SetLengthResolver(func(ref Reference) (int64, bool) {
		if ref.Num == 2 {
			return 3, true
		}
		return 0, false
	})
	ind, err := p.ParseIndirectObject()
	if err != nil {
		t.Fatalf("ParseIndirectObject failed: %v", err)
	}
	if got := string(ind.Object.(*Stream).Data); got != "xyz" {
		t.Errorf("stream data = %q", got)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		input string
		err   error
	}{
		{"(unterminated", ErrInvalidString},
		{"<< /A 1", ErrInvalidDictionary},
		{"<< 1 2 >>", ErrInvalidDictionary},
		{"[1 2", ErrInvalidArray},
		{"", ErrUnexpectedEOF},
		{")", ErrInvalidObject},
	}

	for _, tt := range tests {
		_, err := NewParser([]byte(tt.input)).ParseObject()
		if !errors.Is(err, tt.err) {
			t.Errorf("ParseObject(%q) error = %v, want %v", tt.input, err, tt.err)
		}
	}
}

func TestParseDeepNesting(t *testing.T) {
	input := bytes.Repeat([]byte("["), maxNesting+10)
	if _, err := NewParser(input).ParseObject(); err == nil {
		t.Error("expected error for excessive nesting")
	}
}

func TestParseComments(t *testing.T) {
	obj, err := NewParser([]byte("% comment\n  42 % trailing")).ParseObject()
	if err != nil {
		t.Fatalf("ParseObject failed: %v", err)
	}
	if obj != Integer(42) {
		t.Errorf("got %#v", obj)
	}
}
