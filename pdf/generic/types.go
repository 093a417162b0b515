// Package generic provides the PDF object model used by the reader and the
// incremental writer.
package generic

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"unicode/utf16"
)

// Object is the base interface for all PDF objects.
type Object interface {
	// Write serializes the object in PDF syntax.
	Write(w io.Writer) error
	// Clone creates a deep copy of the object.
	Clone() Object
}

// Reference is an indirect reference to a PDF object ("12 0 R").
type Reference struct {
	Num int
	Gen int
}

// Write implements Object.
func (r Reference) Write(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%d %d R", r.Num, r.Gen)
	return err
}

// Clone implements Object.
func (r Reference) Clone() Object { return r }

// String returns the reference in PDF syntax.
func (r Reference) String() string {
	return fmt.Sprintf("%d %d R", r.Num, r.Gen)
}

// IndirectObject pairs an object with its object and generation numbers.
type IndirectObject struct {
	Num    int
	Gen    int
	Object Object
}

// Write writes the full "n g obj ... endobj" definition.
func (i *IndirectObject) Write(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "%d %d obj\n", i.Num, i.Gen); err != nil {
		return err
	}
	if i.Object != nil {
		if err := i.Object.Write(w); err != nil {
			return err
		}
	} else {
		if err := (Null{}).Write(w); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\nendobj\n")
	return err
}

// Reference returns a reference to this object.
func (i *IndirectObject) Reference() Reference {
	return Reference{Num: i.Num, Gen: i.Gen}
}

// Null is the PDF null object.
type Null struct{}

// Write implements Object.
func (Null) Write(w io.Writer) error {
	_, err := io.WriteString(w, "null")
	return err
}

// Clone implements Object.
func (n Null) Clone() Object { return n }

// Boolean is a PDF boolean.
type Boolean bool

// Write implements Object.
func (b Boolean) Write(w io.Writer) error {
	_, err := io.WriteString(w, strconv.FormatBool(bool(b)))
	return err
}

// Clone implements Object.
func (b Boolean) Clone() Object { return b }

// Integer is a PDF integer.
type Integer int64

// Write implements Object.
func (i Integer) Write(w io.Writer) error {
	_, err := io.WriteString(w, strconv.FormatInt(int64(i), 10))
	return err
}

// Clone implements Object.
func (i Integer) Clone() Object { return i }

// Real is a PDF real number.
type Real float64

// Write implements Object.
func (r Real) Write(w io.Writer) error {
	_, err := io.WriteString(w, FormatNumber(float64(r)))
	return err
}

// Clone implements Object.
func (r Real) Clone() Object { return r }

// FormatNumber formats a number for PDF output with at most four decimals
// and without exponent notation.
func FormatNumber(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "0"
	}
	s := strconv.FormatFloat(f, 'f', 4, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "-0" || s == "" {
		return "0"
	}
	return s
}

// Name is a PDF name object without the leading slash.
type Name string

// Write implements Object.
func (n Name) Write(w io.Writer) error {
	var buf bytes.Buffer
	buf.WriteByte('/')
	for i := 0; i < len(n); i++ {
		c := n[i]
		if c < '!' || c > '~' || c == '#' || isDelimiter(c) {
			fmt.Fprintf(&buf, "#%02X", c)
			continue
		}
		buf.WriteByte(c)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// Clone implements Object.
func (n Name) Clone() Object { return n }

// String is a PDF string object. Value holds the raw bytes.
type String struct {
	Value []byte
	Hex   bool
}

// NewLiteralString creates a literal string from raw bytes.
func NewLiteralString(s string) *String {
	return &String{Value: []byte(s)}
}

// NewHexString creates a hex string.
func NewHexString(data []byte) *String {
	return &String{Value: data, Hex: true}
}

// NewTextString encodes s as a PDF text string: PDFDocEncoding-compatible
// Latin-1 when possible, UTF-16BE with byte order mark otherwise.
func NewTextString(s string) *String {
	latin := true
	for _, r := range s {
		if r > 0x7E {
			latin = false
			break
		}
	}
	if latin {
		return &String{Value: []byte(s)}
	}
	units := utf16.Encode([]rune(s))
	buf := make([]byte, 2, 2+2*len(units))
	buf[0], buf[1] = 0xFE, 0xFF
	for _, u := range units {
		buf = append(buf, byte(u>>8), byte(u))
	}
	return &String{Value: buf}
}

// Write implements Object.
func (s *String) Write(w io.Writer) error {
	if s.Hex {
		_, err := fmt.Fprintf(w, "<%s>", hex.EncodeToString(s.Value))
		return err
	}
	_, err := w.Write(EscapeLiteral(s.Value))
	return err
}

// EscapeLiteral returns data as a parenthesised literal string.
func EscapeLiteral(data []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte('(')
	for _, b := range data {
		switch b {
		case '\\', '(', ')':
			buf.WriteByte('\\')
			buf.WriteByte(b)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if b < 32 || b > 126 {
				fmt.Fprintf(&buf, "\\%03o", b)
			} else {
				buf.WriteByte(b)
			}
		}
	}
	buf.WriteByte(')')
	return buf.Bytes()
}

// Clone implements Object.
func (s *String) Clone() Object {
	return &String{Value: append([]byte(nil), s.Value...), Hex: s.Hex}
}

// Text decodes the string as a PDF text string.
func (s *String) Text() string {
	v := s.Value
	if len(v) >= 2 && v[0] == 0xFE && v[1] == 0xFF {
		units := make([]uint16, 0, (len(v)-2)/2)
		for i := 2; i+1 < len(v); i += 2 {
			units = append(units, uint16(v[i])<<8|uint16(v[i+1]))
		}
		return string(utf16.Decode(units))
	}
	return string(v)
}

// Array is a PDF array.
type Array []Object

// Write implements Object.
func (a Array) Write(w io.Writer) error {
	if _, err := io.WriteString(w, "["); err != nil {
		return err
	}
	for i, item := range a {
		if i > 0 {
			if _, err := io.WriteString(w, " "); err != nil {
				return err
			}
		}
		if item == nil {
			item = Null{}
		}
		if err := item.Write(w); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "]")
	return err
}

// Clone implements Object.
func (a Array) Clone() Object {
	out := make(Array, len(a))
	for i, item := range a {
		if item != nil {
			out[i] = item.Clone()
		}
	}
	return out
}

// Dictionary is a PDF dictionary that preserves key insertion order.
type Dictionary struct {
	entries map[string]Object
	order   []string
}

// NewDictionary creates an empty dictionary.
func NewDictionary() *Dictionary {
	return &Dictionary{entries: make(map[string]Object)}
}

// Write implements Object.
func (d *Dictionary) Write(w io.Writer) error {
	if _, err := io.WriteString(w, "<<"); err != nil {
		return err
	}
	for _, key := range d.order {
		if _, err := io.WriteString(w, " "); err != nil {
			return err
		}
		if err := Name(key).Write(w); err != nil {
			return err
		}
		if _, err := io.WriteString(w, " "); err != nil {
			return err
		}
		val := d.entries[key]
		if val == nil {
			val = Null{}
		}
		if err := val.Write(w); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, " >>")
	return err
}

// Clone implements Object.
func (d *Dictionary) Clone() Object {
	return d.Copy()
}

// Copy returns a deep copy with the concrete type.
func (d *Dictionary) Copy() *Dictionary {
	out := NewDictionary()
	for _, key := range d.order {
		if v := d.entries[key]; v != nil {
			out.Set(key, v.Clone())
		} else {
			out.Set(key, nil)
		}
	}
	return out
}

// Set sets a key, keeping the original position of existing keys.
func (d *Dictionary) Set(key string, value Object) {
	if _, ok := d.entries[key]; !ok {
		d.order = append(d.order, key)
	}
	d.entries[key] = value
}

// Get returns the value for key, or nil.
func (d *Dictionary) Get(key string) Object {
	return d.entries[key]
}

// Has reports whether key is present.
func (d *Dictionary) Has(key string) bool {
	_, ok := d.entries[key]
	return ok
}

// Delete removes key.
func (d *Dictionary) Delete(key string) {
	if _, ok := d.entries[key]; !ok {
		return
	}
	delete(d.entries, key)
	for i, k := range d.order {
		if k == key {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (d *Dictionary) Keys() []string {
	return append([]string(nil), d.order...)
}

// Len returns the number of entries.
func (d *Dictionary) Len() int {
	return len(d.order)
}

// GetName returns a name value or "".
func (d *Dictionary) GetName(key string) string {
	if n, ok := d.Get(key).(Name); ok {
		return string(n)
	}
	return ""
}

// GetInt returns an integer value.
func (d *Dictionary) GetInt(key string) (int64, bool) {
	if i, ok := d.Get(key).(Integer); ok {
		return int64(i), true
	}
	return 0, false
}

// GetArray returns a direct array value or nil.
func (d *Dictionary) GetArray(key string) Array {
	if a, ok := d.Get(key).(Array); ok {
		return a
	}
	return nil
}

// GetDict returns a direct dictionary value or nil.
func (d *Dictionary) GetDict(key string) *Dictionary {
	if v, ok := d.Get(key).(*Dictionary); ok {
		return v
	}
	return nil
}

// Stream is a PDF stream. Data holds the bytes as stored in the file
// (still encoded by the filters named in the dictionary).
type Stream struct {
	Dict *Dictionary
	Data []byte
}

// NewStream creates a stream from already-encoded data.
func NewStream(dict *Dictionary, data []byte) *Stream {
	if dict == nil {
		dict = NewDictionary()
	}
	return &Stream{Dict: dict, Data: data}
}

// Write implements Object. /Length is always rewritten to match Data.
func (s *Stream) Write(w io.Writer) error {
	s.Dict.Set("Length", Integer(len(s.Data)))
	if err := s.Dict.Write(w); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "\nstream\n"); err != nil {
		return err
	}
	if _, err := w.Write(s.Data); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\nendstream")
	return err
}

// Clone implements Object.
func (s *Stream) Clone() Object {
	return &Stream{Dict: s.Dict.Copy(), Data: append([]byte(nil), s.Data...)}
}

// Number converts an Integer or Real to float64.
func Number(obj Object) (float64, bool) {
	switch v := obj.(type) {
	case Integer:
		return float64(v), true
	case Real:
		return float64(v), true
	}
	return 0, false
}

// Rectangle is a PDF rectangle given by its lower-left and upper-right corners.
type Rectangle struct {
	LLX, LLY float64
	URX, URY float64
}

// RectangleFromArray parses a four-element numeric array. Corners are
// normalized so that LLX <= URX and LLY <= URY.
func RectangleFromArray(arr Array) (Rectangle, error) {
	if len(arr) != 4 {
		return Rectangle{}, fmt.Errorf("%w: rectangle must have 4 elements, got %d", ErrInvalidObject, len(arr))
	}
	var v [4]float64
	for i, obj := range arr {
		f, ok := Number(obj)
		if !ok {
			return Rectangle{}, fmt.Errorf("%w: rectangle element %d is not numeric", ErrInvalidObject, i)
		}
		v[i] = f
	}
	return Rectangle{
		LLX: math.Min(v[0], v[2]),
		LLY: math.Min(v[1], v[3]),
		URX: math.Max(v[0], v[2]),
		URY: math.Max(v[1], v[3]),
	}, nil
}

// Array converts the rectangle to a PDF array.
func (r Rectangle) Array() Array {
	return Array{Real(r.LLX), Real(r.LLY), Real(r.URX), Real(r.URY)}
}

// Width returns the rectangle width.
func (r Rectangle) Width() float64 { return r.URX - r.LLX }

// Height returns the rectangle height.
func (r Rectangle) Height() float64 { return r.URY - r.LLY }
