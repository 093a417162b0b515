// Package filters decodes and encodes PDF stream data.
package filters

import (
	"bytes"
	"compress/zlib"
	"encoding/ascii85"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/georgepadayatti/goesign/pdf/generic"
)

var (
	ErrUnsupportedFilter = errors.New("unsupported filter")
	ErrDecodeFailed      = errors.New("decode failed")
)

// Params carries the DecodeParms entries the supported filters understand.
type Params struct {
	Predictor        int
	Colors           int
	BitsPerComponent int
	Columns          int
}

// ParamsFromDict reads Params from a DecodeParms dictionary. A nil
// dictionary yields the defaults.
func ParamsFromDict(d *generic.Dictionary) Params {
	p := Params{Predictor: 1, Colors: 1, BitsPerComponent: 8, Columns: 1}
	if d == nil {
		return p
	}
	if v, ok := d.GetInt("Predictor"); ok {
		p.Predictor = int(v)
	}
	if v, ok := d.GetInt("Colors"); ok && v > 0 {
		p.Colors = int(v)
	}
	if v, ok := d.GetInt("BitsPerComponent"); ok && v > 0 {
		p.BitsPerComponent = int(v)
	}
	if v, ok := d.GetInt("Columns"); ok && v > 0 {
		p.Columns = int(v)
	}
	return p
}

type decodeFunc func(data []byte, p Params) ([]byte, error)

var decoders = map[string]decodeFunc{
	"FlateDecode":     flateDecode,
	"Fl":              flateDecode,
	"ASCIIHexDecode":  asciiHexDecode,
	"AHx":             asciiHexDecode,
	"ASCII85Decode":   ascii85Decode,
	"A85":             ascii85Decode,
	"RunLengthDecode": runLengthDecode,
	"RL":              runLengthDecode,
}

// Supported reports whether name can be decoded.
func Supported(name string) bool {
	_, ok := decoders[name]
	return ok
}

// Decode applies a single named filter.
func Decode(name string, data []byte, p Params) ([]byte, error) {
	fn, ok := decoders[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFilter, name)
	}
	out, err := fn(data, p)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// DecodeStream returns the fully decoded data of s, applying every filter
// listed in its /Filter entry. Image-only filters such as DCTDecode are
// reported as unsupported.
func DecodeStream(s *generic.Stream) ([]byte, error) {
	var names []string
	var parms []*generic.Dictionary

	switch f := s.Dict.Get("Filter").(type) {
	case nil:
		return s.Data, nil
	case generic.Name:
		names = []string{string(f)}
		parms = []*generic.Dictionary{s.Dict.GetDict("DecodeParms")}
	case generic.Array:
		dp := s.Dict.GetArray("DecodeParms")
		for i, item := range f {
			n, ok := item.(generic.Name)
			if !ok {
				return nil, fmt.Errorf("%w: filter entry %d is not a name", ErrDecodeFailed, i)
			}
			names = append(names, string(n))
			var d *generic.Dictionary
			if i < len(dp) {
				d, _ = dp[i].(*generic.Dictionary)
			}
			parms = append(parms, d)
		}
	default:
		return nil, fmt.Errorf("%w: /Filter has type %T", ErrDecodeFailed, f)
	}

	data := s.Data
	for i, name := range names {
		var err error
		data, err = Decode(name, data, ParamsFromDict(parms[i]))
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

// FlateEncode compresses data with zlib at the default level.
func FlateEncode(data []byte) []byte {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	// Writes to a bytes.Buffer cannot fail.
	_, _ = w.Write(data)
	_ = w.Close()
	return buf.Bytes()
}

// NewFlateStream builds a FlateDecode stream holding data.
func NewFlateStream(dict *generic.Dictionary, data []byte) *generic.Stream {
	s := generic.NewStream(dict, FlateEncode(data))
	s.Dict.Set("Filter", generic.Name("FlateDecode"))
	return s
}

func flateDecode(data []byte, p Params) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	// Truncated zlib streams are common; keep whatever was inflated.
	if err != nil && len(out) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return unpredict(out, p)
}

func unpredict(data []byte, p Params) ([]byte, error) {
	switch {
	case p.Predictor <= 1:
		return data, nil
	case p.Predictor >= 10:
		return pngUnpredict(data, p)
	default:
		return nil, fmt.Errorf("%w: predictor %d", ErrUnsupportedFilter, p.Predictor)
	}
}

func pngUnpredict(data []byte, p Params) ([]byte, error) {
	bpp := (p.Colors*p.BitsPerComponent + 7) / 8
	rowLen := (p.Columns*p.Colors*p.BitsPerComponent + 7) / 8
	if rowLen == 0 {
		return nil, fmt.Errorf("%w: empty predictor row", ErrDecodeFailed)
	}

	out := make([]byte, 0, len(data)/(rowLen+1)*rowLen)
	prev := make([]byte, rowLen)
	cur := make([]byte, rowLen)

	for off := 0; off+rowLen+1 <= len(data); off += rowLen + 1 {
		kind := data[off]
		copy(cur, data[off+1:off+1+rowLen])
		for j := range cur {
			var left, upLeft byte
			if j >= bpp {
				left = cur[j-bpp]
				upLeft = prev[j-bpp]
			}
			up := prev[j]
			switch kind {
			case 0:
			case 1:
				cur[j] += left
			case 2:
				cur[j] += up
			case 3:
				cur[j] += byte((int(left) + int(up)) / 2)
			case 4:
				cur[j] += paeth(left, up, upLeft)
			default:
				return nil, fmt.Errorf("%w: png filter type %d", ErrDecodeFailed, kind)
			}
		}
		out = append(out, cur...)
		prev, cur = cur, prev
	}
	return out, nil
}

func paeth(a, b, c byte) byte {
	p := int(a) + int(b) - int(c)
	pa, pb, pc := absInt(p-int(a)), absInt(p-int(b)), absInt(p-int(c))
	if pa <= pb && pa <= pc {
		return a
	}
	if pb <= pc {
		return b
	}
	return c
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func asciiHexDecode(data []byte, _ Params) ([]byte, error) {
	digits := make([]byte, 0, len(data))
	for _, b := range data {
		if b == '>' {
			break
		}
		switch b {
		case ' ', '\t', '\n', '\r', '\f', 0:
			continue
		}
		digits = append(digits, b)
	}
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	out := make([]byte, len(digits)/2)
	if _, err := hex.Decode(out, digits); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return out, nil
}

func ascii85Decode(data []byte, _ Params) ([]byte, error) {
	if i := bytes.Index(data, []byte("~>")); i >= 0 {
		data = data[:i]
	}
	data = bytes.TrimPrefix(bytes.TrimSpace(data), []byte("<~"))
	out, err := io.ReadAll(ascii85.NewDecoder(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return out, nil
}

func runLengthDecode(data []byte, _ Params) ([]byte, error) {
	var out bytes.Buffer
	for i := 0; i < len(data); {
		n := int(data[i])
		i++
		switch {
		case n == 128:
			return out.Bytes(), nil
		case n < 128:
			if i+n+1 > len(data) {
				return nil, fmt.Errorf("%w: truncated literal run", ErrDecodeFailed)
			}
			out.Write(data[i : i+n+1])
			i += n + 1
		default:
			if i >= len(data) {
				return nil, fmt.Errorf("%w: truncated repeat run", ErrDecodeFailed)
			}
			out.Write(bytes.Repeat(data[i:i+1], 257-n))
			i++
		}
	}
	return out.Bytes(), nil
}
