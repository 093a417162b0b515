// Package reader parses existing PDF files: cross-reference data, objects
// and the page tree.
package reader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/georgepadayatti/goesign/pdf/filters"
	"github.com/georgepadayatti/goesign/pdf/generic"
)

var (
	ErrInvalidPDF     = errors.New("invalid PDF file")
	ErrInvalidXRef    = errors.New("invalid xref")
	ErrObjectNotFound = errors.New("object not found")
	ErrEncrypted      = errors.New("encrypted PDF documents are not supported")
	ErrPageNotFound   = errors.New("page not found")
)

// Reader gives read access to a parsed PDF. Objects returned by Object and
// Resolve are shared with the reader's cache and must be cloned before they
// are modified.
type Reader struct {
	data    []byte
	version string

	xref    map[int]XRefEntry
	cache   map[int]generic.Object
	objStms map[int]*objStm
	loading map[int]bool

	trailer       *generic.Dictionary
	xrefOffset    int64
	hasXRefStream bool
	repaired      bool

	rootRef generic.Reference
	root    *generic.Dictionary
	pages   []Page
}

// Read reads a whole document from r.
func Read(r io.Reader) (*Reader, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read PDF data: %w", err)
	}
	return open(data)
}

// Open parses data. The reader keeps a private copy, so the caller may
// reuse the slice.
func Open(data []byte) (*Reader, error) {
	return open(append([]byte(nil), data...))
}

func open(data []byte) (*Reader, error) {
	r := &Reader{
		data:    data,
		xref:    make(map[int]XRefEntry),
		cache:   make(map[int]generic.Object),
		objStms: make(map[int]*objStm),
		loading: make(map[int]bool),
	}
	if err := r.parseHeader(); err != nil {
		return nil, err
	}

	offset, err := r.findStartXRef()
	if err == nil {
		r.xrefOffset = offset
		err = r.loadXRefChain(offset)
	}
	if err != nil {
		if rerr := r.rebuildXRef(); rerr != nil {
			return nil, fmt.Errorf("%w (repair failed: %v)", err, rerr)
		}
	}

	if r.trailer.Has("Encrypt") {
		return nil, ErrEncrypted
	}
	if err := r.loadCatalog(); err != nil {
		// Stale offsets can survive a well-formed xref; rescan once.
		if r.repaired || r.rebuildXRef() != nil {
			return nil, err
		}
		if err := r.loadCatalog(); err != nil {
			return nil, err
		}
	}
	if err := r.loadPages(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) parseHeader() error {
	head := r.data
	if len(head) > 1024 {
		head = head[:1024]
	}
	i := bytes.Index(head, []byte("%PDF-"))
	if i < 0 {
		return fmt.Errorf("%w: missing %%PDF header", ErrInvalidPDF)
	}
	v := head[i+5:]
	end := 0
	for end < len(v) && (v[end] == '.' || (v[end] >= '0' && v[end] <= '9')) {
		end++
	}
	r.version = string(v[:end])
	return nil
}

func (r *Reader) findStartXRef() (int64, error) {
	tail := r.data
	if len(tail) > 2048 {
		tail = tail[len(tail)-2048:]
	}
	i := bytes.LastIndex(tail, []byte("startxref"))
	if i < 0 {
		return 0, fmt.Errorf("%w: startxref not found", ErrInvalidXRef)
	}
	p := generic.NewParser(tail)
	p.Seek(i + len("startxref"))
	offset, err := strconv.ParseInt(p.ReadToken(), 10, 64)
	if err != nil || offset <= 0 || offset >= int64(len(r.data)) {
		return 0, fmt.Errorf("%w: bad startxref value", ErrInvalidXRef)
	}
	return offset, nil
}

func (r *Reader) loadCatalog() error {
	ref, ok := r.trailer.Get("Root").(generic.Reference)
	if !ok {
		return fmt.Errorf("%w: trailer has no /Root reference", ErrInvalidPDF)
	}
	root, err := r.ResolveDict(ref)
	if err != nil {
		return fmt.Errorf("%w: catalog: %v", ErrInvalidPDF, err)
	}
	r.rootRef = ref
	r.root = root
	return nil
}

// Version returns the header version, for example "1.7".
func (r *Reader) Version() string { return r.version }

// Data returns the original file bytes. The slice must not be modified.
func (r *Reader) Data() []byte { return r.data }

// Trailer returns the newest trailer dictionary.
func (r *Reader) Trailer() *generic.Dictionary { return r.trailer }

// Root returns the document catalog.
func (r *Reader) Root() *generic.Dictionary { return r.root }

// RootRef returns the reference of the document catalog.
func (r *Reader) RootRef() generic.Reference { return r.rootRef }

// XRefOffset returns the byte offset of the newest xref section.
func (r *Reader) XRefOffset() int64 { return r.xrefOffset }

// HasXRefStream reports whether the newest xref section is a stream.
func (r *Reader) HasXRefStream() bool { return r.hasXRefStream }

// Repaired reports whether the cross-reference data had to be rebuilt by
// scanning the file. Offsets from a repaired file cannot be chained to.
func (r *Reader) Repaired() bool { return r.repaired }

// MaxObjectNumber returns the highest object number in use or reserved by
// the trailer /Size.
func (r *Reader) MaxObjectNumber() int {
	max := 0
	if size, ok := r.trailer.GetInt("Size"); ok {
		max = int(size) - 1
	}
	for num := range r.xref {
		if num > max {
			max = num
		}
	}
	return max
}

// Entries returns a copy of the cross-reference map.
func (r *Reader) Entries() map[int]XRefEntry {
	out := make(map[int]XRefEntry, len(r.xref))
	for k, v := range r.xref {
		out[k] = v
	}
	return out
}

// DocumentID returns the two parts of the trailer /ID, if present.
func (r *Reader) DocumentID() (first, second []byte) {
	arr := r.trailer.GetArray("ID")
	if len(arr) != 2 {
		return nil, nil
	}
	if s, ok := arr[0].(*generic.String); ok {
		first = s.Value
	}
	if s, ok := arr[1].(*generic.String); ok {
		second = s.Value
	}
	return first, second
}

// Object loads object num.
func (r *Reader) Object(num int) (generic.Object, error) {
	if obj, ok := r.cache[num]; ok {
		return obj, nil
	}
	e, ok := r.xref[num]
	if !ok || e.Type == XRefTypeFree {
		return nil, fmt.Errorf("%w: %d", ErrObjectNotFound, num)
	}
	if r.loading[num] {
		return nil, fmt.Errorf("%w: object %d refers to itself", ErrInvalidPDF, num)
	}
	r.loading[num] = true
	defer delete(r.loading, num)

	var obj generic.Object
	var err error
	if e.Type == XRefTypeInObjStream {
		obj, err = r.loadFromObjStm(num, e)
	} else {
		obj, err = r.loadAt(num, e.Offset)
	}
	if err != nil {
		return nil, err
	}
	r.cache[num] = obj
	return obj, nil
}

func (r *Reader) loadAt(num int, offset int64) (generic.Object, error) {
	if offset < 0 || offset >= int64(len(r.data)) {
		return nil, fmt.Errorf("%w: object %d offset %d out of bounds", ErrInvalidPDF, num, offset)
	}
	p := generic.NewParser(r.data)
	p.Seek(int(offset))
	p.SetLengthResolver(func(ref generic.Reference) (int64, bool) {
		obj, err := r.Object(ref.Num)
		if err != nil {
			return 0, false
		}
		n, ok := obj.(generic.Integer)
		return int64(n), ok
	})
	ind, err := p.ParseIndirectObject()
	if err != nil {
		return nil, fmt.Errorf("object %d: %w", num, err)
	}
	if ind.Num != num {
		return nil, fmt.Errorf("%w: expected object %d at offset %d, found %d", ErrInvalidXRef, num, offset, ind.Num)
	}
	return ind.Object, nil
}

// Resolve follows references until a direct object is reached.
func (r *Reader) Resolve(obj generic.Object) (generic.Object, error) {
	for i := 0; i < 32; i++ {
		ref, ok := obj.(generic.Reference)
		if !ok {
			return obj, nil
		}
		var err error
		if obj, err = r.Object(ref.Num); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: reference chain too long", ErrInvalidPDF)
}

// ResolveDict resolves obj and requires a dictionary. Streams yield their
// dictionary.
func (r *Reader) ResolveDict(obj generic.Object) (*generic.Dictionary, error) {
	v, err := r.Resolve(obj)
	if err != nil {
		return nil, err
	}
	switch d := v.(type) {
	case *generic.Dictionary:
		return d, nil
	case *generic.Stream:
		return d.Dict, nil
	}
	return nil, fmt.Errorf("%w: expected dictionary, got %T", ErrInvalidPDF, v)
}

// DecodeStream returns the decoded data of a stream object.
func (r *Reader) DecodeStream(s *generic.Stream) ([]byte, error) {
	return filters.DecodeStream(s)
}
