package reader

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"

	"github.com/georgepadayatti/goesign/pdf/filters"
	"github.com/georgepadayatti/goesign/pdf/generic"
)

// XRefType identifies the kind of a cross-reference entry.
type XRefType int

const (
	XRefTypeFree XRefType = iota
	XRefTypeStandard
	XRefTypeInObjStream
)

func (t XRefType) String() string {
	switch t {
	case XRefTypeFree:
		return "free"
	case XRefTypeStandard:
		return "standard"
	case XRefTypeInObjStream:
		return "in_obj_stream"
	}
	return "unknown"
}

// XRefEntry locates one object. For standard entries Offset is the byte
// offset of the object; for compressed entries StreamNum and Index locate
// it inside an object stream.
type XRefEntry struct {
	Type       XRefType
	Offset     int64
	Generation int
	StreamNum  int
	Index      int
}

// loadXRefChain walks the chain of cross-reference sections starting at
// offset, newest first. Entries already present are never overwritten.
func (r *Reader) loadXRefChain(offset int64) error {
	visited := make(map[int64]bool)
	first := true
	for offset > 0 {
		if visited[offset] {
			return fmt.Errorf("%w: xref chain loops at offset %d", ErrInvalidXRef, offset)
		}
		visited[offset] = true

		trailer, isStream, err := r.loadXRefSection(offset)
		if err != nil {
			return err
		}
		if first {
			r.trailer = trailer
			r.hasXRefStream = isStream
			first = false
		}

		// Hybrid files point at a supplementary xref stream.
		if stm, ok := trailer.GetInt("XRefStm"); ok && !visited[stm] {
			visited[stm] = true
			if _, _, err := r.loadXRefSection(stm); err != nil {
				return err
			}
		}

		prev, ok := trailer.GetInt("Prev")
		if !ok {
			break
		}
		offset = prev
	}
	if r.trailer == nil {
		return fmt.Errorf("%w: no trailer", ErrInvalidXRef)
	}
	return nil
}

func (r *Reader) loadXRefSection(offset int64) (*generic.Dictionary, bool, error) {
	if offset < 0 || offset >= int64(len(r.data)) {
		return nil, false, fmt.Errorf("%w: offset %d out of bounds", ErrInvalidXRef, offset)
	}
	p := generic.NewParser(r.data)
	p.Seek(int(offset))
	if p.PeekToken() == "xref" {
		p.ReadToken()
		trailer, err := r.parseXRefTable(p)
		return trailer, false, err
	}
	trailer, err := r.parseXRefStream(p)
	return trailer, true, err
}

func (r *Reader) addEntry(num int, e XRefEntry) {
	if _, exists := r.xref[num]; !exists {
		r.xref[num] = e
	}
}

func (r *Reader) parseXRefTable(p *generic.Parser) (*generic.Dictionary, error) {
	for {
		tok := p.PeekToken()
		if tok == "trailer" {
			p.ReadToken()
			break
		}
		start, err1 := strconv.Atoi(p.ReadToken())
		count, err2 := strconv.Atoi(p.ReadToken())
		if err1 != nil || err2 != nil || start < 0 || count < 0 {
			return nil, fmt.Errorf("%w: bad subsection header near %d", ErrInvalidXRef, p.Pos())
		}
		for i := 0; i < count; i++ {
			off, err1 := strconv.ParseInt(p.ReadToken(), 10, 64)
			gen, err2 := strconv.Atoi(p.ReadToken())
			kind := p.ReadToken()
			if err1 != nil || err2 != nil || (kind != "n" && kind != "f") {
				return nil, fmt.Errorf("%w: bad entry for object %d", ErrInvalidXRef, start+i)
			}
			e := XRefEntry{Type: XRefTypeFree, Generation: gen}
			if kind == "n" {
				e.Type = XRefTypeStandard
				e.Offset = off
			}
			r.addEntry(start+i, e)
		}
	}

	obj, err := p.ParseObject()
	if err != nil {
		return nil, fmt.Errorf("%w: trailer: %v", ErrInvalidXRef, err)
	}
	trailer, ok := obj.(*generic.Dictionary)
	if !ok {
		return nil, fmt.Errorf("%w: trailer is %T", ErrInvalidXRef, obj)
	}
	return trailer, nil
}

func (r *Reader) parseXRefStream(p *generic.Parser) (*generic.Dictionary, error) {
	ind, err := p.ParseIndirectObject()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidXRef, err)
	}
	stream, ok := ind.Object.(*generic.Stream)
	if !ok || stream.Dict.GetName("Type") != "XRef" {
		return nil, fmt.Errorf("%w: object %d is not an xref stream", ErrInvalidXRef, ind.Num)
	}
	if err := r.readXRefStreamEntries(stream); err != nil {
		return nil, err
	}
	return stream.Dict, nil
}

func (r *Reader) readXRefStreamEntries(stream *generic.Stream) error {
	data, err := filters.DecodeStream(stream)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidXRef, err)
	}

	wArr := stream.Dict.GetArray("W")
	if len(wArr) != 3 {
		return fmt.Errorf("%w: /W must have three entries", ErrInvalidXRef)
	}
	var w [3]int
	for i, v := range wArr {
		n, ok := v.(generic.Integer)
		if !ok || n < 0 || n > 8 {
			return fmt.Errorf("%w: bad /W entry", ErrInvalidXRef)
		}
		w[i] = int(n)
	}
	rowLen := w[0] + w[1] + w[2]
	if rowLen == 0 {
		return fmt.Errorf("%w: zero-width xref rows", ErrInvalidXRef)
	}

	var index []int
	if arr := stream.Dict.GetArray("Index"); arr != nil {
		for _, v := range arr {
			if n, ok := v.(generic.Integer); ok {
				index = append(index, int(n))
			}
		}
	} else if size, ok := stream.Dict.GetInt("Size"); ok {
		index = []int{0, int(size)}
	}

	pos := 0
	for i := 0; i+1 < len(index); i += 2 {
		for j := 0; j < index[i+1] && pos+rowLen <= len(data); j++ {
			row := data[pos : pos+rowLen]
			pos += rowLen

			kind := int64(1)
			if w[0] > 0 {
				kind = readField(row[:w[0]])
			}
			f2 := readField(row[w[0] : w[0]+w[1]])
			f3 := readField(row[w[0]+w[1]:])

			num := index[i] + j
			switch kind {
			case 0:
				r.addEntry(num, XRefEntry{Type: XRefTypeFree, Generation: int(f3)})
			case 1:
				r.addEntry(num, XRefEntry{Type: XRefTypeStandard, Offset: f2, Generation: int(f3)})
			case 2:
				r.addEntry(num, XRefEntry{Type: XRefTypeInObjStream, StreamNum: int(f2), Index: int(f3)})
			}
		}
	}
	return nil
}

func readField(b []byte) int64 {
	var v int64
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	return v
}

var objHeaderRe = regexp.MustCompile(`(?m)(\d+)\s+(\d+)\s+obj\b`)

// rebuildXRef scans the whole file for "n g obj" headers. It is used when
// the cross-reference data is missing or damaged.
func (r *Reader) rebuildXRef() error {
	r.xref = make(map[int]XRefEntry)
	r.cache = make(map[int]generic.Object)

	for _, m := range objHeaderRe.FindAllSubmatchIndex(r.data, -1) {
		if m[0] > 0 && !isSpace(r.data[m[0]-1]) {
			continue
		}
		num, _ := strconv.Atoi(string(r.data[m[2]:m[3]]))
		gen, _ := strconv.Atoi(string(r.data[m[4]:m[5]]))
		// Later definitions replace earlier ones, as in an update chain.
		r.xref[num] = XRefEntry{Type: XRefTypeStandard, Offset: int64(m[0]), Generation: gen}
	}
	if len(r.xref) == 0 {
		return fmt.Errorf("%w: no objects found", ErrInvalidPDF)
	}

	var trailer *generic.Dictionary
	if i := bytes.LastIndex(r.data, []byte("trailer")); i >= 0 {
		p := generic.NewParser(r.data)
		p.Seek(i + len("trailer"))
		if obj, err := p.ParseObject(); err == nil {
			trailer, _ = obj.(*generic.Dictionary)
		}
	}

	// Register objects stored in object streams and look for a catalog.
	var catalog, xrefDict *generic.Dictionary
	var catalogRef generic.Reference
	nums := make([]int, 0, len(r.xref))
	for num := range r.xref {
		nums = append(nums, num)
	}
	for _, num := range nums {
		obj, err := r.Object(num)
		if err != nil {
			continue
		}
		switch v := obj.(type) {
		case *generic.Stream:
			switch v.Dict.GetName("Type") {
			case "ObjStm":
				r.registerObjStm(num, v)
			case "XRef":
				xrefDict = v.Dict
			}
		case *generic.Dictionary:
			if v.GetName("Type") == "Catalog" && (catalog == nil || num > catalogRef.Num) {
				catalog = v
				catalogRef = generic.Reference{Num: num, Gen: r.xref[num].Generation}
			}
		}
	}

	if trailer == nil && xrefDict != nil && xrefDict.Has("Root") {
		trailer = xrefDict.Copy()
	}
	if trailer == nil || !trailer.Has("Root") {
		if catalog == nil {
			return fmt.Errorf("%w: no document catalog found", ErrInvalidPDF)
		}
		if trailer == nil {
			trailer = generic.NewDictionary()
		}
		trailer.Set("Root", catalogRef)
	}
	trailer.Delete("Prev")
	trailer.Delete("XRefStm")
	r.trailer = trailer
	r.repaired = true
	return nil
}

func (r *Reader) registerObjStm(num int, s *generic.Stream) {
	header, err := r.objStmHeader(num, s)
	if err != nil {
		return
	}
	for i, h := range header.entries {
		if _, exists := r.xref[h.num]; !exists {
			r.xref[h.num] = XRefEntry{Type: XRefTypeInObjStream, StreamNum: num, Index: i}
		}
	}
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\f' || b == 0
}

type objStmEntry struct {
	num    int
	offset int
}

type objStm struct {
	data    []byte
	first   int
	entries []objStmEntry
}

func (r *Reader) objStmHeader(num int, s *generic.Stream) (*objStm, error) {
	if cached, ok := r.objStms[num]; ok {
		return cached, nil
	}
	data, err := filters.DecodeStream(s)
	if err != nil {
		return nil, err
	}
	n, ok1 := s.Dict.GetInt("N")
	first, ok2 := s.Dict.GetInt("First")
	if !ok1 || !ok2 || first < 0 || int(first) > len(data) {
		return nil, fmt.Errorf("%w: object stream %d lacks /N or /First", ErrInvalidPDF, num)
	}

	hp := generic.NewParser(data[:first])
	os := &objStm{data: data, first: int(first)}
	for i := int64(0); i < n; i++ {
		on, err1 := strconv.Atoi(hp.ReadToken())
		off, err2 := strconv.Atoi(hp.ReadToken())
		if err1 != nil || err2 != nil {
			break
		}
		os.entries = append(os.entries, objStmEntry{num: on, offset: off})
	}
	r.objStms[num] = os
	return os, nil
}

func (r *Reader) loadFromObjStm(num int, e XRefEntry) (generic.Object, error) {
	container, err := r.Object(e.StreamNum)
	if err != nil {
		return nil, err
	}
	s, ok := container.(*generic.Stream)
	if !ok {
		return nil, fmt.Errorf("%w: object stream %d is %T", ErrInvalidPDF, e.StreamNum, container)
	}
	os, err := r.objStmHeader(e.StreamNum, s)
	if err != nil {
		return nil, err
	}
	if e.Index < 0 || e.Index >= len(os.entries) || os.entries[e.Index].num != num {
		// Index disagrees with the header; search by number instead.
		idx := -1
		for i, h := range os.entries {
			if h.num == num {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("%w: object %d not in stream %d", ErrObjectNotFound, num, e.StreamNum)
		}
		e.Index = idx
	}
	p := generic.NewParser(os.data)
	p.Seek(os.first + os.entries[e.Index].offset)
	return p.ParseObject()
}
