// Package writer appends incremental updates to existing PDF documents.
// The original bytes are never rewritten; new and changed objects follow
// them together with a cross-reference section that chains to the
// original one.
package writer

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/georgepadayatti/goesign/pdf/filters"
	"github.com/georgepadayatti/goesign/pdf/generic"
	"github.com/georgepadayatti/goesign/pdf/reader"
)

var (
	ErrPageIndex       = errors.New("page index out of range")
	ErrInvalidPageTree = errors.New("invalid page tree")
)

// IncrementalWriter collects changes to a document read by reader.Reader
// and serializes them as an incremental update.
type IncrementalWriter struct {
	r       *reader.Reader
	objects map[int]*generic.IndirectObject
	next    int

	edits    map[int]*pageEdit
	appended []generic.Reference
	catalog  *generic.Dictionary

	forceStream bool
}

type pageEdit struct {
	ref       generic.Reference
	dict      *generic.Dictionary
	resources *generic.Dictionary
	contents  generic.Array
}

// NewIncrementalWriter starts an update on top of r.
func NewIncrementalWriter(r *reader.Reader) *IncrementalWriter {
	return &IncrementalWriter{
		r:       r,
		objects: make(map[int]*generic.IndirectObject),
		next:    r.MaxObjectNumber() + 1,
		edits:   make(map[int]*pageEdit),
	}
}

// Reader returns the underlying reader.
func (w *IncrementalWriter) Reader() *reader.Reader { return w.r }

// SetStreamXRefs forces a cross-reference stream even when the original
// file used a table.
func (w *IncrementalWriter) SetStreamXRefs(on bool) { w.forceStream = on }

// HasChanges reports whether anything would be appended.
func (w *IncrementalWriter) HasChanges() bool { return len(w.objects) > 0 }

// Add registers a new indirect object and returns its reference.
func (w *IncrementalWriter) Add(obj generic.Object) generic.Reference {
	ref := generic.Reference{Num: w.next}
	w.next++
	w.objects[ref.Num] = &generic.IndirectObject{Num: ref.Num, Gen: ref.Gen, Object: obj}
	return ref
}

// Update replaces the object at ref in the update section.
func (w *IncrementalWriter) Update(ref generic.Reference, obj generic.Object) {
	w.objects[ref.Num] = &generic.IndirectObject{Num: ref.Num, Gen: ref.Gen, Object: obj}
	if ref.Num >= w.next {
		w.next = ref.Num + 1
	}
}

// Lookup returns the pending version of an object, or the original one.
func (w *IncrementalWriter) Lookup(ref generic.Reference) (generic.Object, error) {
	if ind, ok := w.objects[ref.Num]; ok {
		return ind.Object, nil
	}
	return w.r.Object(ref.Num)
}

// Resolve follows references through pending and original objects.
func (w *IncrementalWriter) Resolve(obj generic.Object) (generic.Object, error) {
	for i := 0; i < 32; i++ {
		ref, ok := obj.(generic.Reference)
		if !ok {
			return obj, nil
		}
		var err error
		if obj, err = w.Lookup(ref); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: reference chain too long", reader.ErrInvalidPDF)
}

func (w *IncrementalWriter) resolveDictCopy(obj generic.Object) (*generic.Dictionary, error) {
	v, err := w.Resolve(obj)
	if err != nil {
		return nil, err
	}
	switch d := v.(type) {
	case nil:
		return generic.NewDictionary(), nil
	case *generic.Dictionary:
		return d.Copy(), nil
	}
	return nil, fmt.Errorf("%w: expected dictionary, got %T", reader.ErrInvalidPDF, v)
}

// PageCount returns the number of pages including appended ones.
func (w *IncrementalWriter) PageCount() int {
	return w.r.PageCount() + len(w.appended)
}

// Catalog returns a working copy of the document catalog that is written
// with the update.
func (w *IncrementalWriter) Catalog() *generic.Dictionary {
	if w.catalog == nil {
		w.catalog = w.r.Root().Copy()
		w.Update(w.r.RootRef(), w.catalog)
	}
	return w.catalog
}

// editPage returns the working copy of an original page. The first edit
// copies the effective resources into the page itself so that shared or
// inherited resource dictionaries stay untouched.
func (w *IncrementalWriter) editPage(index int) (*pageEdit, error) {
	if e, ok := w.edits[index]; ok {
		return e, nil
	}
	page, err := w.r.Page(index)
	if err != nil {
		return nil, fmt.Errorf("%w: %d", ErrPageIndex, index)
	}

	dict := page.Dict.Copy()
	res, err := w.resolveDictCopy(page.Resources)
	if err != nil {
		return nil, fmt.Errorf("page %d resources: %w", index, err)
	}
	dict.Set("Resources", res)

	contents, err := w.Resolve(dict.Get("Contents"))
	if err != nil {
		return nil, fmt.Errorf("page %d contents: %w", index, err)
	}
	var arr generic.Array
	switch c := contents.(type) {
	case nil:
	case generic.Array:
		arr = append(arr, c...)
	case *generic.Stream:
		arr = generic.Array{dict.Get("Contents")}
	default:
		return nil, fmt.Errorf("%w: page %d /Contents is %T", reader.ErrInvalidPDF, index, c)
	}

	// Isolate the original drawing state from anything appended later.
	if len(arr) > 0 {
		q := w.Add(generic.NewStream(nil, []byte("q\n")))
		closing := w.Add(generic.NewStream(nil, []byte("\nQ\n")))
		arr = append(append(generic.Array{q}, arr...), closing)
	}
	dict.Set("Contents", arr)

	e := &pageEdit{ref: page.Ref, dict: dict, resources: res, contents: arr}
	w.edits[index] = e
	w.Update(page.Ref, dict)
	return e, nil
}

// ResourceName returns a resource name with the given prefix that is not
// yet used in category on the page.
func (w *IncrementalWriter) ResourceName(index int, category, prefix string) (string, error) {
	e, err := w.editPage(index)
	if err != nil {
		return "", err
	}
	cat, err := w.resolveDictCopy(e.resources.Get(category))
	if err != nil {
		return "", err
	}
	for i := 1; ; i++ {
		name := fmt.Sprintf("%s%d", prefix, i)
		if !cat.Has(name) {
			return name, nil
		}
	}
}

// AppendContent adds a content stream after the existing content of the
// page and merges resources, a dictionary of resource categories such as
// /XObject or /Font, into the page resources.
func (w *IncrementalWriter) AppendContent(index int, content []byte, resources *generic.Dictionary) error {
	e, err := w.editPage(index)
	if err != nil {
		return err
	}
	if resources != nil {
		for _, category := range resources.Keys() {
			add, ok := resources.Get(category).(*generic.Dictionary)
			if !ok {
				e.resources.Set(category, resources.Get(category))
				continue
			}
			cat, err := w.resolveDictCopy(e.resources.Get(category))
			if err != nil {
				return fmt.Errorf("page %d /%s: %w", index, category, err)
			}
			for _, name := range add.Keys() {
				cat.Set(name, add.Get(name))
			}
			e.resources.Set(category, cat)
		}
	}

	ref := w.Add(filters.NewFlateStream(nil, content))
	e.contents = append(e.contents, ref)
	e.dict.Set("Contents", e.contents)
	return nil
}

func (w *IncrementalWriter) pagesRoot() (generic.Reference, *generic.Dictionary, error) {
	cat := w.catalog
	if cat == nil {
		cat = w.r.Root()
	}
	ref, ok := cat.Get("Pages").(generic.Reference)
	if !ok {
		return generic.Reference{}, nil, fmt.Errorf("%w: catalog /Pages is not a reference", ErrInvalidPageTree)
	}
	if ind, ok := w.objects[ref.Num]; ok {
		if d, ok := ind.Object.(*generic.Dictionary); ok {
			return ref, d, nil
		}
	}
	orig, err := w.r.ResolveDict(ref)
	if err != nil {
		return generic.Reference{}, nil, fmt.Errorf("%w: %v", ErrInvalidPageTree, err)
	}
	d := orig.Copy()
	w.Update(ref, d)
	return ref, d, nil
}

// AppendPage adds page as the last page of the document and returns its
// reference. Attributes the page relies on must be set on the page itself.
func (w *IncrementalWriter) AppendPage(page *generic.Dictionary) (generic.Reference, error) {
	rootRef, root, err := w.pagesRoot()
	if err != nil {
		return generic.Reference{}, err
	}
	kidsObj, err := w.Resolve(root.Get("Kids"))
	if err != nil {
		return generic.Reference{}, err
	}
	kids, _ := kidsObj.(generic.Array)
	count, _ := root.GetInt("Count")

	page.Set("Type", generic.Name("Page"))
	page.Set("Parent", rootRef)
	ref := w.Add(page)

	root.Set("Kids", append(append(generic.Array{}, kids...), ref))
	root.Set("Count", generic.Integer(count+1))
	w.appended = append(w.appended, ref)
	return ref, nil
}

// ImportPage copies page index of src, with everything it references, into
// this document and appends it as the last page.
func (w *IncrementalWriter) ImportPage(src *reader.Reader, index int) (generic.Reference, error) {
	page, err := src.Page(index)
	if err != nil {
		return generic.Reference{}, err
	}
	dict := page.Dict.Copy()
	dict.Delete("Parent")
	dict.Set("MediaBox", page.MediaBox.Array())
	if page.Rotate != 0 {
		dict.Set("Rotate", generic.Integer(page.Rotate))
	}
	if page.Resources != nil {
		dict.Set("Resources", page.Resources)
	}

	imp := &importer{w: w, src: src, mapped: make(map[int]generic.Reference)}
	copied, err := imp.copy(dict)
	if err != nil {
		return generic.Reference{}, fmt.Errorf("import page %d: %w", index, err)
	}
	return w.AppendPage(copied.(*generic.Dictionary))
}

type importer struct {
	w      *IncrementalWriter
	src    *reader.Reader
	mapped map[int]generic.Reference
}

func (imp *importer) copy(obj generic.Object) (generic.Object, error) {
	switch v := obj.(type) {
	case generic.Reference:
		if ref, ok := imp.mapped[v.Num]; ok {
			return ref, nil
		}
		target, err := imp.src.Object(v.Num)
		if errors.Is(err, reader.ErrObjectNotFound) {
			return generic.Null{}, nil
		}
		if err != nil {
			return nil, err
		}
		// Reserve the number first so cycles terminate.
		ref := imp.w.Add(generic.Null{})
		imp.mapped[v.Num] = ref
		copied, err := imp.copy(target)
		if err != nil {
			return nil, err
		}
		imp.w.objects[ref.Num].Object = copied
		return ref, nil
	case *generic.Dictionary:
		out := generic.NewDictionary()
		for _, key := range v.Keys() {
			// Parent links lead back into the source page tree.
			if key == "Parent" {
				continue
			}
			c, err := imp.copy(v.Get(key))
			if err != nil {
				return nil, err
			}
			out.Set(key, c)
		}
		return out, nil
	case generic.Array:
		out := make(generic.Array, len(v))
		for i, item := range v {
			c, err := imp.copy(item)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	case *generic.Stream:
		src := v.Dict.Copy()
		src.Delete("Length")
		d, err := imp.copy(src)
		if err != nil {
			return nil, err
		}
		return generic.NewStream(d.(*generic.Dictionary), append([]byte(nil), v.Data...)), nil
	case nil:
		return nil, nil
	}
	return obj.Clone(), nil
}

// SetMetadata attaches an XMP packet to the catalog.
func (w *IncrementalWriter) SetMetadata(xmp []byte) generic.Reference {
	dict := generic.NewDictionary()
	dict.Set("Type", generic.Name("Metadata"))
	dict.Set("Subtype", generic.Name("XML"))
	ref := w.Add(generic.NewStream(dict, xmp))
	w.Catalog().Set("Metadata", ref)
	return ref
}

// Bytes returns the original document followed by the update.
func (w *IncrementalWriter) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteTo writes the original document followed by the update. Without
// changes the original bytes are written unchanged.
func (w *IncrementalWriter) WriteTo(out io.Writer) (int64, error) {
	orig := w.r.Data()
	if !w.HasChanges() {
		n, err := out.Write(orig)
		return int64(n), err
	}

	var buf bytes.Buffer
	buf.Write(orig)
	if n := len(orig); n > 0 && orig[n-1] != '\n' && orig[n-1] != '\r' {
		buf.WriteByte('\n')
	}
	bodyStart := buf.Len()

	nums := make([]int, 0, len(w.objects))
	for num := range w.objects {
		nums = append(nums, num)
	}
	sort.Ints(nums)

	offsets := make(map[int]int64, len(nums))
	for _, num := range nums {
		offsets[num] = int64(buf.Len())
		if err := w.objects[num].Write(&buf); err != nil {
			return 0, fmt.Errorf("write object %d: %w", num, err)
		}
	}

	trailer := w.trailer(buf.Bytes()[bodyStart:])
	xrefOffset := int64(buf.Len())

	entries := make(map[int]reader.XRefEntry, len(nums))
	if w.r.Repaired() {
		// Nothing valid to chain to: index every original object as well.
		for num, e := range w.r.Entries() {
			if e.Type != reader.XRefTypeFree {
				entries[num] = e
			}
		}
		entries[0] = reader.XRefEntry{Type: reader.XRefTypeFree, Generation: 65535}
	}
	for _, num := range nums {
		entries[num] = reader.XRefEntry{Type: reader.XRefTypeStandard, Offset: offsets[num], Generation: w.objects[num].Gen}
	}

	useStream := w.forceStream || w.r.HasXRefStream()
	for _, e := range entries {
		if e.Type == reader.XRefTypeInObjStream {
			useStream = true
		}
	}

	var err error
	if useStream {
		err = w.writeXRefStream(&buf, entries, trailer, xrefOffset)
	} else {
		err = writeXRefTable(&buf, entries, trailer, xrefOffset)
	}
	if err != nil {
		return 0, err
	}
	n, err := out.Write(buf.Bytes())
	return int64(n), err
}

// trailer builds the update trailer. The second /ID element is derived from
// the update body so identical updates produce identical files.
func (w *IncrementalWriter) trailer(body []byte) *generic.Dictionary {
	t := generic.NewDictionary()
	for _, key := range w.r.Trailer().Keys() {
		switch key {
		case "Prev", "XRefStm", "Type", "W", "Index", "Filter", "DecodeParms", "Length", "Size", "ID":
			continue
		}
		t.Set(key, w.r.Trailer().Get(key).Clone())
	}
	t.Set("Size", generic.Integer(w.next))
	t.Set("Root", w.r.RootRef())
	if !w.r.Repaired() {
		t.Set("Prev", generic.Integer(w.r.XRefOffset()))
	}

	first, _ := w.r.DocumentID()
	if len(first) == 0 {
		sum := sha256.Sum256(w.r.Data())
		first = sum[:16]
	}
	sum := sha256.Sum256(body)
	t.Set("ID", generic.Array{generic.NewHexString(first), generic.NewHexString(sum[:16])})
	return t
}

type subsection struct {
	start int
	nums  []int
}

func subsections(entries map[int]reader.XRefEntry) []subsection {
	nums := make([]int, 0, len(entries))
	for num := range entries {
		nums = append(nums, num)
	}
	sort.Ints(nums)

	var out []subsection
	for _, num := range nums {
		if n := len(out); n > 0 && out[n-1].start+len(out[n-1].nums) == num {
			out[n-1].nums = append(out[n-1].nums, num)
			continue
		}
		out = append(out, subsection{start: num, nums: []int{num}})
	}
	return out
}

func writeXRefTable(buf *bytes.Buffer, entries map[int]reader.XRefEntry, trailer *generic.Dictionary, xrefOffset int64) error {
	buf.WriteString("xref\n")
	for _, sub := range subsections(entries) {
		fmt.Fprintf(buf, "%d %d\n", sub.start, len(sub.nums))
		for _, num := range sub.nums {
			e := entries[num]
			kind := byte('n')
			if e.Type == reader.XRefTypeFree {
				kind = 'f'
			}
			fmt.Fprintf(buf, "%010d %05d %c \n", e.Offset, e.Generation, kind)
		}
	}
	buf.WriteString("trailer\n")
	if err := trailer.Write(buf); err != nil {
		return err
	}
	fmt.Fprintf(buf, "\nstartxref\n%d\n%%%%EOF\n", xrefOffset)
	return nil
}

func (w *IncrementalWriter) writeXRefStream(buf *bytes.Buffer, entries map[int]reader.XRefEntry, trailer *generic.Dictionary, xrefOffset int64) error {
	selfNum := w.next
	trailer.Set("Size", generic.Integer(selfNum+1))
	entries[selfNum] = reader.XRefEntry{Type: reader.XRefTypeStandard, Offset: xrefOffset}

	var maxField2, maxField3 int64
	for _, e := range entries {
		f2, f3 := xrefFields(e)
		if f2 > maxField2 {
			maxField2 = f2
		}
		if f3 > maxField3 {
			maxField3 = f3
		}
	}
	w2, w3 := bytesNeeded(maxField2), bytesNeeded(maxField3)

	var rows bytes.Buffer
	var index generic.Array
	for _, sub := range subsections(entries) {
		index = append(index, generic.Integer(sub.start), generic.Integer(len(sub.nums)))
		for _, num := range sub.nums {
			e := entries[num]
			f2, f3 := xrefFields(e)
			rows.WriteByte(byte(e.Type))
			putField(&rows, f2, w2)
			putField(&rows, f3, w3)
		}
	}

	dict := trailer.Copy()
	dict.Set("Type", generic.Name("XRef"))
	dict.Set("W", generic.Array{generic.Integer(1), generic.Integer(w2), generic.Integer(w3)})
	dict.Set("Index", index)
	stream := filters.NewFlateStream(dict, rows.Bytes())

	ind := &generic.IndirectObject{Num: selfNum, Object: stream}
	if err := ind.Write(buf); err != nil {
		return err
	}
	fmt.Fprintf(buf, "startxref\n%d\n%%%%EOF\n", xrefOffset)
	return nil
}

func xrefFields(e reader.XRefEntry) (int64, int64) {
	switch e.Type {
	case reader.XRefTypeInObjStream:
		return int64(e.StreamNum), int64(e.Index)
	case reader.XRefTypeStandard:
		return e.Offset, int64(e.Generation)
	}
	return 0, int64(e.Generation)
}

func bytesNeeded(v int64) int {
	n := 1
	for v > 0xFF {
		v >>= 8
		n++
	}
	return n
}

func putField(buf *bytes.Buffer, v int64, width int) {
	for i := width - 1; i >= 0; i-- {
		buf.WriteByte(byte(v >> (8 * i)))
	}
}
