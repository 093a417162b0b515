package reader

import (
	"fmt"

	"github.com/georgepadayatti/goesign/pdf/generic"
)

// LetterSize is used when neither a page nor its ancestors carry /MediaBox.
var LetterSize = generic.Rectangle{URX: 612, URY: 792}

// maxPages bounds the page tree walk.
const maxPages = 100000

// Page is a leaf of the page tree with inherited attributes applied.
type Page struct {
	Index int
	Ref   generic.Reference
	// Dict is the page dictionary as stored in the file.
	Dict     *generic.Dictionary
	MediaBox generic.Rectangle
	CropBox  generic.Rectangle
	Rotate   int
	// Resources is the effective resource entry, possibly inherited. It may
	// be a reference or a direct dictionary, or nil.
	Resources generic.Object
}

// Width and Height return the unrotated MediaBox size.
func (p Page) Width() float64  { return p.MediaBox.Width() }
func (p Page) Height() float64 { return p.MediaBox.Height() }

type inherited struct {
	mediaBox  generic.Object
	cropBox   generic.Object
	resources generic.Object
	rotate    generic.Object
}

func (in inherited) with(d *generic.Dictionary) inherited {
	if v := d.Get("MediaBox"); v != nil {
		in.mediaBox = v
	}
	if v := d.Get("CropBox"); v != nil {
		in.cropBox = v
	}
	if v := d.Get("Resources"); v != nil {
		in.resources = v
	}
	if v := d.Get("Rotate"); v != nil {
		in.rotate = v
	}
	return in
}

func (r *Reader) loadPages() error {
	ref, ok := r.root.Get("Pages").(generic.Reference)
	if !ok {
		return fmt.Errorf("%w: catalog has no /Pages reference", ErrInvalidPDF)
	}
	visited := make(map[int]bool)
	if err := r.walkPages(ref, inherited{}, visited, 0); err != nil {
		return err
	}
	return nil
}

func (r *Reader) walkPages(ref generic.Reference, in inherited, visited map[int]bool, depth int) error {
	if visited[ref.Num] {
		return fmt.Errorf("%w: page tree cycle at object %d", ErrInvalidPDF, ref.Num)
	}
	if depth > 64 || len(r.pages) > maxPages {
		return fmt.Errorf("%w: page tree too large", ErrInvalidPDF)
	}
	visited[ref.Num] = true

	node, err := r.ResolveDict(ref)
	if err != nil {
		return fmt.Errorf("page tree node %d: %w", ref.Num, err)
	}
	in = in.with(node)

	kidsObj, err := r.Resolve(node.Get("Kids"))
	if err != nil {
		return err
	}
	kids, isTree := kidsObj.(generic.Array)
	if node.GetName("Type") == "Page" || (!isTree && node.GetName("Type") != "Pages") {
		page, err := r.newPage(ref, node, in)
		if err != nil {
			return err
		}
		r.pages = append(r.pages, page)
		return nil
	}

	for _, kid := range kids {
		kidRef, ok := kid.(generic.Reference)
		if !ok {
			continue
		}
		if err := r.walkPages(kidRef, in, visited, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) newPage(ref generic.Reference, dict *generic.Dictionary, in inherited) (Page, error) {
	page := Page{
		Index:     len(r.pages),
		Ref:       ref,
		Dict:      dict,
		MediaBox:  LetterSize,
		Resources: in.resources,
	}
	if box, ok := r.rectangle(in.mediaBox); ok {
		page.MediaBox = box
	}
	page.CropBox = page.MediaBox
	if box, ok := r.rectangle(in.cropBox); ok {
		page.CropBox = box
	}
	if v, err := r.Resolve(in.rotate); err == nil {
		if n, ok := v.(generic.Integer); ok {
			page.Rotate = normalizeRotation(int(n))
		}
	}
	return page, nil
}

func (r *Reader) rectangle(obj generic.Object) (generic.Rectangle, bool) {
	if obj == nil {
		return generic.Rectangle{}, false
	}
	v, err := r.Resolve(obj)
	if err != nil {
		return generic.Rectangle{}, false
	}
	arr, ok := v.(generic.Array)
	if !ok {
		return generic.Rectangle{}, false
	}
	resolved := make(generic.Array, len(arr))
	for i, item := range arr {
		if resolved[i], err = r.Resolve(item); err != nil {
			return generic.Rectangle{}, false
		}
	}
	rect, err := generic.RectangleFromArray(resolved)
	if err != nil || rect.Width() <= 0 || rect.Height() <= 0 {
		return generic.Rectangle{}, false
	}
	return rect, true
}

func normalizeRotation(deg int) int {
	deg %= 360
	if deg < 0 {
		deg += 360
	}
	return deg / 90 * 90
}

// PageCount returns the number of pages.
func (r *Reader) PageCount() int { return len(r.pages) }

// Page returns the page at a zero-based index.
func (r *Reader) Page(index int) (Page, error) {
	if index < 0 || index >= len(r.pages) {
		return Page{}, fmt.Errorf("%w: index %d of %d", ErrPageNotFound, index, len(r.pages))
	}
	return r.pages[index], nil
}

// Pages returns all pages in document order.
func (r *Reader) Pages() []Page {
	return append([]Page(nil), r.pages...)
}
