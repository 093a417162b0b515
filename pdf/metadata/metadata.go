// Package metadata serializes XMP packets and PDF date strings.
package metadata

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
	"time"
)

// Vendor is written as the XMP toolkit name.
const Vendor = "goesign"

// Namespace URIs.
const (
	NSX     = "adobe:ns:meta/"
	NSRDF   = "http://www.w3.org/1999/02/22-rdf-syntax-ns#"
	NSDC    = "http://purl.org/dc/elements/1.1/"
	NSXMP   = "http://ns.adobe.com/xap/1.0/"
	NSPDF   = "http://ns.adobe.com/pdf/1.3/"
	NSAudit = "https://goesign.dev/ns/audit/1.0/"
)

var prefixes = map[string]string{
	NSRDF:   "rdf",
	NSDC:    "dc",
	NSXMP:   "xmp",
	NSPDF:   "pdf",
	NSAudit: "esig",
}

// ExpandedName is a namespace-qualified XML name.
type ExpandedName struct {
	NS        string
	LocalName string
}

func (e ExpandedName) String() string {
	if strings.HasSuffix(e.NS, "/") || strings.HasSuffix(e.NS, "#") {
		return e.NS + e.LocalName
	}
	return e.NS + "/" + e.LocalName
}

// Well-known properties.
var (
	DCTitle         = ExpandedName{NSDC, "title"}
	DCFormat        = ExpandedName{NSDC, "format"}
	XMPCreatorTool  = ExpandedName{NSXMP, "CreatorTool"}
	XMPModifyDate   = ExpandedName{NSXMP, "ModifyDate"}
	XMPMetadataDate = ExpandedName{NSXMP, "MetadataDate"}
	PDFProducer     = ExpandedName{NSPDF, "Producer"}

	AuditEnvelopeID   = ExpandedName{NSAudit, "envelopeId"}
	AuditDocumentHash = ExpandedName{NSAudit, "documentHash"}
	AuditHashAlg      = ExpandedName{NSAudit, "hashAlgorithm"}
	AuditTrail        = ExpandedName{NSAudit, "trail"}
)

// ArrayType selects the RDF container.
type ArrayType int

const (
	Ordered ArrayType = iota
	Unordered
	Alternative
)

func (t ArrayType) String() string {
	switch t {
	case Unordered:
		return "Bag"
	case Alternative:
		return "Alt"
	default:
		return "Seq"
	}
}

// Value holds one of string, URI, *Array or *Structure.
type Value struct {
	Value    any
	Language string
}

// Text returns a plain string value.
func Text(s string) *Value { return &Value{Value: s} }

// URI is serialized as an rdf:resource attribute.
type URI string

// Array is an RDF container.
type Array struct {
	Type    ArrayType
	Entries []*Value
}

type field struct {
	name  ExpandedName
	value *Value
}

// Structure is an ordered set of properties. Insertion order is kept so
// the serialized packet is stable.
type Structure struct {
	fields []field
}

func NewStructure() *Structure { return &Structure{} }

// Set adds or replaces a property.
func (s *Structure) Set(name ExpandedName, v *Value) {
	for i := range s.fields {
		if s.fields[i].name == name {
			s.fields[i].value = v
			return
		}
	}
	s.fields = append(s.fields, field{name, v})
}

// Get returns the property value or nil.
func (s *Structure) Get(name ExpandedName) *Value {
	for _, f := range s.fields {
		if f.name == name {
			return f.value
		}
	}
	return nil
}

// Len returns the number of properties.
func (s *Structure) Len() int { return len(s.fields) }

// Serialize writes a complete XMP packet with one rdf:Description per root.
func Serialize(roots ...*Structure) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("<?xpacket begin=\"\ufeff\" id=\"W5M0MpCehiHzreSzNTczkc9d\"?>\n")
	fmt.Fprintf(&buf, "<x:xmpmeta xmlns:x=%q x:xmptk=%q>\n", NSX, Vendor)
	fmt.Fprintf(&buf, "<rdf:RDF xmlns:rdf=%q>\n", NSRDF)
	for _, root := range roots {
		buf.WriteString(`<rdf:Description rdf:about=""`)
		for _, ns := range namespaces(root) {
			fmt.Fprintf(&buf, " xmlns:%s=%q", prefixes[ns], ns)
		}
		buf.WriteString(">\n")
		for _, f := range root.fields {
			if err := writeValue(&buf, f.name, f.value); err != nil {
				return nil, err
			}
		}
		buf.WriteString("</rdf:Description>\n")
	}
	buf.WriteString("</rdf:RDF>\n</x:xmpmeta>\n")
	buf.WriteString(`<?xpacket end="r"?>`)
	return buf.Bytes(), nil
}

func tag(name ExpandedName) (string, error) {
	p, ok := prefixes[name.NS]
	if !ok {
		return "", fmt.Errorf("xmp: unknown namespace %q", name.NS)
	}
	return p + ":" + name.LocalName, nil
}

func writeValue(buf *bytes.Buffer, name ExpandedName, v *Value) error {
	t, err := tag(name)
	if err != nil {
		return err
	}
	switch val := v.Value.(type) {
	case string:
		fmt.Fprintf(buf, "<%s%s>%s</%s>\n", t, langAttr(v.Language), escape(val), t)
	case URI:
		fmt.Fprintf(buf, "<%s rdf:resource=\"%s\"/>\n", t, escape(string(val)))
	case *Array:
		fmt.Fprintf(buf, "<%s>\n<rdf:%s>\n", t, val.Type)
		for _, e := range val.Entries {
			if err := writeItem(buf, e); err != nil {
				return err
			}
		}
		fmt.Fprintf(buf, "</rdf:%s>\n</%s>\n", val.Type, t)
	case *Structure:
		fmt.Fprintf(buf, "<%s rdf:parseType=\"Resource\">\n", t)
		for _, f := range val.fields {
			if err := writeValue(buf, f.name, f.value); err != nil {
				return err
			}
		}
		fmt.Fprintf(buf, "</%s>\n", t)
	default:
		return fmt.Errorf("xmp: unsupported value %T for %s", v.Value, t)
	}
	return nil
}

func writeItem(buf *bytes.Buffer, v *Value) error {
	switch val := v.Value.(type) {
	case string:
		fmt.Fprintf(buf, "<rdf:li%s>%s</rdf:li>\n", langAttr(v.Language), escape(val))
	case *Structure:
		buf.WriteString("<rdf:li rdf:parseType=\"Resource\">\n")
		for _, f := range val.fields {
			if err := writeValue(buf, f.name, f.value); err != nil {
				return err
			}
		}
		buf.WriteString("</rdf:li>\n")
	default:
		return fmt.Errorf("xmp: unsupported array entry %T", v.Value)
	}
	return nil
}

func langAttr(lang string) string {
	if lang == "" {
		return ""
	}
	return fmt.Sprintf(" xml:lang=\"%s\"", escape(lang))
}

func escape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

// namespaces lists the namespaces used below root in first-use order.
func namespaces(root *Structure) []string {
	var out []string
	seen := map[string]bool{NSRDF: true}
	var walk func(s *Structure)
	var walkValue func(v *Value)
	walkValue = func(v *Value) {
		switch val := v.Value.(type) {
		case *Structure:
			walk(val)
		case *Array:
			for _, e := range val.Entries {
				walkValue(e)
			}
		}
	}
	walk = func(s *Structure) {
		for _, f := range s.fields {
			if !seen[f.name.NS] {
				seen[f.name.NS] = true
				out = append(out, f.name.NS)
			}
			walkValue(f.value)
		}
	}
	walk(root)
	return out
}

// AuditEntry is one line of the audit trail as recorded in the packet.
type AuditEntry struct {
	Event        string
	SignerID     string
	SignedAt     time.Time
	IPAddress    string
	UserAgent    string
	DocumentHash string
	DocumentRef  string
}

// AuditPacket describes the finished document.
type AuditPacket struct {
	Title         string
	EnvelopeID    string
	HashAlgorithm string
	DocumentHash  string
	ModifiedAt    time.Time
	Entries       []AuditEntry
}

// Structure builds the XMP properties for the packet.
func (p AuditPacket) Structure() *Structure {
	root := NewStructure()
	root.Set(DCFormat, Text("application/pdf"))
	if p.Title != "" {
		root.Set(DCTitle, &Value{Value: &Array{Type: Alternative, Entries: []*Value{{Value: p.Title, Language: "x-default"}}}})
	}
	root.Set(XMPCreatorTool, Text(Vendor))
	root.Set(PDFProducer, Text(Vendor))
	if !p.ModifiedAt.IsZero() {
		ts := p.ModifiedAt.Format(time.RFC3339)
		root.Set(XMPModifyDate, Text(ts))
		root.Set(XMPMetadataDate, Text(ts))
	}
	root.Set(AuditEnvelopeID, Text(p.EnvelopeID))
	if p.DocumentHash != "" {
		root.Set(AuditHashAlg, Text(p.HashAlgorithm))
		root.Set(AuditDocumentHash, Text(p.DocumentHash))
	}

	trail := &Array{Type: Ordered}
	for _, e := range p.Entries {
		s := NewStructure()
		s.Set(ExpandedName{NSAudit, "event"}, Text(e.Event))
		s.Set(ExpandedName{NSAudit, "signerId"}, Text(e.SignerID))
		s.Set(ExpandedName{NSAudit, "signedAt"}, Text(e.SignedAt.UTC().Format(time.RFC3339)))
		if e.IPAddress != "" {
			s.Set(ExpandedName{NSAudit, "ipAddress"}, Text(e.IPAddress))
		}
		if e.UserAgent != "" {
			s.Set(ExpandedName{NSAudit, "userAgent"}, Text(e.UserAgent))
		}
		if e.DocumentHash != "" {
			s.Set(ExpandedName{NSAudit, "documentHash"}, Text(e.DocumentHash))
		}
		if e.DocumentRef != "" {
			s.Set(ExpandedName{NSAudit, "documentRef"}, Text(e.DocumentRef))
		}
		trail.Entries = append(trail.Entries, &Value{Value: s})
	}
	root.Set(AuditTrail, &Value{Value: trail})
	return root
}

// Bytes serializes the packet.
func (p AuditPacket) Bytes() ([]byte, error) {
	return Serialize(p.Structure())
}

// FormatPDFDate formats t as D:YYYYMMDDHHmmSSOHH'mm'.
func FormatPDFDate(t time.Time) string {
	_, offset := t.Zone()
	sign := '+'
	if offset < 0 {
		sign = '-'
		offset = -offset
	}
	if offset == 0 {
		return t.Format("D:20060102150405") + "Z"
	}
	return fmt.Sprintf("%s%c%02d'%02d'", t.Format("D:20060102150405"), sign, offset/3600, (offset%3600)/60)
}

// ParsePDFDate parses a PDF date string. Missing trailing components
// default to their minimum.
func ParsePDFDate(s string) (time.Time, error) {
	if !strings.HasPrefix(s, "D:") {
		return time.Time{}, fmt.Errorf("invalid PDF date %q: missing D: prefix", s)
	}
	s = strings.ReplaceAll(strings.TrimSuffix(s[2:], "'"), "'", "")
	layouts := []string{
		"20060102150405-0700",
		"20060102150405Z",
		"20060102150405",
		"200601021504",
		"2006010215",
		"20060102",
		"200601",
		"2006",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse PDF date %q", s)
}
