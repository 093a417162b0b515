package fields

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/georgepadayatti/goesign/placement"
)

// Roles used by the built-in templates.
const (
	RoleHomeowner  = "HOMEOWNER"
	RoleContractor = "CONTRACTOR"
	RoleWitness    = "WITNESS"
	RoleClient     = "CLIENT"
	RoleProvider   = "PROVIDER"
)

// Template is a named set of placements.
type Template struct {
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description" yaml:"description"`
	Placements  []Placement `json:"placements" yaml:"placements"`
}

// signatureBlock lays out signature, printed name and date stacked from the
// bottom of page 0, measured from anchor.
func signatureBlock(role, title string, anchor placement.Anchor, required bool) []Placement {
	rect := func(y, h float64) placement.Rect {
		return placement.Rect{PageIndex: 0, Anchor: anchor, XPct: 0.07, YPct: y, WPct: 0.35, HPct: h}
	}
	return []Placement{
		{Rect: rect(0.14, 0.06), Label: title + " Signature", Role: role, Type: Signature, Required: required},
		{Rect: rect(0.095, 0.03), Label: title + " Name", Role: role, Type: Text, Required: required},
		{Rect: rect(0.05, 0.03), Label: title + " Date", Role: role, Type: Date, Required: required},
	}
}

// DefaultPlacements is the homeowner/contractor layout: the homeowner block
// at the bottom left of the first page and the contractor block mirrored at
// the bottom right. Each call returns a fresh slice.
func DefaultPlacements() []Placement {
	out := signatureBlock(RoleHomeowner, "Homeowner", placement.BottomLeft, true)
	return append(out, signatureBlock(RoleContractor, "Contractor", placement.BottomRight, true)...)
}

func serviceAgreement() []Placement {
	out := signatureBlock(RoleClient, "Client", placement.BottomLeft, true)
	out = append(out, signatureBlock(RoleProvider, "Provider", placement.BottomRight, true)...)
	initials := func(role, label string, anchor placement.Anchor) Placement {
		return Placement{
			Rect:  placement.Rect{Anchor: anchor, XPct: 0.05, YPct: 0.03, WPct: 0.1, HPct: 0.04},
			Label: label, Role: role, Type: Initials, Required: true,
		}
	}
	// Initials sit above the footer, clear of the signature blocks.
	in := []Placement{
		initials(RoleClient, "Client Initials", placement.TopLeft),
		initials(RoleProvider, "Provider Initials", placement.TopRight),
	}
	return append(out, in...)
}

func changeOrder() []Placement {
	out := signatureBlock(RoleHomeowner, "Homeowner", placement.BottomLeft, true)
	out = append(out, signatureBlock(RoleContractor, "Contractor", placement.BottomRight, true)...)
	witness := []Placement{
		{
			Rect:  placement.Rect{Anchor: placement.BottomLeft, XPct: 0.3, YPct: 0.22, WPct: 0.4, HPct: 0.05},
			Label: "Witness Signature", Role: RoleWitness, Type: Signature,
		},
		{
			Rect:  placement.Rect{Anchor: placement.BottomLeft, XPct: 0.3, YPct: 0.2, WPct: 0.4, HPct: 0.02},
			Label: "Witness Name", Role: RoleWitness, Type: Text,
		},
	}
	return append(out, witness...)
}

var builtins = []func() Template{
	func() Template {
		return Template{Name: "default", Description: "Homeowner and contractor blocks on the first page", Placements: DefaultPlacements()}
	},
	func() Template {
		return Template{Name: "service-agreement", Description: "Client and provider blocks with initials", Placements: serviceAgreement()}
	},
	func() Template {
		return Template{Name: "change-order", Description: "Homeowner and contractor blocks with an optional witness", Placements: changeOrder()}
	},
}

// Registry holds templates by name. The zero value is not usable; use
// NewRegistry.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewRegistry returns a registry preloaded with the built-in templates.
func NewRegistry() *Registry {
	r := &Registry{templates: make(map[string]Template)}
	for _, b := range builtins {
		t := b()
		r.templates[t.Name] = t
	}
	return r
}

// Register validates t and adds it, replacing any template of that name.
func (r *Registry) Register(t Template) error {
	if t.Name == "" {
		return &TemplateError{Err: fmt.Errorf("template name is empty")}
	}
	if err := Validate(t.Placements); err != nil {
		if te, ok := err.(*TemplateError); ok {
			te.Template = t.Name
		}
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.Name] = cloneTemplate(t)
	return nil
}

// Lookup returns a copy of the named template.
func (r *Registry) Lookup(name string) (Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[name]
	if !ok {
		return Template{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}
	return cloneTemplate(t), nil
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.templates))
	for n := range r.templates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LoadFile registers the templates in a YAML file.
func (r *Registry) LoadFile(path string) ([]Template, error) {
	ts, err := LoadTemplateFile(path)
	if err != nil {
		return nil, err
	}
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return ts, nil
}

func cloneTemplate(t Template) Template {
	t.Placements = append([]Placement(nil), t.Placements...)
	return t
}

var builtinRegistry = NewRegistry()

// Lookup returns a built-in template.
func Lookup(name string) (Template, error) { return builtinRegistry.Lookup(name) }

// Names lists the built-in templates.
func Names() []string { return builtinRegistry.Names() }

type templateFile struct {
	Templates []Template `yaml:"templates"`
}

// ParseTemplates decodes YAML holding either a single template or a
// "templates" list, and validates each one.
func ParseTemplates(data []byte) ([]Template, error) {
	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}
	if len(file.Templates) == 0 {
		var single Template
		if err := yaml.Unmarshal(data, &single); err != nil {
			return nil, fmt.Errorf("failed to parse template: %w", err)
		}
		file.Templates = []Template{single}
	}
	for _, t := range file.Templates {
		if t.Name == "" {
			return nil, &TemplateError{Err: fmt.Errorf("template name is empty")}
		}
		if err := Validate(t.Placements); err != nil {
			if te, ok := err.(*TemplateError); ok {
				te.Template = t.Name
			}
			return nil, err
		}
	}
	return file.Templates, nil
}

// LoadTemplateFile reads templates from a YAML file.
func LoadTemplateFile(path string) ([]Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template file: %w", err)
	}
	return ParseTemplates(data)
}
