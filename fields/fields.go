// Package fields defines signature field placements and the templates that
// group them into document layouts.
package fields

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/georgepadayatti/goesign/placement"
)

var (
	ErrDuplicateLabel   = errors.New("duplicate field label")
	ErrEmptyLabel       = errors.New("field label is empty")
	ErrEmptyRole        = errors.New("field role is empty")
	ErrUnknownFieldType = errors.New("unknown field type")
	ErrUnknownTemplate  = errors.New("unknown template")
)

// FieldType is what a signer supplies for a field.
type FieldType int

const (
	Signature FieldType = iota
	Initials
	Text
	Date
)

var fieldTypeNames = [...]string{"SIGNATURE", "INITIALS", "TEXT", "DATE"}

func (t FieldType) String() string {
	if t < 0 || int(t) >= len(fieldTypeNames) {
		return fmt.Sprintf("FieldType(%d)", int(t))
	}
	return fieldTypeNames[t]
}

// IsImage reports whether the field takes a drawn image.
func (t FieldType) IsImage() bool { return t == Signature || t == Initials }

func ParseFieldType(s string) (FieldType, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for i, name := range fieldTypeNames {
		if name == up {
			return FieldType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownFieldType, s)
}

func (t FieldType) MarshalText() ([]byte, error) {
	if t < 0 || int(t) >= len(fieldTypeNames) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFieldType, int(t))
	}
	return []byte(fieldTypeNames[t]), nil
}

func (t *FieldType) UnmarshalText(text []byte) error {
	v, err := ParseFieldType(string(text))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Placement is a labelled field on a page, owned by a signer role.
type Placement struct {
	placement.Rect `yaml:",inline"`

	Label    string    `json:"label" yaml:"label"`
	Role     string    `json:"role" yaml:"role"`
	Type     FieldType `json:"field_type" yaml:"field-type"`
	Required bool      `json:"required" yaml:"required"`
}

// NormalizeLabel trims and NFC-normalizes a label so that visually equal
// labels compare equal.
func NormalizeLabel(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// TemplateError reports an invalid placement in a template.
type TemplateError struct {
	Template string
	Label    string
	Err      error
}

func (e *TemplateError) Error() string {
	var b strings.Builder
	b.WriteString("invalid template")
	if e.Template != "" {
		fmt.Fprintf(&b, " %q", e.Template)
	}
	if e.Label != "" {
		fmt.Fprintf(&b, " field %q", e.Label)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *TemplateError) Unwrap() error { return e.Err }

// Validate checks every rect and rejects empty or duplicate labels.
func Validate(all []Placement) error {
	seen := make(map[string]bool, len(all))
	for _, p := range all {
		label := NormalizeLabel(p.Label)
		switch {
		case label == "":
			return &TemplateError{Err: ErrEmptyLabel}
		case strings.TrimSpace(p.Role) == "":
			return &TemplateError{Label: p.Label, Err: ErrEmptyRole}
		case p.Type < Signature || p.Type > Date:
			return &TemplateError{Label: p.Label, Err: fmt.Errorf("%w: %d", ErrUnknownFieldType, int(p.Type))}
		case seen[label]:
			return &TemplateError{Label: p.Label, Err: ErrDuplicateLabel}
		}
		seen[label] = true
		if err := p.Rect.Validate(); err != nil {
			return &TemplateError{Label: p.Label, Err: err}
		}
	}
	return nil
}

// PlacementsForRole returns the placements owned by role, in order.
func PlacementsForRole(all []Placement, role string) []Placement {
	var out []Placement
	for _, p := range all {
		if p.Role == role {
			out = append(out, p)
		}
	}
	return out
}

// Roles returns the distinct roles in first-appearance order.
func Roles(all []Placement) []string {
	var out []string
	seen := make(map[string]bool)
	for _, p := range all {
		if !seen[p.Role] {
			seen[p.Role] = true
			out = append(out, p.Role)
		}
	}
	return out
}

// Find returns the placement with the given label.
func Find(all []Placement, label string) (Placement, bool) {
	label = NormalizeLabel(label)
	for _, p := range all {
		if NormalizeLabel(p.Label) == label {
			return p, true
		}
	}
	return Placement{}, false
}

// RequiredLabels lists the required labels for role, or for every role
// when role is empty.
func RequiredLabels(all []Placement, role string) []string {
	var out []string
	for _, p := range all {
		if p.Required && (role == "" || p.Role == role) {
			out = append(out, p.Label)
		}
	}
	return out
}

// Validation is the outcome of a required-field check.
type Validation struct {
	Valid         bool     `json:"valid"`
	MissingLabels []string `json:"missing_labels"`
}

// ValidateRequired reports the required labels absent from completed,
// across all roles. Unknown completed labels are ignored.
func ValidateRequired(all []Placement, completed []string) Validation {
	return validate(all, "", completed)
}

// ValidateRequiredForRole is ValidateRequired restricted to one role.
func ValidateRequiredForRole(all []Placement, role string, completed []string) Validation {
	return validate(all, role, completed)
}

func validate(all []Placement, role string, completed []string) Validation {
	done := make(map[string]bool, len(completed))
	for _, l := range completed {
		done[NormalizeLabel(l)] = true
	}
	missing := []string{}
	for _, l := range RequiredLabels(all, role) {
		if !done[NormalizeLabel(l)] {
			missing = append(missing, l)
		}
	}
	return Validation{Valid: len(missing) == 0, MissingLabels: missing}
}
