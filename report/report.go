// Package report renders envelope status reports. The set of formats is
// closed: JSON, Text and XLSX.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/georgepadayatti/goesign/envelope"
)

// ErrUnknownFormat is returned by ParseFormat.
var ErrUnknownFormat = errors.New("unknown report format")

// Format is one of JSON, Text or XLSX.
type Format interface {
	// Name is the identifier accepted by ParseFormat.
	Name() string
	// ContentType is the MIME type of the rendered report.
	ContentType() string
	sealed()
}

// JSON renders the report as indented JSON.
type JSON struct{}

// Text renders aligned plain-text tables.
type Text struct{}

// XLSX renders a workbook with one sheet per table.
type XLSX struct{}

func (JSON) Name() string { return "json" }
func (JSON) ContentType() string { return "application/json" }
func (JSON) sealed() {}

func (Text) Name() string { return "text" }
func (Text) ContentType() string { return "text/plain; charset=utf-8" }
func (Text) sealed() {}

func (XLSX) Name() string { return "xlsx" }
func (XLSX) ContentType() string {
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}
func (XLSX) sealed() {}

// Formats lists every format.
func Formats() []Format { return []Format{JSON{}, Text{}, XLSX{}} }

// ParseFormat maps a format name, case-insensitively.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "json":
		return JSON{}, nil
	case "text", "txt":
		return Text{}, nil
	case "xlsx", "excel":
		return XLSX{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, name)
}

// Report is a point-in-time view of a set of envelopes.
type Report struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Totals      map[string]int    `json:"totals"`
	Envelopes   []EnvelopeSummary `json:"envelopes"`
}

// EnvelopeSummary is one envelope's row.
type EnvelopeSummary struct {
	ID                 string                 `json:"id"`
	Title              string                 `json:"title"`
	Reference          string                 `json:"reference,omitempty"`
	Status             envelope.Status        `json:"status"`
	Ordered            bool                   `json:"ordered"`
	SignersTotal       int                    `json:"signers_total"`
	SignersSigned      int                    `json:"signers_signed"`
	SignersDeclined    int                    `json:"signers_declined"`
	NextSigners        []string               `json:"next_signers,omitempty"`
	CurrentDocumentRef string                 `json:"current_document_ref"`
	HashAlgorithm      string                 `json:"hash_algorithm"`
	FinalDocumentHash  string                 `json:"final_document_hash,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
	CompletedAt        *time.Time             `json:"completed_at,omitempty"`
	Signers            []SignerSummary        `json:"signers"`
	AuditTrail         []envelope.AuditRecord `json:"audit_trail"`
	Verification       *envelope.Verification `json:"verification,omitempty"`
}

// SignerSummary is one signer's row.
type SignerSummary struct {
	ID            string                `json:"id"`
	Role          string                `json:"role"`
	DisplayName   string                `json:"display_name,omitempty"`
	Order         int                   `json:"order"`
	Status        envelope.SignerStatus `json:"status"`
	Completed     int                   `json:"fields_completed"`
	Required      int                   `json:"fields_required"`
	SignedAt      *time.Time            `json:"signed_at,omitempty"`
	DeclineReason string                `json:"decline_reason,omitempty"`
}

// Build summarizes envs. verifications, keyed by envelope ID, may be nil.
func Build(now time.Time, envs []*envelope.Envelope, verifications map[string]*envelope.Verification) *Report {
	r := &Report{GeneratedAt: now.UTC(), Totals: map[string]int{}, Envelopes: []EnvelopeSummary{}}
	for _, env := range envs {
		counts := env.Counts()
		s := EnvelopeSummary{
			ID:                 env.ID,
			Title:              env.Title,
			Reference:          env.Reference,
			Status:             env.Status,
			Ordered:            env.Ordered,
			SignersTotal:       len(env.Signers),
			SignersSigned:      counts[envelope.SignerSigned],
			SignersDeclined:    counts[envelope.SignerDeclined],
			CurrentDocumentRef: env.CurrentDocumentRef,
			HashAlgorithm:      env.HashAlgorithm,
			FinalDocumentHash:  env.FinalDocumentHash,
			CreatedAt:          env.CreatedAt,
			CompletedAt:        env.CompletedAt,
			AuditTrail:         env.AuditTrail,
			Verification:       verifications[env.ID],
		}
		if s.AuditTrail == nil {
			s.AuditTrail = []envelope.AuditRecord{}
		}
		for _, sg := range env.Signers {
			if env.Status == envelope.StatusInProgress && sg.Status == envelope.SignerPending && env.WaitingOn(sg) == nil {
				s.NextSigners = append(s.NextSigners, sg.ID)
			}
			s.Signers = append(s.Signers, SignerSummary{
				ID:            sg.ID,
				Role:          sg.Role,
				DisplayName:   sg.DisplayName,
				Order:         sg.Order,
				Status:        sg.Status,
				Completed:     len(sg.CompletedFieldLabels),
				Required:      len(sg.RequiredFieldLabels),
				SignedAt:      sg.SignedAt,
				DeclineReason: sg.DeclineReason,
			})
		}
		r.Totals[string(env.Status)]++
		r.Envelopes = append(r.Envelopes, s)
	}
	sort.SliceStable(r.Envelopes, func(i, j int) bool {
		a, b := r.Envelopes[i], r.Envelopes[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return r
}

// Render writes r to w in format f.
func Render(w io.Writer, f Format, r *Report) error {
	switch f.(type) {
	case JSON:
		return renderJSON(w, r)
	case Text:
		return renderText(w, r)
	case XLSX:
		return renderXLSX(w, r)
	}
	return fmt.Errorf("%w: %T", ErrUnknownFormat, f)
}

func renderJSON(w io.Writer, r *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func verified(v *envelope.Verification) string {
	switch {
	case v == nil:
		return "-"
	case v.Verified:
		return "ok"
	default:
		return "MISMATCH"
	}
}

func renderText(w io.Writer, r *Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Envelope report generated %s\n", r.GeneratedAt.Format(time.RFC3339))
	statuses := make([]string, 0, len(r.Totals))
	for st := range r.Totals {
		statuses = append(statuses, st)
	}
	sort.Strings(statuses)
	for _, st := range statuses {
		fmt.Fprintf(tw, "  %s:\t%d\n", st, r.Totals[st])
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "ID\tTITLE\tSTATUS\tSIGNED\tNEXT\tCOMPLETED\tVERIFIED")
	for _, e := range r.Envelopes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			e.ID, orDash(e.Title), e.Status, e.SignersSigned, e.SignersTotal,
			orDash(strings.Join(e.NextSigners, ",")), formatTime(e.CompletedAt), verified(e.Verification))
	}
	for _, e := range r.Envelopes {
		fmt.Fprintf(tw, "\nEnvelope %s\n", e.ID)
		fmt.Fprintln(tw, "  SIGNER\tROLE\tORDER\tSTATUS\tFIELDS\tSIGNED AT")
		for _, s := range e.Signers {
			fmt.Fprintf(tw, "  %s\t%s\t%d\t%s\t%d/%d\t%s\n",
				s.ID, s.Role, s.Order, s.Status, s.Completed, s.Required, formatTime(s.SignedAt))
		}
		if len(e.AuditTrail) > 0 {
			fmt.Fprintln(tw, "  EVENT\tSIGNER\tAT\tIP\tDOCUMENT HASH")
			for _, a := range e.AuditTrail {
				fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n",
					a.Event, orDash(a.SignerID), orDash(a.SignedAtISO), orDash(a.IPAddress), orDash(a.DocumentHashAtSigning))
			}
		}
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}
