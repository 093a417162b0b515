package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
)

const (
	sheetEnvelopes = "Envelopes"
	sheetSigners   = "Signers"
	sheetAudit     = "Audit trail"
)

type sheet struct {
	name   string
	header []string
	rows   [][]any
}

func renderXLSX(w io.Writer, r *Report) error {
	envelopes := sheet{name: sheetEnvelopes, header: []string{
		"Envelope ID", "Title", "Reference", "Status", "Ordered", "Signed", "Signers",
		"Created", "Completed", "Hash algorithm", "Final document hash", "Verified",
	}}
	signers := sheet{name: sheetSigners, header: []string{
		"Envelope ID", "Signer ID", "Role", "Name", "Order", "Status", "Fields completed", "Fields required", "Signed at", "Decline reason",
	}}
	audit := sheet{name: sheetAudit, header: []string{
		"Envelope ID", "Event", "Signer ID", "At", "IP address", "User agent", "Document hash", "Document ref", "Reason",
	}}
	for _, e := range r.Envelopes {
		envelopes.rows = append(envelopes.rows, []any{
			e.ID, e.Title, e.Reference, string(e.Status), e.Ordered, e.SignersSigned, e.SignersTotal,
			formatTime(&e.CreatedAt), formatTime(e.CompletedAt), e.HashAlgorithm, e.FinalDocumentHash, verified(e.Verification),
		})
		for _, s := range e.Signers {
			signers.rows = append(signers.rows, []any{
				e.ID, s.ID, s.Role, s.DisplayName, s.Order, string(s.Status), s.Completed, s.Required, formatTime(s.SignedAt), s.DeclineReason,
			})
		}
		for _, a := range e.AuditTrail {
			audit.rows = append(audit.rows, []any{
				e.ID, string(a.Event), a.SignerID, a.SignedAtISO, a.IPAddress, a.UserAgent, a.DocumentHashAtSigning, a.DocumentRef, a.Reason,
			})
		}
	}

	f := excelize.NewFile()
	defer f.Close()

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 11, Color: "FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"4472C4"}},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	for i, s := range []sheet{envelopes, signers, audit} {
		if i == 0 {
			if err := f.SetSheetName("Sheet1", s.name); err != nil {
				return fmt.Errorf("failed to rename sheet: %w", err)
			}
		} else if _, err := f.NewSheet(s.name); err != nil {
			return fmt.Errorf("failed to create sheet %s: %w", s.name, err)
		}
		if err := writeSheet(f, s, headerStyle); err != nil {
			return err
		}
	}
	f.SetActiveSheet(0)

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func writeSheet(f *excelize.File, s sheet, headerStyle int) error {
	header := make([]any, len(s.header))
	for i, h := range s.header {
		header[i] = h
	}
	if err := f.SetSheetRow(s.name, "A1", &header); err != nil {
		return fmt.Errorf("failed to write %s header: %w", s.name, err)
	}
	last, _ := excelize.CoordinatesToCellName(len(s.header), 1)
	if err := f.SetCellStyle(s.name, "A1", last, headerStyle); err != nil {
		return fmt.Errorf("failed to style %s header: %w", s.name, err)
	}
	for i, row := range s.rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(s.name, cell, &row); err != nil {
			return fmt.Errorf("failed to write %s row %d: %w", s.name, i+1, err)
		}
	}

	if err := f.SetPanes(s.name, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("failed to freeze %s header: %w", s.name, err)
	}
	lastCell, _ := excelize.CoordinatesToCellName(len(s.header), len(s.rows)+1)
	if err := f.AutoFilter(s.name, "A1:"+lastCell, nil); err != nil {
		return fmt.Errorf("failed to add %s filter: %w", s.name, err)
	}
	for i, h := range s.header {
		col, _ := excelize.ColumnNumberToName(i + 1)
		width := float64(len(h)) + 4
		switch {
		case strings.Contains(strings.ToLower(h), "hash"):
			width = 66
		case strings.HasSuffix(h, " ID"), strings.HasSuffix(h, " ref"):
			width = 38
		}
		if err := f.SetColWidth(s.name, col, col, width); err != nil {
			return fmt.Errorf("failed to size column %s of %s: %w", col, s.name, err)
		}
	}
	return nil
}
