package render

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/phpdave11/gofpdf"

	"github.com/JakeFAU/osint-shield/internal/forensic"
	"github.com/JakeFAU/osint-shield/internal/pipeline"
)

const (
	maxEvidenceRows = 200
	maxNoteChars    = 4000
)

// PDF renders a human-readable forensic report with gofpdf core fonts.
type PDF struct {
	// Title overrides the document heading.
	Title string
}

// Name implements forensic.Renderer.
func (PDF) Name() string { return "pdf" }

// ContentType implements forensic.Renderer.
func (PDF) ContentType() string { return "application/pdf" }

// Extension implements forensic.Renderer.
func (PDF) Extension() string { return "pdf" }

// Render lays out the case, its evidence and analysis, and prints the digest
// in the footer of every page.
func (p PDF) Render(snap forensic.Snapshot, _ []byte, digest string) ([]byte, error) {
	title := p.Title
	if title == "" {
		title = "OSINT Shield - Forensic Report"
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(14, 14, 14)
	pdf.SetAutoPageBreak(true, 18)
	pdf.SetTitle(title, false)
	pdf.SetCreator("osint-shield "+snap.EngineVersion, false)
	if ts, err := time.Parse("2006-01-02T15:04:05", strings.SplitN(snap.GeneratedAt, ".", 2)[0]); err == nil {
		pdf.SetCreationDate(ts)
	}
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	text := func(s string) string {
		s = strings.NewReplacer("\r", " ", "\t", " ").Replace(s)
		return tr(s)
	}

	pdf.SetFooterFunc(func() {
		pdf.SetY(-12)
		pdf.SetFont("Helvetica", "", 7)
		pdf.SetTextColor(110, 110, 110)
		pdf.CellFormat(0, 4, fmt.Sprintf("SHA-256 %s  |  page %d", digest, pdf.PageNo()), "", 0, "C", false, 0, "")
	})
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 9, text(title), "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	pdf.SetTextColor(60, 60, 60)
	pdf.CellFormat(0, 5, fmt.Sprintf("Generated at %s UTC  |  snapshot %s  |  engine %s",
		snap.GeneratedAt, snap.SnapshotVersion, text(snap.EngineVersion)), "", 1, "L", false, 0, "")
	pdf.Ln(3)

	alert := snap.Data.Alert
	section(pdf, "1. Case")
	kv(pdf, text, "Case UUID", alert.UUID)
	kv(pdf, text, "Target", alert.URL)
	kv(pdf, text, "Source", alert.SourceType)
	kv(pdf, text, "Status", alert.StatusAtSnapshot)
	kv(pdf, text, "Risk score", fmt.Sprintf("%d/100 (%s)", alert.RiskScore, riskLevel(alert.RiskScore)))
	kv(pdf, text, "Created", deref(alert.CreatedAt))
	kv(pdf, text, "Updated", deref(alert.UpdatedAt))
	pdf.Ln(2)

	section(pdf, "2. Analysis")
	if a := snap.Data.Analysis; a == nil {
		empty(pdf)
	} else {
		cats := append(a.Categories[:0:0], a.Categories...)
		sort.SliceStable(cats, func(i, j int) bool { return cats[i].Weight > cats[j].Weight })
		for _, c := range cats {
			line := fmt.Sprintf("%s (+%d)", c.Name, c.Weight)
			if len(c.Matches) > 0 {
				line += ": " + strings.Join(c.Matches, ", ")
			}
			bullet(pdf, text(line))
		}
		for _, e := range a.Entities {
			bullet(pdf, text(fmt.Sprintf("%s [%s]", e.Text, e.Label)))
		}
		for _, x := range a.Explanations {
			bullet(pdf, text(x))
		}
		if len(cats)+len(a.Entities)+len(a.Explanations) == 0 {
			empty(pdf)
		}
	}
	pdf.Ln(2)

	section(pdf, "3. Evidence")
	if len(snap.Data.Evidences) == 0 {
		empty(pdf)
	}
	for i, e := range snap.Data.Evidences {
		if i == maxEvidenceRows {
			bullet(pdf, fmt.Sprintf("... %d more evidence rows in the snapshot", len(snap.Data.Evidences)-i))
			break
		}
		pdf.SetFont("Helvetica", "B", 10)
		pdf.SetTextColor(20, 20, 20)
		pdf.MultiCell(0, 5, text(fmt.Sprintf("#%d %s | %s | %s", e.ID, e.Type, e.Status, deref(e.CapturedAt))), "", "L", false)
		pdf.SetFont("Courier", "", 8)
		pdf.SetTextColor(40, 40, 40)
		pdf.MultiCell(0, 4, "sha256: "+e.FileHash, "", "L", false)
		pdf.SetFont("Helvetica", "", 9)
		pdf.MultiCell(0, 4.5, text("path: "+e.FilePath), "", "L", false)
		if e.ContentPreview != "" {
			pdf.MultiCell(0, 4.5, text("preview: "+e.ContentPreview), "", "L", false)
		}
		pdf.Ln(1)
	}
	pdf.Ln(2)

	section(pdf, "4. Analyst notes")
	note := strings.TrimSpace(alert.AnalysisNote)
	if note == "" {
		empty(pdf)
	} else {
		if truncated := pipeline.Truncate(note, maxNoteChars); truncated != note {
			note = truncated + " ..."
		}
		pdf.SetFont("Helvetica", "", 9)
		pdf.SetTextColor(30, 30, 30)
		pdf.MultiCell(0, 4.5, text(note), "", "L", false)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func section(pdf *gofpdf.Fpdf, title string) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.SetTextColor(0, 0, 0)
	pdf.CellFormat(0, 7, title, "", 1, "L", false, 0, "")
	pdf.SetDrawColor(200, 200, 200)
	pdf.Line(pdf.GetX(), pdf.GetY(), 196, pdf.GetY())
	pdf.Ln(2)
}

func kv(pdf *gofpdf.Fpdf, text func(string) string, key, value string) {
	if strings.TrimSpace(value) == "" {
		value = "-"
	}
	pdf.SetFont("Helvetica", "B", 10)
	pdf.SetTextColor(30, 30, 30)
	pdf.CellFormat(32, 5.2, key+":", "", 0, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	pdf.SetTextColor(20, 20, 20)
	pdf.MultiCell(0, 5.2, text(value), "", "L", false)
}

func bullet(pdf *gofpdf.Fpdf, line string) {
	pdf.SetFont("Helvetica", "", 9)
	pdf.SetTextColor(30, 30, 30)
	pdf.MultiCell(0, 4.5, "- "+line, "", "L", false)
}

func empty(pdf *gofpdf.Fpdf) {
	pdf.SetFont("Helvetica", "I", 9)
	pdf.SetTextColor(90, 90, 90)
	pdf.MultiCell(0, 5, "(none)", "", "L", false)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func riskLevel(score int) string {
	switch {
	case score >= 65:
		return "HIGH"
	case score >= 35:
		return "MEDIUM"
	default:
		return "LOW"
	}
}
