package services

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf/v2"

	"github.com/MarkHenton/n8n-med-scribe/internal/domain"
)

type PDFService struct{}

func NewPDFService() *PDFService {
	return &PDFService{}
}

// GeneratePDF renders a lecture with its summary as bullet points followed by
// the full transcription.
func (s *PDFService) GeneratePDF(lecture domain.Lecture, discipline domain.Discipline, outPath string) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("ensure pdf directory: %w", err)
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle(tr(fmt.Sprintf("Aula %s", lecture.ID)), false)
	pdf.SetAuthor("MedScribe", false)
	pdf.AddPage()

	title := lecture.Title
	if strings.TrimSpace(title) == "" {
		title = "Aula"
	}

	pdf.SetFont("Helvetica", "B", 18)
	pdf.MultiCell(0, 9, tr(title), "", "L", false)
	pdf.Ln(3)

	pdf.SetFont("Helvetica", "", 12)
	disciplineName := strings.TrimSpace(discipline.Name)
	if disciplineName == "" {
		disciplineName = lecture.DisciplineID
	}
	pdf.Cell(0, 6, tr(fmt.Sprintf("Disciplina: %s", disciplineName)))
	pdf.Ln(6)

	createdAt := time.Unix(lecture.CreatedAt, 0).Local()
	pdf.Cell(0, 6, tr(fmt.Sprintf("Data: %s", createdAt.Format("02/01/2006 15:04"))))
	pdf.Ln(6)

	if lecture.DurationMs > 0 {
		pdf.Cell(0, 6, tr(fmt.Sprintf("Duração: %s", formatDuration(lecture.DurationMs))))
		pdf.Ln(6)
	}
	pdf.Ln(6)

	s.writeSection(pdf, tr, "Resumo", lecture.Summary, true)
	pdf.Ln(8)
	s.writeSection(pdf, tr, "Transcrição", strings.Join(transcriptLines(lecture), "\n"), false)

	if err := pdf.OutputFileAndClose(outPath); err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}

	return nil
}

func (s *PDFService) writeSection(pdf *gofpdf.Fpdf, tr func(string) string, title, content string, bullet bool) {
	pdf.SetFont("Helvetica", "B", 14)
	pdf.Cell(0, 8, tr(title))
	pdf.Ln(10)

	pdf.SetFont("Helvetica", "", 12)

	content = strings.TrimSpace(content)
	if content == "" {
		pdf.MultiCell(0, 6, "(vazio)", "", "L", false)
		return
	}

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		text := line
		if bullet {
			text = fmt.Sprintf("- %s", strings.TrimLeft(line, "-•* "))
		}
		pdf.MultiCell(0, 6, tr(text), "", "L", false)
	}
}

// transcriptLines returns one "[mm:ss] text" line per segment, or the plain
// transcription when the lecture has no segments.
func transcriptLines(lecture domain.Lecture) []string {
	if len(lecture.Segments) == 0 {
		return []string{lecture.Transcription}
	}

	lines := make([]string, 0, len(lecture.Segments))
	for _, seg := range lecture.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("[%s] %s", formatTimestamp(seg.StartMs), text))
	}
	return lines
}

func formatTimestamp(ms int64) string {
	total := ms / 1000
	h, m, sec := total/3600, (total/60)%60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, sec)
	}
	return fmt.Sprintf("%02d:%02d", m, sec)
}

func formatDuration(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	sec := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, sec)
	}
	return fmt.Sprintf("%dm%02ds", m, sec)
}
