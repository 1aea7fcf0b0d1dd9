package export

import (
	"bytes"
	"fmt"

	"github.com/jung-kurt/gofpdf"
)

const (
	pdfPageWidth = 277.0
	pdfMinColumn = 12.0
)

// PDFExporter renders datasets as a landscape table, sizing columns by content width.
type PDFExporter struct{}

// NewPDFExporter constructs a PDF exporter.
func NewPDFExporter() *PDFExporter {
	return &PDFExporter{}
}

// Render creates a PDF document with an optional title and table body.
func (e *PDFExporter) Render(data Dataset, title string) ([]byte, error) {
	if len(data.Headers) == 0 {
		return nil, fmt.Errorf("pdf requires at least one header")
	}
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetMargins(10, 12, 10)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	if title != "" {
		pdf.SetFont("Helvetica", "B", 13)
		pdf.CellFormat(0, 9, tr(title), "", 1, "L", false, 0, "")
		pdf.Ln(3)
	}

	pdf.SetFont("Helvetica", "", 8)
	widths := columnWidths(pdf, data)

	pdf.SetFont("Helvetica", "B", 9)
	pdf.SetFillColor(230, 230, 230)
	for i, h := range data.Headers {
		pdf.CellFormat(widths[i], 7, tr(h), "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 8)
	for _, row := range data.Rows {
		for i, h := range data.Headers {
			pdf.CellFormat(widths[i], 6, tr(truncate(pdf, row[h], widths[i])), "1", 0, "", false, 0, "")
		}
		pdf.Ln(-1)
	}

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func columnWidths(pdf *gofpdf.Fpdf, data Dataset) []float64 {
	widths := make([]float64, len(data.Headers))
	total := 0.0
	for i, h := range data.Headers {
		w := pdf.GetStringWidth(h) + 4
		for _, row := range data.Rows {
			if cw := pdf.GetStringWidth(row[h]) + 4; cw > w {
				w = cw
			}
		}
		if w < pdfMinColumn {
			w = pdfMinColumn
		}
		widths[i] = w
		total += w
	}
	if total > pdfPageWidth {
		scale := pdfPageWidth / total
		for i := range widths {
			widths[i] *= scale
		}
	}
	return widths
}

func truncate(pdf *gofpdf.Fpdf, s string, width float64) string {
	if pdf.GetStringWidth(s)+2 <= width {
		return s
	}
	runes := []rune(s)
	for len(runes) > 0 && pdf.GetStringWidth(string(runes)+"...")+2 > width {
		runes = runes[:len(runes)-1]
	}
	return string(runes) + "..."
}
