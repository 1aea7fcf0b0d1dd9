package export

import (
	"fmt"
	"strings"
)

// Format is an output encoding for exported datasets.
type Format string

const (
	FormatCSV Format = "csv"
	FormatPDF Format = "pdf"
)

// ParseFormat accepts csv or pdf, case-insensitively. Empty defaults to csv.
func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatPDF:
		return FormatPDF, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", raw)
	}
}

// ContentType returns the MIME type for the format.
func (f Format) ContentType() string {
	if f == FormatPDF {
		return "application/pdf"
	}
	return "text/csv"
}

// Dataset defines tabular export content. Rows are keyed by header.
type Dataset struct {
	Headers []string
	Rows    []map[string]string
}

// Document is a rendered export ready to be streamed.
type Document struct {
	Filename    string
	ContentType string
	Body        []byte
}

// Render encodes data in format f. The title is used by formats that support one.
func Render(f Format, data Dataset, title string) (*Document, error) {
	var (
		body []byte
		err  error
	)
	switch f {
	case FormatCSV:
		body, err = NewCSVExporter().Render(data)
	case FormatPDF:
		body, err = NewPDFExporter().Render(data, title)
	default:
		return nil, fmt.Errorf("unsupported export format %q", f)
	}
	if err != nil {
		return nil, err
	}
	return &Document{ContentType: f.ContentType(), Body: body}, nil
}
