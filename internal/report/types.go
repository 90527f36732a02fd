// Package report renders a request's completion report as HTML or PDF.
package report

import "errors"

// Format is the report output format.
type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// Result is a rendered report.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrUnsupportedFormat is returned for formats other than html and pdf.
	ErrUnsupportedFormat = errors.New("report format unsupported")
	// ErrPDFDependencyMissing means no headless Chrome binary is installed.
	ErrPDFDependencyMissing = errors.New("report pdf dependency missing")
)

// ParseFormat maps a query value onto a Format. Empty means HTML.
func ParseFormat(value string) (Format, error) {
	switch Format(value) {
	case "", FormatHTML:
		return FormatHTML, nil
	case FormatPDF:
		return FormatPDF, nil
	default:
		return "", ErrUnsupportedFormat
	}
}
