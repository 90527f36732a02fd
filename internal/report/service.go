package report

import (
	"context"
	"fmt"
	"time"

	"helpdesk/api/internal/workflow"
)

// Service renders completion reports.
type Service struct {
	print PrintFunc
	now   func() time.Time
}

// NewService returns a Service. A nil print function uses headless Chrome.
func NewService(printer PrintFunc) *Service {
	if printer == nil {
		printer = ChromePrint
	}
	return &Service{print: printer, now: func() time.Time { return time.Now().UTC() }}
}

// Render produces the report for st in the requested format.
func (s *Service) Render(ctx context.Context, st workflow.RequestState, format Format) (*Result, error) {
	html, err := renderHTML(st, s.now())
	if err != nil {
		return nil, err
	}
	base := filename(st)
	switch format {
	case FormatHTML:
		return &Result{Data: []byte(html), Filename: base + ".html", MimeType: "text/html; charset=utf-8"}, nil
	case FormatPDF:
		pdf, err := s.print(ctx, html)
		if err != nil {
			return nil, fmt.Errorf("print report: %w", err)
		}
		return &Result{Data: pdf, Filename: base + ".pdf", MimeType: "application/pdf"}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// filename builds a safe file name from the request id and title.
func filename(st workflow.RequestState) string {
	out := make([]rune, 0, 60)
	for _, r := range st.RequestID + "-" + st.Payload.Title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		case r == ' ':
			out = append(out, '-')
		}
		if len(out) >= 60 {
			break
		}
	}
	if len(out) == 0 {
		return "request"
	}
	return string(out)
}
