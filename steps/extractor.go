package steps

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFExtractor pulls plain text out of PDF bytes page by page. Non-PDF input
// is passed through as-is so plain-text documents index without conversion.
type PDFExtractor struct{}

// NewPDFExtractor returns the default extractor.
func NewPDFExtractor() *PDFExtractor {
	return &PDFExtractor{}
}

func (e *PDFExtractor) Extract(_ context.Context, data []byte) (string, int, error) {
	if !isPDF(data, "") {
		return string(data), 1, nil
	}

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", 0, fmt.Errorf("open pdf: %w", err)
	}

	totalPages := reader.NumPage()
	var sb strings.Builder
	for pageIndex := 1; pageIndex <= totalPages; pageIndex++ {
		p := reader.Page(pageIndex)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return "", 0, fmt.Errorf("extract text from page %d: %w", pageIndex, err)
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}

	return sb.String(), totalPages, nil
}
