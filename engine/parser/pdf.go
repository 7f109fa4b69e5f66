package parser

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/WessleyAI/rag-vault/engine/domain"
)

// parsePDF returns one segment per page that has extractable text, numbered
// from 1. The pdf reader panics on some malformed inputs, so panics are
// turned into errors.
func parsePDF(data []byte, sourceDocID string) (segs []domain.Segment, err error) {
	defer func() {
		if r := recover(); r != nil {
			segs, err = nil, fmt.Errorf("pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("pdf: open: %w", err)
	}

	n := r.NumPage()
	for i := 1; i <= n; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("pdf: page %d: %w", i, err)
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		segs = append(segs, domain.Segment{
			Text:        text,
			PageNumber:  i,
			SourceDocID: sourceDocID,
		})
	}
	return segs, nil
}
