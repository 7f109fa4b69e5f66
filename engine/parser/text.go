package parser

import (
	"bytes"
	"errors"
	"unicode/utf8"

	"github.com/WessleyAI/rag-vault/engine/domain"
)

var errInvalidUTF8 = errors.New("text: content is not valid UTF-8")

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// parseText returns the whole file as a single page-1 segment.
func parseText(data []byte, sourceDocID string) ([]domain.Segment, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		return nil, errInvalidUTF8
	}
	return []domain.Segment{{
		Text:        string(data),
		PageNumber:  1,
		SourceDocID: sourceDocID,
	}}, nil
}
