// Package parser extracts ordered text segments from uploaded documents.
//
// The set of formats is closed: the file extension selects the PDF, DOCX,
// HTML or plain-text variant. Unsupported extensions fail before the content
// is read. Content that cannot be decoded yields a *domain.ParseError rather
// than an empty result, so callers can tell a corrupt upload from a document
// that simply contains no text.
package parser

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/WessleyAI/rag-vault/engine/domain"
)

// Kind identifies a parser variant.
type Kind int

const (
	KindPDF Kind = iota + 1
	KindDOCX
	KindText
	KindHTML
)

func (k Kind) String() string {
	switch k {
	case KindPDF:
		return "pdf"
	case KindDOCX:
		return "docx"
	case KindText:
		return "text"
	case KindHTML:
		return "html"
	default:
		return "unknown"
	}
}

var kindByExt = map[string]Kind{
	".pdf":      KindPDF,
	".docx":     KindDOCX,
	".txt":      KindText,
	".md":       KindText,
	".markdown": KindText,
	".html":     KindHTML,
	".htm":      KindHTML,
}

// KindFor maps a file name to its parser variant by extension.
func KindFor(filename string) (Kind, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	k, ok := kindByExt[ext]
	if !ok {
		return 0, &domain.UnsupportedFormatError{Ext: ext}
	}
	return k, nil
}

// Supported reports whether filename has a parser.
func Supported(filename string) bool {
	_, err := KindFor(filename)
	return err == nil
}

// FileType returns the lower-case extension without the dot, e.g. "pdf".
func FileType(filename string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
}

// Parse extracts segments from data. filename is only used to select the
// variant and in error messages.
func Parse(filename string, data []byte, sourceDocID string) ([]domain.Segment, error) {
	kind, err := KindFor(filename)
	if err != nil {
		return nil, err
	}
	var segs []domain.Segment
	switch kind {
	case KindPDF:
		segs, err = parsePDF(data, sourceDocID)
	case KindDOCX:
		segs, err = parseDOCX(data, sourceDocID)
	case KindText:
		segs, err = parseText(data, sourceDocID)
	case KindHTML:
		segs, err = parseHTML(data, sourceDocID)
	}
	if err != nil {
		return nil, &domain.ParseError{Filename: filepath.Base(filename), Wrapped: err}
	}
	return segs, nil
}

// ParseFile is Parse over a file on disk. The extension is checked before the
// file is opened.
func ParseFile(path, sourceDocID string) ([]domain.Segment, error) {
	if _, err := KindFor(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("parser: read %s: %w", path, err)
	}
	return Parse(path, data, sourceDocID)
}
