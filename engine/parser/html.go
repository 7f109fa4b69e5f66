package parser

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/WessleyAI/rag-vault/engine/domain"
)

// blockTags end a paragraph in the extracted text.
const blockTags = "p, div, section, article, li, tr, br, h1, h2, h3, h4, h5, h6, pre, blockquote"

// parseHTML returns the visible text of the body as a single page-1
// segment. Scripts, styles and navigation chrome are dropped and block
// elements are separated by blank lines so the chunker can split on them.
func parseHTML(data []byte, sourceDocID string) ([]domain.Segment, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(bytes.TrimPrefix(data, utf8BOM)))
	if err != nil {
		return nil, err
	}
	body := doc.Find("body")
	body.Find("script, style, noscript, template, nav, header, footer").Remove()
	body.Find(blockTags).Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n\n")
	})

	var paras []string
	for _, p := range strings.Split(body.Text(), "\n\n") {
		if p = strings.Join(strings.Fields(p), " "); p != "" {
			paras = append(paras, p)
		}
	}
	return []domain.Segment{{
		Text:        strings.Join(paras, "\n\n"),
		PageNumber:  1,
		SourceDocID: sourceDocID,
	}}, nil
}
