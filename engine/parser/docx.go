package parser

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/WessleyAI/rag-vault/engine/domain"
)

const docxBody = "word/document.xml"

// parseDOCX returns a single page-1 segment holding every paragraph of the
// main document part joined by newlines.
func parseDOCX(data []byte, sourceDocID string) ([]domain.Segment, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("docx: open: %w", err)
	}
	f, err := zr.Open(docxBody)
	if err != nil {
		return nil, fmt.Errorf("docx: %s: %w", docxBody, err)
	}
	defer f.Close()

	paras, err := docxParagraphs(f)
	if err != nil {
		return nil, err
	}
	return []domain.Segment{{
		Text:        strings.Join(paras, "\n"),
		PageNumber:  1,
		SourceDocID: sourceDocID,
	}}, nil
}

// docxParagraphs walks WordprocessingML and collects the text of each w:p.
// Tabs and breaks inside a run become \t and \n.
func docxParagraphs(r io.Reader) ([]string, error) {
	dec := xml.NewDecoder(r)
	var (
		paras  []string
		cur    strings.Builder
		inPara bool
		inText bool
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("docx: xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				inPara = true
				cur.Reset()
			case "t":
				inText = true
			case "tab":
				if inPara {
					cur.WriteByte('\t')
				}
			case "br", "cr":
				if inPara {
					cur.WriteByte('\n')
				}
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "p":
				paras = append(paras, cur.String())
				inPara = false
			case "t":
				inText = false
			}
		case xml.CharData:
			if inPara && inText {
				cur.Write(t)
			}
		}
	}
	return paras, nil
}
