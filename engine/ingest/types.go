package ingest

import (
	"strconv"
	"strings"

	"github.com/WessleyAI/rag-vault/engine/domain"
)

// Request is one document to index into a collection. Content comes from
// Data, or from Path when the upload was spooled to disk.
type Request struct {
	CollectionID string `json:"collection_id"`
	DocumentID   string `json:"document_id"`
	Filename     string `json:"filename"`
	Data         []byte `json:"data,omitempty"`
	Path         string `json:"path,omitempty"`
}

func (r Request) validate() error {
	switch {
	case strings.TrimSpace(r.CollectionID) == "":
		return domain.NewValidationError(domain.KeyCollectionID, r.CollectionID, domain.ErrMissingTenant)
	case strings.TrimSpace(r.DocumentID) == "":
		return domain.NewValidationError(domain.KeySourceDocID, r.DocumentID, domain.ErrMissingID)
	case r.Data == nil && r.Path == "":
		return domain.NewValidationError("data", r.Filename, errNoContent)
	}
	return nil
}

// Report summarizes an indexed document.
type Report struct {
	DocumentID string `json:"document_id"`
	Chunks     int    `json:"chunks"`
	// Characters approximates the token count of the document.
	Characters int `json:"characters"`
}

type parsedDoc struct {
	Request
	Segments []domain.Segment
}

type chunkedDoc struct {
	Request
	Chunks []domain.Chunk
}

type embeddedDoc struct {
	chunkedDoc
	Vectors [][]float32
}

// EntryID names the n-th chunk of a document in the vector store.
func EntryID(docID string, n int) string {
	return docID + "_" + strconv.Itoa(n)
}
