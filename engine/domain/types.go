// Package domain defines the core types, metadata keys, errors and validation
// shared by the ingestion and query pipelines. It acts as the validation gate
// in front of the vector store.
package domain

// Metadata keys stored alongside every indexed chunk.
const (
	KeyCollectionID = "collection_id"
	KeySourceDocID  = "source_doc_id"
	KeyPageNumber   = "page_number"
	KeyFilename     = "filename"
	KeyChunkIndex   = "chunk_index"
)

// Segment is a page- or document-level unit of raw extracted text.
type Segment struct {
	Text        string `json:"text"`
	PageNumber  int    `json:"page_number"`
	SourceDocID string `json:"source_doc_id"`
}

// ChunkMeta is the provenance carried by a chunk.
type ChunkMeta struct {
	SourceDocID string `json:"source_doc_id"`
	PageNumber  int    `json:"page_number"`
	Filename    string `json:"filename,omitempty"`
}

// Chunk is a bounded text fragment prepared for embedding.
type Chunk struct {
	Text     string    `json:"text"`
	Metadata ChunkMeta `json:"metadata"`
}

// IndexedEntry is the unit persisted by a vector store.
// Metadata[KeyCollectionID] is the tenant partition key and is mandatory.
type IndexedEntry struct {
	ID       string         `json:"id"`
	Vector   []float32      `json:"embedding"`
	Text     string         `json:"document_text"`
	Metadata map[string]any `json:"metadata"`
}

// CollectionID returns the tenant key of the entry, or "" if absent.
func (e IndexedEntry) CollectionID() string {
	s, _ := e.Metadata[KeyCollectionID].(string)
	return s
}

// SearchResult is a single nearest-neighbor hit. Lower Distance is closer.
type SearchResult struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
	Distance float32        `json:"distance"`
}

// CollectionID returns the tenant key of the hit.
func (r SearchResult) CollectionID() string {
	s, _ := r.Metadata[KeyCollectionID].(string)
	return s
}

// SourceDocID returns the originating document id of the hit.
func (r SearchResult) SourceDocID() string {
	s, _ := r.Metadata[KeySourceDocID].(string)
	return s
}

// PageNumber returns the page of the hit. Stores may hand numbers back as any
// integer or float kind, so all of them are accepted.
func (r SearchResult) PageNumber() int {
	switch v := r.Metadata[KeyPageNumber].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float32:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Filename returns the original upload name of the hit, or "" if unknown.
func (r SearchResult) Filename() string {
	s, _ := r.Metadata[KeyFilename].(string)
	return s
}
