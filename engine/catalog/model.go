package catalog

import (
	"encoding/json"
	"time"

	"github.com/WessleyAI/rag-vault/engine/generate"
)

// Status is the ingestion state of a document.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// Collection is a tenant: a named knowledge base.
type Collection struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Document is one uploaded file of a collection.
type Document struct {
	ID           string    `json:"id"`
	CollectionID string    `json:"collection_id"`
	Filename     string    `json:"filename"`
	FileType     string    `json:"file_type"`
	Status       Status    `json:"status"`
	TokenCount   int       `json:"token_count"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Message is one chat turn persisted for a collection.
type Message struct {
	ID           string            `json:"id"`
	CollectionID string            `json:"collection_id"`
	Role         string            `json:"role"`
	Content      string            `json:"content"`
	Sources      []generate.Source `json:"sources,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

func collectionToMap(c Collection) map[string]any {
	return map[string]any{
		"id":         c.ID,
		"name":       c.Name,
		"created_at": c.CreatedAt,
	}
}

func documentToMap(d Document) map[string]any {
	return map[string]any{
		"id":            d.ID,
		"collection_id": d.CollectionID,
		"filename":      d.Filename,
		"file_type":     d.FileType,
		"status":        string(d.Status),
		"token_count":   int64(d.TokenCount),
		"error":         d.Error,
		"created_at":    d.CreatedAt,
	}
}

// messageToMap stores sources as a JSON string property.
func messageToMap(m Message) map[string]any {
	sources := ""
	if len(m.Sources) > 0 {
		b, _ := json.Marshal(m.Sources)
		sources = string(b)
	}
	return map[string]any{
		"id":            m.ID,
		"collection_id": m.CollectionID,
		"role":          m.Role,
		"content":       m.Content,
		"sources":       sources,
		"created_at":    m.CreatedAt,
	}
}

func collectionFromProps(p map[string]any) Collection {
	return Collection{
		ID:        strProp(p, "id"),
		Name:      strProp(p, "name"),
		CreatedAt: timeProp(p, "created_at"),
	}
}

func documentFromProps(p map[string]any) Document {
	return Document{
		ID:           strProp(p, "id"),
		CollectionID: strProp(p, "collection_id"),
		Filename:     strProp(p, "filename"),
		FileType:     strProp(p, "file_type"),
		Status:       Status(strProp(p, "status")),
		TokenCount:   intProp(p, "token_count"),
		Error:        strProp(p, "error"),
		CreatedAt:    timeProp(p, "created_at"),
	}
}

func messageFromProps(p map[string]any) (Message, error) {
	m := Message{
		ID:           strProp(p, "id"),
		CollectionID: strProp(p, "collection_id"),
		Role:         strProp(p, "role"),
		Content:      strProp(p, "content"),
		CreatedAt:    timeProp(p, "created_at"),
	}
	if s := strProp(p, "sources"); s != "" {
		if err := json.Unmarshal([]byte(s), &m.Sources); err != nil {
			return Message{}, err
		}
	}
	return m, nil
}

func strProp(props map[string]any, key string) string {
	if s, ok := props[key].(string); ok {
		return s
	}
	return ""
}

func intProp(props map[string]any, key string) int {
	switch v := props[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// timeProp accepts native times and Unix nanoseconds.
func timeProp(props map[string]any, key string) time.Time {
	switch v := props[key].(type) {
	case time.Time:
		return v
	case int64:
		return time.Unix(0, v).UTC()
	}
	return time.Time{}
}
