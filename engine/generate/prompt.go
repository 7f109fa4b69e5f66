package generate

import (
	"fmt"
	"strings"

	"github.com/WessleyAI/rag-vault/engine/domain"
	"github.com/WessleyAI/rag-vault/pkg/fn"
)

// RefusalPhrase is what the model must answer when the context is silent.
const RefusalPhrase = "I don't have that information in the Vault."

const systemPrompt = "You are a helpful assistant. Use the provided context to answer the user's question. " +
	"If the answer is not in the context, strictly say '" + RefusalPhrase + "'"

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BuildPrompt returns the system and user messages for a question grounded
// on chunks, in retrieval order.
func BuildPrompt(question string, chunks []domain.SearchResult) []Message {
	texts := fn.Map(chunks, func(c domain.SearchResult) string { return c.Text })
	return []Message{
		{Role: RoleSystem, Content: systemPrompt},
		{Role: RoleUser, Content: "Context:\n" + strings.Join(texts, "\n\n") + "\n\nQuestion: " + question},
	}
}

// Citations dedups chunk provenance by (source_doc_id, page_number), keeping
// first-appearance order.
func Citations(chunks []domain.SearchResult) []Source {
	sources := fn.Map(chunks, func(c domain.SearchResult) Source {
		doc := c.SourceDocID()
		if doc == "" {
			doc = "unknown"
		}
		name := c.Filename()
		if name == "" {
			name = fmt.Sprintf("doc-%s", doc)
		}
		return Source{SourceDocID: doc, PageNumber: c.PageNumber(), Filename: name}
	})
	type key struct {
		doc  string
		page int
	}
	return fn.UniqueBy(sources, func(s Source) key { return key{s.SourceDocID, s.PageNumber} })
}
