package rag

import (
	"context"
	"iter"
	"strings"
	"sync"

	"github.com/WessleyAI/rag-vault/engine/catalog"
	"github.com/WessleyAI/rag-vault/engine/generate"
)

// Session is one chat connection bound to a collection. Questions are
// answered strictly one at a time; a second Ask blocks until the stream of
// the first has been fully consumed or abandoned.
type Session struct {
	svc          *Service
	collectionID string
	history      *catalog.Catalog

	mu sync.Mutex
}

// NewSession binds a session to collectionID. When history is non-nil, every
// question and answer is appended to it.
func (s *Service) NewSession(collectionID string, history *catalog.Catalog) *Session {
	return &Session{svc: s, collectionID: collectionID, history: history}
}

func (s *Session) CollectionID() string { return s.collectionID }

// Ask streams the answer to question like Service.Ask.
func (s *Session) Ask(ctx context.Context, question string) iter.Seq[generate.Event] {
	return func(yield func(generate.Event) bool) {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.record(ctx, generate.RoleUser, question, nil)

		var answer strings.Builder
		var sources []generate.Source
		for ev := range s.svc.Ask(ctx, s.collectionID, question) {
			switch ev.Kind {
			case generate.KindCitation:
				sources = ev.Sources
			case generate.KindToken:
				answer.WriteString(ev.Text)
			}
			if !yield(ev) {
				break
			}
		}
		if answer.Len() > 0 {
			s.record(ctx, generate.RoleAssistant, answer.String(), sources)
		}
	}
}

func (s *Session) record(ctx context.Context, role, content string, sources []generate.Source) {
	if s.history == nil || strings.TrimSpace(content) == "" {
		return
	}
	// The client may already be gone; the turn is still kept.
	if _, err := s.history.AppendMessage(context.WithoutCancel(ctx), s.collectionID, role, content, sources); err != nil {
		s.svc.logger.Warn("rag: saving chat message failed", "collection_id", s.collectionID, "role", role, "err", err)
	}
}
