package generate

import (
	"encoding/json"
	"fmt"
)

// Kind tags a generation event.
type Kind string

const (
	KindCitation Kind = "citation"
	KindToken    Kind = "token"
	KindError    Kind = "error"
	KindDone     Kind = "done"
)

// Source is one deduplicated citation.
type Source struct {
	SourceDocID string `json:"source_doc_id"`
	PageNumber  int    `json:"page_number"`
	Filename    string `json:"filename"`
}

// Event is one message of a per-query stream. Sources is set for citations,
// Text for tokens and errors.
type Event struct {
	Kind    Kind
	Sources []Source
	Text    string
}

func Citation(sources []Source) Event { return Event{Kind: KindCitation, Sources: sources} }
func Token(text string) Event         { return Event{Kind: KindToken, Text: text} }
func Error(msg string) Event          { return Event{Kind: KindError, Text: msg} }
func Done() Event                     { return Event{Kind: KindDone} }

type wireEvent struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// MarshalJSON encodes the event as {"type": ..., "data": ...}. Done carries
// no data field and an empty citation list encodes as [].
func (e Event) MarshalJSON() ([]byte, error) {
	var data any
	switch e.Kind {
	case KindCitation:
		if e.Sources == nil {
			data = []Source{}
		} else {
			data = e.Sources
		}
	case KindToken, KindError:
		data = e.Text
	case KindDone:
		return json.Marshal(wireEvent{Type: KindDone})
	default:
		return nil, fmt.Errorf("generate: unknown event kind %q", e.Kind)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{Type: e.Kind, Data: raw})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*e = Event{Kind: w.Type}
	switch w.Type {
	case KindCitation:
		e.Sources = []Source{}
		if len(w.Data) > 0 {
			return json.Unmarshal(w.Data, &e.Sources)
		}
	case KindToken, KindError:
		if len(w.Data) > 0 {
			return json.Unmarshal(w.Data, &e.Text)
		}
	case KindDone:
	default:
		return fmt.Errorf("generate: unknown event type %q", w.Type)
	}
	return nil
}
