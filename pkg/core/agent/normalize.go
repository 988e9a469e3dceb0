package agent

import (
	"encoding/json"
	"strings"
)

// record is the subset of a stream-json line the bridge cares about.
type record struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type assistantMessage struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"delta"`
}

// normalizer converts raw records of one call into events. It is not safe
// for concurrent use.
type normalizer struct {
	includePartial bool
	seen           map[string]struct{}
	finalText      string
}

func newNormalizer(includePartial bool) *normalizer {
	return &normalizer{includePartial: includePartial, seen: make(map[string]struct{})}
}

// normalize returns the events carried by one line and whether the line was
// the terminal result. Lines that are not JSON objects yield nothing.
func (n *normalizer) normalize(line []byte) ([]Event, bool) {
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, false
	}

	var out []Event
	if rec.SessionID != "" {
		if _, ok := n.seen[rec.SessionID]; !ok {
			n.seen[rec.SessionID] = struct{}{}
			out = append(out, Event{Kind: KindSessionID, SessionID: rec.SessionID})
		}
	}

	switch rec.Type {
	case "stream_event":
		if !n.includePartial || len(rec.Event) == 0 {
			return out, false
		}
		var ev streamEvent
		if err := json.Unmarshal(rec.Event, &ev); err != nil {
			return out, false
		}
		if ev.Type == "content_block_delta" && ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
			out = append(out, Event{Kind: KindPartialText, Delta: ev.Delta.Text})
		}

	case "assistant":
		var msg assistantMessage
		if len(rec.Message) > 0 {
			if err := json.Unmarshal(rec.Message, &msg); err != nil {
				return out, false
			}
		}
		ev := Event{Kind: KindAssistantMessage}
		var texts []string
		for _, block := range msg.Content {
			switch block.Type {
			case "tool_use":
				ev.HasToolUse = true
			case "text":
				if block.Text != "" {
					texts = append(texts, block.Text)
				}
			}
		}
		if !ev.HasToolUse {
			ev.Text = strings.Join(texts, "")
			if ev.Text != "" {
				n.finalText = ev.Text
			}
		}
		out = append(out, ev)

	case "result":
		text := n.finalText
		if text == "" && rec.Subtype == "success" && !rec.IsError {
			text = rec.Result
		}
		out = append(out, Event{Kind: KindResult, Text: text})
		return out, true
	}

	return out, false
}
