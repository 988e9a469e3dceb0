// Package agent runs turns against the coding agent and normalizes its
// progress records into a small set of events.
package agent

// Kind tags an Event.
type Kind string

const (
	KindSessionID        Kind = "session-id"
	KindPartialText      Kind = "partial-text"
	KindAssistantMessage Kind = "assistant-message"
	KindResult           Kind = "result"
)

// ApologyText is the final text of a turn whose agent call failed.
const ApologyText = "Sorry, I hit an error. Try again."

// Event is the normalized form of one agent progress record.
//
// Only the fields relevant to Kind are set:
//   - KindSessionID: SessionID
//   - KindPartialText: Delta
//   - KindAssistantMessage: HasToolUse, Text (empty when HasToolUse)
//   - KindResult: Text, and Err when the turn failed
type Event struct {
	Kind       Kind
	SessionID  string
	Delta      string
	Text       string
	HasToolUse bool
	Err        error
}

// Query is one agent turn request.
type Query struct {
	Prompt           string
	WorkingDirectory string
	ResumeToken      string
	Model            string
	MaxTurns         int

	// IncludePartial asks for token-level partial-text events.
	IncludePartial bool
}
