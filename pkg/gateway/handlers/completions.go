package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vango-go/voicebridge/pkg/core"
	"github.com/vango-go/voicebridge/pkg/core/agent"
	"github.com/vango-go/voicebridge/pkg/core/conversation"
	"github.com/vango-go/voicebridge/pkg/core/transcript"
	"github.com/vango-go/voicebridge/pkg/core/voice"
	"github.com/vango-go/voicebridge/pkg/gateway/live/session"
	"github.com/vango-go/voicebridge/pkg/gateway/metrics"
	"github.com/vango-go/voicebridge/pkg/gateway/mw"
	"github.com/vango-go/voicebridge/pkg/gateway/sse"
)

const (
	// CompletionModel is the model name reported to completion callers.
	CompletionModel = "athena"

	// toolFiller is streamed once when the agent starts using tools before
	// any text, so a downstream speaker has something to say.
	toolFiller = "... "

	maxCompletionBodyBytes = 4 << 20
)

// CompletionsHandler serves POST /v1/chat/completions on top of the agent.
type CompletionsHandler struct {
	Agent       session.Agent
	Store       conversation.Store
	Transcripts *transcript.Logger
	Metrics     *metrics.Metrics
	Logger      *slog.Logger

	AgentModel       string
	MaxTurns         int
	WorkingDirectory string

	// Now is used for ids and timestamps. Nil means time.Now.
	Now func() time.Time
}

type completionRequest struct {
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
	UserID   string        `json:"user_id,omitempty"`
}

type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// text flattens a string or an array of text parts.
func (m chatMessage) text() string {
	if len(m.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var parts []contentPart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return ""
	}
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Type == "text" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, " ")
}

type completionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
	Usage   completionUsage    `json:"usage"`
}

type completionChoice struct {
	Index        int              `json:"index"`
	Message      completionOutMsg `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

type completionOutMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type completionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

func (h CompletionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r, http.MethodPost)
		return
	}
	reqID, _ := mw.RequestIDFrom(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCompletionBodyBytes))
	if err != nil {
		writeCoreErrorJSON(w, reqID, core.NewInvalidRequestError("request body too large or unreadable"), http.StatusBadRequest)
		return
	}
	var req completionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeCoreErrorJSON(w, reqID, core.NewInvalidRequestError("invalid JSON body"), http.StatusBadRequest)
		return
	}
	if len(req.Messages) == 0 {
		writeCoreErrorJSON(w, reqID, core.NewInvalidRequestErrorWithParam("messages array required", "messages"), http.StatusBadRequest)
		return
	}
	userText, ok := lastUserText(req.Messages)
	if !ok {
		writeCoreErrorJSON(w, reqID, core.NewInvalidRequestErrorWithParam("no user message found", "messages"), http.StatusBadRequest)
		return
	}

	key := conversation.Key(req.UserID)
	q := agent.Query{
		Prompt:           userText,
		WorkingDirectory: h.WorkingDirectory,
		Model:            h.AgentModel,
		MaxTurns:         h.MaxTurns,
	}
	if h.Store != nil {
		if sess, ok := h.Store.Get(key); ok {
			q.ResumeToken = sess.ResumeToken
			if sess.WorkingDirectory != "" {
				q.WorkingDirectory = sess.WorkingDirectory
			}
		}
	}

	logger := h.logger().With("request_id", reqID, "conversation", key)
	logger.Info("completion request", "stream", req.Stream, "resume", q.ResumeToken != "")

	now := h.now()
	id := fmt.Sprintf("chatcmpl-%d", now.UnixMilli())
	c := completionTurn{h: h, key: key, query: q, logger: logger, started: now}

	if req.Stream {
		sw, err := sse.New(w)
		if err != nil {
			writeCoreErrorJSON(w, reqID, core.NewAPIError("streaming unsupported"), http.StatusInternalServerError)
			return
		}
		c.stream(r, sw, id, now.Unix())
		return
	}

	text := c.collect(r)
	writeJSON(w, http.StatusOK, completionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: now.Unix(),
		Model:   CompletionModel,
		Choices: []completionChoice{{
			Index:        0,
			Message:      completionOutMsg{Role: "assistant", Content: text},
			FinishReason: "stop",
		}},
	})
}

func (h CompletionsHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h CompletionsHandler) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}

func lastUserText(msgs []chatMessage) (string, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].text(), true
		}
	}
	return "", false
}

// completionTurn is one agent call made on behalf of a completion request.
type completionTurn struct {
	h       CompletionsHandler
	key     string
	query   agent.Query
	logger  *slog.Logger
	started time.Time

	sessionID string
	finalText string
	err       error
}

// observe applies the side effects every event has regardless of response
// mode.
func (c *completionTurn) observe(ev agent.Event) {
	switch ev.Kind {
	case agent.KindSessionID:
		c.sessionID = ev.SessionID
		conversation.RecordResumeToken(c.h.Store, c.key, ev.SessionID)
	case agent.KindAssistantMessage:
		if ev.Text != "" {
			c.finalText = ev.Text
		}
	case agent.KindResult:
		if ev.Text != "" {
			c.finalText = ev.Text
		}
		c.err = ev.Err
	}
}

func (c *completionTurn) finish() string {
	text := c.finalText
	if text == "" {
		text = session.FallbackText
	}
	outcome := metrics.OutcomeOK
	if c.err != nil {
		outcome = metrics.OutcomeError
	}
	c.h.Metrics.ObserveAgent(metrics.SourceCompletions, time.Since(c.started))
	c.h.Metrics.TurnCompleted(metrics.SourceCompletions, outcome)
	c.h.Transcripts.Log(transcript.Turn{
		Provider:         "completions",
		SessionID:        c.sessionID,
		WorkingDirectory: c.query.WorkingDirectory,
		User:             c.query.Prompt,
		Assistant:        text,
		Err:              c.err,
	})
	return text
}

func (c *completionTurn) collect(r *http.Request) string {
	for ev := range c.h.Agent.RunTurn(r.Context(), c.query) {
		c.observe(ev)
	}
	return c.finish()
}

// stream emits the words of every text-only assistant message. Partial
// fragments are not streamed: a fragment cannot be told apart from tool-use
// narration until its message completes. The last word of each message is
// held back so the next message can be separated from it by a space.
func (c *completionTurn) stream(r *http.Request, sw *sse.Writer, id string, created int64) {
	roleSent := false
	spoke := false
	fillerSent := false
	clientGone := false
	held := ""

	emit := func(content string) {
		if clientGone {
			return
		}
		d := chunkDelta{Content: content}
		if !roleSent {
			d.Role = "assistant"
			roleSent = true
		}
		if err := sw.Data(newChunk(id, created, d, nil)); err != nil {
			c.logger.Warn("completion stream write failed", "error", err)
			clientGone = true
		}
	}
	emitWords := func(text string) {
		for _, word := range voice.SplitWords(text) {
			if strings.TrimSpace(word) == "" {
				continue
			}
			if held != "" {
				emit(spaced(held))
			}
			held = word
			spoke = true
		}
	}

	for ev := range c.h.Agent.RunTurn(r.Context(), c.query) {
		c.observe(ev)
		if ev.Kind != agent.KindAssistantMessage {
			continue
		}
		if ev.HasToolUse {
			if !spoke && !fillerSent {
				emit(toolFiller)
				fillerSent = true
			}
			continue
		}
		emitWords(ev.Text)
	}

	text := c.finish()
	if !spoke || c.err != nil {
		emitWords(text)
	}
	if held != "" {
		emit(held)
	}
	if clientGone {
		return
	}
	stop := "stop"
	_ = sw.Data(newChunk(id, created, chunkDelta{}, &stop))
	_ = sw.Done()
}

// spaced returns word with trailing whitespace, adding a space if it has none.
func spaced(word string) string {
	if strings.TrimRight(word, " \t\r\n") != word {
		return word
	}
	return word + " "
}

func newChunk(id string, created int64, d chunkDelta, finish *string) completionChunk {
	return completionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   CompletionModel,
		Choices: []chunkChoice{{Index: 0, Delta: d, FinishReason: finish}},
	}
}
