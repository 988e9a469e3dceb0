package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/voicebridge/pkg/core/agent"
	"github.com/vango-go/voicebridge/pkg/core/conversation"
	"github.com/vango-go/voicebridge/pkg/core/transcript"
	"github.com/vango-go/voicebridge/pkg/core/voice"
	"github.com/vango-go/voicebridge/pkg/core/voice/stt"
	"github.com/vango-go/voicebridge/pkg/core/voice/tts"
	"github.com/vango-go/voicebridge/pkg/gateway/live/protocol"
	"github.com/vango-go/voicebridge/pkg/gateway/metrics"
)

// FallbackText is spoken when the agent finished without producing any text.
const FallbackText = "I completed the task."

var errSTTUnavailable = errors.New("speech-to-text is not configured")

// Agent runs one turn and yields its normalized events. *agent.Client
// satisfies it.
type Agent interface {
	RunTurn(ctx context.Context, q agent.Query) iter.Seq[agent.Event]
}

// emitter is the outbound side of a connection as seen by a turn.
type emitter interface {
	send(v any) error
	sendAudio(turn uint64, v any) error
}

// connState is the per-connection state a turn reads and updates.
type connState struct {
	key        string
	interrupt  Interrupt
	processing atomic.Bool
	// turnMu orders turn start against the previous turn's last frame.
	turnMu sync.Mutex

	mu               sync.Mutex
	resumeToken      string
	workingDirectory string
	sttModel         string
}

// begin claims the connection for a new turn. It fails while a turn is
// running.
func (c *connState) begin() bool {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()
	return c.processing.CompareAndSwap(false, true)
}

// finish queues the turn's last frame with send and marks the turn done.
// A turn begun after finish queues its frames behind that last frame, and a
// client reacting to it is never dropped as overlapping.
func (c *connState) finish(send func() error) error {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()
	err := send()
	c.processing.Store(false)
	return err
}

func (c *connState) snapshot() (token, cwd, sttModel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumeToken, c.workingDirectory, c.sttModel
}

func (c *connState) setResumeToken(token string) {
	if token == "" {
		return
	}
	c.mu.Lock()
	c.resumeToken = token
	c.mu.Unlock()
}

func (c *connState) setSTTModel(model string) {
	c.mu.Lock()
	c.sttModel = model
	c.mu.Unlock()
}

type turnRequest struct {
	id     uint64
	text   string
	audio  []byte
	format voice.Format
}

// pipeline runs turns: transcribe, query the agent, synthesize. Every turn
// that gets past an empty transcript ends with exactly one tts_end.
type pipeline struct {
	stt         stt.Provider
	tts         tts.Provider
	agent       Agent
	store       conversation.Store
	transcripts *transcript.Logger
	metrics     *metrics.Metrics
	logger      *slog.Logger
	cfg         Config
}

func (p *pipeline) run(ctx context.Context, st *connState, req turnRequest, em emitter) {
	token, cwd, sttModel := st.snapshot()
	logger := p.logger.With("turn", req.id)

	outcome := metrics.OutcomeOK
	defer func() { p.metrics.TurnCompleted(metrics.SourceVoice, outcome) }()

	prompt := strings.TrimSpace(req.text)
	if req.audio != nil {
		text, err := p.transcribe(ctx, req, sttModel)
		if err != nil {
			logger.Warn("transcription failed", "error", err)
			outcome = metrics.OutcomeError
			_ = em.send(protocol.ServerError{Type: protocol.TypeError, Message: fmt.Sprintf("transcription failed: %v", err)})
			p.transcripts.Log(transcript.Turn{Provider: p.providerName(), SessionID: token, WorkingDirectory: cwd, Err: err})
			p.end(st, em, protocol.ServerTTSEnd{Type: protocol.TypeTTSEnd})
			return
		}
		text = strings.TrimSpace(text)
		if text == "" {
			logger.Debug("empty transcript")
			outcome = metrics.OutcomeEmpty
			p.end(st, em, protocol.ServerTranscript{Type: protocol.TypeTranscript, Text: ""})
			return
		}
		_ = em.send(protocol.ServerTranscript{Type: protocol.TypeTranscript, Text: text})
		prompt = text
	}

	if st.interrupt.Requested() {
		outcome = metrics.OutcomeInterrupted
		p.end(st, em, protocol.ServerTTSEnd{Type: protocol.TypeTTSEnd})
		return
	}

	reply, agentErr := p.query(ctx, st, prompt, token, cwd)
	interrupted := st.interrupt.Requested()
	if agentErr != nil {
		logger.Warn("agent turn failed", "error", agentErr)
		outcome = metrics.OutcomeError
	}
	if reply == "" && !interrupted {
		reply = FallbackText
	}

	rec := transcript.Turn{
		Provider:         p.providerName(),
		WorkingDirectory: cwd,
		User:             prompt,
		Assistant:        reply,
		Err:              agentErr,
	}
	rec.SessionID, _, _ = st.snapshot()

	if reply != "" {
		_ = em.send(protocol.ServerResponseText{Type: protocol.TypeResponseText, Text: reply})
	}
	if err := p.speak(ctx, st, req.id, reply, em); err != nil {
		logger.Warn("speech synthesis failed", "error", err)
		outcome = metrics.OutcomeError
		rec.Err = errors.Join(rec.Err, err)
		_ = em.send(protocol.ServerError{Type: protocol.TypeError, Message: err.Error()})
	}
	if st.interrupt.Requested() && outcome == metrics.OutcomeOK {
		outcome = metrics.OutcomeInterrupted
	}
	p.transcripts.Log(rec)
	p.end(st, em, protocol.ServerTTSEnd{Type: protocol.TypeTTSEnd})
}

func (p *pipeline) end(st *connState, em emitter, last any) {
	_ = st.finish(func() error { return em.send(last) })
}

func (p *pipeline) transcribe(ctx context.Context, req turnRequest, model string) (string, error) {
	if p.stt == nil {
		return "", errSTTUnavailable
	}
	if model == "" {
		model = stt.DefaultModel
	}
	tr, err := p.stt.Transcribe(ctx, bytes.NewReader(req.audio), stt.TranscribeOptions{
		Model:       model,
		Filename:    req.format.Filename,
		ContentType: req.format.ContentType,
	})
	if err != nil {
		return "", err
	}
	return tr.Text, nil
}

// query consumes one agent turn. A session id is persisted as soon as it is
// seen so a later failure in the same turn does not lose it.
func (p *pipeline) query(ctx context.Context, st *connState, prompt, token, cwd string) (string, error) {
	start := time.Now()
	defer func() { p.metrics.ObserveAgent(metrics.SourceVoice, time.Since(start)) }()

	q := agent.Query{
		Prompt:           prompt,
		WorkingDirectory: cwd,
		ResumeToken:      token,
		Model:            p.cfg.AgentModel,
		MaxTurns:         p.cfg.MaxTurns,
	}

	var (
		text string
		err  error
	)
	for ev := range p.agent.RunTurn(ctx, q) {
		if st.interrupt.Requested() {
			break
		}
		switch ev.Kind {
		case agent.KindSessionID:
			st.setResumeToken(ev.SessionID)
			conversation.RecordResumeToken(p.store, st.key, ev.SessionID)
		case agent.KindAssistantMessage:
			if ev.Text != "" {
				text = ev.Text
			}
		case agent.KindResult:
			text = ev.Text
			err = ev.Err
		}
	}
	return text, err
}

func (p *pipeline) speak(ctx context.Context, st *connState, turn uint64, text string, em emitter) error {
	if p.tts == nil || text == "" {
		return nil
	}
	opts := tts.SynthesizeOptions{Model: p.cfg.TTSModel, Voice: p.cfg.TTSVoice}
	for _, segment := range voice.SplitSentences(text) {
		if st.interrupt.Requested() {
			return nil
		}
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		syn, err := p.tts.Synthesize(ctx, segment, opts)
		if err != nil {
			return fmt.Errorf("speech synthesis failed: %w", err)
		}
		for _, chunk := range voice.ChunkPCM(syn.Audio, p.cfg.ChunkSize) {
			if st.interrupt.Requested() {
				return nil
			}
			msg := protocol.NewAudioChunk(chunk, voice.OutputSampleRate, voice.OutputChannels, voice.OutputBitDepth)
			if err := em.sendAudio(turn, msg); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *pipeline) providerName() string {
	if p.tts != nil {
		return p.tts.Name()
	}
	return "bridge"
}
