// Package session runs one duplex voice connection: it reads client frames,
// drives at most one turn at a time and serializes replies onto the socket.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/voicebridge/pkg/core/conversation"
	"github.com/vango-go/voicebridge/pkg/core/transcript"
	"github.com/vango-go/voicebridge/pkg/core/voice"
	"github.com/vango-go/voicebridge/pkg/core/voice/stt"
	"github.com/vango-go/voicebridge/pkg/core/voice/tts"
	"github.com/vango-go/voicebridge/pkg/gateway/live/protocol"
	"github.com/vango-go/voicebridge/pkg/gateway/metrics"
)

const (
	DefaultPingInterval      = 20 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultOutboundQueueSize = 256
)

type Config struct {
	PingInterval      time.Duration
	WriteTimeout      time.Duration
	ReadLimit         int64
	OutboundQueueSize int

	TTSModel   string
	TTSVoice   string
	AgentModel string
	MaxTurns   int

	// ChunkSize is the PCM byte length per audio_chunk frame.
	ChunkSize int
}

type Dependencies struct {
	Conn        *websocket.Conn
	Logger      *slog.Logger
	STT         stt.Provider
	TTS         tts.Provider
	Agent       Agent
	Store       conversation.Store
	Transcripts *transcript.Logger
	Metrics     *metrics.Metrics
	Config      Config

	// ConversationKey selects the Store entry this connection resumes and
	// updates.
	ConversationKey  string
	ResumeToken      string
	WorkingDirectory string
	STTModel         string
}

type Session struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	metrics *metrics.Metrics
	cfg     Config

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame

	pipeline *pipeline
	state    *connState
	input    turnInput
	turnSeq  uint64
	// interruptedTurn is the id of the last turn the client interrupted.
	interruptedTurn atomic.Uint64
	currentTurn     atomic.Uint64
	turns           sync.WaitGroup
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

func New(deps Dependencies) (*Session, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Agent == nil {
		return nil, fmt.Errorf("agent is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = DefaultOutboundQueueSize
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = voice.ChunkSize
	}
	sttModel := deps.STTModel
	if !stt.IsKnownModel(sttModel) {
		sttModel = stt.DefaultModel
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:             deps.Conn,
		logger:           logger,
		metrics:          deps.Metrics,
		cfg:              cfg,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, 8),
		outboundNormal:   make(chan outboundFrame, cfg.OutboundQueueSize),
		pipeline: &pipeline{
			stt:         deps.STT,
			tts:         deps.TTS,
			agent:       deps.Agent,
			store:       deps.Store,
			transcripts: deps.Transcripts,
			metrics:     deps.Metrics,
			logger:      logger,
			cfg:         cfg,
		},
		state: &connState{
			key:              conversation.Key(deps.ConversationKey),
			resumeToken:      deps.ResumeToken,
			workingDirectory: deps.WorkingDirectory,
			sttModel:         sttModel,
		},
	}
	return s, nil
}

// Run serves the connection until the client goes away or Cancel is called.
// A turn still in flight is canceled and waited for before Run returns.
func (s *Session) Run() error {
	defer func() {
		s.cancel()
		s.turns.Wait()
	}()

	if s.cfg.ReadLimit > 0 {
		s.conn.SetReadLimit(s.cfg.ReadLimit)
	}

	readCh := make(chan inboundFrame, 16)
	go s.readLoop(readCh)

	writerErrCh := make(chan error, 1)
	go func() {
		w := outboundWriter{
			ws:          s.conn,
			ctx:         s.ctx,
			cfg:         s.cfg,
			priority:    s.outboundPriority,
			normal:      s.outboundNormal,
			interrupted: s.isInterrupted,
		}
		writerErrCh <- w.Run()
	}()

	for {
		select {
		case <-s.ctx.Done():
			return nil
		case err := <-writerErrCh:
			return err
		case frame, ok := <-readCh:
			if !ok {
				return nil
			}
			if frame.err != nil {
				if websocket.IsCloseError(frame.err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					return nil
				}
				return frame.err
			}
			s.handleFrame(frame)
		}
	}
}

func (s *Session) handleFrame(frame inboundFrame) {
	switch frame.messageType {
	case websocket.BinaryMessage:
		s.input.setBinary(frame.data)
		return
	case websocket.TextMessage:
	default:
		return
	}

	msg, err := protocol.DecodeClientMessage(frame.data)
	if err != nil {
		var de *protocol.DecodeError
		if errors.As(err, &de) && de.Unsupported() {
			s.logger.Debug("ignoring unsupported frame", "error", err)
			return
		}
		_ = s.send(protocol.ServerError{Type: protocol.TypeError, Message: err.Error()})
		return
	}

	switch m := msg.(type) {
	case protocol.ClientConfig:
		if stt.IsKnownModel(m.STTModel) {
			s.state.setSTTModel(m.STTModel)
			s.logger.Debug("stt model selected", "model", m.STTModel)
		}
	case protocol.ClientText:
		text := strings.TrimSpace(m.Text)
		if text == "" {
			return
		}
		s.startTurn(turnRequest{text: text})
	case protocol.ClientAudio:
		s.input.appendChunk(m.Audio)
	case protocol.ClientAudioEnd:
		audio, format := s.input.take()
		if len(audio) == 0 {
			s.logger.Debug("audio end without audio")
			return
		}
		s.startTurn(turnRequest{audio: audio, format: format})
	case protocol.ClientInterrupt:
		s.interrupt()
	}
}

// startTurn launches req unless a turn is already running, in which case it
// is dropped without any reply.
func (s *Session) startTurn(req turnRequest) {
	if !s.state.begin() {
		s.logger.Debug("turn dropped, already processing")
		s.metrics.TurnDropped()
		return
	}
	s.turnSeq++
	req.id = s.turnSeq
	s.currentTurn.Store(req.id)
	s.state.interrupt.Reset()

	s.turns.Add(1)
	go func() {
		defer s.turns.Done()
		s.pipeline.run(s.ctx, s.state, req, s)
	}()
}

func (s *Session) interrupt() {
	s.metrics.Interrupted()
	if !s.state.processing.Load() {
		return
	}
	s.state.interrupt.Set()
	s.interruptedTurn.Store(s.currentTurn.Load())
	s.logger.Debug("turn interrupted", "turn", s.currentTurn.Load())
}

func (s *Session) isInterrupted(turn uint64) bool {
	return turn != 0 && s.interruptedTurn.Load() == turn
}

// Cancel closes the connection.
func (s *Session) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

// Notify sends an error frame ahead of any queued output.
func (s *Session) Notify(message string) error {
	if s == nil {
		return nil
	}
	payload, err := json.Marshal(protocol.ServerError{Type: protocol.TypeError, Message: message})
	if err != nil {
		return err
	}
	select {
	case s.outboundPriority <- outboundFrame{payload: payload}:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	default:
		return errors.New("priority queue full")
	}
}

func (s *Session) send(v any) error {
	return s.enqueue(0, v)
}

func (s *Session) sendAudio(turn uint64, v any) error {
	if s.isInterrupted(turn) {
		return nil
	}
	return s.enqueue(turn, v)
}

func (s *Session) enqueue(turn uint64, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case s.outboundNormal <- outboundFrame{audioTurn: turn, payload: payload}:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *Session) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}
