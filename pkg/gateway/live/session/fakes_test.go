package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"sync"

	"github.com/vango-go/voicebridge/pkg/core/agent"
	"github.com/vango-go/voicebridge/pkg/core/voice/stt"
	"github.com/vango-go/voicebridge/pkg/core/voice/tts"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSTT struct {
	mu    sync.Mutex
	text  string
	err   error
	calls []stt.TranscribeOptions
	audio [][]byte
}

func (f *fakeSTT) Name() string { return "fake" }

func (f *fakeSTT) Transcribe(ctx context.Context, r io.Reader, opts stt.TranscribeOptions) (*stt.Transcript, error) {
	b, _ := io.ReadAll(r)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, opts)
	f.audio = append(f.audio, b)
	if f.err != nil {
		return nil, f.err
	}
	return &stt.Transcript{Text: f.text}, nil
}

func (f *fakeSTT) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeTTS struct {
	mu     sync.Mutex
	audio  []byte
	err    error
	texts  []string
	onCall func()
}

func (f *fakeTTS) Name() string { return "fake-tts" }

func (f *fakeTTS) Synthesize(ctx context.Context, text string, opts tts.SynthesizeOptions) (*tts.Synthesis, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	onCall := f.onCall
	f.mu.Unlock()
	if onCall != nil {
		onCall()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &tts.Synthesis{Audio: append([]byte(nil), f.audio...)}, nil
}

func (f *fakeTTS) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}

type fakeAgent struct {
	mu      sync.Mutex
	queries []agent.Query
	events  func(q agent.Query) []agent.Event

	// started receives once per call when non-nil.
	started chan struct{}
	// release, when non-nil, gates every call until closed.
	release chan struct{}
}

func (a *fakeAgent) RunTurn(ctx context.Context, q agent.Query) iter.Seq[agent.Event] {
	return func(yield func(agent.Event) bool) {
		a.mu.Lock()
		a.queries = append(a.queries, q)
		a.mu.Unlock()
		if a.started != nil {
			a.started <- struct{}{}
		}
		if a.release != nil {
			select {
			case <-a.release:
			case <-ctx.Done():
				yield(agent.Event{Kind: agent.KindResult, Text: agent.ApologyText, Err: ctx.Err()})
				return
			}
		}
		if a.events == nil {
			return
		}
		for _, ev := range a.events(q) {
			if !yield(ev) {
				return
			}
		}
	}
}

func (a *fakeAgent) snapshot() []agent.Query {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]agent.Query(nil), a.queries...)
}

func replyWith(sessionID, text string) func(agent.Query) []agent.Event {
	return func(agent.Query) []agent.Event {
		return []agent.Event{
			{Kind: agent.KindSessionID, SessionID: sessionID},
			{Kind: agent.KindAssistantMessage, Text: text},
			{Kind: agent.KindResult, Text: text},
		}
	}
}

// recordingEmitter captures frames as decoded JSON objects.
type recordingEmitter struct {
	mu     sync.Mutex
	frames []map[string]any
	turns  []uint64
	err    error
}

func (e *recordingEmitter) send(v any) error { return e.record(0, v) }

func (e *recordingEmitter) sendAudio(turn uint64, v any) error { return e.record(turn, v) }

func (e *recordingEmitter) record(turn uint64, v any) error {
	if e.err != nil {
		return e.err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames = append(e.frames, m)
	e.turns = append(e.turns, turn)
	return nil
}

func (e *recordingEmitter) types() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.frames))
	for _, f := range e.frames {
		typ, _ := f["type"].(string)
		out = append(out, typ)
	}
	return out
}

func (e *recordingEmitter) first(typ string) map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, f := range e.frames {
		if f["type"] == typ {
			return f
		}
	}
	return nil
}

var errBoom = errors.New("boom")
