package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recordedWrite struct {
	messageType int
	data        string
}

type fakeWSWriter struct {
	mu     sync.Mutex
	writes []recordedWrite
	closed bool
}

func (f *fakeWSWriter) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWSWriter) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, recordedWrite{messageType: messageType, data: string(data)})
	return nil
}

func (f *fakeWSWriter) WriteControl(messageType int, data []byte, deadline time.Time) error {
	_ = deadline
	return f.WriteMessage(messageType, data)
}

func (f *fakeWSWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWSWriter) snapshot() []recordedWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedWrite, len(f.writes))
	copy(out, f.writes)
	return out
}

func TestOutboundWriter_PriorityBeatsNormal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	priority := make(chan outboundFrame, 1)
	normal := make(chan outboundFrame, 1)

	normal <- outboundFrame{audioTurn: 1, payload: []byte(`{"type":"audio_chunk","data":"AAAA"}`)}
	priority <- outboundFrame{payload: []byte(`{"type":"error","message":"server shutting down"}`)}
	close(priority)
	close(normal)

	ws := &fakeWSWriter{}
	w := outboundWriter{
		ws:       ws,
		ctx:      ctx,
		cfg:      Config{PingInterval: time.Hour, WriteTimeout: time.Second},
		priority: priority,
		normal:   normal,
	}

	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	writes := ws.snapshot()
	if len(writes) != 2 {
		t.Fatalf("expected 2 writes, got %+v", writes)
	}
	if !strings.Contains(writes[0].data, `"type":"error"`) {
		t.Fatalf("first write was not the priority frame: %q", writes[0].data)
	}
}

func TestOutboundWriter_InterruptedTurnAudioDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	priority := make(chan outboundFrame)
	normal := make(chan outboundFrame, 8)

	normal <- outboundFrame{audioTurn: 1, payload: []byte(`{"type":"audio_chunk","data":"AQ=="}`)}
	normal <- outboundFrame{audioTurn: 1, payload: []byte(`{"type":"audio_chunk","data":"Ag=="}`)}
	normal <- outboundFrame{payload: []byte(`{"type":"tts_end"}`)}
	normal <- outboundFrame{audioTurn: 2, payload: []byte(`{"type":"audio_chunk","data":"Aw=="}`)}

	close(priority)
	close(normal)

	ws := &fakeWSWriter{}
	w := outboundWriter{
		ws:       ws,
		ctx:      ctx,
		cfg:      Config{PingInterval: time.Hour, WriteTimeout: time.Second},
		priority: priority,
		normal:   normal,
		interrupted: func(turn uint64) bool {
			return turn == 1
		},
	}

	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	writes := ws.snapshot()
	if len(writes) != 2 {
		t.Fatalf("expected 2 writes, got %d: %+v", len(writes), writes)
	}
	if !strings.Contains(writes[0].data, `"tts_end"`) || !strings.Contains(writes[1].data, `"Aw=="`) {
		t.Fatalf("unexpected writes: %+v", writes)
	}
	for _, wr := range writes {
		if wr.messageType != websocket.TextMessage {
			t.Fatalf("write type=%d, want TextMessage", wr.messageType)
		}
	}
}

func TestOutboundWriter_FlushesPriorityOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	priority := make(chan outboundFrame, 1)
	normal := make(chan outboundFrame, 1)

	priority <- outboundFrame{payload: []byte(`{"type":"error","message":"server shutting down"}`)}
	close(priority)
	close(normal)

	ws := &fakeWSWriter{}
	w := outboundWriter{
		ws:       ws,
		ctx:      ctx,
		cfg:      Config{PingInterval: time.Hour, WriteTimeout: time.Second},
		priority: priority,
		normal:   normal,
	}

	cancel()
	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	writes := ws.snapshot()
	if len(writes) < 2 || !strings.Contains(writes[0].data, "server shutting down") {
		t.Fatalf("expected notice to flush on shutdown, writes=%+v", writes)
	}
	if writes[len(writes)-1].messageType != websocket.CloseMessage {
		t.Fatalf("last write type=%d, want CloseMessage", writes[len(writes)-1].messageType)
	}
	if !ws.closed {
		t.Fatalf("socket not closed")
	}
}
