package voicebridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/voicebridge/pkg/gateway/live/protocol"
)

const (
	// DefaultReconnectDelay is the pause before redialing after the
	// connection drops.
	DefaultReconnectDelay = 2 * time.Second

	defaultConnectTimeout = 15 * time.Second
)

var errNotConnected = errors.New("voicebridge: not connected")

// Options configures a BridgeProvider.
type Options struct {
	// BaseURL is the bridge's http(s) or ws(s) origin, e.g. http://host:8013.
	BaseURL string
	// Token is sent as the ?token= query parameter.
	Token string
	// SessionID and WorkingDirectory seed the server-side connection.
	SessionID        string
	WorkingDirectory string

	Player Player
	// NewVAD builds the speech detector started once the socket is open.
	// Nil disables microphone input.
	NewVAD func() (VAD, error)
	// Teardown runs when the connection ends, after the VAD is destroyed.
	// It releases the microphone.
	Teardown func()

	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
	Logger         *slog.Logger
}

// BridgeProvider implements Provider over the bridge's /ws/voice protocol.
type BridgeProvider struct {
	opts     Options
	cb       Callbacks
	logger   *slog.Logger
	playback *playbackQueue

	mu          sync.Mutex
	status      Status
	conn        *websocket.Conn
	vad         VAD
	connected   bool
	speaking    bool
	stopped     bool
	reconnectAt *time.Timer

	writeMu sync.Mutex
}

func NewBridgeProvider(opts Options, cb Callbacks) *BridgeProvider {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &BridgeProvider{
		opts:   opts,
		cb:     cb,
		logger: logger,
		status: StatusDisconnected,
	}
	p.playback = newPlaybackQueue(opts.Player, p.playbackIdle)
	return p
}

var _ Provider = (*BridgeProvider)(nil)

func (p *BridgeProvider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *BridgeProvider) setStatus(s Status) {
	p.mu.Lock()
	changed := p.status != s
	p.status = s
	p.mu.Unlock()
	if changed {
		p.cb.status(s)
	}
}

// voiceURL builds the socket URL from Options.
func (p *BridgeProvider) voiceURL() (string, error) {
	base := strings.TrimRight(strings.TrimSpace(p.opts.BaseURL), "/")
	if base == "" {
		return "", errors.New("voicebridge: BaseURL is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("voicebridge: parse BaseURL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("voicebridge: unsupported BaseURL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/voice"
	q := u.Query()
	if p.opts.Token != "" {
		q.Set("token", p.opts.Token)
	}
	if p.opts.SessionID != "" {
		q.Set("sessionId", p.opts.SessionID)
	}
	if p.opts.WorkingDirectory != "" {
		q.Set("cwd", p.opts.WorkingDirectory)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the bridge and starts speech detection. It returns once the
// socket is open; a VAD failure is reported through OnError and leaves the
// provider connected for text turns.
func (p *BridgeProvider) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.conn != nil {
		p.mu.Unlock()
		return nil
	}
	p.stopped = false
	p.mu.Unlock()

	p.setStatus(StatusConnecting)

	wsURL, err := p.voiceURL()
	if err != nil {
		p.cb.err(err.Error())
		p.setStatus(StatusDisconnected)
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()
	p.cb.message(RoleEvent, "Connecting to bridge...")
	conn, resp, err := p.opts.Dialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("voicebridge: dial: %w (status %d)", err, resp.StatusCode)
		} else {
			err = fmt.Errorf("voicebridge: dial: %w", err)
		}
		p.cb.err("WebSocket connection failed")
		p.setStatus(StatusDisconnected)
		return err
	}

	p.mu.Lock()
	p.conn = conn
	p.connected = true
	p.mu.Unlock()
	p.setStatus(StatusConnected)
	p.logger.Debug("voice bridge connected", "url", redactToken(wsURL))

	go p.readLoop(conn)

	if p.opts.NewVAD != nil {
		p.startVAD()
	} else {
		p.cb.message(RoleEvent, "Connected.")
	}
	return nil
}

func (p *BridgeProvider) startVAD() {
	vad, err := p.opts.NewVAD()
	if err == nil {
		err = vad.Start(p.OnSpeechEnd)
	}
	if err != nil {
		p.cb.err(fmt.Sprintf("VAD failed: %v", err))
		return
	}
	p.mu.Lock()
	p.vad = vad
	p.mu.Unlock()
	p.cb.message(RoleEvent, "VAD ready, speak now!")
}

// Disconnect closes the connection and disables reconnecting.
func (p *BridgeProvider) Disconnect() error {
	p.mu.Lock()
	p.connected = false
	p.stopped = true
	if p.reconnectAt != nil {
		p.reconnectAt.Stop()
		p.reconnectAt = nil
	}
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	p.stopPlayback()
	if conn != nil {
		_ = p.write(conn, protocol.ClientInterrupt{Type: protocol.TypeInterrupt})
		p.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		p.writeMu.Unlock()
		_ = conn.Close()
	}
	p.cleanup()

	p.setStatus(StatusDisconnected)
	p.cb.speaking(false)
	p.cb.thinking(false)
	return nil
}

func (p *BridgeProvider) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if err := p.send(protocol.ClientText{Type: protocol.TypeText, Text: text}); err != nil {
		return err
	}
	p.cb.message(RoleUser, text)
	p.cb.thinking(true)
	return nil
}

func (p *BridgeProvider) SendAudio(wav []byte) error {
	if len(wav) == 0 {
		return nil
	}
	if err := p.send(protocol.ClientAudio{Type: protocol.TypeAudio, Data: base64.StdEncoding.EncodeToString(wav)}); err != nil {
		return err
	}
	if err := p.send(protocol.ClientAudioEnd{Type: protocol.TypeRecordingEnd}); err != nil {
		return err
	}
	p.cb.thinking(true)
	return nil
}

func (p *BridgeProvider) Interrupt() error {
	p.stopPlayback()
	return p.send(protocol.ClientInterrupt{Type: protocol.TypeInterrupt})
}

// OnSpeechEnd handles one utterance from the VAD. Speech while the reply is
// playing is a barge-in: playback stops and the server is told to drop the
// rest of the reply before the new utterance is sent.
func (p *BridgeProvider) OnSpeechEnd(samples []float32) {
	p.mu.Lock()
	connected := p.connected && p.conn != nil
	p.mu.Unlock()
	if !connected || len(samples) == 0 {
		return
	}

	if p.stopPlayback() {
		if err := p.send(protocol.ClientInterrupt{Type: protocol.TypeInterrupt}); err != nil {
			p.logger.Warn("send interrupt failed", "error", err)
		}
	}
	if err := p.SendAudio(EncodeSpeech(samples)); err != nil {
		p.logger.Warn("send speech failed", "error", err)
	}
}

func (p *BridgeProvider) send(v any) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	return p.write(conn, v)
}

func (p *BridgeProvider) write(conn *websocket.Conn, v any) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(v)
}

func (p *BridgeProvider) readLoop(conn *websocket.Conn) {
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			p.closed(conn, err)
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		p.handle(data)
	}
}

type serverFrame struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Data    string `json:"data"`
	Message string `json:"message"`
}

func (p *BridgeProvider) handle(data []byte) {
	var f serverFrame
	if err := json.Unmarshal(data, &f); err != nil {
		p.logger.Debug("ignoring undecodable frame", "error", err)
		return
	}
	switch f.Type {
	case protocol.TypeTranscript:
		if f.Text == "" {
			p.cb.thinking(false)
			return
		}
		p.cb.thinking(true)
		p.cb.message(RoleUser, f.Text)
	case protocol.TypeResponseText:
		p.cb.thinking(false)
		p.cb.message(RoleAssistant, f.Text)
	case protocol.TypeAudioChunk:
		pcm, err := base64.StdEncoding.DecodeString(f.Data)
		if err != nil {
			p.logger.Debug("ignoring undecodable audio chunk", "error", err)
			return
		}
		p.setSpeaking(true)
		p.playback.Enqueue(pcm)
	case protocol.TypeTTSEnd:
		if !p.playback.Active() {
			p.setSpeaking(false)
		}
	case protocol.TypeError:
		p.cb.thinking(false)
		p.cb.err(f.Message)
	}
}

func (p *BridgeProvider) setSpeaking(v bool) {
	p.mu.Lock()
	changed := p.speaking != v
	p.speaking = v
	p.mu.Unlock()
	if changed {
		p.cb.speaking(v)
	}
}

func (p *BridgeProvider) playbackIdle() {
	p.setSpeaking(false)
}

func (p *BridgeProvider) stopPlayback() bool {
	was := p.playback.Stop()
	p.setSpeaking(false)
	return was
}

// closed runs when the read loop ends. An unexpected close schedules one
// reconnect attempt after ReconnectDelay.
func (p *BridgeProvider) closed(conn *websocket.Conn, err error) {
	p.mu.Lock()
	if p.conn != conn {
		// Disconnect already took this connection down.
		p.mu.Unlock()
		return
	}
	p.conn = nil
	unexpected := p.connected
	p.connected = false
	p.mu.Unlock()

	_ = conn.Close()
	p.stopPlayback()
	p.cleanup()

	if !unexpected {
		p.setStatus(StatusDisconnected)
		return
	}

	p.logger.Warn("voice bridge connection lost", "error", err)
	p.cb.message(RoleEvent, "Connection lost. Reconnecting...")
	p.setStatus(StatusConnecting)

	p.mu.Lock()
	if !p.stopped {
		p.reconnectAt = time.AfterFunc(p.opts.ReconnectDelay, p.reconnect)
	}
	p.mu.Unlock()
}

func (p *BridgeProvider) reconnect() {
	p.mu.Lock()
	if p.stopped || p.reconnectAt == nil || p.conn != nil {
		// Disconnect was called, or something else reconnected.
		p.mu.Unlock()
		return
	}
	p.reconnectAt = nil
	p.mu.Unlock()

	if err := p.Connect(context.Background()); err != nil {
		p.logger.Warn("voice bridge reconnect failed", "error", err)
	}
}

// cleanup destroys the VAD and releases the microphone.
func (p *BridgeProvider) cleanup() {
	p.mu.Lock()
	vad := p.vad
	p.vad = nil
	p.mu.Unlock()

	if vad != nil {
		if err := vad.Destroy(); err != nil {
			p.logger.Warn("vad destroy failed", "error", err)
		}
	}
	if p.opts.Teardown != nil {
		p.opts.Teardown()
	}
}

func redactToken(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
