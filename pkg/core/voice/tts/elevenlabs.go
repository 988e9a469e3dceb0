package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	elevenLabsDefaultWSBase = "wss://api.elevenlabs.io/v1/text-to-speech/{voice_id}/stream-input"

	ElevenLabsDefaultModel = "eleven_flash_v2_5"
	// ElevenLabsDefaultVoice is the stock "Rachel" voice.
	ElevenLabsDefaultVoice = "21m00Tcm4TlvDq8ikWAM"
)

// ElevenLabsProvider synthesizes one sentence per stream-input websocket
// session and collects the PCM it returns.
type ElevenLabsProvider struct {
	apiKey    string
	wsBaseURL string
	dialer    *websocket.Dialer
}

func NewElevenLabs(apiKey string) *ElevenLabsProvider {
	return &ElevenLabsProvider{
		apiKey:    strings.TrimSpace(apiKey),
		wsBaseURL: elevenLabsDefaultWSBase,
		dialer:    websocket.DefaultDialer,
	}
}

// NewElevenLabsWithClient reuses client's proxy and TLS settings for the
// websocket dial.
func NewElevenLabsWithClient(apiKey string, client *http.Client) *ElevenLabsProvider {
	p := NewElevenLabs(apiKey)
	if client == nil {
		return p
	}
	if tr, ok := client.Transport.(*http.Transport); ok {
		p.dialer = &websocket.Dialer{
			Proxy:            tr.Proxy,
			NetDialContext:   tr.DialContext,
			TLSClientConfig:  tr.TLSClientConfig,
			HandshakeTimeout: tr.TLSHandshakeTimeout,
		}
	}
	return p
}

func (e *ElevenLabsProvider) WithWSBaseURL(base string) *ElevenLabsProvider {
	if e == nil {
		return e
	}
	base = strings.TrimSpace(base)
	if base != "" {
		e.wsBaseURL = base
	}
	return e
}

func (e *ElevenLabsProvider) Name() string {
	return "elevenlabs"
}

type elevenLabsFrame struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (e *ElevenLabsProvider) Synthesize(ctx context.Context, text string, opts SynthesizeOptions) (*Synthesis, error) {
	if e == nil || e.apiKey == "" {
		return nil, errors.New("elevenlabs api key is required")
	}
	voiceID := strings.TrimSpace(opts.Voice)
	if voiceID == "" {
		voiceID = ElevenLabsDefaultVoice
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = ElevenLabsDefaultModel
	}
	wsURL, err := buildElevenLabsWSURL(e.wsBaseURL, voiceID, model)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("xi-api-key", e.apiKey)
	conn, _, err := e.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs dial: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	// The server may reject the request with an error frame and close before
	// all messages are written, so reading starts first.
	done := make(chan elevenLabsResult, 1)
	go func() {
		audio, err := readElevenLabsAudio(conn)
		done <- elevenLabsResult{audio: audio, err: err}
	}()

	text = strings.TrimSpace(text)
	for _, msg := range []map[string]any{
		{"text": " "},
		{"text": text + " ", "flush": true},
		{"text": ""},
	} {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(msg); err != nil {
			_ = conn.SetReadDeadline(time.Now().Add(time.Second))
			if res := <-done; errors.Is(res.err, errElevenLabsServer) {
				return nil, res.err
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("elevenlabs send: %w", err)
		}
	}

	res := <-done
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, res.err
	}
	return &Synthesis{Audio: res.audio}, nil
}

var errElevenLabsServer = errors.New("elevenlabs")

type elevenLabsResult struct {
	audio []byte
	err   error
}

// readElevenLabsAudio collects audio frames until the final one.
func readElevenLabsAudio(conn *websocket.Conn) ([]byte, error) {
	var out []byte
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return out, nil
			}
			return nil, fmt.Errorf("elevenlabs read: %w", err)
		}
		var f elevenLabsFrame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		if f.Error != "" {
			return nil, fmt.Errorf("%w: %s: %s", errElevenLabsServer, f.Error, f.Message)
		}
		if f.Audio != "" {
			audio, err := base64.StdEncoding.DecodeString(f.Audio)
			if err != nil {
				return nil, fmt.Errorf("elevenlabs audio: %w", err)
			}
			out = append(out, audio...)
		}
		if f.IsFinal {
			return out, nil
		}
	}
}

func buildElevenLabsWSURL(base, voiceID, model string) (string, error) {
	if strings.TrimSpace(base) == "" {
		base = elevenLabsDefaultWSBase
	}
	base = strings.ReplaceAll(base, "{voice_id}", url.PathEscape(voiceID))
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid elevenlabs ws url: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input"
	}
	q := u.Query()
	if q.Get("model_id") == "" {
		q.Set("model_id", model)
	}
	// Raw PCM at the rate audio_chunk frames advertise.
	if q.Get("output_format") == "" {
		q.Set("output_format", "pcm_24000")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
