// Package voicebridge is the client side of the bridge's duplex voice
// protocol. It turns detected speech into turns, plays the spoken reply and
// reports conversation progress through callbacks.
package voicebridge

import "context"

// Status is the connection state of a Provider.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// Role tags a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleEvent marks connection progress notes meant for a debug view.
	RoleEvent Role = "event"
)

type Message struct {
	Role Role
	Text string
}

// Callbacks receive provider state changes. Nil callbacks are skipped.
// They may be invoked from the provider's read goroutine and must not block.
type Callbacks struct {
	OnStatusChange   func(Status)
	OnMessage        func(Message)
	OnSpeakingChange func(bool)
	OnThinkingChange func(bool)
	OnError          func(string)
}

func (c Callbacks) status(s Status) {
	if c.OnStatusChange != nil {
		c.OnStatusChange(s)
	}
}

func (c Callbacks) message(role Role, text string) {
	if c.OnMessage != nil {
		c.OnMessage(Message{Role: role, Text: text})
	}
}

func (c Callbacks) speaking(v bool) {
	if c.OnSpeakingChange != nil {
		c.OnSpeakingChange(v)
	}
}

func (c Callbacks) thinking(v bool) {
	if c.OnThinkingChange != nil {
		c.OnThinkingChange(v)
	}
}

func (c Callbacks) err(msg string) {
	if c.OnError != nil {
		c.OnError(msg)
	}
}

// Provider is a voice backend a UI can drive. BridgeProvider speaks to this
// bridge; hosted realtime services implement the same contract.
type Provider interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Status() Status

	// SendText starts a typed turn.
	SendText(text string) error
	// SendAudio starts a spoken turn from a complete WAV recording.
	SendAudio(wav []byte) error
	// Interrupt stops local playback and asks the server to stop the reply.
	Interrupt() error
}
