// Package tts provides text-to-speech functionality.
package tts

import (
	"context"
)

// Provider is the interface for text-to-speech services.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// Synthesize converts one sentence to raw audio.
	Synthesize(ctx context.Context, text string, opts SynthesizeOptions) (*Synthesis, error)
}

// SynthesizeOptions configures synthesis.
type SynthesizeOptions struct {
	Model string // Provider-specific model
	Voice string // Voice identifier
}

// Synthesis is the result of synthesis: 24kHz mono 16-bit little-endian PCM.
type Synthesis struct {
	Audio []byte
}

const (
	DefaultModel = "gpt-4o-mini-tts"
	DefaultVoice = "alloy"
)
