// Package stt provides speech-to-text functionality.
package stt

import (
	"context"
	"io"
)

// Provider is the interface for speech-to-text services.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// Transcribe converts one complete audio file to text.
	Transcribe(ctx context.Context, audio io.Reader, opts TranscribeOptions) (*Transcript, error)
}

// TranscribeOptions configures transcription.
type TranscribeOptions struct {
	Model       string // Provider-specific model (see KnownModels)
	Filename    string // Filename hint derived from content sniffing
	ContentType string // MIME hint derived from content sniffing
	Language    string // Optional ISO language code
}

// Transcript is the result of transcription.
type Transcript struct {
	Text string
}

const DefaultModel = "gpt-4o-mini-transcribe"

// KnownModels lists the models a client may select per connection.
var KnownModels = map[string]struct{}{
	"whisper-1":              {},
	"gpt-4o-mini-transcribe": {},
	"gpt-4o-transcribe":      {},
}

// IsKnownModel reports whether model is in KnownModels.
func IsKnownModel(model string) bool {
	_, ok := KnownModels[model]
	return ok
}
