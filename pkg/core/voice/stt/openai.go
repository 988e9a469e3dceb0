package stt

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider transcribes audio with the OpenAI audio transcription API.
type OpenAIProvider struct {
	client openai.Client
}

// NewOpenAI creates an OpenAI STT provider. An empty baseURL keeps the SDK
// default endpoint.
func NewOpenAI(apiKey, baseURL string, opts ...option.RequestOption) *OpenAIProvider {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	reqOpts = append(reqOpts, opts...)
	return &OpenAIProvider{client: openai.NewClient(reqOpts...)}
}

// NewOpenAIWithClient creates an OpenAI STT provider that uses client for transport.
func NewOpenAIWithClient(apiKey, baseURL string, client *http.Client) *OpenAIProvider {
	return NewOpenAI(apiKey, baseURL, option.WithHTTPClient(client))
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) Transcribe(ctx context.Context, audio io.Reader, opts TranscribeOptions) (*Transcript, error) {
	model := opts.Model
	if model == "" {
		model = DefaultModel
	}
	filename := opts.Filename
	if filename == "" {
		filename = "audio.wav"
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = "audio/wav"
	}

	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(audio, filename, contentType),
		Model: openai.AudioModel(model),
	}
	if opts.Language != "" {
		params.Language = openai.String(opts.Language)
	}

	res, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai transcription: %w", err)
	}
	return &Transcript{Text: res.Text}, nil
}
