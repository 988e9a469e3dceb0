package tts

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider synthesizes speech with the OpenAI speech API.
type OpenAIProvider struct {
	client openai.Client
}

// NewOpenAI creates an OpenAI TTS provider. An empty baseURL keeps the SDK
// default endpoint.
func NewOpenAI(apiKey, baseURL string, opts ...option.RequestOption) *OpenAIProvider {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	reqOpts = append(reqOpts, opts...)
	return &OpenAIProvider{client: openai.NewClient(reqOpts...)}
}

// NewOpenAIWithClient creates an OpenAI TTS provider that uses client for transport.
func NewOpenAIWithClient(apiKey, baseURL string, client *http.Client) *OpenAIProvider {
	return NewOpenAI(apiKey, baseURL, option.WithHTTPClient(client))
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) Synthesize(ctx context.Context, text string, opts SynthesizeOptions) (*Synthesis, error) {
	model := opts.Model
	if model == "" {
		model = DefaultModel
	}
	voice := opts.Voice
	if voice == "" {
		voice = DefaultVoice
	}

	resp, err := p.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Input:          text,
		Model:          openai.SpeechModel(model),
		Voice:          openai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatPCM,
	})
	if err != nil {
		return nil, fmt.Errorf("openai speech: %w", err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read speech body: %w", err)
	}
	return &Synthesis{Audio: audio}, nil
}
