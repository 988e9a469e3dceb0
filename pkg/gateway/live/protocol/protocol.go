// Package protocol defines the JSON frames of the duplex voice channel.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

// Unsupported reports whether the frame was well formed but of an unknown type.
func (e *DecodeError) Unsupported() bool {
	return e != nil && e.Code == "unsupported"
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// Client -> server.

type ClientConfig struct {
	Type     string `json:"type"`
	STTModel string `json:"sttModel,omitempty"`
}

type ClientText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ClientAudio carries one base64 audio chunk of the legacy framing.
type ClientAudio struct {
	Type  string `json:"type"`
	Data  string `json:"data"`
	Audio []byte `json:"-"`
}

// ClientAudioEnd flushes buffered audio and starts a turn. Type is either
// "recording_end" or "audio_end".
type ClientAudioEnd struct {
	Type string `json:"type"`
}

type ClientInterrupt struct {
	Type string `json:"type"`
}

// Server -> client.

type ServerTranscript struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ServerResponseText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ServerAudioChunk struct {
	Type       string `json:"type"`
	Data       string `json:"data"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
	BitDepth   int    `json:"bitDepth"`
}

type ServerTTSEnd struct {
	Type string `json:"type"`
}

type ServerError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

const (
	TypeConfig       = "config"
	TypeText         = "text"
	TypeAudio        = "audio"
	TypeRecordingEnd = "recording_end"
	TypeAudioEnd     = "audio_end"
	TypeInterrupt    = "interrupt"

	TypeTranscript   = "transcript"
	TypeResponseText = "response_text"
	TypeAudioChunk   = "audio_chunk"
	TypeTTSEnd       = "tts_end"
	TypeError        = "error"
)

func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeConfig:
		var msg ClientConfig
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid config frame", "")
		}
		msg.STTModel = strings.TrimSpace(msg.STTModel)
		return msg, nil
	case TypeText:
		var msg ClientText
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid text frame", "")
		}
		return msg, nil
	case TypeAudio:
		var msg ClientAudio
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio frame", "")
		}
		if strings.TrimSpace(msg.Data) == "" {
			return nil, badRequest("audio.data is required", "data")
		}
		audio, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			return nil, badRequest("audio.data must be base64", "data")
		}
		msg.Audio = audio
		return msg, nil
	case TypeRecordingEnd, TypeAudioEnd:
		return ClientAudioEnd{Type: typ}, nil
	case TypeInterrupt:
		return ClientInterrupt{Type: typ}, nil
	default:
		return nil, unsupported("unsupported message type", "type")
	}
}

func NewAudioChunk(pcm []byte, sampleRate, channels, bitDepth int) ServerAudioChunk {
	return ServerAudioChunk{
		Type:       TypeAudioChunk,
		Data:       base64.StdEncoding.EncodeToString(pcm),
		SampleRate: sampleRate,
		Channels:   channels,
		BitDepth:   bitDepth,
	}
}
