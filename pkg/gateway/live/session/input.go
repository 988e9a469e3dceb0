package session

import (
	"sync/atomic"

	"github.com/vango-go/voicebridge/pkg/core/voice"
)

// Interrupt is the barge-in flag shared by the read loop and the running
// turn. The turn polls Requested before each unit of work.
type Interrupt struct {
	flag atomic.Bool
}

func (i *Interrupt) Set()            { i.flag.Store(true) }
func (i *Interrupt) Reset()          { i.flag.Store(false) }
func (i *Interrupt) Requested() bool { return i.flag.Load() }

// turnInput accumulates one utterance. Base64 chunks are concatenated in
// arrival order. A binary frame is a whole recording and replaces everything
// buffered so far. A chunk arriving after a binary frame discards it.
type turnInput struct {
	chunks [][]byte
	size   int
	binary []byte
}

func (in *turnInput) appendChunk(b []byte) {
	if len(b) == 0 {
		return
	}
	in.binary = nil
	in.chunks = append(in.chunks, b)
	in.size += len(b)
}

func (in *turnInput) setBinary(b []byte) {
	in.binary = append([]byte(nil), b...)
	in.chunks = nil
	in.size = 0
}

// take returns the buffered audio and its sniffed container, then clears the
// buffer.
func (in *turnInput) take() ([]byte, voice.Format) {
	var audio []byte
	if in.binary != nil {
		audio = in.binary
	} else if in.size > 0 {
		audio = make([]byte, 0, in.size)
		for _, c := range in.chunks {
			audio = append(audio, c...)
		}
	}
	*in = turnInput{}
	return audio, voice.SniffFormat(audio)
}
