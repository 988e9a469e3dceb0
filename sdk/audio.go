package voicebridge

import (
	"sync"

	"github.com/vango-go/voicebridge/pkg/core/voice"
)

// CaptureSampleRate is the rate VAD segments are expected at.
const CaptureSampleRate = 16000

// Player plays raw PCM16 mono audio at voice.OutputSampleRate.
type Player interface {
	// Play blocks until pcm has been played or Stop is called.
	Play(pcm []byte) error
	// Stop aborts the chunk currently being played.
	Stop()
}

// VAD detects utterances on the microphone and reports each finished one
// as float32 samples at CaptureSampleRate.
type VAD interface {
	Start(onSpeechEnd func(samples []float32)) error
	Destroy() error
}

// EncodeSpeech converts a VAD segment to the WAV payload the bridge
// transcribes.
func EncodeSpeech(samples []float32) []byte {
	return voice.EncodeWAV(samples, CaptureSampleRate)
}

// playbackQueue plays queued chunks one at a time and reports when it goes
// idle. Stop discards everything queued so far; later chunks start a new
// run.
type playbackQueue struct {
	player Player
	onIdle func()

	mu      sync.Mutex
	queue   [][]byte
	playing bool
	gen     uint64
}

func newPlaybackQueue(player Player, onIdle func()) *playbackQueue {
	return &playbackQueue{player: player, onIdle: onIdle}
}

// Enqueue appends pcm and starts the playback goroutine if it is idle.
func (q *playbackQueue) Enqueue(pcm []byte) {
	if q.player == nil || len(pcm) == 0 {
		return
	}
	q.mu.Lock()
	q.queue = append(q.queue, pcm)
	if q.playing {
		q.mu.Unlock()
		return
	}
	q.playing = true
	gen := q.gen
	q.mu.Unlock()

	go q.run(gen)
}

func (q *playbackQueue) run(gen uint64) {
	for {
		q.mu.Lock()
		if q.gen != gen {
			q.mu.Unlock()
			return
		}
		if len(q.queue) == 0 {
			q.playing = false
			q.mu.Unlock()
			if q.onIdle != nil {
				q.onIdle()
			}
			return
		}
		chunk := q.queue[0]
		q.queue = q.queue[1:]
		q.mu.Unlock()

		_ = q.player.Play(chunk)
	}
}

// Active reports whether audio is queued or playing.
func (q *playbackQueue) Active() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// Stop drops queued audio and aborts the current chunk. It reports whether
// anything was playing.
func (q *playbackQueue) Stop() bool {
	q.mu.Lock()
	was := q.playing
	q.queue = nil
	q.playing = false
	q.gen++
	q.mu.Unlock()

	if was && q.player != nil {
		q.player.Stop()
	}
	return was
}
