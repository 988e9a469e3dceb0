package voice

import (
	"bytes"
	"encoding/binary"
	"math"
)

// Output format of synthesized speech sent to clients.
const (
	OutputSampleRate = 24000
	OutputChannels   = 1
	OutputBitDepth   = 16

	// ChunkSize is the byte length of one audio_chunk payload.
	ChunkSize = 4096
)

// Format describes how an uploaded audio payload should be labelled for STT.
type Format struct {
	Filename    string
	ContentType string
}

var (
	FormatWAV  = Format{Filename: "audio.wav", ContentType: "audio/wav"}
	FormatWebM = Format{Filename: "audio.webm", ContentType: "audio/webm"}
)

// SniffFormat inspects the first four bytes for a RIFF signature. Anything
// else is assumed to be the legacy WebM container.
func SniffFormat(audio []byte) Format {
	if IsWAV(audio) {
		return FormatWAV
	}
	return FormatWebM
}

func IsWAV(audio []byte) bool {
	return len(audio) >= 4 && bytes.Equal(audio[:4], []byte("RIFF"))
}

// ChunkPCM slices pcm into consecutive chunks of at most size bytes.
// The chunks share pcm's backing array.
func ChunkPCM(pcm []byte, size int) [][]byte {
	if size <= 0 {
		size = ChunkSize
	}
	if len(pcm) == 0 {
		return nil
	}
	out := make([][]byte, 0, (len(pcm)+size-1)/size)
	for i := 0; i < len(pcm); i += size {
		end := min(i+size, len(pcm))
		out = append(out, pcm[i:end])
	}
	return out
}

// EncodeWAV renders mono float32 samples in [-1, 1] as a 16-bit PCM WAV file
// with a 44-byte header.
func EncodeWAV(samples []float32, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
		headerSize    = 44
	)
	dataSize := len(samples) * 2
	blockAlign := channels * bitsPerSample / 8

	buf := make([]byte, headerSize+dataSize)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], channels)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))

	off := headerSize
	for _, s := range samples {
		v := math.Max(-1, math.Min(1, float64(s)))
		var pcm int16
		if v < 0 {
			pcm = int16(v * 0x8000)
		} else {
			pcm = int16(v * 0x7FFF)
		}
		binary.LittleEndian.PutUint16(buf[off:off+2], uint16(pcm))
		off += 2
	}
	return buf
}
