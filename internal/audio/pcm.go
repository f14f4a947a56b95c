// Package audio holds the chunk model and PCM helpers shared by the
// ingestion and playback paths. All PCM is 16-bit little-endian mono.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Format identifies the encoding of a chunk payload.
type Format string

const (
	FormatPCM16 Format = "pcm_s16le"
	FormatOpus  Format = "opus"
)

// BytesPerSample is fixed: the pipeline only carries 16-bit mono PCM.
const BytesPerSample = 2

// ErrMalformedPayload reports a payload whose length does not match its format.
var ErrMalformedPayload = errors.New("malformed audio payload")

// Chunk is one frame of audio from a platform adapter. Timestamp is in
// milliseconds on a monotonic clock supplied by the adapter.
type Chunk struct {
	SpeakerID  string
	Timestamp  int64
	SampleRate int
	Format     Format
	Payload    []byte
}

// Validate checks the payload is whole 16-bit samples at a usable rate.
func (c Chunk) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate %d", ErrMalformedPayload, c.SampleRate)
	}
	if c.Format != "" && c.Format != FormatPCM16 {
		return fmt.Errorf("%w: unexpected format %q", ErrMalformedPayload, c.Format)
	}
	if len(c.Payload)%BytesPerSample != 0 {
		return fmt.Errorf("%w: %d bytes is not a whole number of samples", ErrMalformedPayload, len(c.Payload))
	}
	return nil
}

// DurationMs returns the duration of the chunk payload.
func (c Chunk) DurationMs() int64 { return DurationMs(len(c.Payload), c.SampleRate) }

// DurationMs returns the playing time of n bytes of PCM16 at rate.
func DurationMs(n int, rate int) int64 {
	if rate <= 0 {
		return 0
	}
	samples := int64(n / BytesPerSample)
	return samples * 1000 / int64(rate)
}

// BytesFor returns the number of PCM16 bytes spanning d at rate.
func BytesFor(rate int, d time.Duration) int {
	samples := int64(rate) * d.Milliseconds() / 1000
	return int(samples) * BytesPerSample
}

// BytesToSamples decodes PCM16LE bytes. A trailing odd byte is ignored.
func BytesToSamples(b []byte) []int16 {
	out := make([]int16, len(b)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// SamplesToBytes encodes samples as PCM16LE.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
