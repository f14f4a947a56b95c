package audio

import (
	"fmt"
	"sync"

	"github.com/hraban/opus"
)

// OpusRate is the rate platform opus streams are decoded at.
const OpusRate = 48000

// maxOpusFrame is 120 ms at 48 kHz, the largest frame opus allows.
const maxOpusFrame = OpusRate * 120 / 1000

// OpusDecoder keeps one opus decoder per speaker; decoders are stateful and
// must not be shared between streams.
type OpusDecoder struct {
	mu       sync.Mutex
	decoders map[string]*opus.Decoder
}

func NewOpusDecoder() *OpusDecoder {
	return &OpusDecoder{decoders: make(map[string]*opus.Decoder)}
}

// Decode turns an opus chunk into a PCM16 chunk at OpusRate. PCM chunks pass
// through untouched.
func (d *OpusDecoder) Decode(c Chunk) (Chunk, error) {
	if c.Format != FormatOpus {
		return c, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	dec, ok := d.decoders[c.SpeakerID]
	if !ok {
		var err error
		dec, err = opus.NewDecoder(OpusRate, 1)
		if err != nil {
			return Chunk{}, fmt.Errorf("create opus decoder: %w", err)
		}
		d.decoders[c.SpeakerID] = dec
	}
	pcm := make([]int16, maxOpusFrame)
	n, err := dec.Decode(c.Payload, pcm)
	if err != nil {
		return Chunk{}, fmt.Errorf("%w: opus decode: %v", ErrMalformedPayload, err)
	}
	c.Payload = SamplesToBytes(pcm[:n])
	c.SampleRate = OpusRate
	c.Format = FormatPCM16
	return c, nil
}

// Forget drops the decoder state for a speaker that left.
func (d *OpusDecoder) Forget(speakerID string) {
	d.mu.Lock()
	delete(d.decoders, speakerID)
	d.mu.Unlock()
}
