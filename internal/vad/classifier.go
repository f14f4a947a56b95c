// Package vad decides whether an audio chunk carries speech.
//
// A chunk is speech only when both signals agree: its normalized RMS energy
// is at or above the threshold, and the frame-level voice activity model
// reports speech in at least one sub-frame. Energy catches near-silence the
// model is not sensitive to; the model rejects steady background noise that
// has energy but no voice.
package vad

import (
	"fmt"
	"math"

	"github.com/Paul-M-Kallarackal/attendee/internal/audio"
	"github.com/Paul-M-Kallarackal/attendee/internal/logging"
)

// Decision is the outcome of classifying one chunk.
type Decision int

const (
	Silent Decision = iota
	Speech
)

func (d Decision) String() string {
	if d == Speech {
		return "speech"
	}
	return "silent"
}

// Detector is a frame-level voice activity model.
type Detector interface {
	// IsSpeech reports whether a single frame of PCM16 at rate contains voice.
	IsSpeech(rate int, frame []byte) (bool, error)
}

// Config tunes the classifier. RMSThreshold is on the normalized [0,1]
// scale (rms / 32768).
type Config struct {
	RMSThreshold float64
	FrameMs      int
}

// DefaultConfig returns the thresholds used when nothing is configured.
func DefaultConfig() Config {
	return Config{RMSThreshold: 0.0025, FrameMs: 30}
}

// Classifier combines energy and model signals. It holds no per-chunk state.
type Classifier struct {
	cfg      Config
	detector Detector
}

// NewClassifier builds a classifier. A nil detector means energy only.
func NewClassifier(cfg Config, detector Detector) *Classifier {
	if cfg.FrameMs <= 0 {
		cfg.FrameMs = DefaultConfig().FrameMs
	}
	if detector == nil {
		detector = EnergyOnly{}
	}
	return &Classifier{cfg: cfg, detector: detector}
}

// Classify returns Speech or Silent for a PCM16 chunk. A malformed payload
// yields audio.ErrMalformedPayload.
func (c *Classifier) Classify(chunk audio.Chunk) (Decision, error) {
	if err := chunk.Validate(); err != nil {
		return Silent, err
	}
	if len(chunk.Payload) == 0 {
		return Silent, nil
	}
	if NormalizedRMS(chunk.Payload) < c.cfg.RMSThreshold {
		return Silent, nil
	}
	voiced, err := c.anyFrameVoiced(chunk)
	if err != nil {
		// The model cannot judge this chunk (e.g. unsupported rate); the
		// energy test alone has already passed.
		logging.Debugw("vad model unavailable, using energy only", "speaker.id", chunk.SpeakerID, "sample_rate", chunk.SampleRate, "err", err)
		return Speech, nil
	}
	if !voiced {
		return Silent, nil
	}
	return Speech, nil
}

func (c *Classifier) anyFrameVoiced(chunk audio.Chunk) (bool, error) {
	frameBytes := chunk.SampleRate * c.cfg.FrameMs / 1000 * audio.BytesPerSample
	if frameBytes <= 0 {
		return false, fmt.Errorf("frame size is zero at %d Hz", chunk.SampleRate)
	}
	p := chunk.Payload
	if len(p) < frameBytes {
		// Short chunks are padded with silence to one full frame.
		padded := make([]byte, frameBytes)
		copy(padded, p)
		p = padded
	}
	for off := 0; off+frameBytes <= len(p); off += frameBytes {
		ok, err := c.detector.IsSpeech(chunk.SampleRate, p[off:off+frameBytes])
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// NormalizedRMS returns the RMS of PCM16 samples scaled to [0,1].
func NormalizedRMS(pcm []byte) float64 {
	samples := audio.BytesToSamples(pcm)
	if len(samples) == 0 {
		return 0
	}
	var sumSq float64
	for _, s := range samples {
		v := float64(s)
		sumSq += v * v
	}
	return math.Sqrt(sumSq/float64(len(samples))) / 32768.0
}

// EnergyOnly is a Detector that always votes speech, leaving the decision to
// the energy threshold.
type EnergyOnly struct{}

func (EnergyOnly) IsSpeech(int, []byte) (bool, error) { return true, nil }
