package discord

import (
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/hraban/opus"

	"github.com/Paul-M-Kallarackal/attendee/internal/audio"
	"github.com/Paul-M-Kallarackal/attendee/internal/logging"
)

const (
	frameSamples = SampleRate / 50 // 20ms
	channels     = 2
	maxOpusBytes = 4000
	speakingHold = 250 * time.Millisecond
)

// VoiceSink writes playback frames to a voice connection. Mono PCM16 at any
// rate is resampled to 48 kHz, cut into 20ms frames, duplicated to stereo and
// opus encoded.
type VoiceSink struct {
	out      chan<- []byte
	speaking func(bool) error
	enc      *opus.Encoder

	mu        sync.Mutex
	pending   []byte
	isSpeak   bool
	quietTime *time.Timer
}

func NewVoiceSink(vc *discordgo.VoiceConnection) (*VoiceSink, error) {
	if vc == nil || vc.OpusSend == nil {
		return nil, fmt.Errorf("voice connection has no send channel")
	}
	return newVoiceSink(vc.OpusSend, vc.Speaking)
}

func newVoiceSink(out chan<- []byte, speaking func(bool) error) (*VoiceSink, error) {
	enc, err := opus.NewEncoder(SampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	return &VoiceSink{out: out, speaking: speaking, enc: enc}, nil
}

// PlayFrame encodes and sends every whole 20ms frame available. A remainder
// shorter than one frame is held for the next call.
func (v *VoiceSink) PlayFrame(pcm []byte, sampleRate int) error {
	if sampleRate != SampleRate {
		out, err := audio.Resample(pcm, sampleRate, SampleRate)
		if err != nil {
			return err
		}
		pcm = out
	}
	v.mu.Lock()
	v.pending = append(v.pending, pcm...)
	var packets [][]byte
	frameBytes := frameSamples * audio.BytesPerSample
	for len(v.pending) >= frameBytes {
		mono := audio.BytesToSamples(v.pending[:frameBytes])
		v.pending = append(v.pending[:0], v.pending[frameBytes:]...)
		stereo := make([]int16, len(mono)*channels)
		for i, s := range mono {
			stereo[2*i] = s
			stereo[2*i+1] = s
		}
		buf := make([]byte, maxOpusBytes)
		n, err := v.enc.Encode(stereo, buf)
		if err != nil {
			v.mu.Unlock()
			return fmt.Errorf("opus encode: %w", err)
		}
		packets = append(packets, buf[:n])
	}
	start := len(packets) > 0 && v.markSpeakingLocked()
	v.mu.Unlock()

	if start {
		v.setSpeaking(true)
	}
	for _, p := range packets {
		v.out <- p
	}
	return nil
}

// markSpeakingLocked extends the speaking window and reports whether it
// just opened.
func (v *VoiceSink) markSpeakingLocked() bool {
	if v.quietTime == nil {
		v.quietTime = time.AfterFunc(speakingHold, v.quiet)
	} else {
		v.quietTime.Reset(speakingHold)
	}
	if v.isSpeak {
		return false
	}
	v.isSpeak = true
	return true
}

func (v *VoiceSink) quiet() {
	v.mu.Lock()
	was := v.isSpeak
	v.isSpeak = false
	v.pending = v.pending[:0]
	v.mu.Unlock()
	if was {
		v.setSpeaking(false)
	}
}

func (v *VoiceSink) setSpeaking(on bool) {
	if v.speaking == nil {
		return
	}
	if err := v.speaking(on); err != nil {
		logging.Debugw("discord: set speaking failed", "speaking", on, "err", err)
	}
}

// Close stops the speaking timer.
func (v *VoiceSink) Close() {
	v.mu.Lock()
	t := v.quietTime
	v.mu.Unlock()
	if t != nil {
		t.Stop()
	}
	v.quiet()
}
