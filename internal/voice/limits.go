package voice

import (
	"fmt"
	"time"

	"github.com/Paul-M-Kallarackal/attendee/internal/audio"
)

// ProviderLimits bounds a batch utterance for one provider. SampleRate is the
// rate the provider expects uploads at; the size limit is applied at the
// rate of the audio actually buffered so it always means MaxSeconds of audio.
type ProviderLimits struct {
	Name           string  `yaml:"name"`
	SampleRate     int     `yaml:"sample_rate"`
	MaxSeconds     float64 `yaml:"max_seconds"`
	SilenceSeconds float64 `yaml:"silence_seconds"`
}

// MaxBytes is the buffer size that forces a flush for audio at rate.
func (l ProviderLimits) MaxBytes(rate int) int {
	return int(float64(rate)*l.MaxSeconds) * audio.BytesPerSample
}

// Silence is the trailing pause that ends an utterance.
func (l ProviderLimits) Silence() time.Duration {
	return time.Duration(l.SilenceSeconds * float64(time.Second))
}

// Validate rejects limits that would never flush.
func (l ProviderLimits) Validate() error {
	if l.MaxSeconds <= 0 {
		return fmt.Errorf("provider %q: max_seconds must be positive", l.Name)
	}
	if l.SilenceSeconds <= 0 {
		return fmt.Errorf("provider %q: silence_seconds must be positive", l.Name)
	}
	if l.SampleRate <= 0 {
		return fmt.Errorf("provider %q: sample_rate must be positive", l.Name)
	}
	return nil
}

// DefaultLimits are the built-in provider limits, keyed by provider name.
func DefaultLimits() map[string]ProviderLimits {
	return map[string]ProviderLimits{
		"whisper":    {Name: "whisper", SampleRate: 16000, MaxSeconds: 30, SilenceSeconds: 1},
		"assemblyai": {Name: "assemblyai", SampleRate: 16000, MaxSeconds: 300, SilenceSeconds: 3},
		"default":    {Name: "default", SampleRate: 48000, MaxSeconds: 300, SilenceSeconds: 3},
	}
}

// LimitsFor returns the limits for provider, falling back to "default".
func LimitsFor(table map[string]ProviderLimits, provider string) ProviderLimits {
	if l, ok := table[provider]; ok {
		return l
	}
	return table["default"]
}
