package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Paul-M-Kallarackal/attendee/internal/audio"
	"github.com/Paul-M-Kallarackal/attendee/internal/logging"
)

// TTSClient performs text->audio synthesis using an external service. The
// service answers with a WAV body; anything else is taken as raw PCM16 at
// SampleRate.
type TTSClient struct {
	URL        string
	AuthToken  string
	Client     *http.Client
	Timeout    time.Duration
	Attempts   int
	SampleRate int
}

// Synthesize returns mono PCM16 and its sample rate.
func (t *TTSClient) Synthesize(ctx context.Context, text string) ([]byte, int, error) {
	if t == nil || t.URL == "" {
		return nil, 0, fmt.Errorf("tts client not configured")
	}
	body, _ := json.Marshal(map[string]string{"text": text})
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	attempts := t.Attempts
	if attempts <= 0 {
		attempts = 2
	}
	cid := logging.CorrelationID(ctx)
	resp, err := postWithRetries(ctx, t.Client, postRequest{
		URL:           t.URL,
		ContentType:   "application/json",
		Body:          body,
		AuthToken:     t.AuthToken,
		Timeout:       timeout,
		Attempts:      attempts,
		Backoff:       500 * time.Millisecond,
		CorrelationID: cid,
	})
	if err != nil {
		logging.Debugw("tts: POST failed", "err", err, "correlation_id", cid)
		return nil, 0, err
	}
	pcm, rate, err := audio.DecodeWAV(resp)
	if err != nil {
		rate := t.SampleRate
		if rate <= 0 {
			rate = 48000
		}
		if len(resp)%audio.BytesPerSample != 0 {
			return nil, 0, fmt.Errorf("tts returned %d bytes of non-wav audio: %w", len(resp), audio.ErrMalformedPayload)
		}
		logging.Debugw("tts: response is not wav, using raw pcm", "bytes", len(resp), "sample_rate", rate, "correlation_id", cid)
		return resp, rate, nil
	}
	logging.Infow("tts: synthesized", "chars", len(text), "bytes", len(pcm), "sample_rate", rate, "correlation_id", cid)
	return pcm, rate, nil
}
