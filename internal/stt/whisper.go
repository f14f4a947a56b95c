// Package stt holds the speech provider clients: an HTTP batch client for
// whisper-style servers, a websocket streaming client and the TTS client
// used by scripted playback.
package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Paul-M-Kallarackal/attendee/internal/audio"
	"github.com/Paul-M-Kallarackal/attendee/internal/voice"
)

// WhisperClient posts WAV audio to a whisper-compatible HTTP endpoint.
type WhisperClient struct {
	URL       string
	AuthToken string
	Client    *http.Client
	Timeout   time.Duration
	Attempts  int
	Backoff   time.Duration
	Language  string
	Translate bool
}

type whisperResponse struct {
	Text string `json:"text"`
}

// Transcribe uploads PCM16 mono at rate and returns the transcript.
func (w *WhisperClient) Transcribe(ctx context.Context, pcm []byte, rate int, correlationID string) (string, error) {
	if w == nil || w.URL == "" {
		return "", voice.NewProviderError(voice.ReasonInternal, fmt.Errorf("whisper url not configured"))
	}
	body, err := postWithRetries(ctx, w.Client, postRequest{
		URL:           w.requestURL(),
		ContentType:   "audio/wav",
		Body:          audio.BuildWAV(pcm, rate, 1, 16),
		AuthToken:     w.AuthToken,
		Timeout:       w.Timeout,
		Attempts:      w.attempts(),
		Backoff:       w.backoff(),
		CorrelationID: correlationID,
	})
	if err != nil {
		return "", err
	}
	var out whisperResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", voice.NewProviderError(voice.ReasonInternal, fmt.Errorf("decode whisper response: %w", err))
	}
	return strings.TrimSpace(out.Text), nil
}

func (w *WhisperClient) requestURL() string {
	u, err := url.Parse(w.URL)
	if err != nil {
		return w.URL
	}
	q := u.Query()
	if w.Language != "" {
		q.Set("language", w.Language)
	}
	if w.Translate {
		q.Set("task", "translate")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (w *WhisperClient) attempts() int {
	if w.Attempts > 0 {
		return w.Attempts
	}
	return 3
}

func (w *WhisperClient) backoff() time.Duration {
	if w.Backoff > 0 {
		return w.Backoff
	}
	return time.Second
}
