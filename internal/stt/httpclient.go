package stt

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Paul-M-Kallarackal/attendee/internal/logging"
	"github.com/Paul-M-Kallarackal/attendee/internal/voice"
)

// postRequest describes one provider upload.
type postRequest struct {
	URL           string
	ContentType   string
	Body          []byte
	AuthToken     string
	Timeout       time.Duration
	Attempts      int
	Backoff       time.Duration
	CorrelationID string
}

// postWithRetries posts body and returns the response payload. Attempts are
// repeated with exponential backoff while the failure reason is retryable.
// Errors are *voice.ProviderError.
func postWithRetries(ctx context.Context, client *http.Client, r postRequest) ([]byte, error) {
	if r.Attempts <= 0 {
		r.Attempts = 1
	}
	if client == nil {
		client = &http.Client{Timeout: r.Timeout}
	}
	var lastErr error
	for i := 0; i < r.Attempts; i++ {
		if i > 0 {
			backoff := r.Backoff * time.Duration(1<<(i-1))
			select {
			case <-ctx.Done():
				return nil, voice.NewProviderError(voice.ReasonFor(ctx.Err()), ctx.Err())
			case <-time.After(backoff):
			}
		}
		body, err := postOnce(ctx, client, r)
		if err == nil {
			return body, nil
		}
		lastErr = err
		reason := voice.ReasonFor(err)
		logging.Warnw("stt: POST attempt failed", "attempt", i+1, "reason", reason, "err", err, "correlation_id", r.CorrelationID)
		if !reason.Retryable() {
			break
		}
	}
	return nil, lastErr
}

func postOnce(ctx context.Context, client *http.Client, r postRequest) ([]byte, error) {
	reqCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, r.URL, bytes.NewReader(r.Body))
	if err != nil {
		return nil, voice.NewProviderError(voice.ReasonInternal, err)
	}
	req.Header.Set("Content-Type", r.ContentType)
	if r.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.AuthToken)
	}
	if r.CorrelationID != "" {
		req.Header.Set("X-Correlation-ID", r.CorrelationID)
	}
	resp, err := client.Do(req)
	if err != nil {
		reason := voice.ReasonFor(err)
		if reason == voice.ReasonInternal {
			reason = voice.ReasonUploadFailed
		}
		return nil, voice.NewProviderError(reason, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, voice.NewProviderError(voice.ReasonUploadFailed, err)
	}
	if resp.StatusCode >= 300 {
		return nil, voice.NewProviderError(voice.ReasonForStatus(resp.StatusCode), fmt.Errorf("status %d", resp.StatusCode))
	}
	return body, nil
}
