package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/Paul-M-Kallarackal/attendee/internal/logging"
	"github.com/Paul-M-Kallarackal/attendee/internal/voice"
	"github.com/gorilla/websocket"
)

// StreamConfig configures the websocket streaming provider.
type StreamConfig struct {
	URL             string
	APIKey          string
	DialTimeout     time.Duration
	WriteTimeout    time.Duration
	FinalizeTimeout time.Duration
}

// streamMessage is what the provider sends back.
type streamMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// closeStream asks the provider to flush and end the session.
var closeStream = []byte(`{"type":"CloseStream"}`)

// StreamClient is one speaker's websocket session. Audio is sent as binary
// PCM16 frames; results arrive as JSON text frames.
type StreamClient struct {
	cfg       StreamConfig
	speakerID string
	conn      *websocket.Conn

	once     sync.Once
	readDone chan struct{}

	mu       sync.Mutex
	onResult func(voice.Result)
}

// DialStream opens a provider session for audio at sampleRate.
func DialStream(ctx context.Context, cfg StreamConfig, speakerID string, sampleRate int) (*StreamClient, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, voice.NewProviderError(voice.ReasonInternal, fmt.Errorf("parse stream url: %w", err))
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("encoding", "linear16")
	q.Set("channels", "1")
	u.RawQuery = q.Encode()

	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("Authorization", "Token "+cfg.APIKey)
	}
	dialer := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, voice.NewProviderError(voice.ReasonForStatus(resp.StatusCode), fmt.Errorf("dial stream: %w", err))
		}
		reason := voice.ReasonFor(err)
		if reason == voice.ReasonInternal {
			reason = voice.ReasonUploadFailed
		}
		return nil, voice.NewProviderError(reason, fmt.Errorf("dial stream: %w", err))
	}
	logging.Debugw("stt: stream connected", "speaker.id", speakerID, "url", u.Redacted())
	return &StreamClient{cfg: cfg, speakerID: speakerID, conn: conn, readDone: make(chan struct{})}, nil
}

// OnResult registers the result callback and starts reading. Results are
// delivered on the reader goroutine.
func (c *StreamClient) OnResult(fn func(voice.Result)) {
	c.mu.Lock()
	c.onResult = fn
	c.mu.Unlock()
	c.once.Do(func() { go c.readLoop() })
}

func (c *StreamClient) Send(ctx context.Context, pcm []byte) error {
	if err := ctx.Err(); err != nil {
		return voice.NewProviderError(voice.ReasonProviderTimeout, err)
	}
	c.setWriteDeadline()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		return voice.NewProviderError(voice.ReasonUploadFailed, fmt.Errorf("stream send: %w", err))
	}
	return nil
}

// Finalize sends CloseStream, waits for the provider to deliver trailing
// results and close, then releases the connection.
func (c *StreamClient) Finalize(ctx context.Context) error {
	defer c.conn.Close()
	c.setWriteDeadline()
	if err := c.conn.WriteMessage(websocket.TextMessage, closeStream); err != nil {
		return voice.NewProviderError(voice.ReasonUploadFailed, fmt.Errorf("stream close: %w", err))
	}
	c.once.Do(func() { go c.readLoop() })
	wait := c.cfg.FinalizeTimeout
	if wait <= 0 {
		wait = 5 * time.Second
	}
	select {
	case <-c.readDone:
		return nil
	case <-ctx.Done():
		return voice.NewProviderError(voice.ReasonProviderTimeout, ctx.Err())
	case <-time.After(wait):
		return voice.NewProviderError(voice.ReasonProviderTimeout, errors.New("stream finalize timed out"))
	}
}

func (c *StreamClient) setWriteDeadline() {
	if c.cfg.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
}

func (c *StreamClient) deliver(r voice.Result) {
	c.mu.Lock()
	fn := c.onResult
	c.mu.Unlock()
	if fn != nil {
		fn(r)
	}
}

func (c *StreamClient) readLoop() {
	defer close(c.readDone)
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, net.ErrClosed) {
				logging.Debugw("stt: stream read ended", "speaker.id", c.speakerID, "err", err)
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Debugw("stt: ignoring undecodable stream message", "speaker.id", c.speakerID, "err", err)
			continue
		}
		switch msg.Type {
		case "transcript":
			c.deliver(voice.Result{Text: msg.Text, IsFinal: msg.IsFinal})
		case "error":
			c.deliver(voice.Result{Err: voice.NewProviderError(voice.ReasonForStatus(msg.Code), errors.New(msg.Message))})
		}
	}
}

// NewStreamFactory selects the streaming provider by name.
func NewStreamFactory(provider string, cfg StreamConfig) (voice.StreamFactory, error) {
	switch provider {
	case "websocket", "":
		if cfg.URL == "" {
			return nil, errors.New("stream url not configured")
		}
		return voice.StreamFactoryFunc(func(ctx context.Context, speakerID string, sampleRate int) (voice.StreamSession, error) {
			c, err := DialStream(ctx, cfg, speakerID, sampleRate)
			if err != nil {
				return nil, err
			}
			return c, nil
		}), nil
	default:
		return nil, fmt.Errorf("unknown streaming provider %q", provider)
	}
}
