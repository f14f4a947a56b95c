package control

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Paul-M-Kallarackal/attendee/internal/audio"
	"github.com/Paul-M-Kallarackal/attendee/internal/playback"
	"github.com/Paul-M-Kallarackal/attendee/internal/voice"
)

type fakePlayer struct {
	mu      sync.Mutex
	reqs    []playback.Request
	stopped int
	playing string
}

func (f *fakePlayer) Start(_ context.Context, req playback.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.Kind == playback.KindTTS && req.Text == "fail" {
		return "", playback.ErrNoSynthesizer
	}
	f.reqs = append(f.reqs, req)
	f.playing = "p-1"
	return f.playing, nil
}

func (f *fakePlayer) Stop() {
	f.mu.Lock()
	f.stopped++
	f.playing = ""
	f.mu.Unlock()
}

func (f *fakePlayer) Playing() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playing
}

func (f *fakePlayer) requests() ([]playback.Request, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]playback.Request(nil), f.reqs...), f.stopped
}

type fakeStats struct{}

func (fakeStats) Stats() voice.Stats {
	return voice.Stats{Mode: voice.ModeBoth, Enqueued: 12, StreamingActive: 2}
}

type injected struct {
	n    int
	rate int
}

type fakeInjector struct {
	mu  sync.Mutex
	got []injected
}

func (f *fakeInjector) AddChunk(pcm []byte, rate int) error {
	f.mu.Lock()
	f.got = append(f.got, injected{n: len(pcm), rate: rate})
	f.mu.Unlock()
	return nil
}

func (f *fakeInjector) snapshot() []injected {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]injected(nil), f.got...)
}

func newTestServer(t *testing.T, clips string) (*httptest.Server, *fakePlayer, *fakeInjector) {
	t.Helper()
	p, in := &fakePlayer{}, &fakeInjector{}
	s := NewServer(Options{ClipsDir: clips}, p, fakeStats{}, in)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, p, in
}

func connect(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c := NewClient("test-client", "test")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx, srv.URL+"/mcp/ws"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSpeakAndStopTools(t *testing.T) {
	srv, p, _ := newTestServer(t, "")
	c := connect(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := c.Call(ctx, "speak", map[string]any{"text": "hello everyone"})
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	if out != "playing p-1" {
		t.Fatalf("speak result: %q", out)
	}
	if reqs, _ := p.requests(); len(reqs) != 1 || reqs[0].Kind != playback.KindTTS || reqs[0].Text != "hello everyone" {
		t.Fatalf("requests: %+v", reqs)
	}

	if _, err := c.Call(ctx, "speak", map[string]any{"text": "fail"}); err == nil || !strings.Contains(err.Error(), "synthesizer") {
		t.Fatalf("want synthesizer error, got %v", err)
	}

	if out, err := c.Call(ctx, "stop_playback", nil); err != nil || out != "stopped" {
		t.Fatalf("stop: %q %v", out, err)
	}
	if _, stopped := p.requests(); stopped != 1 {
		t.Fatalf("stop not forwarded")
	}
}

func TestPlayClipTool(t *testing.T) {
	dir := t.TempDir()
	wavBytes := audio.BuildWAV(make([]byte, 800), 8000, 1, 16)
	if err := os.WriteFile(filepath.Join(dir, "chime.wav"), wavBytes, 0o644); err != nil {
		t.Fatal(err)
	}
	srv, p, _ := newTestServer(t, dir)
	c := connect(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.Call(ctx, "play_clip", map[string]any{"name": "chime.wav"}); err != nil {
		t.Fatalf("play_clip by name: %v", err)
	}
	raw := base64.StdEncoding.EncodeToString(make([]byte, 320))
	if _, err := c.Call(ctx, "play_clip", map[string]any{"audio_base64": raw, "sample_rate": 16000}); err != nil {
		t.Fatalf("play_clip inline: %v", err)
	}
	reqs, _ := p.requests()
	if len(reqs) != 2 {
		t.Fatalf("requests: %+v", reqs)
	}
	if r := reqs[0]; r.Kind != playback.KindPrerecorded || r.SampleRate != 8000 || len(r.Audio) != 800 {
		t.Fatalf("clip request: kind=%s rate=%d bytes=%d", r.Kind, r.SampleRate, len(r.Audio))
	}
	if r := reqs[1]; r.SampleRate != 16000 || len(r.Audio) != 320 {
		t.Fatalf("inline request: rate=%d bytes=%d", r.SampleRate, len(r.Audio))
	}

	for _, args := range []map[string]any{
		{"name": "../secret.wav"},
		{"name": "missing.wav"},
		{"audio_base64": raw},
		{},
	} {
		if _, err := c.Call(ctx, "play_clip", args); err == nil {
			t.Errorf("want error for %v", args)
		}
	}
}

func TestPipelineStatusTool(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	c := connect(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := c.Call(ctx, "pipeline_status", nil)
	if err != nil {
		t.Fatalf("pipeline_status: %v", err)
	}
	var st Status
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("status json %q: %v", out, err)
	}
	if st.Mode != "both" || st.Enqueued != 12 || st.StreamingActive != 2 || st.Playing != "" {
		t.Fatalf("status: %+v", st)
	}
}

func TestInjectEndpoint(t *testing.T) {
	srv, _, in := newTestServer(t, "")
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/inject?rate=8000", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = conn.WriteMessage(websocket.BinaryMessage, make([]byte, 320))
	_ = conn.WriteMessage(websocket.TextMessage, []byte("ignored"))
	_ = conn.WriteMessage(websocket.BinaryMessage, make([]byte, 160))
	conn.Close()
	waitInjected(t, in, 2)

	conn2, _, err := websocket.DefaultDialer.Dial(wsURL+"/inject", nil)
	if err != nil {
		t.Fatalf("dial default rate: %v", err)
	}
	_ = conn2.WriteMessage(websocket.BinaryMessage, make([]byte, 64))
	conn2.Close()

	waitInjected(t, in, 3)
	got := in.snapshot()
	if len(got) != 3 {
		t.Fatalf("injected: %+v", got)
	}
	if got[0] != (injected{n: 320, rate: 8000}) || got[1] != (injected{n: 160, rate: 8000}) || got[2] != (injected{n: 64, rate: DefaultInjectRate}) {
		t.Fatalf("injected: %+v", got)
	}

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"/inject?rate=abc", nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("want 400 for bad rate, err=%v", err)
	}
}

func waitInjected(t *testing.T, in *fakeInjector, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(in.snapshot()) < n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
}
