// Package control exposes the bot's egress paths to external callers: an MCP
// server over websocket for scripted playback and pipeline status, and a
// websocket endpoint for realtime audio injection.
package control

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Paul-M-Kallarackal/attendee/internal/audio"
	"github.com/Paul-M-Kallarackal/attendee/internal/logging"
	"github.com/Paul-M-Kallarackal/attendee/internal/playback"
	"github.com/Paul-M-Kallarackal/attendee/internal/voice"
)

// Player is the scripted playback surface.
type Player interface {
	Start(ctx context.Context, req playback.Request) (string, error)
	Stop()
	Playing() string
}

// StatsSource reports pipeline counters.
type StatsSource interface {
	Stats() voice.Stats
}

// Injector accepts live audio.
type Injector interface {
	AddChunk(pcm []byte, sampleRate int) error
}

// DefaultInjectRate is used when /inject is opened without ?rate=.
const DefaultInjectRate = 16000

type Options struct {
	Name    string
	Version string
	// ClipsDir holds WAV files play_clip may reference by name.
	ClipsDir string
}

type Server struct {
	opts     Options
	player   Player
	stats    StatsSource
	injector Injector
	mcp      *mcp.Server
	upgrader websocket.Upgrader
}

func NewServer(opts Options, player Player, stats StatsSource, injector Injector) *Server {
	if opts.Name == "" {
		opts.Name = "attendee"
	}
	if opts.Version == "" {
		opts.Version = "v0.0.0"
	}
	s := &Server{
		opts:     opts,
		player:   player,
		stats:    stats,
		injector: injector,
		mcp:      mcp.NewServer(&mcp.Implementation{Name: opts.Name, Version: opts.Version}, nil),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	s.registerTools()
	return s
}

// Handler serves /health, /mcp/ws and /inject.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/mcp/ws", s.serveMCP)
	mux.HandleFunc("/inject", s.serveInject)
	return mux
}

func (s *Server) serveMCP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnw("control: mcp upgrade failed", "err", err)
		return
	}
	go func() {
		session, err := s.mcp.Connect(context.Background(), newWSTransport(conn), nil)
		if err != nil {
			logging.Warnw("control: mcp connect failed", "err", err)
			_ = conn.Close()
			return
		}
		logging.Infow("control: mcp session started", "remote", r.RemoteAddr)
		if err := session.Wait(); err != nil {
			logging.Debugw("control: mcp session ended with error", "err", err)
		} else {
			logging.Infow("control: mcp session ended")
		}
	}()
}

func (s *Server) serveInject(w http.ResponseWriter, r *http.Request) {
	if s.injector == nil {
		http.Error(w, "injection disabled", http.StatusServiceUnavailable)
		return
	}
	rate := DefaultInjectRate
	if v := r.URL.Query().Get("rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid rate", http.StatusBadRequest)
			return
		}
		rate = n
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnw("control: inject upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	logging.Infow("control: inject stream opened", "remote", r.RemoteAddr, "sample_rate", rate)
	var chunks, dropped int
	defer func() {
		logging.Infow("control: inject stream closed", "chunks", chunks, "dropped", dropped)
	}()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if err := s.injector.AddChunk(data, rate); err != nil {
			if errors.Is(err, playback.ErrInjectorClosed) {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
				return
			}
			dropped++
			logging.Debugw("control: inject chunk rejected", "err", err, "bytes", len(data))
			continue
		}
		chunks++
	}
}

type speakArgs struct {
	Text string `json:"text" jsonschema:"text for the bot to say"`
}

type playClipArgs struct {
	Name        string `json:"name,omitempty" jsonschema:"WAV file name in the clips directory"`
	AudioBase64 string `json:"audio_base64,omitempty" jsonschema:"base64 PCM16 mono audio, used when name is empty"`
	SampleRate  int    `json:"sample_rate,omitempty" jsonschema:"sample rate of audio_base64"`
}

type noArgs struct{}

// Status is the pipeline_status tool payload.
type Status struct {
	Mode             string `json:"mode"`
	Enqueued         int64  `json:"enqueued"`
	DroppedQueueFull int64  `json:"dropped_queue_full"`
	DroppedMalformed int64  `json:"dropped_malformed"`
	OpenUtterances   int    `json:"open_utterances"`
	StreamingActive  int    `json:"streaming_active"`
	LiveCaptions     int    `json:"live_captions"`
	Playing          string `json:"playing,omitempty"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{Name: "speak", Description: "synthesize text and play it into the meeting, replacing any current playback"},
		func(ctx context.Context, req *mcp.CallToolRequest, args speakArgs) (*mcp.CallToolResult, any, error) {
			if strings.TrimSpace(args.Text) == "" {
				return toolError("text is required"), nil, nil
			}
			id, err := s.player.Start(ctx, playback.Request{Kind: playback.KindTTS, Text: args.Text})
			if err != nil {
				return toolError(err.Error()), nil, nil
			}
			return toolText("playing " + id), nil, nil
		})

	mcp.AddTool(s.mcp, &mcp.Tool{Name: "play_clip", Description: "play a prerecorded clip into the meeting, replacing any current playback"},
		func(ctx context.Context, req *mcp.CallToolRequest, args playClipArgs) (*mcp.CallToolResult, any, error) {
			pcm, rate, err := s.loadClip(args)
			if err != nil {
				return toolError(err.Error()), nil, nil
			}
			id, err := s.player.Start(ctx, playback.Request{Kind: playback.KindPrerecorded, Audio: pcm, SampleRate: rate})
			if err != nil {
				return toolError(err.Error()), nil, nil
			}
			return toolText("playing " + id), nil, nil
		})

	mcp.AddTool(s.mcp, &mcp.Tool{Name: "stop_playback", Description: "stop the current playback"},
		func(ctx context.Context, req *mcp.CallToolRequest, _ noArgs) (*mcp.CallToolResult, any, error) {
			s.player.Stop()
			return toolText("stopped"), nil, nil
		})

	mcp.AddTool(s.mcp, &mcp.Tool{Name: "pipeline_status", Description: "report transcription pipeline counters and playback state"},
		func(ctx context.Context, req *mcp.CallToolRequest, _ noArgs) (*mcp.CallToolResult, any, error) {
			b, err := json.Marshal(s.status())
			if err != nil {
				return nil, nil, err
			}
			return toolText(string(b)), nil, nil
		})
}

func (s *Server) status() Status {
	var st Status
	if s.stats != nil {
		v := s.stats.Stats()
		st = Status{
			Mode:             string(v.Mode),
			Enqueued:         v.Enqueued,
			DroppedQueueFull: v.DroppedQueueFull,
			DroppedMalformed: v.DroppedMalformed,
			OpenUtterances:   v.OpenUtterances,
			StreamingActive:  v.StreamingActive,
			LiveCaptions:     v.LiveCaptions,
		}
	}
	st.Playing = s.player.Playing()
	return st
}

func (s *Server) loadClip(args playClipArgs) ([]byte, int, error) {
	if args.Name != "" {
		if s.opts.ClipsDir == "" {
			return nil, 0, fmt.Errorf("no clips directory configured")
		}
		name := filepath.Base(args.Name)
		if name != args.Name || strings.HasPrefix(name, ".") {
			return nil, 0, fmt.Errorf("invalid clip name %q", args.Name)
		}
		b, err := os.ReadFile(filepath.Join(s.opts.ClipsDir, name))
		if err != nil {
			return nil, 0, fmt.Errorf("read clip: %w", err)
		}
		return audio.DecodeWAV(b)
	}
	if args.AudioBase64 == "" {
		return nil, 0, fmt.Errorf("name or audio_base64 is required")
	}
	pcm, err := base64.StdEncoding.DecodeString(args.AudioBase64)
	if err != nil {
		return nil, 0, fmt.Errorf("decode audio_base64: %w", err)
	}
	if args.SampleRate <= 0 {
		return nil, 0, fmt.Errorf("sample_rate is required with audio_base64")
	}
	return pcm, args.SampleRate, nil
}

func toolText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

func toolError(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{IsError: true, Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}
