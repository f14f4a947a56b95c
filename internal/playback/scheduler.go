// Package playback holds the two egress paths into the meeting: scripted
// playback of synthesized speech or clips, and realtime injection of
// externally supplied audio.
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Paul-M-Kallarackal/attendee/internal/audio"
	"github.com/Paul-M-Kallarackal/attendee/internal/logging"
	"github.com/Paul-M-Kallarackal/attendee/internal/metrics"
)

// FrameSink transmits audio into the meeting.
type FrameSink interface {
	PlayFrame(pcm []byte, sampleRate int) error
}

// Synthesizer turns text into mono PCM16.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, int, error)
}

// ErrNoSynthesizer is returned for a TTS request when no synthesizer is configured.
var ErrNoSynthesizer = errors.New("no speech synthesizer configured")

type Kind string

const (
	KindTTS         Kind = "tts"
	KindPrerecorded Kind = "prerecorded"
)

// Request is one thing for the bot to say.
type Request struct {
	Kind       Kind
	Text       string
	Audio      []byte
	SampleRate int
	// OnDone is called from the worker when playback ends. err is
	// context.Canceled when the request was stopped or replaced.
	OnDone func(id string, err error)
}

func (r Request) validate(hasSynth bool) error {
	switch r.Kind {
	case KindTTS:
		if !hasSynth {
			return ErrNoSynthesizer
		}
		if r.Text == "" {
			return fmt.Errorf("tts request has no text")
		}
	case KindPrerecorded:
		if len(r.Audio) == 0 {
			return fmt.Errorf("prerecorded request has no audio")
		}
		if r.SampleRate <= 0 || len(r.Audio)%audio.BytesPerSample != 0 {
			return fmt.Errorf("prerecorded request: %w", audio.ErrMalformedPayload)
		}
	default:
		return fmt.Errorf("unknown playback kind %q", r.Kind)
	}
	return nil
}

type SchedulerConfig struct {
	// ChunkMs is the duration of audio handed to the sink per call.
	ChunkMs int
	// Interval is the sleep between chunks.
	Interval time.Duration
	// OutputRate, when set, is the rate frames are converted to.
	OutputRate int
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{ChunkMs: 20, Interval: 20 * time.Millisecond, OutputRate: 48000}
}

type playing struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler plays one request at a time. Starting a request stops the one in
// flight; requests are never queued.
type Scheduler struct {
	cfg   SchedulerConfig
	sink  FrameSink
	synth Synthesizer

	base   context.Context
	cancel context.CancelFunc

	mu  sync.Mutex
	cur *playing
}

// NewScheduler returns a scheduler writing to sink. synth may be nil, in
// which case only prerecorded requests are accepted.
func NewScheduler(cfg SchedulerConfig, sink FrameSink, synth Synthesizer) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.ChunkMs <= 0 {
		cfg.ChunkMs = def.ChunkMs
	}
	if cfg.Interval < 0 {
		cfg.Interval = 0
	}
	base, cancel := context.WithCancel(context.Background())
	return &Scheduler{cfg: cfg, sink: sink, synth: synth, base: base, cancel: cancel}
}

// Start cancels any in-flight playback and begins req on a new worker. The
// new worker waits for the old one to exit before writing its first frame.
// Log fields on ctx are carried to the worker; its cancellation is not.
func (s *Scheduler) Start(ctx context.Context, req Request) (string, error) {
	if err := req.validate(s.synth != nil); err != nil {
		return "", err
	}
	if s.base.Err() != nil {
		return "", fmt.Errorf("scheduler closed")
	}
	id := uuid.New().String()
	pctx, cancel := context.WithCancel(s.base)
	pctx = logging.WithFields(pctx, logging.FromContext(ctx)...)
	pctx = logging.WithFields(pctx, "playback.id", id, "kind", string(req.Kind))
	p := &playing{id: id, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	prev := s.cur
	s.cur = p
	s.mu.Unlock()

	if prev != nil {
		prev.cancel()
		logging.InfowCtx(pctx, "playback: replacing in-flight request", "previous.id", prev.id)
	}
	go s.run(pctx, p, prev, req)
	return id, nil
}

// Stop halts the current playback at the next chunk boundary and waits for
// its worker to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	p := s.cur
	s.cur = nil
	s.mu.Unlock()
	if p == nil {
		return
	}
	p.cancel()
	<-p.done
}

// Playing returns the ID of the active request, or "".
func (s *Scheduler) Playing() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return ""
	}
	return s.cur.id
}

// Wait blocks until the active request, if any, finishes.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	p := s.cur
	s.mu.Unlock()
	if p != nil {
		<-p.done
	}
}

// Close stops playback and rejects further requests.
func (s *Scheduler) Close() {
	s.cancel()
	s.Stop()
}

func (s *Scheduler) run(ctx context.Context, p, prev *playing, req Request) {
	defer close(p.done)
	if prev != nil {
		<-prev.done
	}

	start := time.Now()
	err := ctx.Err()
	var frames int
	if err == nil {
		var pcm []byte
		var rate int
		pcm, rate, err = s.source(ctx, req)
		if err == nil {
			frames, err = s.stream(ctx, pcm, rate)
		}
	}

	s.mu.Lock()
	if s.cur == p {
		s.cur = nil
	}
	s.mu.Unlock()

	switch {
	case err == nil:
		logging.InfowCtx(ctx, "playback: finished", "frames", frames, "elapsed_ms", time.Since(start).Milliseconds())
	case errors.Is(err, context.Canceled):
		logging.InfowCtx(ctx, "playback: stopped", "frames", frames)
	default:
		logging.WarnwCtx(ctx, "playback: failed", "frames", frames, "err", err)
	}
	if req.OnDone != nil {
		req.OnDone(p.id, err)
	}
}

func (s *Scheduler) source(ctx context.Context, req Request) ([]byte, int, error) {
	pcm, rate := req.Audio, req.SampleRate
	if req.Kind == KindTTS {
		var err error
		pcm, rate, err = s.synth.Synthesize(ctx, req.Text)
		if err != nil {
			return nil, 0, fmt.Errorf("synthesize: %w", err)
		}
	}
	if s.cfg.OutputRate > 0 && rate != s.cfg.OutputRate {
		out, err := audio.Resample(pcm, rate, s.cfg.OutputRate)
		if err != nil {
			return nil, 0, fmt.Errorf("resample playback audio: %w", err)
		}
		pcm, rate = out, s.cfg.OutputRate
	}
	return pcm, rate, nil
}

func (s *Scheduler) stream(ctx context.Context, pcm []byte, rate int) (int, error) {
	step := audio.BytesFor(rate, time.Duration(s.cfg.ChunkMs)*time.Millisecond)
	if step <= 0 {
		step = audio.BytesPerSample
	}
	frames := 0
	for off := 0; off < len(pcm); off += step {
		if err := ctx.Err(); err != nil {
			return frames, err
		}
		end := off + step
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := s.sink.PlayFrame(pcm[off:end], rate); err != nil {
			return frames, fmt.Errorf("play frame: %w", err)
		}
		frames++
		metrics.PlaybackFrames.WithLabelValues("scripted").Inc()
		if s.cfg.Interval > 0 && end < len(pcm) {
			t := time.NewTimer(s.cfg.Interval)
			select {
			case <-ctx.Done():
				t.Stop()
				return frames, ctx.Err()
			case <-t.C:
			}
		}
	}
	return frames, nil
}
