package playback

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Paul-M-Kallarackal/attendee/internal/audio"
	"github.com/Paul-M-Kallarackal/attendee/internal/logging"
	"github.com/Paul-M-Kallarackal/attendee/internal/metrics"
)

// ErrInjectorClosed is returned by AddChunk after Close.
var ErrInjectorClosed = errors.New("injector closed")

type InjectorConfig struct {
	OutputRate     int
	FrameMs        int
	StaleThreshold time.Duration
	IdleTimeout    time.Duration
	QueueSize      int
}

func DefaultInjectorConfig() InjectorConfig {
	return InjectorConfig{
		OutputRate:     48000,
		FrameMs:        20,
		StaleThreshold: 150 * time.Millisecond,
		IdleTimeout:    10 * time.Second,
		QueueSize:      100,
	}
}

// Injector plays externally supplied live audio into the meeting at the
// output rate, paced in real time.
type Injector struct {
	cfg  InjectorConfig
	sink FrameSink
	now  func() time.Time

	mu      sync.Mutex
	buf     []byte
	rate    int
	last    time.Time
	running bool
	closed  bool

	frames chan []byte
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewInjector(cfg InjectorConfig, sink FrameSink) *Injector {
	def := DefaultInjectorConfig()
	if cfg.OutputRate <= 0 {
		cfg.OutputRate = def.OutputRate
	}
	if cfg.FrameMs <= 0 {
		cfg.FrameMs = def.FrameMs
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = def.StaleThreshold
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	return &Injector{
		cfg:    cfg,
		sink:   sink,
		now:    time.Now,
		frames: make(chan []byte, cfg.QueueSize),
		done:   make(chan struct{}),
	}
}

// AddChunk appends pcm recorded at sampleRate. Whole frames are converted to
// the output rate and queued for the consumer.
func (in *Injector) AddChunk(pcm []byte, sampleRate int) error {
	if sampleRate <= 0 || len(pcm)%audio.BytesPerSample != 0 {
		return fmt.Errorf("inject chunk: %w", audio.ErrMalformedPayload)
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return ErrInjectorClosed
	}

	now := in.now()
	switch {
	case !in.last.IsZero() && now.Sub(in.last) > in.cfg.StaleThreshold && len(in.buf) > 0:
		in.resetLocked("stale", now.Sub(in.last))
	case in.rate != 0 && in.rate != sampleRate && len(in.buf) > 0:
		in.resetLocked("rate_change", 0)
	}
	in.last = now
	in.rate = sampleRate
	in.buf = append(in.buf, pcm...)

	frameBytes := audio.BytesFor(sampleRate, time.Duration(in.cfg.FrameMs)*time.Millisecond)
	if frameBytes <= 0 {
		return nil
	}
	for len(in.buf) >= frameBytes {
		frame := in.buf[:frameBytes]
		out, err := audio.Resample(frame, sampleRate, in.cfg.OutputRate)
		in.buf = append(in.buf[:0], in.buf[frameBytes:]...)
		if err != nil {
			return fmt.Errorf("inject resample: %w", err)
		}
		select {
		case in.frames <- out:
		default:
			logging.Warnw("injector: frame queue full, dropping frame", "queue", cap(in.frames))
		}
	}
	if !in.running && len(in.frames) > 0 {
		in.running = true
		in.wg.Add(1)
		go in.consume()
	}
	return nil
}

func (in *Injector) resetLocked(cause string, gap time.Duration) {
	logging.Debugw("injector: discarding partial buffer", "cause", cause, "bytes", len(in.buf), "gap_ms", gap.Milliseconds())
	in.buf = in.buf[:0]
	metrics.InjectionResets.Inc()
}

// Buffered returns the bytes held below one frame.
func (in *Injector) Buffered() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.buf)
}

// Close stops the consumer. Queued frames are discarded.
func (in *Injector) Close() {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	in.closed = true
	close(in.done)
	in.mu.Unlock()
	in.wg.Wait()
}

func (in *Injector) consume() {
	defer in.wg.Done()
	frameDur := time.Duration(in.cfg.FrameMs) * time.Millisecond
	idle := time.NewTimer(in.cfg.IdleTimeout)
	defer idle.Stop()
	logging.Debugw("injector: consumer started")
	for {
		select {
		case <-in.done:
			return
		case f := <-in.frames:
			if err := in.sink.PlayFrame(f, in.cfg.OutputRate); err != nil {
				logging.Warnw("injector: play frame failed", "err", err)
			} else {
				metrics.PlaybackFrames.WithLabelValues("injected").Inc()
			}
			select {
			case <-in.done:
				return
			case <-time.After(frameDur):
			}
			idle.Reset(in.cfg.IdleTimeout)
		case <-idle.C:
			in.mu.Lock()
			if len(in.frames) == 0 {
				in.running = false
				in.mu.Unlock()
				logging.Debugw("injector: consumer idle, stopping")
				return
			}
			in.mu.Unlock()
			idle.Reset(in.cfg.IdleTimeout)
		}
	}
}
