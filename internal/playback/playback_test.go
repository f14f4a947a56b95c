package playback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type frame struct {
	tag  byte
	n    int
	rate int
}

type recordSink struct {
	mu     sync.Mutex
	frames []frame
	delay  time.Duration
}

func (r *recordSink) PlayFrame(pcm []byte, rate int) error {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	var tag byte
	if len(pcm) > 0 {
		tag = pcm[0]
	}
	r.mu.Lock()
	r.frames = append(r.frames, frame{tag: tag, n: len(pcm), rate: rate})
	r.mu.Unlock()
	return nil
}

func (r *recordSink) snapshot() []frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]frame(nil), r.frames...)
}

func filled(n int, v byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = v
	}
	return b
}

func waitUntil(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", d)
}

type fakeSynth struct {
	pcm  []byte
	rate int
	err  error
}

func (f *fakeSynth) Synthesize(context.Context, string) ([]byte, int, error) {
	return f.pcm, f.rate, f.err
}

func TestSchedulerPlaysInChunks(t *testing.T) {
	sink := &recordSink{}
	s := NewScheduler(SchedulerConfig{ChunkMs: 20, Interval: time.Millisecond, OutputRate: 48000}, sink, nil)
	defer s.Close()

	done := make(chan error, 1)
	// 50ms at 16k: 1600 bytes -> 4800 bytes at 48k -> 20ms chunks of 1920 bytes.
	_, err := s.Start(context.Background(), Request{Kind: KindPrerecorded, Audio: filled(1600, 1), SampleRate: 16000, OnDone: func(_ string, err error) { done <- err }})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("playback err: %v", err)
	}
	got := sink.snapshot()
	if len(got) != 3 || got[0].n != 1920 || got[2].n != 960 || got[0].rate != 48000 {
		t.Fatalf("frames: %+v", got)
	}
	if s.Playing() != "" {
		t.Fatalf("still playing after completion")
	}
}

func TestSchedulerLastRequestWins(t *testing.T) {
	sink := &recordSink{}
	s := NewScheduler(SchedulerConfig{ChunkMs: 20, Interval: 10 * time.Millisecond}, sink, nil)
	defer s.Close()

	firstDone := make(chan error, 1)
	if _, err := s.Start(context.Background(), Request{Kind: KindPrerecorded, Audio: filled(48000, 1), SampleRate: 48000, OnDone: func(_ string, err error) { firstDone <- err }}); err != nil {
		t.Fatalf("Start first: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return len(sink.snapshot()) >= 2 })

	secondDone := make(chan error, 1)
	id2, err := s.Start(context.Background(), Request{Kind: KindPrerecorded, Audio: filled(3840, 2), SampleRate: 48000, OnDone: func(_ string, err error) { secondDone <- err }})
	if err != nil {
		t.Fatalf("Start second: %v", err)
	}
	if s.Playing() != id2 {
		t.Fatalf("Playing: want %s", id2)
	}
	if err := <-firstDone; !errors.Is(err, context.Canceled) {
		t.Fatalf("first should be cancelled, got %v", err)
	}
	if err := <-secondDone; err != nil {
		t.Fatalf("second: %v", err)
	}

	seenSecond := false
	for _, f := range sink.snapshot() {
		if f.tag == 2 {
			seenSecond = true
		} else if seenSecond {
			t.Fatalf("first request's audio interleaved after second started")
		}
	}
	if !seenSecond {
		t.Fatalf("second request never played")
	}
}

func TestSchedulerStopMidStream(t *testing.T) {
	sink := &recordSink{}
	s := NewScheduler(SchedulerConfig{ChunkMs: 20, Interval: 10 * time.Millisecond}, sink, nil)
	defer s.Close()

	if _, err := s.Start(context.Background(), Request{Kind: KindPrerecorded, Audio: filled(96000, 1), SampleRate: 48000}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return len(sink.snapshot()) >= 1 })
	s.Stop()
	n := len(sink.snapshot())
	if n >= 50 {
		t.Fatalf("stop did not interrupt: %d frames", n)
	}
	time.Sleep(30 * time.Millisecond)
	if len(sink.snapshot()) != n {
		t.Fatalf("frames written after Stop returned")
	}
	if s.Playing() != "" {
		t.Fatalf("still playing after Stop")
	}
}

func TestSchedulerTTS(t *testing.T) {
	sink := &recordSink{}
	if _, err := NewScheduler(SchedulerConfig{}, sink, nil).Start(context.Background(), Request{Kind: KindTTS, Text: "hi"}); !errors.Is(err, ErrNoSynthesizer) {
		t.Fatalf("want ErrNoSynthesizer, got %v", err)
	}

	s := NewScheduler(SchedulerConfig{ChunkMs: 20, OutputRate: 48000}, sink, &fakeSynth{pcm: filled(640, 3), rate: 16000})
	defer s.Close()
	if _, err := s.Start(context.Background(), Request{Kind: KindTTS, Text: "hello"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Wait()
	got := sink.snapshot()
	if len(got) != 1 || got[0].n != 1920 || got[0].tag != 3 {
		t.Fatalf("frames: %+v", got)
	}

	failed := NewScheduler(SchedulerConfig{}, sink, &fakeSynth{err: errors.New("boom")})
	defer failed.Close()
	done := make(chan error, 1)
	_, _ = failed.Start(context.Background(), Request{Kind: KindTTS, Text: "x", OnDone: func(_ string, err error) { done <- err }})
	if err := <-done; err == nil {
		t.Fatalf("want synth error")
	}
}

func TestSchedulerRejectsBadRequests(t *testing.T) {
	s := NewScheduler(SchedulerConfig{}, &recordSink{}, nil)
	defer s.Close()
	for _, req := range []Request{
		{Kind: KindPrerecorded},
		{Kind: KindPrerecorded, Audio: []byte{1, 2, 3}, SampleRate: 16000},
		{Kind: "video"},
	} {
		if _, err := s.Start(context.Background(), req); err == nil {
			t.Errorf("want error for %+v", req)
		}
	}
}

func TestInjectorIntegerUpsampleIsExact(t *testing.T) {
	sink := &recordSink{}
	in := NewInjector(InjectorConfig{OutputRate: 48000, FrameMs: 20}, sink)
	defer in.Close()

	// Three 20ms frames at 8k: 320 bytes each.
	if err := in.AddChunk(filled(960, 5), 8000); err != nil {
		t.Fatalf("AddChunk: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return len(sink.snapshot()) == 3 })
	for _, f := range sink.snapshot() {
		if f.n != 320*6 || f.rate != 48000 {
			t.Fatalf("frame: %+v", f)
		}
	}
	if in.Buffered() != 0 {
		t.Fatalf("buffered: %d", in.Buffered())
	}
}

func TestInjectorStaleGapDiscardsPartialFrame(t *testing.T) {
	sink := &recordSink{}
	in := NewInjector(InjectorConfig{OutputRate: 16000, FrameMs: 20, StaleThreshold: 150 * time.Millisecond}, sink)
	defer in.Close()
	now := time.Unix(0, 0)
	in.now = func() time.Time { return now }

	// Half a frame, then a gap past the threshold, then another half.
	_ = in.AddChunk(filled(320, 1), 16000)
	now = now.Add(200 * time.Millisecond)
	_ = in.AddChunk(filled(320, 2), 16000)
	if in.Buffered() != 320 {
		t.Fatalf("stale half frame should be dropped, buffered=%d", in.Buffered())
	}
	time.Sleep(30 * time.Millisecond)
	if len(sink.snapshot()) != 0 {
		t.Fatalf("no frame should be complete yet")
	}

	// Within the threshold the halves join.
	now = now.Add(10 * time.Millisecond)
	_ = in.AddChunk(filled(320, 2), 16000)
	waitUntil(t, time.Second, func() bool { return len(sink.snapshot()) == 1 })
	if f := sink.snapshot()[0]; f.tag != 2 || f.n != 640 {
		t.Fatalf("frame: %+v", f)
	}
}

func TestInjectorRateChangeResets(t *testing.T) {
	in := NewInjector(InjectorConfig{OutputRate: 48000}, &recordSink{})
	defer in.Close()
	_ = in.AddChunk(filled(100, 1), 16000)
	_ = in.AddChunk(filled(100, 1), 24000)
	if in.Buffered() != 100 {
		t.Fatalf("buffered: %d", in.Buffered())
	}
	if err := in.AddChunk([]byte{1}, 16000); err == nil {
		t.Fatalf("odd payload should be rejected")
	}
}

func TestInjectorConsumerStopsWhenIdle(t *testing.T) {
	sink := &recordSink{}
	in := NewInjector(InjectorConfig{OutputRate: 16000, FrameMs: 10, IdleTimeout: 20 * time.Millisecond}, sink)
	_ = in.AddChunk(filled(320, 1), 16000)
	waitUntil(t, time.Second, func() bool {
		in.mu.Lock()
		defer in.mu.Unlock()
		return !in.running
	})
	// A new chunk restarts the consumer.
	_ = in.AddChunk(filled(320, 1), 16000)
	waitUntil(t, time.Second, func() bool { return len(sink.snapshot()) == 2 })
	in.Close()
	if err := in.AddChunk(filled(320, 1), 16000); !errors.Is(err, ErrInjectorClosed) {
		t.Fatalf("want ErrInjectorClosed, got %v", err)
	}
}
