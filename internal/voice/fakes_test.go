package voice

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Paul-M-Kallarackal/attendee/internal/audio"
)

type recordingSink struct {
	mu         sync.Mutex
	utterances []Utterance
	fragments  []Fragment
	failures   []Failure
}

func (r *recordingSink) OnUtteranceReady(u Utterance) {
	r.mu.Lock()
	r.utterances = append(r.utterances, u)
	r.mu.Unlock()
}

func (r *recordingSink) OnTranscriptFragment(f Fragment) {
	r.mu.Lock()
	r.fragments = append(r.fragments, f)
	r.mu.Unlock()
}

func (r *recordingSink) OnFailure(f Failure) {
	r.mu.Lock()
	r.failures = append(r.failures, f)
	r.mu.Unlock()
}

func (r *recordingSink) snapshot() ([]Utterance, []Fragment, []Failure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Utterance(nil), r.utterances...), append([]Fragment(nil), r.fragments...), append([]Failure(nil), r.failures...)
}

// fakeStream records what the manager sends to one provider session.
type fakeStream struct {
	speakerID string
	factory   *fakeFactory

	mu        sync.Mutex
	sent      [][]byte
	finalized int
	onResult  func(Result)
	sendErr   error
}

func (f *fakeStream) Send(_ context.Context, pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, pcm)
	return nil
}

func (f *fakeStream) Finalize(context.Context) error {
	if gate := f.factory.finalizeGate; gate != nil {
		<-gate
	}
	f.mu.Lock()
	f.finalized++
	f.mu.Unlock()
	f.factory.closed()
	return nil
}

func (f *fakeStream) OnResult(fn func(Result)) {
	f.mu.Lock()
	f.onResult = fn
	f.mu.Unlock()
}

func (f *fakeStream) emit(r Result) {
	f.mu.Lock()
	fn := f.onResult
	f.mu.Unlock()
	fn(r)
}

func (f *fakeStream) counts() (sent, finalized int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent), f.finalized
}

type fakeFactory struct {
	mu      sync.Mutex
	streams []*fakeStream
	sendErr error
	openErr error
	live    int
	peak    int

	// finalizeGate, when set, holds every provider Finalize until closed.
	finalizeGate chan struct{}
}

func (f *fakeFactory) Open(_ context.Context, speakerID string, _ int) (StreamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	s := &fakeStream{speakerID: speakerID, factory: f, sendErr: f.sendErr}
	f.streams = append(f.streams, s)
	f.live++
	if f.live > f.peak {
		f.peak = f.live
	}
	return s, nil
}

func (f *fakeFactory) closed() {
	f.mu.Lock()
	f.live--
	f.mu.Unlock()
}

func (f *fakeFactory) peakLive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

func (f *fakeFactory) opened() []*fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeStream(nil), f.streams...)
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1700000000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func pcmChunk(speaker string, ts int64, rate int, n int) audio.Chunk {
	return audio.Chunk{SpeakerID: speaker, Timestamp: ts, SampleRate: rate, Format: audio.FormatPCM16, Payload: make([]byte, n)}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
