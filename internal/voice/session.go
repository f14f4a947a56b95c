package voice

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Paul-M-Kallarackal/attendee/internal/logging"
	"github.com/Paul-M-Kallarackal/attendee/internal/metrics"
	"github.com/google/uuid"
)

// Result is a transcript (or an error) delivered by a provider.
type Result struct {
	Text    string
	IsFinal bool
	Err     error
}

// StreamSession is a live connection to a streaming transcription provider.
// Send is called from a single goroutine, in order. Finalize is called once.
type StreamSession interface {
	Send(ctx context.Context, pcm []byte) error
	Finalize(ctx context.Context) error
	OnResult(fn func(Result))
}

// StreamFactory opens provider sessions. Open may block on the network; it is
// only called from a session's own worker goroutine.
type StreamFactory interface {
	Open(ctx context.Context, speakerID string, sampleRate int) (StreamSession, error)
}

// StreamFactoryFunc adapts a function to StreamFactory.
type StreamFactoryFunc func(ctx context.Context, speakerID string, sampleRate int) (StreamSession, error)

func (f StreamFactoryFunc) Open(ctx context.Context, speakerID string, sampleRate int) (StreamSession, error) {
	return f(ctx, speakerID, sampleRate)
}

// SessionState is the lifecycle of a streaming session. Transitions only move
// forward.
type SessionState int32

const (
	StateIdle SessionState = iota
	StateActive
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// session owns one provider handle. Chunks are handed to its worker through
// a bounded queue so ingestion never waits on the network.
type session struct {
	id         string
	speakerID  string
	sampleRate int
	startTs    int64
	createdAt  time.Time
	lastSendAt time.Time
	lastSpeech time.Time

	state  atomic.Int32
	failed atomic.Bool

	mu    sync.Mutex // guards queue close against enqueue
	queue chan []byte
	done  chan struct{}

	factory         StreamFactory
	slots           chan struct{}
	sink            Sink
	finalizeTimeout time.Duration
}

func (s *session) State() SessionState { return SessionState(s.state.Load()) }

func (s *session) logFields() []interface{} {
	return logging.SessionFields(s.speakerID, s.id, s.State().String())
}

// enqueue hands pcm to the worker without blocking. It returns false when the
// session is closing or its queue is full.
func (s *session) enqueue(pcm []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() >= StateClosing {
		return false
	}
	select {
	case s.queue <- pcm:
		s.state.CompareAndSwap(int32(StateIdle), int32(StateActive))
		return true
	default:
		metrics.ChunksDropped.WithLabelValues("session_queue_full").Inc()
		logging.Warnw("streaming: dropping chunk; session queue full", s.logFields()...)
		return false
	}
}

// finalize requests shutdown. Only the first call has any effect; the
// provider's Finalize runs on the worker after queued audio is sent.
func (s *session) finalize() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		cur := s.state.Load()
		if cur >= int32(StateClosing) {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(StateClosing)) {
			break
		}
	}
	close(s.queue)
	logging.Debugw("streaming: session closing", s.logFields()...)
	return true
}

func (s *session) run(ctx context.Context) {
	defer close(s.done)
	defer func() {
		s.state.Store(int32(StateClosed))
		logging.Infow("streaming: session closed", s.logFields()...)
	}()

	// Audio keeps queueing while this waits for a finalizing session to
	// give its slot back.
	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		for range s.queue {
		}
		return
	}
	metrics.StreamingSessionsActive.Inc()
	defer func() {
		metrics.StreamingSessionsActive.Dec()
		<-s.slots
	}()

	handle, err := s.factory.Open(ctx, s.speakerID, s.sampleRate)
	if err != nil {
		s.fail(err)
		for range s.queue {
		}
		return
	}
	handle.OnResult(s.onResult)

	for pcm := range s.queue {
		if s.failed.Load() {
			continue
		}
		if err := handle.Send(ctx, pcm); err != nil {
			s.fail(err)
		}
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.finalizeTimeout)
	defer cancel()
	if err := handle.Finalize(fctx); err != nil && !s.failed.Load() {
		s.fail(err)
	}
}

func (s *session) onResult(r Result) {
	if r.Err != nil {
		s.fail(r.Err)
		return
	}
	if r.Text == "" {
		return
	}
	s.sink.OnTranscriptFragment(Fragment{SpeakerID: s.speakerID, SessionID: s.id, Text: r.Text, IsFinal: r.IsFinal, At: time.Now()})
	if !r.IsFinal {
		return
	}
	metrics.UtterancesFlushed.WithLabelValues(string(SourceStreamingAudio)).Inc()
	s.sink.OnUtteranceReady(Utterance{
		ID:             uuid.NewString(),
		SpeakerID:      s.speakerID,
		StartTimestamp: s.startTs,
		SampleRate:     s.sampleRate,
		Source:         SourceStreamingAudio,
		Text:           r.Text,
	})
}

// fail reports the first provider error for the session. The manager removes
// failed sessions on its next pass.
func (s *session) fail(err error) {
	if !s.failed.CompareAndSwap(false, true) {
		return
	}
	reason := ReasonFor(err)
	metrics.ProviderFailures.WithLabelValues(string(reason)).Inc()
	logging.Warnw("streaming: provider failure", append(s.logFields(), "reason", reason, "err", err)...)
	s.sink.OnFailure(Failure{SpeakerID: s.speakerID, SessionID: s.id, Reason: reason, Err: err, At: time.Now()})
}
