package voice

import (
	"context"
	"sync"
	"time"

	"github.com/Paul-M-Kallarackal/attendee/internal/audio"
	"github.com/Paul-M-Kallarackal/attendee/internal/logging"
	"github.com/Paul-M-Kallarackal/attendee/internal/metrics"
	"github.com/Paul-M-Kallarackal/attendee/internal/vad"
	"github.com/google/uuid"
)

// StreamingConfig bounds the streaming session manager.
type StreamingConfig struct {
	MaxSessions     int
	IdleTimeout     time.Duration
	QueueSize       int
	FinalizeTimeout time.Duration
}

func DefaultStreamingConfig() StreamingConfig {
	return StreamingConfig{
		MaxSessions:     4,
		IdleTimeout:     10 * time.Second,
		QueueSize:       256,
		FinalizeTimeout: 5 * time.Second,
	}
}

// StreamingManager keeps at most one live provider session per speaker and
// at most MaxSessions in total, evicting the least recently sent-to session
// when a new speaker needs room. Provider handles are counted separately: a
// session only opens its handle once a slot is free, so a new session waits
// for an evicted one to finish finalizing.
type StreamingManager struct {
	cfg     StreamingConfig
	factory StreamFactory
	sink    Sink
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup

	// slots holds one token per open provider handle.
	slots chan struct{}
}

func NewStreamingManager(cfg StreamingConfig, factory StreamFactory, sink Sink) *StreamingManager {
	def := DefaultStreamingConfig()
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = def.MaxSessions
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = def.FinalizeTimeout
	}
	if sink == nil {
		sink = NopSink{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamingManager{
		cfg:      cfg,
		factory:  factory,
		sink:     sink,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
		slots:    make(chan struct{}, cfg.MaxSessions),
	}
}

// AddChunk forwards a classified chunk to the speaker's session, opening one
// for speech when none exists. Silence never opens a session.
func (m *StreamingManager) AddChunk(c audio.Chunk, d vad.Decision) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	s, ok := m.sessions[c.SpeakerID]
	if ok && (s.failed.Load() || s.sampleRate != c.SampleRate) {
		m.removeLocked(c.SpeakerID, "replaced")
		ok = false
	}
	if !ok {
		if d == vad.Silent {
			return
		}
		for len(m.sessions) >= m.cfg.MaxSessions {
			m.evictLocked()
		}
		s = m.openLocked(c, now)
	}
	if d == vad.Speech {
		s.lastSpeech = now
	}
	if s.enqueue(c.Payload) {
		s.lastSendAt = now
	}
}

// Tick finalizes sessions whose speaker has been silent longer than the idle
// timeout and removes sessions whose provider failed.
func (m *StreamingManager) Tick() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, s := range m.sessions {
		switch {
		case s.failed.Load():
			m.removeLocked(id, "failed")
		case now.Sub(s.lastSpeech) > m.cfg.IdleTimeout:
			m.removeLocked(id, "idle")
		}
	}
}

// FinalizeSpeaker closes the speaker's session, if any.
func (m *StreamingManager) FinalizeSpeaker(speakerID string) {
	m.mu.Lock()
	m.removeLocked(speakerID, "finalize")
	m.mu.Unlock()
}

// FinalizeAll closes every session and waits for providers to flush, up to
// the finalize timeout.
func (m *StreamingManager) FinalizeAll() {
	m.mu.Lock()
	for id := range m.sessions {
		m.removeLocked(id, "shutdown")
	}
	m.mu.Unlock()
	m.wg.Wait()
	m.cancel()
}

// OpenHandles returns the number of provider handles currently open,
// including sessions that are still finalizing after removal.
func (m *StreamingManager) OpenHandles() int { return len(m.slots) }

// ActiveCount returns the number of sessions currently held.
func (m *StreamingManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Speakers returns the speakers with an open session.
func (m *StreamingManager) Speakers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

func (m *StreamingManager) openLocked(c audio.Chunk, now time.Time) *session {
	s := &session{
		id:              uuid.NewString(),
		speakerID:       c.SpeakerID,
		sampleRate:      c.SampleRate,
		startTs:         c.Timestamp,
		createdAt:       now,
		lastSendAt:      now,
		lastSpeech:      now,
		queue:           make(chan []byte, m.cfg.QueueSize),
		done:            make(chan struct{}),
		factory:         m.factory,
		slots:           m.slots,
		sink:            m.sink,
		finalizeTimeout: m.cfg.FinalizeTimeout,
	}
	m.sessions[c.SpeakerID] = s
	logging.Infow("streaming: session opened", s.logFields()...)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.run(m.ctx)
	}()
	return s
}

// evictLocked finalizes the session with the oldest lastSendAt.
func (m *StreamingManager) evictLocked() {
	var victim string
	var oldest time.Time
	for id, s := range m.sessions {
		if victim == "" || s.lastSendAt.Before(oldest) {
			victim, oldest = id, s.lastSendAt
		}
	}
	if victim == "" {
		return
	}
	metrics.StreamingEvictions.Inc()
	m.removeLocked(victim, "evicted")
}

func (m *StreamingManager) removeLocked(speakerID, reason string) {
	s, ok := m.sessions[speakerID]
	if !ok {
		return
	}
	delete(m.sessions, speakerID)
	if s.finalize() {
		logging.Infow("streaming: session finalized", append(s.logFields(), "reason", reason)...)
	}
}
