package voice

import (
	"sort"
	"time"

	"github.com/Paul-M-Kallarackal/attendee/internal/audio"
	"github.com/Paul-M-Kallarackal/attendee/internal/logging"
	"github.com/Paul-M-Kallarackal/attendee/internal/metrics"
	"github.com/Paul-M-Kallarackal/attendee/internal/vad"
	"github.com/google/uuid"
)

// speakerBuffer holds the open utterance for one speaker.
type speakerBuffer struct {
	id                string
	start             int64
	rate              int
	pcm               []byte
	trailingSilenceMs int64
	last              time.Time
}

// Segmenter turns per-speaker chunk streams into bounded utterances for batch
// providers. It is not safe for concurrent use; the Processor worker owns it.
type Segmenter struct {
	limits  ProviderLimits
	emit    func(Utterance)
	buffers map[string]*speakerBuffer
	now     func() time.Time
}

func NewSegmenter(limits ProviderLimits, emit func(Utterance)) *Segmenter {
	return &Segmenter{
		limits:  limits,
		emit:    emit,
		buffers: make(map[string]*speakerBuffer),
		now:     time.Now,
	}
}

// AddChunk appends a classified chunk to the speaker's utterance and flushes
// it once the size or trailing-silence limit is reached.
func (s *Segmenter) AddChunk(c audio.Chunk, d vad.Decision) {
	b, ok := s.buffers[c.SpeakerID]
	if ok && b.rate != c.SampleRate {
		// never mix rates inside one utterance
		s.flush(c.SpeakerID, "rate_change")
		ok = false
	}
	if !ok {
		if d == vad.Silent {
			return
		}
		b = &speakerBuffer{id: uuid.NewString(), start: c.Timestamp, rate: c.SampleRate}
		s.buffers[c.SpeakerID] = b
		logging.Debugw("segmenter: utterance opened", "speaker.id", c.SpeakerID, "utterance.id", b.id, "start_ts", c.Timestamp)
	}

	b.pcm = append(b.pcm, c.Payload...)
	b.last = s.now()
	if d == vad.Silent {
		b.trailingSilenceMs += c.DurationMs()
	} else {
		b.trailingSilenceMs = 0
	}

	switch {
	case len(b.pcm) >= s.limits.MaxBytes(b.rate):
		s.flush(c.SpeakerID, "size")
	case b.trailingSilenceMs >= s.limits.Silence().Milliseconds():
		s.flush(c.SpeakerID, "silence")
	}
}

// FlushSpeaker emits the speaker's open utterance, if any.
func (s *Segmenter) FlushSpeaker(speakerID string) {
	s.flush(speakerID, "speaker_left")
}

// FlushAll emits every open utterance, oldest first.
func (s *Segmenter) FlushAll() {
	for _, id := range s.speakersByStart() {
		s.flush(id, "shutdown")
	}
}

// FlushIdle emits utterances for speakers that have sent nothing for maxIdle.
func (s *Segmenter) FlushIdle(now time.Time, maxIdle time.Duration) {
	for _, id := range s.speakersByStart() {
		if now.Sub(s.buffers[id].last) >= maxIdle {
			s.flush(id, "idle")
		}
	}
}

// Pending returns the number of open utterances.
func (s *Segmenter) Pending() int { return len(s.buffers) }

func (s *Segmenter) speakersByStart() []string {
	ids := make([]string, 0, len(s.buffers))
	for id := range s.buffers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return s.buffers[ids[i]].start < s.buffers[ids[j]].start })
	return ids
}

func (s *Segmenter) flush(speakerID, reason string) {
	b, ok := s.buffers[speakerID]
	if !ok {
		return
	}
	delete(s.buffers, speakerID)
	if len(b.pcm) == 0 {
		return
	}
	u := Utterance{
		ID:             b.id,
		SpeakerID:      speakerID,
		StartTimestamp: b.start,
		SampleRate:     b.rate,
		Audio:          b.pcm,
		Source:         SourceBatchAudio,
		DurationMs:     audio.DurationMs(len(b.pcm), b.rate),
	}
	logging.Infow("segmenter: utterance flushed", append(logging.UtteranceFields(speakerID, u.ID, len(u.Audio), u.DurationMs), "reason", reason)...)
	metrics.UtterancesFlushed.WithLabelValues(string(SourceBatchAudio)).Inc()
	s.emit(u)
}
