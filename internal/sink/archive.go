package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/Paul-M-Kallarackal/attendee/internal/audio"
	"github.com/Paul-M-Kallarackal/attendee/internal/logging"
	"github.com/Paul-M-Kallarackal/attendee/internal/voice"
)

// Archive saves each utterance to disk: a WAV file for audio utterances and
// a JSON sidecar for every utterance. Failures and final transcripts are
// merged into the matching sidecar. Disk work runs on one writer goroutine in
// arrival order; callers only enqueue.
type Archive struct {
	dir       string
	retention time.Duration
	maxFiles  int
	sidecars  *sidecarStore
	wg        sync.WaitGroup

	writes chan func()
	writer sync.WaitGroup
	mu     sync.RWMutex // guards closed against close(writes)
	closed bool
}

type ArchiveOptions struct {
	Dir       string
	Retention time.Duration
	MaxFiles  int
	// QueueSize bounds pending disk writes; writes beyond it are dropped.
	QueueSize int
}

func NewArchive(opts ArchiveOptions) (*Archive, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, fmt.Errorf("archive dir not configured")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	a := &Archive{
		dir:       opts.Dir,
		retention: opts.Retention,
		maxFiles:  opts.MaxFiles,
		sidecars:  newSidecarStore(opts.Dir),
		writes:    make(chan func(), opts.QueueSize),
	}
	a.writer.Add(1)
	go func() {
		defer a.writer.Done()
		for fn := range a.writes {
			fn()
		}
	}()
	return a, nil
}

// Wait blocks until the cleaner goroutine has exited.
func (a *Archive) Wait() { a.wg.Wait() }

// Close stops accepting events and waits for queued writes to land.
func (a *Archive) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.writes)
	a.mu.Unlock()
	a.writer.Wait()
	return nil
}

// enqueue never blocks; a full queue drops the write.
func (a *Archive) enqueue(op, utteranceID string, fn func()) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		logging.Debugw("archive: closed, write skipped", "op", op, "utterance.id", utteranceID)
		return
	}
	select {
	case a.writes <- fn:
	default:
		logging.Warnw("archive: write queue full, dropping", "op", op, "utterance.id", utteranceID)
	}
}

func (a *Archive) baseName(u voice.Utterance) string {
	ts := time.UnixMilli(u.StartTimestamp).UTC().Format("20060102T150405.000Z")
	return filepath.Join(a.dir, fmt.Sprintf("%s_%s_%s_%s", ts, sanitize(u.SpeakerID), u.Source, u.ID))
}

func (a *Archive) OnUtteranceReady(u voice.Utterance) {
	a.enqueue("save", u.ID, func() { a.save(u) })
}

func (a *Archive) save(u voice.Utterance) {
	base := a.baseName(u)
	doc := map[string]interface{}{
		"utterance_id":    u.ID,
		"speaker_id":      u.SpeakerID,
		"start_timestamp": u.StartTimestamp,
		"duration_ms":     u.DurationMs,
		"source":          string(u.Source),
		"saved_utc":       time.Now().UTC().Format(time.RFC3339Nano),
	}
	if u.Text != "" {
		doc["transcript"] = u.Text
	}
	if u.DedupKey != "" {
		doc["dedup_key"] = u.DedupKey
	}
	if len(u.Audio) > 0 {
		wavPath := base + ".wav"
		if err := writeWAV(wavPath, u.Audio, u.SampleRate); err != nil {
			logging.Warnw("archive: failed to write wav", "path", wavPath, "err", err, "utterance.id", u.ID)
		} else {
			doc["wav_path"] = wavPath
			doc["sample_rate"] = u.SampleRate
		}
	}
	if err := a.sidecars.write(base+".json", doc); err != nil {
		logging.Warnw("archive: failed to write sidecar", "err", err, "utterance.id", u.ID)
		return
	}
	logging.Debugw("archive: saved utterance", "path", base+".json", "utterance.id", u.ID)
}

// OnTranscriptFragment is a no-op; final text arrives on the utterance.
func (a *Archive) OnTranscriptFragment(voice.Fragment) {}

func (a *Archive) OnFailure(f voice.Failure) {
	if f.UtteranceID == "" {
		return
	}
	a.enqueue("failure", f.UtteranceID, func() { a.recordFailure(f) })
}

func (a *Archive) recordFailure(f voice.Failure) {
	updates := map[string]interface{}{
		"failure_reason":    string(f.Reason),
		"failure_retryable": f.Reason.Retryable(),
		"failure_utc":       f.At.UTC().Format(time.RFC3339Nano),
	}
	if err := a.sidecars.merge(f.UtteranceID, updates); err != nil {
		logging.Debugw("archive: failure not recorded", "err", err, "utterance.id", f.UtteranceID)
	}
}

func writeWAV(path string, pcm []byte, rate int) error {
	samples := audio.BytesToSamples(pcm)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: rate},
		Data:           make([]int, len(samples)),
		SourceBitDepth: 16,
	}
	for i, s := range samples {
		buf.Data[i] = int(s)
	}
	return saveFileAtomic(path, 0o644, func(f *os.File) error {
		enc := wav.NewEncoder(f, rate, 16, 1, 1)
		if err := enc.Write(buf); err != nil {
			return fmt.Errorf("write wav: %w", err)
		}
		return enc.Close()
	})
}

func sanitize(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
