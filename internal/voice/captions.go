package voice

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Paul-M-Kallarackal/attendee/internal/logging"
	"github.com/Paul-M-Kallarackal/attendee/internal/metrics"
	"github.com/google/uuid"
)

// CaptionMode selects when non-final captions are committed.
type CaptionMode string

const (
	// CaptionFinalOnly commits only captions the platform marked final.
	CaptionFinalOnly CaptionMode = "final"
	// CaptionSettle also commits captions older than the settle delay.
	CaptionSettle CaptionMode = "settle"
)

type CaptionConfig struct {
	Mode        CaptionMode
	SettleDelay time.Duration
	MaxAge      time.Duration
}

func DefaultCaptionConfig() CaptionConfig {
	return CaptionConfig{Mode: CaptionFinalOnly, SettleDelay: time.Second, MaxAge: 5 * time.Minute}
}

// CaptionEntry is one live caption. Only Text, IsFinal and ModifiedAt change
// after creation, and IsFinal never goes back to false.
type CaptionEntry struct {
	DeviceID   string
	CaptionID  string
	Text       string
	IsFinal    bool
	CreatedAt  time.Time
	ModifiedAt time.Time
}

type captionKey struct {
	device  string
	caption string
}

// CaptionEngine merges incremental platform caption events into committed
// utterances. Committed entries leave the map, so a later correction for the
// same caption becomes a new record.
type CaptionEngine struct {
	cfg  CaptionConfig
	emit func(Utterance)
	now  func() time.Time

	mu      sync.Mutex
	entries map[captionKey]*CaptionEntry
}

func NewCaptionEngine(cfg CaptionConfig, emit func(Utterance)) *CaptionEngine {
	def := DefaultCaptionConfig()
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = def.SettleDelay
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	return &CaptionEngine{cfg: cfg, emit: emit, now: time.Now, entries: make(map[captionKey]*CaptionEntry)}
}

// Upsert records a caption event.
func (e *CaptionEngine) Upsert(deviceID, captionID, text string, isFinal bool) {
	now := e.now()
	k := captionKey{deviceID, captionID}
	e.mu.Lock()
	defer e.mu.Unlock()
	if ent, ok := e.entries[k]; ok {
		ent.Text = text
		ent.IsFinal = ent.IsFinal || isFinal
		ent.ModifiedAt = now
		return
	}
	e.entries[k] = &CaptionEntry{
		DeviceID:   deviceID,
		CaptionID:  captionID,
		Text:       text,
		IsFinal:    isFinal,
		CreatedAt:  now,
		ModifiedAt: now,
	}
}

// Flush commits every entry that is ready, or all entries when force is set.
// It returns the number committed.
func (e *CaptionEngine) Flush(force bool) int {
	return e.commit(func(ent *CaptionEntry, now time.Time) bool { return e.shouldCommit(ent, force, now) })
}

// FlushDevice force-commits the entries of one device, e.g. when the
// participant leaves.
func (e *CaptionEngine) FlushDevice(deviceID string) int {
	return e.commit(func(ent *CaptionEntry, _ time.Time) bool { return ent.DeviceID == deviceID })
}

// Cleanup drops entries not modified within MaxAge. The platform will not
// update them again.
func (e *CaptionEngine) Cleanup() int {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for k, ent := range e.entries {
		if now.Sub(ent.ModifiedAt) > e.cfg.MaxAge {
			delete(e.entries, k)
			n++
			logging.Debugw("captions: dropped stale caption", "device.id", ent.DeviceID, "caption.id", ent.CaptionID)
		}
	}
	return n
}

// Len returns the number of live entries.
func (e *CaptionEngine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

func (e *CaptionEngine) shouldCommit(ent *CaptionEntry, force bool, now time.Time) bool {
	if force || ent.IsFinal {
		return true
	}
	return e.cfg.Mode == CaptionSettle && now.Sub(ent.CreatedAt) > e.cfg.SettleDelay
}

func (e *CaptionEngine) commit(ready func(*CaptionEntry, time.Time) bool) int {
	now := e.now()
	e.mu.Lock()
	var out []*CaptionEntry
	newest := make(map[string]time.Time)
	for k, ent := range e.entries {
		if ready(ent, now) {
			out = append(out, ent)
			delete(e.entries, k)
			if t, ok := newest[ent.DeviceID]; !ok || ent.CreatedAt.After(t) {
				newest[ent.DeviceID] = ent.CreatedAt
			}
		}
	}
	// Older live captions of a committing device go out with it, otherwise
	// they would be emitted later with an earlier start.
	for k, ent := range e.entries {
		if t, ok := newest[ent.DeviceID]; ok && !ent.CreatedAt.After(t) {
			out = append(out, ent)
			delete(e.entries, k)
		}
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	for _, ent := range out {
		if ent.Text == "" {
			continue
		}
		metrics.CaptionCommits.Inc()
		e.emit(Utterance{
			ID:             uuid.NewString(),
			SpeakerID:      ent.DeviceID,
			StartTimestamp: ent.CreatedAt.UnixMilli(),
			Source:         SourcePlatformCaption,
			Text:           ent.Text,
			DurationMs:     ent.ModifiedAt.Sub(ent.CreatedAt).Milliseconds(),
			DedupKey:       DedupKey(ent.DeviceID, ent.CaptionID, ent.CreatedAt),
		})
	}
	return len(out)
}

// DedupKey identifies a committed caption for append-only storage.
func DedupKey(deviceID, captionID string, created time.Time) string {
	return fmt.Sprintf("%s:%s:%d", deviceID, captionID, created.UnixMilli())
}
