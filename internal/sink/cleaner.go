package sink

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Paul-M-Kallarackal/attendee/internal/logging"
)

// StartCleaner runs cleanOnce every interval until ctx is done.
func (a *Archive) StartCleaner(ctx context.Context, interval time.Duration) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := a.cleanOnce(time.Now()); n > 0 {
					logging.Infow("archive: cleanup removed utterances", "count", n, "dir", a.dir)
				}
			}
		}
	}()
}

type archivedPair struct {
	jsonPath string
	wavPath  string
	mod      time.Time
}

// cleanOnce removes sidecar/WAV pairs older than the retention window, then
// the oldest pairs beyond maxFiles. It returns the number of pairs removed.
func (a *Archive) cleanOnce(now time.Time) int {
	files, err := os.ReadDir(a.dir)
	if err != nil {
		logging.Debugw("archive: cleanup readDir failed", "err", err)
		return 0
	}
	var pairs []archivedPair
	for _, fi := range files {
		name := fi.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		jsonPath := filepath.Join(a.dir, name)
		st, err := os.Stat(jsonPath)
		if err != nil {
			continue
		}
		wavPath := strings.TrimSuffix(jsonPath, ".json") + ".wav"
		if b, err := os.ReadFile(jsonPath); err == nil {
			var sc map[string]interface{}
			if json.Unmarshal(b, &sc) == nil {
				if v, ok := sc["wav_path"].(string); ok && v != "" {
					wavPath = v
				}
			}
		}
		pairs = append(pairs, archivedPair{jsonPath: jsonPath, wavPath: wavPath, mod: st.ModTime()})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].mod.Before(pairs[j].mod) })

	removed := 0
	remove := func(p archivedPair) {
		_ = os.Remove(p.jsonPath)
		_ = os.Remove(p.wavPath)
		removed++
	}
	kept := pairs[:0]
	for _, p := range pairs {
		if a.retention > 0 && p.mod.Before(now.Add(-a.retention)) {
			remove(p)
			continue
		}
		kept = append(kept, p)
	}
	if a.maxFiles > 0 && len(kept) > a.maxFiles {
		for _, p := range kept[:len(kept)-a.maxFiles] {
			remove(p)
		}
	}
	return removed
}
