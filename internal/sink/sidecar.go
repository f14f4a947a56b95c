package sink

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Paul-M-Kallarackal/attendee/internal/logging"
)

// sidecarStore keeps one JSON document per utterance next to its audio.
// Paths are remembered by utterance ID; a directory scan is the fallback for
// files written before a restart.
type sidecarStore struct {
	dir string

	mu    sync.Mutex
	paths map[string]string
}

func newSidecarStore(dir string) *sidecarStore {
	return &sidecarStore{dir: dir, paths: make(map[string]string)}
}

func (s *sidecarStore) write(path string, doc map[string]interface{}) error {
	id, _ := doc["utterance_id"].(string)
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sidecar: %w", err)
	}
	if err := saveBytesAtomic(path, b, 0o644); err != nil {
		return fmt.Errorf("write sidecar %s: %w", path, err)
	}
	if id != "" {
		s.mu.Lock()
		s.paths[id] = path
		s.mu.Unlock()
	}
	return nil
}

// find returns the sidecar path for an utterance ID or "".
func (s *sidecarStore) find(id string) string {
	if id == "" {
		return ""
	}
	s.mu.Lock()
	p, ok := s.paths[id]
	s.mu.Unlock()
	if ok {
		return p
	}
	files, err := os.ReadDir(s.dir)
	if err != nil {
		logging.Warnw("sidecar: failed to list dir", "dir", s.dir, "err", err)
		return ""
	}
	for _, fi := range files {
		name := fi.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(s.dir, name)
		b, err := os.ReadFile(path)
		if err != nil {
			logging.Debugw("sidecar: failed to read file while searching", "path", path, "err", err, "utterance.id", id)
			continue
		}
		var sc map[string]interface{}
		if json.Unmarshal(b, &sc) == nil {
			if v, _ := sc["utterance_id"].(string); v == id {
				return path
			}
		}
	}
	return ""
}

// merge applies updates to the utterance's sidecar and rewrites it atomically.
func (s *sidecarStore) merge(id string, updates map[string]interface{}) error {
	path := s.find(id)
	if path == "" {
		return fmt.Errorf("sidecar not found for utterance %s (searched dir=%s)", id, s.dir)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read sidecar %s: %w", path, err)
	}
	var sc map[string]interface{}
	if err := json.Unmarshal(b, &sc); err != nil {
		return fmt.Errorf("invalid sidecar JSON %s: %w", path, err)
	}
	for k, v := range updates {
		sc[k] = v
	}
	return s.write(path, sc)
}
