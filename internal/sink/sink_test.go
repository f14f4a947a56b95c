package sink

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/wav"

	"github.com/Paul-M-Kallarackal/attendee/internal/voice"
)

type countingSink struct {
	mu                   sync.Mutex
	utts, frags, failure int
}

func (c *countingSink) OnUtteranceReady(voice.Utterance) {
	c.mu.Lock()
	c.utts++
	c.mu.Unlock()
}

func (c *countingSink) OnTranscriptFragment(voice.Fragment) {
	c.mu.Lock()
	c.frags++
	c.mu.Unlock()
}

func (c *countingSink) OnFailure(voice.Failure) {
	c.mu.Lock()
	c.failure++
	c.mu.Unlock()
}

func TestMultiFansOut(t *testing.T) {
	a, b := &countingSink{}, &countingSink{}
	m := Multi{a, b}
	m.OnUtteranceReady(voice.Utterance{})
	m.OnTranscriptFragment(voice.Fragment{})
	m.OnFailure(voice.Failure{})
	for i, c := range []*countingSink{a, b} {
		if c.utts != 1 || c.frags != 1 || c.failure != 1 {
			t.Fatalf("sink %d: %+v", i, c)
		}
	}
}

type fakePublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return f.err
}

func TestNATSPublisherSubjectsAndPayloads(t *testing.T) {
	pub := &fakePublisher{}
	n := NewNATSPublisher(pub, "bot.", false)

	n.OnUtteranceReady(voice.Utterance{ID: "u1", SpeakerID: "s1", StartTimestamp: 10, SampleRate: 16000, Audio: []byte{1, 2}, Source: voice.SourceBatchAudio, DurationMs: 20})
	n.OnTranscriptFragment(voice.Fragment{SpeakerID: "s1", Text: "hi", IsFinal: true})
	n.OnFailure(voice.Failure{SpeakerID: "s1", UtteranceID: "u1", Reason: voice.ReasonProviderTimeout, Err: errors.New("slow")})

	want := []string{"bot.utterance", "bot.fragment", "bot.failure"}
	if strings.Join(pub.subjects, ",") != strings.Join(want, ",") {
		t.Fatalf("subjects: %v", pub.subjects)
	}

	var ue UtteranceEvent
	if err := json.Unmarshal(pub.payloads[0], &ue); err != nil {
		t.Fatalf("utterance json: %v", err)
	}
	if ue.ID != "u1" || ue.Source != "batch_audio" || ue.Audio != nil {
		t.Fatalf("utterance event: %+v", ue)
	}

	var fe FailureEvent
	if err := json.Unmarshal(pub.payloads[2], &fe); err != nil {
		t.Fatalf("failure json: %v", err)
	}
	if fe.Reason != "provider_timeout" || !fe.Retryable || fe.Error != "slow" {
		t.Fatalf("failure event: %+v", fe)
	}
}

func TestNATSPublisherIncludesAudioWhenAsked(t *testing.T) {
	pub := &fakePublisher{err: errors.New("down")}
	n := NewNATSPublisher(pub, "", true)
	n.OnUtteranceReady(voice.Utterance{ID: "u1", Audio: []byte{1, 2, 3, 4}})
	if pub.subjects[0] != "attendee.utterance" {
		t.Fatalf("default prefix: %s", pub.subjects[0])
	}
	var ue UtteranceEvent
	_ = json.Unmarshal(pub.payloads[0], &ue)
	if len(ue.Audio) != 4 {
		t.Fatalf("audio not included: %+v", ue)
	}
}

func readSidecar(t *testing.T, path string) map[string]interface{} {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sidecar: %v", err)
	}
	var sc map[string]interface{}
	if err := json.Unmarshal(b, &sc); err != nil {
		t.Fatalf("sidecar json: %v", err)
	}
	return sc
}

func TestArchiveWritesWAVAndSidecar(t *testing.T) {
	dir := t.TempDir()
	a, err := NewArchive(ArchiveOptions{Dir: dir})
	if err != nil {
		t.Fatalf("NewArchive: %v", err)
	}
	pcm := make([]byte, 3200)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	a.OnUtteranceReady(voice.Utterance{ID: "u1", SpeakerID: "user/1", StartTimestamp: 1000, SampleRate: 16000, Audio: pcm, Source: voice.SourceBatchAudio, DurationMs: 100})
	_ = a.Close()

	jsons, _ := filepath.Glob(filepath.Join(dir, "*.json"))
	if len(jsons) != 1 {
		t.Fatalf("sidecars: %v", jsons)
	}
	sc := readSidecar(t, jsons[0])
	if sc["utterance_id"] != "u1" || sc["speaker_id"] != "user/1" || sc["source"] != "batch_audio" {
		t.Fatalf("sidecar: %+v", sc)
	}
	wavPath, _ := sc["wav_path"].(string)
	f, err := os.Open(wavPath)
	if err != nil {
		t.Fatalf("open wav: %v", err)
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		t.Fatalf("invalid wav file")
	}
	if dec.SampleRate != 16000 || dec.NumChans != 1 || dec.BitDepth != 16 {
		t.Fatalf("wav header: rate=%d chans=%d depth=%d", dec.SampleRate, dec.NumChans, dec.BitDepth)
	}
	if strings.Contains(filepath.Base(wavPath), "/") {
		t.Fatalf("speaker id not sanitized: %s", wavPath)
	}
}

func TestArchiveTextOnlyAndFailureMerge(t *testing.T) {
	dir := t.TempDir()
	a, _ := NewArchive(ArchiveOptions{Dir: dir})
	a.OnUtteranceReady(voice.Utterance{ID: "c1", SpeakerID: "dev", Source: voice.SourcePlatformCaption, Text: "hello", DedupKey: "dev:1:5"})
	a.OnFailure(voice.Failure{UtteranceID: "c1", Reason: voice.ReasonCredentialsInvalid, At: time.Now()})
	a.OnFailure(voice.Failure{UtteranceID: "missing", Reason: voice.ReasonProviderTimeout})
	_ = a.Close()

	if wavs, _ := filepath.Glob(filepath.Join(dir, "*.wav")); len(wavs) != 0 {
		t.Fatalf("text-only utterance wrote audio: %v", wavs)
	}
	jsons, _ := filepath.Glob(filepath.Join(dir, "*.json"))
	if len(jsons) != 1 {
		t.Fatalf("sidecars: %v", jsons)
	}
	sc := readSidecar(t, jsons[0])
	if sc["transcript"] != "hello" || sc["dedup_key"] != "dev:1:5" {
		t.Fatalf("sidecar: %+v", sc)
	}
	if sc["failure_reason"] != "credentials_invalid" || sc["failure_retryable"] != false {
		t.Fatalf("failure not merged: %+v", sc)
	}
}

func TestArchiveEnqueueDoesNotWaitForDisk(t *testing.T) {
	dir := t.TempDir()
	a, _ := NewArchive(ArchiveOptions{Dir: dir, QueueSize: 4})
	started, release := make(chan struct{}), make(chan struct{})
	a.enqueue("hold", "", func() {
		close(started)
		<-release
	})
	<-started

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			a.OnUtteranceReady(voice.Utterance{ID: string(rune('a' + i)), SpeakerID: "s", Source: voice.SourceStreamingAudio, Text: "hi"})
		}
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("OnUtteranceReady waited on a stalled writer")
	}
	close(release)
	_ = a.Close()

	jsons, _ := filepath.Glob(filepath.Join(dir, "*.json"))
	if len(jsons) != 4 {
		t.Fatalf("sidecars: want 4 queued writes, got %d", len(jsons))
	}
	a.OnUtteranceReady(voice.Utterance{ID: "late", SpeakerID: "s", Source: voice.SourceStreamingAudio, Text: "x"})
}

func TestSidecarFindScansDirectory(t *testing.T) {
	dir := t.TempDir()
	first := newSidecarStore(dir)
	if err := first.write(filepath.Join(dir, "x.json"), map[string]interface{}{"utterance_id": "u9"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	// A fresh store has no cached paths.
	second := newSidecarStore(dir)
	if err := second.merge("u9", map[string]interface{}{"k": "v"}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if sc := readSidecar(t, filepath.Join(dir, "x.json")); sc["k"] != "v" {
		t.Fatalf("merge lost: %+v", sc)
	}
}

func TestCleanerRetentionAndMaxFiles(t *testing.T) {
	dir := t.TempDir()
	a, _ := NewArchive(ArchiveOptions{Dir: dir, Retention: time.Hour, MaxFiles: 2})
	now := time.Now()
	for i, age := range []time.Duration{3 * time.Hour, 30 * time.Minute, 20 * time.Minute, 10 * time.Minute} {
		base := filepath.Join(dir, string(rune('a'+i)))
		if err := os.WriteFile(base+".json", []byte(`{}`), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(base+".wav", []byte("RIFF"), 0o644); err != nil {
			t.Fatal(err)
		}
		mt := now.Add(-age)
		_ = os.Chtimes(base+".json", mt, mt)
	}
	if n := a.cleanOnce(now); n != 2 {
		t.Fatalf("removed %d, want 2", n)
	}
	left, _ := filepath.Glob(filepath.Join(dir, "*"))
	if len(left) != 4 {
		t.Fatalf("left: %v", left)
	}
	for _, p := range left {
		b := filepath.Base(p)
		if !strings.HasPrefix(b, "c") && !strings.HasPrefix(b, "d") {
			t.Fatalf("wrong pair kept: %v", left)
		}
	}
}
