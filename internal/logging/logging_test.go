package logging

import (
	"context"
	"sync"
	"testing"
)

type captureLogger struct {
	mu      sync.Mutex
	entries []entry
}

type entry struct {
	level string
	msg   string
	kv    []interface{}
}

func (c *captureLogger) add(level, msg string, kv []interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry{level: level, msg: msg, kv: kv})
}

func (c *captureLogger) Infow(msg string, kv ...interface{})  { c.add("info", msg, kv) }
func (c *captureLogger) Debugw(msg string, kv ...interface{}) { c.add("debug", msg, kv) }
func (c *captureLogger) Warnw(msg string, kv ...interface{})  { c.add("warn", msg, kv) }
func (c *captureLogger) Errorw(msg string, kv ...interface{}) { c.add("error", msg, kv) }
func (c *captureLogger) Sync() error                          { return nil }

func TestSetLoggerRoutesPackageCalls(t *testing.T) {
	cl := &captureLogger{}
	SetLogger(cl)
	defer SetLogger(nil)

	Warnw("queue full", SpeakerFields("alice")...)

	if len(cl.entries) != 1 {
		t.Fatalf("entries: want=1 got=%d", len(cl.entries))
	}
	e := cl.entries[0]
	if e.level != "warn" || e.msg != "queue full" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if len(e.kv) != 2 || e.kv[0] != "speaker.id" || e.kv[1] != "alice" {
		t.Fatalf("unexpected fields: %v", e.kv)
	}
}

func TestInfowCtxMergesFields(t *testing.T) {
	cl := &captureLogger{}
	SetLogger(cl)
	defer SetLogger(nil)

	ctx := WithFields(context.Background(), "bot.id", "b1")
	ctx = WithFields(ctx, "request.id", "r1")
	InfowCtx(ctx, "playback started", "kind", "tts")

	got := cl.entries[0].kv
	want := []interface{}{"bot.id", "b1", "request.id", "r1", "kind", "tts"}
	if len(got) != len(want) {
		t.Fatalf("fields: want=%v got=%v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("field %d: want=%v got=%v", i, want[i], got[i])
		}
	}
}

func TestLevelFromEnv(t *testing.T) {
	cases := map[string]string{"debug": "debug", "WARN": "warn", "error": "error", "": "info", "bogus": "info"}
	for in, want := range cases {
		if got := levelFromEnv(in).String(); got != want {
			t.Errorf("levelFromEnv(%q): want=%s got=%s", in, want, got)
		}
	}
}

func TestCorrelationID(t *testing.T) {
	ctx := WithFields(context.Background(), "speaker.id", "s1")
	if got := CorrelationID(ctx); got != "" {
		t.Fatalf("want empty, got %q", got)
	}
	ctx = WithFields(ctx, "correlation_id", "c-7")
	if got := CorrelationID(ctx); got != "c-7" {
		t.Fatalf("want c-7, got %q", got)
	}
}
