package vad

import (
	"errors"
	"testing"

	"github.com/Paul-M-Kallarackal/attendee/internal/audio"
)

type mockDetector struct {
	speech bool
	err    error
	calls  int
	sizes  []int
}

func (m *mockDetector) IsSpeech(_ int, frame []byte) (bool, error) {
	m.calls++
	m.sizes = append(m.sizes, len(frame))
	return m.speech, m.err
}

func tone(n int, amp int16) []byte {
	s := make([]int16, n)
	for i := range s {
		if i%2 == 0 {
			s[i] = amp
		} else {
			s[i] = -amp
		}
	}
	return audio.SamplesToBytes(s)
}

func chunk(payload []byte) audio.Chunk {
	return audio.Chunk{SpeakerID: "s1", SampleRate: 16000, Format: audio.FormatPCM16, Payload: payload}
}

func TestClassifyLowEnergyIsSilentWithoutConsultingModel(t *testing.T) {
	det := &mockDetector{speech: true}
	c := NewClassifier(Config{RMSThreshold: 0.01, FrameMs: 30}, det)

	d, err := c.Classify(chunk(tone(480, 10)))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if d != Silent {
		t.Fatalf("want silent, got %s", d)
	}
	if det.calls != 0 {
		t.Fatalf("model should not run below the energy threshold")
	}
}

func TestClassifyNeedsBothSignals(t *testing.T) {
	loud := tone(480, 8000)
	cases := []struct {
		name  string
		model bool
		want  Decision
	}{
		{"model says speech", true, Speech},
		{"model says noise", false, Silent},
	}
	for _, tc := range cases {
		c := NewClassifier(Config{RMSThreshold: 0.01, FrameMs: 30}, &mockDetector{speech: tc.model})
		d, err := c.Classify(chunk(loud))
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if d != tc.want {
			t.Errorf("%s: want %s got %s", tc.name, tc.want, d)
		}
	}
}

func TestClassifySplitsIntoFixedSubFrames(t *testing.T) {
	det := &mockDetector{speech: false}
	c := NewClassifier(Config{RMSThreshold: 0.001, FrameMs: 10}, det)

	// 30 ms at 16 kHz = three 10 ms frames of 320 bytes.
	if _, err := c.Classify(chunk(tone(480, 4000))); err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if det.calls != 3 {
		t.Fatalf("frames: want=3 got=%d", det.calls)
	}
	for _, n := range det.sizes {
		if n != 320 {
			t.Fatalf("frame bytes: want=320 got=%d", n)
		}
	}
}

func TestClassifyMalformedPayload(t *testing.T) {
	c := NewClassifier(DefaultConfig(), nil)
	_, err := c.Classify(chunk([]byte{1, 2, 3}))
	if !errors.Is(err, audio.ErrMalformedPayload) {
		t.Fatalf("want ErrMalformedPayload, got %v", err)
	}
}

func TestClassifyDetectorErrorFallsBackToEnergy(t *testing.T) {
	c := NewClassifier(Config{RMSThreshold: 0.01, FrameMs: 30}, &mockDetector{err: errors.New("bad rate")})
	d, err := c.Classify(chunk(tone(480, 8000)))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if d != Speech {
		t.Fatalf("want speech from energy fallback, got %s", d)
	}
}

func TestNormalizedRMS(t *testing.T) {
	if got := NormalizedRMS(nil); got != 0 {
		t.Fatalf("empty: got %v", got)
	}
	got := NormalizedRMS(tone(100, 16384))
	if got < 0.49 || got > 0.51 {
		t.Fatalf("half scale: got %v", got)
	}
}
