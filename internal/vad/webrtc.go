package vad

import (
	"fmt"
	"sync"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"
)

// WebRTCDetector wraps the WebRTC voice activity detector. The underlying
// instance is not safe for concurrent use, so calls are serialized.
type WebRTCDetector struct {
	mu  sync.Mutex
	vad *webrtcvad.VAD
}

// NewWebRTCDetector creates a detector with aggressiveness mode 0 (least)
// to 3 (most aggressive at rejecting non-speech).
func NewWebRTCDetector(mode int) (*WebRTCDetector, error) {
	v, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("create webrtc vad: %w", err)
	}
	if err := v.SetMode(mode); err != nil {
		return nil, fmt.Errorf("set vad mode %d: %w", mode, err)
	}
	return &WebRTCDetector{vad: v}, nil
}

// IsSpeech implements Detector. WebRTC only accepts 10, 20 or 30 ms frames
// at 8, 16, 32 or 48 kHz; anything else is reported as an error.
func (d *WebRTCDetector) IsSpeech(rate int, frame []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.vad.ValidRateAndFrameLength(rate, len(frame)/2) {
		return false, fmt.Errorf("unsupported vad frame: %d Hz, %d bytes", rate, len(frame))
	}
	return d.vad.Process(rate, frame)
}
