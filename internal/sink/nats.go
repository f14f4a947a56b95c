package sink

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Paul-M-Kallarackal/attendee/internal/logging"
	"github.com/Paul-M-Kallarackal/attendee/internal/voice"
	"github.com/nats-io/nats.go"
)

// Publisher is the subset of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// ConnectNATS dials the bus used for pipeline events.
func ConnectNATS(url, name string, timeout time.Duration) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logging.Warnw("nats: disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logging.Infow("nats: reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	logging.Infow("nats: connected", "url", url)
	return conn, nil
}

// UtteranceEvent is published on <prefix>.utterance.
type UtteranceEvent struct {
	ID             string `json:"id"`
	SpeakerID      string `json:"speaker_id"`
	StartTimestamp int64  `json:"start_timestamp"`
	SampleRate     int    `json:"sample_rate,omitempty"`
	DurationMs     int64  `json:"duration_ms"`
	Source         string `json:"source"`
	Text           string `json:"text,omitempty"`
	DedupKey       string `json:"dedup_key,omitempty"`
	Audio          []byte `json:"audio,omitempty"`
}

// FragmentEvent is published on <prefix>.fragment.
type FragmentEvent struct {
	SpeakerID string    `json:"speaker_id"`
	SessionID string    `json:"session_id,omitempty"`
	Text      string    `json:"text"`
	IsFinal   bool      `json:"is_final"`
	At        time.Time `json:"at"`
}

// FailureEvent is published on <prefix>.failure.
type FailureEvent struct {
	SpeakerID   string    `json:"speaker_id"`
	SessionID   string    `json:"session_id,omitempty"`
	UtteranceID string    `json:"utterance_id,omitempty"`
	Reason      string    `json:"reason"`
	Retryable   bool      `json:"retryable"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

// NATSPublisher hands pipeline events to the persistence/webhook side over
// NATS as JSON.
type NATSPublisher struct {
	pub          Publisher
	prefix       string
	includeAudio bool
}

func NewNATSPublisher(pub Publisher, prefix string, includeAudio bool) *NATSPublisher {
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		prefix = "attendee"
	}
	return &NATSPublisher{pub: pub, prefix: prefix, includeAudio: includeAudio}
}

func (n *NATSPublisher) OnUtteranceReady(u voice.Utterance) {
	ev := UtteranceEvent{
		ID:             u.ID,
		SpeakerID:      u.SpeakerID,
		StartTimestamp: u.StartTimestamp,
		SampleRate:     u.SampleRate,
		DurationMs:     u.DurationMs,
		Source:         string(u.Source),
		Text:           u.Text,
		DedupKey:       u.DedupKey,
	}
	if n.includeAudio {
		ev.Audio = u.Audio
	}
	n.publish("utterance", ev)
}

func (n *NATSPublisher) OnTranscriptFragment(f voice.Fragment) {
	n.publish("fragment", FragmentEvent{SpeakerID: f.SpeakerID, SessionID: f.SessionID, Text: f.Text, IsFinal: f.IsFinal, At: f.At})
}

func (n *NATSPublisher) OnFailure(f voice.Failure) {
	ev := FailureEvent{
		SpeakerID:   f.SpeakerID,
		SessionID:   f.SessionID,
		UtteranceID: f.UtteranceID,
		Reason:      string(f.Reason),
		Retryable:   f.Reason.Retryable(),
		At:          f.At,
	}
	if f.Err != nil {
		ev.Error = f.Err.Error()
	}
	n.publish("failure", ev)
}

func (n *NATSPublisher) publish(kind string, v interface{}) {
	subject := n.prefix + "." + kind
	data, err := json.Marshal(v)
	if err != nil {
		logging.Errorw("nats: marshal event", "subject", subject, "err", err)
		return
	}
	if err := n.pub.Publish(subject, data); err != nil {
		logging.Warnw("nats: publish failed", "subject", subject, "err", err)
	}
}
