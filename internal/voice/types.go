package voice

import "time"

// Source records which path produced an utterance.
type Source string

const (
	SourceBatchAudio      Source = "batch_audio"
	SourceStreamingAudio  Source = "streaming_audio"
	SourcePlatformCaption Source = "platform_caption"
)

// Utterance is one committed unit of a single speaker's speech. It is
// immutable once handed to a Sink.
//
// Audio is set for batch utterances. Text is set for streaming and caption
// utterances, and for batch utterances after transcription.
type Utterance struct {
	ID             string
	SpeakerID      string
	StartTimestamp int64 // ms
	SampleRate     int
	Audio          []byte
	Source         Source
	Text           string
	DurationMs     int64
	DedupKey       string
}

// Fragment is an incremental transcript from a streaming session or a batch
// transcription.
type Fragment struct {
	SpeakerID string
	SessionID string
	Text      string
	IsFinal   bool
	At        time.Time
}

// Failure reports a provider error for an utterance or session.
type Failure struct {
	SpeakerID   string
	SessionID   string
	UtteranceID string
	Reason      FailureReason
	Err         error
	At          time.Time
}

// Sink is the persistence/webhook collaborator. Implementations must be safe
// for concurrent use: streaming results arrive on provider goroutines.
type Sink interface {
	OnUtteranceReady(u Utterance)
	OnTranscriptFragment(f Fragment)
	OnFailure(f Failure)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) OnUtteranceReady(Utterance)    {}
func (NopSink) OnTranscriptFragment(Fragment) {}
func (NopSink) OnFailure(Failure)             {}
