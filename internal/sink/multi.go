// Package sink holds the persistence-side collaborators that receive
// utterances, transcript fragments and failures from the pipeline.
package sink

import "github.com/Paul-M-Kallarackal/attendee/internal/voice"

// Multi fans every event out to each sink in order.
type Multi []voice.Sink

func (m Multi) OnUtteranceReady(u voice.Utterance) {
	for _, s := range m {
		s.OnUtteranceReady(u)
	}
}

func (m Multi) OnTranscriptFragment(f voice.Fragment) {
	for _, s := range m {
		s.OnTranscriptFragment(f)
	}
}

func (m Multi) OnFailure(f voice.Failure) {
	for _, s := range m {
		s.OnFailure(f)
	}
}
