package main

import (
	"fmt"
	"time"

	"github.com/Paul-M-Kallarackal/attendee/internal/config"
	"github.com/Paul-M-Kallarackal/attendee/internal/logging"
	"github.com/Paul-M-Kallarackal/attendee/internal/sink"
	"github.com/Paul-M-Kallarackal/attendee/internal/stt"
	"github.com/Paul-M-Kallarackal/attendee/internal/voice"
)

// outputs is the downstream half of the pipeline: everything the processor
// emits goes to sink, and the optional pieces are kept for shutdown.
type outputs struct {
	sink    voice.Sink
	batch   *stt.BatchTranscriber
	archive *sink.Archive
}

// buildOutputs fans pipeline events out to NATS and the archive. When the
// mode produces batch utterances and a whisper endpoint is set, the fan-out
// is fronted by a BatchTranscriber so utterances arrive transcribed.
func buildOutputs(cfg *config.Config, pub sink.Publisher) (*outputs, error) {
	var fan sink.Multi
	if pub != nil {
		fan = append(fan, sink.NewNATSPublisher(pub, cfg.NATSSubjectPrefix, cfg.NATSIncludeAudio))
	}
	out := &outputs{}
	if cfg.SaveAudioEnabled {
		a, err := sink.NewArchive(sink.ArchiveOptions{
			Dir:       cfg.SaveAudioDir,
			Retention: cfg.SaveAudioRetention,
			MaxFiles:  cfg.SaveAudioMaxFiles,
		})
		if err != nil {
			return nil, fmt.Errorf("archive: %w", err)
		}
		out.archive = a
		fan = append(fan, a)
	}
	if len(fan) == 0 {
		logging.Warnw("no pipeline outputs configured; events are only logged", "hint", "set NATS_URL or SAVE_AUDIO_ENABLED")
		fan = append(fan, logSink{})
	}
	out.sink = fan

	if usesBatch(cfg.Mode) && cfg.WhisperURL != "" {
		out.batch = stt.NewBatchTranscriber(&stt.WhisperClient{
			URL:       cfg.WhisperURL,
			AuthToken: cfg.WhisperToken,
			Language:  cfg.WhisperLanguage,
			Translate: cfg.WhisperTranslate,
			Timeout:   30 * time.Second,
		}, fan, stt.BatchOptions{
			TargetRate: cfg.Processor.Limits.SampleRate,
			Workers:    cfg.BatchWorkers,
		})
		out.sink = out.batch
	}
	return out, nil
}

// streamFactory returns nil when the mode never opens streaming sessions.
func streamFactory(cfg *config.Config) (voice.StreamFactory, error) {
	if cfg.Mode != voice.ModeStreaming && cfg.Mode != voice.ModeBoth {
		return nil, nil
	}
	return stt.NewStreamFactory(cfg.StreamingProvider, cfg.Stream)
}

func usesBatch(m voice.Mode) bool { return m == voice.ModeBatch || m == voice.ModeBoth }

// logSink is the fallback when nothing downstream is configured.
type logSink struct{}

func (logSink) OnUtteranceReady(u voice.Utterance) {
	fields := append(logging.UtteranceFields(u.SpeakerID, u.ID, len(u.Audio), u.DurationMs), "source", u.Source, "text", u.Text)
	logging.Infow("utterance ready", fields...)
}

func (logSink) OnTranscriptFragment(f voice.Fragment) {
	logging.Infow("transcript fragment", "speaker_id", f.SpeakerID, "is_final", f.IsFinal, "text", f.Text)
}

func (logSink) OnFailure(f voice.Failure) {
	logging.Warnw("pipeline failure", "speaker_id", f.SpeakerID, "reason", f.Reason, "retryable", f.Reason.Retryable(), "err", f.Err)
}

// discardFrames stands in for the voice connection when the bot is not in a
// channel, so playback requests still run to completion.
type discardFrames struct{}

func (discardFrames) PlayFrame(pcm []byte, sampleRate int) error {
	logging.Debugw("playback: no voice connection, frame dropped", "bytes", len(pcm), "sample_rate", sampleRate)
	return nil
}
