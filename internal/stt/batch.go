package stt

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/Paul-M-Kallarackal/attendee/internal/audio"
	"github.com/Paul-M-Kallarackal/attendee/internal/logging"
	"github.com/Paul-M-Kallarackal/attendee/internal/metrics"
	"github.com/Paul-M-Kallarackal/attendee/internal/voice"
)

// ErrBacklogFull is reported for utterances that skipped transcription
// because their worker already had QueueSize uploads waiting.
var ErrBacklogFull = errors.New("batch upload backlog full")

// Transcriber turns a complete PCM16 buffer into text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, rate int, correlationID string) (string, error)
}

// BatchTranscriber is a voice.Sink that submits batch utterances to a
// Transcriber before passing them on. Uploads run in the background on a
// fixed set of workers; a speaker always maps to the same worker so its
// utterances stay in order. Handing an utterance over never blocks.
type BatchTranscriber struct {
	next       voice.Sink
	tr         Transcriber
	targetRate int
	timeout    time.Duration
	maxQueued  int

	ctx    context.Context
	cancel context.CancelFunc
	shards []*shard
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

type BatchOptions struct {
	// TargetRate is the provider's expected sample rate; utterances are
	// resampled to it before upload. Zero keeps the captured rate.
	TargetRate int
	Workers    int
	// QueueSize caps uploads waiting per worker. Utterances beyond it keep
	// their place in line but go out untranscribed with an upload_failed
	// failure.
	QueueSize int
	Timeout   time.Duration
}

type batchJob struct {
	u    voice.Utterance
	skip bool
}

// shard is one worker's backlog.
type shard struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []batchJob
	uploads int
	closed  bool
}

func NewBatchTranscriber(tr Transcriber, next voice.Sink, opts BatchOptions) *BatchTranscriber {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 32
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &BatchTranscriber{
		next:       next,
		tr:         tr,
		targetRate: opts.TargetRate,
		timeout:    opts.Timeout,
		maxQueued:  opts.QueueSize,
		ctx:        ctx,
		cancel:     cancel,
		shards:     make([]*shard, opts.Workers),
	}
	for i := range b.shards {
		sh := &shard{}
		sh.cond = sync.NewCond(&sh.mu)
		b.shards[i] = sh
		b.wg.Add(1)
		go b.work(sh)
	}
	return b
}

// OnUtteranceReady queues batch audio for transcription; other sources pass
// straight through.
func (b *BatchTranscriber) OnUtteranceReady(u voice.Utterance) {
	if u.Source != voice.SourceBatchAudio || len(u.Audio) == 0 {
		b.next.OnUtteranceReady(u)
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.next.OnUtteranceReady(u)
		return
	}
	sh := b.shards[b.shard(u.SpeakerID)]
	sh.mu.Lock()
	j := batchJob{u: u}
	if sh.uploads >= b.maxQueued {
		j.skip = true
		logging.Warnw("stt: batch backlog full, utterance will skip transcription", append(logging.SpeakerFields(u.SpeakerID), "utterance.id", u.ID, "waiting", sh.uploads)...)
	} else {
		sh.uploads++
	}
	sh.pending = append(sh.pending, j)
	sh.mu.Unlock()
	sh.cond.Signal()
}

func (b *BatchTranscriber) OnTranscriptFragment(f voice.Fragment) { b.next.OnTranscriptFragment(f) }
func (b *BatchTranscriber) OnFailure(f voice.Failure)             { b.next.OnFailure(f) }

// Close waits for queued uploads to finish.
func (b *BatchTranscriber) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, sh := range b.shards {
		sh.mu.Lock()
		sh.closed = true
		sh.mu.Unlock()
		sh.cond.Broadcast()
	}
	b.mu.Unlock()
	b.wg.Wait()
	b.cancel()
	return nil
}

func (b *BatchTranscriber) work(sh *shard) {
	defer b.wg.Done()
	for {
		sh.mu.Lock()
		for len(sh.pending) == 0 && !sh.closed {
			sh.cond.Wait()
		}
		if len(sh.pending) == 0 {
			sh.mu.Unlock()
			return
		}
		j := sh.pending[0]
		sh.pending[0] = batchJob{}
		sh.pending = sh.pending[1:]
		if !j.skip {
			sh.uploads--
		}
		sh.mu.Unlock()

		if j.skip {
			b.next.OnUtteranceReady(j.u)
			b.report(j.u, voice.NewProviderError(voice.ReasonUploadFailed, ErrBacklogFull))
			continue
		}
		b.transcribe(j.u)
	}
}

func (b *BatchTranscriber) shard(speakerID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(speakerID))
	return int(h.Sum32() % uint32(len(b.shards)))
}
func (b *BatchTranscriber) transcribe(u voice.Utterance) {
	pcm, rate := u.Audio, u.SampleRate
	if b.targetRate > 0 && b.targetRate != rate {
		out, err := audio.Resample(pcm, rate, b.targetRate)
		if err != nil {
			b.next.OnUtteranceReady(u)
			b.report(u, voice.NewProviderError(voice.ReasonInternal, err))
			return
		}
		pcm, rate = out, b.targetRate
	}

	ctx, cancel := context.WithTimeout(b.ctx, b.timeout)
	defer cancel()
	start := time.Now()
	text, err := b.tr.Transcribe(ctx, pcm, rate, u.ID)
	if err != nil {
		// The untranscribed audio still goes out so it is not lost.
		b.next.OnUtteranceReady(u)
		b.report(u, err)
		return
	}
	logging.Infow("stt: batch transcription done", append(logging.UtteranceFields(u.SpeakerID, u.ID, len(u.Audio), u.DurationMs), "latency_ms", time.Since(start).Milliseconds(), "chars", len(text))...)
	u.Text = text
	if text != "" {
		b.next.OnTranscriptFragment(voice.Fragment{SpeakerID: u.SpeakerID, Text: text, IsFinal: true, At: time.Now()})
	}
	b.next.OnUtteranceReady(u)
}

func (b *BatchTranscriber) report(u voice.Utterance, err error) {
	reason := voice.ReasonFor(err)
	metrics.ProviderFailures.WithLabelValues(string(reason)).Inc()
	logging.Warnw("stt: batch transcription failed", append(logging.SpeakerFields(u.SpeakerID), "utterance.id", u.ID, "reason", reason, "retryable", reason.Retryable(), "err", err)...)
	b.next.OnFailure(voice.Failure{SpeakerID: u.SpeakerID, UtteranceID: u.ID, Reason: reason, Err: err, At: time.Now()})
}
