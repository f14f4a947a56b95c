package voice

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Paul-M-Kallarackal/attendee/internal/audio"
	"github.com/Paul-M-Kallarackal/attendee/internal/logging"
	"github.com/Paul-M-Kallarackal/attendee/internal/metrics"
	"github.com/Paul-M-Kallarackal/attendee/internal/vad"
)

// Mode selects which transcription paths consume ingested audio.
type Mode string

const (
	ModeBatch     Mode = "batch"
	ModeStreaming Mode = "streaming"
	ModeBoth      Mode = "both"
	ModeCaptions  Mode = "captions"
)

// ParseMode validates a configured mode string.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeBatch, ModeStreaming, ModeBoth, ModeCaptions:
		return m, nil
	}
	return "", fmt.Errorf("unknown transcription mode %q", s)
}

func (m Mode) batch() bool     { return m == ModeBatch || m == ModeBoth }
func (m Mode) streaming() bool { return m == ModeStreaming || m == ModeBoth }

// Classifier decides speech or silence for one chunk.
type Classifier interface {
	Classify(c audio.Chunk) (vad.Decision, error)
}

type ProcessorConfig struct {
	Mode      Mode
	Limits    ProviderLimits
	Streaming StreamingConfig
	Captions  CaptionConfig

	QueueSize int
	// StreamTick drives idle-session finalization.
	StreamTick time.Duration
	// CaptionTick drives settle-mode commits and stale caption cleanup.
	CaptionTick time.Duration
	// SpeakerIdle flushes a batch utterance once its speaker has sent nothing
	// for this long.
	SpeakerIdle time.Duration
}

func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		Mode:        ModeBatch,
		Limits:      DefaultLimits()["default"],
		Streaming:   DefaultStreamingConfig(),
		Captions:    DefaultCaptionConfig(),
		QueueSize:   1024,
		StreamTick:  5 * time.Second,
		CaptionTick: 500 * time.Millisecond,
		SpeakerIdle: 5 * time.Second,
	}
}

type eventKind int

const (
	evChunk eventKind = iota
	evCaption
	evSpeakerLeft
	evBarrier
)

type event struct {
	kind    eventKind
	chunk   audio.Chunk
	device  string
	caption string
	text    string
	final   bool
	done    chan struct{}
}

// Stats is a snapshot of processor counters.
type Stats struct {
	Mode             Mode
	Enqueued         int64
	DroppedQueueFull int64
	DroppedMalformed int64
	OpenUtterances   int
	StreamingActive  int
	LiveCaptions     int
}

// Processor is one bot's audio pipeline. Platform callbacks enqueue events;
// a single worker goroutine owns the segmenter, the session map and the
// caption map, and also runs the periodic ticks, so none of them is mutated
// concurrently.
type Processor struct {
	cfg        ProcessorConfig
	classifier Classifier
	decoder    *audio.OpusDecoder
	sink       Sink

	segmenter *Segmenter
	streaming *StreamingManager
	captions  *CaptionEngine

	mu     sync.RWMutex // guards closed against close(events)
	closed bool
	events chan event

	wg sync.WaitGroup

	enqueueCount   int64
	dropQueueCount int64
	malformedCount int64
	openUtterances atomic.Int64
}

// NewProcessor builds and starts a pipeline. factory may be nil when the mode
// has no streaming path.
func NewProcessor(cfg ProcessorConfig, classifier Classifier, factory StreamFactory, sink Sink) (*Processor, error) {
	def := DefaultProcessorConfig()
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if _, err := ParseMode(string(cfg.Mode)); err != nil {
		return nil, err
	}
	if cfg.Mode.streaming() && factory == nil {
		return nil, errors.New("streaming mode requires a stream factory")
	}
	if cfg.Limits.Name == "" {
		cfg.Limits = def.Limits
	}
	if err := cfg.Limits.Validate(); err != nil {
		return nil, err
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.StreamTick <= 0 {
		cfg.StreamTick = def.StreamTick
	}
	if cfg.CaptionTick <= 0 {
		cfg.CaptionTick = def.CaptionTick
	}
	if cfg.SpeakerIdle <= 0 {
		cfg.SpeakerIdle = def.SpeakerIdle
	}
	if classifier == nil {
		classifier = vad.NewClassifier(vad.DefaultConfig(), nil)
	}
	if sink == nil {
		sink = NopSink{}
	}

	p := &Processor{
		cfg:        cfg,
		classifier: classifier,
		decoder:    audio.NewOpusDecoder(),
		sink:       sink,
		events:     make(chan event, cfg.QueueSize),
	}
	p.segmenter = NewSegmenter(cfg.Limits, sink.OnUtteranceReady)
	p.captions = NewCaptionEngine(cfg.Captions, sink.OnUtteranceReady)
	if cfg.Mode.streaming() {
		p.streaming = NewStreamingManager(cfg.Streaming, factory, sink)
	}

	p.wg.Add(1)
	go p.run()

	logging.Infow("Processor: started", "mode", cfg.Mode, "provider", cfg.Limits.Name, "queue_size", cfg.QueueSize)
	return p, nil
}

// OnAudioChunk is the platform's chunk-delivery callback. The payload is
// copied; the caller may reuse its buffer.
func (p *Processor) OnAudioChunk(speakerID string, timestamp int64, sampleRate int, format audio.Format, payload []byte) {
	if p.cfg.Mode == ModeCaptions {
		return
	}
	c := audio.Chunk{
		SpeakerID:  speakerID,
		Timestamp:  timestamp,
		SampleRate: sampleRate,
		Format:     format,
		Payload:    append([]byte(nil), payload...),
	}
	if p.enqueue(event{kind: evChunk, chunk: c}) {
		metrics.ChunksIngested.Inc()
	}
}

// OnCaption is the platform's caption-delivery callback.
func (p *Processor) OnCaption(deviceID, captionID, text string, isFinal bool) {
	p.enqueue(event{kind: evCaption, device: deviceID, caption: captionID, text: text, final: isFinal})
}

// SpeakerLeft flushes everything buffered for a departing participant.
func (p *Processor) SpeakerLeft(speakerID string) {
	p.enqueue(event{kind: evSpeakerLeft, device: speakerID})
}

// Stats returns current counters.
func (p *Processor) Stats() Stats {
	st := Stats{
		Mode:             p.cfg.Mode,
		Enqueued:         atomic.LoadInt64(&p.enqueueCount),
		DroppedQueueFull: atomic.LoadInt64(&p.dropQueueCount),
		DroppedMalformed: atomic.LoadInt64(&p.malformedCount),
		OpenUtterances:   int(p.openUtterances.Load()),
		LiveCaptions:     p.captions.Len(),
	}
	if p.streaming != nil {
		st.StreamingActive = p.streaming.ActiveCount()
	}
	return st
}

// Close stops intake, drains queued events, flushes open utterances and
// captions, and finalizes streaming sessions.
func (p *Processor) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.events)
	p.mu.Unlock()

	logging.Infow("Processor: Close called")
	p.wg.Wait()
	return nil
}

// enqueue never blocks; when the queue is full the event is dropped.
func (p *Processor) enqueue(ev event) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.events <- ev:
		atomic.AddInt64(&p.enqueueCount, 1)
		return true
	default:
		atomic.AddInt64(&p.dropQueueCount, 1)
		metrics.ChunksDropped.WithLabelValues("queue_full").Inc()
		logging.Warnw("Processor: dropping event; queue full", "speaker.id", ev.chunk.SpeakerID, "kind", ev.kind)
		return false
	}
}

// barrier waits until every event enqueued before it has been handled.
func (p *Processor) barrier() {
	done := make(chan struct{})
	if !p.enqueueBlocking(event{kind: evBarrier, done: done}) {
		return
	}
	<-done
}

func (p *Processor) enqueueBlocking(ev event) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	p.events <- ev
	return true
}

func (p *Processor) run() {
	defer p.wg.Done()
	streamTick := time.NewTicker(p.cfg.StreamTick)
	defer streamTick.Stop()
	captionTick := time.NewTicker(p.cfg.CaptionTick)
	defer captionTick.Stop()

	for {
		select {
		case ev, ok := <-p.events:
			if !ok {
				p.shutdown()
				return
			}
			p.handle(ev)
		case <-streamTick.C:
			if p.streaming != nil {
				p.streaming.Tick()
			}
			if p.cfg.Mode.batch() {
				p.segmenter.FlushIdle(time.Now(), p.cfg.SpeakerIdle)
				p.openUtterances.Store(int64(p.segmenter.Pending()))
			}
		case <-captionTick.C:
			p.captions.Flush(false)
			p.captions.Cleanup()
		}
	}
}

func (p *Processor) handle(ev event) {
	switch ev.kind {
	case evChunk:
		p.handleChunk(ev.chunk)
	case evCaption:
		p.captions.Upsert(ev.device, ev.caption, ev.text, ev.final)
		p.captions.Flush(false)
	case evSpeakerLeft:
		p.segmenter.FlushSpeaker(ev.device)
		if p.streaming != nil {
			p.streaming.FinalizeSpeaker(ev.device)
		}
		p.captions.FlushDevice(ev.device)
		p.decoder.Forget(ev.device)
	case evBarrier:
		close(ev.done)
	}
	p.openUtterances.Store(int64(p.segmenter.Pending()))
}

func (p *Processor) handleChunk(c audio.Chunk) {
	pcm, err := p.decoder.Decode(c)
	if err != nil {
		p.dropMalformed(c.SpeakerID, err)
		return
	}
	d, err := p.classifier.Classify(pcm)
	if err != nil {
		p.dropMalformed(c.SpeakerID, err)
		return
	}
	if p.cfg.Mode.batch() {
		p.segmenter.AddChunk(pcm, d)
	}
	if p.streaming != nil {
		p.streaming.AddChunk(pcm, d)
	}
}

func (p *Processor) dropMalformed(speakerID string, err error) {
	atomic.AddInt64(&p.malformedCount, 1)
	metrics.ChunksDropped.WithLabelValues("malformed").Inc()
	logging.Warnw("Processor: dropping chunk", "speaker.id", speakerID, "err", err)
}

func (p *Processor) shutdown() {
	p.segmenter.FlushAll()
	p.captions.Flush(true)
	if p.streaming != nil {
		p.streaming.FinalizeAll()
	}
	p.openUtterances.Store(0)
	logging.Infow("Processor: drained", "enqueued", atomic.LoadInt64(&p.enqueueCount), "dropped", atomic.LoadInt64(&p.dropQueueCount))
}
