// Package metrics exposes pipeline counters on a private prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "attendee"

var (
	Registry = prometheus.NewRegistry()

	ChunksIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audio_chunks_ingested_total",
		Help:      "Audio chunks accepted onto the ingest queue.",
	})
	ChunksDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audio_chunks_dropped_total",
		Help:      "Audio chunks dropped, by reason.",
	}, []string{"reason"})
	UtterancesFlushed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "utterances_flushed_total",
		Help:      "Utterances handed to the sink, by source.",
	}, []string{"source"})
	StreamingSessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "streaming_sessions_active",
		Help:      "Open streaming transcription sessions.",
	})
	StreamingEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "streaming_session_evictions_total",
		Help:      "Sessions finalized to make room under the session cap.",
	})
	ProviderFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_failures_total",
		Help:      "Transcription provider failures, by reason.",
	}, []string{"reason"})
	CaptionCommits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "caption_commits_total",
		Help:      "Platform captions committed as utterances.",
	})
	PlaybackFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "playback_frames_total",
		Help:      "Frames written to the meeting audio sink, by path.",
	}, []string{"path"})
	InjectionResets = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "injection_buffer_resets_total",
		Help:      "Injection buffer resets caused by stale or rate-changed input.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ChunksIngested,
		ChunksDropped,
		UtterancesFlushed,
		StreamingSessionsActive,
		StreamingEvictions,
		ProviderFailures,
		CaptionCommits,
		PlaybackFrames,
		InjectionResets,
	)
}

// Handler serves the registry in the prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
