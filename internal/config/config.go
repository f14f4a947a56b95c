// Package config loads the bot's settings from the environment, an optional
// .env file and an optional YAML file of provider limit overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Paul-M-Kallarackal/attendee/internal/logging"
	"github.com/Paul-M-Kallarackal/attendee/internal/playback"
	"github.com/Paul-M-Kallarackal/attendee/internal/stt"
	"github.com/Paul-M-Kallarackal/attendee/internal/vad"
	"github.com/Paul-M-Kallarackal/attendee/internal/voice"
)

// Config holds everything cmd/bot needs to wire the pipeline.
type Config struct {
	Mode              voice.Mode
	BatchProvider     string
	StreamingProvider string
	Limits            map[string]voice.ProviderLimits

	Processor voice.ProcessorConfig
	VAD       vad.Config
	VADMode   int

	Scheduler playback.SchedulerConfig
	Injector  playback.InjectorConfig

	WhisperURL       string
	WhisperToken     string
	WhisperLanguage  string
	WhisperTranslate bool
	BatchWorkers     int
	Stream           stt.StreamConfig

	TTSURL       string
	TTSAuthToken string
	ClipsDir     string

	NATSURL           string
	NATSSubjectPrefix string
	NATSIncludeAudio  bool

	SaveAudioEnabled   bool
	SaveAudioDir       string
	SaveAudioRetention time.Duration
	SaveAudioMaxFiles  int
	SaveAudioInterval  time.Duration

	MetricsAddr string
	ControlAddr string

	DiscordToken   string
	GuildID        string
	VoiceChannelID string
}

// Load reads the configuration. Malformed numeric or duration values fall
// back to their defaults with a warning; an unknown mode is an error.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := &Config{
		Processor: voice.DefaultProcessorConfig(),
		VAD:       vad.DefaultConfig(),
		Scheduler: playback.DefaultSchedulerConfig(),
		Injector:  playback.DefaultInjectorConfig(),
	}

	mode, err := voice.ParseMode(strings.ToLower(getEnv("TRANSCRIPTION_MODE", string(voice.ModeBatch))))
	if err != nil {
		return nil, err
	}
	cfg.Mode = mode
	cfg.BatchProvider = getEnv("BATCH_PROVIDER", "whisper")
	cfg.StreamingProvider = getEnv("STREAMING_PROVIDER", "websocket")

	cfg.Limits = voice.DefaultLimits()
	if path := getEnv("PROVIDER_LIMITS_FILE", ""); path != "" {
		if err := loadLimitsFile(path, cfg.Limits); err != nil {
			return nil, err
		}
	}
	limits := voice.LimitsFor(cfg.Limits, cfg.BatchProvider)
	limits.MaxSeconds = getFloat("BATCH_MAX_SECONDS", limits.MaxSeconds)
	limits.SilenceSeconds = getFloat("BATCH_SILENCE_SECONDS", limits.SilenceSeconds)
	limits.SampleRate = getInt("BATCH_SAMPLE_RATE", limits.SampleRate)
	if err := limits.Validate(); err != nil {
		return nil, err
	}

	p := &cfg.Processor
	p.Mode = mode
	p.Limits = limits
	p.QueueSize = getInt("INGEST_QUEUE_SIZE", p.QueueSize)
	p.StreamTick = getDuration("STREAM_TICK_INTERVAL", p.StreamTick)
	p.SpeakerIdle = getDuration("SPEAKER_IDLE_FLUSH", p.SpeakerIdle)
	p.Streaming.MaxSessions = getInt("MAX_STREAMING_SESSIONS", p.Streaming.MaxSessions)
	p.Streaming.IdleTimeout = getDuration("STREAM_IDLE_TIMEOUT", p.Streaming.IdleTimeout)
	p.Streaming.QueueSize = getInt("STREAM_QUEUE_SIZE", p.Streaming.QueueSize)
	p.Streaming.FinalizeTimeout = getDuration("STREAM_FINALIZE_TIMEOUT", p.Streaming.FinalizeTimeout)

	switch m := voice.CaptionMode(strings.ToLower(getEnv("CAPTION_COMMIT_MODE", string(voice.CaptionFinalOnly)))); m {
	case voice.CaptionFinalOnly, voice.CaptionSettle:
		p.Captions.Mode = m
	default:
		return nil, fmt.Errorf("unknown caption commit mode %q", m)
	}
	p.Captions.SettleDelay = getDuration("CAPTION_SETTLE_DELAY", p.Captions.SettleDelay)
	p.Captions.MaxAge = getDuration("CAPTION_MAX_AGE", p.Captions.MaxAge)

	cfg.VAD.RMSThreshold = getFloat("VAD_RMS_THRESHOLD", cfg.VAD.RMSThreshold)
	cfg.VAD.FrameMs = getInt("VAD_FRAME_MS", cfg.VAD.FrameMs)
	cfg.VADMode = getInt("VAD_MODE", 2)
	if cfg.VADMode > 3 {
		logging.Warnw("config: VAD_MODE out of range, using 2", "value", cfg.VADMode)
		cfg.VADMode = 2
	}

	out := getInt("OUTPUT_SAMPLE_RATE", 48000)
	cfg.Scheduler.OutputRate = out
	cfg.Scheduler.ChunkMs = getInt("PLAYBACK_CHUNK_MS", cfg.Scheduler.ChunkMs)
	cfg.Scheduler.Interval = time.Duration(getInt("PLAYBACK_SLEEP_MS", int(cfg.Scheduler.Interval/time.Millisecond))) * time.Millisecond
	cfg.Injector.OutputRate = out
	cfg.Injector.StaleThreshold = getDuration("INJECTION_STALE_THRESHOLD", cfg.Injector.StaleThreshold)
	cfg.Injector.IdleTimeout = getDuration("INJECTION_IDLE_TIMEOUT", cfg.Injector.IdleTimeout)

	cfg.WhisperURL = getEnv("WHISPER_URL", "")
	cfg.WhisperToken = getEnv("WHISPER_AUTH_TOKEN", "")
	cfg.WhisperLanguage = getEnv("STT_LANGUAGE", "")
	cfg.WhisperTranslate = getBool("WHISPER_TRANSLATE", false)
	cfg.BatchWorkers = getInt("BATCH_WORKERS", 2)
	cfg.Stream = stt.StreamConfig{
		URL:             getEnv("STREAM_URL", ""),
		APIKey:          getEnv("STREAM_API_KEY", ""),
		DialTimeout:     getDuration("STREAM_DIAL_TIMEOUT", 10*time.Second),
		WriteTimeout:    getDuration("STREAM_WRITE_TIMEOUT", 5*time.Second),
		FinalizeTimeout: p.Streaming.FinalizeTimeout,
	}
	if (mode == voice.ModeStreaming || mode == voice.ModeBoth) && cfg.Stream.URL == "" {
		return nil, fmt.Errorf("STREAM_URL is required for transcription mode %s", mode)
	}

	cfg.TTSURL = getEnv("TTS_URL", "")
	cfg.TTSAuthToken = getEnv("TTS_AUTH_TOKEN", "")
	cfg.ClipsDir = getEnv("CLIPS_DIR", "")

	cfg.NATSURL = getEnv("NATS_URL", "")
	cfg.NATSSubjectPrefix = getEnv("NATS_SUBJECT_PREFIX", "attendee")
	cfg.NATSIncludeAudio = getBool("NATS_INCLUDE_AUDIO", false)

	cfg.SaveAudioEnabled = getBool("SAVE_AUDIO_ENABLED", false)
	cfg.SaveAudioDir = getEnv("SAVE_AUDIO_DIR", "")
	cfg.SaveAudioRetention = getDuration("SAVE_AUDIO_RETENTION", 24*time.Hour)
	cfg.SaveAudioMaxFiles = getInt("SAVE_AUDIO_MAX_FILES", 0)
	cfg.SaveAudioInterval = getDuration("SAVE_AUDIO_CLEAN_INTERVAL", time.Minute)
	if cfg.SaveAudioEnabled && cfg.SaveAudioDir == "" {
		logging.Warnw("config: SAVE_AUDIO_ENABLED without SAVE_AUDIO_DIR, archive disabled")
		cfg.SaveAudioEnabled = false
	}

	cfg.MetricsAddr = getEnv("METRICS_ADDR", ":9090")
	cfg.ControlAddr = getEnv("CONTROL_ADDR", "")

	cfg.DiscordToken = getEnv("DISCORD_BOT_TOKEN", "")
	cfg.GuildID = getEnv("GUILD_ID", "")
	cfg.VoiceChannelID = getEnv("VOICE_CHANNEL_ID", "")

	return cfg, nil
}

type limitsFile struct {
	Providers map[string]voice.ProviderLimits `yaml:"providers"`
}

// loadLimitsFile merges YAML provider entries into table. Zero fields keep
// the built-in value for a known provider.
func loadLimitsFile(path string, table map[string]voice.ProviderLimits) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read provider limits %s: %w", path, err)
	}
	var f limitsFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("parse provider limits %s: %w", path, err)
	}
	for name, l := range f.Providers {
		base := table[name]
		base.Name = name
		if l.SampleRate > 0 {
			base.SampleRate = l.SampleRate
		}
		if l.MaxSeconds > 0 {
			base.MaxSeconds = l.MaxSeconds
		}
		if l.SilenceSeconds > 0 {
			base.SilenceSeconds = l.SilenceSeconds
		}
		if err := base.Validate(); err != nil {
			return fmt.Errorf("provider limits %s: %w", path, err)
		}
		table[name] = base
	}
	logging.Infow("config: loaded provider limits", "path", path, "providers", len(f.Providers))
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		logging.Warnw("config: invalid integer, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func getFloat(key string, def float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		logging.Warnw("config: invalid number, using default", "key", key, "value", v, "default", def)
		return def
	}
	return f
}

func getDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		logging.Warnw("config: invalid duration, using default", "key", key, "value", v, "default", def.String())
		return def
	}
	return d
}

func getBool(key string, def bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		logging.Warnw("config: invalid boolean, using default", "key", key, "value", v, "default", def)
		return def
	}
	return b
}
