package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/nats-io/nats.go"

	"github.com/Paul-M-Kallarackal/attendee/internal/config"
	"github.com/Paul-M-Kallarackal/attendee/internal/control"
	"github.com/Paul-M-Kallarackal/attendee/internal/discord"
	"github.com/Paul-M-Kallarackal/attendee/internal/logging"
	"github.com/Paul-M-Kallarackal/attendee/internal/metrics"
	"github.com/Paul-M-Kallarackal/attendee/internal/playback"
	"github.com/Paul-M-Kallarackal/attendee/internal/sink"
	"github.com/Paul-M-Kallarackal/attendee/internal/stt"
	"github.com/Paul-M-Kallarackal/attendee/internal/vad"
	"github.com/Paul-M-Kallarackal/attendee/internal/voice"
)

var version = "dev"

func main() {
	sugar := logging.Init()
	defer func() { _ = sugar.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		sugar.Fatalf("config: %v", err)
	}
	if cfg.DiscordToken == "" {
		sugar.Fatal("DISCORD_BOT_TOKEN required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsSrv := serveHTTP("metrics", cfg.MetricsAddr, metrics.Handler())

	var nc *nats.Conn
	var pub sink.Publisher
	if cfg.NATSURL != "" {
		nc, err = sink.ConnectNATS(cfg.NATSURL, "attendee-bot", 5*time.Second)
		if err != nil {
			sugar.Fatalf("nats: %v", err)
		}
		pub = nc
	}

	out, err := buildOutputs(cfg, pub)
	if err != nil {
		sugar.Fatalf("outputs: %v", err)
	}
	if out.archive != nil {
		out.archive.StartCleaner(ctx, cfg.SaveAudioInterval)
	}

	factory, err := streamFactory(cfg)
	if err != nil {
		sugar.Fatalf("streaming provider: %v", err)
	}

	var detector vad.Detector
	if det, err := vad.NewWebRTCDetector(cfg.VADMode); err != nil {
		sugar.Warnw("webrtc vad unavailable, using energy gate only", "err", err)
	} else {
		detector = det
	}
	proc, err := voice.NewProcessor(cfg.Processor, vad.NewClassifier(cfg.VAD, detector), factory, out.sink)
	if err != nil {
		sugar.Fatalf("voice.NewProcessor: %v", err)
	}

	dg, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		sugar.Fatalf("discordgo.New: %v", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	adapter := discord.NewAdapter(proc, discord.NewResolver(dg), cfg.VoiceChannelID)
	dg.AddHandler(func(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
		adapter.HandleVoiceState(s, vs)
	})
	if err := dg.Open(); err != nil {
		sugar.Fatalf("discord session open failed: %v", err)
	}

	var frames playback.FrameSink = discardFrames{}
	var vc *discordgo.VoiceConnection
	var voiceOut *discord.VoiceSink
	if cfg.GuildID != "" && cfg.VoiceChannelID != "" {
		sugar.Infow("joining voice channel", "guild", cfg.GuildID, "channel", cfg.VoiceChannelID)
		vc, err = dg.ChannelVoiceJoin(cfg.GuildID, cfg.VoiceChannelID, false, false)
		if err != nil {
			sugar.Warnf("voice join failed: %v", err)
			vc = nil
		} else {
			vc.AddHandler(func(v *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
				adapter.HandleSpeakingUpdate(v, su)
			})
			go adapter.Receive(ctx, vc.OpusRecv)
			if voiceOut, err = discord.NewVoiceSink(vc); err != nil {
				sugar.Warnw("voice output unavailable, playback will be discarded", "err", err)
			} else {
				frames = voiceOut
			}
			sugar.Infow("voice joined", "guild", cfg.GuildID, "channel", cfg.VoiceChannelID)
		}
	} else {
		sugar.Warnw("GUILD_ID or VOICE_CHANNEL_ID not set; not joining voice")
	}

	var synth playback.Synthesizer
	if cfg.TTSURL != "" {
		synth = &stt.TTSClient{URL: cfg.TTSURL, AuthToken: cfg.TTSAuthToken, SampleRate: cfg.Scheduler.OutputRate}
	}
	scheduler := playback.NewScheduler(cfg.Scheduler, frames, synth)
	injector := playback.NewInjector(cfg.Injector, frames)

	var controlSrv *http.Server
	if cfg.ControlAddr != "" {
		cs := control.NewServer(control.Options{Name: "attendee", Version: version, ClipsDir: cfg.ClipsDir}, scheduler, proc, injector)
		controlSrv = serveHTTP("control", cfg.ControlAddr, cs.Handler())
	}

	sugar.Infow("bot running", "mode", cfg.Mode, "batch_provider", cfg.BatchProvider, "streaming_provider", cfg.StreamingProvider)
	<-ctx.Done()
	sugar.Infow("shutdown signal received, closing resources")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if controlSrv != nil {
		_ = controlSrv.Shutdown(shutdownCtx)
	}
	scheduler.Close()
	injector.Close()
	if voiceOut != nil {
		voiceOut.Close()
	}
	if vc != nil {
		if err := vc.Disconnect(); err != nil {
			sugar.Warnf("voice disconnect error: %v", err)
		}
	}
	// The processor flushes open utterances into the batch transcriber, so
	// it closes first.
	if err := proc.Close(); err != nil {
		sugar.Warnf("processor close error: %v", err)
	}
	if out.batch != nil {
		if err := out.batch.Close(); err != nil {
			sugar.Warnf("batch transcriber close error: %v", err)
		}
	}
	if out.archive != nil {
		_ = out.archive.Close()
		out.archive.Wait()
	}
	if nc != nil {
		if err := nc.Drain(); err != nil {
			sugar.Warnf("nats drain error: %v", err)
		}
	}
	if err := dg.Close(); err != nil {
		sugar.Warnf("discord session close error: %v", err)
	}
	_ = metricsSrv.Shutdown(shutdownCtx)
	sugar.Info("shutdown complete")
}

func serveHTTP(name, addr string, h http.Handler) *http.Server {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logging.Infow("http server listening", "server", name, "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Errorw("http server failed", "server", name, "err", err)
		}
	}()
	return srv
}
