// Package discord is the thin platform adapter between a discordgo voice
// connection and the pipeline: speaking updates map SSRCs to users, received
// opus packets become audio chunks, and playback frames are opus encoded back
// onto the connection.
package discord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/Paul-M-Kallarackal/attendee/internal/audio"
	"github.com/Paul-M-Kallarackal/attendee/internal/logging"
)

// SampleRate is the rate of all Discord voice audio.
const SampleRate = 48000

// Ingest is the part of voice.Processor the adapter drives.
type Ingest interface {
	OnAudioChunk(speakerID string, timestamp int64, sampleRate int, format audio.Format, payload []byte)
	SpeakerLeft(speakerID string)
}

// NameResolver returns a display name for a user ID, or "".
type NameResolver interface {
	UserName(userID string) string
}

// Adapter maps one voice channel's participants onto pipeline speakers.
type Adapter struct {
	ingest    Ingest
	names     NameResolver
	channelID string
	start     time.Time

	mu    sync.Mutex
	users map[uint32]string
	// SSRCs that have been delivered under their fallback speaker ID.
	unmapped map[uint32]bool
}

func NewAdapter(ingest Ingest, names NameResolver, channelID string) *Adapter {
	return &Adapter{
		ingest:    ingest,
		names:     names,
		channelID: channelID,
		start:     time.Now(),
		users:     make(map[uint32]string),
		unmapped:  make(map[uint32]bool),
	}
}

// HandleSpeakingUpdate records the SSRC -> user mapping.
func (a *Adapter) HandleSpeakingUpdate(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
	if su == nil || su.UserID == "" {
		return
	}
	ssrc := uint32(su.SSRC)
	a.mu.Lock()
	prev := a.users[ssrc]
	a.users[ssrc] = su.UserID
	orphaned := a.unmapped[ssrc]
	delete(a.unmapped, ssrc)
	a.mu.Unlock()
	// Audio already buffered under the fallback ID would otherwise sit
	// there until the idle timeout.
	if orphaned {
		a.ingest.SpeakerLeft(fallbackID(ssrc))
	}
	if prev != su.UserID {
		kv := append(logging.SpeakerFields(su.UserID), "ssrc", ssrc)
		if a.names != nil {
			if n := a.names.UserName(su.UserID); n != "" {
				kv = append(kv, "user_name", n)
			}
		}
		logging.Infow("discord: mapped SSRC -> user", kv...)
	}
}

// HandleVoiceState treats a user moving out of the bot's channel as the
// speaker leaving.
func (a *Adapter) HandleVoiceState(_ *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	if vs == nil || vs.VoiceState == nil || vs.UserID == "" {
		return
	}
	if vs.ChannelID == a.channelID {
		return
	}
	a.mu.Lock()
	found := false
	for ssrc, uid := range a.users {
		if uid == vs.UserID {
			delete(a.users, ssrc)
			found = true
		}
	}
	a.mu.Unlock()
	if found {
		logging.Infow("discord: speaker left channel", logging.SpeakerFields(vs.UserID)...)
		a.ingest.SpeakerLeft(vs.UserID)
	}
}

// SpeakerFor returns the pipeline speaker ID for an SSRC. Packets that
// arrive before the speaking update are attributed to the SSRC itself.
func (a *Adapter) SpeakerFor(ssrc uint32) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if uid, ok := a.users[ssrc]; ok {
		return uid
	}
	a.unmapped[ssrc] = true
	return fallbackID(ssrc)
}

func fallbackID(ssrc uint32) string {
	return fmt.Sprintf("ssrc-%d", ssrc)
}

// Receive forwards opus packets from recv until it is closed or ctx is done.
func (a *Adapter) Receive(ctx context.Context, recv <-chan *discordgo.Packet) {
	logging.Infow("discord: receive loop started")
	defer logging.Infow("discord: receive loop stopped")
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-recv:
			if !ok {
				return
			}
			if pkt == nil || len(pkt.Opus) == 0 {
				continue
			}
			ts := time.Since(a.start).Milliseconds()
			a.ingest.OnAudioChunk(a.SpeakerFor(pkt.SSRC), ts, SampleRate, audio.FormatOpus, pkt.Opus)
		}
	}
}
