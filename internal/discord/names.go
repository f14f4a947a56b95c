package discord

import (
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

type cacheEntry struct {
	val    string
	expiry time.Time
}

// Resolver looks up user and channel names through the session, caching
// results for cacheTTL.
type Resolver struct {
	user    func(id string) (string, error)
	channel func(id string) (string, error)

	mu           sync.Mutex
	userCache    map[string]cacheEntry
	channelCache map[string]cacheEntry
}

// cacheTTL controls how long a cached name is valid.
var cacheTTL = 5 * time.Minute

func NewResolver(s *discordgo.Session) *Resolver {
	r := newResolver(nil, nil)
	if s == nil {
		return r
	}
	r.user = func(id string) (string, error) {
		u, err := s.User(id)
		if err != nil || u == nil {
			return "", err
		}
		return u.Username, nil
	}
	r.channel = func(id string) (string, error) {
		if s.State != nil {
			if c, err := s.State.Channel(id); err == nil && c != nil {
				return c.Name, nil
			}
		}
		c, err := s.Channel(id)
		if err != nil || c == nil {
			return "", err
		}
		return c.Name, nil
	}
	return r
}

func newResolver(user, channel func(string) (string, error)) *Resolver {
	return &Resolver{
		user:         user,
		channel:      channel,
		userCache:    make(map[string]cacheEntry),
		channelCache: make(map[string]cacheEntry),
	}
}

func (r *Resolver) UserName(userID string) string {
	return r.lookup(r.userCache, r.user, userID)
}

func (r *Resolver) ChannelName(channelID string) string {
	return r.lookup(r.channelCache, r.channel, channelID)
}

func (r *Resolver) lookup(cache map[string]cacheEntry, fetch func(string) (string, error), id string) string {
	if fetch == nil || id == "" {
		return ""
	}
	r.mu.Lock()
	if e, ok := cache[id]; ok {
		if time.Now().Before(e.expiry) {
			r.mu.Unlock()
			return e.val
		}
		delete(cache, id)
	}
	r.mu.Unlock()
	name, err := fetch(id)
	if err != nil || name == "" {
		return ""
	}
	r.mu.Lock()
	cache[id] = cacheEntry{val: name, expiry: time.Now().Add(cacheTTL)}
	r.mu.Unlock()
	return name
}
