// Package ratelimit gates delivery attempts per (channel, destination) with a
// fixed cooldown window. A denied admission is a deferral, not a failure.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/austindbirch/tonerelay/internal/delivery"
)

// Limiter decides whether an attempt for destination may start now. Admit is
// a single check-and-set: a true result also starts the next cooldown window.
type Limiter interface {
	Admit(ctx context.Context, kind delivery.ChannelKind, destination string) (bool, error)
}

// Cooldown is implemented by limiters that can report how long a denied
// destination has to wait.
type Cooldown interface {
	RetryAfter(ctx context.Context, kind delivery.ChannelKind, destination string) (time.Duration, error)
}

var (
	_ Cooldown = (*Memory)(nil)
	_ Cooldown = (*Redis)(nil)
)

type key struct {
	kind        delivery.ChannelKind
	destination string
}

// Memory keeps windows in process. It is the default for a single daemon.
type Memory struct {
	Now func() time.Time

	mu        sync.Mutex
	cooldowns map[delivery.ChannelKind]time.Duration
	lastSent  map[key]time.Time
}

func NewMemory(cooldowns map[delivery.ChannelKind]time.Duration) *Memory {
	c := make(map[delivery.ChannelKind]time.Duration, len(cooldowns))
	for k, v := range cooldowns {
		c[k] = v
	}
	return &Memory{
		Now:       time.Now,
		cooldowns: c,
		lastSent:  make(map[key]time.Time),
	}
}

func (m *Memory) Admit(_ context.Context, kind delivery.ChannelKind, destination string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cooldown := m.cooldowns[kind]
	if cooldown <= 0 {
		return true, nil
	}
	now := m.Now()
	k := key{kind: kind, destination: destination}
	if last, ok := m.lastSent[k]; ok && now.Sub(last) < cooldown {
		return false, nil
	}
	m.lastSent[k] = now
	return true, nil
}

// RetryAfter reports how long until destination is admitted again.
func (m *Memory) RetryAfter(_ context.Context, kind delivery.ChannelKind, destination string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	last, ok := m.lastSent[key{kind: kind, destination: destination}]
	if !ok {
		return 0, nil
	}
	return max(m.cooldowns[kind]-m.Now().Sub(last), 0), nil
}
