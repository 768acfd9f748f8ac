package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	r "github.com/redis/go-redis/v9"

	"github.com/austindbirch/tonerelay/internal/delivery"
)

// Redis shares cooldown windows between daemons. SET NX PX makes the check
// and the window update one atomic operation on the server.
type Redis struct {
	rdb       *r.Client
	prefix    string
	cooldowns map[delivery.ChannelKind]time.Duration
}

func NewRedis(rdb *r.Client, prefix string, cooldowns map[delivery.ChannelKind]time.Duration) *Redis {
	if prefix == "" {
		prefix = "tonerelay:ratelimit"
	}
	c := make(map[delivery.ChannelKind]time.Duration, len(cooldowns))
	for k, v := range cooldowns {
		c[k] = v
	}
	return &Redis{rdb: rdb, prefix: prefix, cooldowns: c}
}

func (l *Redis) Admit(ctx context.Context, kind delivery.ChannelKind, destination string) (bool, error) {
	cooldown := l.cooldowns[kind]
	if cooldown <= 0 {
		return true, nil
	}
	ok, err := l.rdb.SetNX(ctx, l.key(kind, destination), time.Now().UnixMilli(), cooldown).Result()
	if err != nil {
		return false, fmt.Errorf("redis admit %s: %w", kind, err)
	}
	return ok, nil
}

// RetryAfter reads the remaining TTL of the destination's window.
func (l *Redis) RetryAfter(ctx context.Context, kind delivery.ChannelKind, destination string) (time.Duration, error) {
	if l.cooldowns[kind] <= 0 {
		return 0, nil
	}
	ttl, err := l.rdb.PTTL(ctx, l.key(kind, destination)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis ttl %s: %w", kind, err)
	}
	// -2 (no key) and -1 (no expiry) both mean nothing to wait for
	return max(ttl, 0), nil
}

// destinations can hold credentials (ftp urls), so keys carry a digest only
func (l *Redis) key(kind delivery.ChannelKind, destination string) string {
	sum := sha256.Sum256([]byte(destination))
	return fmt.Sprintf("%s:%s:%s", l.prefix, kind, hex.EncodeToString(sum[:12]))
}
