package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrRedisUnavailable  = errors.New("redis unavailable")
)

// Scope names one guarded surface. Capture planning and HLS spawning
// are the expensive paths worth protecting.
type Scope string

const (
	ScopeHLSStart Scope = "hls_start"
	ScopePlan     Scope = "plan"
	ScopeRerun    Scope = "rerun"
)

// LimitConfig is one window definition.
type LimitConfig struct {
	Rate   int           `yaml:"rate"`
	Window time.Duration `yaml:"window"`
}

// Defaults: generous enough for dashboards, tight enough that a
// looping client cannot fork ffmpeg storms or replan all day.
var DefaultLimits = map[Scope]LimitConfig{
	ScopeHLSStart: {Rate: 30, Window: time.Minute},
	ScopePlan:     {Rate: 10, Window: time.Minute},
	ScopeRerun:    {Rate: 20, Window: time.Minute},
}

// Decision carries the verdict plus the header material.
type Decision struct {
	Scope      Scope
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter int // seconds
	Allowed    bool
}

// Limiter counts requests per (scope, client) in redis so every
// server replica shares one budget.
type Limiter struct {
	client *redis.Client
	salt   string
}

func NewLimiter(client *redis.Client, salt string) *Limiter {
	if salt == "" {
		salt = "parkwatch"
	}
	return &Limiter{client: client, salt: salt}
}

// HashIP keeps raw client addresses out of redis.
func (l *Limiter) HashIP(ip string) string {
	hash := sha256.Sum256([]byte(ip + l.salt))
	return hex.EncodeToString(hash[:])[:32]
}

// incrScript bumps the window counter and arms its expiry on first
// touch, atomically.
var incrScript = redis.NewScript(`
	local current = redis.call("INCR", KEYS[1])
	if tonumber(current) == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return current
`)

// Check counts one request against the scope's window.
func (l *Limiter) Check(ctx context.Context, scope Scope, clientKey string, cfg LimitConfig) (*Decision, error) {
	key := fmt.Sprintf("rl:%s:%s", scope, clientKey)

	count, err := incrScript.Run(ctx, l.client, []string{key}, cfg.Window.Milliseconds()).Int()
	if err != nil {
		return nil, ErrRedisUnavailable
	}

	remaining := cfg.Rate - count
	if remaining < 0 {
		remaining = 0
	}
	return &Decision{
		Scope:      scope,
		Limit:      cfg.Rate,
		Remaining:  remaining,
		Reset:      time.Now().Add(cfg.Window),
		RetryAfter: int(cfg.Window.Seconds()),
		Allowed:    count <= cfg.Rate,
	}, nil
}
