package security

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimiterStore keeps one token-bucket limiter per key (account id for outbound
// marketplace calls, client IP for the HTTP surface). Idle limiters are
// dropped lazily after ttl.
type LimiterStore struct {
	mu       sync.Mutex
	limiters map[string]*keyLimiter
	r        rate.Limit
	b        int
	ttl      time.Duration
}

type keyLimiter struct {
	lim     *rate.Limiter
	lastHit time.Time
}

func NewLimiterStore(r rate.Limit, burst int, ttl time.Duration) *LimiterStore {
	return &LimiterStore{
		limiters: make(map[string]*keyLimiter),
		r:        r,
		b:        burst,
		ttl:      ttl,
	}
}

func (s *LimiterStore) get(key string) *rate.Limiter {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}

	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	// lazy cleanup
	for k, v := range s.limiters {
		if now.Sub(v.lastHit) > s.ttl {
			delete(s.limiters, k)
		}
	}

	kl, ok := s.limiters[key]
	if !ok {
		kl = &keyLimiter{
			lim:     rate.NewLimiter(s.r, s.b),
			lastHit: now,
		}
		s.limiters[key] = kl
	}

	kl.lastHit = now
	return kl.lim
}

// Allow reports whether one event may happen now for key. Used for
// request-level limiting where callers cannot block.
func (s *LimiterStore) Allow(key string) bool {
	return s.get(key).Allow()
}

// Wait blocks until key's bucket permits one event or ctx is done. Used for
// outbound call pacing where blocking is the point.
func (s *LimiterStore) Wait(ctx context.Context, key string) error {
	return s.get(key).Wait(ctx)
}
