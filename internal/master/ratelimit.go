package master

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"
)

const limiterShards = 16

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type limiterShard struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
}

// IPRateLimiter is a per-source-IP token bucket, sharded so the UDP loop
// and the cleanup sweep rarely contend on the same lock.
type IPRateLimiter struct {
	rps    rate.Limit
	burst  int
	shards [limiterShards]limiterShard
}

// NewIPRateLimiter allows rps requests per second with the given burst
// per source IP.
func NewIPRateLimiter(rps float64, burst int) *IPRateLimiter {
	l := &IPRateLimiter{rps: rate.Limit(rps), burst: burst}
	for i := range l.shards {
		l.shards[i].clients = make(map[string]*clientLimiter)
	}
	return l
}

func (l *IPRateLimiter) shard(ip string) *limiterShard {
	return &l.shards[xxhash.Sum64String(ip)%limiterShards]
}

// Allow reports whether a request from ip may proceed right now.
func (l *IPRateLimiter) Allow(ip string) bool {
	s := l.shard(ip)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.clients[ip]
	if !ok {
		entry = &clientLimiter{limiter: rate.NewLimiter(l.rps, l.burst)}
		s.clients[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter.Allow()
}

// Cleanup drops buckets idle since the cutoff, returning how many were
// removed.
func (l *IPRateLimiter) Cleanup(cutoff time.Time) int {
	removed := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for ip, entry := range s.clients {
			if entry.lastSeen.Before(cutoff) {
				delete(s.clients, ip)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
