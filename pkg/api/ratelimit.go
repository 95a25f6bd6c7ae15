package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethpandaops/energyoor/pkg/config"
	"golang.org/x/time/rate"
)

const (
	limiterSweepInterval = 5 * time.Minute
	limiterIdleTTL       = 10 * time.Minute
)

type clientLimiter struct {
	*rate.Limiter
	lastSeen time.Time
}

// clientLimiters hands out one token bucket per client IP. The bucket
// refills at requestsPerMinute/60 tokens per second and holds a full
// minute's worth of requests.
type clientLimiters struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

func newClientLimiters(requestsPerMinute int) *clientLimiters {
	return &clientLimiters{
		clients: make(map[string]*clientLimiter, 64),
		limit:   rate.Limit(float64(requestsPerMinute) / 60),
		burst:   requestsPerMinute,
		now:     time.Now,
	}
}

// allow consumes a token for ip.
func (cl *clientLimiters) allow(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := cl.now()

	c, ok := cl.clients[ip]
	if !ok {
		c = &clientLimiter{Limiter: rate.NewLimiter(cl.limit, cl.burst)}
		cl.clients[ip] = c
	}

	c.lastSeen = now

	return c.AllowN(now, 1)
}

// retryAfter is the time until one token is available again.
func (cl *clientLimiters) retryAfter() time.Duration {
	if cl.limit <= 0 {
		return time.Minute
	}

	return time.Duration(float64(time.Second) / float64(cl.limit))
}

// sweep drops limiters idle for longer than limiterIdleTTL.
func (cl *clientLimiters) sweep() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	cutoff := cl.now().Add(-limiterIdleTTL)
	removed := 0

	for ip, c := range cl.clients {
		if c.lastSeen.Before(cutoff) {
			delete(cl.clients, ip)
			removed++
		}
	}

	return removed
}

func (cl *clientLimiters) size() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	return len(cl.clients)
}

// rateLimitMiddleware rejects clients exceeding cfg.RequestsPerMinute with
// 429. Idle limiters are swept until the server stops.
func (s *server) rateLimitMiddleware(cfg config.RateLimitConfig) func(http.Handler) http.Handler {
	limiters := newClientLimiters(cfg.RequestsPerMinute)

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(limiterSweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if n := limiters.sweep(); n > 0 {
					s.log.WithField("removed", n).Debug("Swept idle rate limiters")
				}
			case <-s.done:
				return
			}
		}
	}()

	retryAfter := strconv.Itoa(int(math.Ceil(limiters.retryAfter().Seconds())))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiters.allow(extractIP(r)) {
				w.Header().Set("Retry-After", retryAfter)
				writeJSON(w, http.StatusTooManyRequests, errorResponse{"rate limit exceeded"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractIP returns the client address, preferring the first
// X-Forwarded-For entry set by a reverse proxy.
func extractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")

		return strings.TrimSpace(first)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}
