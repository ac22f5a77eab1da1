package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	clientSweepInterval = 5 * time.Minute
	clientIdleTimeout   = 10 * time.Minute
)

// client is the token bucket of one remote address.
type client struct {
	bucket *rate.Limiter
	seen   time.Time
}

// clientLimits hands out one bucket per remote address. A client may issue
// perMinute requests at once, refilled evenly over a minute.
type clientLimits struct {
	mu        sync.Mutex
	clients   map[string]*client
	perMinute int
	now       func() time.Time
}

func newClientLimits(perMinute int) *clientLimits {
	return &clientLimits{
		clients:   make(map[string]*client),
		perMinute: perMinute,
		now:       time.Now,
	}
}

// allow consumes a token of addr's bucket.
func (l *clientLimits) allow(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	c, ok := l.clients[addr]
	if !ok {
		c = &client{
			bucket: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute),
		}
		l.clients[addr] = c
	}

	c.seen = now

	return c.bucket.AllowN(now, 1)
}

// evictIdle forgets clients not seen for longer than idle.
func (l *clientLimits) evictIdle(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	evicted := 0

	for addr, c := range l.clients {
		if c.seen.Before(cutoff) {
			delete(l.clients, addr)
			evicted++
		}
	}

	return evicted
}

// sweep evicts idle clients periodically until done is closed.
func (l *clientLimits) sweep(done <-chan struct{}) {
	ticker := time.NewTicker(clientSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			l.evictIdle(clientIdleTimeout)
		}
	}
}

// limitClients rejects requests of clients exceeding perMinute requests.
// The sweeper stops with the server.
func (s *server) limitClients(perMinute int) func(http.Handler) http.Handler {
	limits := newClientLimits(perMinute)

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		limits.sweep(s.done)
	}()

	retryAfter := strconv.Itoa(max(1, 60/perMinute))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limits.allow(clientIP(r)) {
				next.ServeHTTP(w, r)

				return
			}

			w.Header().Set("Retry-After", retryAfter)
			writeJSON(w, http.StatusTooManyRequests, errorResponse{"rate limit exceeded"})
		})
	}
}

// clientIP is the first X-Forwarded-For hop, or the remote host.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")

		return strings.TrimSpace(first)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
