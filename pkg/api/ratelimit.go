package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aiverify/apigw-worker/pkg/config"
)

// requestClass groups routes that share a per-client budget.
type requestClass int

const (
	// classRead covers document lookups and opening the event stream.
	classRead requestClass = iota
	// classCancel covers the cancel actions, which write to the store and
	// fan out events.
	classCancel
)

func (c requestClass) String() string {
	if c == classCancel {
		return "cancel"
	}

	return "read"
}

const (
	clientPruneInterval = 5 * time.Minute
	clientIdleTTL       = 10 * time.Minute
)

type clientKey struct {
	ip    string
	class requestClass
}

type clientBudget struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiter keeps one token bucket per client and request class.
type clientLimiter struct {
	mu      sync.Mutex
	clients map[clientKey]*clientBudget
	perMin  map[requestClass]int
	now     func() time.Time
}

// newClientLimiter creates a limiter from cfg. Idle clients are pruned
// until done is closed.
func newClientLimiter(cfg config.RateLimitConfig, done <-chan struct{}) *clientLimiter {
	cancels := cfg.CancelsPerMinute
	if cancels <= 0 {
		cancels = cfg.RequestsPerMinute
	}

	cl := &clientLimiter{
		clients: make(map[clientKey]*clientBudget, 64),
		perMin: map[requestClass]int{
			classRead:   cfg.RequestsPerMinute,
			classCancel: cancels,
		},
		now: time.Now,
	}

	go cl.prune(done)

	return cl
}

// reserve takes a token for the client. When none is available it returns
// false and how long until one is.
func (cl *clientLimiter) reserve(ip string, class requestClass) (bool, time.Duration) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := cl.now()
	key := clientKey{ip: ip, class: class}

	budget, ok := cl.clients[key]
	if !ok {
		perMin := cl.perMin[class]
		budget = &clientBudget{
			// The whole minute's budget is available as a burst.
			limiter: rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin),
		}
		cl.clients[key] = budget
	}

	budget.lastSeen = now

	r := budget.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Minute
	}

	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)

		return false, delay
	}

	return true, 0
}

// size returns the number of tracked client budgets.
func (cl *clientLimiter) size() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	return len(cl.clients)
}

func (cl *clientLimiter) prune(done <-chan struct{}) {
	ticker := time.NewTicker(clientPruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			cl.pruneIdle()
		}
	}
}

func (cl *clientLimiter) pruneIdle() {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	cutoff := cl.now().Add(-clientIdleTTL)

	for key, budget := range cl.clients {
		if budget.lastSeen.Before(cutoff) {
			delete(cl.clients, key)
		}
	}
}

// limit rejects requests from clients that used up the budget of class.
// It is a no-op when rate limiting is disabled.
func (s *server) limit(class requestClass) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.limiter == nil {
				next.ServeHTTP(w, r)

				return
			}

			ip := extractIP(r)

			ok, wait := s.limiter.reserve(ip, class)
			if !ok {
				s.log.WithField("client", ip).
					WithField("class", class.String()).
					Debug("Rate limit exceeded")

				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				writeJSON(w, http.StatusTooManyRequests,
					errorResponse{"rate limit exceeded"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractIP returns the client's IP address from the request.
func extractIP(r *http.Request) string {
	// The first hop of X-Forwarded-For is the client behind the portal's
	// reverse proxy.
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
