package middleware

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/chargesync/devicesync/internal/remote"
)

// DeviceRateLimiter holds one token bucket per calling device
type DeviceRateLimiter struct {
	rps   rate.Limit
	burst int
	idle  time.Duration

	mu       sync.Mutex
	limiters map[string]*deviceLimiter
	lastGC   time.Time
}

type deviceLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewDeviceRateLimiter creates a limiter allowing rps requests per second per device
func NewDeviceRateLimiter(rps float64, burst int) *DeviceRateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &DeviceRateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		idle:     10 * time.Minute,
		limiters: make(map[string]*deviceLimiter),
		lastGC:   time.Now(),
	}
}

// Allow reports whether key may make a request now
func (l *DeviceRateLimiter) Allow(key string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastGC) > l.idle {
		for k, d := range l.limiters {
			if now.Sub(d.lastSeen) > l.idle {
				delete(l.limiters, k)
			}
		}
		l.lastGC = now
	}

	d, ok := l.limiters[key]
	if !ok {
		d = &deviceLimiter{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[key] = d
	}
	d.lastSeen = now
	return d.limiter.AllowN(now, 1)
}

// Middleware rejects requests over the device's budget with 429.
// Requests without a device id are keyed by client address.
func (l *DeviceRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.rps <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		if !l.Allow(rateKey(r)) {
			retryAfter := 1
			if l.rps < 1 {
				retryAfter = int(1 / float64(l.rps))
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "Rate limit exceeded.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func rateKey(r *http.Request) string {
	if id := r.Header.Get(remote.DeviceIDHeader); id != "" {
		return "device:" + id
	}
	if id := r.URL.Query().Get("deviceId"); id != "" {
		return "device:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}

// DeviceRateLimit creates middleware limiting each device to rps requests per second
func DeviceRateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	return NewDeviceRateLimiter(rps, burst).Middleware
}
