package httpapi

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type RateLimitConfig struct {
	IPPerMinute   int
	IPBurst       int
	ItemPerMinute int
	ItemBurst     int
}

// RateLimiter throttles per client IP, and additionally per queue item for
// the item action endpoints so one item cannot be hammered from many clients.
type RateLimiter struct {
	byIP   *buckets
	byItem *buckets
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		byIP:   newBuckets(cfg.IPPerMinute, cfg.IPBurst),
		byItem: newBuckets(cfg.ItemPerMinute, cfg.ItemBurst),
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ip := clientIP(r); ip != "" {
			if wait := l.byIP.take(ip, time.Now()); wait > 0 {
				rejectLimited(w, r, wait, "too many requests")
				return
			}
		}
		if itemID := itemIDFromPath(r); itemID != "" {
			if wait := l.byItem.take(itemID, time.Now()); wait > 0 {
				rejectLimited(w, r, wait, "too many requests for this item")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func rejectLimited(w http.ResponseWriter, r *http.Request, wait time.Duration, message string) {
	seconds := int(math.Ceil(wait.Truncate(time.Millisecond).Seconds()))
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	writeError(w, requestIDFromRequest(r), http.StatusTooManyRequests, "rate_limited", message)
}

// buckets holds one limiter per key, refilled at perMinute with room for
// burst requests.
type buckets struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newBuckets(perMinute, burst int) *buckets {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 20
	}
	return &buckets{
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// take spends one token for key. It returns zero when the request may pass,
// otherwise how long until a token is available.
func (b *buckets) take(key string, now time.Time) time.Duration {
	b.mu.Lock()
	limiter, ok := b.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(b.limit, b.burst)
		b.limiters[key] = limiter
	}
	b.mu.Unlock()

	reservation := limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return time.Minute
	}
	wait := reservation.DelayFrom(now)
	if wait > 0 {
		reservation.CancelAt(now)
	}
	return wait
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// itemIDFromPath returns the item of a POST /api/queue/items/{id}/... call.
func itemIDFromPath(r *http.Request) string {
	if r.Method != http.MethodPost || !strings.HasPrefix(r.URL.Path, "/api/queue/items/") {
		return ""
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/queue/items/"), "/")
	id, _, _ := strings.Cut(path, "/")
	return id
}
