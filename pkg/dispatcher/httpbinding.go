package dispatcher

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/opencall/core/pkg/apierr"
	"github.com/opencall/core/pkg/callenvelope"
)

// Handle returns the net/http handler for POST /call. Every other method
// is rejected with METHOD_NOT_ALLOWED.
func (d *Dispatcher) Handle() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeProtocolError(w, "", apierr.New(apierr.MethodNotAllowed, "only POST is accepted on /call"))
			return
		}

		out := d.Dispatch(r.Context(), r.Body, r.Header.Get("Authorization"))
		writeOutcome(w, out)
	})
}

func writeOutcome(w http.ResponseWriter, out Outcome) {
	for k, v := range out.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(out.Status)
	_ = json.NewEncoder(w).Encode(out.Body)
}

func writeProtocolError(w http.ResponseWriter, requestID string, perr *apierr.ProtocolError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(perr.Status())
	_ = json.NewEncoder(w).Encode(&callenvelope.Response{
		RequestID: requestID,
		State:     callenvelope.StateError,
		Error:     &callenvelope.EnvelopeError{Code: string(perr.Code), Message: perr.Message, Cause: perr.Cause},
	})
}

// GlobalRateLimiter enforces a per-IP request budget in front of the
// dispatcher, independent of the per-instance poll limiter in
// pkg/ratelimit: this one guards the whole surface, not one async op.
type GlobalRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitorLimiter
	rps      rate.Limit
	burst    int
}

type visitorLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewGlobalRateLimiter starts a limiter allowing rps requests per second
// per client IP, with the given burst, and a background goroutine that
// evicts IPs idle for more than three minutes.
func NewGlobalRateLimiter(rps int, burst int) *GlobalRateLimiter {
	rl := &GlobalRateLimiter{
		visitors: make(map[string]*visitorLimiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go rl.sweep()
	return rl
}

func (rl *GlobalRateLimiter) visitor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitorLimiter{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

func (rl *GlobalRateLimiter) sweep() {
	for {
		time.Sleep(time.Minute)
		cutoff := time.Now().Add(-3 * time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if v.lastSeen.Before(cutoff) {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware wraps next with the per-IP throttle, responding RATE_LIMITED
// with a Retry-After header when a caller exceeds its budget.
func (rl *GlobalRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.visitor(ip).Allow() {
			w.Header().Set("Retry-After", "1")
			writeProtocolError(w, "", apierr.New(apierr.RateLimited, "too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.Trim(r.RemoteAddr, "[]")
	}
	return ip
}
