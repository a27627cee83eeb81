package ratelimit

import (
	"log"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Rule configures one limited route.
type Rule struct {
	Scope  string
	Limit  int
	Window time.Duration
	// Subject identifies the caller, e.g. the user id or client IP.
	Subject func(*http.Request) string
	// Reject writes the 429 response. Retry-After is already set.
	Reject func(w http.ResponseWriter, r *http.Request, retryAfter int)
}

// ClientIP is the default Subject. It relies on chi's RealIP middleware
// having rewritten RemoteAddr.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware enforces rule with l. A nil limiter or a non-positive limit
// disables it. Limiter failures let the request through.
func Middleware(l Limiter, rule Rule) func(http.Handler) http.Handler {
	if rule.Subject == nil {
		rule.Subject = ClientIP
	}
	if rule.Reject == nil {
		rule.Reject = func(w http.ResponseWriter, _ *http.Request, _ int) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}
	}
	return func(next http.Handler) http.Handler {
		if l == nil || rule.Limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			count, retryAfter, err := l.Consume(r.Context(), rule.Scope, rule.Subject(r), rule.Window)
			if err != nil {
				log.Printf("level=warn component=ratelimit msg=\"limiter unavailable; allowing request\" scope=%s err=%v", rule.Scope, err)
				next.ServeHTTP(w, r)
				return
			}
			if count > rule.Limit {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				rule.Reject(w, r, retryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
