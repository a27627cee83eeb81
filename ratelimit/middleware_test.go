package ratelimit_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/friendfund/backend/ratelimit"
)

type countingLimiter struct {
	mu     sync.Mutex
	counts map[string]int
	err    error
}

func (c *countingLimiter) Consume(_ context.Context, scope, subject string, _ time.Duration) (int, int, error) {
	if c.err != nil {
		return 0, 0, c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[scope+":"+subject]++
	return c.counts[scope+":"+subject], 42, nil
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusCreated) })
}

func hit(h http.Handler, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/contributions", nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_LimitsPerSubject(t *testing.T) {
	// GIVEN a limit of two per window
	h := ratelimit.Middleware(&countingLimiter{}, ratelimit.Rule{Scope: "contributions", Limit: 2, Window: time.Minute})(okHandler())

	// WHEN one client sends three requests
	assert.Equal(t, http.StatusCreated, hit(h, "10.0.0.1:1234").Code)
	assert.Equal(t, http.StatusCreated, hit(h, "10.0.0.1:1234").Code)
	rec := hit(h, "10.0.0.1:5678")

	// THEN the third is throttled with Retry-After
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "42", rec.Header().Get("Retry-After"))

	// AND another client is unaffected
	assert.Equal(t, http.StatusCreated, hit(h, "10.0.0.2:1234").Code)
}

func TestMiddleware_CustomReject(t *testing.T) {
	var gotRetry int
	h := ratelimit.Middleware(&countingLimiter{}, ratelimit.Rule{
		Scope: "contributions", Limit: 1, Window: time.Minute,
		Reject: func(w http.ResponseWriter, _ *http.Request, retryAfter int) {
			gotRetry = retryAfter
			w.WriteHeader(http.StatusTeapot)
		},
	})(okHandler())

	hit(h, "10.0.0.1:1")
	assert.Equal(t, http.StatusTeapot, hit(h, "10.0.0.1:1").Code)
	assert.Equal(t, 42, gotRetry)
}

func TestMiddleware_FailsOpen(t *testing.T) {
	h := ratelimit.Middleware(&countingLimiter{err: errors.New("redis down")}, ratelimit.Rule{Scope: "c", Limit: 1, Window: time.Minute})(okHandler())
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusCreated, hit(h, "10.0.0.1:1").Code)
	}
}

func TestMiddleware_Disabled(t *testing.T) {
	h := ratelimit.Middleware(nil, ratelimit.Rule{Scope: "c", Limit: 1, Window: time.Minute})(okHandler())
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusCreated, hit(h, "10.0.0.1:1").Code)
	}
}

func TestRedis_NilClientNeverCounts(t *testing.T) {
	var r *ratelimit.Redis
	count, retry, err := r.Consume(context.Background(), "c", "s", time.Minute)
	assert.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, retry)
}
