package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client, "test-salt"), mr
}

func TestCheckCountsDown(t *testing.T) {
	l, _ := testLimiter(t)
	cfg := LimitConfig{Rate: 3, Window: time.Minute}

	for i := 1; i <= 3; i++ {
		d, err := l.Check(context.Background(), ScopePlan, "client-a", cfg)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, 3-i, d.Remaining)
	}

	d, err := l.Check(context.Background(), ScopePlan, "client-a", cfg)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Zero(t, d.Remaining)
}

func TestScopesAndClientsAreIsolated(t *testing.T) {
	l, _ := testLimiter(t)
	cfg := LimitConfig{Rate: 1, Window: time.Minute}

	d, err := l.Check(context.Background(), ScopePlan, "client-a", cfg)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = l.Check(context.Background(), ScopePlan, "client-a", cfg)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "same scope and client is exhausted")

	d, err = l.Check(context.Background(), ScopeRerun, "client-a", cfg)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "other scope has its own budget")

	d, err = l.Check(context.Background(), ScopePlan, "client-b", cfg)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "other client has its own budget")
}

func TestWindowExpires(t *testing.T) {
	l, mr := testLimiter(t)
	cfg := LimitConfig{Rate: 1, Window: time.Second}

	d, err := l.Check(context.Background(), ScopeHLSStart, "client-a", cfg)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = l.Check(context.Background(), ScopeHLSStart, "client-a", cfg)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	mr.FastForward(2 * time.Second)

	d, err = l.Check(context.Background(), ScopeHLSStart, "client-a", cfg)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "budget renews after the window")
}

func TestHashIPStableAndSalted(t *testing.T) {
	l, _ := testLimiter(t)
	other := &Limiter{salt: "other-salt"}

	assert.Equal(t, l.HashIP("10.0.0.1"), l.HashIP("10.0.0.1"))
	assert.NotEqual(t, l.HashIP("10.0.0.1"), l.HashIP("10.0.0.2"))
	assert.NotEqual(t, l.HashIP("10.0.0.1"), other.HashIP("10.0.0.1"))
}

func TestMiddlewareBlocksOverLimit(t *testing.T) {
	l, _ := testLimiter(t)
	DefaultLimits[ScopePlan] = LimitConfig{Rate: 2, Window: time.Minute}

	handler := Middleware(l, ScopePlan)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/tasks/plan", nil)
		req.RemoteAddr = "10.1.2.3:5555"
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/tasks/plan", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestMiddlewareFailsOpenWithoutRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewLimiter(client, "salt")
	mr.Close()

	handler := Middleware(l, ScopeRerun)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/tasks/rerun", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
