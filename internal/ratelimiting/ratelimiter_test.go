package ratelimiting

import (
	"context"
	"net/http"
	"net/url"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockedRateLimiter struct {
	consumeFunc func(key string) bool
}

func (m *mockedRateLimiter) Consume(key string) bool {
	return m.consumeFunc(key)
}

func (m *mockedRateLimiter) Wait(ctx context.Context, key string) error {
	return nil
}

func TestTokenBucketRateLimiter(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping test in short mode")
	}
	rateLimiter, stop := NewTokenBucketRateLimiter(1, 2)
	defer stop()

	assert.True(t, rateLimiter.Consume("ip: 10.0.0.2"))

	// Burst of 2
	assert.True(t, rateLimiter.Consume("host: cdn.example.com"))
	assert.True(t, rateLimiter.Consume("host: cdn.example.com"))
	assert.False(t, rateLimiter.Consume("host: cdn.example.com"))

	time.Sleep(1000 * time.Millisecond)
	runtime.Gosched()

	// Refill rate of 1
	assert.True(t, rateLimiter.Consume("host: cdn.example.com"))
	assert.False(t, rateLimiter.Consume("host: cdn.example.com"))

	// Burst of 2 - even after refill
	assert.True(t, rateLimiter.Consume("host: images.example.org"))
	assert.True(t, rateLimiter.Consume("host: images.example.org"))
	assert.False(t, rateLimiter.Consume("host: images.example.org"))

	assert.True(t, rateLimiter.Consume("ip: 10.0.0.2"))
	assert.True(t, rateLimiter.Consume("ip: 10.0.0.2"))
	assert.False(t, rateLimiter.Consume("ip: 10.0.0.2"))
}

func TestTokenBucketRateLimiterWait(t *testing.T) {
	t.Parallel()

	rateLimiter, stop := NewTokenBucketRateLimiter(20, 1)
	defer stop()

	t.Run("waits for a token", func(t *testing.T) {
		start := time.Now()
		require.NoError(t, rateLimiter.Wait(t.Context(), "host: a"))
		require.NoError(t, rateLimiter.Wait(t.Context(), "host: a"))
		assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
	})

	t.Run("respects the context", func(t *testing.T) {
		require.True(t, rateLimiter.Consume("host: b"))

		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		require.Error(t, rateLimiter.Wait(ctx, "host: b"))
	})
}

func TestIPKeyFunc(t *testing.T) {
	t.Parallel()

	for remoteAddr, expected := range map[string]string{
		"123.123.123.123":       "ip: 123.123.123.123",
		"123.123.123.123:51234": "ip: 123.123.123.123",
		"[::1]:51234":           "ip: ::1",
		"[2001:db8::1]":         "ip: 2001:db8::1",
	} {
		request := &http.Request{RemoteAddr: remoteAddr}
		assert.Equal(t, expected, IPKeyFunc(request), remoteAddr)
	}
}

func TestHostKeyFunc(t *testing.T) {
	t.Parallel()

	u, err := url.Parse("https://CDN.example.com:8443/a.png")
	require.NoError(t, err)
	assert.Equal(t, "host: cdn.example.com", HostKeyFunc(u))
}

func TestRequestBasedRateLimiter(t *testing.T) {
	var expectedKey string
	var allowed bool
	rateLimiter := &mockedRateLimiter{
		consumeFunc: func(key string) bool {
			t.Helper()
			assert.Equal(t, expectedKey, key)
			return allowed
		},
	}
	requestRateLimiter := NewRequestBasedRateLimiter(rateLimiter, IPKeyFunc)

	expectedKey = "ip: 1.1.1.1"
	allowed = true
	assert.True(t, requestRateLimiter.Consume(&http.Request{RemoteAddr: "1.1.1.1"}))
	assert.True(t, requestRateLimiter.Consume(&http.Request{RemoteAddr: "1.1.1.1:443"}))
	allowed = false
	assert.False(t, requestRateLimiter.Consume(&http.Request{RemoteAddr: "1.1.1.1"}))

	expectedKey = "ip: 2.1.1.1"
	allowed = true
	assert.True(t, requestRateLimiter.Consume(&http.Request{RemoteAddr: "2.1.1.1"}))
	assert.Equal(t, "ip: 2.1.1.1", requestRateLimiter.KeyFor(&http.Request{RemoteAddr: "2.1.1.1"}))
}
