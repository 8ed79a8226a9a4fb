package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApp(rl *RateLimiter) *fiber.App {
	app := fiber.New()
	app.Use(rl.Middleware())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })
	return app
}

func get(t *testing.T, app *fiber.App, clientID string) int {
	t.Helper()
	req := httptest.NewRequest("GET", "/", nil)
	if clientID != "" {
		req.Header.Set("X-Client-ID", clientID)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp.StatusCode
}

func TestMiddleware_LimitsPerClient(t *testing.T) {
	rl := New(Config{RequestsPerMinute: 2})
	defer rl.Stop()
	app := newApp(rl)

	assert.Equal(t, fiber.StatusOK, get(t, app, "a"))
	assert.Equal(t, fiber.StatusOK, get(t, app, "a"))
	assert.Equal(t, fiber.StatusTooManyRequests, get(t, app, "a"))

	assert.Equal(t, fiber.StatusOK, get(t, app, "b"))
}

func TestAllow_Refills(t *testing.T) {
	rl := New(Config{RequestsPerMinute: 60, Burst: 1})
	defer rl.Stop()
	now := time.Now()
	rl.now = func() time.Time { return now }

	assert.True(t, rl.allow("k"))
	assert.False(t, rl.allow("k"))

	now = now.Add(time.Second)
	assert.True(t, rl.allow("k"))
}

func TestEvictIdle(t *testing.T) {
	rl := New(Config{RequestsPerMinute: 10})
	defer rl.Stop()
	now := time.Now()
	rl.now = func() time.Time { return now }

	rl.allow("old")
	now = now.Add(idleTimeout / 2)
	rl.allow("fresh")
	now = now.Add(idleTimeout/2 + time.Second)

	rl.evictIdle()

	assert.NotContains(t, rl.clients, "old")
	assert.Contains(t, rl.clients, "fresh")
}

func TestStop_Idempotent(t *testing.T) {
	rl := New(Config{})
	rl.Stop()
	rl.Stop()
}
