package http

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LoggerFunc receives one structured log record per completed request.
type LoggerFunc func(fields map[string]any)

// Logger records {client IP, method, path, version, status, bytes,
// duration, referer, user-agent} after the chain completes.
func Logger(log LoggerFunc) Handler {
	return func(ctx *Context) {
		ctx.Next()
		if log == nil {
			return
		}
		log(map[string]any{
			"client_ip":  fmt.Sprint(ctx.ClientIP),
			"method":     ctx.Request.Method,
			"path":       ctx.Request.URL,
			"version":    fmt.Sprintf("%d.%d", ctx.Request.Major, ctx.Request.Minor),
			"status":     ctx.Response.Status,
			"bytes":      len(ctx.Response.Body),
			"duration":   ctx.Elapsed(),
			"referer":    ctx.Request.Header("Referer"),
			"user_agent": ctx.Request.Header("User-Agent"),
		})
	}
}

// CORSConfig configures the CORS middleware.
type CORSConfig struct {
	AllowOrigin  string
	AllowMethods string
	AllowHeaders string
}

// CORS adds allow-origin/methods/headers response headers; preflight
// (OPTIONS) requests short-circuit with 204.
func CORS(cfg CORSConfig) Handler {
	return func(ctx *Context) {
		ctx.Response.SetHeader("Access-Control-Allow-Origin", cfg.AllowOrigin)
		ctx.Response.SetHeader("Access-Control-Allow-Methods", cfg.AllowMethods)
		ctx.Response.SetHeader("Access-Control-Allow-Headers", cfg.AllowHeaders)
		if ctx.Request.Method == "OPTIONS" {
			ctx.Response.WriteHeader(204)
			return
		}
		ctx.Next()
	}
}

// BasicAuth parses Authorization: Basic <b64>, decodes, and compares
// constant-time to user:pass; 401 on mismatch.
func BasicAuth(user, pass string) Handler {
	expected := user + ":" + pass
	return func(ctx *Context) {
		auth := ctx.Request.Header("Authorization")
		const prefix = "Basic "
		if !strings.HasPrefix(auth, prefix) {
			unauthorized(ctx)
			return
		}
		decoded, err := base64.StdEncoding.DecodeString(auth[len(prefix):])
		if err != nil || subtle.ConstantTimeCompare(decoded, []byte(expected)) != 1 {
			unauthorized(ctx)
			return
		}
		ctx.Next()
	}
}

func unauthorized(ctx *Context) {
	ctx.Response.WriteHeader(401)
}

// BearerValidator decides whether a bearer token is acceptable.
type BearerValidator func(token string) bool

// BearerAuth extracts Authorization: Bearer <tok>, delegates to validate;
// 401 on false.
func BearerAuth(validate BearerValidator) Handler {
	return func(ctx *Context) {
		auth := ctx.Request.Header("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) || !validate(auth[len(prefix):]) {
			unauthorized(ctx)
			return
		}
		ctx.Next()
	}
}

// BodyLimit returns 413 if the declared Content-Length exceeds maxBytes.
func BodyLimit(maxBytes int64) Handler {
	return func(ctx *Context) {
		cl := ctx.Request.Header("Content-Length")
		if cl != "" {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n > maxBytes {
				ctx.Response.WriteHeader(413)
				return
			}
		}
		ctx.Next()
	}
}

// RateLimitConfig configures the per-IP sliding-window rate limiter.
type RateLimitConfig struct {
	Max    int
	Window time.Duration
}

// RateLimit maintains, per client IP, a deque of request timestamps; on
// each request, timestamps older than now-window are dropped; if the
// deque would exceed Max, the request is rejected with 429 and a
// Retry-After header computed from the oldest surviving timestamp.
func RateLimit(cfg RateLimitConfig) Handler {
	var mu sync.Mutex
	windows := make(map[string][]time.Time)

	return func(ctx *Context) {
		key := fmt.Sprint(ctx.ClientIP)
		now := time.Now()

		mu.Lock()
		deque := windows[key]
		cutoff := now.Add(-cfg.Window)
		i := 0
		for i < len(deque) && deque[i].Before(cutoff) {
			i++
		}
		deque = deque[i:]

		if len(deque) >= cfg.Max {
			oldest := deque[0]
			windows[key] = deque
			mu.Unlock()

			retryAfter := math.Ceil(oldest.Add(cfg.Window).Sub(now).Seconds())
			if retryAfter < 0 {
				retryAfter = 0
			}
			ctx.Response.SetHeader("Retry-After", strconv.Itoa(int(retryAfter)))
			ctx.Response.WriteHeader(429)
			return
		}

		deque = append(deque, now)
		windows[key] = deque
		mu.Unlock()

		ctx.Next()
	}
}

// ErrorHandler is the final middleware in a chain: if status >= 400 and
// the body is still empty, it writes a default message and sets
// Content-Type: text/plain; charset=utf-8.
func ErrorHandler() Handler {
	return func(ctx *Context) {
		ctx.Next()
		if ctx.Response.Status >= 400 && len(ctx.Response.Body) == 0 {
			ctx.Response.SetHeader("Content-Type", "text/plain; charset=utf-8")
			ctx.Response.Body = []byte(StatusText(ctx.Response.Status))
		}
	}
}
