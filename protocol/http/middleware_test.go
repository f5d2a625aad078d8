package http

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildChain(handlers ...Handler) *Context {
	req := &Request{Method: "GET", URL: "/", Headers: map[string][]string{}}
	return NewContext(req, nil, map[string]string{}, handlers)
}

func TestLoggerRecordsFieldsAfterChain(t *testing.T) {
	var got map[string]any
	ctx := buildChain(Logger(func(fields map[string]any) { got = fields }), func(ctx *Context) {
		ctx.Response.WriteHeader(200)
		ctx.Response.Write([]byte("hi"))
		ctx.Next()
	})
	ctx.Run()
	require.NotNil(t, got)
	assert.Equal(t, 200, got["status"])
	assert.Equal(t, 2, got["bytes"])
}

func TestCORSPreflightShortCircuits204(t *testing.T) {
	ctx := buildChain(CORS(CORSConfig{AllowOrigin: "*"}), func(ctx *Context) {
		t.Fatal("handler must not run for a preflight request")
	})
	ctx.Request.Method = "OPTIONS"
	ctx.Run()
	assert.Equal(t, 204, ctx.Response.Status)
	assert.Equal(t, "*", ctx.Response.Headers["access-control-allow-origin"][0])
}

func TestCORSNonPreflightPassesThrough(t *testing.T) {
	ran := false
	ctx := buildChain(CORS(CORSConfig{AllowOrigin: "*"}), func(ctx *Context) { ran = true })
	ctx.Run()
	assert.True(t, ran)
}

func TestBasicAuthAcceptsCorrectCredentials(t *testing.T) {
	ran := false
	ctx := buildChain(BasicAuth("alice", "secret"), func(ctx *Context) { ran = true })
	token := base64.StdEncoding.EncodeToString([]byte("alice:secret"))
	ctx.Request.Headers["authorization"] = []string{"Basic " + token}
	ctx.Run()
	assert.True(t, ran)
}

func TestBasicAuthRejectsWrongCredentials(t *testing.T) {
	ran := false
	ctx := buildChain(BasicAuth("alice", "secret"), func(ctx *Context) { ran = true })
	token := base64.StdEncoding.EncodeToString([]byte("alice:wrong"))
	ctx.Request.Headers["authorization"] = []string{"Basic " + token}
	ctx.Run()
	assert.False(t, ran)
	assert.Equal(t, 401, ctx.Response.Status)
}

func TestBearerAuthDelegatesToValidator(t *testing.T) {
	ran := false
	ctx := buildChain(BearerAuth(func(tok string) bool { return tok == "good" }), func(ctx *Context) { ran = true })
	ctx.Request.Headers["authorization"] = []string{"Bearer good"}
	ctx.Run()
	assert.True(t, ran)
}

func TestBodyLimitRejectsOversizedDeclaredLength(t *testing.T) {
	ran := false
	ctx := buildChain(BodyLimit(10), func(ctx *Context) { ran = true })
	ctx.Request.Headers["content-length"] = []string{"100"}
	ctx.Run()
	assert.False(t, ran)
	assert.Equal(t, 413, ctx.Response.Status)
}

func TestRateLimitAllowsUnderMaxThenRejects(t *testing.T) {
	mw := RateLimit(RateLimitConfig{Max: 2, Window: time.Minute})
	run := func() *Context {
		ctx := buildChain(mw, func(ctx *Context) { ctx.Response.WriteHeader(200) })
		ctx.ClientIP = fakeAddr("1.2.3.4")
		ctx.Run()
		return ctx
	}
	assert.Equal(t, 200, run().Response.Status)
	assert.Equal(t, 200, run().Response.Status)
	third := run()
	assert.Equal(t, 429, third.Response.Status)
	assert.NotEmpty(t, third.Response.Headers["retry-after"])
}

func TestErrorHandlerFillsDefaultBodyOnEmptyErrorResponse(t *testing.T) {
	ctx := buildChain(ErrorHandler(), func(ctx *Context) { ctx.Response.WriteHeader(404) })
	ctx.Run()
	assert.Equal(t, "Not Found", string(ctx.Response.Body))
}

func TestErrorHandlerLeavesNonEmptyBodyAlone(t *testing.T) {
	ctx := buildChain(ErrorHandler(), func(ctx *Context) {
		ctx.Response.WriteHeader(404)
		ctx.Response.Write([]byte("custom"))
	})
	ctx.Run()
	assert.Equal(t, "custom", string(ctx.Response.Body))
}

type fakeAddr string

func (f fakeAddr) Network() string { return "fake" }
func (f fakeAddr) String() string  { return string(f) }
