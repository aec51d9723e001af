package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-session-engine/internal/config"
	"github.com/stemsi/exstem-session-engine/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newAuth(t *testing.T) *service.AuthService {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return service.NewAuthService(&config.Config{JWTSecret: "test-secret", JWTExpiry: time.Hour}, rdb)
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func authed(method, path, token string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestRequireJWT(t *testing.T) {
	auth := newAuth(t)
	ctx := context.Background()
	student, err := auth.IssueStudentToken(ctx, 42)
	require.NoError(t, err)
	proctor, err := auth.IssueProctorToken(7)
	require.NoError(t, err)

	r := gin.New()
	r.GET("/student", RequireStudentJWT(auth), func(c *gin.Context) {
		caller := CallerFrom(c)
		assert.Equal(t, 42, caller.StudentID)
		assert.False(t, caller.Proctor)
		c.Status(http.StatusNoContent)
	})
	r.GET("/proctor", RequireProctorJWT(auth), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/any", RequireAnyJWT(auth), func(c *gin.Context) {
		assert.Equal(t, CallerFrom(c).Proctor, GetClaims(c).TokenType == service.TokenTypeProctor)
		c.Status(http.StatusNoContent)
	})

	tests := []struct {
		name  string
		path  string
		token string
		want  int
		code  string
	}{
		{"student ok", "/student", student, http.StatusNoContent, ""},
		{"proctor on student route", "/student", proctor, http.StatusForbidden, "STUDENT_ACCESS_ONLY"},
		{"student on proctor route", "/proctor", student, http.StatusForbidden, "PROCTOR_ACCESS_ONLY"},
		{"proctor ok", "/proctor", proctor, http.StatusNoContent, ""},
		{"any accepts student", "/any", student, http.StatusNoContent, ""},
		{"any accepts proctor", "/any", proctor, http.StatusNoContent, ""},
		{"missing token", "/any", "", http.StatusUnauthorized, "TOKEN_REQUIRED"},
		{"garbage token", "/any", "not.a.jwt", http.StatusUnauthorized, "TOKEN_INVALID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(r, authed(http.MethodGet, tt.path, tt.token))
			assert.Equal(t, tt.want, w.Code)
			if tt.code != "" {
				assert.Contains(t, w.Body.String(), tt.code)
			}
		})
	}
}

func TestRequireJWT_ExpiredToken(t *testing.T) {
	auth := newAuth(t)
	past := time.Now().Add(-2 * time.Hour)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, service.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(past),
			ExpiresAt: jwt.NewNumericDate(past.Add(time.Hour)),
		},
		TokenType: service.TokenTypeProctor,
		UserID:    7,
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	r := gin.New()
	r.GET("/p", RequireProctorJWT(auth), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := serve(r, authed(http.MethodGet, "/p", expired))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "TOKEN_EXPIRED")
}

func TestRequireJWT_AcceptsQueryToken(t *testing.T) {
	auth := newAuth(t)
	proctor, err := auth.IssueProctorToken(7)
	require.NoError(t, err)

	r := gin.New()
	r.GET("/stream", RequireProctorJWT(auth), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := serve(r, httptest.NewRequest(http.MethodGet, "/stream?access_token="+proctor, nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestCheckSingleDeviceSession(t *testing.T) {
	auth := newAuth(t)
	ctx := context.Background()
	first, err := auth.IssueStudentToken(ctx, 42)
	require.NoError(t, err)

	_, err = auth.IssueStudentToken(ctx, 42)
	require.ErrorIs(t, err, service.ErrSessionAlreadyActive)

	r := gin.New()
	r.GET("/s", RequireAnyJWT(auth), CheckSingleDeviceSession(auth), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	assert.Equal(t, http.StatusNoContent, serve(r, authed(http.MethodGet, "/s", first)).Code)

	require.NoError(t, auth.ResetStudentSession(ctx, 42))
	w := serve(r, authed(http.MethodGet, "/s", first))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "SESSION_INVALIDATED")

	second, err := auth.IssueStudentToken(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, serve(r, authed(http.MethodGet, "/s", second)).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, authed(http.MethodGet, "/s", first)).Code)

	proctor, err := auth.IssueProctorToken(1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, serve(r, authed(http.MethodGet, "/s", proctor)).Code)
}

func TestRateLimiter_Allow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(ctx, 2, time.Minute)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.allow("student:1"))
	assert.True(t, rl.allow("student:1"))
	assert.False(t, rl.allow("student:1"))
	assert.True(t, rl.allow("student:2"), "buckets are per caller")

	now = now.Add(time.Minute)
	assert.True(t, rl.allow("student:1"))

	now = now.Add(10 * time.Minute)
	rl.cleanup()
	rl.mu.Lock()
	assert.Empty(t, rl.visitors)
	rl.mu.Unlock()
}

func TestRateLimiter_Middleware(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := gin.New()
	r.Use(NewRateLimiter(ctx, 1, time.Minute).Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	assert.Equal(t, http.StatusNoContent, serve(r, httptest.NewRequest(http.MethodGet, "/", nil)).Code)
	w := serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "RATE_LIMIT_EXCEEDED")
}

func TestNoStore(t *testing.T) {
	r := gin.New()
	r.Use(NoStore())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestBrotli(t *testing.T) {
	large := strings.Repeat("session-engine ", 200)
	r := gin.New()
	r.Use(Brotli())
	r.GET("/large", func(c *gin.Context) { c.String(http.StatusOK, large) })
	r.GET("/small", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	t.Run("compresses large bodies", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/large", nil)
		req.Header.Set("Accept-Encoding", "gzip, br")
		w := serve(r, req)

		assert.Equal(t, "br", w.Header().Get("Content-Encoding"))
		body, err := io.ReadAll(brotli.NewReader(bytes.NewReader(w.Body.Bytes())))
		require.NoError(t, err)
		assert.Equal(t, large, string(body))
	})

	t.Run("passes small bodies through", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/small", nil)
		req.Header.Set("Accept-Encoding", "br")
		w := serve(r, req)

		assert.Empty(t, w.Header().Get("Content-Encoding"))
		assert.Equal(t, "ok", w.Body.String())
	})

	t.Run("skips event streams", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/large", nil)
		req.Header.Set("Accept-Encoding", "br")
		req.Header.Set("Accept", "text/event-stream")
		w := serve(r, req)

		assert.Empty(t, w.Header().Get("Content-Encoding"))
		assert.Equal(t, large, w.Body.String())
	})
}
