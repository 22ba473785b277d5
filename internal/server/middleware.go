package server

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"lockbridge/internal/engine"
)

// newAccessMiddleware logs every request and counts it by route pattern.
func newAccessMiddleware(logger *zap.Logger, e engine.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			if e.Metrics != nil {
				e.Metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
			}
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

// maxLimiters bounds the number of tracked clients. The least recently seen
// client loses its bucket first and starts over with a full burst.
const maxLimiters = 4096

type rateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters *lru.Cache[string, *rate.Limiter]
}

func newRateLimiter(limit rate.Limit, burst, size int) *rateLimiter {
	cache, err := lru.New[string, *rate.Limiter](size)
	if err != nil {
		panic(err)
	}
	return &rateLimiter{limit: limit, burst: burst, limiters: cache}
}

func (l *rateLimiter) allow(key string) bool {
	l.mu.Lock()
	lim, ok := l.limiters.Get(key)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters.Add(key, lim)
	}
	l.mu.Unlock()
	return lim.Allow()
}

// newRateLimitMiddleware limits API requests per authenticated actor, or per
// client address when no principal is attached. It must run after auth.
func newRateLimitMiddleware(basePath string, perSecond float64, burst int) func(http.Handler) http.Handler {
	if perSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst <= 0 {
		burst = int(perSecond) + 1
	}
	l := newRateLimiter(rate.Limit(perSecond), burst, maxLimiters)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath+"/") {
				next.ServeHTTP(w, req)
				return
			}
			key := clientKey(req)
			if !l.allow(key) {
				w.Header().Set("Retry-After", "1")
				respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", nil))
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func clientKey(req *http.Request) string {
	if p, ok := principalFromContext(req.Context()); ok && p.ActorID != "" {
		return "actor:" + p.ActorID
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	return "addr:" + host
}
