package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"streamcast/pkg/config"
	apperrors "streamcast/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// clientLimiters hands out one token bucket per client address.
type clientLimiters struct {
	mu     sync.Mutex
	byAddr map[string]*rate.Limiter
	limit  rate.Limit
	burst  int
}

func newClientLimiters(limit rate.Limit, burst int) *clientLimiters {
	return &clientLimiters{
		byAddr: make(map[string]*rate.Limiter),
		limit:  limit,
		burst:  burst,
	}
}

func (l *clientLimiters) allow(addr string) bool {
	l.mu.Lock()
	limiter, ok := l.byAddr[addr]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.byAddr[addr] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}

// clientIP returns the first X-Forwarded-For hop when it parses, else the
// host of the remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewHTTPRateLimitMiddleware limits control API requests per client IP and,
// optionally, the number of requests in flight. The websocket endpoint is
// limited per message by the streaming service instead.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	limiters := newClientLimiters(
		rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond),
		cfg.RateLimiting.HTTP.Burst,
	)

	var inFlight chan struct{}
	if cfg.RateLimiting.HTTP.MaxConcurrent > 0 {
		inFlight = make(chan struct{}, cfg.RateLimiting.HTTP.MaxConcurrent)
	}

	return func(c *gin.Context) {
		if inFlight != nil {
			select {
			case inFlight <- struct{}{}:
				defer func() { <-inFlight }()
			default:
				appErr := apperrors.NewServiceUnavailableError("too many concurrent requests")
				c.AbortWithStatusJSON(appErr.HTTPStatus, appErr.Response())
				return
			}
		}

		if !limiters.allow(clientIP(c.Request)) {
			appErr := apperrors.NewRateLimitError()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(appErr.HTTPStatus, appErr.Response())
			return
		}
		c.Next()
	}
}
