package http

import (
	"crypto/subtle"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/patterngate/internal/access"
	"github.com/fyrsmithlabs/patterngate/internal/errcode"
	"github.com/fyrsmithlabs/patterngate/internal/logging"
)

// Request headers.
const (
	HeaderAPIKey     = "X-API-Key"
	HeaderDeviceHash = "X-Device-Hash"
	HeaderAdminToken = "X-Admin-Token"
)

const credentialKey = "patterngate.credential"

// requestLogger stamps the request id on the request context and logs every
// request once it completes.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		req := c.Request()
		rid := c.Response().Header().Get(echo.HeaderXRequestID)
		ctx := logging.WithRequestID(req.Context(), rid)
		c.SetRequest(req.WithContext(ctx))

		err := next(c)
		if err != nil {
			// Resolve the status before logging it.
			c.Error(err)
		}

		s.logger.Info(ctx, "http request",
			zap.String("method", req.Method),
			zap.String("route", c.Path()),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return nil
	}
}

// credentials reads the caller credential from headers. Access decisions are
// made by the gate, not here.
func (s *Server) credentials(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		h := c.Request().Header
		cred := access.Credential{
			APIKey:     strings.TrimSpace(h.Get(HeaderAPIKey)),
			DeviceHash: strings.ToLower(strings.TrimSpace(h.Get(HeaderDeviceHash))),
		}
		c.Set(credentialKey, cred)
		return next(c)
	}
}

func credential(c echo.Context) access.Credential {
	cred, _ := c.Get(credentialKey).(access.Credential)
	return cred
}

// adminOnly rejects requests without the configured admin token. With no
// token configured every request is rejected.
func (s *Server) adminOnly(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		got := c.Request().Header.Get(HeaderAdminToken)
		want := s.config.AdminToken
		if want == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			s.logger.Warn(c.Request().Context(), "admin token rejected", zap.String("route", c.Path()))
			return errcode.New(errcode.InvalidAPIKey, "a valid admin token is required")
		}
		return next(c)
	}
}

// rateLimited applies the per-IP limiter.
func (s *Server) rateLimited(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ip := c.RealIP()
		if !s.limiter.allow(ip) {
			s.logger.Warn(c.Request().Context(), "rate limit exceeded", zap.String("ip", ip))
			return errcode.New(errcode.RateLimited, "too many requests from this address; retry later")
		}
		return next(c)
	}
}

// ipLimiter holds one token bucket per client address. Buckets are dropped
// wholesale every hour to bound memory.
type ipLimiter struct {
	mu          sync.Mutex
	limiters    map[string]*rate.Limiter
	lastCleanup time.Time
	limit       rate.Limit
	burst       int
	now         func() time.Time
}

func newIPLimiter(perMinute float64, burst int) *ipLimiter {
	return &ipLimiter{
		limiters:    make(map[string]*rate.Limiter),
		lastCleanup: time.Now(),
		limit:       rate.Limit(perMinute / 60),
		burst:       burst,
		now:         time.Now,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastCleanup) > time.Hour {
		l.limiters = make(map[string]*rate.Limiter)
		l.lastCleanup = now
	}
	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ip] = lim
	}
	return lim.AllowN(now, 1)
}
