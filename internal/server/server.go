package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/matijazezelj/relgraph/internal/service"
)

// DefaultRateBurst is used when a rate limit is set without a burst.
const DefaultRateBurst = 100

// Options configures a Server.
type Options struct {
	Listen string
	// RateLimit is the sustained request rate per client IP. Zero disables
	// rate limiting.
	RateLimit float64
	RateBurst int
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// Server is the relgraph HTTP server exposing the relationship API.
type Server struct {
	svc      *service.Service
	logger   *slog.Logger
	opts     Options
	srv      *http.Server
	stopOnce sync.Once
	stop     chan struct{}

	// rate limiter state
	limiters  sync.Map // map[string]*ipLimiter
	sweepOnce sync.Once
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a new Server.
func New(svc *service.Service, opts Options, logger *slog.Logger) *Server {
	if opts.RateLimit > 0 && opts.RateBurst <= 0 {
		opts.RateBurst = DefaultRateBurst
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		svc:    svc,
		logger: logger,
		opts:   opts,
		stop:   make(chan struct{}),
	}
}

// limitBody caps request body size to 1 MB on mutating methods.
func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimiter applies a token bucket per client IP to /api/ routes.
// The idle-client sweeper is shared by every handler built from s.
func (s *Server) rateLimiter(next http.Handler) http.Handler {
	s.sweepOnce.Do(func() { go s.sweepLimiters() })

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}

		ip, _, _ := net.SplitHostPort(r.RemoteAddr)
		if ip == "" {
			ip = r.RemoteAddr
		}

		val, _ := s.limiters.LoadOrStore(ip, &ipLimiter{
			limiter:  rate.NewLimiter(rate.Limit(s.opts.RateLimit), s.opts.RateBurst),
			lastSeen: time.Now(),
		})
		il := val.(*ipLimiter)
		il.lastSeen = time.Now()

		if !il.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "resource_exhausted", "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// sweepLimiters drops limiters of clients idle for more than 10 minutes.
func (s *Server) sweepLimiters() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.limiters.Range(func(key, value any) bool {
				il := value.(*ipLimiter)
				if time.Since(il.lastSeen) > 10*time.Minute {
					s.limiters.Delete(key)
				}
				return true
			})
		}
	}
}

// Handler builds the routed handler with its middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	RegisterRoutes(mux, s)

	// Middleware chain: body limit → rate limit → mux
	var handler http.Handler = mux
	if s.opts.RateLimit > 0 {
		handler = s.rateLimiter(handler)
	}
	return limitBody(handler)
}

// Start starts the HTTP server. It returns nil after a graceful Shutdown.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:         s.opts.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting server", "listen", s.opts.Listen)
	if s.opts.RateLimit > 0 {
		s.logger.Info("rate limiting enabled", "rate", s.opts.RateLimit, "burst", s.opts.RateBurst)
	}

	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
