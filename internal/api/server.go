// Package api serves the schedule HTTP API.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	rtsup "diffido/internal/runtime/supervisor"
	logx "diffido/pkg/logx"

	"golang.org/x/time/rate"
)

// Config controls the API listener.
type Config struct {
	// Addr is host:port. An empty host listens on all interfaces.
	Addr string

	// TLS is used only when both files exist.
	CertFile string
	KeyFile  string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	RatePerSec float64
	RateBurst  int

	// Debug mounts /debug/pprof/.
	Debug bool

	// Metrics is served at MetricsPath when non-nil.
	Metrics     http.Handler
	MetricsPath string
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	h   *handlers

	limiter *rate.Limiter
	handler http.Handler

	ln  net.Listener
	srv *http.Server
	sup *rtsup.Supervisor
	tls bool
}

func New(cfg Config, m Manager, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	limit, burst := limitFor(cfg.RatePerSec, cfg.RateBurst)
	s := &Service{
		cfg:     cfg,
		log:     log,
		h:       &handlers{m: m, log: log},
		limiter: rate.NewLimiter(limit, burst),
	}
	s.handler = s.buildHandler()
	return s
}

// Handler returns the full middleware-wrapped router.
func (s *Service) Handler() http.Handler { return s.handler }

func (s *Service) buildHandler() http.Handler {
	mux := http.NewServeMux()
	s.h.register(mux)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, envelope{Message: "ok"})
	})
	if s.cfg.Metrics != nil {
		path := strings.TrimSpace(s.cfg.MetricsPath)
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, s.cfg.Metrics)
	}
	if s.cfg.Debug {
		mountPprof(mux)
	}
	return chain(mux,
		withRecover(s.log),
		withLogging(s.log),
		withRateLimit(s.limiter),
		withBodyLimit(maxBodyBytes),
	)
}

// SetRateLimit changes the request rate limit of a running server.
func (s *Service) SetRateLimit(perSec float64, burst int) {
	limit, b := limitFor(perSec, burst)
	s.limiter.SetLimit(limit)
	s.limiter.SetBurst(b)
	s.log.Info("rate limit updated", logx.Float64("per_sec", perSec), logx.Int("burst", b))
}

// Start binds the listener and serves in the background. Bind errors are
// returned directly.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}

	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = ":3210"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	useTLS := fileExists(s.cfg.CertFile) && fileExists(s.cfg.KeyFile)

	s.ln = ln
	s.srv = srv
	s.tls = useTLS
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))

	s.sup.Go0("http.serve", func(context.Context) {
		var err error
		if useTLS {
			err = srv.ServeTLS(ln, s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server exited", logx.Err(err))
		}
	})
	s.sup.Go0("http.shutdown", func(c context.Context) {
		<-c.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	})

	scheme := "http"
	if useTLS {
		scheme = "https"
	}
	s.log.Info("api listening", logx.String("addr", ln.Addr().String()), logx.String("scheme", scheme), logx.Bool("debug", s.cfg.Debug))
	return nil
}

// Addr is the bound listener address, or "" before Start.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Service) TLS() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tls
}

// Stop shuts the server down gracefully, then closes remaining connections
// once ctx ends.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup, s.ln = nil, nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}

	if err := srv.Shutdown(ctx); err != nil {
		s.log.Warn("api graceful shutdown incomplete", logx.Err(err))
		_ = srv.Close()
	}
	sup.Cancel()
	_ = sup.Wait(context.Background())
	s.log.Info("api stopped")
}

func fileExists(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
