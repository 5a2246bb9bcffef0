// Package webhook receives scanner events over HTTP and hands them to the
// dispatch service.
package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"pogobot/internal/model"
	logx "pogobot/pkg/logx"
)

const SecretHeader = "X-Webhook-Secret"

type Config struct {
	Addr       string
	Path       string
	Secret     string
	RatePerSec int // 0 = unlimited
	Burst      int
	MaxBody    int64
	// Profiling mounts net/http/pprof under /debug.
	Profiling bool
}

// Ingestor accepts decoded events without blocking on dispatch.
type Ingestor interface {
	SubmitSighting(ctx context.Context, s model.Sighting) error
	SubmitRaidEvent(ctx context.Context, e model.RaidEvent) error
}

// StatsFunc returns the document served by GET /stats.
type StatsFunc func() any

type Server struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	ingest  Ingestor
	stats   StatsFunc
	log     logx.Logger
}

func New(cfg Config, ingest Ingestor, stats StatsFunc, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{ingest: ingest, stats: stats, log: log}
	s.Apply(cfg)
	return s
}

// Apply updates secret, limits and body size. Addr and Path changes take
// effect on restart.
func (s *Server) Apply(cfg Config) {
	if cfg.Addr == "" {
		cfg.Addr = ":4000"
	}
	if cfg.Path == "" {
		cfg.Path = "/webhook"
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		cfg.Path = "/" + cfg.Path
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = 4 << 20
	}
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = cfg.RatePerSec
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = lim
	s.mu.Unlock()
}

func (s *Server) snapshot() (Config, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter
}

func (s *Server) Router() http.Handler {
	cfg, _ := s.snapshot()
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	if cfg.Profiling {
		r.Mount("/debug", middleware.Profiler())
	}
	r.With(s.limit, s.authorize).Post(cfg.Path, s.handleWebhook)
	return r
}

func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, lim := s.snapshot(); lim != nil && !lim.Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg, _ := s.snapshot()
		if cfg.Secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(SecretHeader)), []byte(cfg.Secret)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type ingestResult struct {
	Sightings int `json:"sightings"`
	Raids     int `json:"raids"`
	Ignored   int `json:"ignored"`
	Rejected  int `json:"rejected"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	cfg, _ := s.snapshot()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, cfg.MaxBody))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	batch, err := Decode(body)
	if err != nil {
		s.log.Debug("webhook decode failed", logx.Err(err), logx.String("request_id", middleware.GetReqID(r.Context())))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	// Dispatch outlives the request.
	ctx := context.WithoutCancel(r.Context())
	res := ingestResult{Ignored: batch.Ignored}
	for _, sg := range batch.Sightings {
		if err := s.ingest.SubmitSighting(ctx, sg); err != nil {
			res.Rejected++
			s.log.Warn("sighting rejected", logx.String("encounter", sg.EncounterID), logx.Err(err))
			continue
		}
		res.Sightings++
	}
	for _, e := range batch.Raids {
		if err := s.ingest.SubmitRaidEvent(ctx, e); err != nil {
			res.Rejected++
			s.log.Warn("raid rejected", logx.String("gym", e.GymID), logx.Err(err))
			continue
		}
		res.Raids++
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	if s.stats == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, s.stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	cfg, _ := s.snapshot()
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("webhook listening", logx.String("addr", ln.Addr().String()), logx.String("path", cfg.Path))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
		return ctx.Err()
	}
}
