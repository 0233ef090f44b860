// Package server exposes the factory sets and usage stats over HTTP.
// Read-only; both endpoint groups degrade to 503 when their backing
// service is not running.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/swordfishtr/35PokesPSBot/applog"
	"github.com/swordfishtr/35PokesPSBot/factory"
	"github.com/swordfishtr/35PokesPSBot/stats"
	"go.uber.org/zap"
)

// Config is the server section of the config file.
type Config struct {
	Port     int
	Password string
}

// Server serves the HTTP surface. The providers return the currently
// running service, or nil when it is disabled or down; services get
// replaced across supervised restarts, so they are resolved per
// request.
type Server struct {
	cfg     Config
	factory func() *factory.Service
	stats   func() *stats.Service
	srv     *http.Server
}

func New(cfg Config, f func() *factory.Service, st func() *stats.Service) *Server {
	if f == nil {
		f = func() *factory.Service { return nil }
	}
	if st == nil {
		st = func() *stats.Service { return nil }
	}
	s := &Server{cfg: cfg, factory: f, stats: st}

	r := chi.NewRouter()
	r.Use(logRequests)
	r.Get("/bf", s.withAuth(s.handleFormats))
	r.Get("/bf/{meta}", s.withAuth(s.handleSets))
	r.Get("/bf/{group}/{meta}", s.withAuth(s.handleSets))
	r.Get("/lus/full", s.withAuth(s.handleFullUsage))

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Run blocks until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	applog.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := applog.AddContextFields(r.Context(),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path))
		next.ServeHTTP(w, r.WithContext(ctx))
		applog.FromContext(ctx).Debug("Handled request")
	})
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	if s.cfg.Password == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("password") != s.cfg.Password {
			http.Error(w, "wrong password", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleFormats(w http.ResponseWriter, r *http.Request) {
	f := s.factory()
	if f == nil {
		http.Error(w, "battle factory is disabled", http.StatusServiceUnavailable)
		return
	}
	formats := f.Pool().Formats()
	for i, f := range formats {
		formats[i] = strings.TrimSuffix(f, ".txt")
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(formats)
}

func (s *Server) handleSets(w http.ResponseWriter, r *http.Request) {
	f := s.factory()
	if f == nil {
		http.Error(w, "battle factory is disabled", http.StatusServiceUnavailable)
		return
	}
	name := chi.URLParam(r, "meta")
	if group := chi.URLParam(r, "group"); group != "" {
		name = group + "/" + name
	}
	format := factory.NormalizeFormat(name)
	pool := f.Pool()
	if !pool.HasFormat(format) {
		http.Error(w, "format not found", http.StatusNotFound)
		return
	}

	var pastes []string
	for _, species := range pool.SpeciesIDs(format) {
		entry, ok := pool.Species(format, species)
		if !ok {
			continue
		}
		pastes = append(pastes, factory.FactoryToPaste(species, entry))
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, strings.Join(pastes, "\n\n"))
}

func (s *Server) handleFullUsage(w http.ResponseWriter, r *http.Request) {
	st := s.stats()
	if st == nil {
		http.Error(w, "live usage stats is disabled", http.StatusServiceUnavailable)
		return
	}
	usage, err := st.Store().FullUsage(r.Context())
	if err != nil {
		applog.Error("Full usage query failed", zap.Error(err))
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(usage)
}
