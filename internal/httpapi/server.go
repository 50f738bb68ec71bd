// Package httpapi serves the mirrored channel over a read-only JSON API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"channel-mirror/pkg/mirror"
)

const (
	defaultName              = "channel-mirror"
	defaultReadHeaderTimeout = 10 * time.Second
	corsMaxAge               = 3600
)

// Pager serves fixed-size newest-first pages.
type Pager interface {
	Page(ctx context.Context, pageNumber int) (mirror.Page, error)
}

// RecordReader serves single records and the cached channel profile.
type RecordReader interface {
	Get(ctx context.Context, id mirror.RecordID) (mirror.Record, error)
	Profile(ctx context.Context) (mirror.Profile, error)
}

// Config controls the HTTP surface.
type Config struct {
	// Addr is the listen address in host:port form.
	Addr string
	// Name and Version are reported by /api/v1/version.
	Name    string
	Version string
	// CORSWhitelist lists allowed origins; empty allows any origin.
	CORSWhitelist []string
	// StaticDir, when set, is served at / with a one day cache lifetime.
	StaticDir string
	Logger    *slog.Logger
	// Now replaces the clock used for the version timestamp.
	Now func() time.Time
}

// Server is the HTTP read API.
type Server struct {
	cfg     Config
	pages   Pager
	records RecordReader
	logger  *slog.Logger
	now     func() time.Time
	handler http.Handler
	http    *http.Server
}

// New creates the API server.
func New(pages Pager, records RecordReader, cfg Config) (*Server, error) {
	if pages == nil {
		return nil, fmt.Errorf("new http api: nil pager")
	}
	if records == nil {
		return nil, fmt.Errorf("new http api: nil record reader")
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = defaultName
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	server := &Server{
		cfg:     cfg,
		pages:   pages,
		records: records,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
	server.handler = server.routes()
	server.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.handler,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(cfg.Logger.Handler(), slog.LevelError),
	}

	return server, nil
}

// Name identifies the server in lifecycle logs.
func (s *Server) Name() string {
	return "http " + s.cfg.Addr
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens until Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.logger.InfoContext(ctx, "http api listening", "addr", listener.Addr().String())

	if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http api: %w", err)
	}

	return nil
}

// Shutdown stops accepting requests and drains in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http api: %w", err)
	}

	return nil
}

func (s *Server) routes() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(s.logRequests)
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(corsOptions(s.cfg.CORSWhitelist)))

	router.Route("/api/v1", func(api chi.Router) {
		api.With(cacheControl(cachePolicy{maxAge: time.Hour})).Get("/version", s.handleVersion)
		api.With(cacheControl(cachePolicy{noCache: true, noStore: true})).Get("/status", s.handleStatus)
		api.With(cacheControl(cachePolicy{maxAge: 10 * time.Minute})).Get("/me", s.handleMe)
		api.With(cacheControl(cachePolicy{maxAge: 5 * time.Minute})).Get("/list", s.handleList)
		api.With(cacheControl(cachePolicy{maxAge: 5 * time.Minute})).Get("/messages/{id}", s.handleMessage)
		api.NotFound(func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusNotFound, "not found")
		})
	})

	if dir := strings.TrimSpace(s.cfg.StaticDir); dir != "" {
		router.With(cacheControl(cachePolicy{maxAge: 24 * time.Hour})).
			Handle("/*", http.FileServer(http.Dir(dir)))
	}

	return router
}

func corsOptions(whitelist []string) cors.Options {
	origins := make([]string, 0, len(whitelist))
	for _, origin := range whitelist {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	return cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           corsMaxAge,
	}
}

type versionResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	TS      int64  `json:"ts"`
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, versionResponse{
		Name:    s.cfg.Name,
		Version: s.cfg.Version,
		TS:      s.now().UnixMilli(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	profile, err := s.records.Profile(r.Context())
	if err != nil {
		s.writeFailure(w, r, "load profile", err)
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	pageNumber := 1
	if raw := strings.TrimSpace(r.URL.Query().Get("page")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid page number")
			return
		}
		pageNumber = parsed
	}

	page, err := s.pages.Page(r.Context(), pageNumber)
	if err != nil {
		s.writeFailure(w, r, "load page", err)
		return
	}

	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}

	record, err := s.records.Get(r.Context(), mirror.RecordID(id))
	if err != nil {
		s.writeFailure(w, r, "load message", err)
		return
	}

	writeJSON(w, http.StatusOK, record)
}

// writeFailure maps domain errors to statuses; anything else is a logged 500.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, operation string, err error) {
	switch {
	case errors.Is(err, mirror.ErrInvalidPage):
		writeError(w, http.StatusBadRequest, "invalid page number")
	case errors.Is(err, mirror.ErrInvalidID):
		writeError(w, http.StatusBadRequest, "invalid message id")
	case errors.Is(err, mirror.ErrNotFound):
		writeError(w, http.StatusNotFound, "message not found")
	default:
		s.logger.ErrorContext(r.Context(), "http api request failed",
			"operation", operation,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := s.now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)

		s.logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.Status(),
			"bytes", wrapped.BytesWritten(),
			"duration", s.now().Sub(started),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, status, errorResponse{Error: message})
}
