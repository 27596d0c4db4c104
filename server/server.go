// Package server exposes the ops HTTP surface: liveness, readiness, runner status, metrics and
// the admin view of recent sends. It injects correlation IDs into request contexts for
// consistent logging.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/xiuxian-bot/bot"
	"github.com/onnwee/xiuxian-bot/db"
	"github.com/onnwee/xiuxian-bot/ratelimit"
	"github.com/onnwee/xiuxian-bot/telemetry"
)

// StatusSource is implemented by *bot.Runner.
type StatusSource interface {
	Status() bot.Status
}

// Journal is the read side of db.Journal.
type Journal interface {
	Ping(ctx context.Context) error
	RecentOutbound(ctx context.Context, limit int) ([]db.SentAction, error)
}

// AuthConfig protects /admin/ routes. Empty means open.
type AuthConfig struct {
	Username string
	Password string
	Token    string
}

func (a AuthConfig) enabled() bool {
	return (a.Username != "" && a.Password != "") || a.Token != ""
}

// Deps are the handler collaborators. Journal may be nil when no database is configured.
type Deps struct {
	Status                 StatusSource
	Journal                Journal
	Auth                   AuthConfig
	AdminRequestsPerMinute int
}

// NewMux returns the HTTP handler with all routes. ctx bounds the admin limiter's cleanup
// goroutine.
func NewMux(ctx context.Context, deps Deps) (http.Handler, error) {
	if deps.Status == nil {
		return nil, errors.New("server: status source is required")
	}
	perIP := deps.AdminRequestsPerMinute
	if perIP <= 0 {
		perIP = 30
	}
	limiter, err := ratelimit.NewKeyed(perIP, ratelimit.DefaultWindow)
	if err != nil {
		return nil, fmt.Errorf("admin rate limiter: %w", err)
	}
	go limiter.CleanupLoop(ctx, ratelimit.DefaultWindow)
	if !deps.Auth.enabled() {
		slog.Warn("admin authentication not configured, /admin/ endpoints are unprotected; set ADMIN_TOKEN or ADMIN_USERNAME+ADMIN_PASSWORD",
			slog.String("component", "http"))
	}

	h := NewHandlers(deps)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/readyz", h.HandleReadyz)
	mux.HandleFunc("/status", h.HandleStatus)
	mux.HandleFunc("/admin/sends", h.HandleRecentSends)

	protected := adminAuth(rateLimitMiddleware(mux, limiter), deps.Auth)
	selective := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/admin/") {
			protected.ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// reuse the caller's correlation id when provided
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.NewString()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, r.Method+" "+r.URL.Path, telemetry.HTTPAttrs(r.Method, r.URL.Path)...)
		defer span.End()
		telemetry.LoggerWithCorr(ctx).Debug("request start",
			slog.String("component", "http"),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		selective.ServeHTTP(rec, r.WithContext(ctx))
		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
	}), nil
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, deps Deps) error {
	handler, err := NewMux(ctx, deps)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.String("component", "http"), slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("component", "http"), slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.String("component", "http"), slog.Any("err", err))
		return err
	}
	return nil
}
