package server

import (
	"log/slog"
	"net/http"

	"github.com/onnwee/xiuxian-bot/telemetry"
)

const maxRecentSends = 500

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	status  StatusSource
	journal Journal
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{status: deps.Status, journal: deps.Journal}
}

// HandleStatus serves the runner snapshot: live scheduler tasks, per-feature enablement,
// limiter headroom and feature state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.status.Status())
}

// HandleRecentSends lists journaled send attempts, newest first. ?limit= caps the page.
func (h *Handlers) HandleRecentSends(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.journal == nil {
		http.Error(w, "journal not configured", http.StatusServiceUnavailable)
		return
	}
	limit := min(max(parseIntQuery(r, "limit", 50), 1), maxRecentSends)
	sends, err := h.journal.RecentOutbound(r.Context(), limit)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("list recent sends", slog.String("component", "http"), slog.Any("err", err))
		http.Error(w, "failed to list sends", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sends": sends, "count": len(sends)})
}
