package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/leaderboard-stats/internal/domain"
	"github.com/leaderboard-stats/internal/service"
	"github.com/leaderboard-stats/internal/websocket"
)

// Reconciler rebuilds the ranking cache from the store of record
type Reconciler interface {
	SyncAll(ctx context.Context) error
}

// ReadinessCheck reports whether a dependency can serve requests
type ReadinessCheck func(ctx context.Context) error

// Handler provides HTTP handlers for the ranking API
type Handler struct {
	engine     *service.Engine
	hub        *websocket.Hub
	metrics    http.Handler
	reconciler Reconciler
	checks     map[string]ReadinessCheck
	logger     *slog.Logger
}

// NewHandler creates a new HTTP handler. metricsHandler may be nil.
func NewHandler(engine *service.Engine, hub *websocket.Hub, metricsHandler http.Handler, logger *slog.Logger) *Handler {
	return &Handler{
		engine:  engine,
		hub:     hub,
		metrics: metricsHandler,
		checks:  make(map[string]ReadinessCheck),
		logger:  logger,
	}
}

// SetReconciler enables the manual reconciliation endpoint
func (h *Handler) SetReconciler(r Reconciler) {
	h.reconciler = r
}

// AddReadinessCheck registers a dependency probed by /ready
func (h *Handler) AddReadinessCheck(name string, check ReadinessCheck) {
	h.checks[name] = check
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics)
	}
	if h.hub != nil {
		r.Get("/ws", h.HandleWebSocket)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/players/{playerID}", func(r chi.Router) {
			r.Get("/stats", h.GetPlayerStats)
			r.Post("/recompute", h.RecomputeAggregates)
			r.Put("/total-score", h.CorrectTotalScore)
			r.Post("/moderation", h.ApplyModeration)
			r.Post("/rankings/restore", h.RestoreRankings)
			r.Post("/first-places/rebuild", h.RebuildFirstPlaces)
			r.Delete("/first-places", h.RemoveFirstPlaces)
		})

		r.Route("/beatmaps/{beatmapMD5}", func(r chi.Router) {
			r.Get("/first-place", h.GetFirstPlace)
			r.Post("/reevaluate", h.ReevaluateBeatmap)
		})

		r.Route("/rankings", func(r chi.Router) {
			r.Get("/{variant}/{mode}", h.GetRankings)
			r.Post("/reconcile", h.Reconcile)
		})

		if h.hub != nil {
			r.Get("/ws/stats", h.GetWebSocketStats)
		}
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("failed to encode response", "error", err)
	}
}

func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// fail maps an engine error to its HTTP status
func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case domain.IsNotFoundError(err):
		h.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, domain.ErrInvalidAction),
		errors.Is(err, domain.ErrInvalidMode),
		errors.Is(err, domain.ErrInvalidVariant),
		errors.Is(err, domain.ErrUnsupportedPlay):
		h.writeError(w, http.StatusBadRequest, err)
	case domain.IsRetryable(err):
		h.logger.Warn("store unavailable", "op", op, "error", err)
		h.writeError(w, http.StatusServiceUnavailable, domain.ErrStoreUnavailable)
	default:
		h.logger.Error("request failed", "op", op, "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
	}
}

func playerID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "playerID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.ErrInvalidRequest
	}
	return id, nil
}

// board reads the mode and variant query parameters, defaulting to std and vanilla
func board(r *http.Request) (domain.Mode, domain.Variant, error) {
	q := r.URL.Query()
	modeStr := q.Get("mode")
	if modeStr == "" {
		modeStr = domain.ModeStandard.String()
	}
	mode, err := domain.ParseMode(modeStr)
	if err != nil {
		return 0, 0, err
	}
	variant, err := domain.ParseVariant(q.Get("variant"))
	if err != nil {
		return 0, 0, err
	}
	return mode, variant, nil
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.logger, w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]interface{}{
		"total_connections": h.hub.GetTotalConnections(),
		"first_place_feed":  h.hub.GetSubscriberCount(websocket.TopicFirstPlaces),
		"moderation_feed":   h.hub.GetSubscriberCount(websocket.TopicModeration),
	})
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck probes every registered dependency
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := make(map[string]string, len(h.checks))
	ready := true
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("readiness check failed", "dependency", name, "error", err)
			status[name] = err.Error()
			ready = false
			continue
		}
		status[name] = "ok"
	}
	if !ready {
		h.writeJSON(w, http.StatusServiceUnavailable, APIResponse{Success: false, Data: status, Error: "not ready"})
		return
	}
	status["status"] = "ready"
	h.writeSuccess(w, status)
}

// GetPlayerStats returns a player's aggregate and ranks for one board
func (h *Handler) GetPlayerStats(w http.ResponseWriter, r *http.Request) {
	id, err := playerID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	mode, variant, err := board(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	stats, err := h.engine.PlayerStats(r.Context(), id, mode, variant)
	if err != nil {
		h.fail(w, "getting player stats", err)
		return
	}
	if stats == nil {
		h.writeError(w, http.StatusNotFound, domain.ErrPlayerNotFound)
		return
	}
	h.writeSuccess(w, stats)
}

// RecomputeAggregates recomputes a player's accuracy and pp
func (h *Handler) RecomputeAggregates(w http.ResponseWriter, r *http.Request) {
	id, err := playerID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	mode, variant, err := board(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	agg, err := h.engine.RecomputeAggregates(r.Context(), id, mode, variant)
	if err != nil {
		h.fail(w, "recomputing aggregates", err)
		return
	}
	if agg == nil {
		h.writeError(w, http.StatusNotFound, domain.ErrPlayerNotFound)
		return
	}
	h.writeSuccess(w, agg)
}

// TotalScoreRequest corrects a player's total score
type TotalScoreRequest struct {
	Mode       string `json:"mode"`
	Variant    string `json:"variant"`
	TotalScore int64  `json:"total_score"`
}

// CorrectTotalScore overwrites a total score and returns the new level
func (h *Handler) CorrectTotalScore(w http.ResponseWriter, r *http.Request) {
	id, err := playerID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req TotalScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	if req.Mode == "" {
		req.Mode = domain.ModeStandard.String()
	}
	mode, err := domain.ParseMode(req.Mode)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	variant, err := domain.ParseVariant(req.Variant)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	level, err := h.engine.CorrectTotalScore(r.Context(), id, mode, variant, req.TotalScore)
	if err != nil {
		h.fail(w, "correcting total score", err)
		return
	}
	h.writeSuccess(w, map[string]interface{}{
		"player_id":   id,
		"total_score": req.TotalScore,
		"level":       level,
	})
}

// ModerationRequest is the body of a moderation action
type ModerationRequest struct {
	Action string `json:"action"`
	// Duration is a Go duration string such as "24h"
	Duration string `json:"duration,omitempty"`
	Reason   string `json:"reason,omitempty"`
	AuthorID int64  `json:"author_id,omitempty"`
}

// ToAction validates the request
func (m ModerationRequest) ToAction() (domain.Action, error) {
	kind, err := domain.ParseActionKind(m.Action)
	if err != nil {
		return domain.Action{}, err
	}
	action := domain.Action{Kind: kind, Reason: m.Reason, AuthorID: m.AuthorID}
	if m.Duration != "" {
		d, err := time.ParseDuration(m.Duration)
		if err != nil {
			return domain.Action{}, errors.Join(domain.ErrInvalidAction, err)
		}
		action.Duration = d
	}
	return action, nil
}

// ApplyModeration applies a moderation action to a player
func (h *Handler) ApplyModeration(w http.ResponseWriter, r *http.Request) {
	id, err := playerID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req ModerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	action, err := req.ToAction()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := h.engine.ApplyModeration(r.Context(), id, action)
	if err != nil {
		h.fail(w, "applying moderation", err)
		return
	}
	if result == nil {
		h.writeError(w, http.StatusNotFound, domain.ErrPlayerNotFound)
		return
	}
	h.writeSuccess(w, result)
}

// RestoreRankings projects a player's stored pp back into the ranking cache
func (h *Handler) RestoreRankings(w http.ResponseWriter, r *http.Request) {
	id, err := playerID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.engine.RestoreRankings(r.Context(), id); err != nil {
		h.fail(w, "restoring rankings", err)
		return
	}
	h.writeSuccess(w, map[string]string{"status": "restored"})
}

// RebuildFirstPlaces re-asserts a player's first places from their best scores
func (h *Handler) RebuildFirstPlaces(w http.ResponseWriter, r *http.Request) {
	id, err := playerID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	changes, err := h.engine.RebuildFirstPlaces(r.Context(), id)
	if err != nil {
		h.fail(w, "rebuilding first places", err)
		return
	}
	h.writeSuccess(w, changesBody(changes))
}

// RemoveFirstPlaces demotes a player's first places, optionally for one variant or mode
func (h *Handler) RemoveFirstPlaces(w http.ResponseWriter, r *http.Request) {
	id, err := playerID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	var filter domain.FirstPlaceFilter
	q := r.URL.Query()
	if s := q.Get("variant"); s != "" {
		variant, err := domain.ParseVariant(s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err)
			return
		}
		filter.Variant = &variant
	}
	if s := q.Get("mode"); s != "" {
		mode, err := domain.ParseMode(s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err)
			return
		}
		filter.Mode = &mode
	}

	changes, err := h.engine.RemoveFirstPlaces(r.Context(), id, filter)
	if err != nil {
		h.fail(w, "removing first places", err)
		return
	}
	h.writeSuccess(w, changesBody(changes))
}

func changesBody(changes []domain.FirstPlaceChange) map[string]interface{} {
	if changes == nil {
		changes = []domain.FirstPlaceChange{}
	}
	return map[string]interface{}{
		"changed": len(changes),
		"changes": changes,
	}
}

// GetFirstPlace returns the first place of a beatmap for one mode and variant
func (h *Handler) GetFirstPlace(w http.ResponseWriter, r *http.Request) {
	mode, variant, err := board(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	key := domain.FirstPlaceKey{BeatmapMD5: chi.URLParam(r, "beatmapMD5"), Mode: mode, Variant: variant}

	fp, err := h.engine.FirstPlace(r.Context(), key)
	if err != nil {
		h.fail(w, "getting first place", err)
		return
	}
	if fp == nil {
		h.writeError(w, http.StatusNotFound, domain.ErrNoFirstPlace)
		return
	}
	h.writeSuccess(w, fp)
}

// ReevaluateBeatmap re-evaluates every first place of a beatmap
func (h *Handler) ReevaluateBeatmap(w http.ResponseWriter, r *http.Request) {
	changes, err := h.engine.ReevaluateBeatmap(r.Context(), chi.URLParam(r, "beatmapMD5"))
	if err != nil {
		h.fail(w, "reevaluating beatmap", err)
		return
	}
	h.writeSuccess(w, changesBody(changes))
}

// GetRankings returns the top of a global or country board
func (h *Handler) GetRankings(w http.ResponseWriter, r *http.Request) {
	variant, err := domain.ParseVariant(chi.URLParam(r, "variant"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	mode, err := domain.ParseMode(chi.URLParam(r, "mode"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	entries, err := h.engine.TopRankings(r.Context(), variant, mode, r.URL.Query().Get("country"), limit)
	if err != nil {
		h.fail(w, "getting rankings", err)
		return
	}
	if entries == nil {
		entries = []domain.RankingEntry{}
	}
	h.writeSuccess(w, entries)
}

// Reconcile rebuilds every ranking cache board now
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	if h.reconciler == nil {
		h.writeError(w, http.StatusServiceUnavailable, errors.New("reconciliation disabled"))
		return
	}
	if err := h.reconciler.SyncAll(r.Context()); err != nil {
		h.fail(w, "reconciling rankings", err)
		return
	}
	h.writeSuccess(w, map[string]string{"status": "reconciled"})
}
