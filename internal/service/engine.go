// Package service implements the ranking engine: player aggregates, the
// first-place ledger and moderation, kept consistent between the store of
// record and the ranking cache.
//
// SQL writes always happen before the matching cache writes. Work is
// serialized per player id and per first-place key; nested locking always
// takes the player lock first.
package service

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/leaderboard-stats/internal/clock"
	"github.com/leaderboard-stats/internal/config"
	"github.com/leaderboard-stats/internal/domain"
	"github.com/leaderboard-stats/internal/metrics"
	"github.com/leaderboard-stats/internal/storage"
)

// Broadcaster pushes ledger and moderation events to live subscribers
type Broadcaster interface {
	BroadcastFirstPlace(change domain.FirstPlaceChange)
	BroadcastModeration(event domain.ModerationEvent)
}

// Engine provides the ranking statistics and consistency operations
type Engine struct {
	store   storage.Store
	cache   storage.RankingCache
	session storage.SessionLayer
	hub     Broadcaster
	metrics metrics.Metrics
	clock   clock.Clock
	config  *config.Config
	logger  *slog.Logger

	players *keyLock[int64]
	ledger  *keyLock[domain.FirstPlaceKey]
}

// NewEngine creates a new ranking engine
func NewEngine(
	store storage.Store,
	cache storage.RankingCache,
	session storage.SessionLayer,
	m metrics.Metrics,
	clk clock.Clock,
	cfg *config.Config,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		store:   store,
		cache:   cache,
		session: session,
		metrics: m,
		clock:   clk,
		config:  cfg,
		logger:  logger,
		players: newKeyLock[int64](),
		ledger:  newKeyLock[domain.FirstPlaceKey](),
	}
}

// SetHub attaches the live event broadcaster
func (e *Engine) SetHub(hub Broadcaster) {
	e.hub = hub
}

func validBoard(mode domain.Mode, variant domain.Variant) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %d", domain.ErrInvalidMode, mode)
	}
	if !variant.Valid() {
		return fmt.Errorf("%w: %d", domain.ErrInvalidVariant, variant)
	}
	if !variant.Tracks(mode) {
		return fmt.Errorf("%w: %s %s", domain.ErrUnsupportedPlay, variant, mode)
	}
	return nil
}

// cacheFailed records a cache write that failed after its SQL write succeeded
func (e *Engine) cacheFailed(op string, playerID int64, err error) error {
	e.metrics.IncCacheWriteFailures()
	e.logger.Warn("ranking cache write failed", "op", op, "player_id", playerID, "error", err)
	return fmt.Errorf("%s: %w", op, err)
}

func (e *Engine) publishChange(change domain.FirstPlaceChange) {
	if !change.Changed() {
		return
	}
	e.metrics.IncFirstPlaceChanges(string(change.Outcome))
	if e.hub != nil {
		e.hub.BroadcastFirstPlace(change)
	}
}

func since(start time.Time) float64 {
	return time.Since(start).Seconds()
}
