package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/leaderboard-stats/internal/config"
	"github.com/leaderboard-stats/internal/domain"
	"github.com/leaderboard-stats/internal/metrics"
	"github.com/leaderboard-stats/internal/storage"
)

// Board names one ranking cache board
type Board struct {
	Variant domain.Variant
	Mode    domain.Mode
}

func (b Board) String() string {
	return b.Variant.Board() + ":" + b.Mode.String()
}

// Boards lists every board the cache tracks
func Boards() []Board {
	var boards []Board
	for _, variant := range domain.Variants {
		for _, mode := range domain.Modes {
			if variant.Tracks(mode) {
				boards = append(boards, Board{Variant: variant, Mode: mode})
			}
		}
	}
	return boards
}

// SyncWorker periodically rebuilds the ranking cache from the store of record,
// repairing any cache write that failed after its SQL write succeeded.
type SyncWorker struct {
	store   storage.PlayerStore
	cache   storage.RankingCache
	metrics metrics.Metrics
	config  *config.SyncConfig
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
}

// NewSyncWorker creates a new sync worker
func NewSyncWorker(
	store storage.PlayerStore,
	cache storage.RankingCache,
	m metrics.Metrics,
	cfg *config.SyncConfig,
	logger *slog.Logger,
) *SyncWorker {
	return &SyncWorker{
		store:   store,
		cache:   cache,
		metrics: m,
		config:  cfg,
		logger:  logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins the background sync process
func (w *SyncWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("sync worker started", "interval", w.config.Interval, "concurrency", w.config.Concurrency)

	go w.run(ctx)
	return nil
}

// Stop stops the background sync process
func (w *SyncWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("sync worker stopped")
	return nil
}

func (w *SyncWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := w.SyncAll(ctx); err != nil {
				w.logger.Error("sync cycle failed", "error", err)
			}
		}
	}
}

// SyncAll rebuilds every board, at most config.Concurrency at a time.
// Every board is attempted; the first error is returned.
func (w *SyncWorker) SyncAll(ctx context.Context) error {
	w.logger.Info("starting sync cycle")
	start := time.Now()

	boards := Boards()
	var g errgroup.Group
	g.SetLimit(max(w.config.Concurrency, 1))

	var mu sync.Mutex
	synced, failed := 0, 0
	for _, board := range boards {
		board := board
		g.Go(func() error {
			err := w.SyncBoard(ctx, board.Variant, board.Mode)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				w.logger.Error("failed to sync board", "board", board.String(), "error", err)
				return fmt.Errorf("syncing %s: %w", board, err)
			}
			synced++
			return nil
		})
	}
	err := g.Wait()

	duration := time.Since(start)
	w.metrics.ObserveReconcileDuration(duration.Seconds())
	w.logger.Info("sync cycle completed",
		"duration", duration,
		"synced", synced,
		"errors", failed,
	)
	return err
}

// SyncBoard replaces one cache board with the eligible aggregates of the store
func (w *SyncWorker) SyncBoard(ctx context.Context, variant domain.Variant, mode domain.Mode) error {
	entries, err := w.store.RankableAggregates(ctx, mode, variant)
	if err != nil {
		return fmt.Errorf("listing rankable aggregates: %w", err)
	}
	cached, err := w.cache.Count(ctx, variant, mode, "")
	if err != nil {
		return fmt.Errorf("counting board: %w", err)
	}
	if err := w.cache.ReplaceBoard(ctx, variant, mode, entries); err != nil {
		return fmt.Errorf("replacing board: %w", err)
	}

	if drift := cached - int64(len(entries)); drift != 0 {
		w.logger.Info("ranking cache drift repaired",
			"variant", variant.String(),
			"mode", mode.String(),
			"cached", cached,
			"player_count", len(entries),
		)
		return nil
	}
	w.logger.Debug("synced board",
		"variant", variant.String(),
		"mode", mode.String(),
		"player_count", len(entries),
	)
	return nil
}

// IsRunning returns whether the worker is currently running
func (w *SyncWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
