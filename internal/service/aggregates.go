package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/leaderboard-stats/internal/domain"
	"github.com/leaderboard-stats/internal/stats"
)

// RecomputeAggregates recomputes a player's weighted accuracy and pp for one
// mode and variant, persists them and projects pp into the ranking cache.
// A missing player is a no-op and returns nil.
func (e *Engine) RecomputeAggregates(ctx context.Context, playerID int64, mode domain.Mode, variant domain.Variant) (*domain.PlayerAggregate, error) {
	if err := validBoard(mode, variant); err != nil {
		return nil, err
	}
	unlock := e.players.Lock(playerID)
	defer unlock()

	player, err := e.store.GetPlayer(ctx, playerID)
	if err != nil {
		if domain.IsNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting player: %w", err)
	}
	return e.recomputeLocked(ctx, player, mode, variant)
}

func (e *Engine) recomputeLocked(ctx context.Context, player *domain.Player, mode domain.Mode, variant domain.Variant) (*domain.PlayerAggregate, error) {
	start := time.Now()
	window := e.config.Stats.WindowSize
	decay := e.config.Stats.Decay

	accScores, err := e.store.BestScores(ctx, domain.ScoreQuery{
		PlayerID: player.ID,
		Mode:     mode,
		Variant:  variant,
		Limit:    window,
		Order:    domain.OrderByPP,
	})
	if err != nil {
		return nil, fmt.Errorf("getting accuracy window: %w", err)
	}
	ppScores, err := e.store.BestScores(ctx, domain.ScoreQuery{
		PlayerID: player.ID,
		Mode:     mode,
		Variant:  variant,
		Limit:    window,
		Order:    domain.OrderByPP,
		PPOnly:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("getting pp window: %w", err)
	}

	accuracy := stats.WeightedAccuracy(stats.Window(accScores, window), decay)
	pp := stats.WeightedPP(stats.Window(ppScores, window), decay)

	if err := e.store.SaveWeighted(ctx, player.ID, mode, variant, accuracy, pp); err != nil {
		return nil, fmt.Errorf("saving weighted stats: %w", err)
	}

	if err := e.project(ctx, player, mode, variant, pp); err != nil {
		return nil, err
	}

	e.metrics.ObserveRecomputeDuration(since(start))
	e.logger.Debug("aggregates recomputed",
		"player_id", player.ID,
		"mode", mode.String(),
		"variant", variant.String(),
		"pp", pp,
		"accuracy", accuracy,
	)

	agg, err := e.store.GetAggregate(ctx, player.ID, mode, variant)
	if err != nil {
		return nil, fmt.Errorf("getting aggregate: %w", err)
	}
	return agg, nil
}

// project writes pp to the cache boards, or removes the player when they may not be ranked
func (e *Engine) project(ctx context.Context, player *domain.Player, mode domain.Mode, variant domain.Variant, pp int64) error {
	if player.RankingEligible() && pp > 0 {
		if err := e.cache.Upsert(ctx, variant, mode, player.ID, player.Country, float64(pp)); err != nil {
			return e.cacheFailed("projecting pp", player.ID, err)
		}
		return nil
	}
	if err := e.cache.Remove(ctx, variant, mode, player.ID, player.Country); err != nil {
		return e.cacheFailed("removing from rankings", player.ID, err)
	}
	return nil
}

// UpdateLevel recomputes and persists a player's level from their total score
func (e *Engine) UpdateLevel(ctx context.Context, playerID int64, mode domain.Mode, variant domain.Variant) (int, error) {
	if err := validBoard(mode, variant); err != nil {
		return 0, err
	}
	unlock := e.players.Lock(playerID)
	defer unlock()

	return e.updateLevelLocked(ctx, playerID, mode, variant)
}

func (e *Engine) updateLevelLocked(ctx context.Context, playerID int64, mode domain.Mode, variant domain.Variant) (int, error) {
	agg, err := e.store.GetAggregate(ctx, playerID, mode, variant)
	if err != nil {
		if domain.IsNotFoundError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("getting aggregate: %w", err)
	}

	level := stats.Level(agg.TotalScore)
	if level == agg.Level {
		return level, nil
	}
	if err := e.store.SaveLevel(ctx, playerID, mode, variant, level); err != nil {
		if domain.IsNotFoundError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("saving level: %w", err)
	}
	return level, nil
}

// CorrectTotalScore overwrites a player's total score and recomputes their level
func (e *Engine) CorrectTotalScore(ctx context.Context, playerID int64, mode domain.Mode, variant domain.Variant, total int64) (int, error) {
	if err := validBoard(mode, variant); err != nil {
		return 0, err
	}
	if total < 0 {
		return 0, fmt.Errorf("%w: negative total score", domain.ErrInvalidRequest)
	}
	unlock := e.players.Lock(playerID)
	defer unlock()

	if err := e.store.SetTotalScore(ctx, playerID, mode, variant, total); err != nil {
		if domain.IsNotFoundError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("setting total score: %w", err)
	}
	e.logger.Info("total score corrected", "player_id", playerID, "mode", mode.String(), "variant", variant.String(), "total_score", total)
	return e.updateLevelLocked(ctx, playerID, mode, variant)
}

// ProcessScore applies one stored play: totals and level always, accuracy and
// pp when the play passed, and a first-place check when it is the player's new best.
// Plays on boards that are not tracked are ignored.
func (e *Engine) ProcessScore(ctx context.Context, event domain.ScoreEvent) error {
	sc := event.Score
	if err := validBoard(sc.Mode, sc.Variant); err != nil {
		if errors.Is(err, domain.ErrUnsupportedPlay) {
			e.logger.Debug("ignoring untracked play", "player_id", sc.PlayerID, "score_id", sc.ID, "error", err)
			return nil
		}
		return err
	}

	processed, err := e.applyPlay(ctx, event)
	if err != nil || !processed {
		return err
	}
	e.metrics.IncScoresProcessed(sc.Variant.String())

	if sc.Completed != domain.CompletedBest {
		return nil
	}
	if _, err := e.ReevaluateFirstPlace(ctx, domain.KeyOf(&sc), &sc); err != nil {
		return fmt.Errorf("reevaluating first place: %w", err)
	}
	return nil
}

func (e *Engine) applyPlay(ctx context.Context, event domain.ScoreEvent) (bool, error) {
	sc := event.Score
	unlock := e.players.Lock(sc.PlayerID)
	defer unlock()

	player, err := e.store.GetPlayer(ctx, sc.PlayerID)
	if err != nil {
		if domain.IsNotFoundError(err) {
			e.logger.Warn("score for unknown player", "player_id", sc.PlayerID, "score_id", sc.ID)
			return false, nil
		}
		return false, fmt.Errorf("getting player: %w", err)
	}

	delta := domain.PlayDelta{Score: sc.Score}
	if sc.Completed.Passed() {
		delta.RankedScore = event.RankedScore
	}
	if _, err := e.store.AddPlay(ctx, sc.PlayerID, sc.Mode, sc.Variant, delta); err != nil {
		return false, fmt.Errorf("adding play: %w", err)
	}
	if _, err := e.updateLevelLocked(ctx, sc.PlayerID, sc.Mode, sc.Variant); err != nil {
		return false, err
	}
	if sc.Completed.Passed() {
		if _, err := e.recomputeLocked(ctx, player, sc.Mode, sc.Variant); err != nil {
			return false, err
		}
	}
	return true, nil
}

// PlayerStats returns a player's aggregate with their global and country rank.
// Ranks are zero for players who are not on the board.
func (e *Engine) PlayerStats(ctx context.Context, playerID int64, mode domain.Mode, variant domain.Variant) (*domain.PlayerStats, error) {
	if err := validBoard(mode, variant); err != nil {
		return nil, err
	}
	player, err := e.store.GetPlayer(ctx, playerID)
	if err != nil {
		if domain.IsNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting player: %w", err)
	}
	agg, err := e.store.GetAggregate(ctx, playerID, mode, variant)
	if err != nil {
		return nil, fmt.Errorf("getting aggregate: %w", err)
	}

	out := &domain.PlayerStats{PlayerAggregate: *agg}
	if !player.RankingEligible() {
		return out, nil
	}
	if out.GlobalRank, err = e.cache.Rank(ctx, variant, mode, playerID, ""); err != nil {
		return nil, fmt.Errorf("getting global rank: %w", err)
	}
	// Players without a known country have no country rank
	if player.Country == "" {
		return out, nil
	}
	if out.CountryRank, err = e.cache.Rank(ctx, variant, mode, playerID, player.Country); err != nil {
		return nil, fmt.Errorf("getting country rank: %w", err)
	}
	return out, nil
}

// TopRankings returns the best players of a board. An empty country selects the global board.
func (e *Engine) TopRankings(ctx context.Context, variant domain.Variant, mode domain.Mode, country string, limit int) ([]domain.RankingEntry, error) {
	if err := validBoard(mode, variant); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = e.config.Rankings.DefaultLimit
	}
	if limit > e.config.Rankings.MaxLimit {
		limit = e.config.Rankings.MaxLimit
	}

	entries, err := e.cache.Top(ctx, variant, mode, country, limit)
	if err != nil {
		return nil, fmt.Errorf("getting top rankings: %w", err)
	}
	return entries, nil
}

// RestoreRankings projects a player's stored pp back into every cache board
func (e *Engine) RestoreRankings(ctx context.Context, playerID int64) error {
	unlock := e.players.Lock(playerID)
	defer unlock()

	player, err := e.store.GetPlayer(ctx, playerID)
	if err != nil {
		if domain.IsNotFoundError(err) {
			return nil
		}
		return fmt.Errorf("getting player: %w", err)
	}
	return e.restoreLocked(ctx, player)
}

func (e *Engine) restoreLocked(ctx context.Context, player *domain.Player) error {
	for _, variant := range domain.Variants {
		for _, mode := range domain.Modes {
			if !variant.Tracks(mode) {
				continue
			}
			agg, err := e.store.GetAggregate(ctx, player.ID, mode, variant)
			if err != nil {
				return fmt.Errorf("getting aggregate: %w", err)
			}
			if err := e.project(ctx, player, mode, variant, agg.PP); err != nil {
				return err
			}
		}
	}
	return nil
}

// removeRankingsLocked drops a player from every cache board
func (e *Engine) removeRankingsLocked(ctx context.Context, player *domain.Player) error {
	for _, variant := range domain.Variants {
		for _, mode := range domain.Modes {
			if !variant.Tracks(mode) {
				continue
			}
			if err := e.cache.Remove(ctx, variant, mode, player.ID, player.Country); err != nil {
				return e.cacheFailed("removing from rankings", player.ID, err)
			}
		}
	}
	return nil
}
