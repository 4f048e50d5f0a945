// Package storage declares the stores the ranking engine reads and writes.
//
// Not-found lookups return the domain sentinel errors. Driver failures are
// wrapped with domain.ErrStoreUnavailable so callers can decide to retry.
package storage

import (
	"context"

	"github.com/leaderboard-stats/internal/domain"
)

// ScoreStore reads play results owned by the score-submission subsystem
type ScoreStore interface {
	// BestScores returns a player's completed-best scores on ranking-eligible
	// beatmaps, ordered by q.Order descending.
	BestScores(ctx context.Context, q domain.ScoreQuery) ([]domain.ScoreRecord, error)
	// BestHolder returns the best completed-best score for a ledger key among
	// ranking-eligible players, or nil when there is none. Ties go to the lower score id.
	BestHolder(ctx context.Context, q domain.HolderQuery) (*domain.ScoreRecord, error)
	// GetScore looks up one score in a variant's table family
	GetScore(ctx context.Context, variant domain.Variant, scoreID int64) (*domain.ScoreRecord, error)
	// PlayerBestScores returns every completed-best score with a positive score
	// on ranking-eligible beatmaps for one variant, across all modes.
	PlayerBestScores(ctx context.Context, playerID int64, variant domain.Variant) ([]domain.ScoreRecord, error)
}

// BeatmapStore reads beatmap ranking statuses
type BeatmapStore interface {
	RankedStatus(ctx context.Context, beatmapMD5 string) (domain.RankedStatus, error)
}

// PlayerStore reads and writes players and their aggregates
type PlayerStore interface {
	GetPlayer(ctx context.Context, playerID int64) (*domain.Player, error)
	SaveModeration(ctx context.Context, playerID int64, state domain.ModerationState, note string) error

	GetAggregate(ctx context.Context, playerID int64, mode domain.Mode, variant domain.Variant) (*domain.PlayerAggregate, error)
	SaveWeighted(ctx context.Context, playerID int64, mode domain.Mode, variant domain.Variant, accuracy float64, pp int64) error
	SaveLevel(ctx context.Context, playerID int64, mode domain.Mode, variant domain.Variant, level int) error
	AddPlay(ctx context.Context, playerID int64, mode domain.Mode, variant domain.Variant, delta domain.PlayDelta) (*domain.PlayerAggregate, error)
	SetTotalScore(ctx context.Context, playerID int64, mode domain.Mode, variant domain.Variant, total int64) error

	// RankableAggregates lists pp of every ranking-eligible player with pp > 0
	RankableAggregates(ctx context.Context, mode domain.Mode, variant domain.Variant) ([]domain.RankingEntry, error)
}

// FirstPlaceStore persists the first-place ledger
type FirstPlaceStore interface {
	// GetFirstPlace returns nil when the key has no record
	GetFirstPlace(ctx context.Context, key domain.FirstPlaceKey) (*domain.FirstPlace, error)
	PutFirstPlace(ctx context.Context, fp domain.FirstPlace) error
	DeleteFirstPlace(ctx context.Context, key domain.FirstPlaceKey) error
	FirstPlacesHeldBy(ctx context.Context, playerID int64) ([]domain.FirstPlace, error)
	FirstPlacesForBeatmap(ctx context.Context, beatmapMD5 string) ([]domain.FirstPlace, error)
}

// Store is the relational store of record
type Store interface {
	ScoreStore
	BeatmapStore
	PlayerStore
	FirstPlaceStore
}

// RankingCache is the sorted index of pp per board. It is derived data and
// never the source of truth.
type RankingCache interface {
	Upsert(ctx context.Context, variant domain.Variant, mode domain.Mode, playerID int64, country string, value float64) error
	Remove(ctx context.Context, variant domain.Variant, mode domain.Mode, playerID int64, country string) error
	// Rank returns the 1-based position, or 0 when the player is not on the board
	Rank(ctx context.Context, variant domain.Variant, mode domain.Mode, playerID int64, country string) (int64, error)
	Top(ctx context.Context, variant domain.Variant, mode domain.Mode, country string, n int) ([]domain.RankingEntry, error)
	Count(ctx context.Context, variant domain.Variant, mode domain.Mode, country string) (int64, error)
	// ReplaceBoard atomically swaps a board's global and country sets for entries
	ReplaceBoard(ctx context.Context, variant domain.Variant, mode domain.Mode, entries []domain.RankingEntry) error
}

// SessionLayer receives fire-and-forget moderation notices
type SessionLayer interface {
	Invalidate(ctx context.Context, playerID int64) error
	Notify(ctx context.Context, playerID int64, notice domain.Notice) error
}
