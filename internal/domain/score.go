package domain

import "time"

// RankedStatus is a beatmap's ranking status
type RankedStatus int

const (
	StatusNotSubmitted RankedStatus = -1
	StatusPending      RankedStatus = 0
	StatusNeedUpdate   RankedStatus = 1
	StatusRanked       RankedStatus = 2
	StatusApproved     RankedStatus = 3
	StatusQualified    RankedStatus = 4
	StatusLoved        RankedStatus = 5
)

// RankingEligible reports whether scores on the beatmap may appear in rankings
func (s RankedStatus) RankingEligible() bool {
	return s >= StatusRanked
}

// AwardsPP reports whether scores on the beatmap contribute skill points.
// Loved beatmaps rank but never award pp.
func (s RankedStatus) AwardsPP() bool {
	return s.RankingEligible() && s != StatusLoved
}

// Completed is the completion status of a single play
type Completed int

const (
	CompletedFailed Completed = 0
	CompletedQuit   Completed = 1
	CompletedPassed Completed = 2
	CompletedBest   Completed = 3
)

// Passed reports whether the play reached the end of the beatmap
func (c Completed) Passed() bool {
	return c >= CompletedPassed
}

// ScoreRecord is one completed play owned by the score store
type ScoreRecord struct {
	ID         int64     `json:"id"`
	PlayerID   int64     `json:"player_id"`
	BeatmapMD5 string    `json:"beatmap_md5"`
	Mode       Mode      `json:"mode"`
	Variant    Variant   `json:"variant"`
	Score      int64     `json:"score"`
	Accuracy   float64   `json:"accuracy"`
	PP         *float64  `json:"pp,omitempty"`
	MaxCombo   int       `json:"max_combo"`
	Completed  Completed `json:"completed"`
	PlayedAt   time.Time `json:"played_at"`
}

// PPValue returns the score's pp, treating a missing value as zero
func (s *ScoreRecord) PPValue() float64 {
	if s.PP == nil {
		return 0
	}
	return *s.PP
}

// ScoreOrder selects the column a score window is ordered by
type ScoreOrder int

const (
	OrderByPP ScoreOrder = iota
	OrderByScore
)

// ScoreQuery selects a player's best scores for one mode and variant
type ScoreQuery struct {
	PlayerID int64
	Mode     Mode
	Variant  Variant
	// Limit caps the window; zero means unlimited
	Limit int
	Order ScoreOrder
	// PPOnly restricts the window to beatmaps that award pp and scores with a pp value
	PPOnly bool
}

// HolderQuery selects the best eligible score competing for a ledger key
type HolderQuery struct {
	Key   FirstPlaceKey
	Order ScoreOrder
	// ExcludePlayerID skips one player's scores; zero excludes nobody
	ExcludePlayerID int64
}

// ScoreEvent is the message the score-submission subsystem publishes once a play is stored
type ScoreEvent struct {
	EventID     string      `json:"event_id"`
	Score       ScoreRecord `json:"score"`
	RankedScore int64       `json:"ranked_score_increase"`
	Timestamp   time.Time   `json:"timestamp"`
}
