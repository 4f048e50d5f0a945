package domain

import "time"

// Player is the subset of a user record the ranking engine reads and writes
type Player struct {
	ID         int64           `json:"id"`
	Username   string          `json:"username"`
	Country    string          `json:"country,omitempty"`
	Moderation ModerationState `json:"moderation"`
}

// RankingEligible reports whether the player may appear in any ranking view
func (p *Player) RankingEligible() bool {
	return p != nil && p.Moderation.Privileges.RankingEligible()
}

// PlayerAggregate holds a player's statistics for one mode and variant
type PlayerAggregate struct {
	PlayerID    int64     `json:"player_id"`
	Mode        Mode      `json:"mode"`
	Variant     Variant   `json:"variant"`
	TotalScore  int64     `json:"total_score"`
	RankedScore int64     `json:"ranked_score"`
	Accuracy    float64   `json:"accuracy"`
	Playcount   int64     `json:"playcount"`
	Level       int       `json:"level"`
	PP          int64     `json:"pp"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PlayerStats is an aggregate together with its current cache rank
type PlayerStats struct {
	PlayerAggregate
	GlobalRank  int64 `json:"global_rank"`
	CountryRank int64 `json:"country_rank"`
}

// PlayDelta describes the totals one play adds to an aggregate
type PlayDelta struct {
	Score       int64
	RankedScore int64
}
