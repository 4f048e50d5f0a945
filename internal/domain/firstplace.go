package domain

import "fmt"

// FirstPlaceKey identifies one first-place ledger entry
type FirstPlaceKey struct {
	BeatmapMD5 string  `json:"beatmap_md5"`
	Mode       Mode    `json:"mode"`
	Variant    Variant `json:"variant"`
}

// String returns a stable representation used for locking and logging
func (k FirstPlaceKey) String() string {
	return fmt.Sprintf("%s:%d:%d", k.BeatmapMD5, k.Mode, k.Variant)
}

// KeyOf returns the ledger key a score competes for
func KeyOf(s *ScoreRecord) FirstPlaceKey {
	return FirstPlaceKey{BeatmapMD5: s.BeatmapMD5, Mode: s.Mode, Variant: s.Variant}
}

// FirstPlace is the ledger entry naming the current #1 score of a key
type FirstPlace struct {
	FirstPlaceKey
	ScoreID  int64 `json:"score_id"`
	PlayerID int64 `json:"player_id"`
}

// FirstPlaceFilter narrows a sweep to one variant and/or mode
type FirstPlaceFilter struct {
	Variant *Variant
	Mode    *Mode
}

// Matches reports whether key passes the filter
func (f FirstPlaceFilter) Matches(key FirstPlaceKey) bool {
	if f.Variant != nil && *f.Variant != key.Variant {
		return false
	}
	if f.Mode != nil && *f.Mode != key.Mode {
		return false
	}
	return true
}

// RankingValue returns the value scores are ordered by when competing for first place.
// Vanilla always ranks by score; relax ranks by score on loved beatmaps and by pp otherwise.
func RankingValue(variant Variant, status RankedStatus, s *ScoreRecord) float64 {
	if UsesScoreOrder(variant, status) {
		return float64(s.Score)
	}
	return s.PPValue()
}

// UsesScoreOrder reports whether first places for the variant and status are decided by raw score
func UsesScoreOrder(variant Variant, status RankedStatus) bool {
	return variant == VariantVanilla || status == StatusLoved
}

// FirstPlaceOutcome describes what a ledger evaluation did to a key
type FirstPlaceOutcome string

const (
	OutcomeUnchanged   FirstPlaceOutcome = "unchanged"
	OutcomeCreated     FirstPlaceOutcome = "created"
	OutcomeRefreshed   FirstPlaceOutcome = "refreshed"
	OutcomePromoted    FirstPlaceOutcome = "promoted"
	OutcomeTransferred FirstPlaceOutcome = "transferred"
	OutcomeDeleted     FirstPlaceOutcome = "deleted"
)

// FirstPlaceChange reports a ledger evaluation result
type FirstPlaceChange struct {
	Key            FirstPlaceKey     `json:"key"`
	Outcome        FirstPlaceOutcome `json:"outcome"`
	PreviousHolder int64             `json:"previous_holder,omitempty"`
	Holder         int64             `json:"holder,omitempty"`
	ScoreID        int64             `json:"score_id,omitempty"`
}

// Changed reports whether the ledger was written
func (c FirstPlaceChange) Changed() bool {
	return c.Outcome != OutcomeUnchanged
}
