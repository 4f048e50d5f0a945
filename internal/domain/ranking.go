package domain

import (
	"fmt"
	"strings"
)

// Mode is the game mode a score or aggregate belongs to
type Mode int

const (
	ModeStandard Mode = iota
	ModeTaiko
	ModeCatch
	ModeMania
)

// Modes lists every game mode in storage order
var Modes = []Mode{ModeStandard, ModeTaiko, ModeCatch, ModeMania}

var modeNames = [...]string{"std", "taiko", "ctb", "mania"}

// String returns the short name used in cache keys and column suffixes
func (m Mode) String() string {
	if !m.Valid() {
		return fmt.Sprintf("mode(%d)", int(m))
	}
	return modeNames[m]
}

// Valid reports whether m is a known mode
func (m Mode) Valid() bool {
	return m >= ModeStandard && m <= ModeMania
}

// ParseMode accepts either the short name or the numeric value of a mode
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range modeNames {
		if s == name || s == fmt.Sprint(i) {
			return Mode(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// Variant selects the ranking family a score is ranked in
type Variant int

const (
	VariantVanilla Variant = iota
	VariantRelax
)

// Variants lists every ranking variant
var Variants = []Variant{VariantVanilla, VariantRelax}

// String returns the variant name
func (v Variant) String() string {
	switch v {
	case VariantVanilla:
		return "vanilla"
	case VariantRelax:
		return "relax"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

// Valid reports whether v is a known variant
func (v Variant) Valid() bool {
	return v == VariantVanilla || v == VariantRelax
}

// Board returns the ranking cache board name for the variant
func (v Variant) Board() string {
	if v == VariantRelax {
		return "relaxboard"
	}
	return "leaderboard"
}

// Tracks reports whether plays in mode m are tracked for this variant.
// Relax has no mania rankings.
func (v Variant) Tracks(m Mode) bool {
	return m.Valid() && !(v == VariantRelax && m == ModeMania)
}

// ParseVariant accepts a variant name or its numeric value
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "vanilla", "0", "classic", "":
		return VariantVanilla, nil
	case "relax", "rx", "1":
		return VariantRelax, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidVariant, s)
}

// RankingEntry is one member of a ranking cache board
type RankingEntry struct {
	Rank     int64   `json:"rank"`
	PlayerID int64   `json:"player_id"`
	Country  string  `json:"country,omitempty"`
	Value    float64 `json:"value"`
}
