package stats

import "math"

const (
	// MaxLevel is the ceiling Level never exceeds
	MaxLevel = 130
	// levelBase is the offset of the flat regime past level 100
	levelBase int64 = 0x645395C2D
	// scorePerLevelAbove100 is the flat step between levels past 100
	scorePerLevelAbove100 int64 = 100_000_000_000
)

// RequiredScore returns the cumulative score needed to reach level.
// Levels up to 100 follow the cubic curve rounded up to a whole score;
// later levels add a flat step per level.
func RequiredScore(level int) int64 {
	switch {
	case level <= 1:
		return 0
	case level <= 100:
		l := float64(level)
		v := 5000.0/3.0*(4*l*l*l-3*l*l-l) + 1.25*math.Pow(1.8, l-60)
		return int64(math.Ceil(v))
	default:
		return levelBase + scorePerLevelAbove100*int64(level-100)
	}
}

// Level returns the largest level whose required score is at most totalScore,
// capped at MaxLevel.
func Level(totalScore int64) int {
	for level := 2; level <= MaxLevel; level++ {
		if RequiredScore(level) > totalScore {
			return level - 1
		}
	}
	return MaxLevel
}
