package stats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/leaderboard-stats/internal/domain"
)

func pp(v float64) *float64 { return &v }

func scoresWithAcc(accs ...float64) []domain.ScoreRecord {
	out := make([]domain.ScoreRecord, len(accs))
	for i, a := range accs {
		out[i] = domain.ScoreRecord{ID: int64(i + 1), Accuracy: a}
	}
	return out
}

func TestWeightedAccuracyEmptyWindow(t *testing.T) {
	assert.Equal(t, 0.0, WeightedAccuracy(nil, Decay))
}

func TestWeightedAccuracySingleScoreIsPlainValue(t *testing.T) {
	assert.InDelta(t, 97.31, WeightedAccuracy(scoresWithAcc(97.31), Decay), 1e-9)
}

func TestWeightedAccuracyFavoursTopScores(t *testing.T) {
	acc := WeightedAccuracy(scoresWithAcc(100, 50), Decay)
	want := (100*100 + 50*95) / 195.0
	assert.InDelta(t, want, acc, 1e-9)
	assert.Greater(t, acc, 75.0)
}

func TestWeightedAccuracyStaysInRange(t *testing.T) {
	accs := make([]float64, WindowSize)
	for i := range accs {
		accs[i] = math.Mod(float64(i)*37.7, 100)
	}
	for n := 0; n <= WindowSize; n++ {
		acc := WeightedAccuracy(scoresWithAcc(accs[:n]...), Decay)
		assert.GreaterOrEqual(t, acc, 0.0)
		assert.LessOrEqual(t, acc, 100.0)
	}
}

func TestWeightedPPRoundsBeforeAndAfterDecay(t *testing.T) {
	scores := []domain.ScoreRecord{
		{PP: pp(300.4)},
		{PP: pp(200.5)},
		{PP: pp(100.6)},
	}
	// round(300)=300, round(200)*0.95=190, round(101)*0.9025=91.1525 -> 91
	assert.Equal(t, int64(300+190+91), WeightedPP(scores, Decay))
}

func TestWeightedPPHalfToEven(t *testing.T) {
	scores := []domain.ScoreRecord{{PP: pp(2.5)}, {PP: pp(333.5)}}
	// 2.5 -> 2; 333.5 -> 334, 334*0.95 = 317.3 -> 317
	assert.Equal(t, int64(2+317), WeightedPP(scores, Decay))
}

func TestWeightedPPMissingValuesCountAsZero(t *testing.T) {
	scores := []domain.ScoreRecord{{PP: nil}, {PP: pp(100)}}
	assert.Equal(t, int64(95), WeightedPP(scores, Decay))
	assert.Equal(t, int64(0), WeightedPP(nil, Decay))
}

func TestWindow(t *testing.T) {
	scores := scoresWithAcc(make([]float64, 200)...)
	assert.Len(t, Window(scores, WindowSize), WindowSize)
	assert.Len(t, Window(scores[:3], WindowSize), 3)
	assert.Len(t, Window(scores, 0), 200)
}
