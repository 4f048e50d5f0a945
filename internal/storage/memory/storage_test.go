package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leaderboard-stats/internal/domain"
)

const beatmap = "0123456789abcdef0123456789abcdef"

func pp(v float64) *float64 { return &v }

func seeded(t *testing.T) *Storage {
	t.Helper()
	s := New()
	s.PutPlayer(domain.Player{ID: 1, Country: "US", Moderation: domain.ModerationState{Privileges: domain.PrivUserPublic | domain.PrivUserNormal}})
	s.PutPlayer(domain.Player{ID: 2, Country: "JP", Moderation: domain.ModerationState{Privileges: domain.PrivUserNormal}})
	s.SetBeatmapStatus(beatmap, domain.StatusRanked)
	return s
}

func TestInsertScoreDemotesPreviousBest(t *testing.T) {
	s := seeded(t)
	old := s.InsertScore(domain.ScoreRecord{PlayerID: 1, BeatmapMD5: beatmap, Score: 100, Completed: domain.CompletedBest})
	s.InsertScore(domain.ScoreRecord{PlayerID: 1, BeatmapMD5: beatmap, Score: 200, Completed: domain.CompletedBest})

	got, err := s.GetScore(context.Background(), domain.VariantVanilla, old.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CompletedPassed, got.Completed)

	best, err := s.PlayerBestScores(context.Background(), 1, domain.VariantVanilla)
	require.NoError(t, err)
	require.Len(t, best, 1)
	assert.Equal(t, int64(200), best[0].Score)
}

func TestBestScoresFiltersAndOrders(t *testing.T) {
	s := seeded(t)
	loved := "ffffffffffffffffffffffffffffffff"
	s.SetBeatmapStatus(loved, domain.StatusLoved)
	s.InsertScore(domain.ScoreRecord{PlayerID: 1, BeatmapMD5: beatmap, Score: 10, PP: pp(50), Completed: domain.CompletedBest})
	s.InsertScore(domain.ScoreRecord{PlayerID: 1, BeatmapMD5: loved, Score: 20, PP: pp(90), Completed: domain.CompletedBest})
	s.InsertScore(domain.ScoreRecord{PlayerID: 1, BeatmapMD5: "unknown", Score: 30, PP: pp(999), Completed: domain.CompletedBest})

	all, err := s.BestScores(context.Background(), domain.ScoreQuery{PlayerID: 1, Order: domain.OrderByPP})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, loved, all[0].BeatmapMD5)

	ppOnly, err := s.BestScores(context.Background(), domain.ScoreQuery{PlayerID: 1, Order: domain.OrderByPP, PPOnly: true})
	require.NoError(t, err)
	require.Len(t, ppOnly, 1)
	assert.Equal(t, beatmap, ppOnly[0].BeatmapMD5)
}

func TestBestHolderSkipsIneligiblePlayers(t *testing.T) {
	s := seeded(t)
	s.InsertScore(domain.ScoreRecord{PlayerID: 2, BeatmapMD5: beatmap, Score: 900, Completed: domain.CompletedBest})
	want := s.InsertScore(domain.ScoreRecord{PlayerID: 1, BeatmapMD5: beatmap, Score: 100, Completed: domain.CompletedBest})

	key := domain.FirstPlaceKey{BeatmapMD5: beatmap}
	best, err := s.BestHolder(context.Background(), domain.HolderQuery{Key: key, Order: domain.OrderByScore})
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, want.ID, best.ID)

	none, err := s.BestHolder(context.Background(), domain.HolderQuery{Key: key, Order: domain.OrderByScore, ExcludePlayerID: 1})
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestAggregatesRequireAPlayer(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	agg, err := s.GetAggregate(ctx, 1, domain.ModeTaiko, domain.VariantVanilla)
	require.NoError(t, err)
	assert.Equal(t, 1, agg.Level)

	_, err = s.AddPlay(ctx, 404, domain.ModeStandard, domain.VariantVanilla, domain.PlayDelta{Score: 1})
	assert.ErrorIs(t, err, domain.ErrPlayerNotFound)

	agg, err = s.AddPlay(ctx, 1, domain.ModeStandard, domain.VariantVanilla, domain.PlayDelta{Score: 5, RankedScore: 3})
	require.NoError(t, err)
	assert.Equal(t, int64(5), agg.TotalScore)
	assert.Equal(t, int64(3), agg.RankedScore)
	assert.Equal(t, int64(1), agg.Playcount)
}

func TestRankableAggregatesOnlyEligible(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	require.NoError(t, s.SaveWeighted(ctx, 1, domain.ModeStandard, domain.VariantVanilla, 99, 120))
	require.NoError(t, s.SaveWeighted(ctx, 2, domain.ModeStandard, domain.VariantVanilla, 99, 500))

	entries, err := s.RankableAggregates(ctx, domain.ModeStandard, domain.VariantVanilla)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.RankingEntry{PlayerID: 1, Country: "US", Value: 120}, entries[0])
}

func TestUnavailableStoreFailsRetryably(t *testing.T) {
	s := seeded(t)
	s.SetUnavailable(true)

	_, err := s.GetPlayer(context.Background(), 1)
	assert.True(t, domain.IsRetryable(err))

	s.SetUnavailable(false)
	_, err = s.GetPlayer(context.Background(), 1)
	assert.NoError(t, err)
}
