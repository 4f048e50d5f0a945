package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/leaderboard-stats/internal/clock"
	"github.com/leaderboard-stats/internal/config"
	"github.com/leaderboard-stats/internal/domain"
	"github.com/leaderboard-stats/internal/metrics"
	"github.com/leaderboard-stats/internal/redis"
	"github.com/leaderboard-stats/internal/storage"
	"github.com/leaderboard-stats/internal/storage/memory"
)

const (
	mapA = "a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0"
	mapB = "b1b1b1b1b1b1b1b1b1b1b1b1b1b1b1b1"
	mapC = "c2c2c2c2c2c2c2c2c2c2c2c2c2c2c2c2"
)

var t0 = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

type fakeSession struct {
	mu          sync.Mutex
	invalidated []int64
	notices     []domain.Notice
}

func (f *fakeSession) Invalidate(_ context.Context, playerID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, playerID)
	return nil
}

func (f *fakeSession) Notify(_ context.Context, _ int64, notice domain.Notice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, notice)
	return nil
}

type fakeHub struct {
	mu         sync.Mutex
	changes    []domain.FirstPlaceChange
	moderation []domain.ModerationEvent
}

func (h *fakeHub) BroadcastFirstPlace(change domain.FirstPlaceChange) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.changes = append(h.changes, change)
}

func (h *fakeHub) BroadcastModeration(event domain.ModerationEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.moderation = append(h.moderation, event)
}

// faultyStore wraps a store to fail first-place deletions and to run a hook
// right after the next best-holder search
type faultyStore struct {
	storage.Store

	mu           sync.Mutex
	failDeletes  int
	onBestHolder func()
}

func (f *faultyStore) DeleteFirstPlace(ctx context.Context, key domain.FirstPlaceKey) error {
	f.mu.Lock()
	fail := f.failDeletes > 0
	if fail {
		f.failDeletes--
	}
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("deleting first place: %w", domain.ErrStoreUnavailable)
	}
	return f.Store.DeleteFirstPlace(ctx, key)
}

func (f *faultyStore) BestHolder(ctx context.Context, q domain.HolderQuery) (*domain.ScoreRecord, error) {
	f.mu.Lock()
	hook := f.onBestHolder
	f.onBestHolder = nil
	f.mu.Unlock()

	best, err := f.Store.BestHolder(ctx, q)
	if hook != nil {
		hook()
	}
	return best, err
}

type EngineSuite struct {
	suite.Suite
	ctx     context.Context
	mini    *miniredis.Miniredis
	store   *memory.Storage
	cache   *redis.RankingCache
	session *fakeSession
	hub     *fakeHub
	metrics *metrics.Mock
	clock   *clock.MockClock
	engine  *Engine
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	s.ctx = context.Background()
	s.mini = miniredis.RunT(s.T())
	client := goredis.NewClient(&goredis.Options{Addr: s.mini.Addr()})
	s.T().Cleanup(func() { _ = client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.store = memory.New()
	s.cache = redis.NewRankingCache(client, "ripple", logger)
	s.session = &fakeSession{}
	s.hub = &fakeHub{}
	s.metrics = metrics.NewMock()
	s.clock = clock.NewMock(t0)

	s.engine = NewEngine(s.store, s.cache, s.session, s.metrics, s.clock, config.DefaultConfig(), logger)
	s.engine.SetHub(s.hub)

	for _, md5 := range []string{mapA, mapB, mapC} {
		s.store.SetBeatmapStatus(md5, domain.StatusRanked)
	}
}

// engineOver builds an engine sharing the suite's cache and fakes over store
func (s *EngineSuite) engineOver(store storage.Store) *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := NewEngine(store, s.cache, s.session, s.metrics, s.clock, config.DefaultConfig(), logger)
	e.SetHub(s.hub)
	return e
}

func (s *EngineSuite) addPlayer(id int64, country string) {
	s.store.PutPlayer(domain.Player{
		ID:         id,
		Username:   "player",
		Country:    country,
		Moderation: domain.ModerationState{Privileges: domain.PrivUserPublic | domain.PrivUserNormal},
	})
}

func ppOf(v float64) *float64 { return &v }

// submit stores a best play and runs it through the engine
func (s *EngineSuite) submit(playerID int64, md5 string, variant domain.Variant, score int64, pp float64) domain.ScoreRecord {
	sc := s.store.InsertScore(domain.ScoreRecord{
		PlayerID:   playerID,
		BeatmapMD5: md5,
		Mode:       domain.ModeStandard,
		Variant:    variant,
		Score:      score,
		Accuracy:   98.5,
		PP:         ppOf(pp),
		Completed:  domain.CompletedBest,
	})
	s.Require().NoError(s.engine.ProcessScore(s.ctx, domain.ScoreEvent{Score: sc, RankedScore: score}))
	return sc
}

func key(md5 string, variant domain.Variant) domain.FirstPlaceKey {
	return domain.FirstPlaceKey{BeatmapMD5: md5, Mode: domain.ModeStandard, Variant: variant}
}

func (s *EngineSuite) holder(k domain.FirstPlaceKey) int64 {
	fp, err := s.engine.FirstPlace(s.ctx, k)
	s.Require().NoError(err)
	if fp == nil {
		return 0
	}
	return fp.PlayerID
}

func (s *EngineSuite) globalRank(playerID int64, variant domain.Variant) int64 {
	rank, err := s.cache.Rank(s.ctx, variant, domain.ModeStandard, playerID, "")
	s.Require().NoError(err)
	return rank
}

// Aggregates

func (s *EngineSuite) TestRecomputeAggregatesWeightsBestScores() {
	s.addPlayer(1, "us")
	s.store.SetBeatmapStatus(mapC, domain.StatusLoved)
	for _, sc := range []domain.ScoreRecord{
		{BeatmapMD5: mapA, Score: 1000, Accuracy: 100, PP: ppOf(200.4)},
		{BeatmapMD5: mapB, Score: 900, Accuracy: 90, PP: ppOf(100.5)},
		// loved: counts for accuracy, never for pp
		{BeatmapMD5: mapC, Score: 800, Accuracy: 80, PP: ppOf(500)},
	} {
		sc.PlayerID = 1
		sc.Completed = domain.CompletedBest
		s.store.InsertScore(sc)
	}

	agg, err := s.engine.RecomputeAggregates(s.ctx, 1, domain.ModeStandard, domain.VariantVanilla)
	s.Require().NoError(err)

	// 200.4 rounds to 200 and 100.5 to 100 half-to-even; 200 + round(100*0.95) = 295
	s.Equal(int64(295), agg.PP)
	wantAcc := (80*100 + 100*100*0.95 + 90*100*0.95*0.95) / (100 + 100*0.95 + 100*0.95*0.95)
	s.InDelta(wantAcc, agg.Accuracy, 1e-9)
	s.Equal(int64(1), s.globalRank(1, domain.VariantVanilla))

	rank, err := s.cache.Rank(s.ctx, domain.VariantVanilla, domain.ModeStandard, 1, "us")
	s.Require().NoError(err)
	s.Equal(int64(1), rank)
}

func (s *EngineSuite) TestRecomputeWithoutScoresResetsToZero() {
	s.addPlayer(1, "us")
	sc := s.submit(1, mapA, domain.VariantVanilla, 1000, 150)
	s.Equal(int64(1), s.globalRank(1, domain.VariantVanilla))

	s.store.DeleteScore(domain.VariantVanilla, sc.ID)
	agg, err := s.engine.RecomputeAggregates(s.ctx, 1, domain.ModeStandard, domain.VariantVanilla)
	s.Require().NoError(err)

	s.Zero(agg.PP)
	s.Zero(agg.Accuracy)
	s.Zero(s.globalRank(1, domain.VariantVanilla))
}

func (s *EngineSuite) TestRecomputeMissingPlayerIsNoop() {
	agg, err := s.engine.RecomputeAggregates(s.ctx, 404, domain.ModeStandard, domain.VariantVanilla)
	s.NoError(err)
	s.Nil(agg)
}

func (s *EngineSuite) TestRecomputeRejectsRelaxMania() {
	_, err := s.engine.RecomputeAggregates(s.ctx, 1, domain.ModeMania, domain.VariantRelax)
	s.ErrorIs(err, domain.ErrUnsupportedPlay)
}

func (s *EngineSuite) TestRecomputeLeavesIneligiblePlayersOffTheBoard() {
	s.addPlayer(1, "us")
	s.store.InsertScore(domain.ScoreRecord{PlayerID: 1, BeatmapMD5: mapA, Score: 10, PP: ppOf(50), Completed: domain.CompletedBest})
	_, err := s.engine.ApplyModeration(s.ctx, 1, domain.Action{Kind: domain.ActionRestrict})
	s.Require().NoError(err)

	agg, err := s.engine.RecomputeAggregates(s.ctx, 1, domain.ModeStandard, domain.VariantVanilla)
	s.Require().NoError(err)
	s.Equal(int64(50), agg.PP)
	s.Zero(s.globalRank(1, domain.VariantVanilla))
}

func (s *EngineSuite) TestProcessScoreTracksTotalsAndLevel() {
	s.addPlayer(1, "us")
	failed := s.store.InsertScore(domain.ScoreRecord{
		PlayerID: 1, BeatmapMD5: mapA, Score: 30000, Completed: domain.CompletedFailed,
	})
	s.Require().NoError(s.engine.ProcessScore(s.ctx, domain.ScoreEvent{Score: failed, RankedScore: 30000}))

	agg, err := s.store.GetAggregate(s.ctx, 1, domain.ModeStandard, domain.VariantVanilla)
	s.Require().NoError(err)
	s.Equal(int64(30000), agg.TotalScore)
	s.Zero(agg.RankedScore, "failed plays add no ranked score")
	s.Equal(int64(1), agg.Playcount)
	s.Equal(2, agg.Level)
	s.Zero(s.holder(key(mapA, domain.VariantVanilla)))

	s.submit(1, mapA, domain.VariantVanilla, 100000, 80)

	agg, err = s.store.GetAggregate(s.ctx, 1, domain.ModeStandard, domain.VariantVanilla)
	s.Require().NoError(err)
	s.Equal(int64(130000), agg.TotalScore)
	s.Equal(int64(100000), agg.RankedScore)
	s.Equal(int64(2), agg.Playcount)
	s.Equal(3, agg.Level)
	s.Equal(int64(80), agg.PP)
	s.Equal(int64(1), s.holder(key(mapA, domain.VariantVanilla)))
	s.Equal(2, s.metrics.ScoresProcessed("vanilla"))
}

func (s *EngineSuite) TestProcessScoreIgnoresRelaxMania() {
	s.addPlayer(1, "us")
	sc := domain.ScoreRecord{PlayerID: 1, BeatmapMD5: mapA, Mode: domain.ModeMania, Variant: domain.VariantRelax, Score: 500, Completed: domain.CompletedBest}

	s.Require().NoError(s.engine.ProcessScore(s.ctx, domain.ScoreEvent{Score: sc}))
	s.Zero(s.metrics.ScoresProcessed("relax"))
}

func (s *EngineSuite) TestProcessScoreForUnknownPlayerIsNoop() {
	sc := domain.ScoreRecord{PlayerID: 77, BeatmapMD5: mapA, Score: 500, Completed: domain.CompletedBest}
	s.NoError(s.engine.ProcessScore(s.ctx, domain.ScoreEvent{Score: sc}))
	s.Zero(s.holder(key(mapA, domain.VariantVanilla)))
}

func (s *EngineSuite) TestCorrectTotalScoreUpdatesLevel() {
	s.addPlayer(1, "us")

	level, err := s.engine.CorrectTotalScore(s.ctx, 1, domain.ModeTaiko, domain.VariantVanilla, 26931190829)
	s.Require().NoError(err)
	s.Equal(100, level)

	level, err = s.engine.CorrectTotalScore(s.ctx, 1, domain.ModeTaiko, domain.VariantVanilla, 0)
	s.Require().NoError(err)
	s.Equal(1, level)

	_, err = s.engine.CorrectTotalScore(s.ctx, 1, domain.ModeTaiko, domain.VariantVanilla, -1)
	s.ErrorIs(err, domain.ErrInvalidRequest)
}

func (s *EngineSuite) TestPlayerStatsIncludesRanks() {
	s.addPlayer(1, "us")
	s.addPlayer(2, "jp")
	s.submit(1, mapA, domain.VariantVanilla, 1000, 100)
	s.submit(2, mapB, domain.VariantVanilla, 1000, 300)

	st, err := s.engine.PlayerStats(s.ctx, 1, domain.ModeStandard, domain.VariantVanilla)
	s.Require().NoError(err)
	s.Equal(int64(2), st.GlobalRank)
	s.Equal(int64(1), st.CountryRank)

	top, err := s.engine.TopRankings(s.ctx, domain.VariantVanilla, domain.ModeStandard, "", 0)
	s.Require().NoError(err)
	s.Require().Len(top, 2)
	s.Equal(int64(2), top[0].PlayerID)

	missing, err := s.engine.PlayerStats(s.ctx, 404, domain.ModeStandard, domain.VariantVanilla)
	s.NoError(err)
	s.Nil(missing)
}

// First-place ledger

func (s *EngineSuite) TestHigherScoreTakesFirstPlace() {
	s.addPlayer(1, "us")
	s.addPlayer(3, "us")
	s.submit(1, mapA, domain.VariantVanilla, 1000, 100)
	s.Equal(int64(1), s.holder(key(mapA, domain.VariantVanilla)))

	c := s.submit(3, mapA, domain.VariantVanilla, 1001, 50)

	fp, err := s.engine.FirstPlace(s.ctx, key(mapA, domain.VariantVanilla))
	s.Require().NoError(err)
	s.Equal(int64(3), fp.PlayerID)
	s.Equal(c.ID, fp.ScoreID)
	s.Len(s.store.AllFirstPlaces(), 1)
	s.Equal(1, s.metrics.FirstPlaceChanges(string(domain.OutcomePromoted)))
}

func (s *EngineSuite) TestTiesKeepTheIncumbent() {
	s.addPlayer(1, "us")
	s.addPlayer(2, "us")
	s.submit(1, mapA, domain.VariantVanilla, 1000, 100)
	s.submit(2, mapA, domain.VariantVanilla, 1000, 200)

	s.Equal(int64(1), s.holder(key(mapA, domain.VariantVanilla)))

	change, err := s.engine.ReevaluateFirstPlace(s.ctx, key(mapA, domain.VariantVanilla), nil)
	s.Require().NoError(err)
	s.False(change.Changed())
}

func (s *EngineSuite) TestRelaxRanksByPPExceptOnLovedMaps() {
	s.addPlayer(1, "us")
	s.addPlayer(2, "us")
	s.store.SetBeatmapStatus(mapB, domain.StatusLoved)

	s.submit(1, mapA, domain.VariantRelax, 5000, 100)
	s.submit(2, mapA, domain.VariantRelax, 1000, 150)
	s.Equal(int64(2), s.holder(key(mapA, domain.VariantRelax)), "pp decides on ranked maps")

	s.submit(1, mapB, domain.VariantRelax, 5000, 100)
	s.submit(2, mapB, domain.VariantRelax, 1000, 150)
	s.Equal(int64(1), s.holder(key(mapB, domain.VariantRelax)), "score decides on loved maps")

	s.submit(1, mapC, domain.VariantVanilla, 5000, 100)
	s.submit(2, mapC, domain.VariantVanilla, 1000, 150)
	s.Equal(int64(1), s.holder(key(mapC, domain.VariantVanilla)), "vanilla always ranks by score")
}

func (s *EngineSuite) TestHolderRefreshedInPlace() {
	s.addPlayer(1, "us")
	first := s.submit(1, mapA, domain.VariantVanilla, 1000, 100)
	second := s.submit(1, mapA, domain.VariantVanilla, 2000, 120)

	fp, err := s.engine.FirstPlace(s.ctx, key(mapA, domain.VariantVanilla))
	s.Require().NoError(err)
	s.Equal(second.ID, fp.ScoreID)
	s.NotEqual(first.ID, fp.ScoreID)
	s.Equal(1, s.metrics.FirstPlaceChanges(string(domain.OutcomeRefreshed)))
}

func (s *EngineSuite) TestHolderWithWorseBestIsDemoted() {
	s.addPlayer(1, "us")
	s.addPlayer(2, "us")
	s.submit(1, mapA, domain.VariantVanilla, 1000, 100)
	s.submit(2, mapA, domain.VariantVanilla, 900, 100)

	// a corrected best replaces the holder's score with a worse one
	s.submit(1, mapA, domain.VariantVanilla, 800, 100)

	s.Equal(int64(2), s.holder(key(mapA, domain.VariantVanilla)))
	s.Len(s.store.AllFirstPlaces(), 1)
}

func (s *EngineSuite) TestCandidateFromIneligiblePlayerIsIgnored() {
	s.addPlayer(1, "us")
	s.addPlayer(2, "us")
	s.submit(1, mapA, domain.VariantVanilla, 1000, 100)
	_, err := s.engine.ApplyModeration(s.ctx, 2, domain.Action{Kind: domain.ActionRestrict})
	s.Require().NoError(err)

	s.submit(2, mapA, domain.VariantVanilla, 5000, 100)

	s.Equal(int64(1), s.holder(key(mapA, domain.VariantVanilla)))
}

func (s *EngineSuite) TestStaleRecordIsSelfHealed() {
	s.addPlayer(1, "us")
	s.addPlayer(2, "us")
	held := s.submit(1, mapA, domain.VariantVanilla, 1000, 100)
	s.submit(2, mapA, domain.VariantVanilla, 900, 100)

	s.store.DeleteScore(domain.VariantVanilla, held.ID)

	change, err := s.engine.ReevaluateFirstPlace(s.ctx, key(mapA, domain.VariantVanilla), nil)
	s.Require().NoError(err)
	s.Equal(domain.OutcomeTransferred, change.Outcome)
	s.Equal(int64(2), s.holder(key(mapA, domain.VariantVanilla)))
}

func (s *EngineSuite) TestStaleRecordWithoutSuccessorIsDeleted() {
	s.addPlayer(1, "us")
	held := s.submit(1, mapA, domain.VariantVanilla, 1000, 100)
	s.store.DeleteScore(domain.VariantVanilla, held.ID)

	change, err := s.engine.ReevaluateFirstPlace(s.ctx, key(mapA, domain.VariantVanilla), nil)
	s.Require().NoError(err)
	s.Equal(domain.OutcomeDeleted, change.Outcome)
	s.Empty(s.store.AllFirstPlaces())
}

func (s *EngineSuite) TestFirstPlaceHealsRecordOfIneligibleHolder() {
	s.addPlayer(1, "us")
	s.addPlayer(2, "us")
	s.submit(1, mapA, domain.VariantVanilla, 1000, 100)
	s.submit(2, mapA, domain.VariantVanilla, 900, 100)

	// a ban written behind the engine's back leaves the record dangling
	s.Require().NoError(s.store.SaveModeration(s.ctx, 1, domain.ModerationState{BannedAt: t0}, ""))

	fp, err := s.engine.FirstPlace(s.ctx, key(mapA, domain.VariantVanilla))
	s.Require().NoError(err)
	s.Require().NotNil(fp)
	s.Equal(int64(2), fp.PlayerID)

	records := s.store.AllFirstPlaces()
	s.Require().Len(records, 1)
	s.Equal(int64(2), records[0].PlayerID)
}

func (s *EngineSuite) TestFirstPlaceHealsRecordOfDeletedScore() {
	s.addPlayer(1, "us")
	held := s.submit(1, mapA, domain.VariantVanilla, 1000, 100)
	s.store.DeleteScore(domain.VariantVanilla, held.ID)

	fp, err := s.engine.FirstPlace(s.ctx, key(mapA, domain.VariantVanilla))
	s.Require().NoError(err)
	s.Nil(fp)
	s.Empty(s.store.AllFirstPlaces())
}

func (s *EngineSuite) TestReevaluateBeatmapAfterUnranking() {
	s.addPlayer(1, "us")
	s.submit(1, mapA, domain.VariantVanilla, 1000, 100)
	s.submit(1, mapA, domain.VariantRelax, 1000, 100)
	s.Len(s.store.AllFirstPlaces(), 2)

	s.store.SetBeatmapStatus(mapA, domain.StatusPending)
	changes, err := s.engine.ReevaluateBeatmap(s.ctx, mapA)
	s.Require().NoError(err)
	s.Len(changes, 2)
	s.Empty(s.store.AllFirstPlaces())

	s.store.SetBeatmapStatus(mapA, domain.StatusRanked)
	changes, err = s.engine.ReevaluateBeatmap(s.ctx, mapA)
	s.Require().NoError(err)
	s.Len(changes, 2)
	s.Len(s.store.AllFirstPlaces(), 2)
}

func (s *EngineSuite) TestReevaluateRejectsMismatchedCandidate() {
	sc := domain.ScoreRecord{BeatmapMD5: mapB, Variant: domain.VariantVanilla}
	_, err := s.engine.ReevaluateFirstPlace(s.ctx, key(mapA, domain.VariantVanilla), &sc)
	s.ErrorIs(err, domain.ErrInvalidRequest)
}

func (s *EngineSuite) TestRemoveFirstPlacesHonoursFilter() {
	s.addPlayer(1, "us")
	s.submit(1, mapA, domain.VariantVanilla, 1000, 100)
	s.submit(1, mapA, domain.VariantRelax, 1000, 100)

	relax := domain.VariantRelax
	changes, err := s.engine.RemoveFirstPlaces(s.ctx, 1, domain.FirstPlaceFilter{Variant: &relax})
	s.Require().NoError(err)

	// the sweep excludes the player, so nobody is left to hold the relax key
	s.Require().Len(changes, 1)
	s.Equal(domain.OutcomeDeleted, changes[0].Outcome)
	s.Zero(s.holder(key(mapA, domain.VariantRelax)))
	s.Equal(int64(1), s.holder(key(mapA, domain.VariantVanilla)))
}

func (s *EngineSuite) TestRemoveFirstPlacesStopsOnCancel() {
	s.addPlayer(1, "us")
	s.submit(1, mapA, domain.VariantVanilla, 1000, 100)
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()

	_, err := s.engine.RemoveFirstPlaces(ctx, 1, domain.FirstPlaceFilter{})
	s.ErrorIs(err, context.Canceled)
	s.Equal(int64(1), s.holder(key(mapA, domain.VariantVanilla)))
}

// Moderation

func (s *EngineSuite) TestRestrictTransfersOrDeletesFirstPlaces() {
	s.addPlayer(1, "us")
	s.addPlayer(2, "jp")
	s.submit(1, mapA, domain.VariantVanilla, 1000, 100)
	s.submit(1, mapB, domain.VariantVanilla, 1000, 100)
	s.submit(2, mapA, domain.VariantVanilla, 900, 50)

	result, err := s.engine.ApplyModeration(s.ctx, 1, domain.Action{Kind: domain.ActionRestrict, AuthorID: 999, Reason: "multiaccount"})
	s.Require().NoError(err)

	s.Equal("restricted", result.Status)
	s.Len(result.Demoted, 2)
	s.Equal(int64(2), s.holder(key(mapA, domain.VariantVanilla)), "second place is promoted")
	s.Zero(s.holder(key(mapB, domain.VariantVanilla)), "no successor deletes the record")
	s.Zero(s.globalRank(1, domain.VariantVanilla))
	s.Equal(int64(1), s.globalRank(2, domain.VariantVanilla))
	s.Equal([]int64{1}, s.session.invalidated)

	notes := s.store.Notes(1)
	s.Require().Len(notes, 1)
	s.Contains(notes[0], "999 restricted this user. Reason: multiaccount")

	s.Require().Len(s.hub.moderation, 1)
	s.Equal(domain.ActionRestrict, s.hub.moderation[0].Action)
}

func (s *EngineSuite) TestBanTwiceDoesNotSweepAgain() {
	s.addPlayer(1, "us")
	s.submit(1, mapA, domain.VariantVanilla, 1000, 100)

	first, err := s.engine.ApplyModeration(s.ctx, 1, domain.Action{Kind: domain.ActionBan})
	s.Require().NoError(err)
	s.Len(first.Demoted, 1)

	second, err := s.engine.ApplyModeration(s.ctx, 1, domain.Action{Kind: domain.ActionBan})
	s.Require().NoError(err)
	s.Empty(second.Effects)
	s.Equal(1, s.metrics.ModerationActions("ban"))
	s.Len(s.session.invalidated, 1)
	s.Len(s.store.Notes(1), 1)
}

func (s *EngineSuite) TestBanUnbanRebuildRestoresFirstPlaces() {
	s.addPlayer(1, "us")
	s.addPlayer(2, "us")
	s.submit(1, mapA, domain.VariantVanilla, 1000, 100)
	s.submit(1, mapB, domain.VariantRelax, 1000, 300)
	s.submit(2, mapA, domain.VariantVanilla, 900, 100)
	s.submit(2, mapB, domain.VariantRelax, 900, 400)

	_, err := s.engine.ApplyModeration(s.ctx, 1, domain.Action{Kind: domain.ActionBan})
	s.Require().NoError(err)
	s.Equal(int64(2), s.holder(key(mapA, domain.VariantVanilla)))

	result, err := s.engine.ApplyModeration(s.ctx, 1, domain.Action{Kind: domain.ActionUnban})
	s.Require().NoError(err)
	s.Equal("public", result.Status)
	s.Equal(int64(2), s.holder(key(mapA, domain.VariantVanilla)), "unban does not rebuild first places")
	s.Equal([]domain.Notice{domain.NoticeUnban}, s.session.notices)
	s.NotZero(s.globalRank(1, domain.VariantVanilla), "unban restores cached rankings")

	changes, err := s.engine.RebuildFirstPlaces(s.ctx, 1)
	s.Require().NoError(err)
	s.Len(changes, 1)
	s.Equal(int64(1), s.holder(key(mapA, domain.VariantVanilla)))
	s.Equal(int64(2), s.holder(key(mapB, domain.VariantRelax)), "player 2 still has more pp on the relax map")
}

func (s *EngineSuite) TestRebuildSkipsIneligiblePlayers() {
	s.addPlayer(1, "us")
	s.submit(1, mapA, domain.VariantVanilla, 1000, 100)
	_, err := s.engine.ApplyModeration(s.ctx, 1, domain.Action{Kind: domain.ActionBan})
	s.Require().NoError(err)

	changes, err := s.engine.RebuildFirstPlaces(s.ctx, 1)
	s.Require().NoError(err)
	s.Empty(changes)
	s.Empty(s.store.AllFirstPlaces())
}

func (s *EngineSuite) TestFreezeUsesConfiguredDuration() {
	s.addPlayer(1, "us")
	s.engine.config.Moderation.FreezeDuration = 48 * time.Hour

	result, err := s.engine.ApplyModeration(s.ctx, 1, domain.Action{Kind: domain.ActionFreeze, Reason: "liveplay"})
	s.Require().NoError(err)
	s.Equal(t0.Add(48*time.Hour), result.State.FrozenUntil)
	s.Equal("public", result.Status)

	s.clock.Advance(time.Hour)
	player, err := s.store.GetPlayer(s.ctx, 1)
	s.Require().NoError(err)
	s.True(player.Moderation.Frozen(s.clock.Now()))
	s.Equal([]domain.Notice{domain.NoticeFreeze}, s.session.notices)
}

func (s *EngineSuite) TestSilenceDoesNotTouchRankings() {
	s.addPlayer(1, "us")
	s.submit(1, mapA, domain.VariantVanilla, 1000, 100)

	result, err := s.engine.ApplyModeration(s.ctx, 1, domain.Action{Kind: domain.ActionSilence, Duration: time.Hour, Reason: "spam"})
	s.Require().NoError(err)
	s.Equal(t0.Add(time.Hour), result.State.SilenceEnd)
	s.Equal(int64(1), s.holder(key(mapA, domain.VariantVanilla)))
	s.Equal(int64(1), s.globalRank(1, domain.VariantVanilla))
}

func (s *EngineSuite) TestModerationOfMissingPlayerIsNoop() {
	result, err := s.engine.ApplyModeration(s.ctx, 404, domain.Action{Kind: domain.ActionBan})
	s.NoError(err)
	s.Nil(result)
}

func (s *EngineSuite) TestInvalidModerationAction() {
	s.addPlayer(1, "us")
	_, err := s.engine.ApplyModeration(s.ctx, 1, domain.Action{Kind: domain.ActionSilence, Duration: -time.Minute})
	s.ErrorIs(err, domain.ErrInvalidAction)
}

// Failure and concurrency

func (s *EngineSuite) TestStoreUnavailableIsRetryable() {
	s.addPlayer(1, "us")
	s.store.SetUnavailable(true)

	_, err := s.engine.ApplyModeration(s.ctx, 1, domain.Action{Kind: domain.ActionBan})
	s.True(domain.IsRetryable(err))

	_, err = s.engine.RecomputeAggregates(s.ctx, 1, domain.ModeStandard, domain.VariantVanilla)
	s.ErrorIs(err, domain.ErrStoreUnavailable)
}

func (s *EngineSuite) TestCacheUnavailableIsRetryable() {
	s.addPlayer(1, "us")
	s.store.InsertScore(domain.ScoreRecord{PlayerID: 1, BeatmapMD5: mapA, Score: 10, PP: ppOf(50), Completed: domain.CompletedBest})
	s.mini.Close()

	_, err := s.engine.RecomputeAggregates(s.ctx, 1, domain.ModeStandard, domain.VariantVanilla)
	s.ErrorIs(err, domain.ErrStoreUnavailable)
	s.Equal(1, s.metrics.CacheWriteFailures())

	agg, err := s.store.GetAggregate(s.ctx, 1, domain.ModeStandard, domain.VariantVanilla)
	s.Require().NoError(err)
	s.Equal(int64(50), agg.PP, "the SQL write lands before the cache write")
}

func (s *EngineSuite) TestRetriedBanFinishesInterruptedSweep() {
	s.addPlayer(1, "us")
	s.submit(1, mapA, domain.VariantVanilla, 1000, 100)
	engine := s.engineOver(&faultyStore{Store: s.store, failDeletes: 1})

	_, err := engine.ApplyModeration(s.ctx, 1, domain.Action{Kind: domain.ActionBan})
	s.Require().True(domain.IsRetryable(err))
	s.Len(s.store.AllFirstPlaces(), 1, "the sweep stopped at the failed delete")
	s.Equal(int64(1), s.globalRank(1, domain.VariantVanilla))

	result, err := engine.ApplyModeration(s.ctx, 1, domain.Action{Kind: domain.ActionBan})
	s.Require().NoError(err)
	s.Empty(result.Effects)
	s.Len(result.Demoted, 1)
	s.Empty(s.store.AllFirstPlaces())
	s.Zero(s.globalRank(1, domain.VariantVanilla))
	s.Equal(1, s.metrics.ModerationActions("ban"))
}

func (s *EngineSuite) TestBanOfRestrictedPlayerClearsLeftovers() {
	s.addPlayer(1, "us")
	s.submit(1, mapA, domain.VariantVanilla, 1000, 100)
	engine := s.engineOver(&faultyStore{Store: s.store, failDeletes: 1})

	_, err := engine.ApplyModeration(s.ctx, 1, domain.Action{Kind: domain.ActionRestrict})
	s.Require().Error(err)
	s.Len(s.store.AllFirstPlaces(), 1)

	result, err := engine.ApplyModeration(s.ctx, 1, domain.Action{Kind: domain.ActionBan})
	s.Require().NoError(err)
	s.Equal("banned", result.Status)
	s.Len(result.Demoted, 1)
	s.Empty(s.store.AllFirstPlaces())
	s.Zero(s.globalRank(1, domain.VariantVanilla))
}

func (s *EngineSuite) TestSweepSkipsRivalBannedWhileSettling() {
	s.addPlayer(1, "us")
	s.addPlayer(2, "us")
	s.addPlayer(3, "us")
	s.submit(1, mapA, domain.VariantVanilla, 1000, 100)
	s.submit(2, mapA, domain.VariantVanilla, 900, 100)
	s.submit(3, mapA, domain.VariantVanilla, 800, 100)

	faulty := &faultyStore{Store: s.store}
	faulty.onBestHolder = func() {
		// player 2 is banned between the search and the write
		s.Require().NoError(s.store.SaveModeration(s.ctx, 2, domain.ModerationState{BannedAt: t0}, ""))
	}
	engine := s.engineOver(faulty)

	result, err := engine.ApplyModeration(s.ctx, 1, domain.Action{Kind: domain.ActionRestrict})
	s.Require().NoError(err)

	records := s.store.AllFirstPlaces()
	s.Require().Len(records, 1)
	s.Equal(int64(3), records[0].PlayerID)
	s.Require().Len(result.Demoted, 1)
	s.Equal(int64(1), result.Demoted[0].PreviousHolder)
	s.Equal(int64(3), result.Demoted[0].Holder)
}

func (s *EngineSuite) TestBanRacingSubmissionLeavesNoRecord() {
	ban := domain.Action{Kind: domain.ActionBan}
	for i := 0; i < 25; i++ {
		id := int64(100 + i)
		md5 := fmt.Sprintf("%032x", i+1)
		s.addPlayer(id, "us")
		s.store.SetBeatmapStatus(md5, domain.StatusRanked)
		sc := s.store.InsertScore(domain.ScoreRecord{
			PlayerID:   id,
			BeatmapMD5: md5,
			Mode:       domain.ModeStandard,
			Variant:    domain.VariantVanilla,
			Score:      1000,
			Accuracy:   97,
			PP:         ppOf(10),
			Completed:  domain.CompletedBest,
		})

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.NoError(s.engine.ProcessScore(s.ctx, domain.ScoreEvent{Score: sc}))
		}()
		go func() {
			defer wg.Done()
			_, err := s.engine.ApplyModeration(s.ctx, id, ban)
			s.NoError(err)
		}()
		wg.Wait()
	}

	s.Empty(s.store.AllFirstPlaces(), "no record may name a banned player")
	s.Zero(s.engine.players.size())
	s.Zero(s.engine.ledger.size())
}

func (s *EngineSuite) TestPlayerWithoutCountryHasNoCountryRank() {
	s.addPlayer(1, "")
	s.addPlayer(2, "xx")
	s.submit(1, mapA, domain.VariantVanilla, 1000, 100)
	s.submit(2, mapB, domain.VariantVanilla, 1000, 50)

	for _, id := range []int64{1, 2} {
		st, err := s.engine.PlayerStats(s.ctx, id, domain.ModeStandard, domain.VariantVanilla)
		s.Require().NoError(err)
		s.NotZero(st.GlobalRank)
		s.Zero(st.CountryRank)
	}

	top, err := s.engine.TopRankings(s.ctx, domain.VariantVanilla, domain.ModeStandard, "xx", 10)
	s.Require().NoError(err)
	s.Empty(top)
}

func (s *EngineSuite) TestConcurrentSubmissionsKeepOneHolderPerKey() {
	const players = 12
	for id := int64(1); id <= players; id++ {
		s.addPlayer(id, "us")
	}

	var wg sync.WaitGroup
	for id := int64(1); id <= players; id++ {
		for _, md5 := range []string{mapA, mapB} {
			sc := s.store.InsertScore(domain.ScoreRecord{
				PlayerID:   id,
				BeatmapMD5: md5,
				Variant:    domain.VariantVanilla,
				Score:      id * 100,
				PP:         ppOf(float64(id)),
				Completed:  domain.CompletedBest,
			})
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.NoError(s.engine.ProcessScore(s.ctx, domain.ScoreEvent{Score: sc}))
			}()
		}
	}
	wg.Wait()

	records := s.store.AllFirstPlaces()
	s.Len(records, 2)
	for _, fp := range records {
		s.Equal(int64(players), fp.PlayerID)
	}
	s.Zero(s.engine.ledger.size())
	s.Zero(s.engine.players.size())
}
