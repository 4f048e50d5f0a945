package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/leaderboard-stats/internal/domain"
	"github.com/leaderboard-stats/internal/storage"
)

// Storage is an in-memory implementation of storage.Store
type Storage struct {
	mu sync.RWMutex

	players     map[int64]*domain.Player
	notes       map[int64][]string
	beatmaps    map[string]domain.RankedStatus
	scores      map[domain.Variant]map[int64]*domain.ScoreRecord
	aggregates  map[aggregateKey]*domain.PlayerAggregate
	firstPlaces map[domain.FirstPlaceKey]domain.FirstPlace

	nextScoreID int64
	unavailable bool
}

type aggregateKey struct {
	playerID int64
	mode     domain.Mode
	variant  domain.Variant
}

// New creates a new in-memory storage instance
func New() *Storage {
	return &Storage{
		players:     make(map[int64]*domain.Player),
		notes:       make(map[int64][]string),
		beatmaps:    make(map[string]domain.RankedStatus),
		scores:      map[domain.Variant]map[int64]*domain.ScoreRecord{domain.VariantVanilla: {}, domain.VariantRelax: {}},
		aggregates:  make(map[aggregateKey]*domain.PlayerAggregate),
		firstPlaces: make(map[domain.FirstPlaceKey]domain.FirstPlace),
	}
}

// Ensure Storage implements the interface
var _ storage.Store = (*Storage)(nil)

// SetUnavailable makes every call fail with domain.ErrStoreUnavailable
func (s *Storage) SetUnavailable(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = down
}

func (s *Storage) check(op string) error {
	if s.unavailable {
		return fmt.Errorf("%s: %w", op, domain.ErrStoreUnavailable)
	}
	return nil
}

// Seeding, used by tests and the standalone server mode

// PutPlayer inserts or replaces a player
func (s *Storage) PutPlayer(p domain.Player) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.players[p.ID] = &p
}

// SetBeatmapStatus inserts or updates a beatmap's ranking status
func (s *Storage) SetBeatmapStatus(md5 string, status domain.RankedStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beatmaps[md5] = status
}

// InsertScore stores a play the way score submission does: a new best score
// demotes the player's previous best on the same beatmap to passed.
func (s *Storage) InsertScore(score domain.ScoreRecord) domain.ScoreRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	if score.ID == 0 {
		s.nextScoreID++
		score.ID = s.nextScoreID
	} else if score.ID > s.nextScoreID {
		s.nextScoreID = score.ID
	}
	if score.PlayedAt.IsZero() {
		score.PlayedAt = time.Now()
	}

	table := s.scores[score.Variant]
	if score.Completed == domain.CompletedBest {
		for _, old := range table {
			if old.PlayerID == score.PlayerID && old.BeatmapMD5 == score.BeatmapMD5 &&
				old.Mode == score.Mode && old.Completed == domain.CompletedBest {
				old.Completed = domain.CompletedPassed
			}
		}
	}
	stored := score
	table[score.ID] = &stored
	return score
}

// DeleteScore removes a score from its table family
func (s *Storage) DeleteScore(variant domain.Variant, scoreID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scores[variant], scoreID)
}

// Notes returns the moderation notes appended for a player
func (s *Storage) Notes(playerID int64) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.notes[playerID]...)
}

// AllFirstPlaces returns every ledger entry ordered by key
func (s *Storage) AllFirstPlaces() []domain.FirstPlace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.FirstPlace, 0, len(s.firstPlaces))
	for _, fp := range s.firstPlaces {
		out = append(out, fp)
	}
	sortFirstPlaces(out)
	return out
}

// ScoreStore

func (s *Storage) BestScores(ctx context.Context, q domain.ScoreQuery) ([]domain.ScoreRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("getting best scores"); err != nil {
		return nil, err
	}

	var out []domain.ScoreRecord
	for _, sc := range s.scores[q.Variant] {
		if sc.PlayerID != q.PlayerID || sc.Mode != q.Mode || sc.Completed != domain.CompletedBest {
			continue
		}
		status, ok := s.beatmaps[sc.BeatmapMD5]
		if !ok || !status.RankingEligible() {
			continue
		}
		if q.PPOnly && (!status.AwardsPP() || sc.PP == nil) {
			continue
		}
		out = append(out, *sc)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := orderValue(q.Order, &out[i]), orderValue(q.Order, &out[j])
		if a != b {
			return a > b
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Storage) BestHolder(ctx context.Context, q domain.HolderQuery) (*domain.ScoreRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("getting best holder"); err != nil {
		return nil, err
	}

	var best *domain.ScoreRecord
	for _, sc := range s.scores[q.Key.Variant] {
		if sc.BeatmapMD5 != q.Key.BeatmapMD5 || sc.Mode != q.Key.Mode ||
			sc.Completed != domain.CompletedBest || sc.Score <= 0 {
			continue
		}
		if q.ExcludePlayerID != 0 && sc.PlayerID == q.ExcludePlayerID {
			continue
		}
		if !s.players[sc.PlayerID].RankingEligible() {
			continue
		}
		if best == nil || beats(q.Order, sc, best) {
			best = sc
		}
	}
	if best == nil {
		return nil, nil
	}
	out := *best
	return &out, nil
}

func (s *Storage) GetScore(ctx context.Context, variant domain.Variant, scoreID int64) (*domain.ScoreRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("getting score"); err != nil {
		return nil, err
	}
	sc, ok := s.scores[variant][scoreID]
	if !ok {
		return nil, domain.ErrScoreNotFound
	}
	out := *sc
	return &out, nil
}

func (s *Storage) PlayerBestScores(ctx context.Context, playerID int64, variant domain.Variant) ([]domain.ScoreRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("getting player best scores"); err != nil {
		return nil, err
	}

	var out []domain.ScoreRecord
	for _, sc := range s.scores[variant] {
		if sc.PlayerID != playerID || sc.Completed != domain.CompletedBest || sc.Score <= 0 {
			continue
		}
		if !s.beatmaps[sc.BeatmapMD5].RankingEligible() {
			continue
		}
		out = append(out, *sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// BeatmapStore

func (s *Storage) RankedStatus(ctx context.Context, beatmapMD5 string) (domain.RankedStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("getting ranked status"); err != nil {
		return domain.StatusNotSubmitted, err
	}
	status, ok := s.beatmaps[beatmapMD5]
	if !ok {
		return domain.StatusNotSubmitted, domain.ErrBeatmapNotFound
	}
	return status, nil
}

// PlayerStore

func (s *Storage) GetPlayer(ctx context.Context, playerID int64) (*domain.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("getting player"); err != nil {
		return nil, err
	}
	p, ok := s.players[playerID]
	if !ok {
		return nil, domain.ErrPlayerNotFound
	}
	out := *p
	return &out, nil
}

func (s *Storage) SaveModeration(ctx context.Context, playerID int64, state domain.ModerationState, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("saving moderation state"); err != nil {
		return err
	}
	p, ok := s.players[playerID]
	if !ok {
		return domain.ErrPlayerNotFound
	}
	p.Moderation = state
	if note != "" {
		s.notes[playerID] = append(s.notes[playerID], note)
	}
	return nil
}

// aggregate returns the stored aggregate, creating an empty one. Callers hold the write lock.
func (s *Storage) aggregate(playerID int64, mode domain.Mode, variant domain.Variant) *domain.PlayerAggregate {
	key := aggregateKey{playerID, mode, variant}
	agg, ok := s.aggregates[key]
	if !ok {
		agg = &domain.PlayerAggregate{PlayerID: playerID, Mode: mode, Variant: variant, Level: 1}
		s.aggregates[key] = agg
	}
	return agg
}

func (s *Storage) GetAggregate(ctx context.Context, playerID int64, mode domain.Mode, variant domain.Variant) (*domain.PlayerAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("getting aggregate"); err != nil {
		return nil, err
	}
	if _, ok := s.players[playerID]; !ok {
		return nil, domain.ErrPlayerNotFound
	}
	if agg, ok := s.aggregates[aggregateKey{playerID, mode, variant}]; ok {
		out := *agg
		return &out, nil
	}
	return &domain.PlayerAggregate{PlayerID: playerID, Mode: mode, Variant: variant, Level: 1}, nil
}

func (s *Storage) mutateAggregate(op string, playerID int64, mode domain.Mode, variant domain.Variant, fn func(*domain.PlayerAggregate)) (*domain.PlayerAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(op); err != nil {
		return nil, err
	}
	if _, ok := s.players[playerID]; !ok {
		return nil, domain.ErrPlayerNotFound
	}
	agg := s.aggregate(playerID, mode, variant)
	fn(agg)
	agg.UpdatedAt = time.Now()
	out := *agg
	return &out, nil
}

func (s *Storage) SaveWeighted(ctx context.Context, playerID int64, mode domain.Mode, variant domain.Variant, accuracy float64, pp int64) error {
	_, err := s.mutateAggregate("saving weighted stats", playerID, mode, variant, func(a *domain.PlayerAggregate) {
		a.Accuracy = accuracy
		a.PP = pp
	})
	return err
}

func (s *Storage) SaveLevel(ctx context.Context, playerID int64, mode domain.Mode, variant domain.Variant, level int) error {
	_, err := s.mutateAggregate("saving level", playerID, mode, variant, func(a *domain.PlayerAggregate) {
		a.Level = level
	})
	return err
}

func (s *Storage) AddPlay(ctx context.Context, playerID int64, mode domain.Mode, variant domain.Variant, delta domain.PlayDelta) (*domain.PlayerAggregate, error) {
	return s.mutateAggregate("adding play", playerID, mode, variant, func(a *domain.PlayerAggregate) {
		a.TotalScore += delta.Score
		a.RankedScore += delta.RankedScore
		a.Playcount++
	})
}

func (s *Storage) SetTotalScore(ctx context.Context, playerID int64, mode domain.Mode, variant domain.Variant, total int64) error {
	_, err := s.mutateAggregate("setting total score", playerID, mode, variant, func(a *domain.PlayerAggregate) {
		a.TotalScore = total
	})
	return err
}

func (s *Storage) RankableAggregates(ctx context.Context, mode domain.Mode, variant domain.Variant) ([]domain.RankingEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("listing rankable aggregates"); err != nil {
		return nil, err
	}

	var out []domain.RankingEntry
	for key, agg := range s.aggregates {
		if key.mode != mode || key.variant != variant || agg.PP <= 0 {
			continue
		}
		p := s.players[key.playerID]
		if !p.RankingEligible() {
			continue
		}
		out = append(out, domain.RankingEntry{PlayerID: p.ID, Country: p.Country, Value: float64(agg.PP)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlayerID < out[j].PlayerID })
	return out, nil
}

// FirstPlaceStore

func (s *Storage) GetFirstPlace(ctx context.Context, key domain.FirstPlaceKey) (*domain.FirstPlace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("getting first place"); err != nil {
		return nil, err
	}
	fp, ok := s.firstPlaces[key]
	if !ok {
		return nil, nil
	}
	return &fp, nil
}

func (s *Storage) PutFirstPlace(ctx context.Context, fp domain.FirstPlace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("putting first place"); err != nil {
		return err
	}
	s.firstPlaces[fp.FirstPlaceKey] = fp
	return nil
}

func (s *Storage) DeleteFirstPlace(ctx context.Context, key domain.FirstPlaceKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("deleting first place"); err != nil {
		return err
	}
	delete(s.firstPlaces, key)
	return nil
}

func (s *Storage) FirstPlacesHeldBy(ctx context.Context, playerID int64) ([]domain.FirstPlace, error) {
	return s.collectFirstPlaces("listing held first places", func(fp domain.FirstPlace) bool {
		return fp.PlayerID == playerID
	})
}

func (s *Storage) FirstPlacesForBeatmap(ctx context.Context, beatmapMD5 string) ([]domain.FirstPlace, error) {
	return s.collectFirstPlaces("listing beatmap first places", func(fp domain.FirstPlace) bool {
		return fp.BeatmapMD5 == beatmapMD5
	})
}

func (s *Storage) collectFirstPlaces(op string, keep func(domain.FirstPlace) bool) ([]domain.FirstPlace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(op); err != nil {
		return nil, err
	}
	var out []domain.FirstPlace
	for _, fp := range s.firstPlaces {
		if keep(fp) {
			out = append(out, fp)
		}
	}
	sortFirstPlaces(out)
	return out, nil
}

func sortFirstPlaces(fps []domain.FirstPlace) {
	sort.Slice(fps, func(i, j int) bool {
		return strings.Compare(fps[i].String(), fps[j].String()) < 0
	})
}

func orderValue(order domain.ScoreOrder, sc *domain.ScoreRecord) float64 {
	if order == domain.OrderByScore {
		return float64(sc.Score)
	}
	return sc.PPValue()
}

// beats reports whether a outranks b; ties go to the earlier score
func beats(order domain.ScoreOrder, a, b *domain.ScoreRecord) bool {
	av, bv := orderValue(order, a), orderValue(order, b)
	if av != bv {
		return av > bv
	}
	return a.ID < b.ID
}
