package service

import (
	"context"
	"fmt"

	"github.com/leaderboard-stats/internal/domain"
)

// ledgerState is what a ledger evaluation knows about one key
type ledgerState struct {
	key    domain.FirstPlaceKey
	status domain.RankedStatus
	order  domain.ScoreOrder
	// record is the stored entry, nil when the key has none
	record *domain.FirstPlace
	// incumbent is the record's score when it still backs a valid first place
	incumbent *domain.ScoreRecord
}

func (s *ledgerState) value(sc *domain.ScoreRecord) float64 {
	return domain.RankingValue(s.key.Variant, s.status, sc)
}

// outranks orders two challengers: higher value first, then the earlier submission
func (s *ledgerState) outranks(a, b *domain.ScoreRecord) bool {
	va, vb := s.value(a), s.value(b)
	if va != vb {
		return va > vb
	}
	return a.ID < b.ID
}

// load reads the key's beatmap status and record. Records pointing to a
// missing score or an ineligible holder are loaded without an incumbent.
func (e *Engine) load(ctx context.Context, key domain.FirstPlaceKey) (*ledgerState, error) {
	st := &ledgerState{key: key, status: domain.StatusNotSubmitted}

	status, err := e.store.RankedStatus(ctx, key.BeatmapMD5)
	if err != nil && !domain.IsNotFoundError(err) {
		return nil, fmt.Errorf("getting ranked status: %w", err)
	}
	if err == nil {
		st.status = status
	}
	st.order = domain.OrderByPP
	if domain.UsesScoreOrder(key.Variant, st.status) {
		st.order = domain.OrderByScore
	}

	record, err := e.store.GetFirstPlace(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("getting first place: %w", err)
	}
	st.record = record
	if record == nil {
		return st, nil
	}

	sc, err := e.store.GetScore(ctx, key.Variant, record.ScoreID)
	if err != nil && !domain.IsNotFoundError(err) {
		return nil, fmt.Errorf("getting first place score: %w", err)
	}
	holder, err := e.store.GetPlayer(ctx, record.PlayerID)
	if err != nil && !domain.IsNotFoundError(err) {
		return nil, fmt.Errorf("getting first place holder: %w", err)
	}
	if competes(sc, key) && sc.PlayerID == record.PlayerID && holder.RankingEligible() {
		st.incumbent = sc
	}
	return st, nil
}

// competes reports whether sc can hold the first place of key
func competes(sc *domain.ScoreRecord, key domain.FirstPlaceKey) bool {
	return sc != nil && domain.KeyOf(sc) == key &&
		sc.Completed == domain.CompletedBest && sc.Score > 0
}

// write stores sc as the holder of the key, or deletes the record when sc is nil
func (e *Engine) write(ctx context.Context, st *ledgerState, sc *domain.ScoreRecord, outcome domain.FirstPlaceOutcome) (domain.FirstPlaceChange, error) {
	change := domain.FirstPlaceChange{Key: st.key, Outcome: outcome}
	if st.record != nil {
		change.PreviousHolder = st.record.PlayerID
	}

	if sc == nil {
		if st.record == nil {
			change.Outcome = domain.OutcomeUnchanged
			return change, nil
		}
		if err := e.store.DeleteFirstPlace(ctx, st.key); err != nil {
			return change, fmt.Errorf("deleting first place: %w", err)
		}
		change.Outcome = domain.OutcomeDeleted
		return change, nil
	}

	change.Holder = sc.PlayerID
	change.ScoreID = sc.ID
	if st.record != nil && st.record.ScoreID == sc.ID && st.record.PlayerID == sc.PlayerID {
		change.Outcome = domain.OutcomeUnchanged
		return change, nil
	}
	fp := domain.FirstPlace{FirstPlaceKey: st.key, ScoreID: sc.ID, PlayerID: sc.PlayerID}
	if err := e.store.PutFirstPlace(ctx, fp); err != nil {
		return change, fmt.Errorf("putting first place: %w", err)
	}
	return change, nil
}

// settle searches the best eligible score of the key, skipping exclude, and
// makes it the holder. With keepTies an incumbent of equal value stays.
//
// The new holder is checked again after the write. A ban saves its state
// before listing held records, so a holder banned between the search and the
// write is caught here or by that ban's own sweep.
func (e *Engine) settle(ctx context.Context, st *ledgerState, exclude int64, keepTies bool) (domain.FirstPlaceChange, error) {
	change, err := e.settleOnce(ctx, st, exclude, keepTies)
	if err != nil || change.Holder == 0 || !change.Changed() {
		return change, err
	}

	holder, err := e.store.GetPlayer(ctx, change.Holder)
	if err != nil && !domain.IsNotFoundError(err) {
		return change, fmt.Errorf("confirming first place holder: %w", err)
	}
	if err == nil && holder.RankingEligible() {
		return change, nil
	}

	e.logger.Warn("first place holder became ineligible during settle", "key", st.key.String(), "holder", change.Holder)
	fresh, err := e.load(ctx, st.key)
	if err != nil {
		return change, err
	}
	again, err := e.settleOnce(ctx, fresh, exclude, false)
	if err != nil {
		return change, err
	}
	again.PreviousHolder = change.PreviousHolder
	if again.Outcome == domain.OutcomeUnchanged {
		again.Outcome = change.Outcome
	}
	return again, nil
}

func (e *Engine) settleOnce(ctx context.Context, st *ledgerState, exclude int64, keepTies bool) (domain.FirstPlaceChange, error) {
	if !st.status.RankingEligible() {
		return e.write(ctx, st, nil, domain.OutcomeDeleted)
	}

	best, err := e.store.BestHolder(ctx, domain.HolderQuery{Key: st.key, Order: st.order, ExcludePlayerID: exclude})
	if err != nil {
		return domain.FirstPlaceChange{Key: st.key}, fmt.Errorf("searching best holder: %w", err)
	}
	if best == nil {
		return e.write(ctx, st, nil, domain.OutcomeDeleted)
	}
	if keepTies && st.incumbent != nil && st.value(best) <= st.value(st.incumbent) {
		return e.write(ctx, st, st.incumbent, domain.OutcomeRefreshed)
	}

	switch {
	case st.record == nil:
		return e.write(ctx, st, best, domain.OutcomeCreated)
	case st.record.PlayerID == best.PlayerID:
		return e.write(ctx, st, best, domain.OutcomeRefreshed)
	default:
		return e.write(ctx, st, best, domain.OutcomeTransferred)
	}
}

// ReevaluateFirstPlace runs the ledger state machine for one key. A non-nil
// candidate is a new best score competing for the key; nil re-evaluates the
// key from scratch. Candidates from ineligible players are ignored.
//
// The candidate's player lock is held across the eligibility check and the
// write, so a concurrent ban either sees the new record in its sweep or
// lands before the check. It must not be called with that lock already held.
func (e *Engine) ReevaluateFirstPlace(ctx context.Context, key domain.FirstPlaceKey, candidate *domain.ScoreRecord) (domain.FirstPlaceChange, error) {
	if !key.Mode.Valid() || !key.Variant.Valid() || key.BeatmapMD5 == "" {
		return domain.FirstPlaceChange{Key: key}, fmt.Errorf("%w: first place key %s", domain.ErrInvalidRequest, key)
	}
	if candidate != nil && domain.KeyOf(candidate) != key {
		return domain.FirstPlaceChange{Key: key}, fmt.Errorf("%w: score %d does not compete for %s", domain.ErrInvalidRequest, candidate.ID, key)
	}

	if candidate != nil {
		unlockPlayer := e.players.Lock(candidate.PlayerID)
		defer unlockPlayer()
	}
	unlock := e.ledger.Lock(key)
	defer unlock()

	st, err := e.load(ctx, key)
	if err != nil {
		return domain.FirstPlaceChange{Key: key}, err
	}

	if candidate != nil {
		ok, err := e.eligibleCandidate(ctx, candidate)
		if err != nil {
			return domain.FirstPlaceChange{Key: key}, err
		}
		if !ok {
			candidate = nil
		}
	}

	change, err := e.evaluate(ctx, st, candidate)
	if err != nil {
		return change, err
	}
	e.publishChange(change)
	if change.Changed() {
		e.logger.Info("first place updated",
			"beatmap_md5", key.BeatmapMD5,
			"mode", key.Mode.String(),
			"variant", key.Variant.String(),
			"outcome", string(change.Outcome),
			"holder", change.Holder,
			"previous_holder", change.PreviousHolder,
		)
	}
	return change, nil
}

func (e *Engine) eligibleCandidate(ctx context.Context, sc *domain.ScoreRecord) (bool, error) {
	if sc.Completed != domain.CompletedBest || sc.Score <= 0 {
		return false, nil
	}
	player, err := e.store.GetPlayer(ctx, sc.PlayerID)
	if err != nil {
		if domain.IsNotFoundError(err) {
			return false, nil
		}
		return false, fmt.Errorf("getting candidate player: %w", err)
	}
	return player.RankingEligible(), nil
}

func (e *Engine) evaluate(ctx context.Context, st *ledgerState, candidate *domain.ScoreRecord) (domain.FirstPlaceChange, error) {
	unchanged := domain.FirstPlaceChange{Key: st.key, Outcome: domain.OutcomeUnchanged}

	if !st.status.RankingEligible() {
		return e.write(ctx, st, nil, domain.OutcomeDeleted)
	}

	// No candidate or a stale record: search the key from scratch
	if candidate == nil || (st.record != nil && st.incumbent == nil && st.record.PlayerID != candidate.PlayerID) {
		return e.settle(ctx, st, 0, true)
	}

	if st.record == nil {
		best, err := e.store.BestHolder(ctx, domain.HolderQuery{Key: st.key, Order: st.order})
		if err != nil {
			return unchanged, fmt.Errorf("searching best holder: %w", err)
		}
		if best == nil || best.ID == candidate.ID || st.outranks(candidate, best) {
			return e.write(ctx, st, candidate, domain.OutcomeCreated)
		}
		return e.write(ctx, st, best, domain.OutcomeCreated)
	}

	if st.record.PlayerID == candidate.PlayerID {
		// The holder improved or resubmitted. Their new best may still lose
		// to another player's best, in which case the record moves on.
		rival, err := e.store.BestHolder(ctx, domain.HolderQuery{Key: st.key, Order: st.order, ExcludePlayerID: candidate.PlayerID})
		if err != nil {
			return unchanged, fmt.Errorf("searching best holder: %w", err)
		}
		if rival != nil && st.value(rival) > st.value(candidate) {
			return e.write(ctx, st, rival, domain.OutcomeTransferred)
		}
		return e.write(ctx, st, candidate, domain.OutcomeRefreshed)
	}

	if st.value(candidate) > st.value(st.incumbent) {
		return e.write(ctx, st, candidate, domain.OutcomePromoted)
	}
	return unchanged, nil
}

// RemoveFirstPlaces demotes every first place a player holds that matches
// filter: each record moves to the next-best eligible score or is deleted.
// Each key is settled on its own, so an interrupted sweep can be rerun.
func (e *Engine) RemoveFirstPlaces(ctx context.Context, playerID int64, filter domain.FirstPlaceFilter) ([]domain.FirstPlaceChange, error) {
	held, err := e.store.FirstPlacesHeldBy(ctx, playerID)
	if err != nil {
		return nil, fmt.Errorf("listing held first places: %w", err)
	}

	var changes []domain.FirstPlaceChange
	for _, fp := range held {
		if !filter.Matches(fp.FirstPlaceKey) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return changes, err
		}

		change, err := e.demote(ctx, fp.FirstPlaceKey, playerID)
		if err != nil {
			return changes, err
		}
		if change.Changed() {
			changes = append(changes, change)
		}
	}

	e.logger.Info("first places removed", "player_id", playerID, "held", len(held), "changed", len(changes))
	return changes, nil
}

func (e *Engine) demote(ctx context.Context, key domain.FirstPlaceKey, playerID int64) (domain.FirstPlaceChange, error) {
	unlock := e.ledger.Lock(key)
	defer unlock()

	st, err := e.load(ctx, key)
	if err != nil {
		return domain.FirstPlaceChange{Key: key}, err
	}
	// Another writer may have moved the record since it was listed
	if st.record == nil || st.record.PlayerID != playerID {
		return domain.FirstPlaceChange{Key: key, Outcome: domain.OutcomeUnchanged}, nil
	}

	change, err := e.settle(ctx, st, playerID, false)
	if err != nil {
		return change, err
	}
	e.publishChange(change)
	return change, nil
}

// RebuildFirstPlaces re-asserts a player's first places from their best
// scores in both table families. It is the explicit follow-up to a reinstatement.
func (e *Engine) RebuildFirstPlaces(ctx context.Context, playerID int64) ([]domain.FirstPlaceChange, error) {
	player, err := e.store.GetPlayer(ctx, playerID)
	if err != nil {
		if domain.IsNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting player: %w", err)
	}
	if !player.RankingEligible() {
		e.logger.Info("skipping first place rebuild of ineligible player", "player_id", playerID)
		return nil, nil
	}

	var changes []domain.FirstPlaceChange
	for _, variant := range domain.Variants {
		scores, err := e.store.PlayerBestScores(ctx, playerID, variant)
		if err != nil {
			return changes, fmt.Errorf("getting %s best scores: %w", variant, err)
		}
		for i := range scores {
			if err := ctx.Err(); err != nil {
				return changes, err
			}
			sc := &scores[i]
			change, err := e.ReevaluateFirstPlace(ctx, domain.KeyOf(sc), sc)
			if err != nil {
				return changes, err
			}
			if change.Changed() {
				changes = append(changes, change)
			}
		}
	}

	e.logger.Info("first places rebuilt", "player_id", playerID, "changed", len(changes))
	return changes, nil
}

// ReevaluateBeatmap re-evaluates every key of a beatmap, typically after its
// ranking status changed. Records of beatmaps that are no longer ranked are
// deleted; a ranked beatmap has every key searched so new holders are created.
func (e *Engine) ReevaluateBeatmap(ctx context.Context, beatmapMD5 string) ([]domain.FirstPlaceChange, error) {
	if beatmapMD5 == "" {
		return nil, fmt.Errorf("%w: empty beatmap md5", domain.ErrInvalidRequest)
	}

	keys, err := e.beatmapKeys(ctx, beatmapMD5)
	if err != nil {
		return nil, err
	}

	var changes []domain.FirstPlaceChange
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return changes, err
		}
		change, err := e.ReevaluateFirstPlace(ctx, key, nil)
		if err != nil {
			return changes, err
		}
		if change.Changed() {
			changes = append(changes, change)
		}
	}
	e.logger.Info("beatmap reevaluated", "beatmap_md5", beatmapMD5, "keys", len(keys), "changed", len(changes))
	return changes, nil
}

// beatmapKeys lists the keys worth evaluating: all tracked keys of a ranked
// beatmap, only the recorded ones otherwise.
func (e *Engine) beatmapKeys(ctx context.Context, beatmapMD5 string) ([]domain.FirstPlaceKey, error) {
	status, err := e.store.RankedStatus(ctx, beatmapMD5)
	if err != nil && !domain.IsNotFoundError(err) {
		return nil, fmt.Errorf("getting ranked status: %w", err)
	}

	var keys []domain.FirstPlaceKey
	if err == nil && status.RankingEligible() {
		for _, variant := range domain.Variants {
			for _, mode := range domain.Modes {
				keys = append(keys, domain.FirstPlaceKey{BeatmapMD5: beatmapMD5, Mode: mode, Variant: variant})
			}
		}
		return keys, nil
	}

	records, err := e.store.FirstPlacesForBeatmap(ctx, beatmapMD5)
	if err != nil {
		return nil, fmt.Errorf("listing beatmap first places: %w", err)
	}
	for _, fp := range records {
		keys = append(keys, fp.FirstPlaceKey)
	}
	return keys, nil
}

// FirstPlace returns the ledger entry of a key, or nil when it has none. A
// record whose score is gone, whose holder is ineligible or whose beatmap is
// no longer ranked is healed before anything is returned.
func (e *Engine) FirstPlace(ctx context.Context, key domain.FirstPlaceKey) (*domain.FirstPlace, error) {
	st, err := e.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if st.record == nil || (st.incumbent != nil && st.status.RankingEligible()) {
		return st.record, nil
	}

	if _, err := e.ReevaluateFirstPlace(ctx, key, nil); err != nil {
		return nil, fmt.Errorf("healing first place: %w", err)
	}
	fp, err := e.store.GetFirstPlace(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("getting first place: %w", err)
	}
	return fp, nil
}
