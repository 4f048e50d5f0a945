package service

import (
	"context"
	"fmt"

	"github.com/leaderboard-stats/internal/domain"
)

// ModerationResult reports what ApplyModeration did
type ModerationResult struct {
	PlayerID int64                  `json:"player_id"`
	Status   string                 `json:"status"`
	State    domain.ModerationState `json:"state"`
	// Effects is empty when the action did not change the player
	Effects []domain.Effect           `json:"effects"`
	Demoted []domain.FirstPlaceChange `json:"demoted,omitempty"`
}

// ApplyModeration applies a moderation action to a player and executes its
// effects in order: state first, then the ledger sweep, the ranking cache and
// finally the session notices. A missing player is a no-op and returns nil.
//
// Actions are idempotent, so retrying after a store failure is safe. A retry
// of an action whose state was already persisted changes no state but still
// finishes the cleanup an interrupted sweep left behind.
func (e *Engine) ApplyModeration(ctx context.Context, playerID int64, action domain.Action) (*ModerationResult, error) {
	if action.Kind == domain.ActionFreeze && action.Duration == 0 {
		action.Duration = e.config.Moderation.FreezeDuration
	}

	unlock := e.players.Lock(playerID)
	defer unlock()

	player, err := e.store.GetPlayer(ctx, playerID)
	if err != nil {
		if domain.IsNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting player: %w", err)
	}

	now := e.clock.Now()
	next, effects, err := domain.Transition(player.Moderation, action, now)
	if err != nil {
		return nil, err
	}

	result := &ModerationResult{
		PlayerID: playerID,
		Status:   next.Status(),
		State:    next,
		Effects:  effects,
	}
	if len(effects) == 0 {
		e.logger.Debug("moderation action changed nothing", "player_id", playerID, "action", string(action.Kind))
		if !player.RankingEligible() {
			if err := e.clearIneligibleLocked(ctx, player, result); err != nil {
				return result, err
			}
		}
		return result, nil
	}

	if err := e.store.SaveModeration(ctx, playerID, next, action.Note(now)); err != nil {
		return nil, fmt.Errorf("saving moderation state: %w", err)
	}
	player.Moderation = next
	e.metrics.IncModerationActions(string(action.Kind))

	for _, effect := range effects {
		switch effect.Kind {
		case domain.EffectRemoveFirstPlaces:
			demoted, err := e.RemoveFirstPlaces(ctx, playerID, domain.FirstPlaceFilter{})
			result.Demoted = demoted
			if err != nil {
				return result, fmt.Errorf("removing first places: %w", err)
			}
		case domain.EffectRemoveRankings:
			if err := e.removeRankingsLocked(ctx, player); err != nil {
				return result, err
			}
		case domain.EffectRestoreRankings:
			if err := e.restoreLocked(ctx, player); err != nil {
				return result, err
			}
		case domain.EffectInvalidateSession:
			if err := e.session.Invalidate(ctx, playerID); err != nil {
				e.logger.Warn("failed to invalidate sessions", "player_id", playerID, "error", err)
			}
		case domain.EffectNotify:
			if err := e.session.Notify(ctx, playerID, effect.Notice); err != nil {
				e.logger.Warn("failed to publish session notice", "player_id", playerID, "notice", string(effect.Notice), "error", err)
			}
		}
	}

	// A ban of an already restricted player carries no sweep of its own
	if !next.Privileges.RankingEligible() && !domain.HasEffect(effects, domain.EffectRemoveFirstPlaces) {
		if err := e.clearIneligibleLocked(ctx, player, result); err != nil {
			return result, err
		}
	}

	e.logger.Info("moderation action applied",
		"player_id", playerID,
		"action", string(action.Kind),
		"status", result.Status,
		"demoted", len(result.Demoted),
	)

	if e.hub != nil {
		e.hub.BroadcastModeration(domain.ModerationEvent{
			PlayerID:   playerID,
			Action:     action.Kind,
			Status:     result.Status,
			Effects:    effects,
			Demoted:    len(result.Demoted),
			OccurredAt: now,
		})
	}
	return result, nil
}

// clearIneligibleLocked removes what an interrupted sweep may have left for an
// ineligible player: cache entries and first places still naming them.
// Listing the held records first keeps a clean retry from sweeping again.
func (e *Engine) clearIneligibleLocked(ctx context.Context, player *domain.Player, result *ModerationResult) error {
	if err := e.removeRankingsLocked(ctx, player); err != nil {
		return err
	}
	held, err := e.store.FirstPlacesHeldBy(ctx, player.ID)
	if err != nil {
		return fmt.Errorf("listing held first places: %w", err)
	}
	if len(held) == 0 {
		return nil
	}

	e.logger.Warn("clearing first places left by an interrupted sweep", "player_id", player.ID, "held", len(held))
	demoted, err := e.RemoveFirstPlaces(ctx, player.ID, domain.FirstPlaceFilter{})
	result.Demoted = append(result.Demoted, demoted...)
	if err != nil {
		return fmt.Errorf("removing first places: %w", err)
	}
	return nil
}
