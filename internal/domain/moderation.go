package domain

import (
	"fmt"
	"strings"
	"time"
)

// Privileges is the bitmask of independent account capabilities
type Privileges uint32

const (
	PrivUserPublic Privileges = 1 << iota
	PrivUserNormal
	PrivUserDonor
	PrivAdminAccessRAP
	PrivAdminManageUsers
	PrivAdminBanUsers
	PrivAdminSilenceUsers
	PrivAdminWipeUsers
	PrivAdminManageBeatmaps
	PrivAdminManageServers
	PrivAdminManageSettings
	PrivAdminManageBetaKeys
	PrivAdminManageReports
	PrivAdminManageDocs
	PrivAdminManageBadges
	PrivAdminViewRAPLogs
	PrivAdminManagePrivileges
	PrivAdminSendAlerts
	PrivAdminChatMod
	PrivAdminKickUsers
	PrivUserPendingVerification
	PrivUserTournamentStaff
	PrivAdminCaker
	PrivUserPremium
)

// rankingBits must both be set for a player to be ranked
const rankingBits = PrivUserPublic | PrivUserNormal

// Has reports whether every bit of flag is set
func (p Privileges) Has(flag Privileges) bool {
	return p&flag == flag
}

// RankingEligible reports whether both the visibility and access bits are set
func (p Privileges) RankingEligible() bool {
	return p.Has(rankingBits)
}

// Restricted is a public-less account that can still log in
func (p Privileges) Restricted() bool {
	return !p.Has(PrivUserPublic) && p.Has(PrivUserNormal)
}

// Banned has neither a public profile nor account access
func (p Privileges) Banned() bool {
	return p&rankingBits == 0
}

// Locked keeps a public profile without account access
func (p Privileges) Locked() bool {
	return p.Has(PrivUserPublic) && !p.Has(PrivUserNormal)
}

// ModerationState is a player's privilege mask plus its time-boxed sub-states
type ModerationState struct {
	Privileges    Privileges `json:"privileges"`
	BannedAt      time.Time  `json:"banned_at,omitempty"`
	FrozenUntil   time.Time  `json:"frozen_until,omitempty"`
	FreezeReason  string     `json:"freeze_reason,omitempty"`
	SilenceEnd    time.Time  `json:"silence_end,omitempty"`
	SilenceReason string     `json:"silence_reason,omitempty"`
}

// Frozen reports whether a pending restriction is still running at now
func (s ModerationState) Frozen(now time.Time) bool {
	return !s.FrozenUntil.IsZero() && now.Before(s.FrozenUntil)
}

// Silenced reports whether chat is gated at now
func (s ModerationState) Silenced(now time.Time) bool {
	return !s.SilenceEnd.IsZero() && now.Before(s.SilenceEnd)
}

// Status names the visibility/access state
func (s ModerationState) Status() string {
	switch p := s.Privileges; {
	case p.RankingEligible():
		return "public"
	case p.Restricted():
		return "restricted"
	case p.Locked():
		return "locked"
	default:
		return "banned"
	}
}

// ActionKind is a moderation command
type ActionKind string

const (
	ActionBan        ActionKind = "ban"
	ActionUnban      ActionKind = "unban"
	ActionRestrict   ActionKind = "restrict"
	ActionUnrestrict ActionKind = "unrestrict"
	ActionFreeze     ActionKind = "freeze"
	ActionUnfreeze   ActionKind = "unfreeze"
	ActionSilence    ActionKind = "silence"
)

var actionVerbs = map[ActionKind]string{
	ActionBan:        "banned",
	ActionUnban:      "unbanned",
	ActionRestrict:   "restricted",
	ActionUnrestrict: "unrestricted",
	ActionFreeze:     "froze",
	ActionUnfreeze:   "unfroze",
	ActionSilence:    "silenced",
}

// ParseActionKind validates a moderation command name
func ParseActionKind(s string) (ActionKind, error) {
	kind := ActionKind(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := actionVerbs[kind]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
	}
	return kind, nil
}

// DefaultFreezeDuration is how long a pending restriction runs before review
const DefaultFreezeDuration = 7 * 24 * time.Hour

// Action is one moderation command against a player
type Action struct {
	Kind ActionKind `json:"action"`
	// Duration is the silence length, or the freeze length when set
	Duration time.Duration `json:"duration,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	AuthorID int64         `json:"author_id,omitempty"`
}

// Note returns the audit line appended to the player's notes
func (a Action) Note(now time.Time) string {
	note := fmt.Sprintf("[%s] %d %s this user.", now.UTC().Format("2006-01-02 15:04:05"), a.AuthorID, actionVerbs[a.Kind])
	if a.Kind == ActionSilence && a.Duration == 0 {
		note = fmt.Sprintf("[%s] %d removed this user's silence.", now.UTC().Format("2006-01-02 15:04:05"), a.AuthorID)
	}
	if a.Reason != "" {
		note += " Reason: " + a.Reason
	}
	return note
}

// EffectKind is a side effect a transition asks its caller to perform
type EffectKind string

const (
	// EffectRemoveFirstPlaces runs the demotion sweep over every record the player holds
	EffectRemoveFirstPlaces EffectKind = "remove_first_places"
	// EffectRemoveRankings removes the player from every ranking cache board
	EffectRemoveRankings EffectKind = "remove_rankings"
	// EffectRestoreRankings projects stored aggregates back into the ranking cache
	EffectRestoreRankings EffectKind = "restore_rankings"
	// EffectInvalidateSession drops the player's live sessions
	EffectInvalidateSession EffectKind = "invalidate_session"
	// EffectNotify publishes a fire-and-forget notice to the session layer
	EffectNotify EffectKind = "notify"
)

// Notice names the event carried by a session notice
type Notice string

const (
	NoticeBan      Notice = "ban"
	NoticeUnban    Notice = "unban"
	NoticeFreeze   Notice = "freeze"
	NoticeUnfreeze Notice = "unfreeze"
	NoticeSilence  Notice = "silence"
)

// Effect is one command produced by a transition
type Effect struct {
	Kind   EffectKind `json:"kind"`
	Notice Notice     `json:"notice,omitempty"`
}

// Transition applies action to state at now. It is pure: the returned effects
// are the side effects the caller must execute after persisting the new state.
// A transition that changes nothing returns no effects.
func Transition(state ModerationState, action Action, now time.Time) (ModerationState, []Effect, error) {
	next := state
	wasEligible := state.Privileges.RankingEligible()
	var effects []Effect

	removal := func() {
		if wasEligible {
			effects = append(effects,
				Effect{Kind: EffectRemoveFirstPlaces},
				Effect{Kind: EffectRemoveRankings},
			)
		}
	}

	switch action.Kind {
	case ActionBan:
		if state.Privileges.Banned() {
			return state, nil, nil
		}
		next.Privileges &^= rankingBits
		next.BannedAt = now
		removal()
		effects = append(effects, Effect{Kind: EffectInvalidateSession, Notice: NoticeBan})

	case ActionRestrict:
		if state.Privileges.Restricted() {
			return state, nil, nil
		}
		next.Privileges &^= PrivUserPublic
		next.BannedAt = now
		removal()
		effects = append(effects, Effect{Kind: EffectInvalidateSession, Notice: NoticeBan})

	case ActionUnban, ActionUnrestrict:
		if wasEligible && state.BannedAt.IsZero() {
			return state, nil, nil
		}
		next.Privileges |= rankingBits
		next.BannedAt = time.Time{}
		effects = append(effects,
			Effect{Kind: EffectRestoreRankings},
			Effect{Kind: EffectNotify, Notice: NoticeUnban},
		)

	case ActionFreeze:
		d := action.Duration
		if d < 0 {
			return state, nil, fmt.Errorf("%w: negative freeze duration", ErrInvalidAction)
		}
		if d == 0 {
			d = DefaultFreezeDuration
		}
		next.FrozenUntil = now.Add(d)
		next.FreezeReason = action.Reason
		effects = append(effects, Effect{Kind: EffectNotify, Notice: NoticeFreeze})

	case ActionUnfreeze:
		if state.FrozenUntil.IsZero() && state.FreezeReason == "" {
			return state, nil, nil
		}
		next.FrozenUntil = time.Time{}
		next.FreezeReason = ""
		effects = append(effects, Effect{Kind: EffectNotify, Notice: NoticeUnfreeze})

	case ActionSilence:
		if action.Duration < 0 {
			return state, nil, fmt.Errorf("%w: negative silence duration", ErrInvalidAction)
		}
		if action.Duration == 0 {
			next.SilenceEnd = time.Time{}
			next.SilenceReason = ""
		} else {
			next.SilenceEnd = now.Add(action.Duration)
			next.SilenceReason = action.Reason
		}
		effects = append(effects, Effect{Kind: EffectNotify, Notice: NoticeSilence})

	default:
		return state, nil, fmt.Errorf("%w: %q", ErrInvalidAction, action.Kind)
	}

	return next, effects, nil
}

// HasEffect reports whether effects contains kind
func HasEffect(effects []Effect, kind EffectKind) bool {
	for _, e := range effects {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

// ModerationEvent reports an applied moderation action to live subscribers
type ModerationEvent struct {
	PlayerID   int64      `json:"player_id"`
	Action     ActionKind `json:"action"`
	Status     string     `json:"status"`
	Effects    []Effect   `json:"effects,omitempty"`
	Demoted    int        `json:"demoted,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}
