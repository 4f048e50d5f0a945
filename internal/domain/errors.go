package domain

import "errors"

// Domain errors
var (
	ErrPlayerNotFound   = errors.New("player not found")
	ErrBeatmapNotFound  = errors.New("beatmap not found")
	ErrScoreNotFound    = errors.New("score not found")
	ErrNoFirstPlace     = errors.New("no first place recorded")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrInvalidAction    = errors.New("invalid moderation action")
	ErrInvalidMode      = errors.New("invalid game mode")
	ErrInvalidVariant   = errors.New("invalid ranking variant")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrUnsupportedPlay  = errors.New("play is not tracked for this mode and variant")
	ErrInternalError    = errors.New("internal server error")
)

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrPlayerNotFound) ||
		errors.Is(err, ErrBeatmapNotFound) ||
		errors.Is(err, ErrScoreNotFound) ||
		errors.Is(err, ErrNoFirstPlace)
}

// IsRetryable reports whether the caller may retry the operation that produced err.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
