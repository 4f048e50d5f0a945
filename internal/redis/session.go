package redis

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/leaderboard-stats/internal/domain"
	"github.com/leaderboard-stats/internal/storage"
	"github.com/redis/go-redis/v9"
)

// SessionPublisher delivers moderation notices to the session layer over
// Redis pub/sub. Every channel carries the bare player id as payload.
type SessionPublisher struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

var _ storage.SessionLayer = (*SessionPublisher)(nil)

// NewSessionPublisher creates a publisher for channels named "<prefix>:<notice>"
func NewSessionPublisher(client *redis.Client, prefix string, logger *slog.Logger) *SessionPublisher {
	return &SessionPublisher{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

// Channel returns the channel a notice is published on
func (p *SessionPublisher) Channel(notice domain.Notice) string {
	return p.prefix + ":" + string(notice)
}

// Invalidate asks the session layer to drop every session of the player
func (p *SessionPublisher) Invalidate(ctx context.Context, playerID int64) error {
	return p.Notify(ctx, playerID, domain.NoticeBan)
}

// Notify publishes a notice about the player
func (p *SessionPublisher) Notify(ctx context.Context, playerID int64, notice domain.Notice) error {
	channel := p.Channel(notice)
	if err := p.client.Publish(ctx, channel, strconv.FormatInt(playerID, 10)).Err(); err != nil {
		return unavailable("publishing session notice", err)
	}
	p.logger.Debug("session notice published", "channel", channel, "player_id", playerID)
	return nil
}
