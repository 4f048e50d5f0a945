package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/leaderboard-stats/internal/domain"
	"github.com/leaderboard-stats/internal/storage"
	"github.com/redis/go-redis/v9"
)

// replaceChunk bounds the members sent per ZADD while rebuilding a board
const replaceChunk = 1000

// RankingCache keeps one sorted set of pp per board, mode and country
type RankingCache struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

var _ storage.RankingCache = (*RankingCache)(nil)

// NewRankingCache creates a ranking cache on client. Keys look like
// "<prefix>:leaderboard:std" and "<prefix>:relaxboard:taiko:jp".
func NewRankingCache(client *redis.Client, prefix string, logger *slog.Logger) *RankingCache {
	return &RankingCache{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

// countryCode normalizes a country for use in a key. Unknown countries have no board.
func countryCode(country string) string {
	c := strings.ToLower(strings.TrimSpace(country))
	if c == "xx" {
		return ""
	}
	return c
}

// boardKey returns the global key, or the country key when country is known
func (c *RankingCache) boardKey(variant domain.Variant, mode domain.Mode, country string) string {
	key := fmt.Sprintf("%s:%s:%s", c.prefix, variant.Board(), mode)
	if cc := countryCode(country); cc != "" {
		key += ":" + cc
	}
	return key
}

// keys returns the global key and, when the country is known, its country key
func (c *RankingCache) keys(variant domain.Variant, mode domain.Mode, country string) []string {
	keys := []string{c.boardKey(variant, mode, "")}
	if countryCode(country) != "" {
		keys = append(keys, c.boardKey(variant, mode, country))
	}
	return keys
}

func member(playerID int64) string {
	return strconv.FormatInt(playerID, 10)
}

// Upsert sets a player's pp on the global and country boards
func (c *RankingCache) Upsert(ctx context.Context, variant domain.Variant, mode domain.Mode, playerID int64, country string, value float64) error {
	pipe := c.client.Pipeline()
	for _, key := range c.keys(variant, mode, country) {
		pipe.ZAdd(ctx, key, redis.Z{Score: value, Member: member(playerID)})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("setting ranking", err)
	}
	return nil
}

// Remove drops a player from the global and country boards
func (c *RankingCache) Remove(ctx context.Context, variant domain.Variant, mode domain.Mode, playerID int64, country string) error {
	pipe := c.client.Pipeline()
	for _, key := range c.keys(variant, mode, country) {
		pipe.ZRem(ctx, key, member(playerID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("removing ranking", err)
	}
	return nil
}

// noBoard reports a country was asked for that has no board of its own
func noBoard(country string) bool {
	return country != "" && countryCode(country) == ""
}

// Rank returns the 1-based position of a player, or 0 when absent. An empty
// country selects the global board; an unknown one ranks nobody.
func (c *RankingCache) Rank(ctx context.Context, variant domain.Variant, mode domain.Mode, playerID int64, country string) (int64, error) {
	if noBoard(country) {
		return 0, nil
	}
	key := c.boardKey(variant, mode, country)
	rank, err := c.client.ZRevRank(ctx, key, member(playerID)).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, unavailable("getting rank", err)
	}
	return rank + 1, nil
}

// Top returns the first n entries of a board. An empty country selects the
// global board; an unknown one has no entries.
func (c *RankingCache) Top(ctx context.Context, variant domain.Variant, mode domain.Mode, country string, n int) ([]domain.RankingEntry, error) {
	if noBoard(country) {
		return []domain.RankingEntry{}, nil
	}
	key := c.boardKey(variant, mode, country)
	results, err := c.client.ZRevRangeWithScores(ctx, key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, unavailable("getting top rankings", err)
	}

	entries := make([]domain.RankingEntry, 0, len(results))
	for i, result := range results {
		id, err := strconv.ParseInt(fmt.Sprint(result.Member), 10, 64)
		if err != nil {
			c.logger.Warn("skipping malformed ranking member", "key", key, "member", result.Member)
			continue
		}
		entries = append(entries, domain.RankingEntry{
			Rank:     int64(i + 1),
			PlayerID: id,
			Country:  countryCode(country),
			Value:    result.Score,
		})
	}
	return entries, nil
}

// Count returns the number of players on a board
func (c *RankingCache) Count(ctx context.Context, variant domain.Variant, mode domain.Mode, country string) (int64, error) {
	if noBoard(country) {
		return 0, nil
	}
	count, err := c.client.ZCard(ctx, c.boardKey(variant, mode, country)).Result()
	if err != nil {
		return 0, unavailable("getting board size", err)
	}
	return count, nil
}

// ReplaceBoard rebuilds the global and country boards of a variant and mode
// from entries. Each set is built under a temporary key and renamed into
// place; country boards missing from entries are deleted.
func (c *RankingCache) ReplaceBoard(ctx context.Context, variant domain.Variant, mode domain.Mode, entries []domain.RankingEntry) error {
	sets := map[string][]redis.Z{c.boardKey(variant, mode, ""): nil}
	for _, e := range entries {
		z := redis.Z{Score: e.Value, Member: member(e.PlayerID)}
		for _, key := range c.keys(variant, mode, e.Country) {
			sets[key] = append(sets[key], z)
		}
	}

	stale, err := c.countryBoards(ctx, variant, mode)
	if err != nil {
		return err
	}

	for key, members := range sets {
		if err := c.swap(ctx, key, members); err != nil {
			return err
		}
		delete(stale, key)
	}
	for key := range stale {
		if err := c.client.Del(ctx, key).Err(); err != nil {
			return unavailable("deleting stale board", err)
		}
	}

	c.logger.Debug("ranking board replaced",
		"board", variant.Board(),
		"mode", mode.String(),
		"players", len(entries),
		"boards", len(sets),
	)
	return nil
}

// swap replaces key with members
func (c *RankingCache) swap(ctx context.Context, key string, members []redis.Z) error {
	if len(members) == 0 {
		if err := c.client.Del(ctx, key).Err(); err != nil {
			return unavailable("clearing board", err)
		}
		return nil
	}

	tmp := key + ":rebuild"
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, tmp)
	for start := 0; start < len(members); start += replaceChunk {
		end := min(start+replaceChunk, len(members))
		pipe.ZAdd(ctx, tmp, members[start:end]...)
	}
	pipe.Rename(ctx, tmp, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("replacing board", err)
	}
	return nil
}

// countryBoards lists the existing country keys of a variant and mode
func (c *RankingCache) countryBoards(ctx context.Context, variant domain.Variant, mode domain.Mode) (map[string]struct{}, error) {
	pattern := c.boardKey(variant, mode, "") + ":*"
	found := make(map[string]struct{})
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasSuffix(key, ":rebuild") {
			continue
		}
		found[key] = struct{}{}
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable("listing country boards", err)
	}
	return found, nil
}
