package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/leaderboard-stats/internal/config"
	"github.com/leaderboard-stats/internal/domain"
	"github.com/leaderboard-stats/internal/storage"
)

// Repository provides PostgreSQL-based data access
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ storage.Store = (*Repository)(nil)

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Pool returns the underlying connection pool
func (r *Repository) Pool() *pgxpool.Pool {
	return r.pool
}

// unavailable marks a driver failure as retryable
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
}

// scoreTable returns the table family of a variant
func scoreTable(v domain.Variant) string {
	if v == domain.VariantRelax {
		return "scores_relax"
	}
	return "scores"
}

func orderColumn(o domain.ScoreOrder) string {
	if o == domain.OrderByScore {
		return "s.score"
	}
	return "s.pp"
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGINT PRIMARY KEY,
			username VARCHAR(32) NOT NULL,
			country CHAR(2) NOT NULL DEFAULT 'XX',
			privileges INT NOT NULL DEFAULT 3,
			ban_datetime TIMESTAMPTZ,
			frozen TIMESTAMPTZ,
			freeze_reason TEXT NOT NULL DEFAULT '',
			silence_end TIMESTAMPTZ,
			silence_reason TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS beatmaps (
			beatmap_md5 VARCHAR(32) PRIMARY KEY,
			beatmap_id BIGINT NOT NULL DEFAULT 0,
			ranked SMALLINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS scores (
			id BIGSERIAL PRIMARY KEY,
			beatmap_md5 VARCHAR(32) NOT NULL,
			userid BIGINT NOT NULL,
			score BIGINT NOT NULL,
			accuracy DOUBLE PRECISION NOT NULL DEFAULT 0,
			pp DOUBLE PRECISION,
			max_combo INT NOT NULL DEFAULT 0,
			play_mode SMALLINT NOT NULL,
			completed SMALLINT NOT NULL,
			time TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS scores_relax (LIKE scores INCLUDING ALL)`,
		`CREATE TABLE IF NOT EXISTS user_stats (
			user_id BIGINT NOT NULL,
			mode SMALLINT NOT NULL,
			variant SMALLINT NOT NULL,
			total_score BIGINT NOT NULL DEFAULT 0,
			ranked_score BIGINT NOT NULL DEFAULT 0,
			avg_accuracy DOUBLE PRECISION NOT NULL DEFAULT 0,
			playcount BIGINT NOT NULL DEFAULT 0,
			level INT NOT NULL DEFAULT 1,
			pp BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, mode, variant)
		)`,
		`CREATE TABLE IF NOT EXISTS scores_first (
			beatmap_md5 VARCHAR(32) NOT NULL,
			mode SMALLINT NOT NULL,
			rx SMALLINT NOT NULL,
			scoreid BIGINT NOT NULL,
			userid BIGINT NOT NULL,
			PRIMARY KEY (beatmap_md5, mode, rx)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scores_user_best ON scores(userid, play_mode, completed)`,
		`CREATE INDEX IF NOT EXISTS idx_scores_beatmap_best ON scores(beatmap_md5, play_mode, completed)`,
		`CREATE INDEX IF NOT EXISTS idx_scores_relax_user_best ON scores_relax(userid, play_mode, completed)`,
		`CREATE INDEX IF NOT EXISTS idx_scores_relax_beatmap_best ON scores_relax(beatmap_md5, play_mode, completed)`,
		`CREATE INDEX IF NOT EXISTS idx_scores_first_user ON scores_first(userid)`,
		`CREATE INDEX IF NOT EXISTS idx_user_stats_rank ON user_stats(mode, variant, pp DESC)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

const scoreColumns = `s.id, s.userid, s.beatmap_md5, s.play_mode, s.score, s.accuracy, s.pp, s.max_combo, s.completed, s.time`

func scanScore(row pgx.Row, variant domain.Variant) (*domain.ScoreRecord, error) {
	var sc domain.ScoreRecord
	err := row.Scan(
		&sc.ID,
		&sc.PlayerID,
		&sc.BeatmapMD5,
		&sc.Mode,
		&sc.Score,
		&sc.Accuracy,
		&sc.PP,
		&sc.MaxCombo,
		&sc.Completed,
		&sc.PlayedAt,
	)
	if err != nil {
		return nil, err
	}
	sc.Variant = variant
	return &sc, nil
}

func (r *Repository) queryScores(ctx context.Context, op string, variant domain.Variant, query string, args ...any) ([]domain.ScoreRecord, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	var scores []domain.ScoreRecord
	for rows.Next() {
		sc, err := scanScore(rows, variant)
		if err != nil {
			return nil, unavailable("scanning score", err)
		}
		scores = append(scores, *sc)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return scores, nil
}

// BestScores returns a player's best scores ordered for the aggregate window
func (r *Repository) BestScores(ctx context.Context, q domain.ScoreQuery) ([]domain.ScoreRecord, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, `
		SELECT %s
		FROM %s s
		JOIN beatmaps b ON b.beatmap_md5 = s.beatmap_md5
		WHERE s.userid = $1 AND s.play_mode = $2 AND s.completed = $3 AND b.ranked >= $4`,
		scoreColumns, scoreTable(q.Variant))
	args := []any{q.PlayerID, int(q.Mode), int(domain.CompletedBest), int(domain.StatusRanked)}

	if q.PPOnly {
		sb.WriteString(` AND b.ranked != $5 AND s.pp IS NOT NULL`)
		args = append(args, int(domain.StatusLoved))
	}
	fmt.Fprintf(&sb, ` ORDER BY %s DESC NULLS LAST, s.id ASC`, orderColumn(q.Order))
	if q.Limit > 0 {
		fmt.Fprintf(&sb, ` LIMIT %d`, q.Limit)
	}

	return r.queryScores(ctx, "getting best scores", q.Variant, sb.String(), args...)
}

// BestHolder returns the best eligible score competing for a ledger key
func (r *Repository) BestHolder(ctx context.Context, q domain.HolderQuery) (*domain.ScoreRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s s
		JOIN users u ON u.id = s.userid
		WHERE s.beatmap_md5 = $1 AND s.play_mode = $2 AND s.completed = $3
			AND s.score > 0 AND u.privileges & $4 = $4 AND s.userid != $5
		ORDER BY %s DESC NULLS LAST, s.id ASC
		LIMIT 1
	`, scoreColumns, scoreTable(q.Key.Variant), orderColumn(q.Order))

	eligible := int(domain.PrivUserPublic | domain.PrivUserNormal)
	row := r.pool.QueryRow(ctx, query,
		q.Key.BeatmapMD5, int(q.Key.Mode), int(domain.CompletedBest), eligible, q.ExcludePlayerID)
	sc, err := scanScore(row, q.Key.Variant)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, unavailable("getting best holder", err)
	}
	return sc, nil
}

// GetScore retrieves a score by ID from a variant's table family
func (r *Repository) GetScore(ctx context.Context, variant domain.Variant, scoreID int64) (*domain.ScoreRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s s WHERE s.id = $1`, scoreColumns, scoreTable(variant))
	sc, err := scanScore(r.pool.QueryRow(ctx, query, scoreID), variant)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrScoreNotFound
		}
		return nil, unavailable("getting score", err)
	}
	return sc, nil
}

// PlayerBestScores lists a player's best scores on ranking-eligible beatmaps for every mode
func (r *Repository) PlayerBestScores(ctx context.Context, playerID int64, variant domain.Variant) ([]domain.ScoreRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s s
		JOIN beatmaps b ON b.beatmap_md5 = s.beatmap_md5
		WHERE s.userid = $1 AND s.completed = $2 AND s.score > 0 AND b.ranked >= $3
		ORDER BY s.id ASC
	`, scoreColumns, scoreTable(variant))
	return r.queryScores(ctx, "getting player best scores", variant, query,
		playerID, int(domain.CompletedBest), int(domain.StatusRanked))
}

// RankedStatus returns a beatmap's ranking status
func (r *Repository) RankedStatus(ctx context.Context, beatmapMD5 string) (domain.RankedStatus, error) {
	var status domain.RankedStatus
	err := r.pool.QueryRow(ctx, `SELECT ranked FROM beatmaps WHERE beatmap_md5 = $1`, beatmapMD5).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.StatusNotSubmitted, domain.ErrBeatmapNotFound
		}
		return domain.StatusNotSubmitted, unavailable("getting ranked status", err)
	}
	return status, nil
}

// GetPlayer retrieves a player and their moderation state
func (r *Repository) GetPlayer(ctx context.Context, playerID int64) (*domain.Player, error) {
	query := `
		SELECT id, username, country, privileges, ban_datetime, frozen, freeze_reason, silence_end, silence_reason
		FROM users
		WHERE id = $1
	`
	var (
		p                            domain.Player
		bannedAt, frozen, silenceEnd *time.Time
	)
	err := r.pool.QueryRow(ctx, query, playerID).Scan(
		&p.ID,
		&p.Username,
		&p.Country,
		&p.Moderation.Privileges,
		&bannedAt,
		&frozen,
		&p.Moderation.FreezeReason,
		&silenceEnd,
		&p.Moderation.SilenceReason,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPlayerNotFound
		}
		return nil, unavailable("getting player", err)
	}
	p.Moderation.BannedAt = derefTime(bannedAt)
	p.Moderation.FrozenUntil = derefTime(frozen)
	p.Moderation.SilenceEnd = derefTime(silenceEnd)
	return &p, nil
}

// SaveModeration writes a player's moderation state and appends an audit note
func (r *Repository) SaveModeration(ctx context.Context, playerID int64, state domain.ModerationState, note string) error {
	query := `
		UPDATE users SET
			privileges = $2,
			ban_datetime = $3,
			frozen = $4,
			freeze_reason = $5,
			silence_end = $6,
			silence_reason = $7,
			notes = CASE WHEN $8 = '' THEN notes ELSE notes || E'\n' || $8 END
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query,
		playerID,
		int64(state.Privileges),
		nullTime(state.BannedAt),
		nullTime(state.FrozenUntil),
		state.FreezeReason,
		nullTime(state.SilenceEnd),
		state.SilenceReason,
		note,
	)
	if err != nil {
		return unavailable("saving moderation state", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrPlayerNotFound
	}
	return nil
}

const aggregateColumns = `user_id, mode, variant, total_score, ranked_score, avg_accuracy, playcount, level, pp, updated_at`

func scanAggregate(row pgx.Row) (*domain.PlayerAggregate, error) {
	var agg domain.PlayerAggregate
	err := row.Scan(
		&agg.PlayerID,
		&agg.Mode,
		&agg.Variant,
		&agg.TotalScore,
		&agg.RankedScore,
		&agg.Accuracy,
		&agg.Playcount,
		&agg.Level,
		&agg.PP,
		&agg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

// GetAggregate retrieves a player's statistics for one mode and variant.
// A player without a stats row gets an empty aggregate.
func (r *Repository) GetAggregate(ctx context.Context, playerID int64, mode domain.Mode, variant domain.Variant) (*domain.PlayerAggregate, error) {
	query := `SELECT ` + aggregateColumns + ` FROM user_stats WHERE user_id = $1 AND mode = $2 AND variant = $3`
	agg, err := scanAggregate(r.pool.QueryRow(ctx, query, playerID, int(mode), int(variant)))
	if err == nil {
		return agg, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, unavailable("getting aggregate", err)
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, playerID).Scan(&exists); err != nil {
		return nil, unavailable("checking player existence", err)
	}
	if !exists {
		return nil, domain.ErrPlayerNotFound
	}
	return &domain.PlayerAggregate{PlayerID: playerID, Mode: mode, Variant: variant, Level: 1}, nil
}

// upsertAggregate applies set to the stats row, creating it first when missing
func (r *Repository) upsertAggregate(ctx context.Context, op string, playerID int64, mode domain.Mode, variant domain.Variant, set string, args ...any) (*domain.PlayerAggregate, error) {
	insert := `
		INSERT INTO user_stats (user_id, mode, variant)
		SELECT id, $2, $3 FROM users WHERE id = $1
		ON CONFLICT (user_id, mode, variant) DO NOTHING
	`
	if _, err := r.pool.Exec(ctx, insert, playerID, int(mode), int(variant)); err != nil {
		return nil, unavailable(op, err)
	}

	update := fmt.Sprintf(`
		UPDATE user_stats SET %s, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = $1 AND mode = $2 AND variant = $3
		RETURNING %s
	`, set, aggregateColumns)
	params := append([]any{playerID, int(mode), int(variant)}, args...)
	agg, err := scanAggregate(r.pool.QueryRow(ctx, update, params...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPlayerNotFound
		}
		return nil, unavailable(op, err)
	}
	return agg, nil
}

// SaveWeighted persists the weighted accuracy and pp of an aggregate
func (r *Repository) SaveWeighted(ctx context.Context, playerID int64, mode domain.Mode, variant domain.Variant, accuracy float64, pp int64) error {
	_, err := r.upsertAggregate(ctx, "saving weighted stats", playerID, mode, variant,
		`avg_accuracy = $4, pp = $5`, accuracy, pp)
	return err
}

// SaveLevel persists an aggregate's level
func (r *Repository) SaveLevel(ctx context.Context, playerID int64, mode domain.Mode, variant domain.Variant, level int) error {
	_, err := r.upsertAggregate(ctx, "saving level", playerID, mode, variant, `level = $4`, level)
	return err
}

// AddPlay adds one play's totals to an aggregate
func (r *Repository) AddPlay(ctx context.Context, playerID int64, mode domain.Mode, variant domain.Variant, delta domain.PlayDelta) (*domain.PlayerAggregate, error) {
	return r.upsertAggregate(ctx, "adding play", playerID, mode, variant,
		`total_score = total_score + $4, ranked_score = ranked_score + $5, playcount = playcount + 1`,
		delta.Score, delta.RankedScore)
}

// SetTotalScore overwrites an aggregate's total score
func (r *Repository) SetTotalScore(ctx context.Context, playerID int64, mode domain.Mode, variant domain.Variant, total int64) error {
	_, err := r.upsertAggregate(ctx, "setting total score", playerID, mode, variant, `total_score = $4`, total)
	return err
}

// RankableAggregates lists every ranking-eligible player's pp for one board
func (r *Repository) RankableAggregates(ctx context.Context, mode domain.Mode, variant domain.Variant) ([]domain.RankingEntry, error) {
	query := `
		SELECT st.user_id, u.country, st.pp
		FROM user_stats st
		JOIN users u ON u.id = st.user_id
		WHERE st.mode = $1 AND st.variant = $2 AND st.pp > 0 AND u.privileges & $3 = $3
	`
	eligible := int(domain.PrivUserPublic | domain.PrivUserNormal)
	rows, err := r.pool.Query(ctx, query, int(mode), int(variant), eligible)
	if err != nil {
		return nil, unavailable("listing rankable aggregates", err)
	}
	defer rows.Close()

	var entries []domain.RankingEntry
	for rows.Next() {
		var (
			e  domain.RankingEntry
			pp int64
		)
		if err := rows.Scan(&e.PlayerID, &e.Country, &pp); err != nil {
			return nil, unavailable("scanning rankable aggregate", err)
		}
		e.Value = float64(pp)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("listing rankable aggregates", err)
	}
	return entries, nil
}

func (r *Repository) queryFirstPlaces(ctx context.Context, op, where string, arg any) ([]domain.FirstPlace, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT beatmap_md5, mode, rx, scoreid, userid FROM scores_first WHERE `+where+` ORDER BY beatmap_md5, mode, rx`, arg)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	var out []domain.FirstPlace
	for rows.Next() {
		var fp domain.FirstPlace
		if err := rows.Scan(&fp.BeatmapMD5, &fp.Mode, &fp.Variant, &fp.ScoreID, &fp.PlayerID); err != nil {
			return nil, unavailable("scanning first place", err)
		}
		out = append(out, fp)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

// GetFirstPlace returns a ledger entry, or nil when the key has none
func (r *Repository) GetFirstPlace(ctx context.Context, key domain.FirstPlaceKey) (*domain.FirstPlace, error) {
	fp := domain.FirstPlace{FirstPlaceKey: key}
	err := r.pool.QueryRow(ctx, `
		SELECT scoreid, userid FROM scores_first
		WHERE beatmap_md5 = $1 AND mode = $2 AND rx = $3
	`, key.BeatmapMD5, int(key.Mode), int(key.Variant)).Scan(&fp.ScoreID, &fp.PlayerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, unavailable("getting first place", err)
	}
	return &fp, nil
}

// PutFirstPlace creates or overwrites the ledger entry of a key
func (r *Repository) PutFirstPlace(ctx context.Context, fp domain.FirstPlace) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO scores_first (beatmap_md5, mode, rx, scoreid, userid)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (beatmap_md5, mode, rx) DO UPDATE SET scoreid = $4, userid = $5
	`, fp.BeatmapMD5, int(fp.Mode), int(fp.Variant), fp.ScoreID, fp.PlayerID)
	if err != nil {
		return unavailable("putting first place", err)
	}
	return nil
}

// DeleteFirstPlace removes the ledger entry of a key
func (r *Repository) DeleteFirstPlace(ctx context.Context, key domain.FirstPlaceKey) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM scores_first WHERE beatmap_md5 = $1 AND mode = $2 AND rx = $3
	`, key.BeatmapMD5, int(key.Mode), int(key.Variant))
	if err != nil {
		return unavailable("deleting first place", err)
	}
	return nil
}

// FirstPlacesHeldBy lists every ledger entry naming a player
func (r *Repository) FirstPlacesHeldBy(ctx context.Context, playerID int64) ([]domain.FirstPlace, error) {
	return r.queryFirstPlaces(ctx, "listing held first places", "userid = $1", playerID)
}

// FirstPlacesForBeatmap lists the ledger entries of a beatmap
func (r *Repository) FirstPlacesForBeatmap(ctx context.Context, beatmapMD5 string) ([]domain.FirstPlace, error) {
	return r.queryFirstPlaces(ctx, "listing beatmap first places", "beatmap_md5 = $1", beatmapMD5)
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
