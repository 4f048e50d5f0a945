package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/leaderboard-stats/internal/domain"
	"github.com/leaderboard-stats/internal/worker"
)

func parsePlayerID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: player id %q", domain.ErrInvalidRequest, s)
	}
	return id, nil
}

// boardFlags binds --mode and --variant
type boardFlags struct {
	mode    string
	variant string
}

func (b *boardFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&b.mode, "mode", "std", "Game mode: std, taiko, ctb, mania")
	cmd.Flags().StringVar(&b.variant, "variant", "vanilla", "Ranking variant: vanilla, relax")
}

func (b *boardFlags) parse() (domain.Mode, domain.Variant, error) {
	mode, err := domain.ParseMode(b.mode)
	if err != nil {
		return 0, 0, err
	}
	variant, err := domain.ParseVariant(b.variant)
	if err != nil {
		return 0, 0, err
	}
	return mode, variant, nil
}

func describeChanges(changes []domain.FirstPlaceChange) []string {
	rows := make([]string, 0, len(changes)+1)
	for _, c := range changes {
		rows = append(rows, fmt.Sprintf("%-10s %s %s %s holder=%d previous=%d",
			c.Outcome, c.Key.BeatmapMD5, c.Key.Variant, c.Key.Mode, c.Holder, c.PreviousHolder))
	}
	return append(rows, fmt.Sprintf("%d first place(s) changed", len(changes)))
}

func newModerateCmd(s *session) *cobra.Command {
	var (
		duration time.Duration
		reason   string
		author   int64
	)

	cmd := &cobra.Command{
		Use:   "moderate <player-id> <action>",
		Short: "Apply a moderation action (ban, unban, restrict, unrestrict, freeze, unfreeze, silence)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePlayerID(args[0])
			if err != nil {
				return err
			}
			kind, err := domain.ParseActionKind(args[1])
			if err != nil {
				return err
			}

			action := domain.Action{Kind: kind, Duration: duration, Reason: reason, AuthorID: author}
			result, err := s.app.Engine.ApplyModeration(cmd.Context(), id, action)
			if err != nil {
				return err
			}
			if result == nil {
				return fmt.Errorf("%w: %d", domain.ErrPlayerNotFound, id)
			}
			if len(result.Effects) == 0 {
				s.out.Result(result, "player %d is already %s; nothing changed", id, result.Status)
				return nil
			}
			s.out.Result(result, "player %d is now %s (%d effects, %d first places demoted)",
				id, result.Status, len(result.Effects), len(result.Demoted))
			return nil
		},
	}

	cmd.Flags().DurationVar(&duration, "duration", 0, "Silence or freeze length")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in the player's notes")
	cmd.Flags().Int64Var(&author, "author", 0, "Id of the acting moderator")

	return cmd
}

func newRecomputeCmd(s *session) *cobra.Command {
	var (
		board boardFlags
		all   bool
	)

	cmd := &cobra.Command{
		Use:   "recompute <player-id>",
		Short: "Recompute a player's weighted accuracy and pp",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePlayerID(args[0])
			if err != nil {
				return err
			}

			boards := worker.Boards()
			if !all {
				mode, variant, err := board.parse()
				if err != nil {
					return err
				}
				boards = []worker.Board{{Variant: variant, Mode: mode}}
			}

			var aggs []*domain.PlayerAggregate
			var rows []string
			for _, b := range boards {
				agg, err := s.app.Engine.RecomputeAggregates(cmd.Context(), id, b.Mode, b.Variant)
				if err != nil {
					return fmt.Errorf("recomputing %s: %w", b, err)
				}
				if agg == nil {
					return fmt.Errorf("%w: %d", domain.ErrPlayerNotFound, id)
				}
				aggs = append(aggs, agg)
				rows = append(rows, fmt.Sprintf("%-20s pp=%d accuracy=%.2f", b, agg.PP, agg.Accuracy))
			}
			s.out.Lines(aggs, rows)
			return nil
		},
	}

	board.bind(cmd)
	cmd.Flags().BoolVar(&all, "all", false, "Recompute every mode and variant")

	return cmd
}

func newStatsCmd(s *session) *cobra.Command {
	var board boardFlags

	cmd := &cobra.Command{
		Use:   "stats <player-id>",
		Short: "Show a player's aggregate and ranks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePlayerID(args[0])
			if err != nil {
				return err
			}
			mode, variant, err := board.parse()
			if err != nil {
				return err
			}

			st, err := s.app.Engine.PlayerStats(cmd.Context(), id, mode, variant)
			if err != nil {
				return err
			}
			if st == nil {
				return fmt.Errorf("%w: %d", domain.ErrPlayerNotFound, id)
			}
			s.out.Result(st, "pp=%d accuracy=%.2f level=%d playcount=%d rank=#%d country=#%d",
				st.PP, st.Accuracy, st.Level, st.Playcount, st.GlobalRank, st.CountryRank)
			return nil
		},
	}

	board.bind(cmd)
	return cmd
}

func newTotalScoreCmd(s *session) *cobra.Command {
	var board boardFlags

	cmd := &cobra.Command{
		Use:   "total-score <player-id> <total>",
		Short: "Correct a player's total score and recompute their level",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePlayerID(args[0])
			if err != nil {
				return err
			}
			total, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("%w: total score %q", domain.ErrInvalidRequest, args[1])
			}
			mode, variant, err := board.parse()
			if err != nil {
				return err
			}

			level, err := s.app.Engine.CorrectTotalScore(cmd.Context(), id, mode, variant, total)
			if err != nil {
				return err
			}
			s.out.Result(map[string]any{"player_id": id, "total_score": total, "level": level},
				"player %d: total score %d, level %d", id, total, level)
			return nil
		},
	}

	board.bind(cmd)
	return cmd
}

func newFirstPlacesCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "first-places",
		Short: "First-place ledger maintenance for one player",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "rebuild <player-id>",
		Short: "Re-assert a player's first places from their best scores",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePlayerID(args[0])
			if err != nil {
				return err
			}
			changes, err := s.app.Engine.RebuildFirstPlaces(cmd.Context(), id)
			if err != nil {
				return err
			}
			s.out.Lines(changes, describeChanges(changes))
			return nil
		},
	})

	var variant, mode string
	remove := &cobra.Command{
		Use:   "remove <player-id>",
		Short: "Demote every first place a player holds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePlayerID(args[0])
			if err != nil {
				return err
			}
			var filter domain.FirstPlaceFilter
			if variant != "" {
				v, err := domain.ParseVariant(variant)
				if err != nil {
					return err
				}
				filter.Variant = &v
			}
			if mode != "" {
				m, err := domain.ParseMode(mode)
				if err != nil {
					return err
				}
				filter.Mode = &m
			}

			changes, err := s.app.Engine.RemoveFirstPlaces(cmd.Context(), id, filter)
			if err != nil {
				return err
			}
			s.out.Lines(changes, describeChanges(changes))
			return nil
		},
	}
	remove.Flags().StringVar(&variant, "variant", "", "Only demote records of this variant")
	remove.Flags().StringVar(&mode, "mode", "", "Only demote records of this mode")
	cmd.AddCommand(remove)

	return cmd
}

func newBeatmapCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "beatmap",
		Short: "Beatmap first-place commands",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "reevaluate <beatmap-md5>",
		Short: "Re-evaluate every first place of a beatmap after a status change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			changes, err := s.app.Engine.ReevaluateBeatmap(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			s.out.Lines(changes, describeChanges(changes))
			return nil
		},
	})

	return cmd
}

func newTopCmd(s *session) *cobra.Command {
	var (
		country string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "top <variant> <mode>",
		Short: "Show the top of a ranking board",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			variant, err := domain.ParseVariant(args[0])
			if err != nil {
				return err
			}
			mode, err := domain.ParseMode(args[1])
			if err != nil {
				return err
			}

			entries, err := s.app.Engine.TopRankings(cmd.Context(), variant, mode, country, limit)
			if err != nil {
				return err
			}
			rows := make([]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, fmt.Sprintf("#%-5d %-10d %.0fpp", e.Rank, e.PlayerID, e.Value))
			}
			if len(rows) == 0 {
				rows = append(rows, "board is empty")
			}
			s.out.Lines(entries, rows)
			return nil
		},
	}

	cmd.Flags().StringVar(&country, "country", "", "Two-letter country code for a country board")
	cmd.Flags().IntVar(&limit, "limit", 0, "Number of entries (default from config)")

	return cmd
}

func newReconcileCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Rebuild every ranking cache board from the store of record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			if err := s.app.Sync.SyncAll(cmd.Context()); err != nil {
				return err
			}
			elapsed := time.Since(start).Round(time.Millisecond)
			s.out.Result(map[string]any{"boards": len(worker.Boards()), "duration": elapsed.String()},
				"reconciled %d boards in %s", len(worker.Boards()), elapsed)
			return nil
		},
	}
}
