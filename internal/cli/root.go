package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/leaderboard-stats/internal/app"
	"github.com/leaderboard-stats/internal/config"
	"github.com/leaderboard-stats/internal/metrics"
)

// options are the global flags
type options struct {
	configPath string
	output     string
	verbose    bool
}

// session is what every command runs against
type session struct {
	app *app.App
	out *Output
}

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	opts := &options{configPath: "config.yaml", output: "text"}
	s := &session{}

	rootCmd := &cobra.Command{
		Use:   "rankctl",
		Short: "Operator CLI for the ranking engine",
		Long: `rankctl runs ranking engine operations directly against the store of
record and the ranking cache: moderation actions, aggregate recomputation,
first-place rebuilds and cache reconciliation.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}

			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

			// A private registry keeps one-shot runs off the default collectors
			m := metrics.NewService(prometheus.NewRegistry())
			a, err := app.New(cmd.Context(), cfg, m, logger)
			if err != nil {
				return err
			}
			s.app = a
			s.out = NewOutput(opts.output, cmd.OutOrStdout())
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if s.app != nil {
				s.app.Close()
			}
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", opts.configPath, "Path to configuration file")
	rootCmd.PersistentFlags().StringVarP(&opts.output, "output", "o", opts.output, "Output format: text, json")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", opts.verbose, "Verbose logging")

	rootCmd.AddCommand(newModerateCmd(s))
	rootCmd.AddCommand(newRecomputeCmd(s))
	rootCmd.AddCommand(newStatsCmd(s))
	rootCmd.AddCommand(newTotalScoreCmd(s))
	rootCmd.AddCommand(newFirstPlacesCmd(s))
	rootCmd.AddCommand(newBeatmapCmd(s))
	rootCmd.AddCommand(newTopCmd(s))
	rootCmd.AddCommand(newReconcileCmd(s))

	return rootCmd
}

// loadConfig reads the config file. A missing default file falls back to the defaults.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if explicit {
		return nil, err
	}
	if _, statErr := os.Stat(path); statErr == nil {
		return nil, err
	}
	return config.DefaultConfig(), nil
}

// Execute runs the root command
func Execute() {
	if err := NewRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
