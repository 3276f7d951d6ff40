package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/prn-tf/membership/internal/app"
	"github.com/prn-tf/membership/internal/config"
)

var configFile string

// NewRootCmd creates the root command for the migration tool.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "membership-migrate",
		Short:        "Manage the membership database schema",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	cmd.AddCommand(NewUpCmd())
	cmd.AddCommand(NewDownCmd())
	cmd.AddCommand(NewStatusCmd())
	cmd.AddCommand(NewForceCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

func withSchema(cmd *cobra.Command, fn func(ctx context.Context, s schema) error) error {
	_ = godotenv.Load()

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	logger, err := app.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	s, err := openSchema(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close database")
		}
	}()

	return fn(ctx, s)
}

// NewUpCmd creates the up subcommand.
func NewUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSchema(cmd, func(ctx context.Context, s schema) error {
				if err := s.Up(ctx); err != nil {
					return err
				}
				st, err := s.Status(ctx)
				if err != nil {
					return err
				}
				cmd.Printf("schema at version %d\n", st.Current)
				return nil
			})
		},
	}
}

// NewDownCmd creates the down subcommand.
func NewDownCmd() *cobra.Command {
	var steps int
	var all bool
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Long: `Roll back the last --steps migrations. --all rolls back every migration,
which drops all account data.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if all {
				steps = 0
			} else if steps < 1 {
				return fmt.Errorf("--steps must be at least 1")
			}
			return withSchema(cmd, func(ctx context.Context, s schema) error {
				if err := s.Down(ctx, steps); err != nil {
					return err
				}
				cmd.Println("rollback complete")
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	cmd.Flags().BoolVar(&all, "all", false, "roll back every migration")
	return cmd
}

// NewStatusCmd creates the status subcommand.
func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current and latest schema versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSchema(cmd, func(ctx context.Context, s schema) error {
				st, err := s.Status(ctx)
				if err != nil {
					return err
				}
				cmd.Printf("current: %d\nlatest: %d\npending: %d\n", st.Current, st.Latest, st.Pending())
				if st.Dirty {
					cmd.Println("dirty: true (fix the schema, then run force)")
				}
				return nil
			})
		},
	}
}

// NewForceCmd creates the force subcommand.
func NewForceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force <version>",
		Short: "Record a schema version without running migrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := parseForceVersion(args[0])
			if err != nil {
				return err
			}
			return withSchema(cmd, func(ctx context.Context, s schema) error {
				if err := s.Force(ctx, version); err != nil {
					return err
				}
				cmd.Printf("forced version %d\n", version)
				return nil
			})
		},
	}
}

func parseForceVersion(arg string) (int, error) {
	version, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: must be an integer", arg)
	}
	if version < 0 {
		return 0, fmt.Errorf("invalid version %d: must not be negative", version)
	}
	return version, nil
}

// NewVersionCmd creates the version subcommand.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("Version: %s\n", Version)
			cmd.Printf("Build Time: %s\n", BuildTime)
			cmd.Printf("Git Commit: %s\n", GitCommit)
		},
	}
}
