package main

import (
	"context"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/prn-tf/membership/internal/app"
	"github.com/prn-tf/membership/internal/config"
	"github.com/prn-tf/membership/internal/service"
)

// Global flags available to all subcommands.
var (
	configFile string
	tenant     string
	verbose    bool
)

// NewRootCmd creates the root command for the admin CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "membership-admin",
		Short: "Manage membership accounts",
		Long: `membership-admin operates directly on the configured account store.
It uses the same configuration file and MEMBERSHIP_ environment variables as the server.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&tenant, "tenant", "", "tenant (defaults to the configured default tenant)")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at the configured level instead of warn")

	cmd.AddCommand(NewCreateCmd())
	cmd.AddCommand(NewVerifyCmd())
	cmd.AddCommand(NewListCmd())
	cmd.AddCommand(NewShowCmd())
	cmd.AddCommand(NewDeleteCmd())
	cmd.AddCommand(NewAuthenticateCmd())
	cmd.AddCommand(NewSetPasswordCmd())
	cmd.AddCommand(NewResetPasswordCmd())
	cmd.AddCommand(NewAddClaimCmd())
	cmd.AddCommand(NewRemoveClaimCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// withAccounts loads configuration, opens the store and runs fn against the
// account service.
func withAccounts(cmd *cobra.Command, fn func(ctx context.Context, accounts *service.AccountService) error) error {
	_ = godotenv.Load()

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	logger, err := app.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	if !verbose && logger.GetLevel() < zerolog.WarnLevel {
		logger = logger.Level(zerolog.WarnLevel)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a.Accounts)
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
