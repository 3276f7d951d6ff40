package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/prn-tf/membership/internal/domain"
	"github.com/prn-tf/membership/internal/service"
)

// errRefused reports an operation the account state did not allow.
var errRefused = errors.New("operation refused")

func refused(ok bool, what string) error {
	if ok {
		return nil
	}
	return fmt.Errorf("%w: %s", errRefused, what)
}

// NewCreateCmd creates the create subcommand.
func NewCreateCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "create <username> <email>",
		Short: "Create an account",
		Long: `Create an account. When verification is required the account stays
unverified and the verification key is printed.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccounts(cmd, func(ctx context.Context, accounts *service.AccountService) error {
				account, err := accounts.CreateAccount(ctx, tenant, args[0], password, args[1])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "created %s (%s) in tenant %s\n", account.Username, account.ID, account.Tenant)
				if key := account.VerificationKey(); key != "" {
					fmt.Fprintf(out, "verification key: %s\n", key)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "initial password")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

// NewVerifyCmd creates the verify subcommand.
func NewVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <key>",
		Short: "Verify an account with its verification key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccounts(cmd, func(ctx context.Context, accounts *service.AccountService) error {
				ok, err := accounts.VerifyAccount(ctx, args[0])
				if err != nil {
					return err
				}
				if err := refused(ok, "key is unknown, stale, or not a verification key"); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "account verified")
				return nil
			})
		},
	}
}

// NewListCmd creates the list subcommand.
func NewListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts in a tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAccounts(cmd, func(ctx context.Context, accounts *service.AccountService) error {
				all, err := accounts.GetAll(ctx, tenant)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "USERNAME\tEMAIL\tSTATE\tCREATED")
				for _, a := range all {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.Username, a.Email, a.State(), a.CreatedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
}

// NewShowCmd creates the show subcommand.
func NewShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <username>",
		Short: "Show one account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccounts(cmd, func(ctx context.Context, accounts *service.AccountService) error {
				account, err := accounts.GetByUsername(ctx, tenant, args[0])
				if err != nil {
					return err
				}
				if account == nil {
					return fmt.Errorf("account %q not found", args[0])
				}
				printAccount(cmd, account)
				return nil
			})
		},
	}
}

func printAccount(cmd *cobra.Command, a *domain.Account) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "id:\t%s\n", a.ID)
	fmt.Fprintf(w, "tenant:\t%s\n", a.Tenant)
	fmt.Fprintf(w, "username:\t%s\n", a.Username)
	fmt.Fprintf(w, "email:\t%s\n", a.Email)
	fmt.Fprintf(w, "state:\t%s\n", a.State())
	fmt.Fprintf(w, "failed logins:\t%d\n", a.FailedLoginCount)
	if a.LastLoginAt != nil {
		fmt.Fprintf(w, "last login:\t%s\n", a.LastLoginAt.Format(time.RFC3339))
	}
	if a.Pending != nil {
		fmt.Fprintf(w, "pending:\t%s\n", a.Pending.Kind)
	}
	claims := a.Claims.List()
	parts := make([]string, 0, len(claims))
	for _, c := range claims {
		parts = append(parts, c.Type+"="+c.Value)
	}
	fmt.Fprintf(w, "claims:\t%s\n", strings.Join(parts, ", "))
	_ = w.Flush()
}

// NewDeleteCmd creates the delete subcommand.
func NewDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <username>",
		Short: "Delete or close an account",
		Long: `Delete an account. When account deletion is disabled in the security
configuration the account is closed instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccounts(cmd, func(ctx context.Context, accounts *service.AccountService) error {
				ok, err := accounts.DeleteAccount(ctx, tenant, args[0])
				if err != nil {
					return err
				}
				if err := refused(ok, "account not found"); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}

// NewAuthenticateCmd creates the authenticate subcommand.
func NewAuthenticateCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "authenticate <username>",
		Short: "Check a password, applying lockout rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccounts(cmd, func(ctx context.Context, accounts *service.AccountService) error {
				ok, err := accounts.Authenticate(ctx, tenant, args[0], password)
				if err != nil {
					return err
				}
				if err := refused(ok, "authentication failed"); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "authenticated")
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "password to check")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

// NewSetPasswordCmd creates the set-password subcommand.
func NewSetPasswordCmd() *cobra.Command {
	var oldPassword, newPassword string
	cmd := &cobra.Command{
		Use:   "set-password <username>",
		Short: "Change a password given the current one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccounts(cmd, func(ctx context.Context, accounts *service.AccountService) error {
				ok, err := accounts.ChangePassword(ctx, tenant, args[0], oldPassword, newPassword)
				if err != nil {
					return err
				}
				if err := refused(ok, "current password rejected"); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "password changed")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&oldPassword, "old", "", "current password")
	cmd.Flags().StringVar(&newPassword, "new", "", "new password")
	_ = cmd.MarkFlagRequired("old")
	_ = cmd.MarkFlagRequired("new")
	return cmd
}

// NewResetPasswordCmd creates the reset-password subcommand.
func NewResetPasswordCmd() *cobra.Command {
	var key, newPassword string
	cmd := &cobra.Command{
		Use:   "reset-password [email]",
		Short: "Start or complete a password reset",
		Long: `With an email, start a password reset and send the reset key.
With --key and --new, complete the reset.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" && len(args) == 0 {
				return errors.New("either an email or --key is required")
			}
			return withAccounts(cmd, func(ctx context.Context, accounts *service.AccountService) error {
				if key != "" {
					ok, err := accounts.ChangePasswordFromResetKey(ctx, key, newPassword)
					if err != nil {
						return err
					}
					if err := refused(ok, "reset key is unknown or stale"); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "password reset")
					return nil
				}

				ok, err := accounts.ResetPassword(ctx, tenant, args[0])
				if err != nil {
					return err
				}
				if err := refused(ok, "no account can be reset for that email"); err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, "password reset requested")
				account, err := accounts.GetByEmail(ctx, tenant, args[0])
				if err == nil && account != nil && account.VerificationKey() != "" {
					fmt.Fprintf(out, "reset key: %s\n", account.VerificationKey())
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "reset key to complete a reset")
	cmd.Flags().StringVar(&newPassword, "new", "", "new password when completing a reset")
	cmd.MarkFlagsRequiredTogether("key", "new")
	return cmd
}

// NewAddClaimCmd creates the add-claim subcommand.
func NewAddClaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-claim <username> <type> <value>",
		Short: "Add a claim to an account",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccounts(cmd, func(ctx context.Context, accounts *service.AccountService) error {
				ok, err := accounts.AddClaim(ctx, tenant, args[0], args[1], args[2])
				if err != nil {
					return err
				}
				return refused(ok, "account not found")
			})
		},
	}
}

// NewRemoveClaimCmd creates the remove-claim subcommand.
func NewRemoveClaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-claim <username> <type> [value]",
		Short: "Remove claims of a type, or one type/value pair",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccounts(cmd, func(ctx context.Context, accounts *service.AccountService) error {
				var (
					ok  bool
					err error
				)
				if len(args) == 3 {
					ok, err = accounts.RemoveClaimValue(ctx, tenant, args[0], args[1], args[2])
				} else {
					ok, err = accounts.RemoveClaim(ctx, tenant, args[0], args[1])
				}
				if err != nil {
					return err
				}
				return refused(ok, "account not found")
			})
		},
	}
}
