package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/ManuelReschke/sbily/app/models"
	"github.com/ManuelReschke/sbily/app/repository"
	"github.com/ManuelReschke/sbily/internal/pkg/billing"
	"github.com/ManuelReschke/sbily/internal/pkg/quota"
)

const commandTimeout = 2 * time.Minute

type runtime struct {
	svc        *billing.Service
	reconciler *billing.Reconciler
	enforcer   *quota.Enforcer
	notifier   quota.Notifier
	users      repository.UserRepository
}

func newRootCmd(load func() (*runtime, error)) *cobra.Command {
	var rt *runtime

	root := &cobra.Command{
		Use:           "billingctl",
		Short:         "Operator tools for sbily billing and quotas",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if rt != nil {
				return nil
			}
			var err error
			rt, err = load()
			return err
		},
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "reset-quotas",
			Short: "Reset every monthly link counter that is due",
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
				defer cancel()
				n, err := rt.enforcer.RunReset(ctx, rt.notifier)
				if err != nil {
					return fmt.Errorf("reset quotas: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reset %d users\n", n)
				return nil
			},
		},
		newUserCmd(&rt, "sync-subscription", "Mirror the provider's view of a user's subscription", func(ctx context.Context, out io.Writer, userID uint) error {
			res, err := rt.svc.SyncFromProvider(ctx, userID)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "user %d: %s\n", userID, res)
			return nil
		}),
		newCancelCmd(&rt),
		newReplayCmd(&rt),
		newCreateUserCmd(&rt),
		newListUsersCmd(&rt),
		newSetStatusCmd(&rt),
		newDeleteUserCmd(&rt),
		newUserCmd(&rt, "api-key", "Issue a new API key for a user, revoking the old one", func(ctx context.Context, out io.Writer, userID uint) error {
			settings, err := rt.users.GetSettings(userID)
			if err != nil {
				return err
			}
			raw, err := settings.IssueAPIKey()
			if err != nil {
				return err
			}
			if err := rt.users.SaveSettings(settings); err != nil {
				return err
			}
			fmt.Fprintln(out, raw)
			return nil
		}),
	)
	return root
}

// newUserCmd builds a command that acts on one user, selected by id, email or
// username.
func newUserCmd(rt **runtime, use, short string, run func(ctx context.Context, out io.Writer, userID uint) error) *cobra.Command {
	var (
		userID          uint
		email, username string
	)
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			u, err := (*rt).lookupUser(userID, email, username)
			if err != nil {
				return fmt.Errorf("%s: %w", use, err)
			}
			if err := run(ctx, cmd.OutOrStdout(), u.ID); err != nil {
				return fmt.Errorf("%s: %w", use, err)
			}
			return nil
		},
	}
	cmd.Flags().UintVar(&userID, "user", 0, "user id")
	cmd.Flags().StringVar(&email, "email", "", "user email")
	cmd.Flags().StringVar(&username, "username", "", "username")
	cmd.MarkFlagsOneRequired("user", "email", "username")
	cmd.MarkFlagsMutuallyExclusive("user", "email", "username")
	return cmd
}

func (rt *runtime) lookupUser(id uint, email, username string) (*models.User, error) {
	var (
		u   *models.User
		err error
	)
	switch {
	case email != "":
		u, err = rt.users.GetByEmail(email)
	case username != "":
		u, err = rt.users.GetByUsername(username)
	default:
		u, err = rt.users.GetByID(id)
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("user not found")
	}
	return u, err
}

func newCancelCmd(rt **runtime) *cobra.Command {
	var now bool
	cmd := newUserCmd(rt, "cancel", "Cancel a user's subscription at period end", func(ctx context.Context, out io.Writer, userID uint) error {
		var (
			res *billing.ActionResult
			err error
		)
		if now {
			res, err = (*rt).svc.CancelImmediately(ctx, userID)
		} else {
			res, err = (*rt).svc.Cancel(ctx, userID)
		}
		if err != nil {
			return err
		}
		return printJSON(out, res)
	})
	cmd.Flags().BoolVar(&now, "now", false, "end the subscription immediately")
	return cmd
}

func newReplayCmd(rt **runtime) *cobra.Command {
	var id uint
	cmd := &cobra.Command{
		Use:   "replay-event",
		Short: "Reconcile a stored webhook event again",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			res, err := (*rt).reconciler.ProcessStoredEvent(ctx, id)
			if err != nil {
				return fmt.Errorf("replay event %d: %w", id, err)
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().UintVar(&id, "id", 0, "webhook event id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newCreateUserCmd(rt **runtime) *cobra.Command {
	var username, email, password string
	cmd := &cobra.Command{
		Use:   "create-user",
		Short: "Create a free account",
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := models.CreateUser(username, email, password)
			if err != nil {
				return fmt.Errorf("create user: %w", err)
			}
			if err := (*rt).users.Create(u); err != nil {
				return fmt.Errorf("create user: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created user %d\n", u.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "username")
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&password, "password", "", "initial password")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

type userList struct {
	Total int64         `json:"total"`
	Users []models.User `json:"users"`
}

func newListUsersCmd(rt **runtime) *cobra.Command {
	var (
		search        string
		offset, limit int
	)
	cmd := &cobra.Command{
		Use:   "users",
		Short: "List accounts, newest first, or search by username and email",
		RunE: func(cmd *cobra.Command, args []string) error {
			users := (*rt).users
			var (
				list userList
				err  error
			)
			if search != "" {
				list.Users, err = users.Search(search)
				list.Total = int64(len(list.Users))
			} else {
				if list.Users, err = users.List(offset, limit); err == nil {
					list.Total, err = users.Count()
				}
			}
			if err != nil {
				return fmt.Errorf("list users: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), list)
		},
	}
	cmd.Flags().StringVar(&search, "search", "", "substring of username or email")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	cmd.Flags().IntVar(&limit, "limit", 50, "rows to return")
	return cmd
}

func newSetStatusCmd(rt **runtime) *cobra.Command {
	var status string
	cmd := newUserCmd(rt, "set-status", "Activate or disable an account", func(ctx context.Context, out io.Writer, userID uint) error {
		u, err := (*rt).users.GetByID(userID)
		if err != nil {
			return err
		}
		u.Status = status
		if err := u.Validate(); err != nil {
			return fmt.Errorf("invalid status %q", status)
		}
		if err := (*rt).users.Update(u); err != nil {
			return err
		}
		fmt.Fprintf(out, "user %d: %s\n", u.ID, u.Status)
		return nil
	})
	cmd.Flags().StringVar(&status, "status", "", "active, inactive or disabled")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

// newDeleteUserCmd soft deletes an account. Accounts the provider may still
// bill are refused.
func newDeleteUserCmd(rt **runtime) *cobra.Command {
	return newUserCmd(rt, "delete-user", "Delete an account without a running subscription", func(ctx context.Context, out io.Writer, userID uint) error {
		ov, err := (*rt).svc.Overview(ctx, userID)
		if err != nil {
			return err
		}
		if sub := ov.Subscription; sub != nil && (sub.IsActive(time.Now()) || sub.HasOpenProviderSubscription()) {
			return fmt.Errorf("user %d still has a subscription, cancel it first", userID)
		}
		if err := (*rt).users.Delete(userID); err != nil {
			return err
		}
		fmt.Fprintf(out, "deleted user %d\n", userID)
		return nil
	})
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
