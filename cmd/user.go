/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/washline/apiserver/config"
	"github.com/washline/apiserver/internal/db"
	"github.com/washline/apiserver/internal/services"
	"github.com/washline/apiserver/internal/store"
	"github.com/washline/apiserver/types"
)

// userCmd represents the user command.
var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage back office accounts",
}

var userCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Provision an account",
	Example: `  washline user create --name "Ana" --email ana@example.com --role ADMIN --password s3cret`,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		email, _ := cmd.Flags().GetString("email")
		rawRole, _ := cmd.Flags().GetString("role")
		password, _ := cmd.Flags().GetString("password")

		role, err := types.ParseRole(rawRole)
		if err != nil {
			return err
		}
		if password == "" {
			return errors.New("--password is required")
		}

		return withUsers(cmd.Context(), func(ctx context.Context, users *services.UserService) error {
			user, err := users.Create(ctx, services.NewUser{Name: name, Email: email, Role: role, Password: password})
			if err != nil {
				if errors.Is(err, store.ErrConflict) {
					return fmt.Errorf("an account for %s already exists", email)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created user %d (%s, %s)\n", user.ID, user.Email, user.Role)
			return nil
		})
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUsers(cmd.Context(), func(ctx context.Context, users *services.UserService) error {
			list, err := users.List(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tEMAIL\tROLE\tLAST LOGIN")
			for _, u := range list {
				lastLogin := "never"
				if u.LastLoginAt != nil {
					lastLogin = u.LastLoginAt.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", u.ID, u.Name, u.Email, u.Role, lastLogin)
			}
			return tw.Flush()
		})
	},
}

var userSetRoleCmd = &cobra.Command{
	Use:   "set-role <id> <role>",
	Short: "Move an account to another role",
	Long: `Move an account to another role. Sessions issued under the old role
stop passing the identity check on their next refresh.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid user id %q", args[0])
		}
		role, err := types.ParseRole(args[1])
		if err != nil {
			return err
		}
		return withUsers(cmd.Context(), func(ctx context.Context, users *services.UserService) error {
			if err := users.SetRole(ctx, id, role); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %d is now %s\n", id, role)
			return nil
		})
	},
}

var userDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid user id %q", args[0])
		}
		return withUsers(cmd.Context(), func(ctx context.Context, users *services.UserService) error {
			if err := users.Delete(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted user %d\n", id)
			return nil
		})
	},
}

func withUsers(ctx context.Context, fn func(context.Context, *services.UserService) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	conn, err := db.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer func(conn *sql.DB) { _ = conn.Close() }(conn)

	return fn(ctx, services.NewUserService(store.NewUserRepository(conn)))
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userCreateCmd, userListCmd, userSetRoleCmd, userDeleteCmd)

	userCreateCmd.Flags().String("name", "", "display name")
	userCreateCmd.Flags().String("email", "", "login email")
	userCreateCmd.Flags().String("role", "", "SUPER_ADMIN, ADMIN or SALESMAN")
	userCreateCmd.Flags().String("password", "", "initial password")
	_ = userCreateCmd.MarkFlagRequired("name")
	_ = userCreateCmd.MarkFlagRequired("email")
	_ = userCreateCmd.MarkFlagRequired("role")
}
