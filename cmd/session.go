/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/washline/apiserver/internal/auth"
	"github.com/washline/apiserver/internal/tracker"
	"github.com/washline/apiserver/types"
)

// sessionCmd represents the session command.
var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Client side session tools",
}

var sessionWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Sign in and follow the session the way the back office UI does",
	Long: `Signs in against a running server, then re-validates the session every
few minutes and prints every navigation the UI would make. Stop with Ctrl-C;
the session is logged out on exit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadRuntime()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		baseURL, _ := cmd.Flags().GetString("url")
		if baseURL == "" {
			baseURL = cfg.BaseURL
		}
		email, _ := cmd.Flags().GetString("email")
		password, _ := cmd.Flags().GetString("password")
		rawRole, _ := cmd.Flags().GetString("role")
		role, err := types.ParseRole(rawRole)
		if err != nil {
			return err
		}

		client, err := tracker.NewHTTPClient(baseURL)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if _, err := client.Login(ctx, email, password, role); err != nil {
			return fmt.Errorf("login: %w", err)
		}

		nav := &printingNavigator{out: cmd.OutOrStdout(), path: auth.LoginPath}
		t := tracker.New(client, nav, tracker.WithLogger(logger.Named("tracker")))
		if err := t.Start(ctx); err != nil {
			return err
		}
		if user, ok := t.Identity(); ok {
			fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s (%s)\n", user.Email, user.Role)
		}

		<-ctx.Done()
		t.Stop()
		return t.Logout(context.WithoutCancel(ctx))
	},
}

// printingNavigator reports navigations instead of rendering pages.
type printingNavigator struct {
	mu   sync.Mutex
	out  io.Writer
	path string
}

func (n *printingNavigator) CurrentPath() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.path
}

func (n *printingNavigator) Navigate(path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintf(n.out, "navigate %s -> %s\n", n.path, path)
	n.path = path
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionWatchCmd)

	sessionWatchCmd.Flags().String("url", "", "server base URL (defaults to BASE_URL)")
	sessionWatchCmd.Flags().String("email", "", "login email")
	sessionWatchCmd.Flags().String("password", "", "login password")
	sessionWatchCmd.Flags().String("role", "", "SUPER_ADMIN, ADMIN or SALESMAN")
	_ = sessionWatchCmd.MarkFlagRequired("email")
	_ = sessionWatchCmd.MarkFlagRequired("password")
	_ = sessionWatchCmd.MarkFlagRequired("role")
}
