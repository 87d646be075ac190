/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/washline/apiserver/internal/audit"
	"go.uber.org/zap"
)

// eventsCmd represents the events command.
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect security events",
}

var eventsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print security events from the configured events backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadRuntime()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		driftOnly, _ := cmd.Flags().GetBool("drift-only")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		bus, err := audit.NewBus(ctx, cfg)
		if err != nil {
			return err
		}
		if bus == nil {
			return audit.ErrNoBus
		}
		defer func() {
			if err := bus.Close(); err != nil {
				logger.Warn("close events backend", zap.Error(err))
			}
		}()

		recorder := audit.NewRecorder(logger, bus, cfg.Events.Channel)
		enc := json.NewEncoder(cmd.OutOrStdout())
		err = recorder.Tail(ctx, func(event audit.Event) error {
			if driftOnly && event.Kind != audit.KindRoleDrift {
				return nil
			}
			return enc.Encode(event)
		})
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("tail events: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsTailCmd)

	eventsTailCmd.Flags().Bool("drift-only", false, "only print role drift events")
}
