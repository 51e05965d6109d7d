package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/everydev1618/spikenet/archiver"
	"github.com/everydev1618/spikenet/store"
	"github.com/everydev1618/spikenet/transport"
	"github.com/everydev1618/spikenet/wire"
	"github.com/everydev1618/spikenet/worker"
)

var (
	workerSettings   worker.Settings
	archiverSettings archiver.Settings
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Simulate one neuron group (spawned by run)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		conn, err := transport.DialEnv(ctx)
		if err != nil {
			return fmt.Errorf("connect to orchestrator: %w", err)
		}
		defer conn.Close()

		if err := workerSettings.Finish(); err != nil {
			_ = conn.Send(conn.Parent(), wire.TagError, wire.EncodeText(err.Error()))
			return err
		}
		model := neuronModels(cfg)(workerSettings)
		return worker.New(conn, model, workerSettings, worker.WithLogger(logger)).Run(ctx)
	},
}

var archiverCmd = &cobra.Command{
	Use:    "archiver",
	Short:  "Record firing data (spawned by run)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		conn, err := transport.DialEnv(ctx)
		if err != nil {
			return fmt.Errorf("connect to orchestrator: %w", err)
		}
		defer conn.Close()

		var rec archiver.Recorder
		if archiverSettings.DB == "" {
			logger.Warn("no database given, archived firing is kept in memory only")
			rec = store.NewMemory()
		} else {
			db, err := store.OpenSQLite(archiverSettings.DB)
			if err != nil {
				_ = conn.Send(conn.Parent(), wire.TagError, wire.EncodeText(err.Error()))
				return err
			}
			defer db.Close()
			rec = db
		}
		return archiver.New(conn, rec, archiverSettings, archiver.WithLogger(logger)).Run(ctx)
	},
}

func init() {
	workerSettings.BindFlags(workerCmd.Flags())
	archiverSettings.BindFlags(archiverCmd.Flags())
}
