package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/everydev1618/spikenet"
	"github.com/everydev1618/spikenet/config"
	"github.com/everydev1618/spikenet/store"
)

var edgesCmd = &cobra.Command{
	Use:   "edges",
	Short: "Inspect and prepare the network's edges",
}

var edgesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the network's edges",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(cmd.Context(), func(ctx context.Context, env dbEnv) error {
			edges, err := env.db.ListEdges(ctx, env.network())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FROM\tTO\tTAG")
			for _, e := range edges {
				fmt.Fprintf(w, "%d\t%d\t%s\n", e.From, e.To, e.Tag)
			}
			return w.Flush()
		})
	},
}

var edgesReciprocateCmd = &cobra.Command{
	Use:   "reciprocate",
	Short: "Add virtual reverse edges so every connected group has an inbound partner",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(cmd.Context(), func(ctx context.Context, env dbEnv) error {
			added, err := env.synthesizer().Apply(ctx)
			if err != nil {
				return err
			}
			for _, e := range added {
				fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", e)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d virtual edges added\n", len(added))
			return nil
		})
	},
}

var edgesCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove the virtual edges added by reciprocate",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(cmd.Context(), func(ctx context.Context, env dbEnv) error {
			n, err := env.synthesizer().Cleanup(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d virtual edges removed\n", n)
			return nil
		})
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Write the configured topology into the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(cmd.Context(), func(ctx context.Context, env dbEnv) error {
			if err := seed(ctx, env.db, env.cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded network %d: %d groups, %d edges\n",
				env.cfg.NetworkID, len(env.cfg.Topology.Groups), len(env.cfg.Topology.Edges))
			return nil
		})
	},
}

func init() {
	edgesCmd.AddCommand(edgesListCmd)
	edgesCmd.AddCommand(edgesReciprocateCmd)
	edgesCmd.AddCommand(edgesCleanCmd)
}

// dbEnv is what the database commands work with.
type dbEnv struct {
	cfg    *config.Config
	db     store.Store
	logger *slog.Logger
}

func (e dbEnv) network() spikenet.NetworkID {
	return spikenet.NetworkID(e.cfg.NetworkID)
}

func (e dbEnv) synthesizer() *spikenet.ReciprocitySynthesizer {
	return spikenet.NewReciprocitySynthesizer(e.db, e.network(), e.logger)
}

// withDatabase runs fn against the configured sqlite database. These
// commands change persistent state, so an in-memory store is refused.
func withDatabase(ctx context.Context, fn func(context.Context, dbEnv) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database == "" {
		return errors.New("no database configured (set database in the config or SPIKENET_DATABASE)")
	}
	db, err := store.OpenSQLite(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.Database, err)
	}
	defer db.Close()
	return fn(ctx, dbEnv{cfg: cfg, db: db, logger: logger})
}
