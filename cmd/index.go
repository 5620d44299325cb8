package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/granule-sync/internal/index"
	"github.com/sells-group/granule-sync/internal/model"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the metadata index",
}

var indexMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Prepare the index schema for the configured backend",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		zap.L().Info("index ready", zap.String("backend", cfg.Index.Backend))
		return nil
	},
}

var gridsCmd = &cobra.Command{
	Use:   "grids",
	Short: "Manage registered transformation grids",
}

var gridsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered grids",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		grids, err := registeredGrids(ctx, env.Index)
		if err != nil {
			return err
		}
		for _, g := range grids {
			fmt.Fprintln(cmd.OutOrStdout(), g)
		}
		return nil
	},
}

var gridsRegisterCmd = &cobra.Command{
	Use:   "register <grid>...",
	Short: "Register grids so datasets without configured grids transform onto them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := registerGrids(ctx, env.Index, args)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Registered %d new grid(s).\n", n)
		return nil
	},
}

func init() {
	indexCmd.AddCommand(indexMigrateCmd)
	gridsCmd.AddCommand(gridsListCmd, gridsRegisterCmd)
	rootCmd.AddCommand(indexCmd, gridsCmd)
}

func registeredGrids(ctx context.Context, idx index.Index) ([]string, error) {
	docs, err := idx.Query(ctx, index.Eq(model.FieldType, model.TypeGrid))
	if err != nil {
		return nil, eris.Wrap(err, "grids: query")
	}
	seen := make(map[string]bool, len(docs))
	var grids []string
	for _, d := range docs {
		g := d.String(model.FieldGrid)
		if g == "" || seen[g] {
			continue
		}
		seen[g] = true
		grids = append(grids, g)
	}
	sort.Strings(grids)
	return grids, nil
}

// registerGrids writes a grid document for each name not already registered
// and returns how many were created.
func registerGrids(ctx context.Context, idx index.Index, names []string) (int, error) {
	existing, err := registeredGrids(ctx, idx)
	if err != nil {
		return 0, err
	}
	known := make(map[string]bool, len(existing))
	for _, g := range existing {
		known[g] = true
	}

	var batch []index.PartialDocument
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" || known[name] {
			continue
		}
		known[name] = true
		batch = append(batch, index.PartialDocument{Fields: model.GridFields(name)})
	}
	if len(batch) == 0 {
		return 0, nil
	}
	if _, err := idx.Upsert(ctx, batch); err != nil {
		return 0, eris.Wrap(err, "grids: register")
	}
	return len(batch), nil
}
