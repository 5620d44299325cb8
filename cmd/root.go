package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/granule-sync/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "granule-sync",
	Short: "Incremental harvesting of scientific data granules",
	Long:  "Harvests granules from FTP mirrors and OpenSearch catalogs, transforms them onto model grids, aggregates yearly products and keeps the metadata index consistent.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
