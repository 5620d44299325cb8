package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/granule-sync/internal/pipeline"
)

var (
	runDatasets []string
	runSteps    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run harvest, transform and aggregate for datasets",
	Long:  "Runs the selected steps for each dataset under pipeline.datasets_dir and prints a per-dataset stage report.",
	RunE: func(cmd *cobra.Command, args []string) error {
		steps, err := pipeline.ParseSteps(runSteps)
		if err != nil {
			return err
		}
		return runPipeline(cmd, runDatasets, steps)
	},
}

// stepCommand builds a shortcut command that runs a single step.
func stepCommand(step pipeline.Step, short string) *cobra.Command {
	var datasets []string
	c := &cobra.Command{
		Use:   string(step),
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, datasets, []pipeline.Step{step})
		},
	}
	c.Flags().StringSliceVar(&datasets, "datasets", nil, "datasets to process (default all)")
	return c
}

var (
	harvestCmd   = stepCommand(pipeline.StepHarvest, "Harvest new and modified granules")
	transformCmd = stepCommand(pipeline.StepTransform, "Transform stale granules onto configured grids")
	aggregateCmd = stepCommand(pipeline.StepAggregate, "Aggregate yearly products for updated years")
)

// runPipeline loads dataset configs, opens the environment and runs steps.
// Configuration errors are reported before any I/O starts.
func runPipeline(cmd *cobra.Command, names []string, steps []pipeline.Step) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cfg.Validate(); err != nil {
		return err
	}
	datasets, err := loadDatasets(cfg.Pipeline.DatasetsDir, names)
	if err != nil {
		return err
	}

	env, err := initEnv(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	if cfg.Metrics.Addr != "" {
		srvCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			_ = listenAndServe(srvCtx, cfg.Metrics.Addr, newServeMux(env, nil))
		}()
	}

	runs, err := newRunner(env, cfg, steps).Run(ctx, datasets)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), pipeline.FormatReport(runs))

	failed := 0
	for _, r := range runs {
		if r.Failed() {
			failed++
		}
	}
	if failed > 0 {
		return eris.Errorf("%d of %d datasets had failed stages", failed, len(runs))
	}
	return nil
}

func init() {
	runCmd.Flags().StringSliceVar(&runDatasets, "datasets", nil, "datasets to process (default all)")
	runCmd.Flags().StringVar(&runSteps, "steps", "harvest,transform,aggregate", "comma-separated steps to run")
	rootCmd.AddCommand(runCmd, harvestCmd, transformCmd, aggregateCmd)
}
