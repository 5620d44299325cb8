package main

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/granule-sync/internal/monitoring"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check dataset health and send alerts",
	Long:  "Evaluates dataset staleness and error status once, or continuously with --watch.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		checker := monitoring.NewChecker(
			monitoring.NewCollector(env.Index),
			monitoring.NewAlerter(cfg.Monitoring),
			cfg.Monitoring,
			env.Metrics,
		)

		if watch, _ := cmd.Flags().GetBool("watch"); watch {
			checker.Run(ctx)
			return nil
		}

		snap, alerts, err := checker.Check(ctx)
		if err != nil {
			return err
		}
		formatHealth(cmd.OutOrStdout(), snap, alerts)
		return nil
	},
}

func init() {
	checkCmd.Flags().Bool("watch", false, "keep checking on monitoring.check_interval_secs")
	rootCmd.AddCommand(checkCmd)
}

// formatHealth writes the unhealthy datasets and the alerts raised.
func formatHealth(out io.Writer, snap *monitoring.HealthSnapshot, alerts []monitoring.Alert) {
	unhealthy := snap.Unhealthy()
	_, _ = fmt.Fprintf(out, "Datasets: %d, unhealthy: %d\n", len(snap.Datasets), len(unhealthy))
	if len(alerts) == 0 {
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SEVERITY\tTYPE\tDATASET\tMESSAGE")
	for _, a := range alerts {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.Severity, a.Type, a.Dataset, a.Message)
	}
	_ = w.Flush()
}
