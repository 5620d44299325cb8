package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/granule-sync/internal/index"
	"github.com/sells-group/granule-sync/internal/model"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show dataset coverage and harvest status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		docs, err := env.Index.Query(ctx, index.Eq(model.FieldType, model.TypeDataset))
		if err != nil {
			return eris.Wrap(err, "status")
		}
		if len(docs) == 0 {
			fmt.Fprintln(os.Stderr, "No datasets recorded.")
			return nil
		}

		summaries := make([]model.DatasetSummary, len(docs))
		for i, d := range docs {
			summaries[i] = model.SummaryFromDocument(d)
		}
		formatSummaries(cmd.OutOrStdout(), summaries)
		return nil
	},
}

var statusGranulesCmd = &cobra.Command{
	Use:   "granules <dataset>",
	Short: "List harvested granules for a dataset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		filters := []index.Filter{
			index.Eq(model.FieldType, model.TypeHarvested),
			index.Eq(model.FieldDataset, args[0]),
		}
		if failed, _ := cmd.Flags().GetBool("failed"); failed {
			filters = append(filters, index.Eq(model.FieldHarvestSuccess, false))
		}

		docs, err := env.Index.Query(ctx, filters...)
		if err != nil {
			return eris.Wrap(err, "status granules")
		}
		granules := make([]model.GranuleRecord, len(docs))
		for i, d := range docs {
			granules[i] = model.GranuleFromDocument(d)
		}
		formatGranules(cmd.OutOrStdout(), granules)
		return nil
	},
}

func init() {
	statusGranulesCmd.Flags().Bool("failed", false, "only show granules whose last fetch failed")
	statusCmd.AddCommand(statusGranulesCmd)
	rootCmd.AddCommand(statusCmd)
}

// formatSummaries writes one row per dataset, sorted by name.
func formatSummaries(out io.Writer, summaries []model.DatasetSummary) {
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Dataset < summaries[j].Dataset })

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "DATASET\tSTATUS\tSTART\tEND\tLAST_CHECKED\tLAST_DOWNLOAD\tGRIDS")
	_, _ = fmt.Fprintln(w, "-------\t------\t-----\t---\t------------\t-------------\t-----")
	for _, s := range summaries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.Dataset,
			s.Status,
			formatDay(s.CoverageStart),
			formatDay(s.CoverageEnd),
			formatStamp(s.LastChecked),
			formatStamp(s.LastDownload),
			strings.Join(s.Grids(), ","),
		)
	}
	_ = w.Flush()
}

// formatGranules writes granules sorted by date then filename.
func formatGranules(out io.Writer, granules []model.GranuleRecord) {
	sort.Slice(granules, func(i, j int) bool {
		if !granules[i].Date.Equal(granules[j].Date) {
			return granules[i].Date.Before(granules[j].Date)
		}
		return granules[i].Filename < granules[j].Filename
	})

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "DATE\tFILENAME\tOK\tMODIFIED\tDOWNLOADED\tSIZE")
	_, _ = fmt.Fprintln(w, "----\t--------\t--\t--------\t----------\t----")
	for _, g := range granules {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%d\n",
			formatDay(&g.Date),
			g.Filename,
			g.HarvestSuccess,
			formatStamp(g.ModifiedTime),
			formatStamp(&g.DownloadTime),
			g.Size,
		)
	}
	_ = w.Flush()
}

func formatDay(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format("2006-01-02")
}

func formatStamp(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04")
}
