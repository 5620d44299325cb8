package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sells-group/granule-sync/internal/index"
	"github.com/sells-group/granule-sync/internal/model"
)

// FormatReport renders a human-readable summary of dataset runs.
func FormatReport(runs []*model.DatasetRun) string {
	var b strings.Builder

	failed := 0
	for _, r := range runs {
		if r.Failed() {
			failed++
		}
	}
	b.WriteString("# Pipeline Report\n")
	fmt.Fprintf(&b, "- Datasets: %d\n", len(runs))
	fmt.Fprintf(&b, "- Failed: %d\n\n", failed)

	for _, r := range runs {
		fmt.Fprintf(&b, "## %s\n", r.Dataset)
		fmt.Fprintf(&b, "Run: %s\n", r.RunID)
		if s := r.Summary; s != nil {
			fmt.Fprintf(&b, "Status: %s\n", s.Status)
			if s.CoverageStart != nil && s.CoverageEnd != nil {
				fmt.Fprintf(&b, "Coverage: %s to %s\n",
					s.CoverageStart.Format("2006-01-02"), s.CoverageEnd.Format("2006-01-02"))
			}
			if s.LastDownload != nil {
				fmt.Fprintf(&b, "Last download: %s\n", index.FormatTime(*s.LastDownload))
			}
		}
		for _, st := range r.Stages {
			fmt.Fprintf(&b, "- %s: %s (%dms)", st.Name, st.Status, st.Duration)
			if len(st.Metadata) > 0 {
				fmt.Fprintf(&b, " %s", formatMetadata(st.Metadata))
			}
			b.WriteString("\n")
			if st.Error != "" {
				fmt.Fprintf(&b, "  Error: %s\n", st.Error)
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

func formatMetadata(meta map[string]any) string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, meta[k])
	}
	return strings.Join(parts, " ")
}
