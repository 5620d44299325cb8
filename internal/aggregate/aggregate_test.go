package aggregate

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/granule-sync/internal/config"
	"github.com/sells-group/granule-sync/internal/metrics"
	"github.com/sells-group/granule-sync/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeAggregator struct {
	mu   sync.Mutex
	jobs []Job
	fail map[string]bool
}

func (f *fakeAggregator) Aggregate(_ context.Context, job Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	if f.fail[job.Grid+"/"+job.Year] {
		return errors.New("exit status 1")
	}
	return nil
}

func testDataset() *config.DatasetConfig {
	return &config.DatasetConfig{
		Name:          "sea_ice_conc",
		VersionNumber: 1.2,
		Fields:        []model.FieldMeta{{Name: "ice_conc"}, {Name: "ice_thick"}},
		Concurrency:   3,
	}
}

func TestStage_Jobs(t *testing.T) {
	s := NewStage(testDataset(), &fakeAggregator{}, Options{OutputDir: "/out"})
	jobs := s.Jobs(map[string][]string{
		"TPOSE":      {"2020"},
		"ECCO_llc90": {"2021", "2019"},
	})
	require.Len(t, jobs, 3)
	assert.Equal(t, "ECCO_llc90", jobs[0].Grid)
	assert.Equal(t, "2019", jobs[0].Year)
	assert.Equal(t, "2021", jobs[1].Year)
	assert.Equal(t, "TPOSE", jobs[2].Grid)
	assert.Equal(t, []string{"ice_conc", "ice_thick"}, jobs[0].Fields)
	assert.Equal(t, "/out/sea_ice_conc/aggregated_products/ECCO_llc90/2019", jobs[0].ProductDir())
	assert.Equal(t, "/out/sea_ice_conc/transformed_products/ECCO_llc90/transformed", jobs[0].InputDir())
}

func TestStage_RunCollectsFailures(t *testing.T) {
	agg := &fakeAggregator{fail: map[string]bool{"TPOSE/2020": true}}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, "test")

	res := NewStage(testDataset(), agg, Options{OutputDir: "/out", Metrics: m}).Run(context.Background(),
		map[string][]string{"TPOSE": {"2020", "2021"}, "ECCO_llc90": {"2020"}})

	assert.Len(t, agg.jobs, 3)
	assert.Len(t, res.Succeeded, 2)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "2020", res.Failed[0].Year)
	assert.Len(t, res.Errors, 1)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Aggregations.WithLabelValues("sea_ice_conc", "TPOSE", "failure")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Aggregations.WithLabelValues("sea_ice_conc", "TPOSE", "success")), 0)
}

func TestStage_RunNothing(t *testing.T) {
	agg := &fakeAggregator{}
	res := NewStage(testDataset(), agg, Options{}).Run(context.Background(), nil)
	assert.Empty(t, res.Succeeded)
	assert.Empty(t, agg.jobs)
}

func TestExecAggregator(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	job := Job{Dataset: "ds", Grid: "g", Year: "2020", Fields: []string{"a", "b"}, Version: 2, OutputDir: dir}

	agg := &ExecAggregator{
		Command: "sh",
		Args:    []string{"-c", `echo "$1 $2 $3" > "$4/summary.txt"`, "aggregate", "{grid}", "{year}", "{fields}", "{output_dir}"},
	}
	require.NoError(t, agg.Aggregate(context.Background(), job))
	raw, err := os.ReadFile(filepath.Join(job.ProductDir(), "summary.txt"))
	require.NoError(t, err)
	assert.Equal(t, "g 2020 a,b\n", string(raw))

	failing := &ExecAggregator{Command: "sh", Args: []string{"-c", "echo no inputs >&2; exit 1"}}
	err = failing.Aggregate(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no inputs")

	slow := &ExecAggregator{Command: "sh", Args: []string{"-c", "exec sleep 5"}, Timeout: 50 * time.Millisecond}
	require.Error(t, slow.Aggregate(context.Background(), job))

	require.Error(t, (&ExecAggregator{}).Aggregate(context.Background(), job))
}
