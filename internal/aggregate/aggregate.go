// Package aggregate builds yearly products for every (grid, year) touched by
// transformation.
package aggregate

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/granule-sync/internal/config"
	"github.com/sells-group/granule-sync/internal/execcmd"
	"github.com/sells-group/granule-sync/internal/metrics"
	"github.com/sells-group/granule-sync/internal/transform"
)

// ProductsDir is the directory under <output>/<dataset> holding aggregated
// products.
const ProductsDir = "aggregated_products"

// Job is one grid-year aggregation.
type Job struct {
	Dataset   string
	Grid      string
	Year      string
	Fields    []string
	Version   float64
	OutputDir string
}

// InputDir is where transformed products of the job's grid live.
func (j Job) InputDir() string {
	return filepath.Join(j.OutputDir, j.Dataset, transform.ProductsDir, j.Grid, "transformed")
}

// ProductDir is where the job writes its yearly products.
func (j Job) ProductDir() string {
	return filepath.Join(j.OutputDir, j.Dataset, ProductsDir, j.Grid, j.Year)
}

// Aggregator produces the yearly products of one Job.
type Aggregator interface {
	Aggregate(ctx context.Context, job Job) error
}

// ExecAggregator runs an external command per job. Arguments may use the
// placeholders {dataset}, {grid}, {year}, {fields}, {version}, {input_dir}
// and {output_dir}.
type ExecAggregator struct {
	Command string
	Args    []string
	Timeout time.Duration
}

// Aggregate implements Aggregator.
func (e *ExecAggregator) Aggregate(ctx context.Context, job Job) error {
	if e.Command == "" {
		return eris.New("aggregate: no command configured")
	}
	if err := os.MkdirAll(job.ProductDir(), 0o755); err != nil {
		return eris.Wrapf(err, "aggregate: create %s", job.ProductDir())
	}

	r := strings.NewReplacer(
		"{dataset}", job.Dataset,
		"{grid}", job.Grid,
		"{year}", job.Year,
		"{fields}", strings.Join(job.Fields, ","),
		"{version}", strconv.FormatFloat(job.Version, 'f', -1, 64),
		"{input_dir}", job.InputDir(),
		"{output_dir}", job.ProductDir(),
	)
	if err := execcmd.Run(ctx, e.Command, e.Args, r, e.Timeout); err != nil {
		return eris.Wrapf(err, "aggregate: %s %s %s", job.Dataset, job.Grid, job.Year)
	}
	return nil
}

// Options configures a Stage.
type Options struct {
	OutputDir   string
	Concurrency int
	Metrics     *metrics.Metrics
}

// Result summarizes one aggregation pass.
type Result struct {
	Dataset   string
	Succeeded []Job
	Failed    []Job
	Errors    []error
}

// Stage runs the yearly aggregations of a dataset.
type Stage struct {
	ds   *config.DatasetConfig
	agg  Aggregator
	opts Options
	log  *zap.Logger
}

// NewStage creates a Stage.
func NewStage(ds *config.DatasetConfig, agg Aggregator, opts Options) *Stage {
	opts.Concurrency = ds.Parallelism(opts.Concurrency)
	return &Stage{
		ds:   ds,
		agg:  agg,
		opts: opts,
		log: zap.L().With(
			zap.String("component", "aggregate"),
			zap.String("dataset", ds.Name),
		),
	}
}

// Jobs expands years per grid into sorted jobs.
func (s *Stage) Jobs(years map[string][]string) []Job {
	fields := make([]string, len(s.ds.Fields))
	for i, f := range s.ds.Fields {
		fields[i] = f.Name
	}
	var jobs []Job
	for grid, ys := range years {
		for _, y := range ys {
			jobs = append(jobs, Job{
				Dataset:   s.ds.Name,
				Grid:      grid,
				Year:      y,
				Fields:    fields,
				Version:   s.ds.VersionNumber,
				OutputDir: s.opts.OutputDir,
			})
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Grid != jobs[j].Grid {
			return jobs[i].Grid < jobs[j].Grid
		}
		return jobs[i].Year < jobs[j].Year
	})
	return jobs
}

// Run aggregates every (grid, year) in years. Failures are collected and
// never stop other jobs.
func (s *Stage) Run(ctx context.Context, years map[string][]string) *Result {
	jobs := s.Jobs(years)
	res := &Result{Dataset: s.ds.Name}
	errs := make([]error, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for i := range jobs {
		g.Go(func() error {
			errs[i] = s.agg.Aggregate(gctx, jobs[i])
			return nil
		})
	}
	_ = g.Wait()

	for i, j := range jobs {
		ok := errs[i] == nil
		s.opts.Metrics.ObserveAggregation(j.Dataset, j.Grid, ok)
		if ok {
			res.Succeeded = append(res.Succeeded, j)
			continue
		}
		s.log.Warn("aggregation failed",
			zap.String("grid", j.Grid),
			zap.String("year", j.Year),
			zap.Error(errs[i]),
		)
		res.Failed = append(res.Failed, j)
		res.Errors = append(res.Errors, errs[i])
	}

	s.log.Info("aggregation complete",
		zap.Int("succeeded", len(res.Succeeded)),
		zap.Int("failed", len(res.Failed)),
	)
	return res
}
