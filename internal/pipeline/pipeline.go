// Package pipeline sequences harvest, transform, reconcile and aggregate for
// each configured dataset.
package pipeline

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/granule-sync/internal/aggregate"
	"github.com/sells-group/granule-sync/internal/config"
	"github.com/sells-group/granule-sync/internal/coverage"
	"github.com/sells-group/granule-sync/internal/harvest"
	"github.com/sells-group/granule-sync/internal/index"
	"github.com/sells-group/granule-sync/internal/metrics"
	"github.com/sells-group/granule-sync/internal/model"
	"github.com/sells-group/granule-sync/internal/source"
	"github.com/sells-group/granule-sync/internal/storage"
	"github.com/sells-group/granule-sync/internal/transform"
)

// Step selects a user-facing stage. Reconciliation always follows harvest
// or transform.
type Step string

const (
	StepHarvest   Step = model.StageHarvest
	StepTransform Step = model.StageTransform
	StepAggregate Step = model.StageAggregate
)

// AllSteps is the default step selection.
var AllSteps = []Step{StepHarvest, StepTransform, StepAggregate}

// ParseSteps parses a comma-separated step list.
func ParseSteps(s string) ([]Step, error) {
	if strings.TrimSpace(s) == "" {
		return AllSteps, nil
	}
	var out []Step
	for _, part := range strings.Split(s, ",") {
		step := Step(strings.TrimSpace(strings.ToLower(part)))
		switch step {
		case StepHarvest, StepTransform, StepAggregate:
			out = append(out, step)
		default:
			return nil, &config.ValidationError{Field: "steps", Msg: "unknown step " + string(step)}
		}
	}
	return out, nil
}

// Deps are the collaborators shared by every dataset run.
type Deps struct {
	Index       index.Index
	Sources     source.Deps
	Archive     *storage.Archive
	Transformer transform.Transformer
	Aggregator  aggregate.Aggregator
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

// Options configures a Runner.
type Options struct {
	OutputDir          string
	Concurrency        int
	DatasetParallelism int
	FetchTimeout       time.Duration
	Steps              []Step
}

// Runner runs the pipeline over a set of datasets.
type Runner struct {
	deps  Deps
	opts  Options
	steps map[Step]bool
	log   *zap.Logger

	// newSource is replaced in tests.
	newSource func(ds *config.DatasetConfig, deps source.Deps) (source.Source, error)
}

// New creates a Runner.
func New(deps Deps, opts Options) *Runner {
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if len(opts.Steps) == 0 {
		opts.Steps = AllSteps
	}
	steps := make(map[Step]bool, len(opts.Steps))
	for _, s := range opts.Steps {
		steps[s] = true
	}
	return &Runner{
		deps:      deps,
		opts:      opts,
		steps:     steps,
		log:       zap.L().With(zap.String("component", "pipeline")),
		newSource: source.New,
	}
}

type prepared struct {
	ds  *config.DatasetConfig
	src source.Source
}

// Run processes every dataset. Configuration errors are returned before any
// dataset starts; stage failures are reported in the returned runs.
func (r *Runner) Run(ctx context.Context, datasets []*config.DatasetConfig) ([]*model.DatasetRun, error) {
	work, err := r.prepare(datasets)
	if err != nil {
		return nil, err
	}

	runs := make([]*model.DatasetRun, len(work))
	g, gctx := errgroup.WithContext(ctx)
	if r.opts.DatasetParallelism > 0 {
		g.SetLimit(r.opts.DatasetParallelism)
	}
	for i := range work {
		g.Go(func() error {
			runs[i] = r.runDataset(gctx, work[i].ds, work[i].src)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, run := range runs {
		if run.Failed() {
			failed++
		}
	}
	r.log.Info("pipeline finished", zap.Int("datasets", len(runs)), zap.Int("failed", failed))
	return runs, nil
}

// prepare builds every source adapter up front so no I/O starts while any
// dataset is misconfigured. Datasets are deduplicated by name.
func (r *Runner) prepare(datasets []*config.DatasetConfig) ([]prepared, error) {
	seen := make(map[string]bool, len(datasets))
	var out []prepared
	for _, ds := range datasets {
		if seen[ds.Name] {
			r.log.Warn("dataset listed twice, running once", zap.String("dataset", ds.Name))
			continue
		}
		seen[ds.Name] = true

		src, err := r.newSource(ds, r.deps.Sources)
		if err != nil {
			return nil, err
		}
		out = append(out, prepared{ds: ds, src: src})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ds.Name < out[j].ds.Name })
	return out, nil
}

func (r *Runner) runDataset(ctx context.Context, ds *config.DatasetConfig, src source.Source) *model.DatasetRun {
	run := &model.DatasetRun{
		RunID:     uuid.New().String(),
		Dataset:   ds.Name,
		StartedAt: r.deps.Now(),
	}
	log := r.log.With(zap.String("dataset", ds.Name), zap.String("run_id", run.RunID))
	log.Info("pipeline: starting dataset")

	var stagesMu sync.Mutex
	trackStage := func(name string, fn func() (map[string]any, error)) bool {
		start := time.Now()
		meta, fnErr := fn()
		elapsed := time.Since(start)

		sr := model.StageResult{Name: name, Duration: elapsed.Milliseconds(), Metadata: meta}
		if fnErr != nil {
			sr.Status = model.StageStatusFailed
			sr.Error = fnErr.Error()
			log.Error("pipeline: stage failed",
				zap.String("stage", name),
				zap.Int64("duration_ms", sr.Duration),
				zap.Error(fnErr),
			)
		} else {
			sr.Status = model.StageStatusComplete
			log.Info("pipeline: stage complete",
				zap.String("stage", name),
				zap.Int64("duration_ms", sr.Duration),
			)
		}
		r.deps.Metrics.ObserveStage(ds.Name, name, fnErr == nil, elapsed)

		stagesMu.Lock()
		run.Stages = append(run.Stages, sr)
		stagesMu.Unlock()
		return fnErr == nil
	}
	skip := func(name string) {
		stagesMu.Lock()
		run.Stages = append(run.Stages, model.StageResult{Name: name, Status: model.StageStatusSkipped})
		stagesMu.Unlock()
	}

	var (
		hres *harvest.Result
		tres *transform.Result
	)

	if r.steps[StepHarvest] {
		trackStage(model.StageHarvest, func() (map[string]any, error) {
			h := harvest.New(ds, src, r.deps.Index, harvest.Options{
				OutputDir:    r.opts.OutputDir,
				Concurrency:  r.opts.Concurrency,
				FetchTimeout: r.opts.FetchTimeout,
				Archive:      r.deps.Archive,
				Metrics:      r.deps.Metrics,
				Now:          r.deps.Now,
			})
			res, err := h.Run(ctx)
			if err != nil {
				return nil, err
			}
			hres = res
			return map[string]any{
				"listed":                 res.Listed,
				"skipped":                res.Skipped,
				"fetched":                res.Fetched,
				"failed":                 res.Failed,
				"unrecorded":             res.Unrecorded,
				"unavailable_partitions": len(res.UnavailablePartitions),
			}, nil
		})
	}

	if r.steps[StepTransform] {
		trackStage(model.StageTransform, func() (map[string]any, error) {
			if r.deps.Transformer == nil {
				return nil, eris.New("pipeline: no transformer configured")
			}
			st := transform.NewStage(ds, r.deps.Index, r.deps.Transformer, transform.Options{
				OutputDir:   r.opts.OutputDir,
				Concurrency: r.opts.Concurrency,
				Metrics:     r.deps.Metrics,
				Now:         r.deps.Now,
			})
			res, err := st.Run(ctx)
			if err != nil {
				return nil, err
			}
			tres = res
			return map[string]any{
				"granules":    res.Granules,
				"up_to_date":  res.UpToDate,
				"transformed": res.Transformed,
				"failed":      res.Failed,
				"unrecorded":  res.Unrecorded,
			}, nil
		})
	}

	if r.steps[StepHarvest] || r.steps[StepTransform] {
		// A failed harvest says nothing about the source; without a transform
		// outcome there is nothing to reconcile.
		harvestFailed := r.steps[StepHarvest] && hres == nil
		switch {
		case ctx.Err() != nil:
			skip(model.StageReconcile)
		case harvestFailed && (tres == nil || !tres.Ran()):
			log.Warn("pipeline: harvest failed, leaving dataset summary untouched")
			skip(model.StageReconcile)
		default:
			trackStage(model.StageReconcile, func() (map[string]any, error) {
				rec := coverage.NewReconciler(r.deps.Index, r.deps.Metrics)
				summary, err := rec.Apply(ctx, ds.Name, Outcomes(hres, tres), ds.Meta(src.Name()), ds.Fields, r.deps.Now())
				if err != nil {
					return nil, err
				}
				run.Summary = &summary
				return map[string]any{"status": string(summary.Status)}, nil
			})
		}
	}

	if r.steps[StepAggregate] {
		trackStage(model.StageAggregate, func() (map[string]any, error) {
			if r.deps.Aggregator == nil {
				return nil, eris.New("pipeline: no aggregator configured")
			}
			years, err := r.aggregateYears(ctx, ds, run, tres)
			if err != nil {
				return nil, err
			}
			st := aggregate.NewStage(ds, r.deps.Aggregator, aggregate.Options{
				OutputDir:   r.opts.OutputDir,
				Concurrency: r.opts.Concurrency,
				Metrics:     r.deps.Metrics,
			})
			res := st.Run(ctx, years)
			meta := map[string]any{"succeeded": len(res.Succeeded), "failed": len(res.Failed)}
			if len(res.Errors) > 0 {
				return meta, eris.Wrapf(res.Errors[0], "pipeline: %d of %d aggregations failed",
					len(res.Failed), len(res.Failed)+len(res.Succeeded))
			}
			return meta, nil
		})
	}

	log.Info("pipeline: dataset complete", zap.Bool("failed", run.Failed()))
	return run
}

// aggregateYears picks the years to aggregate: those transformed in this
// invocation when transform ran, otherwise every year recorded on the
// summary.
func (r *Runner) aggregateYears(ctx context.Context, ds *config.DatasetConfig, run *model.DatasetRun, tres *transform.Result) (map[string][]string, error) {
	if tres != nil {
		return tres.YearsUpdated, nil
	}
	if run.Summary != nil {
		return run.Summary.YearsUpdated, nil
	}
	doc, err := coverage.NewReconciler(r.deps.Index, r.deps.Metrics).Load(ctx, ds.Name)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	return model.SummaryFromDocument(doc).YearsUpdated, nil
}

// Outcomes folds stage results into reconciliation input. Either result may
// be nil when its stage did not run or failed.
func Outcomes(h *harvest.Result, t *transform.Result) coverage.Outcomes {
	var o coverage.Outcomes
	if h != nil {
		o.GranuleDates = h.Dates
		o.FetchAttempted = h.Attempted()
		o.AnySuccess = h.Fetched > 0
		o.LastDownload = h.LastDownload
	}
	if t != nil {
		o.Transformed = t.Ran()
		o.TransformYears = t.YearsUpdated
	}
	return o
}
