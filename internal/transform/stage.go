package transform

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/granule-sync/internal/config"
	"github.com/sells-group/granule-sync/internal/index"
	"github.com/sells-group/granule-sync/internal/metrics"
	"github.com/sells-group/granule-sync/internal/model"
)

// Options configures a Stage.
type Options struct {
	OutputDir   string
	Concurrency int
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

// Result summarizes one transformation pass over a dataset.
type Result struct {
	Dataset  string
	Granules int
	UpToDate int
	// Transformed and Failed count (granule, grid, field) artifacts.
	Transformed int
	Failed      int
	// Unrecorded counts artifacts whose records could not be written.
	Unrecorded int
	Errors     []error
	// YearsUpdated maps grid to the sorted years with at least one
	// successful artifact in this pass.
	YearsUpdated map[string][]string
}

// Ran reports whether any artifact was attempted.
func (r *Result) Ran() bool {
	return r.Transformed+r.Failed > 0
}

// Stage brings every successfully harvested granule of a dataset up to date
// with the dataset's target matrix.
type Stage struct {
	ds          *config.DatasetConfig
	idx         index.Index
	resolver    *Resolver
	transformer Transformer
	opts        Options
	log         *zap.Logger

	mu    sync.Mutex
	years map[string]map[string]struct{}
}

// NewStage creates a Stage.
func NewStage(ds *config.DatasetConfig, idx index.Index, t Transformer, opts Options) *Stage {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	opts.Concurrency = ds.Parallelism(opts.Concurrency)
	return &Stage{
		ds:          ds,
		idx:         idx,
		resolver:    NewResolver(idx, opts.Metrics),
		transformer: t,
		opts:        opts,
		log: zap.L().With(
			zap.String("component", "transform"),
			zap.String("dataset", ds.Name),
		),
	}
}

// Targets returns the dataset's grid x field matrix. When the dataset names
// no grids, every grid registered in the index is used.
func (s *Stage) Targets(ctx context.Context) ([]model.GridField, error) {
	if len(s.ds.Grids) > 0 {
		return s.ds.Targets(), nil
	}
	docs, err := s.idx.Query(ctx, index.Eq(model.FieldType, model.TypeGrid))
	if err != nil {
		s.opts.Metrics.IncIndexError("query")
		return nil, eris.Wrap(err, "transform: load registered grids")
	}
	var grids []string
	seen := make(map[string]bool)
	for _, d := range docs {
		g := d.String(model.FieldGrid)
		if g == "" || seen[g] {
			continue
		}
		seen[g] = true
		grids = append(grids, g)
	}
	sort.Strings(grids)

	out := make([]model.GridField, 0, len(grids)*len(s.ds.Fields))
	for _, g := range grids {
		for _, f := range s.ds.Fields {
			out = append(out, model.GridField{Grid: g, Field: f.Name})
		}
	}
	return out, nil
}

type granuleResult struct {
	upToDate    bool
	transformed int
	failed      int
	unrecorded  int
	errs        []error
}

// Run transforms every stale target of every harvested granule. Individual
// failures are recorded on the artifact and never abort the pass.
func (s *Stage) Run(ctx context.Context) (*Result, error) {
	res := &Result{Dataset: s.ds.Name, YearsUpdated: make(map[string][]string)}
	s.years = make(map[string]map[string]struct{})

	targets, err := s.Targets(ctx)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		s.log.Info("no transformation targets")
		return res, nil
	}

	docs, err := s.idx.Query(ctx,
		index.Eq(model.FieldType, model.TypeHarvested),
		index.Eq(model.FieldDataset, s.ds.Name),
		index.Eq(model.FieldHarvestSuccess, true),
	)
	if err != nil {
		s.opts.Metrics.IncIndexError("query")
		return nil, eris.Wrapf(err, "transform: load harvested granules of %s", s.ds.Name)
	}

	var granules []model.GranuleRecord
	for _, d := range docs {
		g := model.GranuleFromDocument(d)
		if g.Location == "" {
			continue
		}
		granules = append(granules, g)
	}
	res.Granules = len(granules)

	results := make([]granuleResult, len(granules))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for i := range granules {
		g.Go(func() error {
			results[i] = s.process(gctx, granules[i], targets)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r.upToDate {
			res.UpToDate++
		}
		res.Transformed += r.transformed
		res.Failed += r.failed
		res.Unrecorded += r.unrecorded
		res.Errors = append(res.Errors, r.errs...)
	}
	for grid, set := range s.years {
		years := make([]string, 0, len(set))
		for y := range set {
			years = append(years, y)
		}
		sort.Strings(years)
		res.YearsUpdated[grid] = years
	}

	s.log.Info("transformation complete",
		zap.Int("granules", res.Granules),
		zap.Int("up_to_date", res.UpToDate),
		zap.Int("transformed", res.Transformed),
		zap.Int("failed", res.Failed),
		zap.Int("unrecorded", res.Unrecorded),
	)
	return res, nil
}

func (s *Stage) process(ctx context.Context, granule model.GranuleRecord, targets []model.GridField) granuleResult {
	var out granuleResult
	version := s.ds.VersionNumber

	res := s.resolver.Resolve(ctx, s.ds.Name, granule, version, targets)
	if len(res.Stale) == 0 {
		out.upToDate = true
		return out
	}

	byGrid := ByGrid(res.Stale)
	grids := make([]string, 0, len(byGrid))
	for grid := range byGrid {
		grids = append(grids, grid)
	}
	sort.Strings(grids)

	for _, grid := range grids {
		if ctx.Err() != nil {
			out.errs = append(out.errs, eris.Wrapf(ctx.Err(), "transform: %s", granule.Filename))
			return out
		}
		job := Job{
			Dataset:   s.ds.Name,
			Grid:      grid,
			Fields:    byGrid[grid],
			Granule:   granule.Location,
			Filename:  granule.Filename,
			Date:      granule.Date,
			Version:   version,
			OutputDir: s.opts.OutputDir,
		}
		records := s.runJob(ctx, job, granule, res.Existing)

		ok := false
		for _, rec := range records {
			s.opts.Metrics.ObserveTransformation(s.ds.Name, grid, rec.Success)
			if rec.Success {
				out.transformed++
				ok = true
			} else {
				out.failed++
			}
		}

		if !res.Known() {
			existing, err := s.resolver.Existing(context.WithoutCancel(ctx), s.ds.Name, granule.Location)
			if err != nil {
				out.unrecorded += len(records)
				out.errs = append(out.errs, eris.Wrapf(err, "transform: identities of %s unknown, %d artifacts unrecorded", granule.Filename, len(records)))
				continue
			}
			res.Existing = existing
			for i := range records {
				records[i].ID = existing[records[i].Target()].ID
			}
		}
		if err := s.record(ctx, records); err != nil {
			out.unrecorded += len(records)
			out.errs = append(out.errs, err)
			continue
		}
		if ok {
			s.markYear(grid, granule.Date)
		}
	}
	return out
}

// runJob invokes the transformer and builds one record per field.
func (s *Stage) runJob(ctx context.Context, job Job, granule model.GranuleRecord, existing map[model.GridField]model.TransformationRecord) []model.TransformationRecord {
	outputs, err := s.transformer.Transform(ctx, job)
	if err != nil {
		s.log.Warn("transformation failed",
			zap.String("filename", job.Filename),
			zap.String("grid", job.Grid),
			zap.Error(err),
		)
	}
	byField := make(map[string]Output, len(outputs))
	for _, o := range outputs {
		byField[o.Field] = o
	}

	completed := s.opts.Now()
	version := job.Version
	records := make([]model.TransformationRecord, 0, len(job.Fields))
	for _, f := range job.Fields {
		target := model.GridField{Grid: job.Grid, Field: f}
		rec := model.TransformationRecord{
			ID:              existing[target].ID,
			Dataset:         job.Dataset,
			Grid:            job.Grid,
			Field:           f,
			GranuleLocation: granule.Location,
			Date:            granule.Date,
			OriginChecksum:  granule.Checksum,
			Version:         &version,
			CompletedTime:   completed,
		}
		o, produced := byField[f]
		switch {
		case err != nil:
		case !produced:
			s.log.Warn("transformer returned no output", zap.String("grid", job.Grid), zap.String("field", f))
		case o.Err != nil:
			s.log.Warn("field transformation failed", zap.String("grid", job.Grid), zap.String("field", f), zap.Error(o.Err))
		default:
			rec.Success = true
			rec.OutputLocation = o.Location
		}
		records = append(records, rec)
	}
	return records
}

func (s *Stage) record(ctx context.Context, records []model.TransformationRecord) error {
	batch := make([]index.PartialDocument, len(records))
	for i, r := range records {
		batch[i] = index.PartialDocument{ID: r.ID, Fields: r.Fields()}
	}
	if _, err := s.idx.Upsert(context.WithoutCancel(ctx), batch); err != nil {
		s.opts.Metrics.IncIndexError("upsert")
		return eris.Wrapf(err, "transform: record %d artifacts", len(records))
	}
	return nil
}

func (s *Stage) markYear(grid string, date time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.years[grid]
	if !ok {
		set = make(map[string]struct{})
		s.years[grid] = set
	}
	set[strconv.Itoa(date.Year())] = struct{}{}
}
