package harvest

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
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
	"github.com/sells-group/granule-sync/internal/source"
	"github.com/sells-group/granule-sync/internal/storage"
)

// GranuleDir is the directory under <output>/<dataset> holding fetched files.
const GranuleDir = "harvested_granules"

// Options configures a Harvester.
type Options struct {
	// OutputDir is the root of local dataset directories.
	OutputDir string
	// Concurrency bounds simultaneous fetches for the dataset.
	Concurrency int
	// FetchTimeout bounds one fetch; zero means no limit beyond ctx.
	FetchTimeout time.Duration
	// Archive uploads fetched files when set; the object URI becomes the
	// storage location.
	Archive *storage.Archive
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Result summarizes one harvest of a dataset.
type Result struct {
	Dataset   string
	CheckTime time.Time

	Listed  int
	Skipped int
	Fetched int
	Failed  int
	// Unrecorded counts outcomes lost to index write failures.
	Unrecorded int

	UnavailablePartitions []string
	Errors                []error

	// Dates are the scientific dates of granules that are successfully
	// harvested after this run, sorted.
	Dates []time.Time
	// LastDownload is the latest successful fetch of the run.
	LastDownload *time.Time
}

// Attempted reports whether any fetch was attempted.
func (r *Result) Attempted() bool {
	return r.Fetched+r.Failed > 0
}

// Harvester runs change detection and fetching for one dataset.
type Harvester struct {
	ds   *config.DatasetConfig
	src  source.Source
	idx  index.Index
	opts Options
	log  *zap.Logger

	// recordMu serializes index writes so descendant identities created by
	// one worker are visible to the next.
	recordMu    sync.Mutex
	descendants map[string]string
}

// New creates a Harvester.
func New(ds *config.DatasetConfig, src source.Source, idx index.Index, opts Options) *Harvester {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	opts.Concurrency = ds.Parallelism(opts.Concurrency)
	return &Harvester{
		ds:   ds,
		src:  src,
		idx:  idx,
		opts: opts,
		log: zap.L().With(
			zap.String("component", "harvest"),
			zap.String("dataset", ds.Name),
		),
	}
}

// candidate is one listed object with its prior record, if any.
type candidate struct {
	obj      model.RemoteObject
	existing *model.GranuleRecord
}

// outcome is the final state of one candidate after the run.
type outcome struct {
	decision Decision
	record   model.GranuleRecord
	recorded bool
	err      error
}

// Run lists every partition, decides per object and fetches what is stale.
// Per-object and per-partition failures are recorded and never abort the
// run. An error is returned only when existing records cannot be read.
func (h *Harvester) Run(ctx context.Context) (*Result, error) {
	res := &Result{Dataset: h.ds.Name, CheckTime: h.opts.Now()}

	existing, err := h.loadGranules(ctx)
	if err != nil {
		h.opts.Metrics.IncIndexError("query")
		return nil, err
	}
	if err := h.loadDescendants(ctx); err != nil {
		h.opts.Metrics.IncIndexError("query")
		return nil, err
	}

	candidates := h.list(ctx, existing, res)
	res.Listed = len(candidates)

	outcomes := make([]outcome, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.opts.Concurrency)
	for i, c := range candidates {
		g.Go(func() error {
			outcomes[i] = h.process(gctx, c, res.CheckTime)
			return nil
		})
	}
	_ = g.Wait()

	for i, o := range outcomes {
		h.opts.Metrics.ObserveDecision(h.ds.Name, o.decision.String())
		if o.decision == Skip {
			res.Skipped++
			if candidates[i].existing.HarvestSuccess {
				res.Dates = append(res.Dates, candidates[i].existing.Date)
			}
			continue
		}
		if !o.recorded {
			res.Unrecorded++
		}
		if o.err != nil {
			res.Failed++
			res.Errors = append(res.Errors, o.err)
			continue
		}

		res.Fetched++
		res.Dates = append(res.Dates, o.record.Date)
		dl := o.record.DownloadTime
		if res.LastDownload == nil || dl.After(*res.LastDownload) {
			res.LastDownload = &dl
		}
	}
	sort.Slice(res.Dates, func(i, j int) bool { return res.Dates[i].Before(res.Dates[j]) })

	h.log.Info("harvest complete",
		zap.Int("listed", res.Listed),
		zap.Int("skipped", res.Skipped),
		zap.Int("fetched", res.Fetched),
		zap.Int("failed", res.Failed),
		zap.Int("unavailable_partitions", len(res.UnavailablePartitions)),
	)
	return res, nil
}

func (h *Harvester) loadGranules(ctx context.Context) (map[string]model.GranuleRecord, error) {
	docs, err := h.idx.Query(ctx,
		index.Eq(model.FieldType, model.TypeHarvested),
		index.Eq(model.FieldDataset, h.ds.Name),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "harvest: load granule records for %s", h.ds.Name)
	}
	out := make(map[string]model.GranuleRecord, len(docs))
	for _, d := range docs {
		g := model.GranuleFromDocument(d)
		out[g.Filename] = g
	}
	return out, nil
}

func (h *Harvester) loadDescendants(ctx context.Context) error {
	docs, err := h.idx.Query(ctx,
		index.Eq(model.FieldType, model.TypeDescendants),
		index.Eq(model.FieldDataset, h.ds.Name),
	)
	if err != nil {
		return eris.Wrapf(err, "harvest: load descendant records for %s", h.ds.Name)
	}
	h.descendants = make(map[string]string, len(docs))
	for _, d := range docs {
		rec := model.DescendantFromDocument(d)
		h.descendants[rec.Key()] = rec.ID
	}
	return nil
}

// list enumerates all partitions. Unavailable partitions are skipped and
// objects seen in more than one partition are kept once.
func (h *Harvester) list(ctx context.Context, existing map[string]model.GranuleRecord, res *Result) []candidate {
	var out []candidate
	seen := make(map[string]bool)
	for _, p := range h.src.Partitions() {
		if ctx.Err() != nil {
			break
		}
		objs, err := h.src.List(ctx, p)
		if err != nil {
			h.log.Warn("partition unavailable, skipping",
				zap.String("partition", p.Key),
				zap.Error(err),
			)
			h.opts.Metrics.IncPartitionUnavailable(h.ds.Name)
			res.UnavailablePartitions = append(res.UnavailablePartitions, p.Key)
			continue
		}
		for _, obj := range objs {
			if seen[obj.Name] {
				continue
			}
			seen[obj.Name] = true
			c := candidate{obj: obj}
			if g, ok := existing[obj.Name]; ok {
				c.existing = &g
			}
			out = append(out, c)
		}
	}
	return out
}

// process decides one candidate and, on Fetch, fetches and records it.
func (h *Harvester) process(ctx context.Context, c candidate, checkTime time.Time) outcome {
	obj := c.obj
	log := h.log.With(zap.String("filename", obj.Name))

	if obj.ModifiedTime == nil && ctx.Err() == nil {
		mod, err := h.src.LastModified(ctx, obj)
		if err != nil {
			log.Debug("modification time unavailable", zap.Error(err))
		}
		obj.ModifiedTime = mod
	}

	if Decide(obj, c.existing) == Skip {
		return outcome{decision: Skip}
	}

	start := time.Now()
	rec, fetchErr := h.fetch(ctx, obj, checkTime)
	if c.existing != nil {
		rec.ID = c.existing.ID
	}
	rec.DownloadTime = h.opts.Now()
	h.opts.Metrics.ObserveFetch(h.ds.Name, fetchErr == nil, rec.Size, time.Since(start))
	if fetchErr != nil {
		log.Warn("fetch failed", zap.Error(fetchErr))
	}

	// Outcomes are recorded even when ctx was cancelled mid-fetch.
	if err := h.record(context.WithoutCancel(ctx), &rec); err != nil {
		h.opts.Metrics.IncIndexError("upsert")
		log.Error("failed to record fetch outcome", zap.Error(err))
		if fetchErr == nil {
			fetchErr = &FetchError{Dataset: h.ds.Name, Filename: obj.Name, Kind: KindIndex, Err: err}
		}
		return outcome{decision: Fetch, record: rec, err: fetchErr}
	}
	return outcome{decision: Fetch, record: rec, recorded: true, err: fetchErr}
}

// fetch obtains the object's bytes locally (or reuses a newer local copy),
// checksums them and archives them. On failure the returned record carries
// the failure sentinels.
func (h *Harvester) fetch(ctx context.Context, obj model.RemoteObject, checkTime time.Time) (model.GranuleRecord, error) {
	rec := model.GranuleRecord{
		Dataset:      h.ds.Name,
		Filename:     obj.Name,
		Date:         obj.Date,
		Region:       obj.Region,
		Source:       obj.URL,
		ModifiedTime: obj.ModifiedTime,
	}
	fail := func(kind FetchKind, err error) (model.GranuleRecord, error) {
		rec.HarvestSuccess = false
		rec.Checksum, rec.Location, rec.Size = "", "", 0
		rec.Message = kind.Message()
		return rec, &FetchError{Dataset: h.ds.Name, Filename: obj.Name, Kind: kind, Err: err}
	}

	year := strconv.Itoa(obj.Date.Year())
	localPath := filepath.Join(h.opts.OutputDir, h.ds.Name, GranuleDir, year, obj.Name)

	if ReusableLocal(localPath, EffectiveModTime(obj, checkTime)) {
		h.log.Debug("reusing local copy", zap.String("filename", obj.Name))
	} else {
		fctx := ctx
		if h.opts.FetchTimeout > 0 {
			var cancel context.CancelFunc
			fctx, cancel = context.WithTimeout(ctx, h.opts.FetchTimeout)
			defer cancel()
		}
		if _, err := h.src.Fetch(fctx, obj, localPath); err != nil {
			return fail(KindDownload, err)
		}
	}

	sum, size, err := checksumFile(localPath)
	if err != nil {
		return fail(KindChecksum, err)
	}
	location := localPath
	if h.opts.Archive != nil {
		raw, _ := hex.DecodeString(sum)
		uri, err := h.opts.Archive.Upload(ctx, localPath, h.opts.Archive.Key(h.ds.Name, year, obj.Name), raw)
		if err != nil {
			return fail(KindArchive, err)
		}
		location = uri
	}

	rec.HarvestSuccess = true
	rec.Checksum = sum
	rec.Location = location
	rec.Size = size
	return rec, nil
}

// record writes the granule and its descendant in one batch and remembers
// the identities the index assigned.
func (h *Harvester) record(ctx context.Context, rec *model.GranuleRecord) error {
	h.recordMu.Lock()
	defer h.recordMu.Unlock()

	desc := model.DescendantRecord{
		Dataset:        rec.Dataset,
		Date:           rec.Date,
		Region:         rec.Region,
		Source:         rec.Source,
		HarvestSuccess: rec.HarvestSuccess,
		Location:       rec.Location,
	}
	desc.ID = h.descendants[desc.Key()]

	ids, err := h.idx.Upsert(ctx, []index.PartialDocument{
		{ID: rec.ID, Fields: rec.Fields()},
		{ID: desc.ID, Fields: desc.Fields()},
	})
	if err != nil {
		return eris.Wrapf(err, "harvest: record %s", rec.Filename)
	}
	if len(ids) != 2 {
		return eris.Errorf("harvest: record %s: index returned %d identities", rec.Filename, len(ids))
	}
	rec.ID = ids[0]
	h.descendants[desc.Key()] = ids[1]
	return nil
}

// checksumFile returns the hex MD5 and size of the file at path.
func checksumFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, eris.Wrapf(err, "harvest: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	h := md5.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, eris.Wrapf(err, "harvest: checksum %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// IsFetchError reports whether err carries a FetchError.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}
