package main

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/granule-sync/internal/aggregate"
	"github.com/sells-group/granule-sync/internal/config"
	"github.com/sells-group/granule-sync/internal/fetcher"
	"github.com/sells-group/granule-sync/internal/index"
	"github.com/sells-group/granule-sync/internal/metrics"
	"github.com/sells-group/granule-sync/internal/pipeline"
	"github.com/sells-group/granule-sync/internal/resilience"
	"github.com/sells-group/granule-sync/internal/source"
	"github.com/sells-group/granule-sync/internal/storage"
	"github.com/sells-group/granule-sync/internal/transform"
)

// appEnv holds the index, archive and metrics shared by every command.
type appEnv struct {
	Index    index.Index
	Archive  *storage.Archive // nil when storage.bucket_url is unset
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Archive != nil {
		_ = e.Archive.Close()
	}
	if e.Index != nil {
		_ = e.Index.Close()
	}
}

// initEnv validates the application config and opens the index and archive.
// Callers should defer env.Close().
func initEnv(ctx context.Context) (*appEnv, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	idx, err := index.Open(ctx, indexOptions(cfg))
	if err != nil {
		return nil, err
	}
	env := &appEnv{Index: idx}

	if cfg.Storage.BucketURL != "" {
		archive, err := storage.Open(ctx, cfg.Storage.BucketURL, cfg.Storage.Prefix)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.Archive = archive
		zap.L().Info("archiving harvested granules", zap.String("bucket", cfg.Storage.BucketURL))
	}

	env.Registry = prometheus.NewRegistry()
	env.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	env.Metrics = metrics.New(env.Registry, cfg.Metrics.Namespace)
	return env, nil
}

func indexOptions(c *config.Config) index.Options {
	r := c.Index.Retry
	return index.Options{
		Backend:     c.Index.Backend,
		SolrURL:     c.Index.SolrURL,
		Collection:  c.Index.Collection,
		DatabaseURL: c.Index.DatabaseURL,
		SQLitePath:  c.Index.SQLitePath,
		Rows:        c.Index.Rows,
		Timeout:     time.Duration(c.Index.TimeoutSecs) * time.Second,
		Retry:       resilience.FromRetryConfig(r.MaxAttempts, r.InitialBackoffMs, r.MaxBackoffMs, r.Multiplier, r.JitterFraction),
	}
}

func sourceDeps(c *config.Config) source.Deps {
	timeout := time.Duration(c.Fetch.TimeoutSecs) * time.Second
	retry := resilience.DefaultRetryConfig()
	if c.Fetch.MaxRetries >= 0 {
		retry.MaxAttempts = c.Fetch.MaxRetries + 1
	}
	return source.Deps{
		FTP: fetcher.FTPOptions{Timeout: timeout},
		HTTP: fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			UserAgent:  c.Fetch.UserAgent,
			Timeout:    timeout,
			MaxRetries: c.Fetch.MaxRetries,
			RatePerSec: c.Fetch.RatePerSec,
			Burst:      c.Fetch.Burst,
		}),
		Breakers: resilience.NewHostBreakers(
			resilience.FromCircuitConfig(c.Fetch.CircuitFailureThreshold, c.Fetch.CircuitResetSecs),
		),
		Retry: retry,
	}
}

func newTransformer(c *config.Config) transform.Transformer {
	if c.Transform.Command == "" {
		return nil
	}
	return &transform.ExecTransformer{
		Command: c.Transform.Command,
		Args:    c.Transform.Args,
		Timeout: time.Duration(c.Transform.TimeoutSecs) * time.Second,
	}
}

func newAggregator(c *config.Config) aggregate.Aggregator {
	if c.Aggregate.Command == "" {
		return nil
	}
	return &aggregate.ExecAggregator{
		Command: c.Aggregate.Command,
		Args:    c.Aggregate.Args,
		Timeout: time.Duration(c.Aggregate.TimeoutSecs) * time.Second,
	}
}

// newRunner wires a pipeline Runner for the given steps.
func newRunner(env *appEnv, c *config.Config, steps []pipeline.Step) *pipeline.Runner {
	return pipeline.New(pipeline.Deps{
		Index:       env.Index,
		Sources:     sourceDeps(c),
		Archive:     env.Archive,
		Transformer: newTransformer(c),
		Aggregator:  newAggregator(c),
		Metrics:     env.Metrics,
	}, pipeline.Options{
		OutputDir:          c.Pipeline.OutputDir,
		Concurrency:        c.Pipeline.Concurrency,
		DatasetParallelism: c.Pipeline.DatasetParallelism,
		FetchTimeout:       time.Duration(c.Pipeline.FetchTimeoutSecs) * time.Second,
		Steps:              steps,
	})
}

// loadDatasets loads the named dataset configs, or every dataset under dir
// when names is empty. Any invalid config fails the whole load.
func loadDatasets(dir string, names []string) ([]*config.DatasetConfig, error) {
	if len(names) == 0 {
		all, err := config.ListDatasets(dir)
		if err != nil {
			return nil, err
		}
		names = all
	}
	if len(names) == 0 {
		return nil, eris.Errorf("no dataset configs found in %s", dir)
	}

	out := make([]*config.DatasetConfig, 0, len(names))
	for _, name := range names {
		ds, err := config.LoadDataset(dir, strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		out = append(out, ds)
	}
	return out, nil
}
