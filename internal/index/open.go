package index

import (
	"context"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/granule-sync/internal/db"
	"github.com/sells-group/granule-sync/internal/resilience"
)

// Options selects and configures a backend for Open.
type Options struct {
	Backend     string
	SolrURL     string
	Collection  string
	DatabaseURL string
	SQLitePath  string
	Rows        int
	Timeout     time.Duration
	Retry       resilience.RetryConfig
}

type opener func(ctx context.Context, opts Options) (Index, error)

var backends = map[string]opener{
	"solr": func(_ context.Context, opts Options) (Index, error) {
		return NewSolr(SolrOptions{
			BaseURL:    opts.SolrURL,
			Collection: opts.Collection,
			Rows:       opts.Rows,
			Timeout:    opts.Timeout,
			Retry:      opts.Retry,
		})
	},
	"postgres": openPostgres,
	"sqlite": func(ctx context.Context, opts Options) (Index, error) {
		return NewSQLite(ctx, opts.SQLitePath)
	},
	"memory": func(context.Context, Options) (Index, error) {
		return NewMemory(), nil
	},
}

// Backends returns the names accepted by Open.
func Backends() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open connects to the backend named in opts.
func Open(ctx context.Context, opts Options) (Index, error) {
	open, ok := backends[opts.Backend]
	if !ok {
		return nil, eris.Errorf("index: unknown backend %q", opts.Backend)
	}
	idx, err := open(ctx, opts)
	if err != nil {
		return nil, eris.Wrapf(err, "index: open %s", opts.Backend)
	}
	return idx, nil
}

// openPostgres connects a pool, applies migrations and hands pool ownership
// to the returned index.
func openPostgres(ctx context.Context, opts Options) (Index, error) {
	if opts.DatabaseURL == "" {
		return nil, eris.New("postgres: database url is required")
	}
	pool, err := pgxpool.New(ctx, opts.DatabaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping database")
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	p := NewPostgres(pool)
	p.release = pool.Close
	return p, nil
}
