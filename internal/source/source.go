// Package source lists and retrieves remote granules. Each harvester type
// maps to one adapter in a static registry.
package source

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/granule-sync/internal/config"
	"github.com/sells-group/granule-sync/internal/fetcher"
	"github.com/sells-group/granule-sync/internal/model"
	"github.com/sells-group/granule-sync/internal/resilience"
)

// Partition is one listing unit, such as a year/month directory.
type Partition struct {
	Key string
	// Dir is the remote location listed for this partition.
	Dir   string
	Year  int
	Month time.Month
	// Region is set when the partition is specific to one configured region.
	Region string
}

// Source is the capability set every adapter provides.
type Source interface {
	// Name is the dataset-level source location recorded in the index.
	Name() string
	// Partitions enumerates the listing units covering the dataset's
	// configured date range.
	Partitions() []Partition
	// List returns the candidate objects of one partition. It fails with an
	// *UnavailableError when the partition cannot be enumerated.
	List(ctx context.Context, p Partition) ([]model.RemoteObject, error)
	// Fetch writes the object's bytes to dest and returns the byte count.
	Fetch(ctx context.Context, obj model.RemoteObject, dest string) (int64, error)
	// LastModified returns the object's modification time, or nil when the
	// source cannot tell.
	LastModified(ctx context.Context, obj model.RemoteObject) (*time.Time, error)
}

// UnavailableError reports a partition that could not be listed.
type UnavailableError struct {
	Source    string
	Partition string
	Err       error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("source %s unavailable for partition %s: %v", e.Source, e.Partition, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Deps are the shared transports handed to adapters.
type Deps struct {
	FTP      fetcher.FTPOptions
	HTTP     *fetcher.HTTPFetcher
	Breakers *resilience.HostBreakers
	Retry    resilience.RetryConfig
}

func (d Deps) withDefaults() Deps {
	if d.HTTP == nil {
		d.HTTP = fetcher.NewHTTPFetcher(fetcher.HTTPOptions{})
	}
	if d.Breakers == nil {
		d.Breakers = resilience.NewHostBreakers(resilience.DefaultCircuitBreakerConfig())
	}
	if d.Retry.MaxAttempts == 0 {
		d.Retry = resilience.DefaultRetryConfig()
	}
	return d
}

// Factory builds an adapter for a validated dataset config.
type Factory func(ds *config.DatasetConfig, deps Deps) (Source, error)

var registry = map[string]Factory{
	"osisaf_ftp": NewFTP,
	"nsidc_ftp":  NewFTP,
	"podaac":     NewOpenSearch,
}

// Types returns the registered harvester types.
func Types() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the adapter registered for ds.HarvesterType. An unknown type is
// a configuration error.
func New(ds *config.DatasetConfig, deps Deps) (Source, error) {
	factory, ok := registry[ds.HarvesterType]
	if !ok {
		return nil, &config.ValidationError{
			Dataset: ds.Name,
			Field:   "harvester_type",
			Msg:     fmt.Sprintf("%q is not one of %v", ds.HarvesterType, Types()),
		}
	}
	src, err := factory(ds, deps.withDefaults())
	if err != nil {
		return nil, eris.Wrapf(err, "source: build %s adapter for %s", ds.HarvesterType, ds.Name)
	}
	return src, nil
}

// granuleExtensions are the file types harvested from any source.
var granuleExtensions = []string{".nc", ".bz2", ".gz"}

func isGranuleFile(name string) bool {
	for _, ext := range granuleExtensions {
		if strings.Contains(name, ext) {
			return true
		}
	}
	return false
}
