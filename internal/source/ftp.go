package source

import (
	"context"
	"fmt"
	"net"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/granule-sync/internal/config"
	"github.com/sells-group/granule-sync/internal/fetcher"
	"github.com/sells-group/granule-sync/internal/model"
	"github.com/sells-group/granule-sync/internal/resilience"
)

// granuleDateLayout is the date embedded in granule file names.
const granuleDateLayout = "20060102"

// FTP lists year/month directories on an FTP mirror and filters entries by
// name, region token, extension and embedded date.
type FTP struct {
	ds      *config.DatasetConfig
	fetcher *fetcher.FTPFetcher
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
	log     *zap.Logger
}

// NewFTP builds the FTP adapter.
func NewFTP(ds *config.DatasetConfig, deps Deps) (Source, error) {
	if ds.Host == "" {
		return nil, &config.ValidationError{Dataset: ds.Name, Field: "host", Msg: "is required"}
	}
	if ds.DateExpression == nil {
		return nil, &config.ValidationError{Dataset: ds.Name, Field: "regex", Msg: "is required"}
	}
	opts := deps.FTP
	if ds.User != "" {
		opts.User = ds.User
	}
	host, _, err := net.SplitHostPort(ds.Host)
	if err != nil {
		host = ds.Host
	}
	retry := deps.Retry
	retry.OnRetry = resilience.RetryLogger("source.ftp", ds.Name)
	return &FTP{
		ds:      ds,
		fetcher: fetcher.NewFTPFetcher(opts),
		breaker: deps.Breakers.For(host),
		retry:   retry,
		log: zap.L().With(
			zap.String("component", "source.ftp"),
			zap.String("dataset", ds.Name),
		),
	}, nil
}

// Name implements Source.
func (f *FTP) Name() string {
	return fmt.Sprintf("ftp://%s/%s", f.ds.Host, strings.TrimPrefix(f.ds.Ddir, "/"))
}

// Partitions implements Source: one partition per month in [start, end],
// multiplied by region when the layout names one.
func (f *FTP) Partitions() []Partition {
	perRegion := strings.Contains(f.ds.PartitionLayout, "{region}")
	regions := []string{""}
	if perRegion {
		regions = f.ds.Regions
	}

	var out []Partition
	first := time.Date(f.ds.StartTime.Year(), f.ds.StartTime.Month(), 1, 0, 0, 0, 0, time.UTC)
	for m := first; !m.After(f.ds.EndTime); m = m.AddDate(0, 1, 0) {
		for _, region := range regions {
			dir := strings.NewReplacer(
				"{year}", strconv.Itoa(m.Year()),
				"{month}", fmt.Sprintf("%02d", int(m.Month())),
				"{region}", region,
			).Replace(f.ds.PartitionLayout)
			key := m.Format("2006/01")
			if region != "" {
				key += "/" + region
			}
			out = append(out, Partition{
				Key:    key,
				Dir:    f.ds.Ddir + dir,
				Year:   m.Year(),
				Month:  m.Month(),
				Region: region,
			})
		}
	}
	return out
}

// List implements Source.
func (f *FTP) List(ctx context.Context, p Partition) ([]model.RemoteObject, error) {
	sess, err := resilience.ExecuteVal(ctx, f.breaker, func(ctx context.Context) (*fetcher.FTPSession, error) {
		return resilience.DoVal(ctx, f.retry, func(ctx context.Context) (*fetcher.FTPSession, error) {
			return f.fetcher.Connect(ctx, f.ds.Host, "")
		})
	})
	if err != nil {
		return nil, &UnavailableError{Source: f.Name(), Partition: p.Key, Err: err}
	}
	defer sess.Close() //nolint:errcheck

	names, err := sess.NameList(p.Dir)
	if err != nil {
		return nil, &UnavailableError{Source: f.Name(), Partition: p.Key, Err: err}
	}

	regions := f.ds.Regions
	if p.Region != "" {
		regions = []string{p.Region}
	}

	var out []model.RemoteObject
	for _, name := range names {
		if f.ds.FilenameFilter != "" && !strings.Contains(name, f.ds.FilenameFilter) {
			continue
		}
		if !isGranuleFile(name) {
			continue
		}
		region, ok := matchRegion(name, regions)
		if !ok {
			continue
		}
		date, ok := f.granuleDate(name)
		if !ok {
			continue
		}
		if date.Before(f.ds.StartTime) || date.After(f.ds.EndTime) {
			continue
		}

		remotePath := path.Join(p.Dir, name)
		obj := model.RemoteObject{
			Name:      name,
			Partition: p.Key,
			Region:    region,
			Date:      date,
			URL:       fmt.Sprintf("ftp://%s/%s", f.ds.Host, strings.TrimPrefix(remotePath, "/")),
		}
		if mod, err := sess.ModTime(remotePath); err == nil {
			obj.ModifiedTime = &mod
		} else {
			f.log.Debug("no modification time from server", zap.String("filename", name), zap.Error(err))
		}
		out = append(out, obj)
	}

	if len(out) == 0 {
		f.log.Info("no granules found", zap.String("partition", p.Key))
	}
	return out, nil
}

// Fetch implements Source.
func (f *FTP) Fetch(ctx context.Context, obj model.RemoteObject, dest string) (int64, error) {
	return resilience.ExecuteVal(ctx, f.breaker, func(ctx context.Context) (int64, error) {
		return resilience.DoVal(ctx, f.retry, func(ctx context.Context) (int64, error) {
			return f.fetcher.DownloadToFile(ctx, obj.URL, dest)
		})
	})
}

// LastModified implements Source with an MDTM query. A server without MDTM
// support yields nil.
func (f *FTP) LastModified(ctx context.Context, obj model.RemoteObject) (*time.Time, error) {
	sess, err := f.fetcher.Connect(ctx, f.ds.Host, "")
	if err != nil {
		return nil, eris.Wrap(err, "source: ftp last modified")
	}
	defer sess.Close() //nolint:errcheck

	remotePath := strings.TrimPrefix(obj.URL, fmt.Sprintf("ftp://%s", f.ds.Host))
	mod, err := sess.ModTime(remotePath)
	if err != nil {
		return nil, nil //nolint:nilerr
	}
	return &mod, nil
}

// granuleDate extracts the scientific date embedded in name.
func (f *FTP) granuleDate(name string) (time.Time, bool) {
	match := f.ds.DateExpression.FindString(name)
	if match == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(granuleDateLayout, match)
	if err != nil {
		f.log.Debug("unparseable granule date", zap.String("filename", name), zap.String("match", match))
		return time.Time{}, false
	}
	return t, true
}

// RegionToken maps a configured region to the token found in file names.
func RegionToken(region string) string {
	switch strings.ToLower(region) {
	case "north", "nh":
		return "nh"
	case "south", "sh":
		return "sh"
	}
	return region
}

// matchRegion returns the token of the first region present in name. With no
// regions configured every name matches with an empty token.
func matchRegion(name string, regions []string) (string, bool) {
	if len(regions) == 0 {
		return "", true
	}
	for _, r := range regions {
		tok := RegionToken(r)
		if strings.Contains(name, tok) {
			return tok, true
		}
	}
	return "", false
}
