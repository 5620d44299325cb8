package source

import (
	"context"
	"encoding/xml"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/granule-sync/internal/config"
	"github.com/sells-group/granule-sync/internal/fetcher"
	"github.com/sells-group/granule-sync/internal/index"
	"github.com/sells-group/granule-sync/internal/model"
	"github.com/sells-group/granule-sync/internal/resilience"
)

// opendapTitle marks the entry link that locates the granule.
const opendapTitle = "OPeNDAP URL"

// maxPages bounds pagination against a feed whose next links loop.
const maxPages = 10000

// OpenSearch pages through an Atom granule feed.
type OpenSearch struct {
	ds       *config.DatasetConfig
	http     *fetcher.HTTPFetcher
	breakers *resilience.HostBreakers
	log      *zap.Logger
}

// NewOpenSearch builds the OpenSearch adapter. ds.Host is the search endpoint
// including its fixed query parameters.
func NewOpenSearch(ds *config.DatasetConfig, deps Deps) (Source, error) {
	if ds.Host == "" {
		return nil, &config.ValidationError{Dataset: ds.Name, Field: "host", Msg: "is required"}
	}
	if ds.PodaacID == "" {
		return nil, &config.ValidationError{Dataset: ds.Name, Field: "podaac_id", Msg: "is required"}
	}
	return &OpenSearch{
		ds:       ds,
		http:     deps.HTTP,
		breakers: deps.Breakers,
		log: zap.L().With(
			zap.String("component", "source.opensearch"),
			zap.String("dataset", ds.Name),
		),
	}, nil
}

// Name implements Source.
func (o *OpenSearch) Name() string {
	return o.ds.Host + "&datasetId=" + o.ds.PodaacID
}

// Partitions implements Source. The feed paginates itself, so the whole
// range is one partition.
func (o *OpenSearch) Partitions() []Partition {
	return []Partition{{
		Key:  o.ds.Start + "-" + o.ds.End,
		Dir:  o.searchURL(),
		Year: o.ds.StartTime.Year(),
	}}
}

func (o *OpenSearch) searchURL() string {
	u := o.Name()
	if !o.ds.Aggregated {
		u += "&endTime=" + url.QueryEscape(o.ds.End) + "&startTime=" + url.QueryEscape(o.ds.Start)
	}
	return u
}

// atomNode decodes both feed-level links and entries.
type atomNode struct {
	XMLName xml.Name
	Rel     string     `xml:"rel,attr"`
	Href    string     `xml:"href,attr"`
	Updated string     `xml:"updated"`
	Start   string     `xml:"start"`
	End     string     `xml:"end"`
	Links   []atomLink `xml:"link"`
}

type atomLink struct {
	Href  string `xml:"href,attr"`
	Title string `xml:"title,attr"`
	Rel   string `xml:"rel,attr"`
}

// List implements Source, following rel="next" links until the feed ends.
func (o *OpenSearch) List(ctx context.Context, p Partition) ([]model.RemoteObject, error) {
	var out []model.RemoteObject
	next := p.Dir
	for page := 0; next != "" && page < maxPages; page++ {
		objs, nextURL, err := o.page(ctx, next, p.Key)
		if err != nil {
			return nil, &UnavailableError{Source: o.Name(), Partition: p.Key, Err: err}
		}
		out = append(out, objs...)
		next = nextURL
	}
	if len(out) == 0 {
		o.log.Info("no granules found", zap.String("partition", p.Key))
	}
	return out, nil
}

func (o *OpenSearch) page(ctx context.Context, pageURL, partition string) ([]model.RemoteObject, string, error) {
	rc, err := guarded(ctx, o.breakers, pageURL, func(ctx context.Context) (io.ReadCloser, error) {
		return o.http.Download(ctx, pageURL)
	})
	if err != nil {
		return nil, "", err
	}
	defer rc.Close() //nolint:errcheck

	var (
		objs []model.RemoteObject
		next string
	)
	nodes, errs := fetcher.StreamXML[atomNode](ctx, rc, "entry", "link")
	for n := range nodes {
		switch n.XMLName.Local {
		case "link":
			if n.Rel == "next" {
				next = n.Href
			}
		case "entry":
			if obj, ok := o.entry(n, partition); ok {
				objs = append(objs, obj)
			}
		}
	}
	for err := range errs {
		if err != nil {
			return nil, "", eris.Wrapf(err, "source: parse feed page %s", pageURL)
		}
	}
	return objs, next, nil
}

func (o *OpenSearch) entry(n atomNode, partition string) (model.RemoteObject, bool) {
	var link string
	for _, l := range n.Links {
		if l.Title == opendapTitle {
			link = l.Href
			break
		}
	}
	if link == "" {
		return model.RemoteObject{}, false
	}
	// The OPeNDAP link carries a trailing ".html"; the granule is the file
	// without that extension.
	link = strings.TrimSuffix(link, path.Ext(link))
	name := path.Base(link)
	if !isGranuleFile(name) {
		return model.RemoteObject{}, false
	}

	date, err := parseFeedTime(n.Start)
	if err != nil {
		o.log.Warn("entry without usable start time", zap.String("filename", name), zap.Error(err))
		return model.RemoteObject{}, false
	}
	if !o.ds.Aggregated && (date.Before(o.ds.StartTime) || date.After(o.ds.EndTime)) {
		return model.RemoteObject{}, false
	}

	obj := model.RemoteObject{
		Name:      name,
		Partition: partition,
		Date:      date,
		URL:       link,
	}
	if mod, err := parseFeedTime(n.Updated); err == nil {
		obj.ModifiedTime = &mod
	}
	return obj, true
}

// parseFeedTime accepts feed timestamps with or without fractional seconds,
// truncated to whole seconds in UTC.
func parseFeedTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, eris.New("empty timestamp")
	}
	if len(s) > 19 {
		s = s[:19] + "Z"
	}
	return index.ParseTime(s)
}

// Fetch implements Source.
func (o *OpenSearch) Fetch(ctx context.Context, obj model.RemoteObject, dest string) (int64, error) {
	return guarded(ctx, o.breakers, obj.URL, func(ctx context.Context) (int64, error) {
		return o.http.DownloadToFile(ctx, obj.URL, dest)
	})
}

// LastModified implements Source with a HEAD request.
func (o *OpenSearch) LastModified(ctx context.Context, obj model.RemoteObject) (*time.Time, error) {
	t, ok, err := o.http.LastModified(ctx, obj.URL)
	if err != nil {
		return nil, eris.Wrap(err, "source: opensearch last modified")
	}
	if !ok {
		return nil, nil
	}
	return &t, nil
}

// guarded runs fn through the breaker of rawURL's host.
func guarded[T any](ctx context.Context, hb *resilience.HostBreakers, rawURL string, fn func(context.Context) (T, error)) (T, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		var zero T
		return zero, eris.Wrapf(err, "source: parse %s", rawURL)
	}
	return resilience.ExecuteVal(ctx, hb.For(u.Hostname()), fn)
}
