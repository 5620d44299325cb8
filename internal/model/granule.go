package model

import (
	"time"

	"github.com/sells-group/granule-sync/internal/index"
)

// RemoteObject is a candidate file reported by a source listing. It is never
// persisted.
type RemoteObject struct {
	Name      string
	Partition string
	// Region is the hemisphere token ("nh", "sh") for region-split sources.
	Region string
	// Date is the scientific date of the granule.
	Date time.Time
	// ModifiedTime is nil when the source does not report one.
	ModifiedTime *time.Time
	// URL locates the object for Fetch.
	URL  string
	Size int64
}

// GranuleRecord is the index's knowledge of one source file of a dataset.
// Identity is (Dataset, Filename); ID is assigned by the index on first write.
type GranuleRecord struct {
	ID             string
	Dataset        string
	Filename       string
	Date           time.Time
	Region         string
	Source         string
	HarvestSuccess bool
	DownloadTime   time.Time
	ModifiedTime   *time.Time
	Checksum       string
	Location       string
	Size           int64
	Message        string
}

// Fields renders the record as a full set of index fields. Failure sentinels
// are written explicitly so a failed re-fetch clears a previous success.
func (g GranuleRecord) Fields() map[string]any {
	f := map[string]any{
		FieldType:            TypeHarvested,
		FieldDataset:         g.Dataset,
		FieldFilename:        g.Filename,
		FieldDate:            index.FormatTime(g.Date),
		FieldSource:          g.Source,
		FieldHarvestSuccess:  g.HarvestSuccess,
		FieldDownloadTime:    index.FormatTime(g.DownloadTime),
		FieldChecksum:        g.Checksum,
		FieldGranuleLocation: g.Location,
		FieldFileSize:        g.Size,
		FieldModifiedTime:    nil,
		FieldHemisphere:      nil,
		FieldMessage:         nil,
	}
	if g.ModifiedTime != nil {
		f[FieldModifiedTime] = index.FormatTime(*g.ModifiedTime)
	}
	if g.Region != "" {
		f[FieldHemisphere] = g.Region
	}
	if g.Message != "" {
		f[FieldMessage] = g.Message
	}
	return f
}

// GranuleFromDocument decodes a harvested document.
func GranuleFromDocument(d index.Document) GranuleRecord {
	g := GranuleRecord{
		ID:             d.ID(),
		Dataset:        d.String(FieldDataset),
		Filename:       d.String(FieldFilename),
		Region:         d.String(FieldHemisphere),
		Source:         d.String(FieldSource),
		HarvestSuccess: d.Bool(FieldHarvestSuccess),
		ModifiedTime:   d.Time(FieldModifiedTime),
		Checksum:       d.String(FieldChecksum),
		Location:       d.String(FieldGranuleLocation),
		Size:           d.Int(FieldFileSize),
		Message:        d.String(FieldMessage),
	}
	if t := d.Time(FieldDate); t != nil {
		g.Date = *t
	}
	if t := d.Time(FieldDownloadTime); t != nil {
		g.DownloadTime = *t
	}
	return g
}

// DescendantRecord points at the latest fetch outcome for a scientific date
// (and region), independent of which file produced it.
type DescendantRecord struct {
	ID             string
	Dataset        string
	Date           time.Time
	Region         string
	Source         string
	HarvestSuccess bool
	Location       string
}

// Key returns the descendant identity within a dataset.
func (d DescendantRecord) Key() string {
	return DescendantKey(d.Date, d.Region)
}

// DescendantKey builds the (date[, region]) identity used to find an existing
// descendant document.
func DescendantKey(date time.Time, region string) string {
	k := index.FormatTime(date)
	if region != "" {
		k += "|" + region
	}
	return k
}

// Fields renders the descendant document. It carries no checksum or size.
func (d DescendantRecord) Fields() map[string]any {
	f := map[string]any{
		FieldType:            TypeDescendants,
		FieldDataset:         d.Dataset,
		FieldDate:            index.FormatTime(d.Date),
		FieldSource:          d.Source,
		FieldHarvestSuccess:  d.HarvestSuccess,
		FieldGranuleLocation: d.Location,
	}
	if d.Region != "" {
		f[FieldHemisphere] = d.Region
	}
	return f
}

// DescendantFromDocument decodes a descendants document.
func DescendantFromDocument(doc index.Document) DescendantRecord {
	d := DescendantRecord{
		ID:             doc.ID(),
		Dataset:        doc.String(FieldDataset),
		Region:         doc.String(FieldHemisphere),
		Source:         doc.String(FieldSource),
		HarvestSuccess: doc.Bool(FieldHarvestSuccess),
		Location:       doc.String(FieldGranuleLocation),
	}
	if t := doc.Time(FieldDate); t != nil {
		d.Date = *t
	}
	return d
}
