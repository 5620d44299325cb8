package model

import (
	"sort"
	"strings"
	"time"

	"github.com/sells-group/granule-sync/internal/index"
)

// Status is the health state of a dataset summary.
type Status string

const (
	StatusNoData      Status = "nodata"
	StatusHarvested   Status = "harvested"
	StatusTransformed Status = "transformed"
	StatusNoFiles     Status = "error harvesting - no files found"
)

// IsError reports whether the status records a harvesting failure.
func (s Status) IsError() bool {
	return strings.HasPrefix(string(s), "error")
}

// DatasetMeta is descriptive metadata written once, when the dataset summary
// is first created.
type DatasetMeta struct {
	ShortName         string
	Source            string
	DataTimeScale     string
	DateFormat        string
	OriginalTitle     string
	OriginalShortName string
	OriginalURL       string
	OriginalReference string
	OriginalDOI       string
}

// Fields renders the non-empty metadata fields.
func (m DatasetMeta) Fields() map[string]any {
	f := make(map[string]any)
	set := func(k, v string) {
		if v != "" {
			f[k] = v
		}
	}
	set(FieldShortName, m.ShortName)
	set(FieldSource, m.Source)
	set(FieldDataTimeScale, m.DataTimeScale)
	set(FieldDateFormat, m.DateFormat)
	set(FieldOriginalDatasetTitle, m.OriginalTitle)
	set(FieldOriginalDatasetShortName, m.OriginalShortName)
	set(FieldOriginalDatasetURL, m.OriginalURL)
	set(FieldOriginalDatasetReference, m.OriginalReference)
	set(FieldOriginalDatasetDOI, m.OriginalDOI)
	return f
}

// DatasetSummary is the single per-dataset coverage and health document.
type DatasetSummary struct {
	ID            string
	Dataset       string
	Status        Status
	CoverageStart *time.Time
	CoverageEnd   *time.Time
	LastChecked   *time.Time
	LastDownload  *time.Time
	// YearsUpdated maps grid name to the sorted set of years touched.
	YearsUpdated map[string][]string
	Meta         DatasetMeta
}

// SummaryFromDocument decodes a dataset document.
func SummaryFromDocument(d index.Document) DatasetSummary {
	s := DatasetSummary{
		ID:            d.ID(),
		Dataset:       d.String(FieldDataset),
		Status:        Status(d.String(FieldStatus)),
		CoverageStart: d.Time(FieldStartDate),
		CoverageEnd:   d.Time(FieldEndDate),
		LastChecked:   d.Time(FieldLastChecked),
		LastDownload:  d.Time(FieldLastDownload),
		YearsUpdated:  make(map[string][]string),
		Meta: DatasetMeta{
			ShortName:         d.String(FieldShortName),
			Source:            d.String(FieldSource),
			DataTimeScale:     d.String(FieldDataTimeScale),
			DateFormat:        d.String(FieldDateFormat),
			OriginalTitle:     d.String(FieldOriginalDatasetTitle),
			OriginalShortName: d.String(FieldOriginalDatasetShortName),
			OriginalURL:       d.String(FieldOriginalDatasetURL),
			OriginalReference: d.String(FieldOriginalDatasetReference),
			OriginalDOI:       d.String(FieldOriginalDatasetDOI),
		},
	}
	for k := range d {
		grid, ok := strings.CutSuffix(k, yearsUpdatedSuffix)
		if !ok || grid == "" {
			continue
		}
		years := d.Strings(k)
		sort.Strings(years)
		s.YearsUpdated[grid] = years
	}
	return s
}

// Grids returns the grids with recorded years, sorted.
func (s DatasetSummary) Grids() []string {
	out := make([]string, 0, len(s.YearsUpdated))
	for g := range s.YearsUpdated {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// FieldMeta describes one dataset variable. Values pass through verbatim.
type FieldMeta struct {
	Name         string `yaml:"name"`
	LongName     string `yaml:"long_name"`
	StandardName string `yaml:"standard_name"`
	Units        string `yaml:"units"`
}

// Fields renders a field document for dataset.
func (f FieldMeta) Fields(dataset string) map[string]any {
	return map[string]any{
		FieldType:         TypeField,
		FieldDataset:      dataset,
		FieldName:         f.Name,
		FieldLongName:     f.LongName,
		FieldStandardName: f.StandardName,
		FieldUnits:        f.Units,
	}
}

// GridFields renders a grid registration document.
func GridFields(grid string) map[string]any {
	return map[string]any{
		FieldType: TypeGrid,
		FieldGrid: grid,
	}
}
