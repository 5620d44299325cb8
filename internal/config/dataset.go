package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/granule-sync/internal/model"
)

// DatasetFile is the per-dataset configuration file name.
const DatasetFile = "harvester_config.yaml"

// DefaultPartitionLayout lists one directory per month.
const DefaultPartitionLayout = "{year}/{month}/"

// DateBoundLayout is the format of the start and end bounds.
const DateBoundLayout = "20060102T15:04:05Z"

// ValidationError reports an unusable configuration value. It is always fatal
// before any I/O.
type ValidationError struct {
	Dataset string
	Field   string
	Msg     string
}

func (e *ValidationError) Error() string {
	if e.Dataset == "" {
		return fmt.Sprintf("config: %s %s", e.Field, e.Msg)
	}
	return fmt.Sprintf("config: dataset %s: %s %s", e.Dataset, e.Field, e.Msg)
}

// DatasetConfig describes one harvested dataset.
type DatasetConfig struct {
	Name          string `yaml:"ds_name"`
	HarvesterType string `yaml:"harvester_type"`

	// Source location.
	Host           string   `yaml:"host"`
	User           string   `yaml:"user"`
	Ddir           string   `yaml:"ddir"`
	PodaacID       string   `yaml:"podaac_id"`
	Regex          string   `yaml:"regex"`
	FilenameFilter string   `yaml:"filename_filter"`
	Regions        []string `yaml:"regions"`
	Aggregated     bool     `yaml:"aggregated"`

	// PartitionLayout is the listing directory under Ddir, with {year},
	// {month} and {region} placeholders.
	PartitionLayout string `yaml:"partition_layout"`

	Start string `yaml:"start"`
	End   string `yaml:"end"`

	// Processing targets.
	Version string            `yaml:"version"`
	Grids   []string          `yaml:"grids"`
	Fields  []model.FieldMeta `yaml:"fields"`

	DataTimeScale            string `yaml:"data_time_scale"`
	DateFormat               string `yaml:"date_format"`
	OriginalDatasetTitle     string `yaml:"original_dataset_title"`
	OriginalDatasetShortName string `yaml:"original_dataset_short_name"`
	OriginalDatasetURL       string `yaml:"original_dataset_url"`
	OriginalDatasetReference string `yaml:"original_dataset_reference"`
	OriginalDatasetDOI       string `yaml:"original_dataset_doi"`

	// Concurrency overrides pipeline.concurrency for this dataset.
	Concurrency int `yaml:"concurrency"`

	// Populated by Validate.
	StartTime      time.Time      `yaml:"-"`
	EndTime        time.Time      `yaml:"-"`
	VersionNumber  float64        `yaml:"-"`
	DateExpression *regexp.Regexp `yaml:"-"`
}

// LoadDataset reads and validates <dir>/<name>/harvester_config.yaml.
func LoadDataset(dir, name string) (*DatasetConfig, error) {
	path := filepath.Join(dir, name, DatasetFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read dataset %s", name)
	}

	var ds DatasetConfig
	if err := yaml.Unmarshal(raw, &ds); err != nil {
		return nil, eris.Wrapf(err, "config: parse %s", path)
	}
	if ds.Name == "" {
		ds.Name = name
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return &ds, nil
}

// ListDatasets returns the names of dataset directories under dir that carry
// a configuration file.
func ListDatasets(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "config: list datasets in %s", dir)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, e.Name(), DatasetFile)); err == nil {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Validate checks required fields and parses bounds and version.
func (d *DatasetConfig) Validate() error {
	invalid := func(field, msg string) error {
		return &ValidationError{Dataset: d.Name, Field: field, Msg: msg}
	}

	if d.Name == "" {
		return invalid("ds_name", "is required")
	}
	if d.HarvesterType == "" {
		return invalid("harvester_type", "is required")
	}
	if d.Start == "" {
		return invalid("start", "is required")
	}
	if d.End == "" {
		return invalid("end", "is required")
	}

	start, err := parseBound(d.Start)
	if err != nil {
		return invalid("start", fmt.Sprintf("%q is not a valid date bound", d.Start))
	}
	end, err := parseBound(d.End)
	if err != nil {
		return invalid("end", fmt.Sprintf("%q is not a valid date bound", d.End))
	}
	if end.Before(start) {
		return invalid("end", "is before start")
	}
	d.StartTime, d.EndTime = start, end

	if d.Version == "" {
		return invalid("version", "is required")
	}
	v, err := strconv.ParseFloat(d.Version, 64)
	if err != nil {
		return invalid("version", fmt.Sprintf("%q is not numeric", d.Version))
	}
	d.VersionNumber = v

	if d.Regex != "" {
		re, err := regexp.Compile(d.Regex)
		if err != nil {
			return invalid("regex", err.Error())
		}
		d.DateExpression = re
	}

	if d.PartitionLayout == "" {
		d.PartitionLayout = DefaultPartitionLayout
	}

	for i, f := range d.Fields {
		if f.Name == "" {
			return invalid(fmt.Sprintf("fields[%d].name", i), "is required")
		}
	}
	return nil
}

// Targets returns the configured grid x field matrix.
func (d *DatasetConfig) Targets() []model.GridField {
	out := make([]model.GridField, 0, len(d.Grids)*len(d.Fields))
	for _, g := range d.Grids {
		for _, f := range d.Fields {
			out = append(out, model.GridField{Grid: g, Field: f.Name})
		}
	}
	return out
}

// Meta returns the descriptive dataset metadata written on first summary.
func (d *DatasetConfig) Meta(source string) model.DatasetMeta {
	return model.DatasetMeta{
		ShortName:         d.OriginalDatasetShortName,
		Source:            source,
		DataTimeScale:     d.DataTimeScale,
		DateFormat:        d.DateFormat,
		OriginalTitle:     d.OriginalDatasetTitle,
		OriginalShortName: d.OriginalDatasetShortName,
		OriginalURL:       d.OriginalDatasetURL,
		OriginalReference: d.OriginalDatasetReference,
		OriginalDOI:       d.OriginalDatasetDOI,
	}
}

// Parallelism returns the fetch worker count for the dataset.
func (d *DatasetConfig) Parallelism(fallback int) int {
	if d.Concurrency > 0 {
		return d.Concurrency
	}
	if fallback > 0 {
		return fallback
	}
	return 1
}

func parseBound(s string) (time.Time, error) {
	if t, err := time.Parse(DateBoundLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
