package transform

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/granule-sync/internal/execcmd"
)

// ProductsDir is the directory under <output>/<dataset> holding transformed
// products.
const ProductsDir = "transformed_products"

// Job is one granule transformed onto one grid for a set of fields.
type Job struct {
	Dataset   string
	Grid      string
	Fields    []string
	Granule   string // location of the harvested granule
	Filename  string
	Date      time.Time
	Version   float64
	OutputDir string
}

// Stem is the granule file name without its extension.
func (j Job) Stem() string {
	return strings.TrimSuffix(j.Filename, filepath.Ext(j.Filename))
}

// GridDir is where the job's outputs are written, one subdirectory per field.
func (j Job) GridDir() string {
	return filepath.Join(j.OutputDir, j.Dataset, ProductsDir, j.Grid, "transformed")
}

// OutputPath is the expected product of field.
func (j Job) OutputPath(field string) string {
	return filepath.Join(j.GridDir(), field, j.Stem()+".nc")
}

// Output is the result of one field of a Job.
type Output struct {
	Field    string
	Location string
	Err      error
}

// Transformer produces the per-field products of a Job. A returned error
// fails every field of the job.
type Transformer interface {
	Transform(ctx context.Context, job Job) ([]Output, error)
}

// ExecTransformer runs an external command once per job. Arguments may use
// the placeholders {dataset}, {grid}, {fields}, {granule}, {stem}, {date},
// {version} and {output_dir}. A field succeeds when the command exits zero
// and its output file exists.
type ExecTransformer struct {
	Command string
	Args    []string
	Timeout time.Duration
}

// Transform implements Transformer.
func (e *ExecTransformer) Transform(ctx context.Context, job Job) ([]Output, error) {
	if e.Command == "" {
		return nil, eris.New("transform: no command configured")
	}
	if err := os.MkdirAll(job.GridDir(), 0o755); err != nil {
		return nil, eris.Wrapf(err, "transform: create %s", job.GridDir())
	}

	replacer := strings.NewReplacer(
		"{dataset}", job.Dataset,
		"{grid}", job.Grid,
		"{fields}", strings.Join(job.Fields, ","),
		"{granule}", job.Granule,
		"{stem}", job.Stem(),
		"{date}", job.Date.Format("20060102"),
		"{version}", strconv.FormatFloat(job.Version, 'f', -1, 64),
		"{output_dir}", job.GridDir(),
	)
	if err := execcmd.Run(ctx, e.Command, e.Args, replacer, e.Timeout); err != nil {
		return nil, eris.Wrapf(err, "transform: %s on %s", job.Filename, job.Grid)
	}

	out := make([]Output, 0, len(job.Fields))
	for _, f := range job.Fields {
		o := Output{Field: f, Location: job.OutputPath(f)}
		if _, err := os.Stat(o.Location); err != nil {
			o.Err = eris.Wrapf(err, "transform: missing output for field %s", f)
		}
		out = append(out, o)
	}
	return out, nil
}
