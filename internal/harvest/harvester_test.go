package harvest

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gocloud.dev/blob/memblob"

	"github.com/sells-group/granule-sync/internal/config"
	"github.com/sells-group/granule-sync/internal/index"
	"github.com/sells-group/granule-sync/internal/metrics"
	"github.com/sells-group/granule-sync/internal/model"
	"github.com/sells-group/granule-sync/internal/source"
	"github.com/sells-group/granule-sync/internal/storage"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// fakeSource serves objects from memory.
type fakeSource struct {
	mu         sync.Mutex
	partitions []source.Partition
	objects    map[string][]model.RemoteObject
	content    map[string]string
	listErr    map[string]error
	fetchErr   map[string]error
	lastMod    map[string]time.Time
	fetched    []string
	onFetch    func(ctx context.Context, obj model.RemoteObject) error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		objects:  make(map[string][]model.RemoteObject),
		content:  make(map[string]string),
		listErr:  make(map[string]error),
		fetchErr: make(map[string]error),
		lastMod:  make(map[string]time.Time),
	}
}

func (f *fakeSource) add(partition string, obj model.RemoteObject, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[partition]; !ok {
		f.partitions = append(f.partitions, source.Partition{Key: partition, Dir: partition})
	}
	obj.Partition = partition
	obj.URL = "ftp://example.org/" + partition + "/" + obj.Name
	f.objects[partition] = append(f.objects[partition], obj)
	f.content[obj.Name] = content
}

func (f *fakeSource) setModified(name string, mod time.Time, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, objs := range f.objects {
		for i := range objs {
			if objs[i].Name == name {
				objs[i].ModifiedTime = &mod
			}
		}
	}
	f.content[name] = content
}

func (f *fakeSource) fetches() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

func (f *fakeSource) Name() string { return "ftp://example.org/" }

func (f *fakeSource) Partitions() []source.Partition { return f.partitions }

func (f *fakeSource) List(_ context.Context, p source.Partition) ([]model.RemoteObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.listErr[p.Key]; err != nil {
		return nil, &source.UnavailableError{Source: f.Name(), Partition: p.Key, Err: err}
	}
	return append([]model.RemoteObject(nil), f.objects[p.Key]...), nil
}

func (f *fakeSource) Fetch(ctx context.Context, obj model.RemoteObject, dest string) (int64, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, obj.Name)
	err := f.fetchErr[obj.Name]
	content := f.content[obj.Name]
	hook := f.onFetch
	f.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, obj); err != nil {
			return 0, err
		}
	}
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}
	return int64(len(content)), os.WriteFile(dest, []byte(content), 0o644)
}

func (f *fakeSource) LastModified(_ context.Context, obj model.RemoteObject) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.lastMod[obj.Name]; ok {
		return &t, nil
	}
	return nil, nil
}

// clock is a settable time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func ptr(t time.Time) *time.Time { return &t }

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func testDataset() *config.DatasetConfig {
	ds := &config.DatasetConfig{
		Name:          "L4_SEAICE_OSISAF",
		HarvesterType: "osisaf_ftp",
		Start:         "20200101T00:00:00Z",
		End:           "20201231T00:00:00Z",
		Version:       "1.0",
	}
	if err := ds.Validate(); err != nil {
		panic(err)
	}
	return ds
}

type fixture struct {
	ds    *config.DatasetConfig
	src   *fakeSource
	idx   *index.Memory
	clock *clock
	out   string
	opts  Options
}

func newFixture(t *testing.T) *fixture {
	fx := &fixture{
		ds:    testDataset(),
		src:   newFakeSource(),
		idx:   index.NewMemory(),
		clock: &clock{t: day(2024, 1, 1)},
		out:   t.TempDir(),
	}
	fx.opts = Options{OutputDir: fx.out, Concurrency: 2, Now: fx.clock.Now}
	return fx
}

func (fx *fixture) run(t *testing.T) *Result {
	t.Helper()
	res, err := New(fx.ds, fx.src, fx.idx, fx.opts).Run(context.Background())
	require.NoError(t, err)
	return res
}

func (fx *fixture) granules(t *testing.T) map[string]model.GranuleRecord {
	t.Helper()
	docs, err := fx.idx.Query(context.Background(), index.Eq(model.FieldType, model.TypeHarvested))
	require.NoError(t, err)
	out := make(map[string]model.GranuleRecord)
	for _, d := range docs {
		g := model.GranuleFromDocument(d)
		out[g.Filename] = g
	}
	return out
}

func (fx *fixture) descendants(t *testing.T) []model.DescendantRecord {
	t.Helper()
	docs, err := fx.idx.Query(context.Background(), index.Eq(model.FieldType, model.TypeDescendants))
	require.NoError(t, err)
	var out []model.DescendantRecord
	for _, d := range docs {
		out = append(out, model.DescendantFromDocument(d))
	}
	return out
}

func TestDecide(t *testing.T) {
	mod := day(2020, 6, 1)
	tests := []struct {
		name     string
		remote   model.RemoteObject
		existing *model.GranuleRecord
		want     Decision
	}{
		{"no record", model.RemoteObject{ModifiedTime: &mod}, nil, Fetch},
		{"failed record", model.RemoteObject{ModifiedTime: &mod},
			&model.GranuleRecord{HarvestSuccess: false, DownloadTime: day(2021, 1, 1)}, Fetch},
		{"no modified time", model.RemoteObject{},
			&model.GranuleRecord{HarvestSuccess: true, DownloadTime: day(2021, 1, 1)}, Fetch},
		{"downloaded before modification", model.RemoteObject{ModifiedTime: &mod},
			&model.GranuleRecord{HarvestSuccess: true, DownloadTime: day(2020, 5, 1)}, Fetch},
		{"downloaded at modification", model.RemoteObject{ModifiedTime: &mod},
			&model.GranuleRecord{HarvestSuccess: true, DownloadTime: mod}, Fetch},
		{"downloaded after modification", model.RemoteObject{ModifiedTime: &mod},
			&model.GranuleRecord{HarvestSuccess: true, DownloadTime: day(2020, 6, 2)}, Skip},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.remote, tt.existing))
		})
	}
	assert.Equal(t, "fetch", Fetch.String())
	assert.Equal(t, "skip", Skip.String())
}

func TestReusableLocal(t *testing.T) {
	p := filepath.Join(t.TempDir(), "f.nc")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	mtime := day(2020, 6, 1)
	require.NoError(t, os.Chtimes(p, mtime, mtime))

	assert.True(t, ReusableLocal(p, day(2020, 5, 31)))
	assert.False(t, ReusableLocal(p, mtime), "equal times re-download")
	assert.False(t, ReusableLocal(p, day(2020, 6, 2)))
	assert.False(t, ReusableLocal(filepath.Join(t.TempDir(), "missing.nc"), day(2000, 1, 1)))
	assert.False(t, ReusableLocal(t.TempDir(), day(2000, 1, 1)))

	check := day(2024, 1, 1)
	assert.Equal(t, check, EffectiveModTime(model.RemoteObject{}, check))
	assert.Equal(t, mtime, EffectiveModTime(model.RemoteObject{ModifiedTime: &mtime}, check))
}

func TestRun_FirstHarvestRecordsEverything(t *testing.T) {
	fx := newFixture(t)
	fx.src.add("2020/01", model.RemoteObject{Name: "ice_conc_nh_20200101.nc", Date: day(2020, 1, 1), Region: "nh", ModifiedTime: ptr(day(2020, 1, 2))}, "north")
	fx.src.add("2020/03", model.RemoteObject{Name: "ice_conc_sh_20200315.nc", Date: day(2020, 3, 15), Region: "sh", ModifiedTime: ptr(day(2020, 3, 16))}, "southern")

	res := fx.run(t)
	assert.Equal(t, 2, res.Listed)
	assert.Equal(t, 2, res.Fetched)
	assert.Zero(t, res.Failed)
	assert.True(t, res.Attempted())
	assert.Equal(t, []time.Time{day(2020, 1, 1), day(2020, 3, 15)}, res.Dates)
	require.NotNil(t, res.LastDownload)
	assert.Equal(t, day(2024, 1, 1), *res.LastDownload)

	granules := fx.granules(t)
	require.Len(t, granules, 2)
	nh := granules["ice_conc_nh_20200101.nc"]
	assert.True(t, nh.HarvestSuccess)
	assert.Equal(t, md5hex("north"), nh.Checksum)
	assert.Equal(t, int64(5), nh.Size)
	assert.Equal(t, filepath.Join(fx.out, fx.ds.Name, GranuleDir, "2020", "ice_conc_nh_20200101.nc"), nh.Location)
	assert.Equal(t, "nh", nh.Region)
	assert.Equal(t, "ftp://example.org/2020/01/ice_conc_nh_20200101.nc", nh.Source)
	require.NotNil(t, nh.ModifiedTime)
	assert.Equal(t, day(2020, 1, 2), *nh.ModifiedTime)
	assert.Equal(t, day(2024, 1, 1), nh.DownloadTime)

	desc := fx.descendants(t)
	require.Len(t, desc, 2)
	for _, d := range desc {
		assert.True(t, d.HarvestSuccess)
		assert.NotEmpty(t, d.Location)
		assert.NotEmpty(t, d.Region)
	}
}

func TestRun_SecondRunSkipsUnchanged(t *testing.T) {
	fx := newFixture(t)
	fx.src.add("2020/01", model.RemoteObject{Name: "a_20200101.nc", Date: day(2020, 1, 1), ModifiedTime: ptr(day(2020, 1, 2))}, "a")
	fx.run(t)

	fx.clock.Set(day(2024, 2, 1))
	res := fx.run(t)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Fetched)
	assert.False(t, res.Attempted())
	assert.Equal(t, []time.Time{day(2020, 1, 1)}, res.Dates)
	assert.Nil(t, res.LastDownload)
	assert.Len(t, fx.src.fetches(), 1)
}

func TestRun_ModifiedSourceRefetchesInPlace(t *testing.T) {
	fx := newFixture(t)
	name := "a_20200101.nc"
	fx.src.add("2020/01", model.RemoteObject{Name: name, Date: day(2020, 1, 1), ModifiedTime: ptr(day(2020, 1, 2))}, "v1")
	fx.run(t)
	first := fx.granules(t)[name]

	// Local copy older than the new source modification.
	local := first.Location
	require.NoError(t, os.Chtimes(local, day(2024, 1, 1), day(2024, 1, 1)))
	fx.src.setModified(name, day(2024, 1, 15), "version two")
	fx.clock.Set(day(2024, 2, 1))

	res := fx.run(t)
	assert.Equal(t, 1, res.Fetched)

	granules := fx.granules(t)
	require.Len(t, granules, 1, "no duplicate record")
	second := granules[name]
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, md5hex("version two"), second.Checksum)
	assert.True(t, second.DownloadTime.After(first.DownloadTime))
	assert.Len(t, fx.descendants(t), 1)
}

func TestRun_FailureStampsAndClears(t *testing.T) {
	fx := newFixture(t)
	name := "a_20200101.nc"
	fx.src.add("2020/01", model.RemoteObject{Name: name, Date: day(2020, 1, 1), ModifiedTime: ptr(day(2020, 1, 2))}, "v1")
	fx.run(t)

	require.NoError(t, os.Chtimes(fx.granules(t)[name].Location, day(2020, 1, 1), day(2020, 1, 1)))
	fx.src.setModified(name, day(2024, 1, 15), "v2")
	fx.src.fetchErr[name] = errors.New("421 service not available")
	fx.clock.Set(day(2024, 2, 1))

	res := fx.run(t)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	var fe *FetchError
	require.True(t, errors.As(res.Errors[0], &fe))
	assert.Equal(t, KindDownload, fe.Kind)
	assert.Equal(t, name, fe.Filename)
	assert.Empty(t, res.Dates)

	g := fx.granules(t)[name]
	assert.False(t, g.HarvestSuccess)
	assert.Empty(t, g.Checksum)
	assert.Empty(t, g.Location)
	assert.Zero(t, g.Size)
	assert.Equal(t, "download failed", g.Message)
	assert.Equal(t, day(2024, 2, 1), g.DownloadTime)

	desc := fx.descendants(t)
	require.Len(t, desc, 1)
	assert.False(t, desc[0].HarvestSuccess)

	// The failed record is retried on the next run and the message cleared.
	delete(fx.src.fetchErr, name)
	fx.clock.Set(day(2024, 3, 1))
	res = fx.run(t)
	assert.Equal(t, 1, res.Fetched)
	g = fx.granules(t)[name]
	assert.True(t, g.HarvestSuccess)
	assert.Empty(t, g.Message)
}

func TestRun_UnavailablePartitionIsSkipped(t *testing.T) {
	fx := newFixture(t)
	fx.src.add("2020/01", model.RemoteObject{Name: "a_20200101.nc", Date: day(2020, 1, 1), ModifiedTime: ptr(day(2020, 1, 2))}, "a")
	fx.src.add("2020/02", model.RemoteObject{Name: "b_20200201.nc", Date: day(2020, 2, 1), ModifiedTime: ptr(day(2020, 2, 2))}, "b")
	fx.src.listErr["2020/01"] = errors.New("550 no such directory")

	reg := prometheus.NewRegistry()
	fx.opts.Metrics = metrics.New(reg, "test")

	res := fx.run(t)
	assert.Equal(t, []string{"2020/01"}, res.UnavailablePartitions)
	assert.Equal(t, 1, res.Fetched)
	assert.Equal(t, []string{"b_20200201.nc"}, fx.src.fetches())
	assert.InDelta(t, 1, testutil.ToFloat64(fx.opts.Metrics.PartitionsUnavailable.WithLabelValues(fx.ds.Name)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(fx.opts.Metrics.Decisions.WithLabelValues(fx.ds.Name, "fetch")), 0)
}

func TestRun_UnknownModTimeUsesLastModified(t *testing.T) {
	fx := newFixture(t)
	name := "a_20200101.nc"
	fx.src.add("2020/01", model.RemoteObject{Name: name, Date: day(2020, 1, 1)}, "a")
	fx.src.lastMod[name] = day(2020, 1, 2)
	fx.run(t)

	g := fx.granules(t)[name]
	require.NotNil(t, g.ModifiedTime)
	assert.Equal(t, day(2020, 1, 2), *g.ModifiedTime)

	fx.clock.Set(day(2024, 2, 1))
	res := fx.run(t)
	assert.Equal(t, 1, res.Skipped)
}

func TestRun_UnknownModTimeReusesFreshLocalCopy(t *testing.T) {
	fx := newFixture(t)
	name := "a_20200101.nc"
	fx.src.add("2020/01", model.RemoteObject{Name: name, Date: day(2020, 1, 1)}, "remote")

	// A local copy written after the run's check time stands in for a download.
	fx.clock.Set(day(2020, 1, 1))
	local := filepath.Join(fx.out, fx.ds.Name, GranuleDir, "2020", name)
	require.NoError(t, os.MkdirAll(filepath.Dir(local), 0o755))
	require.NoError(t, os.WriteFile(local, []byte("local"), 0o644))

	res := fx.run(t)
	assert.Equal(t, 1, res.Fetched)
	assert.Empty(t, fx.src.fetches())
	g := fx.granules(t)[name]
	assert.Equal(t, md5hex("local"), g.Checksum)
	assert.Nil(t, g.ModifiedTime)

	// Always re-evaluated while the source reports nothing.
	fx.clock.Set(day(2030, 1, 1))
	res = fx.run(t)
	assert.Equal(t, 1, res.Fetched)
	assert.Equal(t, []string{name}, fx.src.fetches())
}

func TestRun_ArchiveLocation(t *testing.T) {
	fx := newFixture(t)
	bucket := memblob.OpenBucket(nil)
	fx.opts.Archive = storage.New(bucket, "s3://ecco", "granules")
	fx.src.add("2020/01", model.RemoteObject{Name: "a_20200101.nc", Date: day(2020, 1, 1), ModifiedTime: ptr(day(2020, 1, 2))}, "a")

	fx.run(t)
	g := fx.granules(t)["a_20200101.nc"]
	assert.Equal(t, "s3://ecco/granules/L4_SEAICE_OSISAF/2020/a_20200101.nc", g.Location)

	data, err := bucket.ReadAll(context.Background(), "granules/L4_SEAICE_OSISAF/2020/a_20200101.nc")
	require.NoError(t, err)
	assert.Equal(t, "a", string(data))
}

func TestRun_ArchiveFailureIsRecorded(t *testing.T) {
	fx := newFixture(t)
	bucket := memblob.OpenBucket(nil)
	fx.opts.Archive = storage.New(bucket, "mem://", "")
	require.NoError(t, bucket.Close())
	fx.src.add("2020/01", model.RemoteObject{Name: "a_20200101.nc", Date: day(2020, 1, 1), ModifiedTime: ptr(day(2020, 1, 2))}, "a")

	res := fx.run(t)
	assert.Equal(t, 1, res.Failed)
	g := fx.granules(t)["a_20200101.nc"]
	assert.False(t, g.HarvestSuccess)
	assert.Equal(t, "archive upload unsuccessful", g.Message)
}

func TestRun_CancelledFetchIsRecordedAsFailure(t *testing.T) {
	fx := newFixture(t)
	name := "a_20200101.nc"
	fx.src.add("2020/01", model.RemoteObject{Name: name, Date: day(2020, 1, 1), ModifiedTime: ptr(day(2020, 1, 2))}, "a")

	ctx, cancel := context.WithCancel(context.Background())
	fx.src.onFetch = func(ctx context.Context, _ model.RemoteObject) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}

	res, err := New(fx.ds, fx.src, fx.idx, fx.opts).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	g := fx.granules(t)[name]
	assert.False(t, g.HarvestSuccess)
	assert.Equal(t, day(2024, 1, 1), g.DownloadTime)
}

func TestRun_IndexWriteFailure(t *testing.T) {
	fx := newFixture(t)
	fx.src.add("2020/01", model.RemoteObject{Name: "a_20200101.nc", Date: day(2020, 1, 1), ModifiedTime: ptr(day(2020, 1, 2))}, "a")
	fx.idx.SetUpsertError(errors.New("solr: 503"))

	res := fx.run(t)
	assert.Equal(t, 1, res.Unrecorded)
	assert.Equal(t, 1, res.Failed)
	assert.Empty(t, res.Dates)
	require.Len(t, res.Errors, 1)
	var fe *FetchError
	require.True(t, errors.As(res.Errors[0], &fe))
	assert.Equal(t, KindIndex, fe.Kind)
	assert.True(t, index.IsUnavailable(res.Errors[0]))
}

func TestRun_IndexQueryFailureAborts(t *testing.T) {
	fx := newFixture(t)
	fx.idx.SetQueryError(errors.New("connection refused"))

	_, err := New(fx.ds, fx.src, fx.idx, fx.opts).Run(context.Background())
	require.Error(t, err)
	assert.True(t, index.IsUnavailable(err))
	assert.Empty(t, fx.src.fetches())
}

func TestRun_SharedDescendantAcrossFilenames(t *testing.T) {
	fx := newFixture(t)
	fx.opts.Concurrency = 4
	for _, v := range []string{"v1", "v2", "v3"} {
		fx.src.add("2020/01", model.RemoteObject{
			Name:         "sst_20200101_" + v + ".nc",
			Date:         day(2020, 1, 1),
			ModifiedTime: ptr(day(2020, 1, 2)),
		}, v)
	}

	fx.run(t)
	assert.Len(t, fx.granules(t), 3)
	desc := fx.descendants(t)
	require.Len(t, desc, 1)
	assert.True(t, strings.HasPrefix(filepath.Base(desc[0].Location), "sst_20200101_"))
}

func TestFetchKindMessage(t *testing.T) {
	assert.Equal(t, "download failed", KindDownload.Message())
	assert.Equal(t, "checksum failed", KindChecksum.Message())
	assert.Equal(t, "archive upload unsuccessful", KindArchive.Message())

	err := &FetchError{Dataset: "ds", Filename: "f.nc", Kind: KindChecksum, Err: errors.New("eof")}
	assert.Equal(t, "harvest ds: checksum f.nc: eof", err.Error())
	assert.True(t, IsFetchError(err))
	assert.False(t, IsFetchError(errors.New("other")))
}
