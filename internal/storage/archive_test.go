package storage

import (
	"context"
	"crypto/md5"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gocloud.dev/blob/memblob"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func writeGranule(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "ice_conc_nh_20200315.nc")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestArchive_Upload(t *testing.T) {
	bucket := memblob.OpenBucket(nil)
	a := New(bucket, "s3://ecco-granules/", "/harvested/")
	defer a.Close() //nolint:errcheck

	key := a.Key("L4_SEAICE_OSISAF", "2020", "ice_conc_nh_20200315.nc")
	assert.Equal(t, "harvested/L4_SEAICE_OSISAF/2020/ice_conc_nh_20200315.nc", key)

	sum := md5.Sum([]byte("granule bytes"))
	uri, err := a.Upload(context.Background(), writeGranule(t, "granule bytes"), key, sum[:])
	require.NoError(t, err)
	assert.Equal(t, "s3://ecco-granules/harvested/L4_SEAICE_OSISAF/2020/ice_conc_nh_20200315.nc", uri)

	data, err := bucket.ReadAll(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "granule bytes", string(data))

	ok, err := a.Exists(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestArchive_UploadChecksumMismatch(t *testing.T) {
	a := New(memblob.OpenBucket(nil), "mem://", "")
	defer a.Close() //nolint:errcheck

	wrong := md5.Sum([]byte("something else"))
	_, err := a.Upload(context.Background(), writeGranule(t, "granule bytes"), "k.nc", wrong[:])
	require.Error(t, err)

	ok, err := a.Exists(context.Background(), "k.nc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestArchive_UploadMissingFile(t *testing.T) {
	a := New(memblob.OpenBucket(nil), "mem://", "")
	defer a.Close() //nolint:errcheck

	_, err := a.Upload(context.Background(), filepath.Join(t.TempDir(), "absent.nc"), "k.nc", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage: open")
}

func TestOpen_FileBucket(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(context.Background(), "file://"+dir, "granules")
	require.NoError(t, err)
	defer a.Close() //nolint:errcheck

	uri, err := a.Upload(context.Background(), writeGranule(t, "abc"), a.Key("ds", "2021", "f.nc"), nil)
	require.NoError(t, err)
	assert.Equal(t, "file://"+dir+"/granules/ds/2021/f.nc", uri)

	data, err := os.ReadFile(filepath.Join(dir, "granules", "ds", "2021", "f.nc"))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
}

func TestOpen_UnknownScheme(t *testing.T) {
	_, err := Open(context.Background(), "gopher://bucket", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage: open bucket")
}

func TestBaseURI(t *testing.T) {
	assert.Equal(t, "s3://bucket", baseURI("s3://bucket?region=us-west-2&endpoint=http://minio:9000"))
	assert.Equal(t, "gs://bucket", baseURI("gs://bucket"))
}
