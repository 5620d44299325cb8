// Package storage archives harvested granules to blob storage.
package storage

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver
)

// Archive uploads granules under a key prefix of one bucket and reports the
// object URI recorded as the granule's storage location.
type Archive struct {
	bucket *blob.Bucket
	base   string
	prefix string
	log    *zap.Logger
}

// Open opens the bucket at bucketURL. Query parameters (region, endpoint)
// are passed to the driver and dropped from the reported URIs.
func Open(ctx context.Context, bucketURL, prefix string) (*Archive, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, eris.Wrapf(err, "storage: open bucket %s", bucketURL)
	}
	return New(bucket, baseURI(bucketURL), prefix), nil
}

// New wraps an already opened bucket. base is the URI prefix of its objects.
func New(bucket *blob.Bucket, base, prefix string) *Archive {
	return &Archive{
		bucket: bucket,
		base:   strings.TrimSuffix(base, "/"),
		prefix: strings.Trim(prefix, "/"),
		log:    zap.L().With(zap.String("component", "storage.archive")),
	}
}

// Key returns the object key for a granule of dataset in year.
func (a *Archive) Key(dataset, year, filename string) string {
	return path.Join(a.prefix, dataset, year, filename)
}

// URI returns the reported location of key.
func (a *Archive) URI(key string) string {
	return a.base + "/" + key
}

// Upload copies the file at localPath to key. When md5sum is non-empty the
// driver verifies the uploaded content against it.
func (a *Archive) Upload(ctx context.Context, localPath, key string, md5sum []byte) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", eris.Wrapf(err, "storage: open %s", localPath)
	}
	defer f.Close() //nolint:errcheck

	w, err := a.bucket.NewWriter(ctx, key, &blob.WriterOptions{
		ContentType: "application/octet-stream",
		ContentMD5:  md5sum,
	})
	if err != nil {
		return "", eris.Wrapf(err, "storage: create writer for %s", key)
	}
	n, err := io.Copy(w, f)
	if err != nil {
		w.Close() //nolint:errcheck
		return "", eris.Wrapf(err, "storage: write %s", key)
	}
	if err := w.Close(); err != nil {
		return "", eris.Wrapf(err, "storage: close writer for %s", key)
	}

	uri := a.URI(key)
	a.log.Debug("granule archived", zap.String("uri", uri), zap.Int64("bytes", n))
	return uri, nil
}

// Exists reports whether key is present.
func (a *Archive) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := a.bucket.Exists(ctx, key)
	if err != nil {
		return false, eris.Wrapf(err, "storage: stat %s", key)
	}
	return ok, nil
}

// Close releases the bucket.
func (a *Archive) Close() error {
	return a.bucket.Close()
}

func baseURI(bucketURL string) string {
	u, err := url.Parse(bucketURL)
	if err != nil {
		return bucketURL
	}
	u.RawQuery = ""
	return u.String()
}
