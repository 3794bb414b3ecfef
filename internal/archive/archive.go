// Package archive uploads run artifacts (combined outputs, reports, ledgers)
// to a blob bucket after a run. The bucket is addressed by URL, so the same
// code serves local directories, GCS, and S3. Uploads are zstd-compressed.
//
// Archiving is strictly post-run and optional; nothing in the claim protocol
// depends on it.
package archive

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"gocloud.dev/blob"

	// Bucket URL schemes: file://, gs://, s3://.
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/cohortworks/segpool/internal/logging"
)

// Archiver writes compressed artifacts into one bucket under one prefix.
type Archiver struct {
	bucket *blob.Bucket
	prefix string
	log    *slog.Logger
}

// Open connects to the bucket at bucketURL.
func Open(ctx context.Context, bucketURL, prefix string) (*Archiver, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open archive bucket %s: %w", bucketURL, err)
	}
	return &Archiver{
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		log:    logging.Component("archive"),
	}, nil
}

// UploadFile compresses localPath into the bucket as <prefix>/<key>.zst.
func (a *Archiver) UploadFile(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	fullKey := a.key(key) + ".zst"
	w, err := a.bucket.NewWriter(ctx, fullKey, nil)
	if err != nil {
		return fmt.Errorf("open bucket writer for %s: %w", fullKey, err)
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		w.Close()
		return fmt.Errorf("init zstd writer: %w", err)
	}

	if _, err := io.Copy(zw, f); err != nil {
		zw.Close()
		w.Close()
		return fmt.Errorf("upload %s: %w", fullKey, err)
	}
	if err := zw.Close(); err != nil {
		w.Close()
		return fmt.Errorf("finish zstd stream for %s: %w", fullKey, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finish upload %s: %w", fullKey, err)
	}

	a.log.Info("archived file", "local", localPath, "key", fullKey)
	return nil
}

// UploadDir uploads every regular file under dir, preserving the relative
// layout below keyPrefix. Dotted temp files are skipped.
func (a *Archiver) UploadDir(ctx context.Context, dir, keyPrefix string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		return a.UploadFile(ctx, p, path.Join(keyPrefix, filepath.ToSlash(rel)))
	})
}

// Close releases the bucket connection.
func (a *Archiver) Close() error {
	return a.bucket.Close()
}

func (a *Archiver) key(key string) string {
	key = strings.TrimPrefix(key, "/")
	if a.prefix == "" {
		return key
	}
	return a.prefix + "/" + key
}
