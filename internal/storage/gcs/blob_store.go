// Package gcs stores evidence and report artifacts in Google Cloud Storage.
//
// Objects are written once. Evidence paths are content addressed, so a second
// upload of the same artifact hits the DoesNotExist precondition and is
// treated as already stored. Every object carries its SHA-256 digest in the
// "sha256" metadata key and is uploaded with a CRC32C checksum.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/JakeFAU/osint-shield/internal/hash/sha256"
)

// Config captures the bucket and optional object prefix.
type Config struct {
	Bucket string
	Prefix string
}

// objectWrite describes one upload.
type objectWrite struct {
	Name        string
	ContentType string
	Metadata    map[string]string
	CRC32C      uint32
}

// objectAPI is the subset of bucket operations used by BlobStore.
type objectAPI interface {
	NewWriter(ctx context.Context, w objectWrite) io.WriteCloser
	Delete(ctx context.Context, name string) error
}

// BlobStore writes artifacts to a configured GCS bucket.
type BlobStore struct {
	objects objectAPI
	bucket  string
	prefix  string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return newWithObjects(bucketObjects{bucket: client.Bucket(cfg.Bucket)}, cfg), nil
}

func newWithObjects(objects objectAPI, cfg Config) *BlobStore {
	return &BlobStore{
		objects: objects,
		bucket:  cfg.Bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
	}
}

func (s *BlobStore) objectName(path string) string {
	path = strings.TrimLeft(path, "/")
	if s.prefix == "" {
		return path
	}
	return s.prefix + "/" + path
}

// PutObject uploads data and returns a gs:// URI. Uploading to a name that
// already exists returns the existing object's URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	name := s.objectName(path)
	uri := fmt.Sprintf("gs://%s/%s", s.bucket, name)

	w := s.objects.NewWriter(ctx, objectWrite{
		Name:        name,
		ContentType: contentType,
		Metadata:    map[string]string{"sha256": sha256.Hex(data)},
		CRC32C:      crc32.Checksum(data, crc32.MakeTable(crc32.Castagnoli)),
	})
	if _, err := w.Write(data); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			return "", fmt.Errorf("write object %s: %w (close writer: %v)", name, err, closeErr)
		}
		return "", fmt.Errorf("write object %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		if alreadyExists(err) {
			return uri, nil
		}
		return "", fmt.Errorf("close writer for %s: %w", name, err)
	}
	return uri, nil
}

// DeleteObject removes the object. Missing objects are not an error.
func (s *BlobStore) DeleteObject(ctx context.Context, path string) error {
	name := s.objectName(path)
	err := s.objects.Delete(ctx, name)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete object %s: %w", name, err)
	}
	return nil
}

func alreadyExists(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}

type bucketObjects struct {
	bucket *storage.BucketHandle
}

func (b bucketObjects) NewWriter(ctx context.Context, ow objectWrite) io.WriteCloser {
	w := b.bucket.Object(ow.Name).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = ow.ContentType
	w.Metadata = ow.Metadata
	w.CRC32C = ow.CRC32C
	w.SendCRC32C = true
	return w
}

func (b bucketObjects) Delete(ctx context.Context, name string) error {
	return b.bucket.Object(name).Delete(ctx)
}
