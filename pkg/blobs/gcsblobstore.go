package blobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"k8s.io/klog/v2"
)

// GCSBlobstore stores blobs as objects in a GCS bucket, optionally under a prefix.
type GCSBlobstore struct {
	Bucket string
	Prefix string
}

var _ Blobstore = (*GCSBlobstore)(nil)

// ParseGCSURL parses gs://bucket[/prefix].
func ParseGCSURL(s string) (*GCSBlobstore, error) {
	rest, ok := strings.CutPrefix(s, "gs://")
	if !ok {
		return nil, fmt.Errorf("%q is not a GCS bucket URL (gs://<bucketName>)", s)
	}
	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return nil, fmt.Errorf("%q has no bucket name", s)
	}
	return &GCSBlobstore{Bucket: bucket, Prefix: strings.Trim(prefix, "/")}, nil
}

func (j *GCSBlobstore) objectKey(info BlobInfo) string {
	if j.Prefix == "" {
		return info.Hash
	}
	return path.Join(j.Prefix, info.Hash)
}

// object opens a storage client for one operation and passes fn the handle of info's object.
func (j *GCSBlobstore) object(ctx context.Context, info BlobInfo, fn func(obj *storage.ObjectHandle, gcsURL string) error) error {
	if !ValidHash(info.Hash) {
		return fmt.Errorf("invalid blob hash %q", info.Hash)
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("creating GCS storage client: %w", err)
	}
	defer client.Close()

	key := j.objectKey(info)
	return fn(client.Bucket(j.Bucket).Object(key), "gs://"+j.Bucket+"/"+key)
}

// Upload writes the object only if it does not exist yet; blobs are content addressed,
// so an existing object already holds the same bytes.
func (j *GCSBlobstore) Upload(ctx context.Context, sourcePath string, info BlobInfo) error {
	log := klog.FromContext(ctx)

	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	defer src.Close()

	return j.object(ctx, info, func(obj *storage.ObjectHandle, gcsURL string) error {
		// Cancelling the writer's context abandons a partial upload.
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		startedAt := time.Now()
		w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
		w.ContentType = "application/json"
		n, err := io.Copy(w, src)
		if err != nil {
			cancel()
			w.Close()
			return fmt.Errorf("uploading to %q: %w", gcsURL, err)
		}
		if err := w.Close(); err != nil {
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
				log.V(2).Info("blob already exists in GCS", "url", gcsURL)
				return nil
			}
			return fmt.Errorf("finishing upload to %q: %w", gcsURL, err)
		}
		log.Info("uploaded blob to GCS", "url", gcsURL, "bytes", n, "duration", time.Since(startedAt))
		return nil
	})
}

func (j *GCSBlobstore) Download(ctx context.Context, info BlobInfo, destinationPath string) error {
	return j.object(ctx, info, func(obj *storage.ObjectHandle, gcsURL string) error {
		return fetchBlob(ctx, gcsURL, destinationPath, func(ctx context.Context) (io.ReadCloser, error) {
			r, err := obj.NewReader(ctx)
			if errors.Is(err, storage.ErrObjectNotExist) {
				return nil, fmt.Errorf("object %q not found: %w", gcsURL, os.ErrNotExist)
			}
			if err != nil {
				return nil, fmt.Errorf("opening object %q: %w", gcsURL, err)
			}
			return r, nil
		})
	})
}
