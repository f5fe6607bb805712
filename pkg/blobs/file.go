package blobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"k8s.io/klog/v2"
)

// fetchBlob opens a blob with open and stores it at destPath. source names the blob in logs.
// Errors from open are returned unwrapped so callers keep their os.ErrNotExist mapping.
func fetchBlob(ctx context.Context, source, destPath string, open func(ctx context.Context) (io.ReadCloser, error)) error {
	log := klog.FromContext(ctx)

	r, err := open(ctx)
	if err != nil {
		return err
	}
	defer r.Close()

	startedAt := time.Now()
	n, err := replaceFile(destPath, r)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", source, err)
	}
	log.V(2).Info("fetched blob", "source", source, "destination", destPath, "bytes", n, "duration", time.Since(startedAt))
	return nil
}

// replaceFile writes src to path through a sibling temp file and renames it into place.
// path either keeps its old contents or holds all of src; the temp file never outlives a failure.
func replaceFile(path string, src io.Reader) (n int64, err error) {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		f.Close()
		if rmErr := os.Remove(f.Name()); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = errors.Join(err, fmt.Errorf("removing temp file: %w", rmErr))
		}
	}()

	if n, err = io.Copy(f, src); err != nil {
		return n, fmt.Errorf("writing %s: %w", f.Name(), err)
	}
	if err = f.Close(); err != nil {
		return n, fmt.Errorf("closing %s: %w", f.Name(), err)
	}
	if err = os.Rename(f.Name(), path); err != nil {
		return n, fmt.Errorf("renaming into %s: %w", path, err)
	}
	return n, nil
}
