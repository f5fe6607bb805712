package blobs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"
)

// DirBlobstore keeps blobs as files named by their hash in BaseDir.
type DirBlobstore struct {
	BaseDir string
}

var _ Blobstore = (*DirBlobstore)(nil)

// Path returns the local path of the blob with the given hash.
func (d *DirBlobstore) Path(hash string) string {
	return filepath.Join(d.BaseDir, hash)
}

func (d *DirBlobstore) Upload(ctx context.Context, sourcePath string, info BlobInfo) error {
	log := klog.FromContext(ctx)

	if !ValidHash(info.Hash) {
		return fmt.Errorf("invalid blob hash %q", info.Hash)
	}
	dest := d.Path(info.Hash)
	if _, err := os.Stat(dest); err == nil {
		log.V(2).Info("blob already exists", "path", dest)
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("checking for blob %q: %w", dest, err)
	}

	if err := os.MkdirAll(d.BaseDir, 0755); err != nil {
		return fmt.Errorf("creating blob directory %q: %w", d.BaseDir, err)
	}
	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	defer src.Close()

	n, err := replaceFile(dest, src)
	if err != nil {
		return fmt.Errorf("storing blob %q: %w", info.Hash, err)
	}
	log.Info("stored blob", "path", dest, "bytes", n)
	return nil
}

func (d *DirBlobstore) Download(ctx context.Context, info BlobInfo, destPath string) error {
	if !ValidHash(info.Hash) {
		return fmt.Errorf("invalid blob hash %q", info.Hash)
	}
	src := d.Path(info.Hash)
	return fetchBlob(ctx, src, destPath, func(context.Context) (io.ReadCloser, error) {
		// os.Open errors satisfy errors.Is(err, os.ErrNotExist) for missing blobs.
		f, err := os.Open(src)
		if err != nil {
			return nil, fmt.Errorf("opening blob %q: %w", info.Hash, err)
		}
		return f, nil
	})
}
