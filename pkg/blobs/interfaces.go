// Package blobs stores compiled executables as content-addressed blobs.
package blobs

import "context"

type BlobReader interface {
	// If no such object exists, Download should return an error for which errors.Is(err, os.ErrNotExist) is true.
	Download(ctx context.Context, info BlobInfo, destPath string) error
}

type Blobstore interface {
	BlobReader
	// Upload stores the file at sourcePath under info.Hash.
	// If an object with the same hash already exists, Upload should do nothing and return no error.
	Upload(ctx context.Context, sourcePath string, info BlobInfo) error
}

type BlobInfo struct {
	// Hash is the content key of the blob, a lowercase hex string.
	Hash string
}

// ValidHash reports whether hash is safe to use as an object key and a file name.
func ValidHash(hash string) bool {
	if hash == "" || len(hash) > 128 {
		return false
	}
	for _, c := range hash {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
