// Package compilecache persists compiled executables keyed by a fingerprint of
// the traced module and the target device kind.
package compilecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"

	"k8s.io/examples/AI/lazyvm/pkg/blobs"
	"k8s.io/examples/AI/lazyvm/pkg/ir"
	"k8s.io/examples/AI/lazyvm/pkg/vm"
)

type Cache struct {
	// Reader is consulted on lookups.
	Reader blobs.BlobReader
	// Store receives newly compiled executables; nil makes the cache read-only.
	Store blobs.Blobstore
	// TempDir holds in-flight downloads and uploads; the system temp dir if empty.
	TempDir string
}

// NewDirCache returns a cache reading and writing the directory dir.
func NewDirCache(dir string) *Cache {
	store := &blobs.DirBlobstore{BaseDir: dir}
	return &Cache{Reader: store, Store: store}
}

// Key fingerprints a module for a device kind.
func Key(mod *ir.Module, deviceKind string) string {
	h := sha256.New()
	fmt.Fprintf(h, "lazyvm executable v%d\n", vm.FormatVersion)
	fmt.Fprintf(h, "device %s\n", deviceKind)
	h.Write([]byte(ir.Print(mod)))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Cache) tempDir() (string, error) {
	base := c.TempDir
	if base != "" {
		if err := os.MkdirAll(base, 0755); err != nil {
			return "", fmt.Errorf("creating temp dir %q: %w", base, err)
		}
	}
	return os.MkdirTemp(base, "compilecache")
}

// Load returns the executable stored under key. A missing entry is reported as found == false with no error.
func (c *Cache) Load(ctx context.Context, key string) (*vm.Executable, bool, error) {
	if c.Reader == nil {
		return nil, false, nil
	}
	dir, err := c.tempDir()
	if err != nil {
		return nil, false, err
	}
	defer os.RemoveAll(dir)

	p := filepath.Join(dir, key)
	if err := c.Reader.Download(ctx, blobs.BlobInfo{Hash: key}, p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("downloading executable %s: %w", key, err)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, false, fmt.Errorf("reading executable %s: %w", key, err)
	}
	exe, err := vm.Unmarshal(data)
	if err != nil {
		return nil, false, fmt.Errorf("decoding executable %s: %w", key, err)
	}
	klog.FromContext(ctx).V(2).Info("loaded executable from cache", "key", key, "functions", len(exe.Functions))
	return exe, true, nil
}

// Save stores exe under key.
func (c *Cache) Save(ctx context.Context, key string, exe *vm.Executable) error {
	if c.Store == nil {
		return nil
	}
	data, err := exe.Marshal()
	if err != nil {
		return fmt.Errorf("encoding executable: %w", err)
	}
	dir, err := c.tempDir()
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	p := filepath.Join(dir, key)
	if err := os.WriteFile(p, data, 0644); err != nil {
		return fmt.Errorf("writing executable: %w", err)
	}
	if err := c.Store.Upload(ctx, p, blobs.BlobInfo{Hash: key}); err != nil {
		return fmt.Errorf("storing executable %s: %w", key, err)
	}
	return nil
}
