package compilecache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"

	"k8s.io/examples/AI/lazyvm/pkg/blobs"
	"k8s.io/examples/AI/lazyvm/pkg/device"
	"k8s.io/examples/AI/lazyvm/pkg/ir"
	"k8s.io/examples/AI/lazyvm/pkg/vm"
)

func negate() *ir.Module {
	x := ir.NewVar("x", ir.NewTensorType(dtypes.Float32, 4))
	return ir.FromExpr(ir.NewFunction([]*ir.Var{x}, ir.NewCall("negative", x)))
}

func TestKey(t *testing.T) {
	a, b := Key(negate(), device.KindCPU), Key(negate(), device.KindCPU)
	if a != b {
		t.Errorf("expected equal modules to share a key, got %s and %s", a, b)
	}
	if !blobs.ValidHash(a) {
		t.Errorf("expected key to be a valid blob hash, got %q", a)
	}
	if Key(negate(), device.KindGPU) == a {
		t.Errorf("expected device kind to change the key")
	}
}

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cache := NewDirCache(dir)
	cache.TempDir = filepath.Join(dir, "tmp")

	key := Key(negate(), device.KindCPU)
	if _, found, err := cache.Load(ctx, key); err != nil || found {
		t.Fatalf("expected a miss, got found=%v err=%v", found, err)
	}

	exe, err := vm.Lower(ctx, negate(), vm.DeviceMap{device.KindCPU: device.CPU()})
	if err != nil {
		t.Fatalf("lowering: %v", err)
	}
	if err := cache.Save(ctx, key, exe); err != nil {
		t.Fatalf("saving: %v", err)
	}

	loaded, found, err := cache.Load(ctx, key)
	if err != nil || !found {
		t.Fatalf("expected a hit, got found=%v err=%v", found, err)
	}
	if loaded.DeviceKind != device.KindCPU || len(loaded.Functions) != 1 || loaded.Functions[0].Name != ir.EntryName {
		t.Errorf("unexpected executable %+v", loaded)
	}

	entries, err := os.ReadDir(cache.TempDir)
	if err != nil {
		t.Fatalf("reading temp dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected temp files to be cleaned up, found %d", len(entries))
	}
}

func TestLoadCorrupt(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	key := Key(negate(), device.KindCPU)
	if err := os.WriteFile(filepath.Join(dir, key), []byte("{not json"), 0644); err != nil {
		t.Fatalf("writing: %v", err)
	}
	if _, _, err := NewDirCache(dir).Load(ctx, key); err == nil {
		t.Fatalf("expected corrupt entry to fail")
	}
}
