package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/lazyvm/pkg/blobs"
	"k8s.io/examples/AI/lazyvm/pkg/client"
	"k8s.io/examples/AI/lazyvm/pkg/compilecache"
	"k8s.io/examples/AI/lazyvm/pkg/device"
	"k8s.io/examples/AI/lazyvm/pkg/ir"
	"k8s.io/examples/AI/lazyvm/pkg/shape"
	"k8s.io/examples/AI/lazyvm/pkg/value"
)

func main() {
	ctx := context.Background()
	err := run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	defaultDevice := device.DefaultKindFromEnv()
	cacheDir := os.Getenv("CACHE_DIR")
	cacheBucket := os.Getenv("CACHE_BUCKET")
	artifactServer := os.Getenv("ARTIFACT_SERVER")
	values := "1,2,3"
	scale := 2.0

	klog.InitFlags(nil)
	flag.StringVar(&defaultDevice, "device", defaultDevice, "default device kind (CPU or GPU)")
	flag.StringVar(&cacheDir, "cache-dir", cacheDir, "local directory caching compiled executables")
	flag.StringVar(&cacheBucket, "cache-bucket", cacheBucket, "GCS bucket (gs://<bucketName>) storing compiled executables")
	flag.StringVar(&artifactServer, "artifact-server", artifactServer, "base URL of an artifact-store server to read executables from")
	flag.StringVar(&values, "values", values, "comma separated input values")
	flag.Float64Var(&scale, "scale", scale, "scale applied before normalizing")
	flag.Parse()

	log := klog.FromContext(ctx)

	cache, err := buildCache(cacheDir, cacheBucket, artifactServer)
	if err != nil {
		return err
	}

	c, err := client.New(client.Options{DefaultDeviceKind: strings.ToUpper(defaultDevice), Cache: cache})
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}
	defer c.Close(ctx)

	log.Info("Starting lazyvm-run", "device", c.DefaultDevice(), "devices", c.Devices())

	input, err := parseValues(values)
	if err != nil {
		return err
	}
	n := int64(len(input))

	// main(x) = (rms_norm(scale(x)), sum(x))
	x := ir.NewVar("x", ir.NewTensorType(dtypes.Float32, n))
	scaled := ir.NewVar("scaled", nil)
	body := ir.NewLet(scaled, ir.NewCallWithAttrs("scale", map[string]float64{"scale": scale}, x),
		ir.NewTuple(ir.NewCall("rms_norm", scaled), ir.NewCall("sum", x)))
	mod := ir.FromExpr(ir.NewFunction([]*ir.Var{x}, body))

	comps, err := c.Compile(ctx, []client.CompileInstance{{Module: mod, Devices: c.Devices()}})
	if err != nil {
		return fmt.Errorf("compiling: %w", err)
	}
	comp := comps[0]
	defer c.ReleaseComputation(comp)

	src, err := value.TensorFromFloat64s(device.CPU(), shape.Make(dtypes.Float32, n), input)
	if err != nil {
		return err
	}
	args, err := c.TransferToServer(ctx, []client.TensorSource{{
		Shape:    src.Shape(),
		Populate: func(dst []byte) error { copy(dst, src.Data()); return nil },
	}})
	if err != nil {
		return fmt.Errorf("transferring input: %w", err)
	}

	results, err := c.ExecuteComputation(ctx, comp, args, "", client.ExecuteOptions{})
	if err != nil {
		return fmt.Errorf("executing: %w", err)
	}
	literals, err := c.TransferFromServer(ctx, results)
	if err != nil {
		return fmt.Errorf("reading results: %w", err)
	}
	for i, lit := range literals {
		data, err := client.LiteralData[float32](lit)
		if err != nil {
			return err
		}
		fmt.Printf("result %d %v: %v\n", i, lit.Shape(), data)
	}
	return nil
}

func buildCache(cacheDir, cacheBucket, artifactServer string) (*compilecache.Cache, error) {
	cache := &compilecache.Cache{}
	if cacheDir != "" {
		store := &blobs.DirBlobstore{BaseDir: cacheDir}
		cache.Reader = store
		cache.Store = store
	}
	if cacheBucket != "" {
		store, err := blobs.ParseGCSURL(cacheBucket)
		if err != nil {
			return nil, fmt.Errorf("parsing CACHE_BUCKET: %w", err)
		}
		cache.Reader = store
		cache.Store = store
	}
	if artifactServer != "" {
		u, err := url.Parse(artifactServer)
		if err != nil {
			return nil, fmt.Errorf("parsing ARTIFACT_SERVER %q: %w", artifactServer, err)
		}
		cache.Reader = &blobs.ArtifactServer{BaseURL: u}
	}
	if cache.Reader == nil && cache.Store == nil {
		return nil, nil
	}
	return cache, nil
}

func parseValues(s string) ([]float64, error) {
	var out []float64
	for _, token := range strings.Split(s, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		v, err := strconv.ParseFloat(token, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing value %q: %w", token, err)
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no input values")
	}
	return out, nil
}
