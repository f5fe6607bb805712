package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/lazyvm/pkg/blobs"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := klog.FromContext(ctx)

	listen := ":8080"
	cacheDir := os.Getenv("CACHE_DIR")
	if cacheDir == "" {
		// We expect CACHE_DIR to be set when running on kubernetes, but default sensibly for local dev
		cacheDir = "~/.cache/lazyvm/executables"
	}
	cacheBucket := os.Getenv("CACHE_BUCKET")
	klog.InitFlags(nil)
	flag.StringVar(&listen, "listen", listen, "listen address")
	flag.StringVar(&cacheDir, "cache-dir", cacheDir, "cache directory")
	flag.StringVar(&cacheBucket, "cache-bucket", cacheBucket, "GCS bucket (gs://<bucketName>) backing the cache")
	flag.Parse()

	if strings.HasPrefix(cacheDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("getting home directory: %w", err)
		}
		cacheDir = filepath.Join(homeDir, strings.TrimPrefix(cacheDir, "~/"))
	}

	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return fmt.Errorf("creating cache directory %q: %w", cacheDir, err)
	}

	var upstream blobs.BlobReader
	if cacheBucket != "" {
		store, err := blobs.ParseGCSURL(cacheBucket)
		if err != nil {
			return fmt.Errorf("parsing CACHE_BUCKET: %w", err)
		}
		log.Info("using GCS cache", "bucket", store.Bucket, "prefix", store.Prefix)
		upstream = store
	}

	reg := prometheus.NewRegistry()
	s := newHTTPServer(&blobCache{local: &blobs.DirBlobstore{BaseDir: cacheDir}, upstream: upstream}, reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", s)

	log.Info("serving", "listen", listen, "cacheDir", cacheDir)
	if err := http.ListenAndServe(listen, mux); err != nil {
		return fmt.Errorf("serving on %q: %w", listen, err)
	}

	return nil
}

type httpServer struct {
	blobCache *blobCache
	requests  *prometheus.CounterVec
}

func newHTTPServer(cache *blobCache, reg prometheus.Registerer) *httpServer {
	return &httpServer{
		blobCache: cache,
		requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "artifact_store_requests_total",
			Help: "Blob requests by HTTP status code",
		}, []string{"code"}),
	}
}

func (s *httpServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tokens := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(tokens) == 1 {
		if r.Method == "GET" {
			hash := tokens[0]
			s.serveGETBlob(w, r, hash)
			return
		}
		s.error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.error(w, "not found", http.StatusNotFound)
}

func (s *httpServer) error(w http.ResponseWriter, msg string, code int) {
	s.requests.WithLabelValues(fmt.Sprint(code)).Inc()
	http.Error(w, msg, code)
}

func (s *httpServer) serveGETBlob(w http.ResponseWriter, r *http.Request, hash string) {
	ctx := r.Context()

	log := klog.FromContext(ctx)

	if !blobs.ValidHash(hash) {
		s.error(w, "invalid hash", http.StatusBadRequest)
		return
	}

	f, err := s.blobCache.GetBlob(ctx, hash)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			s.error(w, "not found", http.StatusNotFound)
			return
		}
		log.Error(err, "error getting blob")
		s.error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	defer f.Close()
	p := f.Name()

	log.V(2).Info("serving blob", "path", p)
	s.requests.WithLabelValues("200").Inc()
	http.ServeFile(w, r, p)
}

type blobCache struct {
	local *blobs.DirBlobstore
	// upstream is consulted on a local miss; nil serves local blobs only.
	upstream blobs.BlobReader
}

func (c *blobCache) GetBlob(ctx context.Context, hash string) (*os.File, error) {
	localPath := c.local.Path(hash)
	f, err := os.Open(localPath)
	if err == nil {
		return f, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("opening blob %q: %w", hash, err)
	}

	if c.upstream == nil {
		return nil, status.Errorf(codes.NotFound, "blob %q not found", hash)
	}
	if err := c.upstream.Download(ctx, blobs.BlobInfo{Hash: hash}, localPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, status.Errorf(codes.NotFound, "blob %q not found", hash)
		}
		return nil, fmt.Errorf("downloading blob %q: %w", hash, err)
	}
	return os.Open(localPath)
}
