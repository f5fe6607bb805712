package blobs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"k8s.io/klog/v2"
)

// ArtifactServer reads blobs over HTTP from an artifact-store server.
type ArtifactServer struct {
	// BaseURL is the base URL of the server, typically http://artifact-store
	BaseURL *url.URL

	// HTTPClient is used for requests; http.DefaultClient if nil.
	HTTPClient *http.Client
}

var _ BlobReader = &ArtifactServer{}

func (s *ArtifactServer) Download(ctx context.Context, info BlobInfo, destPath string) error {
	if !ValidHash(info.Hash) {
		return fmt.Errorf("invalid blob hash %q", info.Hash)
	}
	u := s.BaseURL.JoinPath(info.Hash).String()
	return fetchBlob(ctx, u, destPath, func(ctx context.Context) (io.ReadCloser, error) {
		body, err := s.open(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("downloading from %q: %w", u, err)
		}
		return body, nil
	})
}

func (s *ArtifactServer) open(ctx context.Context, url string) (io.ReadCloser, error) {
	log := klog.FromContext(ctx)

	log.V(2).Info("downloading from url", "url", url)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	httpClient := s.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("doing request: %w", err)
	}

	if resp.StatusCode != 200 {
		resp.Body.Close()
		if resp.StatusCode == 404 {
			return nil, fmt.Errorf("blob not found: %w", os.ErrNotExist)
		}
		return nil, fmt.Errorf("unexpected status downloading blob: %v", resp.Status)
	}
	return resp.Body, nil
}
