package backbone

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RemoteExtractor embeds images through the inference service that hosts the
// neural backbones. Images are fitted to the backbone input size locally and
// sent as base64 PNG.
type RemoteExtractor struct {
	id         ID
	serviceURL string
	client     *http.Client
	dims       int
}

type loadResponse struct {
	Dimension int `json:"dimension"`
}

type embedRequest struct {
	Model  string   `json:"model"`
	Images []string `json:"images"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Dimension  int         `json:"dimension"`
}

// NewRemote creates an extractor for a service-hosted backbone. Call Load before use.
func NewRemote(id ID, serviceURL string, client *http.Client) (*RemoteExtractor, error) {
	if !id.Remote() {
		return nil, fmt.Errorf("backbone %s is not served remotely", id)
	}
	if serviceURL == "" {
		serviceURL = "http://localhost:8765"
	}
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	return &RemoteExtractor{id: id, serviceURL: serviceURL, client: client}, nil
}

// HealthCheck verifies the inference service is running
func (r *RemoteExtractor) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.serviceURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("inference service not reachable at %s: %w", r.serviceURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference service unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// Load asks the service to make the backbone's weights resident. The first call
// for a backbone may download weights, so it can be slow.
func (r *RemoteExtractor) Load(ctx context.Context) error {
	var out loadResponse
	if err := r.post(ctx, "/v1/models/"+string(r.id)+"/load", nil, &out); err != nil {
		return err
	}
	if out.Dimension <= 0 {
		return fmt.Errorf("service reported invalid dimension %d", out.Dimension)
	}
	r.dims = out.Dimension
	return nil
}

// Close releases the backbone on the service side.
func (r *RemoteExtractor) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.post(ctx, "/v1/models/"+string(r.id)+"/unload", nil, nil)
}

// Embed generates an embedding for a single image
func (r *RemoteExtractor) Embed(ctx context.Context, path string) ([]float32, error) {
	vecs, err := r.EmbedBatch(ctx, []string{path})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch sends all images in one request.
func (r *RemoteExtractor) EmbedBatch(ctx context.Context, paths []string) ([][]float32, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	size := InputSize(r.id)
	body := embedRequest{Model: string(r.id), Images: make([]string, len(paths))}
	for i, path := range paths {
		img, err := loadFitted(path, size)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if body.Images[i], err = encodePNG(img); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	var out embedResponse
	if err := r.post(ctx, "/v1/embed", body, &out); err != nil {
		return nil, err
	}
	if len(out.Embeddings) != len(paths) {
		return nil, fmt.Errorf("service returned %d embeddings for %d images", len(out.Embeddings), len(paths))
	}
	for i, vec := range out.Embeddings {
		if len(vec) == 0 {
			return nil, fmt.Errorf("empty embedding returned for %s", paths[i])
		}
		if r.dims > 0 && len(vec) != r.dims {
			return nil, fmt.Errorf("embedding for %s has %d dimensions, want %d", paths[i], len(vec), r.dims)
		}
	}
	return out.Embeddings, nil
}

// Dimensions returns the embedding dimension size
func (r *RemoteExtractor) Dimensions() int {
	return r.dims
}

// ID returns the backbone identifier
func (r *RemoteExtractor) ID() ID {
	return r.id
}

func (r *RemoteExtractor) post(ctx context.Context, endpoint string, in, out any) error {
	var reader io.Reader = http.NoBody
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.serviceURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s returned status %d: %s", endpoint, resp.StatusCode, bytes.TrimSpace(msg))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
