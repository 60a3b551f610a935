package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/zerafachris/onyx-cz-sub000/config"
	"github.com/zerafachris/onyx-cz-sub000/models"
)

// Embedder produces dense vectors for chunk passages and titles.
type Embedder interface {
	EmbedBatch(ctx context.Context, modelName string, texts []string) ([]models.Embedding, error)
}

// Classifier scores chunk content for informativeness. Scores land in the
// per-chunk boost factor.
type Classifier interface {
	ClassifyBatch(ctx context.Context, texts []string) ([]float64, error)
}

// VisionModel summarizes an image section to text.
type VisionModel interface {
	SummarizeImage(ctx context.Context, imageFileID, link string) (string, error)
}

// HTTPModelServer is the production client for the embedding / vision /
// classification model server.
type HTTPModelServer struct {
	baseURL string
	client  *http.Client
}

var (
	_ Embedder    = (*HTTPModelServer)(nil)
	_ Classifier  = (*HTTPModelServer)(nil)
	_ VisionModel = (*HTTPModelServer)(nil)
)

func NewHTTPModelServer(cfg config.ModelServerConfig) *HTTPModelServer {
	return &HTTPModelServer{
		baseURL: cfg.URL,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

func (m *HTTPModelServer) post(ctx context.Context, path string, body, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode model request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to build model request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("model server request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &models.RateLimitedError{Err: fmt.Errorf("model server throttled %s", path)}
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("model server returned %d: %s", resp.StatusCode, string(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode model response: %w", err)
	}
	return nil
}

func (m *HTTPModelServer) EmbedBatch(ctx context.Context, modelName string, texts []string) ([]models.Embedding, error) {
	var out struct {
		Embeddings []models.Embedding `json:"embeddings"`
	}
	err := m.post(ctx, "/encoder/bi-encoder-embed", map[string]interface{}{
		"model_name": modelName,
		"texts":      texts,
	}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Embeddings) != len(texts) {
		return nil, fmt.Errorf("model server returned %d embeddings for %d texts", len(out.Embeddings), len(texts))
	}
	return out.Embeddings, nil
}

func (m *HTTPModelServer) ClassifyBatch(ctx context.Context, texts []string) ([]float64, error) {
	var out struct {
		Scores []float64 `json:"scores"`
	}
	err := m.post(ctx, "/custom/content-classification", map[string]interface{}{
		"texts": texts,
	}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Scores) != len(texts) {
		return nil, fmt.Errorf("model server returned %d scores for %d texts", len(out.Scores), len(texts))
	}
	return out.Scores, nil
}

func (m *HTTPModelServer) SummarizeImage(ctx context.Context, imageFileID, link string) (string, error) {
	var out struct {
		Summary string `json:"summary"`
	}
	err := m.post(ctx, "/custom/image-summarization", map[string]interface{}{
		"image_file_id": imageFileID,
		"link":          link,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Summary, nil
}
