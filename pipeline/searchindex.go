package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/zerafachris/onyx-cz-sub000/config"
	"github.com/zerafachris/onyx-cz-sub000/models"
)

// MetadataUpdate carries the index-side fields a light sync rewrites without
// touching chunk content. Nil fields are left unchanged.
type MetadataUpdate struct {
	ACLEntries   []string `json:"acl_entries,omitempty"`
	DocumentSets []string `json:"document_sets,omitempty"`
	BoostFactor  *float64 `json:"boost_factor,omitempty"`
	Hidden       *bool    `json:"hidden,omitempty"`
}

// SearchIndex is the write-side client of the external search index. One
// logical index (named per embedding generation) holds all chunks of a
// tenant's documents.
type SearchIndex interface {
	// IndexChunks upserts chunks by (document id, chunk id).
	IndexChunks(ctx context.Context, indexName string, chunks []models.DocMetadataAwareIndexChunk) error

	// DeleteChunks removes chunk ids in [from, to) of one document. Used to
	// trim trailing chunks when a document shrank.
	DeleteChunks(ctx context.Context, indexName, documentID string, from, to int) error

	// UpdateDocumentMetadata rewrites metadata fields on every chunk of a
	// document.
	UpdateDocumentMetadata(ctx context.Context, indexName, documentID string, update MetadataUpdate) error

	// DeleteDocument removes every chunk of a document.
	DeleteDocument(ctx context.Context, indexName, documentID string) error
}

// HTTPSearchIndex talks to the index API over JSON/HTTP.
type HTTPSearchIndex struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSearchIndex builds the production index client.
func NewHTTPSearchIndex(cfg config.SearchIndexConfig) *HTTPSearchIndex {
	return &HTTPSearchIndex{
		baseURL: cfg.URL,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

func (s *HTTPSearchIndex) do(ctx context.Context, method, path string, body interface{}) error {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode index request: %w", err)
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("failed to build index request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("index request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return nil
}

// StatusError is a non-2xx response from the index API. Callers use the
// status code to decide retryability: 400 means the request itself is bad
// and will never succeed.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("index returned %d: %s", e.StatusCode, e.Body)
}

func (s *HTTPSearchIndex) IndexChunks(ctx context.Context, indexName string, chunks []models.DocMetadataAwareIndexChunk) error {
	return s.do(ctx, http.MethodPost, "/indexes/"+indexName+"/chunks", map[string]interface{}{
		"chunks": chunks,
	})
}

func (s *HTTPSearchIndex) DeleteChunks(ctx context.Context, indexName, documentID string, from, to int) error {
	return s.do(ctx, http.MethodPost, "/indexes/"+indexName+"/chunks/delete", map[string]interface{}{
		"document_id": documentID,
		"from_chunk":  from,
		"to_chunk":    to,
	})
}

func (s *HTTPSearchIndex) UpdateDocumentMetadata(ctx context.Context, indexName, documentID string, update MetadataUpdate) error {
	return s.do(ctx, http.MethodPost, "/indexes/"+indexName+"/documents/"+documentID+"/metadata", update)
}

func (s *HTTPSearchIndex) DeleteDocument(ctx context.Context, indexName, documentID string) error {
	return s.do(ctx, http.MethodDelete, "/indexes/"+indexName+"/documents/"+documentID, nil)
}

// MockSearchIndex records calls in memory for tests.
type MockSearchIndex struct {
	mu sync.Mutex

	Chunks          map[string][]models.DocMetadataAwareIndexChunk // indexName -> chunks
	DeletedRanges   []string
	DeletedDocs     []string
	MetadataUpdates map[string]MetadataUpdate // documentID -> last update

	IndexErr  error
	UpdateErr error
	DeleteErr error
}

func NewMockSearchIndex() *MockSearchIndex {
	return &MockSearchIndex{
		Chunks:          map[string][]models.DocMetadataAwareIndexChunk{},
		MetadataUpdates: map[string]MetadataUpdate{},
	}
}

func (m *MockSearchIndex) IndexChunks(ctx context.Context, indexName string, chunks []models.DocMetadataAwareIndexChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.IndexErr != nil {
		return m.IndexErr
	}
	m.Chunks[indexName] = append(m.Chunks[indexName], chunks...)
	return nil
}

func (m *MockSearchIndex) DeleteChunks(ctx context.Context, indexName, documentID string, from, to int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	m.DeletedRanges = append(m.DeletedRanges, fmt.Sprintf("%s/%s[%d:%d)", indexName, documentID, from, to))
	return nil
}

func (m *MockSearchIndex) UpdateDocumentMetadata(ctx context.Context, indexName, documentID string, update MetadataUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	m.MetadataUpdates[documentID] = update
	return nil
}

func (m *MockSearchIndex) DeleteDocument(ctx context.Context, indexName, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	m.DeletedDocs = append(m.DeletedDocs, documentID)
	return nil
}

// ChunkCount returns how many chunks of documentID are in indexName.
func (m *MockSearchIndex) ChunkCount(indexName, documentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Chunks[indexName] {
		if c.SourceDocumentID == documentID {
			n++
		}
	}
	return n
}
