package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zerafachris/onyx-cz-sub000/common"
	"github.com/zerafachris/onyx-cz-sub000/models"
)

// WebPageFetcher is the transport seam behind the web connector: it lists a
// site's published documents page by page. Production fetchers call the
// site's listing API; tests supply an in-memory one.
type WebPageFetcher interface {
	// FetchPage serves offset pagination. Sources that refuse deep offsets
	// return ErrCursorRequired.
	FetchPage(ctx context.Context, offset, limit int) ([]models.Document, error)

	// FetchCursorPage serves cursor pagination ("" starts from the
	// beginning) and returns the next cursor, "" when exhausted.
	FetchCursorPage(ctx context.Context, cursor string, limit int) ([]models.Document, string, error)
}

// WebConnector pulls a web source through the degrading paginator, one page
// per checkpoint step, throttled by a per-source rate limiter. The page
// position rides in the checkpoint so an interrupted crawl resumes where it
// stopped.
type WebConnector struct {
	fetcher  WebPageFetcher
	limiter  *SourceLimiter
	pageSize int
}

var _ CheckpointedConnector = (*WebConnector)(nil)

// NewWebConnector builds a web connector over fetcher. rps caps outbound
// requests per second, non-positive for unthrottled.
func NewWebConnector(fetcher WebPageFetcher, rps float64, pageSize int) *WebConnector {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &WebConnector{
		fetcher:  fetcher,
		limiter:  NewSourceLimiter(rps, 1),
		pageSize: pageSize,
	}
}

func (w *WebConnector) LoadCredentials(credentials map[string]interface{}) (map[string]interface{}, error) {
	// Public listings carry no credential.
	return nil, nil
}

func (w *WebConnector) ValidateConnectorSettings(ctx context.Context) error {
	err := w.limiter.Do(ctx, func() error {
		_, err := w.fetcher.FetchPage(ctx, 0, 1)
		return err
	})
	if err != nil {
		return &models.UnexpectedValidationError{Err: err}
	}
	return nil
}

func (w *WebConnector) BuildDummyCheckpoint() models.ConnectorCheckpoint {
	return models.DummyCheckpoint()
}

func (w *WebConnector) ValidateCheckpointJSON(blob string) (models.ConnectorCheckpoint, error) {
	return models.UnmarshalCheckpoint(blob)
}

func (w *WebConnector) LoadFromCheckpoint(ctx context.Context, start, end time.Time, checkpoint models.ConnectorCheckpoint) CheckpointIterator {
	var state PageState
	if len(checkpoint.Content) > 0 {
		if err := json.Unmarshal(checkpoint.Content, &state); err != nil {
			return NewErrorIterator(fmt.Errorf("invalid web checkpoint: %w", err))
		}
	}

	docs, failures, done, err := w.paginator().NextPage(ctx, &state)
	if err != nil {
		return NewErrorIterator(err)
	}

	items := make([]CheckpointItem, 0, len(docs)+len(failures))
	for i := range docs {
		items = append(items, CheckpointItem{Document: &docs[i]})
	}
	for i := range failures {
		items = append(items, CheckpointItem{Failure: &failures[i]})
	}

	content, err := json.Marshal(state)
	if err != nil {
		return NewErrorIterator(err)
	}
	return NewSliceIterator(items, models.ConnectorCheckpoint{
		HasMore: !done,
		Content: content,
	})
}

// RegisterWebSource binds the web source factory to a concrete fetcher
// implementation. Deployments call this once at startup with their HTTP
// fetcher; tests register an in-memory one.
func RegisterWebSource(build func(settings map[string]interface{}) (WebPageFetcher, error)) {
	RegisterSource(models.SourceWeb, func(settings map[string]interface{}) (Connector, error) {
		fetcher, err := build(settings)
		if err != nil {
			return nil, err
		}
		return NewWebConnector(fetcher,
			floatSetting(settings, "requests_per_second", 0),
			intSetting(settings, "page_size", 100)), nil
	})
}

// paginator wraps the fetcher in the rate limiter. Pagination-control
// errors pass through the limiter's retry untouched: mode switching and
// cursor recovery belong to the paginator.
func (w *WebConnector) paginator() *Paginator[models.Document] {
	return &Paginator[models.Document]{
		Limit: w.pageSize,
		FetchOffset: func(ctx context.Context, offset, limit int) ([]models.Document, error) {
			var page []models.Document
			err := w.limiter.Do(ctx, func() error {
				batch, err := w.fetcher.FetchPage(ctx, offset, limit)
				if err != nil {
					return asPermanentPaginationControl(err)
				}
				page = batch
				return nil
			})
			return page, err
		},
		FetchCursor: func(ctx context.Context, cursor string, limit int) ([]models.Document, string, error) {
			var (
				page []models.Document
				next string
			)
			err := w.limiter.Do(ctx, func() error {
				batch, n, err := w.fetcher.FetchCursorPage(ctx, cursor, limit)
				if err != nil {
					return asPermanentPaginationControl(err)
				}
				page, next = batch, n
				return nil
			})
			return page, next, err
		},
	}
}

// asPermanentPaginationControl keeps the paginator's control errors out of
// the retry loop: retrying them wastes attempts and hides the signal. The
// retry combinator unwraps a permanent error back to the original, so the
// paginator still sees it with errors.Is/As.
func asPermanentPaginationControl(err error) error {
	var expired *CursorExpiredError
	if errors.Is(err, ErrCursorRequired) || errors.As(err, &expired) {
		return common.Permanent(err)
	}
	return err
}
