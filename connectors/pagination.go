package connectors

import (
	"context"
	"errors"
	"fmt"

	"github.com/zerafachris/onyx-cz-sub000/models"
)

// ErrCursorRequired is returned by an offset fetch when the source refuses
// deep offsets and demands cursor pagination. The paginator switches modes
// and never goes back.
var ErrCursorRequired = errors.New("source requires cursor pagination")

// CursorExpiredError is returned by a cursor fetch when the server-side
// cursor lapsed. The paginator restarts from the beginning and fast-forwards
// past everything already retrieved.
type CursorExpiredError struct{ Cursor string }

func (e *CursorExpiredError) Error() string {
	return fmt.Sprintf("pagination cursor %q has expired", e.Cursor)
}

// OffsetFetch retrieves up to limit items starting at offset.
type OffsetFetch[T any] func(ctx context.Context, offset, limit int) ([]T, error)

// CursorFetch retrieves up to limit items from cursor ("" for the start)
// and returns the next cursor, "" when exhausted.
type CursorFetch[T any] func(ctx context.Context, cursor string, limit int) ([]T, string, error)

// PageState is the paginator's resumable position. Adapters serialize it
// into their checkpoint content.
type PageState struct {
	Mode         string `json:"mode"` // "offset" or "cursor"
	Offset       int    `json:"offset"`
	Cursor       string `json:"cursor,omitempty"`
	NumRetrieved int    `json:"num_retrieved"`
}

// Paginator pulls pages from a listing endpoint and degrades gracefully:
// a failing offset page is retried at half the size down to single items,
// a single failing item is recorded and skipped, and sources that reject
// deep offsets are switched to cursor mode mid-run.
type Paginator[T any] struct {
	// Limit is the page size requested from the source.
	Limit int

	// FetchOffset serves offset mode. Required.
	FetchOffset OffsetFetch[T]

	// FetchCursor serves cursor mode. Optional; without it ErrCursorRequired
	// propagates to the caller.
	FetchCursor CursorFetch[T]

	// FailureFor describes a skipped item. When nil a generic entity
	// failure naming the offset is recorded.
	FailureFor func(offset int, err error) models.ConnectorFailure
}

// NextPage fetches one logical page at state's position, advancing state in
// place. done reports exhaustion of the listing.
func (p *Paginator[T]) NextPage(ctx context.Context, state *PageState) (items []T, failures []models.ConnectorFailure, done bool, err error) {
	if state.Mode == "" {
		state.Mode = "offset"
	}
	if state.Mode == "cursor" {
		return p.nextCursorPage(ctx, state)
	}

	items, failures, done, err = p.nextOffsetPage(ctx, state)
	if errors.Is(err, ErrCursorRequired) {
		if p.FetchCursor == nil {
			return nil, nil, false, err
		}
		state.Mode = "cursor"
		state.Cursor = ""
		if len(items) > 0 || len(failures) > 0 {
			// The offset page was partially served before the source
			// demanded cursors. Hand it out; the next call replays the
			// cursor stream past everything already retrieved.
			return items, failures, false, nil
		}
		return p.nextCursorPage(ctx, state)
	}
	return items, failures, done, err
}

func (p *Paginator[T]) nextOffsetPage(ctx context.Context, state *PageState) ([]T, []models.ConnectorFailure, bool, error) {
	var (
		items    []T
		failures []models.ConnectorFailure
	)
	remaining := p.Limit
	limit := p.Limit

	for remaining > 0 {
		if limit > remaining {
			limit = remaining
		}
		batch, err := p.FetchOffset(ctx, state.Offset, limit)
		if errors.Is(err, ErrCursorRequired) {
			return items, failures, false, err
		}
		if err != nil {
			if limit > 1 {
				limit /= 2
				continue
			}
			// A single item keeps failing. Record it, skip it, move on.
			failures = append(failures, p.failureFor(state.Offset, err))
			state.Offset++
			remaining--
			continue
		}

		items = append(items, batch...)
		state.Offset += len(batch)
		state.NumRetrieved += len(batch)
		if len(batch) < limit {
			return items, failures, true, nil
		}
		remaining -= len(batch)
	}
	return items, failures, false, nil
}

func (p *Paginator[T]) nextCursorPage(ctx context.Context, state *PageState) ([]T, []models.ConnectorFailure, bool, error) {
	if state.Cursor == "" && state.NumRetrieved > 0 {
		// Fresh cursor stream after offset mode already handed items out:
		// replay past them before serving anything new.
		carry, done, err := p.fastForward(ctx, state)
		if err != nil || len(carry) > 0 || done {
			state.NumRetrieved += len(carry)
			return carry, nil, done, err
		}
	}

	batch, next, err := p.FetchCursor(ctx, state.Cursor, p.Limit)

	var expired *CursorExpiredError
	if errors.As(err, &expired) {
		carry, done, ffErr := p.fastForward(ctx, state)
		if ffErr != nil {
			return nil, nil, false, ffErr
		}
		if len(carry) > 0 || done {
			state.NumRetrieved += len(carry)
			return carry, nil, done, nil
		}
		batch, next, err = p.FetchCursor(ctx, state.Cursor, p.Limit)
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("cursor page fetch failed: %w", err)
	}

	state.Cursor = next
	state.NumRetrieved += len(batch)
	return batch, nil, next == "", nil
}

// fastForward restarts cursor pagination from the beginning and skips
// exactly state.NumRetrieved items, leaving state.Cursor at the equivalent
// position. Replay pages need not line up with the original ones, so the
// batch crossing the boundary is partially consumed: its unseen remainder
// comes back as carry for the caller to yield. done reports the listing
// ended during the replay.
func (p *Paginator[T]) fastForward(ctx context.Context, state *PageState) (carry []T, done bool, err error) {
	if state.NumRetrieved == 0 {
		state.Cursor = ""
		return nil, false, nil
	}
	cursor := ""
	skipped := 0
	for skipped < state.NumRetrieved {
		batch, next, err := p.FetchCursor(ctx, cursor, p.Limit)
		if err != nil {
			return nil, false, fmt.Errorf("cursor fast-forward failed at %d/%d: %w", skipped, state.NumRetrieved, err)
		}
		if skipped+len(batch) > state.NumRetrieved {
			carry = batch[state.NumRetrieved-skipped:]
			skipped = state.NumRetrieved
		} else {
			skipped += len(batch)
		}
		cursor = next
		if next == "" {
			break
		}
	}
	state.Cursor = cursor
	return carry, cursor == "", nil
}

func (p *Paginator[T]) failureFor(offset int, err error) models.ConnectorFailure {
	if p.FailureFor != nil {
		return p.FailureFor(offset, err)
	}
	return models.ConnectorFailure{
		Message:      fmt.Sprintf("failed to retrieve item at offset %d: %v", offset, err),
		Exception:    err,
		FailedEntity: &models.EntityFailure{EntityID: fmt.Sprintf("offset-%d", offset)},
	}
}
