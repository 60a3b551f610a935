package connectors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// offsetSource simulates a list endpoint over items, failing every offset
// in bad regardless of requested limit.
type offsetSource struct {
	items []string
	bad   map[int]bool
	calls int
}

func (s *offsetSource) fetch(ctx context.Context, offset, limit int) ([]string, error) {
	s.calls++
	for i := offset; i < offset+limit && i < len(s.items); i++ {
		if s.bad[i] {
			return nil, fmt.Errorf("server error at offset %d", i)
		}
	}
	if offset >= len(s.items) {
		return nil, nil
	}
	end := offset + limit
	if end > len(s.items) {
		end = len(s.items)
	}
	return s.items[offset:end], nil
}

func makeItems(n int) []string {
	items := make([]string, n)
	for i := range items {
		items[i] = fmt.Sprintf("item-%d", i)
	}
	return items
}

func TestPaginator_HappyPath(t *testing.T) {
	src := &offsetSource{items: makeItems(10)}
	p := &Paginator[string]{Limit: 4, FetchOffset: src.fetch}

	state := &PageState{}
	var all []string
	for {
		items, failures, done, err := p.NextPage(context.Background(), state)
		require.NoError(t, err)
		assert.Empty(t, failures)
		all = append(all, items...)
		if done {
			break
		}
	}
	assert.Equal(t, makeItems(10), all)
}

func TestPaginator_HalvesDownAndSkipsSingleItem(t *testing.T) {
	// Offset 5 is poisoned: pages of 8, 4, 2 covering it fail; at limit 1
	// the single item is recorded as a failure and skipped, and every other
	// item still comes through.
	src := &offsetSource{items: makeItems(16), bad: map[int]bool{5: true}}
	p := &Paginator[string]{Limit: 8, FetchOffset: src.fetch}

	state := &PageState{}
	var (
		all      []string
		failures int
	)
	for {
		items, fs, done, err := p.NextPage(context.Background(), state)
		require.NoError(t, err)
		failures += len(fs)
		all = append(all, items...)
		if done {
			break
		}
	}

	assert.Equal(t, 1, failures)
	assert.Len(t, all, 15)
	assert.NotContains(t, all, "item-5")
	assert.Contains(t, all, "item-4")
	assert.Contains(t, all, "item-6")
}

func TestPaginator_SwitchesToCursorMode(t *testing.T) {
	items := makeItems(6)
	cursorCalls := 0

	p := &Paginator[string]{
		Limit: 4,
		FetchOffset: func(ctx context.Context, offset, limit int) ([]string, error) {
			return nil, ErrCursorRequired
		},
		FetchCursor: func(ctx context.Context, cursor string, limit int) ([]string, string, error) {
			cursorCalls++
			start := 0
			if cursor != "" {
				fmt.Sscanf(cursor, "c%d", &start)
			}
			end := start + limit
			if end >= len(items) {
				return items[start:], "", nil
			}
			return items[start:end], fmt.Sprintf("c%d", end), nil
		},
	}

	state := &PageState{}
	var all []string
	for {
		page, _, done, err := p.NextPage(context.Background(), state)
		require.NoError(t, err)
		all = append(all, page...)
		if done {
			break
		}
	}

	assert.Equal(t, items, all)
	assert.Equal(t, "cursor", state.Mode)
	assert.Equal(t, 2, cursorCalls)
}

func TestPaginator_CursorRequiredWithoutCursorFetch(t *testing.T) {
	p := &Paginator[string]{
		Limit: 4,
		FetchOffset: func(ctx context.Context, offset, limit int) ([]string, error) {
			return nil, ErrCursorRequired
		},
	}
	_, _, _, err := p.NextPage(context.Background(), &PageState{})
	assert.ErrorIs(t, err, ErrCursorRequired)
}

// cursorOver serves items through cursor pagination with cursors "c<start>".
func cursorOver(items []string) CursorFetch[string] {
	return func(ctx context.Context, cursor string, limit int) ([]string, string, error) {
		start := 0
		if cursor != "" {
			fmt.Sscanf(cursor, "c%d", &start)
		}
		end := start + limit
		if end >= len(items) {
			return items[start:], "", nil
		}
		return items[start:end], fmt.Sprintf("c%d", end), nil
	}
}

func TestPaginator_ModeSwitchSkipsRetrievedItems(t *testing.T) {
	// The source serves offsets 0-7 and then demands cursors. Items handed
	// out in offset mode must not come back through the cursor stream.
	items := makeItems(10)
	p := &Paginator[string]{
		Limit: 4,
		FetchOffset: func(ctx context.Context, offset, limit int) ([]string, error) {
			if offset >= 8 {
				return nil, ErrCursorRequired
			}
			return items[offset : offset+limit], nil
		},
		FetchCursor: cursorOver(items),
	}

	state := &PageState{}
	var all []string
	for {
		page, _, done, err := p.NextPage(context.Background(), state)
		require.NoError(t, err)
		all = append(all, page...)
		if done {
			break
		}
	}

	assert.Equal(t, items, all)
	assert.Equal(t, "cursor", state.Mode)
}

func TestPaginator_ModeSwitchMidPageYieldsEachItemOnce(t *testing.T) {
	// The switch lands mid-page after halving: four items were already
	// collected when the source demanded cursors, and the cursor replay
	// pages (size 8) do not line up with them. The partial offset page is
	// handed out and the replay trims the crossing batch exactly.
	items := makeItems(10)
	p := &Paginator[string]{
		Limit: 8,
		FetchOffset: func(ctx context.Context, offset, limit int) ([]string, error) {
			if offset >= 4 {
				return nil, ErrCursorRequired
			}
			if limit > 4 {
				return nil, errors.New("page too large")
			}
			return items[offset : offset+limit], nil
		},
		FetchCursor: cursorOver(items),
	}

	state := &PageState{}
	var all []string
	for {
		page, _, done, err := p.NextPage(context.Background(), state)
		require.NoError(t, err)
		all = append(all, page...)
		if done {
			break
		}
	}

	assert.Equal(t, items, all)
}

func TestPaginator_CursorExpiryFastForwards(t *testing.T) {
	items := makeItems(9)
	expiredOnce := false

	fetch := func(ctx context.Context, cursor string, limit int) ([]string, string, error) {
		start := 0
		if cursor != "" {
			if cursor == "stale" {
				return nil, "", &CursorExpiredError{Cursor: cursor}
			}
			fmt.Sscanf(cursor, "c%d", &start)
		}
		end := start + limit
		if end >= len(items) {
			return items[start:], "", nil
		}
		return items[start:end], fmt.Sprintf("c%d", end), nil
	}

	p := &Paginator[string]{Limit: 3, FetchCursor: fetch,
		FetchOffset: func(ctx context.Context, offset, limit int) ([]string, error) {
			return nil, errors.New("unused")
		}}

	state := &PageState{Mode: "cursor"}

	first, _, done, err := p.NextPage(context.Background(), state)
	require.NoError(t, err)
	require.False(t, done)
	assert.Equal(t, items[:3], first)

	// Simulate server-side expiry of the saved cursor.
	if !expiredOnce {
		state.Cursor = "stale"
		expiredOnce = true
	}

	second, _, done, err := p.NextPage(context.Background(), state)
	require.NoError(t, err)
	require.False(t, done)
	assert.Equal(t, items[3:6], second, "fast-forward must not re-yield retrieved items")

	third, _, done, err := p.NextPage(context.Background(), state)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, items[6:], third)
}
