// Package history pages backwards through a conversation using opaque cursors.
//
// Items are ordered by their snowflake id, the same key the live stream is
// ordered by. A client that subscribes before fetching its last page sees no
// gap between history and live events; subscribing afterwards can miss the
// events created in between.
package history

import (
	"context"
	"encoding/base64"
	"slices"
	"strconv"
	"strings"
)

const (
	DefaultLimit = 100
	MaxLimit     = 100
)

const cursorVersion = "c1."

// Page is returned oldest first. NextCursor is set when HasMore is true and
// fetches the items immediately preceding Items[0].
type Page[T any] struct {
	Items      []T    `json:"items"`
	HasMore    bool   `json:"hasMore"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// FetchFunc returns up to limit items with key < before, newest first.
// before == 0 means from the newest item.
type FetchFunc[T any] func(ctx context.Context, before int64, limit int) ([]T, error)

// EncodeCursor wraps an ordering key in an opaque token.
func EncodeCursor(key int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorVersion + strconv.FormatInt(key, 10)))
}

// DecodeCursor returns ok == false for anything EncodeCursor did not produce.
func DecodeCursor(cursor string) (int64, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, false
	}
	s, found := strings.CutPrefix(string(raw), cursorVersion)
	if !found {
		return 0, false
	}
	key, err := strconv.ParseInt(s, 10, 64)
	if err != nil || key <= 0 {
		return 0, false
	}
	return key, true
}

// ClampLimit maps non-positive limits to DefaultLimit and caps at MaxLimit.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return min(limit, MaxLimit)
}

// Paginate fetches limit+1 items before cursor to learn whether more exist,
// and returns the newest limit of them in ascending order. An empty cursor
// starts from the newest item. A cursor that does not decode yields an empty
// page rather than an error.
func Paginate[T any](ctx context.Context, fetch FetchFunc[T], key func(T) int64, cursor string, limit int) (Page[T], error) {
	limit = ClampLimit(limit)
	var before int64
	if cursor != "" {
		k, ok := DecodeCursor(cursor)
		if !ok {
			return Page[T]{Items: []T{}}, nil
		}
		before = k
	}

	items, err := fetch(ctx, before, limit+1)
	if err != nil {
		return Page[T]{}, err
	}
	slices.Reverse(items)

	page := Page[T]{Items: items}
	if len(items) > limit {
		page.HasMore = true
		page.Items = items[len(items)-limit:]
	}
	if page.Items == nil {
		page.Items = []T{}
	}
	if page.HasMore {
		page.NextCursor = EncodeCursor(key(page.Items[0]))
	}
	return page, nil
}
