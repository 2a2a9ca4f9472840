package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwehr/convobridge/pkg/bridge"
)

// fakeFetcher serves a fixed ascending timeline in newest-first pages. Each
// page is filled up to the requested limit; a short page means the timeline
// is exhausted, matching real platform pagination.
type fakeFetcher struct {
	timeline    []*HistoryItem
	calls       int
	platformIDs []string
	err         error
	// failAfter, when positive, makes every call past that count fail.
	failAfter int
	// stallAnchor echoes the request anchor back, simulating a platform
	// that stops making progress.
	stallAnchor bool
}

func historyItem(id string, ts int64) *HistoryItem {
	return &HistoryItem{Message: bridge.Message{
		MessageID:              id,
		PlatformConversationID: "c1",
		Text:                   "msg " + id,
		TimestampMs:            ts,
	}}
}

func timeline(n int) []*HistoryItem {
	items := make([]*HistoryItem, n)
	for i := 0; i < n; i++ {
		items[i] = historyItem(fmt.Sprintf("m%d", i), int64(1000+i))
	}
	return items
}

func (f *fakeFetcher) FetchPage(ctx context.Context, platformConvID, anchor string, limit int) (*HistoryPage, error) {
	f.calls++
	f.platformIDs = append(f.platformIDs, platformConvID)
	if f.err != nil {
		return nil, f.err
	}
	if f.failAfter > 0 && f.calls > f.failAfter {
		return nil, bridge.Transient(fmt.Errorf("gateway timeout"))
	}

	// Pages walk backwards from the newest item, or from just before the
	// anchor message.
	end := len(f.timeline)
	if anchor != "" {
		for i, item := range f.timeline {
			if item.Message.MessageID == anchor {
				end = i
				break
			}
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	page := &HistoryPage{}
	for i := end - 1; i >= start; i-- {
		page.Items = append(page.Items, f.timeline[i])
	}
	if start > 0 {
		page.NextAnchor = f.timeline[start].Message.MessageID
		if f.stallAnchor {
			page.NextAnchor = anchor
		}
	}
	return page, nil
}

func newTestReconciler(t *testing.T, fetcher HistoryFetcher, mutate func(*bridge.Config)) (*HistoryReconciler, *Manager) {
	cfg := testConfig(t)
	cfg.CacheBackfill = true
	if mutate != nil {
		mutate(cfg)
	}
	log := zerolog.Nop()
	m := NewManager(cfg, log,
		NewUserCache(),
		NewMessageCache(cfg.Cache, log),
		NewAttachmentCache(cfg.Attachments, log),
		NewConversationRegistry(),
	)
	return NewHistoryReconciler(cfg, log, m, m.messages, fetcher), m
}

func TestFetchCacheShortCircuit(t *testing.T) {
	fetcher := &fakeFetcher{}
	r, m := newTestReconciler(t, fetcher, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		m.AddToConversation(ctx, ingest("c1", fmt.Sprintf("m%d", i), int64(1000+i)))
	}
	convID := ConversationID("discord", "c1")

	msgs, err := r.Fetch(ctx, &HistoryRequest{ConversationID: convID, Limit: 5})
	require.NoError(t, err)
	assert.Len(t, msgs, 5)
	assert.Equal(t, 0, fetcher.calls, "cache must satisfy the request without a platform call")

	for i := 1; i < len(msgs); i++ {
		assert.LessOrEqual(t, msgs[i-1].TimestampMs, msgs[i].TimestampMs)
	}
}

func TestFetchAnchorBypassesCache(t *testing.T) {
	fetcher := &fakeFetcher{timeline: timeline(10)}
	r, m := newTestReconciler(t, fetcher, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		m.AddToConversation(ctx, ingest("c1", fmt.Sprintf("m%d", i), int64(1000+i)))
	}
	convID := ConversationID("discord", "c1")

	msgs, err := r.Fetch(ctx, &HistoryRequest{
		ConversationID:  convID,
		Limit:           5,
		AnchorMessageID: "m9",
	})
	require.NoError(t, err)
	assert.Greater(t, fetcher.calls, 0, "explicit anchor must hit the platform")
	require.Len(t, msgs, 5)
	assert.Equal(t, "m8", msgs[len(msgs)-1].ID, "anchor itself is excluded")
}

func TestFetchShortBatchEndsPagination(t *testing.T) {
	fetcher := &fakeFetcher{timeline: timeline(7)}
	r, m := newTestReconciler(t, fetcher, nil)
	m.GetOrCreateConversation("c1", nil)
	convID := ConversationID("discord", "c1")

	msgs, err := r.Fetch(context.Background(), &HistoryRequest{ConversationID: convID, Limit: 20})
	require.NoError(t, err)
	assert.Len(t, msgs, 7)
	assert.Equal(t, 1, fetcher.calls, "a short page means history is exhausted")
}

func TestFetchStopsOnStalledAnchor(t *testing.T) {
	fetcher := &fakeFetcher{timeline: timeline(40), stallAnchor: true}
	r, m := newTestReconciler(t, fetcher, nil)
	m.GetOrCreateConversation("c1", nil)
	convID := ConversationID("discord", "c1")

	_, err := r.Fetch(context.Background(), &HistoryRequest{
		ConversationID:  convID,
		Limit:           10,
		AnchorMessageID: "m39",
		AfterTS:         1, // boundary keeps pagination hungry
	})
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.calls, "a repeated anchor means stalled progress")
}

func TestFetchBoundedByMaxIterations(t *testing.T) {
	fetcher := &fakeFetcher{timeline: timeline(100)}
	r, m := newTestReconciler(t, fetcher, func(cfg *bridge.Config) {
		cfg.MaxPaginationIterations = 3
	})
	m.GetOrCreateConversation("c1", nil)
	convID := ConversationID("discord", "c1")

	_, err := r.Fetch(context.Background(), &HistoryRequest{
		ConversationID: convID,
		Limit:          10,
		AfterTS:        1, // boundary below the whole timeline, never reached
	})
	require.NoError(t, err)
	assert.Equal(t, 3, fetcher.calls)
}

func TestFetchEarlyStopPastBoundary(t *testing.T) {
	fetcher := &fakeFetcher{timeline: timeline(100)}
	r, m := newTestReconciler(t, fetcher, nil)
	m.GetOrCreateConversation("c1", nil)
	convID := ConversationID("discord", "c1")

	// Pages of 10 walk down from ts 1099; by the third page the window
	// straddles the boundary with twice the limit in hand.
	msgs, err := r.Fetch(context.Background(), &HistoryRequest{
		ConversationID: convID,
		Limit:          10,
		AfterTS:        1080,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, fetcher.calls)
	require.Len(t, msgs, 10)
	for _, msg := range msgs {
		assert.Greater(t, msg.TimestampMs, int64(1080))
	}
	assert.Equal(t, "m81", msgs[0].ID, "after-bounded requests keep the earliest slice")
}

func TestFetchFiltersBeforeBound(t *testing.T) {
	fetcher := &fakeFetcher{timeline: timeline(30)}
	r, m := newTestReconciler(t, fetcher, nil)
	m.GetOrCreateConversation("c1", nil)
	convID := ConversationID("discord", "c1")

	msgs, err := r.Fetch(context.Background(), &HistoryRequest{
		ConversationID:   convID,
		Limit:            5,
		BeforeTS:         1020,
		ExcludeMessageID: "m19",
	})
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	for _, msg := range msgs {
		assert.Less(t, msg.TimestampMs, int64(1020), "before bound is strict")
		assert.NotEqual(t, "m19", msg.ID, "excluded message never surfaces")
	}
	assert.LessOrEqual(t, len(msgs), 5)
	assert.Equal(t, "m18", msgs[len(msgs)-1].ID, "latest qualifying message kept")
}

func TestFetchAfterKeepsEarliest(t *testing.T) {
	fetcher := &fakeFetcher{timeline: timeline(30)}
	r, m := newTestReconciler(t, fetcher, nil)
	m.GetOrCreateConversation("c1", nil)
	convID := ConversationID("discord", "c1")

	msgs, err := r.Fetch(context.Background(), &HistoryRequest{
		ConversationID: convID,
		Limit:          3,
		AfterTS:        1009,
	})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m10", msgs[0].ID)
	assert.Equal(t, "m12", msgs[2].ID)
}

func TestFetchWriteThroughCaches(t *testing.T) {
	fetcher := &fakeFetcher{timeline: timeline(5)}
	r, m := newTestReconciler(t, fetcher, nil)
	m.GetOrCreateConversation("c1", nil)
	convID := ConversationID("discord", "c1")

	_, err := r.Fetch(context.Background(), &HistoryRequest{ConversationID: convID, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, 5, m.messages.Count(convID), "backfill must converge the cache")

	// Second read is served from cache.
	calls := fetcher.calls
	_, err = r.Fetch(context.Background(), &HistoryRequest{ConversationID: convID, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, calls, fetcher.calls)
}

func TestFetchWithoutWriteThrough(t *testing.T) {
	fetcher := &fakeFetcher{timeline: timeline(5)}
	r, m := newTestReconciler(t, fetcher, func(cfg *bridge.Config) {
		cfg.CacheBackfill = false
	})
	m.GetOrCreateConversation("c1", nil)
	convID := ConversationID("discord", "c1")

	msgs, err := r.Fetch(context.Background(), &HistoryRequest{ConversationID: convID, Limit: 5})
	require.NoError(t, err)
	assert.Len(t, msgs, 5)
	assert.Equal(t, 0, m.messages.Count(convID), "results are discarded after one read")
}

func TestFetchUnknownConversation(t *testing.T) {
	r, _ := newTestReconciler(t, &fakeFetcher{}, nil)
	_, err := r.Fetch(context.Background(), &HistoryRequest{ConversationID: "discord_nope"})
	assert.ErrorIs(t, err, bridge.ErrNotFound)
}

func TestFetchPartialOnTransientError(t *testing.T) {
	fetcher := &fakeFetcher{timeline: timeline(30), failAfter: 2}
	r, m := newTestReconciler(t, fetcher, nil)
	m.GetOrCreateConversation("c1", nil)
	convID := ConversationID("discord", "c1")

	msgs, err := r.Fetch(context.Background(), &HistoryRequest{
		ConversationID: convID,
		Limit:          5,
		AfterTS:        1,
	})
	require.NoError(t, err, "a mid-pagination transient failure yields partial history")
	assert.Len(t, msgs, 5)
	assert.Equal(t, 3, fetcher.calls)
}

func TestFetchErrorWithoutProgress(t *testing.T) {
	fetcher := &fakeFetcher{err: bridge.Transient(fmt.Errorf("gateway timeout"))}
	r, m := newTestReconciler(t, fetcher, nil)
	m.GetOrCreateConversation("c1", nil)
	convID := ConversationID("discord", "c1")

	_, err := r.Fetch(context.Background(), &HistoryRequest{ConversationID: convID, Limit: 5})
	assert.Error(t, err, "nothing accumulated yet, the error surfaces")
}
