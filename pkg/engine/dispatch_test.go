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

// recordingNotifier appends one line per notification so tests can assert
// exact fan-out order.
type recordingNotifier struct {
	events  []string
	history []*bridge.CachedMessage
}

func (n *recordingNotifier) ConversationStarted(ctx context.Context, delta *bridge.Delta, history []*bridge.CachedMessage) {
	n.events = append(n.events, fmt.Sprintf("started %s", delta.ConversationID))
	n.history = history
}

func (n *recordingNotifier) MessageReceived(ctx context.Context, msg *bridge.CachedMessage) {
	n.events = append(n.events, fmt.Sprintf("received %s", msg.ID))
}

func (n *recordingNotifier) MessageUpdated(ctx context.Context, msg *bridge.CachedMessage) {
	n.events = append(n.events, fmt.Sprintf("updated %s", msg.ID))
}

func (n *recordingNotifier) MessageDeleted(ctx context.Context, messageID, conversationID string) {
	n.events = append(n.events, fmt.Sprintf("deleted %s in %s", messageID, conversationID))
}

func (n *recordingNotifier) ReactionUpdate(ctx context.Context, kind ReactionKind, delta *bridge.Delta, emoji string) {
	n.events = append(n.events, fmt.Sprintf("reaction %s %s on %s", kind, emoji, delta.MessageID))
}

func (n *recordingNotifier) PinStatusUpdate(ctx context.Context, kind PinKind, messageID, conversationID string) {
	n.events = append(n.events, fmt.Sprintf("pin %s %s", kind, messageID))
}

func TestDispatchEmptyDelta(t *testing.T) {
	n := &recordingNotifier{}
	d := NewDispatcher(n, nil, zerolog.Nop())

	d.Dispatch(context.Background(), bridge.EmptyDelta("discord_abc", "m1"))
	assert.Empty(t, n.events, "identity fields alone never notify")
}

func TestDispatchOrdering(t *testing.T) {
	n := &recordingNotifier{}
	d := NewDispatcher(n, nil, zerolog.Nop())

	added, err := bridge.NewCachedMessage("m2", "discord_abc", 2000)
	require.NoError(t, err)
	updated, err := bridge.NewCachedMessage("m3", "discord_abc", 3000)
	require.NoError(t, err)

	d.Dispatch(context.Background(), &bridge.Delta{
		ConversationID:     "discord_abc",
		MessageID:          "m2",
		AddedMessages:      []*bridge.CachedMessage{added},
		UpdatedMessages:    []*bridge.CachedMessage{updated},
		DeletedMessageIDs:  []string{"m1"},
		AddedReactions:     []string{"thumbs_up"},
		RemovedReactions:   []string{"red_heart"},
		PinnedMessageIDs:   []string{"m2"},
		UnpinnedMessageIDs: []string{"m3"},
	})

	assert.Equal(t, []string{
		"received m2",
		"updated m3",
		"deleted m1 in discord_abc",
		"reaction added thumbs_up on m2",
		"reaction removed red_heart on m2",
		"pin pinned m2",
		"pin unpinned m3",
	}, n.events)
}

func TestDispatchFetchHistoryRunsFirst(t *testing.T) {
	fetcher := &fakeFetcher{timeline: timeline(4)}
	r, m := newTestReconciler(t, fetcher, nil)
	n := &recordingNotifier{}
	d := NewDispatcher(n, r, zerolog.Nop())
	ctx := context.Background()

	delta := m.AddToConversation(ctx, ingest("c1", "live-1", 5000))
	require.True(t, delta.FetchHistory)

	d.Dispatch(ctx, delta)

	require.GreaterOrEqual(t, len(n.events), 2)
	assert.Equal(t, "started "+delta.ConversationID, n.events[0], "backfill notification precedes the live message")
	assert.Equal(t, "received live-1", n.events[1])

	require.Len(t, n.history, 4)
	for _, msg := range n.history {
		assert.NotEqual(t, "live-1", msg.ID, "the triggering message is excluded from its own backfill")
	}
}

func TestDispatchMigrationBackfillsDestination(t *testing.T) {
	fetcher := &fakeFetcher{timeline: timeline(2)}
	r, m := newTestReconciler(t, fetcher, nil)
	n := &recordingNotifier{}
	d := NewDispatcher(n, r, zerolog.Nop())
	ctx := context.Background()

	m.AddToConversation(ctx, ingest("stream:1/old-topic", "m-live", 5000))
	delta := m.MigrateBetweenConversations(ctx, &bridge.MigrateRequest{
		FromPlatformConversationID: "stream:1/old-topic",
		ToPlatformConversationID:   "stream:1/new-topic",
	})
	require.True(t, delta.FetchHistory)
	newID := ConversationID("discord", "stream:1/new-topic")
	assert.Equal(t, newID, delta.BackfillConversationID)

	d.Dispatch(ctx, delta)

	require.Equal(t, []string{"stream:1/new-topic"}, fetcher.platformIDs,
		"history must come from the destination conversation")
	oldID := ConversationID("discord", "stream:1/old-topic")
	assert.Equal(t, 0, m.messages.Count(oldID), "backfill must not repopulate the vacated source")
	assert.Equal(t, "started "+delta.ConversationID, n.events[0])
}

func TestDispatchFetchHistoryWithoutReconciler(t *testing.T) {
	n := &recordingNotifier{}
	d := NewDispatcher(n, nil, zerolog.Nop())

	msg, err := bridge.NewCachedMessage("m1", "discord_abc", 1000)
	require.NoError(t, err)
	d.Dispatch(context.Background(), &bridge.Delta{
		ConversationID: "discord_abc",
		MessageID:      "m1",
		AddedMessages:  []*bridge.CachedMessage{msg},
		FetchHistory:   true,
	})

	assert.Equal(t, []string{"started discord_abc", "received m1"}, n.events)
	assert.Nil(t, n.history, "no fetcher wired means an empty backfill")
}
