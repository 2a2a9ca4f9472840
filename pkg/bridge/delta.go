// convobridge - A multi-platform chat bridge.
// Copyright (C) 2025 Martin Wehr
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package bridge

// Delta is the single output of every synchronization call: the minimal
// observable difference between the engine's view before and after one
// occurrence. Each field maps 1:1 to a standardized outgoing notification.
// An empty Delta is a no-op signal; callers must not emit anything for it.
type Delta struct {
	ConversationID string
	// FetchHistory asks the caller to run a history backfill before acting on
	// anything else. The backfill targets ConversationID unless
	// BackfillConversationID overrides it.
	FetchHistory bool
	// BackfillConversationID is set when the backfill target differs from
	// ConversationID: a migration Delta is addressed to the source
	// conversation, but any requested history belongs to the destination.
	BackfillConversationID string
	AddedMessages      []*CachedMessage
	UpdatedMessages    []*CachedMessage
	DeletedMessageIDs  []string
	AddedReactions     []string
	RemovedReactions   []string
	PinnedMessageIDs   []string
	UnpinnedMessageIDs []string
	// MessageID is the message the occurrence concerned, set even when the
	// occurrence turned out to be a no-op.
	MessageID string
}

// EmptyDelta returns a no-op Delta carrying only routing identity.
func EmptyDelta(conversationID, messageID string) *Delta {
	return &Delta{ConversationID: conversationID, MessageID: messageID}
}

// IsEmpty reports whether the delta carries no observable change. The
// identity fields (ConversationID, MessageID) do not count as changes.
func (d *Delta) IsEmpty() bool {
	if d == nil {
		return true
	}
	return !d.FetchHistory &&
		len(d.AddedMessages) == 0 &&
		len(d.UpdatedMessages) == 0 &&
		len(d.DeletedMessageIDs) == 0 &&
		len(d.AddedReactions) == 0 &&
		len(d.RemovedReactions) == 0 &&
		len(d.PinnedMessageIDs) == 0 &&
		len(d.UnpinnedMessageIDs) == 0
}
