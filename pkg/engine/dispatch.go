// convobridge - A multi-platform chat bridge.
// Copyright (C) 2025 Martin Wehr
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package engine

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/mwehr/convobridge/pkg/bridge"
)

// ReactionKind tells a notifier whether a reaction appeared or disappeared.
type ReactionKind string

const (
	ReactionAdded   ReactionKind = "added"
	ReactionRemoved ReactionKind = "removed"
)

// PinKind tells a notifier whether a message was pinned or unpinned.
type PinKind string

const (
	PinAdded   PinKind = "pinned"
	PinRemoved PinKind = "unpinned"
)

// Notifier receives the standardized outgoing notifications one Delta maps
// to. The gateway layer implements it; the engine only guarantees the
// ordering and the 1:1 field mapping.
type Notifier interface {
	ConversationStarted(ctx context.Context, delta *bridge.Delta, history []*bridge.CachedMessage)
	MessageReceived(ctx context.Context, msg *bridge.CachedMessage)
	MessageUpdated(ctx context.Context, msg *bridge.CachedMessage)
	MessageDeleted(ctx context.Context, messageID, conversationID string)
	ReactionUpdate(ctx context.Context, kind ReactionKind, delta *bridge.Delta, emoji string)
	PinStatusUpdate(ctx context.Context, kind PinKind, messageID, conversationID string)
}

// Dispatcher fans one Delta out to the notifier in deterministic order:
// conversation start (with its backfilled history), additions, updates,
// deletions, reactions, pins. An empty Delta emits nothing.
type Dispatcher struct {
	notifier Notifier
	history  *HistoryReconciler
	log      zerolog.Logger
}

func NewDispatcher(notifier Notifier, history *HistoryReconciler, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		notifier: notifier,
		history:  history,
		log:      log.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch emits the notifications for one Delta. When the Delta requests a
// backfill, the history fetch runs first (blocking further ingestion for this
// conversation only) and its results ride along with ConversationStarted.
func (d *Dispatcher) Dispatch(ctx context.Context, delta *bridge.Delta) {
	if delta.IsEmpty() {
		return
	}

	if delta.FetchHistory {
		// Migration Deltas are addressed to the source conversation but their
		// history belongs to the destination.
		target := delta.ConversationID
		if delta.BackfillConversationID != "" {
			target = delta.BackfillConversationID
		}
		var history []*bridge.CachedMessage
		if d.history != nil {
			var err error
			history, err = d.history.Fetch(ctx, &HistoryRequest{
				ConversationID:   target,
				ExcludeMessageID: delta.MessageID,
			})
			if err != nil {
				d.log.Warn().Err(err).
					Str("conversation_id", target).
					Msg("Backfill for new conversation failed")
			}
		}
		d.notifier.ConversationStarted(ctx, delta, history)
	}

	for _, msg := range delta.AddedMessages {
		d.notifier.MessageReceived(ctx, msg)
	}
	for _, msg := range delta.UpdatedMessages {
		d.notifier.MessageUpdated(ctx, msg)
	}
	for _, id := range delta.DeletedMessageIDs {
		d.notifier.MessageDeleted(ctx, id, delta.ConversationID)
	}
	for _, emoji := range delta.AddedReactions {
		d.notifier.ReactionUpdate(ctx, ReactionAdded, delta, emoji)
	}
	for _, emoji := range delta.RemovedReactions {
		d.notifier.ReactionUpdate(ctx, ReactionRemoved, delta, emoji)
	}
	for _, id := range delta.PinnedMessageIDs {
		d.notifier.PinStatusUpdate(ctx, PinAdded, id, delta.ConversationID)
	}
	for _, id := range delta.UnpinnedMessageIDs {
		d.notifier.PinStatusUpdate(ctx, PinRemoved, id, delta.ConversationID)
	}
}
