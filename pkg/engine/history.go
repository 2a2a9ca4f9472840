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
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mwehr/convobridge/pkg/bridge"
)

// HistoryItem is one message of platform history with its attachments, as
// returned by a platform fetcher.
type HistoryItem struct {
	Message     bridge.Message
	Attachments []bridge.IncomingAttachment
}

// HistoryPage is one batch of a paginated platform history fetch. Platforms
// return pages newest-first; NextAnchor continues backwards in time and is
// empty when the platform has nothing older.
type HistoryPage struct {
	Items      []*HistoryItem
	NextAnchor string
}

// HistoryFetcher is the platform-specific side of a backfill. Each adapter
// implements it on top of its platform's history API; the engine never sees
// the wire calls.
type HistoryFetcher interface {
	// FetchPage returns up to limit messages of history, paginating backwards
	// from anchor (empty anchor = newest).
	FetchPage(ctx context.Context, platformConversationID, anchor string, limit int) (*HistoryPage, error)
}

// HistoryRequest describes one history read.
type HistoryRequest struct {
	ConversationID         string
	PlatformConversationID string
	// Limit caps the result; zero means the configured max.
	Limit int
	// BeforeTS/AfterTS bound the window in epoch milliseconds, exclusive.
	// Zero means unbounded.
	BeforeTS int64
	AfterTS  int64
	// AnchorMessageID forces a platform fetch anchored at a specific message,
	// bypassing the cache short-circuit.
	AnchorMessageID string
	// ExcludeMessageID filters one message out of the result, e.g. a message
	// just sent whose echo would otherwise duplicate.
	ExcludeMessageID string
}

// HistoryReconciler decides whether cached history is sufficient for a read
// or a platform backfill is required, and runs the backfill when it is.
type HistoryReconciler struct {
	cfg      *bridge.Config
	log      zerolog.Logger
	manager  *Manager
	messages *MessageCache
	fetcher  HistoryFetcher
}

func NewHistoryReconciler(cfg *bridge.Config, log zerolog.Logger, manager *Manager, messages *MessageCache, fetcher HistoryFetcher) *HistoryReconciler {
	return &HistoryReconciler{
		cfg:      cfg,
		log:      log.With().Str("component", "history_reconciler").Logger(),
		manager:  manager,
		messages: messages,
		fetcher:  fetcher,
	}
}

// Fetch returns up to req.Limit messages of conversation history, ascending
// by timestamp. The cache answers when it already holds enough qualifying
// messages and no explicit anchor was requested; otherwise the platform is
// paginated, and with backfill caching enabled the results are written back
// through the manager so the cache converges with platform history.
//
// The conversation lock is held for the whole call: live ingestion for the
// same conversation waits until the backfill completes, so historical and
// live messages cannot interleave out of order. Other conversations are
// unaffected.
func (r *HistoryReconciler) Fetch(ctx context.Context, req *HistoryRequest) ([]*bridge.CachedMessage, error) {
	limit := req.Limit
	if limit <= 0 || limit > r.cfg.MaxHistoryLimit {
		limit = r.cfg.MaxHistoryLimit
	}
	if req.PlatformConversationID == "" {
		if snap, ok := r.manager.Conversation(req.ConversationID); ok {
			req.PlatformConversationID = snap.PlatformConversationID
		} else {
			return nil, fmt.Errorf("history request for unknown conversation %s: %w", req.ConversationID, bridge.ErrNotFound)
		}
	}

	unlock := r.manager.lockConversation(req.ConversationID)
	defer unlock()

	if req.AnchorMessageID == "" {
		if cached := r.fromCache(req, limit); cached != nil {
			r.log.Debug().
				Str("conversation_id", req.ConversationID).
				Int("count", len(cached)).
				Msg("History served from cache")
			return cached, nil
		}
	}

	items, err := r.paginate(ctx, req, limit)
	if err != nil {
		return nil, err
	}

	var result []*bridge.CachedMessage
	if r.cfg.CacheBackfill {
		result = r.writeThrough(ctx, req.ConversationID, items)
	} else {
		result = r.convertOnly(req.ConversationID, items)
	}

	result = filterMessages(result, req)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].TimestampMs < result[j].TimestampMs
	})
	return truncate(result, req, limit), nil
}

// fromCache returns the cache slice when it can satisfy the request alone,
// nil when a platform fetch is needed.
func (r *HistoryReconciler) fromCache(req *HistoryRequest, limit int) []*bridge.CachedMessage {
	qualifying := filterMessages(cloneAll(r.messages.Messages(req.ConversationID)), req)
	if len(qualifying) < limit {
		return nil
	}
	sort.SliceStable(qualifying, func(i, j int) bool {
		return qualifying[i].TimestampMs < qualifying[j].TimestampMs
	})
	return truncate(qualifying, req, limit)
}

// paginate walks the platform's history pages, bounded by the configured max
// iteration count. It stops early once enough context is accumulated (more
// than twice the limit gathered and the window already straddles the
// requested boundary), when a short batch signals the end of history, or when
// no new anchor means stalled progress.
func (r *HistoryReconciler) paginate(ctx context.Context, req *HistoryRequest, limit int) ([]*HistoryItem, error) {
	var acc []*HistoryItem
	seen := make(map[string]struct{})
	var minTS, maxTS int64

	boundary := req.AfterTS
	if boundary == 0 {
		boundary = req.BeforeTS
	}

	anchor := req.AnchorMessageID
	pageSize := limit
	for iter := 0; iter < r.cfg.MaxPaginationIterations; iter++ {
		page, err := r.fetcher.FetchPage(ctx, req.PlatformConversationID, anchor, pageSize)
		if err != nil {
			if len(acc) > 0 && bridge.IsTransient(err) {
				r.log.Warn().Err(err).
					Str("conversation_id", req.ConversationID).
					Int("accumulated", len(acc)).
					Msg("Backfill interrupted, returning partial history")
				break
			}
			return nil, fmt.Errorf("history fetch failed: %w", err)
		}

		for _, item := range page.Items {
			if _, dup := seen[item.Message.MessageID]; dup {
				continue
			}
			seen[item.Message.MessageID] = struct{}{}
			acc = append(acc, item)
			ts := item.Message.TimestampMs
			if minTS == 0 || ts < minTS {
				minTS = ts
			}
			if ts > maxTS {
				maxTS = ts
			}
		}

		if len(page.Items) < pageSize {
			break
		}
		if page.NextAnchor == "" || page.NextAnchor == anchor {
			break
		}
		anchor = page.NextAnchor

		if boundary > 0 {
			if len(acc) > 2*limit && minTS <= boundary {
				break
			}
		} else if len(acc) >= limit {
			break
		}
	}

	r.log.Debug().
		Str("conversation_id", req.ConversationID).
		Int("fetched", len(acc)).
		Msg("Backfill pagination complete")
	return acc, nil
}

// writeThrough ingests fetched history through the manager so the cache
// converges with platform history. Attachment transfers for the whole batch
// scatter-gather first; one item's failure costs only its content.
func (r *HistoryReconciler) writeThrough(ctx context.Context, convID string, items []*HistoryItem) []*bridge.CachedMessage {
	records := make([][]*bridge.AttachmentRecord, len(items))
	var group errgroup.Group
	group.SetLimit(materializeConcurrency)
	for i, item := range items {
		if len(item.Attachments) == 0 {
			continue
		}
		i, item := i, item
		group.Go(func() error {
			records[i] = r.manager.attachments.MaterializeAll(ctx, item.Attachments)
			return nil
		})
	}
	_ = group.Wait()

	result := make([]*bridge.CachedMessage, 0, len(items))
	for i, item := range items {
		delta := r.manager.addLocked(ctx, convID, &bridge.IngestRequest{
			Message:  item.Message,
			Records:  records[i],
			Backfill: true,
		})
		if len(delta.AddedMessages) > 0 {
			result = append(result, delta.AddedMessages[0])
			continue
		}
		// Already cached from live delivery; return the cached view.
		if cached, ok := r.messages.Get(convID, item.Message.MessageID); ok {
			result = append(result, cached.Clone())
		}
	}
	return result
}

// convertOnly builds detached messages from fetched history without touching
// the cache.
func (r *HistoryReconciler) convertOnly(convID string, items []*HistoryItem) []*bridge.CachedMessage {
	result := make([]*bridge.CachedMessage, 0, len(items))
	for _, item := range items {
		msg, err := bridge.NewCachedMessage(item.Message.MessageID, convID, item.Message.TimestampMs)
		if err != nil {
			continue
		}
		msg.Text = item.Message.Text
		msg.ThreadID = item.Message.ThreadID
		if item.Message.Sender != nil {
			msg.SenderID = item.Message.Sender.ID
			msg.SenderName = item.Message.Sender.DisplayName()
			msg.IsFromBot = item.Message.Sender.IsBot
		}
		result = append(result, msg)
	}
	return result
}

// filterMessages applies the exclusion and the strict before/after bounds.
func filterMessages(msgs []*bridge.CachedMessage, req *HistoryRequest) []*bridge.CachedMessage {
	filtered := msgs[:0]
	for _, msg := range msgs {
		if req.ExcludeMessageID != "" && msg.ID == req.ExcludeMessageID {
			continue
		}
		if req.BeforeTS > 0 && msg.TimestampMs >= req.BeforeTS {
			continue
		}
		if req.AfterTS > 0 && msg.TimestampMs <= req.AfterTS {
			continue
		}
		filtered = append(filtered, msg)
	}
	return filtered
}

// truncate keeps the boundary-adjacent slice: the latest N for a "before"
// request, the earliest N for an "after" request. msgs must be sorted
// ascending.
func truncate(msgs []*bridge.CachedMessage, req *HistoryRequest, limit int) []*bridge.CachedMessage {
	if len(msgs) <= limit {
		return msgs
	}
	if req.AfterTS > 0 && req.BeforeTS == 0 {
		return msgs[:limit]
	}
	return msgs[len(msgs)-limit:]
}

func cloneAll(msgs []*bridge.CachedMessage) []*bridge.CachedMessage {
	clones := make([]*bridge.CachedMessage, len(msgs))
	for i, msg := range msgs {
		clones[i] = msg.Clone()
	}
	return clones
}
