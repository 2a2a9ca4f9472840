// convobridge - A multi-platform chat bridge.
// Copyright (C) 2025 Martin Wehr
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package engine

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mwehr/convobridge/pkg/bridge"
)

// MessageCache is the bounded per-conversation store of recently seen
// messages. Entries are mutated in place by the manager; the cache itself
// only handles identity, ordering and eviction. It is a performance layer,
// never a store of record: platform APIs stay authoritative.
type MessageCache struct {
	mu            sync.RWMutex
	conversations map[string]*conversationMessages
	total         int

	maxPerConversation int
	maxTotal           int
	maxAge             time.Duration

	// onEvict is called (outside the cache lock) for every message dropped by
	// Evict, so the registry can forget ids the cache no longer holds.
	onEvict func(conversationID, messageID string)

	log zerolog.Logger
}

type conversationMessages struct {
	byID map[string]*bridge.CachedMessage
	// order preserves arrival order, which is also the eviction tie-break for
	// equal timestamps.
	order []*bridge.CachedMessage
}

func NewMessageCache(cfg bridge.CacheConfig, log zerolog.Logger) *MessageCache {
	return &MessageCache{
		conversations:      make(map[string]*conversationMessages),
		maxPerConversation: cfg.MaxMessagesPerConversation,
		maxTotal:           cfg.MaxTotalMessages,
		maxAge:             cfg.MaxMessageAge.Get(),
		log:                log.With().Str("component", "message_cache").Logger(),
	}
}

// SetEvictionCallback registers the hook invoked for evicted messages. It
// must be set before the maintenance loop starts.
func (c *MessageCache) SetEvictionCallback(fn func(conversationID, messageID string)) {
	c.onEvict = fn
}

// Add inserts msg unless a message with the same (conversation, id) already
// exists. It returns the cached entry and whether this call inserted it.
func (c *MessageCache) Add(msg *bridge.CachedMessage) (*bridge.CachedMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.conversations[msg.ConversationID]
	if !ok {
		conv = &conversationMessages{byID: make(map[string]*bridge.CachedMessage)}
		c.conversations[msg.ConversationID] = conv
	}
	if existing, ok := conv.byID[msg.ID]; ok {
		return existing, false
	}
	conv.byID[msg.ID] = msg
	conv.order = append(conv.order, msg)
	c.total++
	return msg, true
}

// Get returns the live cached entry. Only the manager may mutate it, and only
// under the conversation lock.
func (c *MessageCache) Get(conversationID, messageID string) (*bridge.CachedMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conv, ok := c.conversations[conversationID]
	if !ok {
		return nil, false
	}
	msg, ok := conv.byID[messageID]
	return msg, ok
}

// Delete removes one message, reporting whether it was present.
func (c *MessageCache) Delete(conversationID, messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleteLocked(conversationID, messageID)
}

func (c *MessageCache) deleteLocked(conversationID, messageID string) bool {
	conv, ok := c.conversations[conversationID]
	if !ok {
		return false
	}
	if _, ok := conv.byID[messageID]; !ok {
		return false
	}
	delete(conv.byID, messageID)
	for i, m := range conv.order {
		if m.ID == messageID {
			conv.order = append(conv.order[:i], conv.order[i+1:]...)
			break
		}
	}
	c.total--
	if len(conv.byID) == 0 {
		delete(c.conversations, conversationID)
	}
	return true
}

// Messages returns the conversation's cached messages in arrival order. The
// slice is a copy; the entries are live.
func (c *MessageCache) Messages(conversationID string) []*bridge.CachedMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conv, ok := c.conversations[conversationID]
	if !ok {
		return nil
	}
	return append([]*bridge.CachedMessage(nil), conv.order...)
}

// Count returns the number of cached messages for one conversation.
func (c *MessageCache) Count(conversationID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if conv, ok := c.conversations[conversationID]; ok {
		return len(conv.byID)
	}
	return 0
}

// Total returns the number of cached messages across all conversations.
func (c *MessageCache) Total() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.total
}

type evicted struct {
	conversationID string
	messageID      string
}

// Evict enforces the cache bounds: drops entries older than the max age, then
// trims each conversation to its cap and the whole cache to the global cap,
// oldest first (timestamp, then arrival order). Best effort: the bounds must
// hold afterwards, nothing more.
func (c *MessageCache) Evict(now time.Time) int {
	c.mu.Lock()
	var dropped []evicted

	if c.maxAge > 0 {
		cutoff := now.Add(-c.maxAge).UnixMilli()
		for convID, conv := range c.conversations {
			for _, msg := range append([]*bridge.CachedMessage(nil), conv.order...) {
				if msg.TimestampMs < cutoff {
					c.deleteLocked(convID, msg.ID)
					dropped = append(dropped, evicted{convID, msg.ID})
				}
			}
		}
	}

	if c.maxPerConversation > 0 {
		for convID, conv := range c.conversations {
			for len(conv.byID) > c.maxPerConversation {
				msg := oldestOf(conv.order)
				c.deleteLocked(convID, msg.ID)
				dropped = append(dropped, evicted{convID, msg.ID})
			}
		}
	}

	if c.maxTotal > 0 {
		for c.total > c.maxTotal {
			var oldest *bridge.CachedMessage
			for _, conv := range c.conversations {
				if candidate := oldestOf(conv.order); oldest == nil || candidate.TimestampMs < oldest.TimestampMs {
					oldest = candidate
				}
			}
			if oldest == nil {
				break
			}
			c.deleteLocked(oldest.ConversationID, oldest.ID)
			dropped = append(dropped, evicted{oldest.ConversationID, oldest.ID})
		}
	}
	c.mu.Unlock()

	if len(dropped) > 0 {
		c.log.Debug().Int("evicted", len(dropped)).Int("remaining", c.Total()).Msg("Cache eviction pass")
		if c.onEvict != nil {
			for _, e := range dropped {
				c.onEvict(e.conversationID, e.messageID)
			}
		}
	}
	return len(dropped)
}

// oldestOf picks the entry with the smallest timestamp; arrival order breaks
// ties because the scan keeps the first match.
func oldestOf(order []*bridge.CachedMessage) *bridge.CachedMessage {
	var oldest *bridge.CachedMessage
	for _, msg := range order {
		if oldest == nil || msg.TimestampMs < oldest.TimestampMs {
			oldest = msg
		}
	}
	return oldest
}
