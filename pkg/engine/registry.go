// convobridge - A multi-platform chat bridge.
// Copyright (C) 2025 Martin Wehr
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package engine

import (
	"sort"
	"sync"

	"github.com/mwehr/convobridge/pkg/bridge"
)

// conversation is the registry's mutable state for one conversation. Only
// the manager mutates it, always under that conversation's lock; everything
// outside the engine sees bridge.ConversationInfo snapshots.
type conversation struct {
	id         string
	platformID string
	convType   bridge.ConversationType
	name       string
	members    map[string]struct{}
	messages   map[string]struct{}
	pinned     map[string]struct{}
	// seenMessage flips on the first message ever observed (live or
	// backfilled); only that first sighting may request a history backfill.
	seenMessage bool
}

func newConversation(id, platformID string) *conversation {
	return &conversation{
		id:         id,
		platformID: platformID,
		members:    make(map[string]struct{}),
		messages:   make(map[string]struct{}),
		pinned:     make(map[string]struct{}),
	}
}

func (c *conversation) snapshot() *bridge.ConversationInfo {
	return &bridge.ConversationInfo{
		ConversationID:         c.id,
		PlatformConversationID: c.platformID,
		Type:                   c.convType,
		Name:                   c.name,
		KnownMembers:           sortedKeys(c.members),
		MessageIDs:             sortedKeys(c.messages),
		PinnedMessageIDs:       sortedKeys(c.pinned),
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ConversationRegistry maps opaque conversation ids to conversation state.
// The registry's own mutex only guards the map; per-conversation state is
// serialized by the manager's conversation locks.
type ConversationRegistry struct {
	mu            sync.RWMutex
	conversations map[string]*conversation
}

func NewConversationRegistry() *ConversationRegistry {
	return &ConversationRegistry{conversations: make(map[string]*conversation)}
}

func (r *ConversationRegistry) get(id string) (*conversation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conv, ok := r.conversations[id]
	return conv, ok
}

// getOrCreate returns the conversation for id, creating and registering it if
// absent. The second return reports whether this call created it.
func (r *ConversationRegistry) getOrCreate(id, platformID string) (*conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conv, ok := r.conversations[id]; ok {
		return conv, false
	}
	conv := newConversation(id, platformID)
	r.conversations[id] = conv
	return conv, true
}

// Exists reports whether the conversation is already registered. Adapters use
// this to skip redundant metadata fetches.
func (r *ConversationRegistry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conversations[id]
	return ok
}

// Snapshot returns a read-only copy of the conversation's state.
func (r *ConversationRegistry) Snapshot(id string) (*bridge.ConversationInfo, bool) {
	r.mu.RLock()
	conv, ok := r.conversations[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return conv.snapshot(), true
}

// ForgetMessage drops a message id from the conversation's sets. Used by the
// cache eviction callback so the registry does not accumulate ids the cache
// no longer holds.
func (r *ConversationRegistry) ForgetMessage(conversationID, messageID string) {
	r.mu.RLock()
	conv, ok := r.conversations[conversationID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	delete(conv.messages, messageID)
	delete(conv.pinned, messageID)
}

// Len returns the number of registered conversations.
func (r *ConversationRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conversations)
}
