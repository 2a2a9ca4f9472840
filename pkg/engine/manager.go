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
	"sync"

	"github.com/rs/zerolog"

	"github.com/mwehr/convobridge/pkg/bridge"
)

// Manager turns one raw platform occurrence into a Delta. It owns every
// mutation of conversation and message state: platform delivery order is not
// guaranteed, so each occurrence for a conversation runs start-to-finish
// under that conversation's lock, while different conversations proceed
// concurrently.
//
// Public entry points never propagate failures: a malformed or unknown
// occurrence is logged and becomes an empty Delta, so one bad event cannot
// halt ingestion for anything else.
type Manager struct {
	cfg *bridge.Config
	log zerolog.Logger

	users       *UserCache
	messages    *MessageCache
	attachments *AttachmentCache
	registry    *ConversationRegistry

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewManager(cfg *bridge.Config, log zerolog.Logger, users *UserCache, messages *MessageCache, attachments *AttachmentCache, registry *ConversationRegistry) *Manager {
	return &Manager{
		cfg:         cfg,
		log:         log.With().Str("component", "conversation_manager").Logger(),
		users:       users,
		messages:    messages,
		attachments: attachments,
		registry:    registry,
		locks:       make(map[string]*sync.Mutex),
	}
}

// lockConversation acquires the mutex serializing all mutations of one
// conversation and returns its unlock func. The history reconciler holds this
// across a whole backfill so live events for the same conversation cannot
// interleave with historical ones.
func (m *Manager) lockConversation(conversationID string) func() {
	m.locksMu.Lock()
	lock, ok := m.locks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[conversationID] = lock
	}
	m.locksMu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// resolveID maps a platform-native conversation address to the opaque id.
func (m *Manager) resolveID(platformConversationID string) string {
	return ConversationID(m.cfg.AdapterType, platformConversationID)
}

// ConversationExists reports whether the conversation behind a platform
// address is already known. Pure lookup; adapters call it to skip redundant
// metadata fetches.
func (m *Manager) ConversationExists(platformConversationID string) bool {
	return m.registry.Exists(m.resolveID(platformConversationID))
}

// Conversation returns a read-only snapshot of a known conversation.
func (m *Manager) Conversation(conversationID string) (*bridge.ConversationInfo, bool) {
	return m.registry.Snapshot(conversationID)
}

// GetOrCreateConversation resolves the conversation for a platform address,
// constructing and registering it from the supplied metadata if absent. The
// returned snapshot is safe to retain.
func (m *Manager) GetOrCreateConversation(platformConversationID string, meta *bridge.ConversationMeta) (*bridge.ConversationInfo, bool) {
	convID := m.resolveID(platformConversationID)
	unlock := m.lockConversation(convID)
	defer unlock()
	conv, created := m.getOrCreateLocked(convID, platformConversationID, meta)
	return conv.snapshot(), created
}

// getOrCreateLocked registers the conversation if needed and folds in any
// metadata hints the event carried. Caller holds the conversation lock.
func (m *Manager) getOrCreateLocked(convID, platformID string, meta *bridge.ConversationMeta) (*conversation, bool) {
	conv, created := m.registry.getOrCreate(convID, platformID)
	if meta != nil {
		if meta.Name != "" {
			conv.name = meta.Name
		} else if created && meta.ServerName != "" {
			conv.name = meta.ServerName
		}
		if meta.Type != "" {
			conv.convType = meta.Type
		}
		for _, member := range meta.Members {
			if member == nil || member.ID == "" {
				continue
			}
			m.users.Put(member)
			conv.members[member.ID] = struct{}{}
		}
	}
	if created {
		m.log.Debug().
			Str("conversation_id", convID).
			Str("platform_conversation_id", platformID).
			Msg("Registered new conversation")
	}
	return conv, created
}

// AddToConversation ingests one new message, live or backfilled. Re-ingesting
// a message id the cache already holds is a no-op: the second Delta is empty
// and no duplicate entry appears.
func (m *Manager) AddToConversation(ctx context.Context, req *bridge.IngestRequest) *bridge.Delta {
	msg := &req.Message
	if err := validateMessage(msg); err != nil {
		m.log.Warn().Err(err).Str("message_id", msg.MessageID).Msg("Dropping malformed ingest")
		return bridge.EmptyDelta("", msg.MessageID)
	}

	convID := m.resolveID(msg.PlatformConversationID)
	unlock := m.lockConversation(convID)
	defer unlock()
	return m.addLocked(ctx, convID, req)
}

// addLocked is AddToConversation minus locking, shared with the backfill
// write-through path which already holds the conversation lock.
func (m *Manager) addLocked(ctx context.Context, convID string, req *bridge.IngestRequest) *bridge.Delta {
	msg := &req.Message
	delta := bridge.EmptyDelta(convID, msg.MessageID)

	conv, _ := m.getOrCreateLocked(convID, msg.PlatformConversationID, req.Meta)

	if _, ok := m.messages.Get(convID, msg.MessageID); ok {
		return delta
	}

	// Only the first-ever observed message may request a backfill, and only
	// when it arrived live: backfilled messages must not trigger more
	// backfills.
	fetchHistory := !conv.seenMessage && !req.Backfill && m.cfg.FetchHistory

	cached, err := m.buildCachedMessage(ctx, convID, req)
	if err != nil {
		m.log.Warn().Err(err).
			Str("conversation_id", convID).
			Str("message_id", msg.MessageID).
			Msg("Dropping malformed ingest")
		return delta
	}

	m.messages.Add(cached)
	conv.messages[cached.ID] = struct{}{}
	conv.seenMessage = true

	delta.FetchHistory = fetchHistory
	delta.AddedMessages = append(delta.AddedMessages, cached.Clone())
	return delta
}

// buildCachedMessage assembles the cache entry for one ingest, resolving the
// sender through the user cache and materializing attachments. One
// attachment's failure degrades only that attachment.
func (m *Manager) buildCachedMessage(ctx context.Context, convID string, req *bridge.IngestRequest) (*bridge.CachedMessage, error) {
	msg := &req.Message
	cached, err := bridge.NewCachedMessage(msg.MessageID, convID, msg.TimestampMs)
	if err != nil {
		return nil, err
	}
	cached.Text = msg.Text
	cached.ThreadID = msg.ThreadID

	if msg.Sender != nil && msg.Sender.ID != "" {
		m.users.Put(msg.Sender)
		cached.SenderID = msg.Sender.ID
		cached.SenderName = m.users.DisplayName(msg.Sender.ID)
		cached.IsFromBot = msg.Sender.IsBot || (m.cfg.BotUserID != "" && msg.Sender.ID == m.cfg.BotUserID)
	}

	records := req.Records
	if len(records) == 0 && len(req.Attachments) > 0 {
		records = m.attachments.MaterializeAll(ctx, req.Attachments)
	}
	for _, rec := range records {
		cached.AttachmentIDs = append(cached.AttachmentIDs, rec.ID)
	}
	return cached, nil
}

// UpdateConversation applies an edit, a reaction change or a pin change.
func (m *Manager) UpdateConversation(ctx context.Context, req *bridge.UpdateRequest) *bridge.Delta {
	msg := &req.Message
	if msg.MessageID == "" || msg.PlatformConversationID == "" {
		m.log.Warn().Str("kind", string(req.Kind)).Msg("Dropping malformed update")
		return bridge.EmptyDelta("", msg.MessageID)
	}

	convID := m.resolveID(msg.PlatformConversationID)
	unlock := m.lockConversation(convID)
	defer unlock()

	delta := bridge.EmptyDelta(convID, msg.MessageID)

	conv, ok := m.registry.get(convID)
	if !ok {
		m.log.Debug().Str("conversation_id", convID).Msg("Update for unknown conversation")
		return delta
	}
	cached, ok := m.messages.Get(convID, msg.MessageID)
	if !ok {
		m.log.Debug().
			Str("conversation_id", convID).
			Str("message_id", msg.MessageID).
			Msg("Update for message not in cache")
		return delta
	}

	switch req.Kind {
	case bridge.UpdateKindMessage:
		if cached.Text != msg.Text {
			cached.Text = msg.Text
			if msg.TimestampMs > 0 {
				cached.TimestampMs = msg.TimestampMs
			}
			delta.UpdatedMessages = append(delta.UpdatedMessages, cached.Clone())
		}

	case bridge.UpdateKindReaction:
		added, removed := diffReactions(cached.Reactions, req.Reactions)
		delta.AddedReactions = added
		delta.RemovedReactions = removed

	case bridge.UpdateKindPin:
		// Only a real transition is observable: re-pinning a pinned message
		// or unpinning a never-pinned one yields an empty Delta.
		if req.Pinned && !cached.IsPinned {
			cached.IsPinned = true
			conv.pinned[cached.ID] = struct{}{}
			delta.PinnedMessageIDs = append(delta.PinnedMessageIDs, cached.ID)
		} else if !req.Pinned && cached.IsPinned {
			cached.IsPinned = false
			delete(conv.pinned, cached.ID)
			delta.UnpinnedMessageIDs = append(delta.UnpinnedMessageIDs, cached.ID)
		}

	default:
		m.log.Warn().Str("kind", string(req.Kind)).Msg("Unknown update kind")
	}
	return delta
}

// diffReactions reconciles the cached reaction counts with the platform's
// authoritative emoji list (one entry per reaction, duplicates raise counts).
// The cached map is updated in place; the returns list each emoji whose count
// rose or fell, once. Supports several simultaneous changes per event.
func diffReactions(cached map[string]int, authoritative []string) (added, removed []string) {
	counts := make(map[string]int, len(authoritative))
	for _, emoji := range authoritative {
		counts[emoji]++
	}
	for emoji, count := range counts {
		if count > cached[emoji] {
			added = append(added, emoji)
		}
	}
	for emoji, count := range cached {
		if counts[emoji] < count {
			removed = append(removed, emoji)
		}
	}
	for emoji := range cached {
		delete(cached, emoji)
	}
	for emoji, count := range counts {
		cached[emoji] = count
	}
	return added, removed
}

// DeleteFromConversation removes a message, whether the platform deleted it
// or we are seeing the echo of our own outgoing delete. Both normalize into
// the same deleted_message_ids output.
func (m *Manager) DeleteFromConversation(ctx context.Context, req *bridge.DeleteRequest) *bridge.Delta {
	var convID, msgID string
	switch {
	case req.Outgoing != nil:
		convID = req.Outgoing.ConversationID
		msgID = req.Outgoing.MessageID
	case req.Incoming != nil:
		convID = m.resolveID(req.Incoming.PlatformConversationID)
		msgID = req.Incoming.MessageID
	}
	if convID == "" || msgID == "" {
		m.log.Warn().Msg("Dropping malformed delete")
		return bridge.EmptyDelta(convID, msgID)
	}

	unlock := m.lockConversation(convID)
	defer unlock()

	delta := bridge.EmptyDelta(convID, msgID)
	known := m.messages.Delete(convID, msgID)
	if conv, ok := m.registry.get(convID); ok {
		if _, had := conv.messages[msgID]; had {
			known = true
		}
		delete(conv.messages, msgID)
		delete(conv.pinned, msgID)
	}
	if !known {
		m.log.Debug().
			Str("conversation_id", convID).
			Str("message_id", msgID).
			Msg("Delete for unknown message")
		return delta
	}

	delta.DeletedMessageIDs = append(delta.DeletedMessageIDs, msgID)
	return delta
}

// MigrateBetweenConversations handles a conversation-identity change such as
// a topic rename: cached messages move to the destination id and are reported
// deleted under the source id. The Delta's ConversationID is the source; the
// moved messages inside AddedMessages carry the destination id, and any
// requested backfill is addressed to the destination via
// BackfillConversationID.
func (m *Manager) MigrateBetweenConversations(ctx context.Context, req *bridge.MigrateRequest) *bridge.Delta {
	if req.FromPlatformConversationID == "" || req.ToPlatformConversationID == "" {
		m.log.Warn().Msg("Dropping malformed migration")
		return bridge.EmptyDelta("", "")
	}
	fromID := m.resolveID(req.FromPlatformConversationID)
	toID := m.resolveID(req.ToPlatformConversationID)
	delta := bridge.EmptyDelta(fromID, "")
	if fromID == toID {
		return delta
	}

	// Lock both conversations in a fixed order so concurrent migrations
	// between the same pair cannot deadlock.
	first, second := fromID, toID
	if second < first {
		first, second = second, first
	}
	unlockFirst := m.lockConversation(first)
	defer unlockFirst()
	unlockSecond := m.lockConversation(second)
	defer unlockSecond()

	dest, created := m.getOrCreateLocked(toID, req.ToPlatformConversationID, req.Meta)
	src, ok := m.registry.get(fromID)
	if !ok {
		// Nothing cached under the old identity; the destination may still
		// want history.
		if created && m.cfg.FetchHistory {
			delta.FetchHistory = true
			delta.BackfillConversationID = toID
		}
		return delta
	}

	moving := m.messages.Messages(fromID)
	if len(req.MessageIDs) > 0 {
		wanted := make(map[string]struct{}, len(req.MessageIDs))
		for _, id := range req.MessageIDs {
			wanted[id] = struct{}{}
		}
		filtered := moving[:0]
		for _, msg := range moving {
			if _, ok := wanted[msg.ID]; ok {
				filtered = append(filtered, msg)
			}
		}
		moving = filtered
	}

	for _, msg := range moving {
		m.messages.Delete(fromID, msg.ID)
		delete(src.messages, msg.ID)
		wasPinned := false
		if _, ok := src.pinned[msg.ID]; ok {
			wasPinned = true
			delete(src.pinned, msg.ID)
		}

		moved := msg.Clone()
		moved.ConversationID = toID
		m.messages.Add(moved)
		dest.messages[moved.ID] = struct{}{}
		if wasPinned {
			dest.pinned[moved.ID] = struct{}{}
		}
		dest.seenMessage = true

		delta.DeletedMessageIDs = append(delta.DeletedMessageIDs, msg.ID)
		delta.AddedMessages = append(delta.AddedMessages, moved.Clone())
	}

	if created && m.cfg.FetchHistory {
		delta.FetchHistory = true
		delta.BackfillConversationID = toID
	}
	m.log.Info().
		Str("from", fromID).
		Str("to", toID).
		Int("messages", len(moving)).
		Bool("destination_created", created).
		Msg("Migrated conversation")
	return delta
}

func validateMessage(msg *bridge.Message) error {
	if msg.MessageID == "" {
		return &bridge.ValidationError{Reason: "missing message id"}
	}
	if msg.PlatformConversationID == "" {
		return &bridge.ValidationError{Reason: "missing platform conversation id"}
	}
	if msg.TimestampMs <= 0 {
		return &bridge.ValidationError{Reason: "missing timestamp"}
	}
	return nil
}
