// convobridge - A multi-platform chat bridge.
// Copyright (C) 2025 Martin Wehr
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package bridge

// CachedMessage is the engine's in-memory view of one message. Instances are
// owned by the message cache and mutated in place by the manager; copies
// handed out in Deltas are detached clones.
type CachedMessage struct {
	ID             string
	ConversationID string
	Text           string
	SenderID       string
	SenderName     string
	TimestampMs    int64
	IsFromBot      bool
	Reactions      map[string]int
	IsPinned       bool
	ThreadID       string
	AttachmentIDs  []string
}

// NewCachedMessage constructs a message with the mandatory identity fields.
// A message is never partially constructed: without an id, conversation id
// and timestamp it cannot be cached or diffed.
func NewCachedMessage(id, conversationID string, timestampMs int64) (*CachedMessage, error) {
	if id == "" {
		return nil, &ValidationError{Reason: "missing message id"}
	}
	if conversationID == "" {
		return nil, &ValidationError{Reason: "missing conversation id"}
	}
	if timestampMs <= 0 {
		return nil, &ValidationError{Reason: "missing timestamp"}
	}
	return &CachedMessage{
		ID:             id,
		ConversationID: conversationID,
		TimestampMs:    timestampMs,
		Reactions:      map[string]int{},
	}, nil
}

// Clone returns a deep copy safe to hand outside the engine.
func (m *CachedMessage) Clone() *CachedMessage {
	if m == nil {
		return nil
	}
	clone := *m
	clone.Reactions = make(map[string]int, len(m.Reactions))
	for emoji, count := range m.Reactions {
		clone.Reactions[emoji] = count
	}
	clone.AttachmentIDs = append([]string(nil), m.AttachmentIDs...)
	return &clone
}
