// convobridge - A multi-platform chat bridge.
// Copyright (C) 2025 Martin Wehr
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package engine implements the conversation synchronization engine: it
// ingests normalized platform occurrences one at a time, maintains a bounded
// in-memory view of conversations and their recent messages, and reports what
// changed as a Delta.
package engine

import (
	"crypto/sha256"
	"encoding/hex"
)

// conversationIDHashLen is the number of hash hex digits kept in a
// conversation id. 16 digits (64 bits) keeps collisions out of reach for any
// realistic number of conversations while staying readable in logs.
const conversationIDHashLen = 16

// ConversationID derives the stable opaque conversation id for a
// platform-native conversation address. Pure function of its inputs: the same
// (adapter, address) pair always yields the same id, on any process.
//
// Platforms whose native address is itself mutable (Zulip stream+topic) must
// go through migration instead of silently re-deriving.
func ConversationID(adapterType, platformConversationID string) string {
	sum := sha256.Sum256([]byte(platformConversationID))
	return adapterType + "_" + hex.EncodeToString(sum[:])[:conversationIDHashLen]
}
