// convobridge - A multi-platform chat bridge.
// Copyright (C) 2025 Martin Wehr
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package bridge defines the normalized contract between platform adapters
// and the conversation synchronization engine. Adapters translate native SDK
// payloads (Discord, Slack, Telegram, Zulip) into these shapes before calling
// into the engine; the engine never touches platform SDK types.
package bridge

import (
	"fmt"
	"strings"
)

// ConversationType classifies a conversation by its platform semantics.
type ConversationType string

const (
	ConversationDirect  ConversationType = "direct"
	ConversationChannel ConversationType = "channel"
	ConversationGroup   ConversationType = "group"
	ConversationStream  ConversationType = "stream"
)

// UserInfo describes a platform user as known to the adapter. Fields other
// than ID are optional; platforms rarely deliver all of them at once.
type UserInfo struct {
	ID        string
	FirstName string
	LastName  string
	Username  string
	Email     string
	IsBot     bool
}

// DisplayName resolves the name used when rendering mentions and sender
// labels. Precedence: username, then first/last name, then email, then a
// generic "User <id>" fallback. Mention formatting on egress depends on this
// being stable, so the precedence must never change per call site.
func (u *UserInfo) DisplayName() string {
	if u == nil {
		return ""
	}
	if u.Username != "" {
		return u.Username
	}
	if name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName)); name != "" {
		return name
	}
	if u.Email != "" {
		return u.Email
	}
	return fmt.Sprintf("User %s", u.ID)
}

// Merge copies non-empty fields from other into u. Later sightings of a user
// often carry a different subset of fields than earlier ones.
func (u *UserInfo) Merge(other *UserInfo) {
	if other == nil {
		return
	}
	if other.FirstName != "" {
		u.FirstName = other.FirstName
	}
	if other.LastName != "" {
		u.LastName = other.LastName
	}
	if other.Username != "" {
		u.Username = other.Username
	}
	if other.Email != "" {
		u.Email = other.Email
	}
	if other.IsBot {
		u.IsBot = true
	}
}

// Message is the normalized shape of one platform message as produced by an
// adapter. It carries the platform-native conversation address; the engine
// derives the opaque conversation id from it.
type Message struct {
	MessageID              string
	PlatformConversationID string
	Text                   string
	Sender                 *UserInfo
	TimestampMs            int64
	ThreadID               string
}

// ConversationMeta carries optional conversation metadata hints delivered
// alongside an event (server/guild name, channel type, known members).
type ConversationMeta struct {
	Name       string
	Type       ConversationType
	ServerName string
	Members    []*UserInfo
}

// ConversationInfo is a read-only snapshot of one conversation's state.
// The engine's ConversationManager has exclusive mutation rights over the
// underlying state; everything else sees copies like this one.
type ConversationInfo struct {
	ConversationID         string
	PlatformConversationID string
	Type                   ConversationType
	Name                   string
	KnownMembers           []string
	MessageIDs             []string
	PinnedMessageIDs       []string
}

// HasMessage reports whether the snapshot contains the given message id.
func (c *ConversationInfo) HasMessage(messageID string) bool {
	for _, id := range c.MessageIDs {
		if id == messageID {
			return true
		}
	}
	return false
}
