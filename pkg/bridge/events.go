// convobridge - A multi-platform chat bridge.
// Copyright (C) 2025 Martin Wehr
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package bridge

// UpdateKind distinguishes the three mutation event families every platform
// delivers in some form.
type UpdateKind string

const (
	UpdateKindMessage  UpdateKind = "update_message"
	UpdateKindReaction UpdateKind = "reaction"
	UpdateKindPin      UpdateKind = "pin"
)

// IngestRequest is one new-message occurrence, live or backfilled.
type IngestRequest struct {
	Message     Message
	Attachments []IncomingAttachment
	// Records carries attachments already materialized by the caller; the
	// history reconciler uses this to scatter-gather attachment transfers
	// across a whole batch before ingesting it.
	Records []*AttachmentRecord
	Meta    *ConversationMeta
	// Backfill marks messages fetched from platform history rather than
	// delivered live. Backfilled messages never trigger another backfill.
	Backfill bool
}

// UpdateRequest is an edit, reaction change or pin change for a message that
// should already be cached.
type UpdateRequest struct {
	Kind    UpdateKind
	Message Message
	// Reactions is the platform's authoritative emoji list for the message,
	// one entry per individual reaction (duplicates mean higher counts). Only
	// meaningful for UpdateKindReaction.
	Reactions []string
	// Pinned is the desired pin state. Only meaningful for UpdateKindPin.
	Pinned      bool
	Attachments []IncomingAttachment
}

// OutgoingDelete describes the echo of a delete this process itself issued;
// the conversation id is already the opaque engine id.
type OutgoingDelete struct {
	MessageID      string
	ConversationID string
}

// DeleteRequest is either a platform-originated delete (Incoming) or an echo
// of our own outgoing delete (Outgoing). Exactly one should be set.
type DeleteRequest struct {
	Incoming *Message
	Outgoing *OutgoingDelete
}

// MigrateRequest describes a conversation-identity change, e.g. a Zulip topic
// rename: messages cached under the old address must move to the new one.
type MigrateRequest struct {
	FromPlatformConversationID string
	ToPlatformConversationID   string
	// MessageIDs limits the migration to specific messages (platforms like
	// Zulip move individual messages between topics). Empty means all cached
	// messages of the source conversation.
	MessageIDs []string
	Meta       *ConversationMeta
}
