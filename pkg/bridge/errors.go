// convobridge - A multi-platform chat bridge.
// Copyright (C) 2025 Martin Wehr
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package bridge

import (
	"errors"
	"fmt"
)

// ErrNotFound marks a lookup for a conversation or message the engine does
// not know about. The engine handles it by returning an empty Delta.
var ErrNotFound = errors.New("not found")

// TransientError wraps a network or timeout failure from a platform API.
// Callers may retry or accept a partial result.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient platform error: %v", e.Cause)
}

func (e *TransientError) Unwrap() error {
	return e.Cause
}

// Transient wraps err as a TransientError, preserving nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Cause: err}
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ValidationError marks a malformed ingest payload. Logged and dropped; one
// bad occurrence must never halt ingestion for other conversations.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid event: " + e.Reason
}

// CapacityError marks an attachment exceeding the configured size limit. The
// message is still cached; the attachment is flagged non-processable.
type CapacityError struct {
	Size  int64
	Limit int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("attachment size %d exceeds limit %d", e.Size, e.Limit)
}
