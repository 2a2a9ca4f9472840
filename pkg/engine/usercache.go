// convobridge - A multi-platform chat bridge.
// Copyright (C) 2025 Martin Wehr
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package engine

import (
	"fmt"
	"sync"

	"github.com/mwehr/convobridge/pkg/bridge"
)

// UserCache is the process-scoped registry of known platform users, keyed by
// platform user id. One instance lives for the adapter's full lifetime.
type UserCache struct {
	mu    sync.RWMutex
	users map[string]*bridge.UserInfo
}

func NewUserCache() *UserCache {
	return &UserCache{users: make(map[string]*bridge.UserInfo)}
}

// Put records a user sighting. Non-empty fields of info are merged into the
// existing entry; platforms deliver partial user objects, so a later sighting
// must not erase fields an earlier one established.
func (c *UserCache) Put(info *bridge.UserInfo) {
	if info == nil || info.ID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.users[info.ID]
	if !ok {
		clone := *info
		c.users[info.ID] = &clone
		return
	}
	existing.Merge(info)
}

// Get returns a copy of the cached user, if known.
func (c *UserCache) Get(userID string) (*bridge.UserInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.users[userID]
	if !ok {
		return nil, false
	}
	clone := *info
	return &clone, true
}

func (c *UserCache) Delete(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.users, userID)
}

func (c *UserCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.users)
}

// DisplayName resolves the display name for a user id, falling back to the
// generic form for users the cache has never seen.
func (c *UserCache) DisplayName(userID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if info, ok := c.users[userID]; ok {
		return info.DisplayName()
	}
	return fmt.Sprintf("User %s", userID)
}
