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

// Runtime is the explicit process-scoped context one adapter process runs
// the engine in: the caches, registry, manager and reconciler, wired together
// and lifecycle-bound to adapter start/stop. Nothing here is ambient global
// state; adapters receive a Runtime at startup and pass its parts where
// needed.
type Runtime struct {
	Config      *bridge.Config
	Log         zerolog.Logger
	Users       *UserCache
	Messages    *MessageCache
	Attachments *AttachmentCache
	Registry    *ConversationRegistry
	Manager     *Manager
	History     *HistoryReconciler

	startOnce sync.Once
	stopOnce  sync.Once
	stopChan  chan struct{}
	done      sync.WaitGroup
}

// NewRuntime wires a fully connected engine. fetcher may be nil for adapters
// that never backfill; History is nil in that case.
func NewRuntime(cfg *bridge.Config, fetcher HistoryFetcher, log zerolog.Logger) *Runtime {
	r := &Runtime{
		Config:      cfg,
		Log:         log,
		Users:       NewUserCache(),
		Messages:    NewMessageCache(cfg.Cache, log),
		Attachments: NewAttachmentCache(cfg.Attachments, log),
		Registry:    NewConversationRegistry(),
		stopChan:    make(chan struct{}),
	}
	r.Manager = NewManager(cfg, log, r.Users, r.Messages, r.Attachments, r.Registry)
	if fetcher != nil {
		r.History = NewHistoryReconciler(cfg, log, r.Manager, r.Messages, fetcher)
	}

	// Keep the registry's message-id sets in step with cache eviction. The
	// callback takes the conversation lock so it cannot race a concurrent
	// mutation of the same conversation.
	r.Messages.SetEvictionCallback(func(conversationID, messageID string) {
		unlock := r.Manager.lockConversation(conversationID)
		defer unlock()
		r.Registry.ForgetMessage(conversationID, messageID)
	})
	return r
}

// Start launches the background maintenance loop and the attachment storage
// watcher. Guarded: repeated calls start nothing twice.
func (r *Runtime) Start() {
	r.startOnce.Do(func() {
		r.done.Add(2)
		go func() {
			defer r.done.Done()
			r.runMaintenance()
		}()
		go func() {
			defer r.done.Done()
			r.Attachments.WatchStorage()
		}()
		r.Log.Info().
			Str("adapter_type", r.Config.AdapterType).
			Dur("maintenance_interval", r.Config.Cache.MaintenanceInterval.Get()).
			Msg("Engine started")
	})
}

// Stop cancels the background tasks and waits for them to finish.
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
		r.Attachments.Stop()
		r.done.Wait()
		r.Log.Info().Msg("Engine stopped")
	})
}

// runMaintenance drives periodic cache eviction until shutdown.
func (r *Runtime) runMaintenance() {
	ticker := time.NewTicker(r.Config.Cache.MaintenanceInterval.Get())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Messages.Evict(time.Now())
		case <-r.stopChan:
			return
		}
	}
}
