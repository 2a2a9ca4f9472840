// convobridge - A multi-platform chat bridge.
// Copyright (C) 2025 Martin Wehr
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"github.com/mwehr/convobridge/pkg/bridge"
)

// materializeConcurrency bounds scatter-gather attachment writes for one
// history batch.
const materializeConcurrency = 4

// AttachmentCache indexes materialized attachment metadata by attachment id
// and owns the on-disk layout: one directory per attachment holding the
// metadata JSON and the raw file beside it.
type AttachmentCache struct {
	mu      sync.RWMutex
	records map[string]*bridge.AttachmentRecord

	dir     string
	maxSize int64
	log     zerolog.Logger

	stopChan chan struct{}
	stopOnce sync.Once
}

func NewAttachmentCache(cfg bridge.AttachmentConfig, log zerolog.Logger) *AttachmentCache {
	return &AttachmentCache{
		records:  make(map[string]*bridge.AttachmentRecord),
		dir:      cfg.StorageDir,
		maxSize:  cfg.MaxFileSize,
		log:      log.With().Str("component", "attachment_cache").Logger(),
		stopChan: make(chan struct{}),
	}
}

// AttachmentID derives the stable id for an attachment: a truncated hash of
// the platform file path/URI when one exists, else of the content itself.
// Attachments with neither get a random id; there is nothing stable to key
// them by.
func AttachmentID(att *bridge.IncomingAttachment) string {
	if att.PlatformPath != "" {
		sum := sha256.Sum256([]byte(att.PlatformPath))
		return hex.EncodeToString(sum[:])[:conversationIDHashLen]
	}
	if len(att.Data) > 0 {
		sum := sha256.Sum256(att.Data)
		return hex.EncodeToString(sum[:])[:conversationIDHashLen]
	}
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:conversationIDHashLen]
}

// Get returns the indexed record for an attachment id.
func (c *AttachmentCache) Get(id string) (*bridge.AttachmentRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[id]
	return rec, ok
}

// Delete removes the record from the index and its directory from disk. The
// directory is derived from the metadata path, not LocalPath: content-less
// records (oversize, failed transfer) still have metadata on disk.
func (c *AttachmentCache) Delete(id string) {
	c.mu.Lock()
	rec, ok := c.records[id]
	delete(c.records, id)
	c.mu.Unlock()
	if ok {
		if err := os.RemoveAll(filepath.Dir(c.metadataPath(rec))); err != nil {
			c.log.Warn().Err(err).Str("attachment_id", id).Msg("Failed to remove attachment directory")
		}
	}
}

// Len returns the number of indexed attachments.
func (c *AttachmentCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Materialize persists one incoming attachment and indexes its metadata.
// Re-materializing a known id returns the existing record. Oversized
// attachments are indexed with Processable=false and their content omitted;
// the message referencing them is unaffected.
func (c *AttachmentCache) Materialize(ctx context.Context, att *bridge.IncomingAttachment) (*bridge.AttachmentRecord, error) {
	id := AttachmentID(att)
	if existing, ok := c.Get(id); ok {
		return existing, nil
	}

	size := att.Size
	if size == 0 {
		size = int64(len(att.Data))
	}
	rec := &bridge.AttachmentRecord{
		ID:          id,
		Type:        bridge.AttachmentTypeForFilename(att.Filename),
		Filename:    att.Filename,
		Size:        size,
		ContentType: att.ContentType,
		Processable: true,
		SavedAt:     jsontime.UM(time.Now()),
	}

	if size > c.maxSize {
		rec.Processable = false
		c.log.Warn().
			Err(&bridge.CapacityError{Size: size, Limit: c.maxSize}).
			Str("attachment_id", id).
			Str("filename", att.Filename).
			Msg("Attachment exceeds size limit, content omitted")
	} else if len(att.Data) > 0 {
		if rec.ContentType == "" {
			rec.ContentType = mimetype.Detect(att.Data).String()
		}
		if rec.Type == bridge.AttachmentImage {
			if cfg, _, err := image.DecodeConfig(bytes.NewReader(att.Data)); err == nil {
				rec.Width = cfg.Width
				rec.Height = cfg.Height
			}
		}
		path, err := c.writeFile(rec, att.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to store attachment %s: %w", id, err)
		}
		rec.LocalPath = path
	} else {
		// Transfer failed upstream or the platform never handed us content.
		// Keep the metadata; the message still renders without it.
		rec.Processable = false
	}

	if err := c.writeMetadata(rec); err != nil {
		return nil, fmt.Errorf("failed to store attachment metadata %s: %w", id, err)
	}

	c.mu.Lock()
	c.records[id] = rec
	c.mu.Unlock()
	return rec, nil
}

// MaterializeAll scatter-gathers Materialize over atts. One item's failure
// degrades only that item: it is logged and dropped from the result.
func (c *AttachmentCache) MaterializeAll(ctx context.Context, atts []bridge.IncomingAttachment) []*bridge.AttachmentRecord {
	if len(atts) == 0 {
		return nil
	}
	results := make([]*bridge.AttachmentRecord, len(atts))
	var group errgroup.Group
	group.SetLimit(materializeConcurrency)
	for i := range atts {
		i := i
		group.Go(func() error {
			rec, err := c.Materialize(ctx, &atts[i])
			if err != nil {
				c.log.Warn().Err(err).Str("filename", atts[i].Filename).Msg("Failed to materialize attachment")
				return nil
			}
			results[i] = rec
			return nil
		})
	}
	_ = group.Wait()

	records := make([]*bridge.AttachmentRecord, 0, len(atts))
	for _, rec := range results {
		if rec != nil {
			records = append(records, rec)
		}
	}
	return records
}

// writeFile stores the raw content at {dir}/{type}/{id}/{id}{ext}, writing to
// a temp name first so a crash never leaves a half-written file at the final
// path.
func (c *AttachmentCache) writeFile(rec *bridge.AttachmentRecord, data []byte) (string, error) {
	dir := filepath.Join(c.dir, string(rec.Type), rec.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, rec.ID+strings.ToLower(filepath.Ext(rec.Filename)))
	tmp := filepath.Join(dir, "tmp-"+uuid.NewString())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return path, nil
}

func (c *AttachmentCache) writeMetadata(rec *bridge.AttachmentRecord) error {
	dir := filepath.Join(c.dir, string(rec.Type), rec.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, "tmp-"+uuid.NewString())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, rec.ID+".json"))
}

// metadataPath returns where the record's JSON lives on disk.
func (c *AttachmentCache) metadataPath(rec *bridge.AttachmentRecord) string {
	return filepath.Join(c.dir, string(rec.Type), rec.ID, rec.ID+".json")
}

// WatchStorage watches the storage directory and drops index entries whose
// on-disk metadata disappears (manual cleanup, external pruning). Events are
// debounced so a burst of deletions triggers one rescan.
func (c *AttachmentCache) WatchStorage() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to create storage watcher")
		return
	}
	defer watcher.Close()

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		c.log.Warn().Err(err).Str("path", c.dir).Msg("Failed to create storage dir")
		return
	}
	if err := watcher.Add(c.dir); err != nil {
		c.log.Warn().Err(err).Str("path", c.dir).Msg("Failed to watch storage dir")
		return
	}
	for _, t := range []bridge.AttachmentType{
		bridge.AttachmentImage, bridge.AttachmentVideo, bridge.AttachmentAudio,
		bridge.AttachmentDocument, bridge.AttachmentArchive, bridge.AttachmentOther,
	} {
		sub := filepath.Join(c.dir, string(t))
		if err := os.MkdirAll(sub, 0o755); err == nil {
			if err := watcher.Add(sub); err != nil {
				c.log.Warn().Err(err).Str("path", sub).Msg("Failed to watch storage subdirectory")
			}
		}
	}

	c.log.Debug().Str("path", c.dir).Msg("Watching attachment storage")

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	for {
		select {
		case evt, ok := <-watcher.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if debounceTimer == nil {
				debounceTimer = time.NewTimer(2 * time.Second)
				debounceCh = debounceTimer.C
			} else {
				debounceTimer.Reset(2 * time.Second)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.log.Warn().Err(err).Msg("Storage watcher error")

		case <-debounceCh:
			debounceTimer = nil
			debounceCh = nil
			c.rescan()

		case <-c.stopChan:
			return
		}
	}
}

// Stop terminates the storage watcher.
func (c *AttachmentCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

// rescan drops every indexed record whose metadata JSON no longer exists.
func (c *AttachmentCache) rescan() {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, rec := range c.records {
		if _, err := os.Stat(c.metadataPath(rec)); os.IsNotExist(err) {
			delete(c.records, id)
			removed++
		}
	}
	if removed > 0 {
		c.log.Info().Int("removed", removed).Int("remaining", len(c.records)).
			Msg("Dropped attachment records missing from storage")
	}
}
