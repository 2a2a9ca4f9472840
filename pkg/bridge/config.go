// convobridge - A multi-platform chat bridge.
// Copyright (C) 2025 Martin Wehr
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package bridge

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config is the read-only configuration one adapter process hands to the
// engine at startup.
type Config struct {
	// AdapterType prefixes every conversation id ("discord", "slack",
	// "telegram", "zulip").
	AdapterType string `yaml:"adapter_type"`
	// BotUserID is this process's own platform user id, used to flag echoes
	// of our own messages.
	BotUserID string `yaml:"bot_user_id"`

	// FetchHistory enables requesting a backfill when a conversation is seen
	// for the first time.
	FetchHistory bool `yaml:"fetch_history"`
	// CacheBackfill writes backfilled history back through the cache so it
	// converges with platform history instead of being discarded.
	CacheBackfill bool `yaml:"cache_backfill"`

	MaxHistoryLimit         int `yaml:"max_history_limit"`
	MaxPaginationIterations int `yaml:"max_pagination_iterations"`

	Cache       CacheConfig      `yaml:"cache"`
	Attachments AttachmentConfig `yaml:"attachments"`
}

// CacheConfig bounds the in-memory message cache.
type CacheConfig struct {
	MaxMessagesPerConversation int      `yaml:"max_messages_per_conversation"`
	MaxTotalMessages           int      `yaml:"max_total_messages"`
	MaxMessageAge              Duration `yaml:"max_message_age"`
	MaintenanceInterval        Duration `yaml:"maintenance_interval"`
}

// Duration is a time.Duration that unmarshals from YAML duration strings
// ("24h", "5m") as well as bare integers (seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var seconds int64
	if err := node.Decode(&seconds); err != nil {
		return fmt.Errorf("invalid duration value")
	}
	*d = Duration(time.Duration(seconds) * time.Second)
	return nil
}

func (d Duration) Get() time.Duration {
	return time.Duration(d)
}

// AttachmentConfig controls attachment materialization.
type AttachmentConfig struct {
	StorageDir  string `yaml:"storage_dir"`
	MaxFileSize int64  `yaml:"max_file_size"`
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	if err := node.Decode((*umConfig)(c)); err != nil {
		return err
	}
	return c.PostProcess()
}

// PostProcess fills defaults and validates the fields that have no sane
// zero value.
func (c *Config) PostProcess() error {
	if c.AdapterType == "" {
		return fmt.Errorf("adapter_type is required")
	}
	if c.MaxHistoryLimit <= 0 {
		c.MaxHistoryLimit = 100
	}
	if c.MaxPaginationIterations <= 0 {
		c.MaxPaginationIterations = 10
	}
	if c.Cache.MaxMessagesPerConversation <= 0 {
		c.Cache.MaxMessagesPerConversation = 500
	}
	if c.Cache.MaxTotalMessages <= 0 {
		c.Cache.MaxTotalMessages = 10000
	}
	if c.Cache.MaxMessageAge <= 0 {
		c.Cache.MaxMessageAge = Duration(24 * time.Hour)
	}
	if c.Cache.MaintenanceInterval <= 0 {
		c.Cache.MaintenanceInterval = Duration(5 * time.Minute)
	}
	if c.Attachments.StorageDir == "" {
		c.Attachments.StorageDir = "attachments"
	}
	if c.Attachments.MaxFileSize <= 0 {
		c.Attachments.MaxFileSize = 50 << 20
	}
	return nil
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
