// convobridge - A multi-platform chat bridge.
// Copyright (C) 2025 Martin Wehr
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/mwehr/convobridge/pkg/bridge"
	"github.com/mwehr/convobridge/pkg/engine"
)

var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "convobridge",
		Usage:   "conversation synchronization engine for multi-platform chat bridging",
		Version: fmt.Sprintf("%s (%s, built %s)", Tag, Commit, BuildTime),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "path to the YAML config file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "zerolog level (trace, debug, info, warn, error)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "check-config",
				Usage:  "load and validate the config, printing the effective values",
				Action: checkConfig,
			},
			{
				Name:      "derive-id",
				Usage:     "compute the opaque conversation id for a platform address",
				ArgsUsage: "<adapter-type> <platform-conversation-id>",
				Action:    deriveID,
			},
			{
				Name:   "example-config",
				Usage:  "print the example config",
				Action: exampleConfig,
			},
			{
				Name:   "run",
				Usage:  "start the engine and run cache maintenance until interrupted",
				Action: run,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func makeLogger(ctx *cli.Context) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(ctx.String("log-level"))
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level: %w", err)
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger(), nil
}

func checkConfig(ctx *cli.Context) error {
	cfg, err := bridge.LoadConfig(ctx.String("config"))
	if err != nil {
		return err
	}
	fmt.Printf("adapter_type: %s\n", cfg.AdapterType)
	fmt.Printf("bot_user_id: %s\n", cfg.BotUserID)
	fmt.Printf("fetch_history: %t\n", cfg.FetchHistory)
	fmt.Printf("cache_backfill: %t\n", cfg.CacheBackfill)
	fmt.Printf("max_history_limit: %d\n", cfg.MaxHistoryLimit)
	fmt.Printf("max_pagination_iterations: %d\n", cfg.MaxPaginationIterations)
	fmt.Printf("cache.max_messages_per_conversation: %d\n", cfg.Cache.MaxMessagesPerConversation)
	fmt.Printf("cache.max_total_messages: %d\n", cfg.Cache.MaxTotalMessages)
	fmt.Printf("cache.max_message_age: %s\n", cfg.Cache.MaxMessageAge.Get())
	fmt.Printf("cache.maintenance_interval: %s\n", cfg.Cache.MaintenanceInterval.Get())
	fmt.Printf("attachments.storage_dir: %s\n", cfg.Attachments.StorageDir)
	fmt.Printf("attachments.max_file_size: %d\n", cfg.Attachments.MaxFileSize)
	return nil
}

func deriveID(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return fmt.Errorf("usage: convobridge derive-id <adapter-type> <platform-conversation-id>")
	}
	fmt.Println(engine.ConversationID(ctx.Args().Get(0), ctx.Args().Get(1)))
	return nil
}

func exampleConfig(ctx *cli.Context) error {
	fmt.Print(bridge.ExampleConfig)
	return nil
}

// run starts a bare engine with cache maintenance. Platform adapters link
// pkg/engine into their own processes; this mode exists for soak-testing
// maintenance and verifying a deployment's config.
func run(ctx *cli.Context) error {
	cfg, err := bridge.LoadConfig(ctx.String("config"))
	if err != nil {
		return err
	}
	log, err := makeLogger(ctx)
	if err != nil {
		return err
	}

	runtime := engine.NewRuntime(cfg, nil, log)
	runtime.Start()
	defer runtime.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Shutting down")
	return nil
}
