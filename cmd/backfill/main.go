// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Historical Backfill Command
//
// Standalone CLI tool that ingests historical replies from the inboxes of
// configured accounts within a lookback window. Intended for seeding return
// threads on new deployments or after an outage.
//
// Usage:
//
//	go run ./cmd/backfill/ --account <id>[,<id>] [--since 168h]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bcem/mailer/internal/app"
	"github.com/bcem/mailer/internal/backfill"
	"github.com/bcem/mailer/internal/config"
)

func main() {
	// --- CLI Flags ---
	accountFlag := flag.String("account", "", "Comma-separated account ids to backfill (required)")
	sinceFlag := flag.String("since", "168h", "Lookback duration (e.g. 168h for 1 week, 720h for 30 days)")
	flag.Parse()

	var accountIDs []string
	for _, id := range strings.Split(*accountFlag, ",") {
		if id = strings.TrimSpace(id); id != "" {
			accountIDs = append(accountIDs, id)
		}
	}
	if len(accountIDs) == 0 {
		fmt.Fprintf(os.Stderr, "Error: --account is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	sinceDuration, err := time.ParseDuration(*sinceFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --since duration %q: %v\n", *sinceFlag, err)
		os.Exit(1)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(config.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout))

	for _, id := range accountIDs {
		if cfg.Account(id) == nil {
			slog.Error("account not found in configuration", "account", id)
			os.Exit(1)
		}
	}

	slog.Info("starting historical backfill",
		"accounts", accountIDs,
		"since", sinceDuration,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	// --- Run Backfill ---
	runner := backfill.NewRunner(backfill.RunnerConfig{
		Resolver: a.Router,
		Ingestor: a.Ingestor,
	})

	result, err := runner.Run(ctx, backfill.Request{
		AccountIDs: accountIDs,
		Since:      sinceDuration,
	})
	if err != nil {
		slog.Error("backfill failed", "error", err)
		os.Exit(1)
	}

	// --- Summary ---
	slog.Info("backfill complete",
		"total_new", result.TotalNew,
		"total_skipped", result.TotalSkipped,
		"total_errors", result.TotalErrors,
		"elapsed", result.Elapsed,
	)

	failed := false
	for _, ar := range result.AccountResults {
		attrs := []any{
			"account", ar.AccountID,
			"fetched", ar.Fetched,
			"processed", ar.Processed,
			"skipped", ar.Skipped,
			"errors", ar.Errors,
		}
		if ar.Err != nil {
			failed = true
			slog.Error("account result", append(attrs, "error", ar.Err)...)
			continue
		}
		slog.Info("account result", attrs...)
	}
	if failed {
		os.Exit(2)
	}
}
