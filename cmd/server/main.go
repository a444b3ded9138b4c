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

// Mailer service
//
// Entry point for the long-running service. It:
//  1. Loads configuration from config.yaml and builds the logger
//  2. Connects to the store (PostgreSQL or SQLite), Redis and the vault
//  3. Seeds the configured accounts and wires dispatch and return processing
//  4. Serves Graph webhooks and keeps their subscriptions alive
//  5. Polls inboxes of watched accounts and runs the SLA scheduler
//  6. Serves health and search endpoints
//  7. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bcem/mailer/internal/app"
	"github.com/bcem/mailer/internal/backfill"
	"github.com/bcem/mailer/internal/config"
	"github.com/bcem/mailer/internal/followup"
	"github.com/bcem/mailer/internal/inbound"
	"github.com/bcem/mailer/internal/sla"
	"github.com/bcem/mailer/internal/subscription"
	"github.com/bcem/mailer/internal/webhook"
)

func main() {
	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(config.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout))
	slog.Info("starting mailer service",
		"accounts", len(cfg.Accounts),
		"watched", len(cfg.WatchAccounts),
		"scan_interval", cfg.ScanInterval,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise service", "error", err)
		os.Exit(1)
	}

	runner := backfill.NewRunner(backfill.RunnerConfig{
		Resolver: a.Router,
		Ingestor: a.Ingestor,
		Lookback: cfg.PollLookback,
	})

	// --- Subscription Manager ---
	mgr := subscription.NewManager(subscription.ManagerConfig{
		Store:       a.Stores.Subscriptions,
		Resolver:    a.Router,
		Accounts:    cfg.Accounts,
		WebhookURL:  resolveWebhookURL(cfg.WebhookURL),
		RenewBuffer: cfg.SubscriptionRenewalBuffer,
	})
	// Lost notifications are recovered by listing the inbox since the last one.
	mgr.OnGapDetected = runner.CatchUp

	handler := webhook.NewHandler(ctx, webhook.HandlerConfig{
		Resolver:  a.Router,
		Ingestor:  a.Ingestor,
		Store:     a.Stores.Subscriptions,
		Lifecycle: mgr,
	})

	// --- Phase 1: Start webhook server BEFORE registering subscriptions ---
	// Graph validates the endpoint immediately when creating a subscription.
	if len(mgr.AccountIDs()) > 0 {
		ready, err := webhook.Serve(ctx, cfg.WebhookPort, handler)
		if err != nil {
			slog.Error("failed to start webhook server", "error", err)
			os.Exit(1)
		}
		<-ready
		slog.Info("webhook server ready, proceeding to register subscriptions")
	}

	// --- Phase 2: Subscriptions ---
	if err := mgr.Start(ctx); err != nil {
		slog.Error("failed to start subscription manager", "error", err)
		os.Exit(1)
	}

	// --- Phase 3: Inbox poller ---
	var pollerWG sync.WaitGroup
	if len(cfg.WatchAccounts) > 0 {
		poller := inbound.NewPoller(a.Router, a.Ingestor, inbound.PollerConfig{
			AccountIDs: cfg.WatchAccounts,
			Interval:   cfg.PollInterval,
			Lookback:   cfg.PollLookback,
		})
		pollerWG.Add(1)
		go func() {
			defer pollerWG.Done()
			poller.Run(ctx)
		}()
	}

	// --- Phase 4: SLA scheduler ---
	monitor := sla.NewMonitor(a.Stores.Returns, followup.NewDispatcher(a.Router), sla.Config{
		AttentionAfter:   cfg.AttentionAfter,
		OverdueAfter:     cfg.OverdueAfter,
		FollowUpInterval: cfg.FollowUpInterval,
	})
	scheduler := sla.NewScheduler(monitor, a.Events, cfg.ScanInterval)
	scheduler.Start(ctx)

	// --- Health and Search Server ---
	mux := http.NewServeMux()
	app.Routes(mux, a.Stores, a.Events)

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)
		cancel() // Stop all background goroutines

		mgr.Stop()
		scheduler.Stop()
		pollerWG.Wait()
		handler.Wait()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}

		a.Close()
	}()

	slog.Info("mailer service listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("mailer service stopped")
}

// resolveWebhookURL resolves the public webhook base URL.
//
//   - Empty string: no webhook (subscriptions cannot be created)
//   - "auto": discover the public URL from a local ngrok container
//   - Any other string: use as-is
func resolveWebhookURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || !strings.EqualFold(raw, "auto") {
		return raw
	}

	ngrokAPI := os.Getenv("NGROK_API_URL")
	if ngrokAPI == "" {
		ngrokAPI = "http://ngrok:4040"
	}
	slog.Info("discovering webhook URL from ngrok", "api", ngrokAPI)

	var lastErr error
	for attempt := 0; attempt < 10; attempt++ {
		url, err := ngrokTunnel(ngrokAPI)
		if err == nil {
			slog.Info("ngrok tunnel discovered", "url", url)
			return url
		}
		lastErr = err
		slog.Debug("ngrok not ready, retrying", "attempt", attempt+1, "error", err)
		time.Sleep(2 * time.Second)
	}

	slog.Error("failed to discover ngrok tunnel", "error", lastErr)
	return ""
}

// ngrokTunnel returns the first https tunnel, or the first tunnel of any kind.
func ngrokTunnel(api string) (string, error) {
	resp, err := http.Get(api + "/api/tunnels")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result struct {
		Tunnels []struct {
			PublicURL string `json:"public_url"`
			Proto     string `json:"proto"`
		} `json:"tunnels"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	for _, t := range result.Tunnels {
		if t.Proto == "https" {
			return t.PublicURL, nil
		}
	}
	if len(result.Tunnels) > 0 {
		return result.Tunnels[0].PublicURL, nil
	}
	return "", fmt.Errorf("no tunnels found")
}
