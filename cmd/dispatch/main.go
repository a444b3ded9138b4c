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

// Dispatch Command
//
// Renders a template for one account and prints the signed preview. The
// message is only sent when --send is given; the dispatcher checks the
// preview signature against the request before handing it to the provider.
// A preview saved with --save can be sent later with --preview, as long as
// the same signing key is configured.
//
// Usage:
//
//	go run ./cmd/dispatch/ --account ops --template welcome --to ana@client.com \
//	    [--cc a@corp.com] [--bcc b@corp.com] [--value NAME=Ana]... [--save preview.json]
//	go run ./cmd/dispatch/ ... --preview preview.json --send
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/bcem/mailer/internal/app"
	"github.com/bcem/mailer/internal/config"
	"github.com/bcem/mailer/internal/dispatch"
	"github.com/bcem/mailer/internal/models"
)

// valueFlag collects repeated KEY=VALUE flags.
type valueFlag map[string]string

func (v valueFlag) String() string {
	pairs := make([]string, 0, len(v))
	for k, val := range v {
		pairs = append(pairs, k+"="+val)
	}
	return strings.Join(pairs, ",")
}

func (v valueFlag) Set(s string) error {
	k, val, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(k) == "" {
		return fmt.Errorf("expected KEY=VALUE, got %q", s)
	}
	v[strings.TrimSpace(k)] = val
	return nil
}

func main() {
	values := valueFlag{}
	accountFlag := flag.String("account", "", "Account id to send from (required)")
	templateFlag := flag.String("template", "", "Template key (required)")
	toFlag := flag.String("to", "", "Comma-separated To addresses (required)")
	ccFlag := flag.String("cc", "", "Comma-separated Cc addresses")
	bccFlag := flag.String("bcc", "", "Comma-separated Bcc addresses")
	flag.Var(values, "value", "Template value as KEY=VALUE (repeatable)")
	sendFlag := flag.Bool("send", false, "Send the previewed message")
	saveFlag := flag.String("save", "", "Write the preview as JSON to this file")
	previewFlag := flag.String("preview", "", "Use a preview saved with --save instead of rendering a new one")
	flag.Parse()

	if *accountFlag == "" || *templateFlag == "" || *toFlag == "" {
		fmt.Fprintf(os.Stderr, "Error: --account, --template and --to are required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	to, err := parseAddresses(*toFlag)
	if err == nil && len(to) == 0 {
		err = errors.New("no To address")
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --to: %v\n", err)
		os.Exit(1)
	}
	cc, err := parseAddresses(*ccFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --cc: %v\n", err)
		os.Exit(1)
	}
	bcc, err := parseAddresses(*bccFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --bcc: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	// Logs go to stderr so stdout carries only the preview.
	slog.SetDefault(config.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := run(ctx, a, options{
		accountID: *accountFlag,
		request: dispatch.Request{
			To:          to,
			Cc:          cc,
			Bcc:         bcc,
			TemplateKey: *templateFlag,
			Values:      values,
		},
		send:        *sendFlag,
		savePath:    *saveFlag,
		previewPath: *previewFlag,
	}); err != nil {
		slog.Error("dispatch failed", "account", *accountFlag, "template", *templateFlag, "error", err)
		a.Close()
		os.Exit(1)
	}
}

type options struct {
	accountID   string
	request     dispatch.Request
	send        bool
	savePath    string
	previewPath string
}

func run(ctx context.Context, a *app.App, opts options) error {
	dc, err := a.Router.Resolve(ctx, opts.accountID)
	if err != nil {
		return err
	}
	req := opts.request
	req.Account = dc.Account

	var preview *dispatch.Preview
	if opts.previewPath != "" {
		preview, err = loadPreview(opts.previewPath)
	} else {
		preview, err = a.Dispatcher.GeneratePreview(ctx, req)
	}
	if err != nil {
		return err
	}

	if err := printJSON(preview); err != nil {
		return err
	}
	if opts.savePath != "" {
		if err := savePreview(opts.savePath, preview); err != nil {
			return err
		}
	}
	if !opts.send {
		slog.Info("preview only, pass --send to deliver", "tracking_id", preview.TrackingID)
		return nil
	}

	outcome, err := a.Dispatcher.Send(ctx, req, preview, dc.Provider)
	if err != nil {
		return err
	}
	return printJSON(outcome.Record)
}

func parseAddresses(s string) ([]models.Address, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	list, err := mail.ParseAddressList(s)
	if err != nil {
		return nil, err
	}
	out := make([]models.Address, 0, len(list))
	for _, a := range list {
		out = append(out, models.Address{Email: a.Address, Name: a.Name})
	}
	return out, nil
}

func loadPreview(path string) (*dispatch.Preview, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read preview: %w", err)
	}
	var p dispatch.Preview
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse preview %s: %w", path, err)
	}
	return &p, nil
}

func savePreview(path string, p *dispatch.Preview) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal preview: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write preview: %w", err)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
