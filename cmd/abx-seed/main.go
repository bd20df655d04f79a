// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: March 2026
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

// Package main provides the demo seeder.
//
// abx-seed populates a running API with a small but realistic experiment so
// the assignment, ingestion and results surfaces have something to show:
//
//  1. Mints an admin token directly in the database when the caller does
//     not supply one (the bootstrap path for a fresh deployment).
//  2. Creates and activates the demo_color experiment: control=33%,
//     green=33%, red=34%.
//  3. Walks a cohort of synthetic users through assignment, an exposure
//     event, and a deterministic share of conversion events per variant
//     (control 10%, green 14%, red 8%), so the report has a real effect
//     to find.
//  4. Re-reads a few assignments to demonstrate stickiness, then prints
//     the per-variant report.
//
// Re-running is safe: the experiment create is idempotent on its key and
// assignments are sticky, so a second run only adds events.
//
// Usage:
//
//	abx-seed -base=http://127.0.0.1:8000 -users=300
//	abx-seed -base=http://127.0.0.1:8000 -token=abx_... -users=1000
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"abx/internal/experiments/config"
	"abx/internal/experiments/model"
	"abx/internal/experiments/store"
	"abx/pkg/client"
)

// conversionPct is the target conversion rate per variant key, in percent.
// green deliberately beats control so the demo report finds a winner.
var conversionPct = map[string]int{
	"control": 10,
	"green":   14,
	"red":     8,
}

func main() {
	cfg := config.Load()
	var (
		base  = flag.String("base", "http://127.0.0.1:8000", "API base URL")
		token = flag.String("token", "", "admin bearer token; minted in the database when empty")
		users = flag.Int("users", 300, "cohort size")
	)
	flag.StringVar(&cfg.LogLevel, "log_level", cfg.LogLevel, "zerolog level (trace..panic)")
	flag.Parse()

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).Level(lvl).With().
		Timestamp().Str("service", "abx-seed").Logger()

	if *users <= 0 {
		*users = 300
	}
	if err := run(cfg, *base, *token, *users, log); err != nil {
		log.Fatal().Err(err).Msg("abx-seed exited")
	}
}

func run(cfg config.Config, base, token string, users int, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	minted := false
	if token == "" {
		secret, err := bootstrapToken(ctx, cfg, log)
		if err != nil {
			return err
		}
		token = secret
		minted = true
	}

	api := client.New(base, token)
	if err := waitReady(ctx, api); err != nil {
		return err
	}

	exp, err := ensureExperiment(ctx, api, log)
	if err != nil {
		return err
	}

	tally, err := seedCohort(ctx, api, exp, users, log)
	if err != nil {
		return err
	}

	if err := verifyStickiness(ctx, api, exp.Key); err != nil {
		return err
	}

	printReport(ctx, api, exp.Key, tally)
	if minted {
		fmt.Printf("\nadmin token (store it; it is shown only once):\n%s\n", token)
	}
	return nil
}

// bootstrapToken writes an admin credential straight into api_tokens. This
// is the only way to obtain the first token of a deployment; everything
// after that goes through POST /api/v1/admin/tokens.
func bootstrapToken(ctx context.Context, cfg config.Config, log zerolog.Logger) (string, error) {
	st, err := store.Open(cfg.DatabaseURL, cfg.DatabasePoolSize, cfg.DBTimeout, log)
	if err != nil {
		return "", err
	}
	defer st.Close()
	if err := st.EnsureSchema(ctx); err != nil {
		return "", err
	}

	secret, err := model.NewTokenSecret()
	if err != nil {
		return "", err
	}
	tok := model.APIToken{
		Token:       model.TokenDigest(secret),
		Name:        fmt.Sprintf("seed-%d", time.Now().Unix()),
		Description: "bootstrap credential minted by abx-seed",
		Scopes:      []string{"admin"},
	}
	if err := st.CreateAPIToken(ctx, &tok); err != nil {
		return "", err
	}
	log.Info().Int64("token_id", tok.ID).Msg("bootstrap admin token minted")
	return secret, nil
}

func waitReady(ctx context.Context, api *client.Client) error {
	deadline := time.Now().Add(15 * time.Second)
	for {
		err := api.Healthz(ctx)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("api not reachable: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// ensureExperiment creates demo_color or picks up the one a previous run
// left behind, and activates it if needed.
func ensureExperiment(ctx context.Context, api *client.Client, log zerolog.Logger) (*client.Experiment, error) {
	exp, err := api.CreateExperiment(ctx, client.Experiment{
		Key:         "demo_color",
		Name:        "Demo: button color",
		Description: "Seeded three-way color test",
		Variants: []client.Variant{
			{Key: "control", Name: "Current color", AllocationPct: 33, IsControl: true},
			{Key: "green", Name: "Green button", AllocationPct: 33},
			{Key: "red", Name: "Red button", AllocationPct: 34},
		},
	})
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
		log.Info().Msg("demo_color already exists, reusing it")
		exp, err = api.GetExperiment(ctx, "demo_color")
	}
	if err != nil {
		return nil, err
	}

	if exp.Status != string(model.StatusActive) {
		exp, err = api.ActivateExperiment(ctx, exp.ID)
		if err != nil {
			return nil, err
		}
	}
	log.Info().Int64("experiment_id", exp.ID).Str("status", exp.Status).Msg("demo_color ready")
	return exp, nil
}

type variantTally struct {
	users       int
	conversions int
}

// seedCohort assigns every user, enrolls them through an exposure event,
// and converts the deterministic share for their variant. The multiplier 37
// is coprime to 100, so (i*37)%100 visits every residue and the realized
// rates land on target.
func seedCohort(ctx context.Context, api *client.Client, exp *client.Experiment, users int, log zerolog.Logger) (map[string]*variantTally, error) {
	tally := make(map[string]*variantTally)
	for i := 1; i <= users; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		userID := fmt.Sprintf("demo-user-%04d", i)

		view, err := api.GetAssignment(ctx, exp.Key, userID, true)
		if err != nil {
			return nil, fmt.Errorf("assign %s: %w", userID, err)
		}
		t := tally[view.VariantKey]
		if t == nil {
			t = &variantTally{}
			tally[view.VariantKey] = t
		}
		t.users++

		if _, err := api.RecordEvent(ctx, client.Event{
			ExperimentID: exp.ID,
			UserID:       userID,
			EventType:    "exposure",
			Properties:   map[string]any{"page": "checkout"},
		}); err != nil {
			return nil, fmt.Errorf("exposure for %s: %w", userID, err)
		}

		if (i*37)%100 < conversionPct[view.VariantKey] {
			t.conversions++
			if _, err := api.RecordEvent(ctx, client.Event{
				ExperimentID: exp.ID,
				UserID:       userID,
				EventType:    "conversion",
				Properties:   map[string]any{"value": 25 + i%50},
			}); err != nil {
				return nil, fmt.Errorf("conversion for %s: %w", userID, err)
			}
		}

		if i%100 == 0 {
			log.Info().Int("seeded", i).Int("total", users).Msg("cohort progress")
		}
	}
	return tally, nil
}

// verifyStickiness re-reads a few assignments and fails loudly if any user
// moved variants, which would mean the whole demo is lying.
func verifyStickiness(ctx context.Context, api *client.Client, key string) error {
	for _, userID := range []string{"demo-user-0001", "demo-user-0002", "demo-user-0003"} {
		first, err := api.GetAssignment(ctx, key, userID, false)
		if err != nil {
			return err
		}
		again, err := api.GetAssignment(ctx, key, userID, false)
		if err != nil {
			return err
		}
		if first.VariantID != again.VariantID {
			return fmt.Errorf("assignment for %s moved from variant %d to %d", userID, first.VariantID, again.VariantID)
		}
	}
	return nil
}

// printReport renders what the seeder just did plus the server's own
// statistical read of it.
func printReport(ctx context.Context, api *client.Client, key string, tally map[string]*variantTally) {
	fmt.Printf("\nseeded cohort by variant:\n")
	for _, vk := range []string{"control", "green", "red"} {
		t := tally[vk]
		if t == nil {
			t = &variantTally{}
		}
		rate := 0.0
		if t.users > 0 {
			rate = float64(t.conversions) / float64(t.users) * 100
		}
		fmt.Printf("  %-8s users=%-5d conversions=%-5d rate=%.1f%%\n", vk, t.users, t.conversions, rate)
	}

	report, err := api.Results(ctx, key, client.ResultsParams{MinSample: 50})
	if err != nil {
		fmt.Printf("\nresults not available yet: %v\n", err)
		return
	}
	fmt.Printf("\nserver report (source=%s):\n", report.Source)
	for _, v := range report.Variants {
		line := fmt.Sprintf("  %-8s users=%-5d conversions=%-5d rate=%.2f%%",
			v.VariantKey, v.UniqueUsers, v.Conversions, v.ConversionRate*100)
		if v.PValue != nil {
			line += fmt.Sprintf(" p=%.4f", *v.PValue)
		}
		if v.LiftVsControl != nil {
			line += fmt.Sprintf(" lift=%+.1f%%", *v.LiftVsControl*100)
		}
		fmt.Println(line)
	}
	if report.Summary.Recommendation != "" {
		fmt.Printf("  -> %s\n", report.Summary.Recommendation)
	}

	if rt, err := api.RealtimeStats(ctx, key); err == nil {
		fmt.Printf("\nrealtime (this hour):\n")
		for _, v := range rt.Variants {
			fmt.Printf("  %-8s exposures=%-5d conversions=%-5d uniques_today=%d\n",
				v.VariantKey, v.Exposures, v.Conversions, v.UniqueUsers)
		}
	}
}
