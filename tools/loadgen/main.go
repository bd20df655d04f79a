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

// loadgen is a small HTTP load generator for the experimentation API. It
// reuses connections (keep-alive) and supports concurrency so demo scripts
// run fast without external tooling.
//
// Modes:
//   - assign: resolve sticky assignments for a pool of users
//   - events: record exposure events (which also assigns on first sight)
//   - mixed:  alternate assignment reads and event writes
//
// User traffic is skewed deterministically without a PRNG: the hot user
// receives (hot_every-1)/hot_every of the requests, the rest round-robin
// over a cold pool, approximating an 80/20 pattern at the default skew.
//
// Usage examples:
//
//	loadgen -base=http://127.0.0.1:8000 -token=abx_... -experiment=demo_color -mode=assign -n=5000 -c=16
//	loadgen -base=http://127.0.0.1:8000 -token=abx_... -mode=mixed -users=200 -hot_every=5 -n=8000 -c=16
//
// Prints a one-line summary with duration, throughput, and the ok/throttled
// /error split, so a throttling run is visible at a glance.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"abx/pkg/client"
)

type modeType string

const (
	modeAssign modeType = "assign"
	modeEvents modeType = "events"
	modeMixed  modeType = "mixed"
)

func main() {
	var (
		base       = flag.String("base", "http://127.0.0.1:8000", "Base URL including scheme and host")
		token      = flag.String("token", "", "Bearer token (required)")
		experiment = flag.String("experiment", "demo_color", "Experiment id or key to drive")
		modeS      = flag.String("mode", string(modeAssign), "Mode: assign|events|mixed")
		users      = flag.Int("users", 1000, "Size of the cold user pool")
		hotUser    = flag.String("hot_user", "hot-1", "Hot user id for the skewed share")
		hotEvery   = flag.Int("hot_every", 5, "Skew period: all but 1 of this many requests hit the hot user (minimum 2; 0 disables skew)")
		n          = flag.Int("n", 5000, "Total requests to send")
		conc       = flag.Int("c", 8, "Number of concurrent workers")
		timeout    = flag.Duration("timeout", 60*time.Second, "Overall timeout for the run")
		reqTimeout = flag.Duration("req_timeout", 5*time.Second, "Per-request timeout")
		connIdle   = flag.Duration("idle_timeout", 30*time.Second, "HTTP idle connection timeout")
		maxIdle    = flag.Int("max_idle", 256, "Max idle connections total")
		maxIdlePer = flag.Int("max_idle_per_host", 256, "Max idle connections per host")
	)
	flag.Parse()

	m := modeType(strings.ToLower(*modeS))
	if m != modeAssign && m != modeEvents && m != modeMixed {
		fmt.Fprintf(os.Stderr, "unknown -mode=%s (want assign|events|mixed)\n", *modeS)
		os.Exit(2)
	}
	if *token == "" {
		fmt.Fprintln(os.Stderr, "-token is required (mint one with abx-seed or the admin API)")
		os.Exit(2)
	}
	if *n <= 0 || *conc <= 0 {
		fmt.Fprintln(os.Stderr, "-n and -c must be > 0")
		os.Exit(2)
	}
	if *users <= 0 {
		*users = 1
	}
	if *hotEvery == 1 {
		*hotEvery = 2
	}

	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        *maxIdle,
		MaxIdleConnsPerHost: *maxIdlePer,
		IdleConnTimeout:     *connIdle,
	}
	api := client.New(*base, *token,
		client.WithHTTPClient(&http.Client{Transport: tr, Timeout: *reqTimeout}))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	// Resolve the experiment once so event requests can carry the numeric id.
	exp, err := api.GetExperiment(ctx, *experiment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve experiment %q: %v\n", *experiment, err)
		os.Exit(1)
	}

	var ok, throttled, failed atomic.Int64
	start := time.Now()

	worker := func(id, count int) {
		for i := 0; i < count; i++ {
			if ctx.Err() != nil {
				return
			}
			userID := pickUser(i, id, *hotEvery, *users, *hotUser)

			var err error
			switch {
			case m == modeAssign || (m == modeMixed && (i+id)%2 == 0):
				_, err = api.GetAssignment(ctx, *experiment, userID, false)
			default:
				_, err = api.RecordEvent(ctx, client.Event{
					ExperimentID: exp.ID,
					UserID:       userID,
					EventType:    "exposure",
				})
			}
			switch {
			case err == nil:
				ok.Add(1)
			case isThrottled(err):
				throttled.Add(1)
			default:
				failed.Add(1)
				// Brief backoff on errors to avoid hot spinning.
				time.Sleep(200 * time.Microsecond)
			}
		}
	}

	// Split n across conc workers; the last takes the remainder.
	per := *n / *conc
	rem := *n - per**conc
	var wg sync.WaitGroup
	wg.Add(*conc)
	for w := 0; w < *conc; w++ {
		count := per
		if w == *conc-1 {
			count += rem
		}
		go func(id, cnt int) {
			defer wg.Done()
			worker(id, cnt)
		}(w, count)
	}
	wg.Wait()

	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	ops := float64(*n) / elapsed.Seconds()
	fmt.Printf("LoadGen: mode=%s n=%d c=%d go=%d duration=%s throughput=%.0f req/s ok=%d throttled=%d errors=%d\n",
		m, *n, *conc, runtime.GOMAXPROCS(0), elapsed.Truncate(time.Millisecond), ops,
		ok.Load(), throttled.Load(), failed.Load())
}

// pickUser applies the deterministic skew: (hotEvery-1)/hotEvery of the
// requests go to the hot user, the rest round-robin over the cold pool.
func pickUser(i, workerID, hotEvery, users int, hotUser string) string {
	if hotEvery >= 2 && (i+workerID)%hotEvery != 0 {
		return hotUser
	}
	return fmt.Sprintf("load-user-%d", ((i+workerID)%users)+1)
}

func isThrottled(err error) bool {
	var apiErr *client.APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusTooManyRequests
}
