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

// Monte Carlo calibration harness for the significance engine. It simulates
// many independent experiments with known true conversion rates and checks
// that the decision procedure holds its advertised error rates:
//
//   - aa:    both arms share one rate; the rejection rate should track alpha
//     (the false positive rate) and Wilson intervals should cover the
//     true rate at their confidence level.
//   - ab:    the treatment carries a real lift; the rejection rate is the
//     empirical power, compared against the analytic estimate.
//   - sweep: the ab mode across a ladder of lifts, printed as a table.
//
// Usage examples:
//
//	go run . -mode=aa -trials=4000 -users=2000 -base_rate=0.10 -alpha=0.05
//	go run . -mode=ab -lift=0.25
//	go run . -mode=sweep -trials=2000
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"abx/internal/experiments/analytics"
)

type modeType string

const (
	modeAA    modeType = "aa"
	modeAB    modeType = "ab"
	modeSweep modeType = "sweep"
)

// params describes one simulation batch.
type params struct {
	trials   int
	users    int64 // per arm
	baseRate float64
	lift     float64 // relative; treatment rate = baseRate * (1 + lift)
	alpha    float64
	seed     uint64
	workers  int
}

func (p params) treatmentRate() float64 { return p.baseRate * (1 + p.lift) }

// result aggregates the batch. pValues is kept for quantile reporting.
type result struct {
	params     params
	rejections int
	coverCtl   int // trials whose Wilson interval covered the true control rate
	coverTrt   int
	pValues    []float64
	elapsed    time.Duration
}

func (r result) rejectionRate() float64 { return float64(r.rejections) / float64(r.params.trials) }
func (r result) coverageCtl() float64   { return float64(r.coverCtl) / float64(r.params.trials) }
func (r result) coverageTrt() float64   { return float64(r.coverTrt) / float64(r.params.trials) }

// drawConversions samples Binomial(n, rate) one Bernoulli at a time. The
// harness cares about exactness, not sampling speed.
func drawConversions(rnd *rand.Rand, n int64, rate float64) int64 {
	var s int64
	for i := int64(0); i < n; i++ {
		if rnd.Float64() < rate {
			s++
		}
	}
	return s
}

// runTrials simulates p.trials independent experiments split across
// p.workers goroutines. Each worker owns a PCG stream keyed by (seed,
// worker) so runs are reproducible regardless of scheduling.
func runTrials(p params) result {
	if p.workers <= 0 {
		p.workers = runtime.GOMAXPROCS(0)
	}
	pTrt := p.treatmentRate()
	conf := 1 - p.alpha

	type shard struct {
		rejections, coverCtl, coverTrt int
		pValues                        []float64
	}
	shards := make([]shard, p.workers)
	per := p.trials / p.workers
	rem := p.trials - per*p.workers

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(p.workers)
	for w := 0; w < p.workers; w++ {
		count := per
		if w == p.workers-1 {
			count += rem
		}
		go func(id, count int) {
			defer wg.Done()
			rnd := rand.New(rand.NewPCG(p.seed, uint64(id)+1))
			sh := &shards[id]
			sh.pValues = make([]float64, 0, count)
			for i := 0; i < count; i++ {
				sCtl := drawConversions(rnd, p.users, p.baseRate)
				sTrt := drawConversions(rnd, p.users, pTrt)

				_, pv := analytics.TwoProportionTest(sCtl, p.users, sTrt, p.users)
				sh.pValues = append(sh.pValues, pv)
				if pv < p.alpha {
					sh.rejections++
				}

				lo, hi := analytics.WilsonInterval(sCtl, p.users, conf)
				if lo <= p.baseRate && p.baseRate <= hi {
					sh.coverCtl++
				}
				lo, hi = analytics.WilsonInterval(sTrt, p.users, conf)
				if lo <= pTrt && pTrt <= hi {
					sh.coverTrt++
				}
			}
		}(w, count)
	}
	wg.Wait()

	res := result{params: p, elapsed: time.Since(start)}
	for i := range shards {
		res.rejections += shards[i].rejections
		res.coverCtl += shards[i].coverCtl
		res.coverTrt += shards[i].coverTrt
		res.pValues = append(res.pValues, shards[i].pValues...)
		shards[i].pValues = nil
	}
	sort.Float64s(res.pValues)
	return res
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}

func report(label string, r result) {
	p := r.params
	fmt.Printf("Mode: %s  Trials: %d  Users/arm: %d  BaseRate: %.2f%%  Lift: %+.1f%%  Alpha: %.3f\n",
		label, p.trials, p.users, p.baseRate*100, p.lift*100, p.alpha)
	fmt.Printf("Duration: %s  Trials/sec: %.0f\n",
		r.elapsed.Round(time.Millisecond), float64(p.trials)/r.elapsed.Seconds())
	fmt.Printf("P-values p50: %.3f  p10: %.3f  p01: %.3f\n",
		quantile(r.pValues, 0.50), quantile(r.pValues, 0.10), quantile(r.pValues, 0.01))
	fmt.Printf("Rejections: %d (%.2f%%)\n", r.rejections, r.rejectionRate()*100)
	fmt.Printf("Wilson coverage: control=%.1f%% treatment=%.1f%%  [target %.1f%%]\n",
		r.coverageCtl()*100, r.coverageTrt()*100, (1-p.alpha)*100)
	if p.lift != 0 {
		predicted := analytics.PostHocPower(p.baseRate, p.treatmentRate(), p.users, p.users, p.alpha)
		fmt.Printf("Power: empirical=%.3f predicted=%.3f delta=%+.3f\n",
			r.rejectionRate(), predicted, r.rejectionRate()-predicted)
	}

	// Machine-readable one-line summary for scripts.
	fmt.Printf("Summary: mode=%s trials=%d users=%d base_rate=%g lift=%g alpha=%g rejections=%d rejection_rate=%.4f coverage_control=%.4f coverage_treatment=%.4f duration_ns=%d\n",
		label, p.trials, p.users, p.baseRate, p.lift, p.alpha,
		r.rejections, r.rejectionRate(), r.coverageCtl(), r.coverageTrt(), r.elapsed.Nanoseconds())
}

func main() {
	var (
		modeStr  = flag.String("mode", "aa", "aa|ab|sweep")
		trials   = flag.Int("trials", 4000, "independent simulated experiments")
		users    = flag.Int64("users", 2000, "users per arm in each trial")
		baseRate = flag.Float64("base_rate", 0.10, "true control conversion rate")
		lift     = flag.Float64("lift", 0.25, "relative treatment lift for ab mode")
		alpha    = flag.Float64("alpha", 0.05, "significance level")
		seed     = flag.Uint64("seed", 1, "PRNG seed")
		workers  = flag.Int("workers", runtime.GOMAXPROCS(0), "concurrent workers")
	)
	flag.Parse()

	m := modeType(strings.ToLower(*modeStr))
	base := params{
		trials:   *trials,
		users:    *users,
		baseRate: *baseRate,
		alpha:    *alpha,
		seed:     *seed,
		workers:  *workers,
	}

	switch m {
	case modeAA:
		report("aa", runTrials(base))
	case modeAB:
		p := base
		p.lift = *lift
		report("ab", runTrials(p))
	case modeSweep:
		fmt.Printf("%-8s %-10s %-10s %-8s\n", "lift", "empirical", "predicted", "delta")
		for _, l := range []float64{0, 0.05, 0.10, 0.15, 0.20, 0.25} {
			p := base
			p.lift = l
			r := runTrials(p)
			predicted := p.alpha
			if l != 0 {
				predicted = analytics.PostHocPower(p.baseRate, p.treatmentRate(), p.users, p.users, p.alpha)
			}
			fmt.Printf("%-8.2f %-10.3f %-10.3f %+-8.3f\n",
				l, r.rejectionRate(), predicted, r.rejectionRate()-predicted)
		}
	default:
		fmt.Println("-mode must be one of: aa|ab|sweep")
		os.Exit(2)
	}
}
