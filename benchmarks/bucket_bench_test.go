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

// Package benchmarks contains the performance tests for the bucketing and
// statistics hot paths of the experimentation platform.
package benchmarks

import (
	"strconv"
	"testing"

	"abx"
)

var benchAllocs = []abx.Allocation{
	{VariantID: 1, Pct: 34},
	{VariantID: 2, Pct: 33},
	{VariantID: 3, Pct: 33},
}

// benchUsers is a pool of user ids so the hash input varies per iteration
// the way it does in production, instead of hammering one hot string.
func benchUsers(n int) []string {
	users := make([]string, n)
	for i := range users {
		users[i] = "bench-user-" + strconv.Itoa(i)
	}
	return users
}

// BenchmarkBucket_Uncontended measures the raw cost of one user -> bucket
// hash from a single goroutine. This is the floor for every assignment the
// platform makes.
func BenchmarkBucket_Uncontended(b *testing.B) {
	bk := abx.New("bench-hash-seed", 0)
	users := benchUsers(1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = bk.Bucket(users[i%len(users)], "exp-seed")
	}
}

// BenchmarkBucket_Concurrent measures the same hash under parallel load.
// The bucketer carries no mutable state, so this should scale linearly
// with cores.
func BenchmarkBucket_Concurrent(b *testing.B) {
	bk := abx.New("bench-hash-seed", 0)
	users := benchUsers(1024)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_ = bk.Bucket(users[i%len(users)], "exp-seed")
			i++
		}
	})
}

// BenchmarkAssign_ThreeVariants measures the full assignment path as the
// serving layer calls it on a cache miss: hash the user, build the
// cumulative ranges, pick the variant.
func BenchmarkAssign_ThreeVariants(b *testing.B) {
	bk := abx.New("bench-hash-seed", 0)
	users := benchUsers(1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = bk.Assign(users[i%len(users)], "exp-seed", benchAllocs)
	}
}

// BenchmarkChoose_PrebuiltRanges isolates the range scan by reusing a
// prebuilt layout, the shape a caller with a per-experiment cache would see.
func BenchmarkChoose_PrebuiltRanges(b *testing.B) {
	bk := abx.New("bench-hash-seed", 0)
	ranges := abx.Ranges(benchAllocs, bk.Space())
	users := benchUsers(1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = abx.Choose(bk.Bucket(users[i%len(users)], "exp-seed"), ranges)
	}
}

// BenchmarkBucket_FNVBaseline provides a baseline comparison against the
// standard library's FNV-1a, the fastest stock non-cryptographic hash.
func BenchmarkBucket_FNVBaseline(b *testing.B) {
	bk := NewFNVBucketer("bench-hash-seed", abx.DefaultBucketSpace)
	users := benchUsers(1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = bk.Bucket(users[i%len(users)], "exp-seed")
	}
}

/*
## Hashing Choice: MurmurHash3 vs FNV-1a

Both hashes land in the same few tens of nanoseconds per bucket on current
hardware, and neither shows up in a profile next to the Redis round trip
(~100µs) or the Postgres insert (~1ms) that surround an assignment. The
hashing choice is therefore about distribution quality, not speed.

| Property                  | MurmurHash3 (production)           | FNV-1a (baseline)                  |
| :------------------------ | :--------------------------------- | :--------------------------------- |
| Cost per bucket           | ~25-40 ns                          | ~20-35 ns                          |
| Avalanche behavior        | Strong; passes SMHasher            | Weak for short similar keys        |
| Sequential-id skew        | None measurable at 10k buckets     | Visible banding on "user-1..N"     |

Sequential user ids ("user-1", "user-2", ...) are exactly what most callers
feed this system. FNV-1a's sparse mixing leaves those inputs correlated
across neighboring buckets, which quietly biases small allocations. Murmur3
keeps every variant within chi-squared expectations on the same input (see
the distribution tests in the root package). A few nanoseconds buys
allocation splits the analysis layer can trust.
*/
