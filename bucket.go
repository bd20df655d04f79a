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

// Package abx implements the deterministic bucketing core of the
// experimentation platform: a stable user -> bucket -> variant mapping.
// Given the same (user id, experiment seed, process hash seed) triple the
// mapping never changes across restarts or hosts, which is what makes
// assignments sticky without coordination.
package abx

import (
	"sort"

	"github.com/spaolacci/murmur3"
)

// DefaultBucketSpace is the default number of buckets. At 10,000 buckets the
// allocation resolution is 0.01%.
const DefaultBucketSpace uint32 = 10000

// Allocation is one variant's share of the bucket space, expressed as a
// percentage in [0,100]. Allocations for an experiment are expected to sum
// to 100; the lifecycle layer enforces that before activation.
type Allocation struct {
	VariantID int64
	Pct       float64
}

// Range is a half-open bucket interval [previous end, End) owned by a
// variant. Ranges are ordered and contiguous from zero.
type Range struct {
	VariantID int64
	End       uint32
}

// Bucketer maps users to buckets inside a fixed bucket space. The hash seed
// is process-wide configuration; every experiment contributes its own seed
// so that distinct experiments shuffle independently.
type Bucketer struct {
	hashSeed string
	space    uint32
}

// New returns a Bucketer for the given process hash seed and bucket space.
// A zero space falls back to DefaultBucketSpace.
func New(hashSeed string, space uint32) Bucketer {
	if space == 0 {
		space = DefaultBucketSpace
	}
	return Bucketer{hashSeed: hashSeed, space: space}
}

// Space reports the bucket space size.
func (b Bucketer) Space() uint32 { return b.space }

// Bucket computes the bucket for a user under an experiment seed. The hash
// input is the concatenation "user:seed:hashSeed"; the 32-bit MurmurHash3 of
// that string reduced modulo the bucket space is the bucket.
func (b Bucketer) Bucket(userID, experimentSeed string) uint32 {
	return BucketIn(userID, experimentSeed, b.hashSeed, b.space)
}

// Assign buckets the user and resolves the owning variant in one call.
// ok is false only when no allocations were given.
func (b Bucketer) Assign(userID, experimentSeed string, allocs []Allocation) (variantID int64, ok bool) {
	return Choose(b.Bucket(userID, experimentSeed), Ranges(allocs, b.space))
}

// BucketIn is the seed-explicit form of Bucketer.Bucket.
func BucketIn(userID, experimentSeed, hashSeed string, space uint32) uint32 {
	if space == 0 {
		space = DefaultBucketSpace
	}
	key := userID + ":" + experimentSeed + ":" + hashSeed
	return murmur3.Sum32WithSeed([]byte(key), 0) % space
}

// Ranges converts allocations into cumulative bucket ranges. Variants are
// ordered by id ascending so the layout is independent of input order; each
// variant owns floor(pct*space/100) buckets. Any rounding remainder above
// the final cumulative end is absorbed by the last variant at selection
// time (see Choose).
func Ranges(allocs []Allocation, space uint32) []Range {
	if len(allocs) == 0 {
		return nil
	}
	if space == 0 {
		space = DefaultBucketSpace
	}
	sorted := make([]Allocation, len(allocs))
	copy(sorted, allocs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].VariantID < sorted[j].VariantID })

	ranges := make([]Range, len(sorted))
	var cum uint32
	for i, a := range sorted {
		width := uint32(a.Pct * float64(space) / 100)
		cum += width
		ranges[i] = Range{VariantID: a.VariantID, End: cum}
	}
	return ranges
}

// Choose returns the variant whose range contains the bucket. Buckets at or
// beyond the final range end (the rounding remainder) map to the last
// variant. ok is false only for an empty range set.
func Choose(bucket uint32, ranges []Range) (variantID int64, ok bool) {
	if len(ranges) == 0 {
		return 0, false
	}
	for _, r := range ranges {
		if bucket < r.End {
			return r.VariantID, true
		}
	}
	return ranges[len(ranges)-1].VariantID, true
}
