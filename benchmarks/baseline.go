package benchmarks

import "hash/fnv"

// FNVBucketer is a baseline comparator for the production bucketer: the
// same user -> bucket reduction built on the standard library's FNV-1a
// instead of MurmurHash3. It exists only for benchmarks.
type FNVBucketer struct {
	hashSeed string
	space    uint32
}

func NewFNVBucketer(hashSeed string, space uint32) FNVBucketer {
	return FNVBucketer{hashSeed: hashSeed, space: space}
}

func (b FNVBucketer) Bucket(userID, experimentSeed string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID + ":" + experimentSeed + ":" + b.hashSeed))
	return h.Sum32() % b.space
}
