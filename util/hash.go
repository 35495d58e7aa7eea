package util

import "github.com/cespare/xxhash/v2"

// Checksum returns the 64-bit xxhash of data.
func Checksum(data []byte) uint64 {
	return xxhash.Sum64(data)
}
