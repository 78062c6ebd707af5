// Package sizing provides safe size conversions to prevent overflow.
package sizing

import "math"

// ToInt64 converts a uint64 to int64, returning overflowErr if it doesn't fit.
func ToInt64(size uint64, overflowErr error) (int64, error) {
	if size > uint64(math.MaxInt64) {
		return 0, overflowErr
	}
	return int64(size), nil
}

// ToUint64 converts a non-negative int64 to uint64, returning overflowErr
// for negative values.
func ToUint64(size int64, overflowErr error) (uint64, error) {
	if size < 0 {
		return 0, overflowErr
	}
	return uint64(size), nil
}
