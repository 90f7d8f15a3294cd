package utils

import (
	"math/bits"

	"golang.org/x/exp/constraints"
)

// NextPowerOfTwo returns the smallest power of two that is >= n and >= floor.
func NextPowerOfTwo(n, floor int) int {
	if n < floor {
		n = floor
	}
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// Abs returns |v|.
func Abs[T constraints.Signed | constraints.Float](v T) T {
	if v < 0 {
		return -v
	}
	return v
}
