package utils

import (
	"testing"

	"go.viam.com/test"
)

func TestNextPowerOfTwo(t *testing.T) {
	for _, tc := range []struct {
		in, floor, out int
	}{
		{0, 8, 8},
		{1, 8, 8},
		{8, 8, 8},
		{9, 8, 16},
		{16, 8, 16},
		{17, 8, 32},
		{100, 8, 128},
		{3, 1, 4},
		{1, 1, 1},
	} {
		test.That(t, NextPowerOfTwo(tc.in, tc.floor), test.ShouldEqual, tc.out)
	}
}

func TestAbs(t *testing.T) {
	test.That(t, Abs(-4), test.ShouldEqual, 4)
	test.That(t, Abs(4), test.ShouldEqual, 4)
	test.That(t, Abs(float32(-0.5)), test.ShouldEqual, float32(0.5))
}
