package bpfmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWholeCachelines(t *testing.T) {
	cases := []struct {
		n, want int
	}{
		{0, 0},
		{1, 1},
		{8, 1},
		{9, 2},
		{16, 2},
		{17, 3},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, wholeCachelines(tc.n))
	}
}

func TestErrLengthMismatchMessage(t *testing.T) {
	err := &ErrLengthMismatch{Expected: 10, Actual: 8}
	assert.Contains(t, err.Error(), "10")
	assert.Contains(t, err.Error(), "8")
}
