//go:build !linux

package bpfmap

import "errors"

// ErrUnsupported is returned on platforms without BPF map support. The
// sampler engine treats this as an init-time failure and simply omits
// the affected sampler.
var ErrUnsupported = errors.New("bpfmap: unsupported on this platform")
