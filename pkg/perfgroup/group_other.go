//go:build !linux

package perfgroup

import "runtime"

// Group is a stub on non-Linux platforms; Open always fails with
// ErrUnsupported so the owning sampler is omitted at init time.
type Group struct{}

func Open(cpu int, specs []EventSpec) (*Group, error) { return nil, ErrUnsupported }

func (g *Group) ReadGroup() (GroupResult, error) { return GroupResult{}, ErrUnsupported }
func (g *Group) Close() error                    { return nil }

func PinCurrentThreadToCPU(cpu int) error { return ErrUnsupported }

func NumCPU() int { return runtime.NumCPU() }
