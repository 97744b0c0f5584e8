// Package bpfprog loads compiled BPF object files and manages their
// attach lifecycle. Samplers hand it an object path and a probe list;
// it owns the kernel resources and releases them on Close, so teardown
// is deterministic at process exit.
package bpfprog

import (
	"errors"
	"fmt"
	"os"
)

// ErrUnavailable indicates BPF support (or the compiled object) is
// missing on this host; the owning sampler is omitted at init time.
var ErrUnavailable = errors.New("bpfprog: bpf unavailable on this host")

// ProbeSpec names one program section to attach.
type ProbeSpec struct {
	// FuncName is the BPF function name within the object.
	FuncName string
	// Section is the ELF section, e.g. "raw_tracepoint/sys_enter".
	Section string
}

// objectExists reports whether the compiled object is installed.
func objectExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func errMissingObject(path string) error {
	return fmt.Errorf("bpfprog: compiled object %s not installed: %w", path, ErrUnavailable)
}
