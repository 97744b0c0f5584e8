//go:build linux

package bpfprog

import (
	"fmt"
	"os"

	manager "github.com/DataDog/ebpf-manager"
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
)

// Program owns one loaded-and-attached BPF object.
type Program struct {
	m *manager.Manager
}

// Load reads the compiled object at path, attaches the given probes,
// and starts the manager. A missing object or a kernel that rejects
// the load both surface as ErrUnavailable so callers can omit the
// sampler rather than fail startup.
func Load(path string, probes []ProbeSpec) (*Program, error) {
	if !objectExists(path) {
		return nil, errMissingObject(path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bpfprog: open %s: %w", path, err)
	}
	defer f.Close()

	m := &manager.Manager{}
	for _, p := range probes {
		m.Probes = append(m.Probes, &manager.Probe{
			ProbeIdentificationPair: manager.ProbeIdentificationPair{
				EBPFFuncName: p.FuncName,
			},
		})
	}

	if err := m.Init(f); err != nil {
		return nil, fmt.Errorf("bpfprog: load %s: %w (%w)", path, err, ErrUnavailable)
	}
	if err := m.Start(); err != nil {
		m.Stop(manager.CleanAll)
		return nil, fmt.Errorf("bpfprog: attach %s: %w (%w)", path, err, ErrUnavailable)
	}

	return &Program{m: m}, nil
}

// Map returns a map from the loaded object by name.
func (p *Program) Map(name string) (*ebpf.Map, error) {
	m, found, err := p.m.GetMap(name)
	if err != nil {
		return nil, fmt.Errorf("bpfprog: get map %q: %w", name, err)
	}
	if !found {
		return nil, fmt.Errorf("bpfprog: map %q not present in object", name)
	}
	return m, nil
}

// RingbufReader opens a reader over a BPF ring buffer map. The caller
// consumes records on a dedicated goroutine.
func (p *Program) RingbufReader(name string) (*ringbuf.Reader, error) {
	m, err := p.Map(name)
	if err != nil {
		return nil, err
	}
	r, err := ringbuf.NewReader(m)
	if err != nil {
		return nil, fmt.Errorf("bpfprog: open ringbuf %q: %w", name, err)
	}
	return r, nil
}

// Close detaches all probes and releases the object's kernel state.
func (p *Program) Close() error {
	return p.m.Stop(manager.CleanAll)
}
