// Package network samples per-interface traffic counters from
// /sys/class/net/<iface>/statistics. Interface hotplug is tracked with
// a filesystem watch so new interfaces get a slot without polling the
// directory every tick; slot indices are append-only for the process
// lifetime.
package network

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/iopsystems/rezolus/pkg/metrics"
	"github.com/iopsystems/rezolus/pkg/sampler"
)

const sysClassNet = "/sys/class/net"

// maxInterfaces bounds the interface slot space.
const maxInterfaces = 256

// stats lists the statistics files sampled per interface, paired with
// their registry metric names.
var stats = [][2]string{
	{"rx_bytes", "network_rx_bytes"},
	{"tx_bytes", "network_tx_bytes"},
	{"rx_packets", "network_rx_packets"},
	{"tx_packets", "network_tx_packets"},
	{"rx_errors", "network_rx_errors"},
	{"tx_errors", "network_tx_errors"},
	{"rx_dropped", "network_rx_dropped"},
	{"tx_dropped", "network_tx_dropped"},
}

// MetricNames returns the registry names this sampler owns.
func MetricNames() []string {
	out := make([]string, 0, len(stats))
	for _, s := range stats {
		out = append(out, s[1])
	}
	return out
}

type network struct {
	log     *zap.Logger
	root    string
	groups  []*metrics.CounterGroup // index matches stats
	watcher *fsnotify.Watcher

	mu    sync.Mutex
	slots map[string]int // interface name -> slot index, append-only
}

// New returns the sampler factory. Hosts without /sys/class/net are
// omitted.
func New(log *zap.Logger) sampler.Factory {
	return func(reg *metrics.Registry) (sampler.Sampler, error) {
		return newWithRoot(log, reg, sysClassNet)
	}
}

func newWithRoot(log *zap.Logger, reg *metrics.Registry, root string) (sampler.Sampler, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("network: %s not readable: %w", root, sampler.ErrUnsupported)
	}

	s := &network{
		log:   log,
		root:  root,
		slots: make(map[string]int),
	}
	for _, st := range stats {
		s.groups = append(s.groups, reg.CounterGroup(st[1], maxInterfaces, nil))
	}

	if err := s.scanInterfaces(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if werr := watcher.Add(root); werr == nil {
			s.watcher = watcher
			go s.watchHotplug()
		} else {
			watcher.Close()
			log.Debug("network: interface watch unavailable, hotplug ignored", zap.Error(werr))
		}
	}

	return s, nil
}

// scanInterfaces assigns slots to every currently-present interface.
func (s *network) scanInterfaces() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("network: list %s: %w", s.root, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.assignSlotLocked(e.Name())
	}
	return nil
}

func (s *network) assignSlotLocked(iface string) {
	if _, ok := s.slots[iface]; ok {
		return
	}
	idx := len(s.slots)
	if idx >= maxInterfaces {
		s.log.Warn("network: interface slot space exhausted", zap.String("interface", iface))
		return
	}
	s.slots[iface] = idx
	for _, g := range s.groups {
		g.SetMetadata(idx, metrics.Labels{"interface": iface})
	}
}

// watchHotplug consumes create events and assigns slots to interfaces
// that appear after startup. Removed interfaces keep their slot; their
// counters simply stop advancing.
func (s *network) watchHotplug() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Create) {
				s.mu.Lock()
				s.assignSlotLocked(filepath.Base(ev.Name))
				s.mu.Unlock()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Debug("network: interface watch error", zap.Error(err))
		}
	}
}

func (s *network) Name() string { return "network" }

func (s *network) Refresh(ctx context.Context) error {
	s.mu.Lock()
	slots := make(map[string]int, len(s.slots))
	for k, v := range s.slots {
		slots[k] = v
	}
	s.mu.Unlock()

	for iface, idx := range slots {
		for gi, st := range stats {
			v, err := readCounterFile(filepath.Join(s.root, iface, "statistics", st[0]))
			if err != nil {
				// interface went away or stat missing for this type;
				// skip this tick for that counter
				continue
			}
			s.groups[gi].Set(idx, v)
		}
	}
	return nil
}

func (s *network) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func readCounterFile(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}
