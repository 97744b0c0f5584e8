// Package syscall samples kernel syscall counts via a BPF program
// attached to the raw sys_enter tracepoint. Counts are kept in
// mmap-shared BPF maps: a per-CPU cacheline-banked array for the
// per-category totals and a packed array for per-cgroup totals.
// Cgroup names arrive asynchronously on a BPF ring buffer and update
// slot metadata without ever reassigning slot identities.
package syscall

// categories is the syscall classification the BPF side maintains, in
// map index order.
var categories = []string{
	"total", "read", "write", "poll", "lock",
	"time", "sleep", "socket", "yield", "filesystem",
	"memory", "process", "query", "ipc", "timer", "event",
}

// MetricNames returns the registry names this sampler owns.
func MetricNames() []string {
	return []string{"syscall_counts", "cgroup_syscall_total"}
}
