package sampler

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v4/cpu"
	psprocess "github.com/shirou/gopsutil/v4/process"
)

// processShareReader attributes machine CPU usage to a process tree using
// gopsutil. Percent readings are deltas since the previous call, so the
// reader keeps process handles between samples of one workload. The cache
// is dropped whenever the root pid changes so handles never leak across
// runs.
type processShareReader struct {
	mu    sync.Mutex
	root  int32
	procs map[int32]*psprocess.Process
	ncpu  int
}

var _ ShareReader = (*processShareReader)(nil)

// NewProcessShareReader creates a ShareReader backed by gopsutil.
func NewProcessShareReader() ShareReader {
	return &processShareReader{
		procs: make(map[int32]*psprocess.Process, 8),
		ncpu:  runtime.NumCPU(),
	}
}

func (r *processShareReader) CPUShare(ctx context.Context, pid int) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rootPID := int32(pid) //nolint:gosec // pids fit in int32
	if rootPID != r.root {
		r.root = rootPID
		r.procs = make(map[int32]*psprocess.Process, 8)
	}

	root, err := r.process(ctx, rootPID)
	if err != nil {
		return 0, err
	}

	procPct := r.treePercent(ctx, root, 0)

	sys, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, fmt.Errorf("reading system cpu percent: %w", err)
	}

	if len(sys) == 0 {
		return 0, nil
	}

	return cpuShare(procPct, sys[0], r.ncpu), nil
}

func (r *processShareReader) process(ctx context.Context, pid int32) (*psprocess.Process, error) {
	if p, ok := r.procs[pid]; ok {
		return p, nil
	}

	p, err := psprocess.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("looking up process %d: %w", pid, err)
	}

	r.procs[pid] = p

	return p, nil
}

// treePercent sums CPU percent over p and its descendants.
func (r *processShareReader) treePercent(ctx context.Context, p *psprocess.Process, depth int) float64 {
	total, err := p.PercentWithContext(ctx, 0)
	if err != nil {
		total = 0
	}

	if depth > 16 {
		return total
	}

	children, err := p.ChildrenWithContext(ctx)
	if err != nil {
		return total
	}

	for _, c := range children {
		cached, cerr := r.process(ctx, c.Pid)
		if cerr != nil {
			continue
		}

		total += r.treePercent(ctx, cached, depth+1)
	}

	return total
}

// cpuShare converts a per-core process percent and a machine-wide busy
// percent into the process's fraction of busy CPU time.
func cpuShare(procPct, sysPct float64, ncpu int) float64 {
	if sysPct <= 0 || ncpu <= 0 {
		return 0
	}

	share := procPct / (sysPct * float64(ncpu))

	switch {
	case share < 0:
		return 0
	case share > 1:
		return 1
	default:
		return share
	}
}
