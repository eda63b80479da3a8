package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessSample is one OS-level reading for a managed process.
type ProcessSample struct {
	PID           int       `json:"pid"`
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryRSS     uint64    `json:"memory_rss_bytes"`
	MemoryPercent float64   `json:"memory_percent"`
	ReadBytes     uint64    `json:"read_bytes"`
	WriteBytes    uint64    `json:"write_bytes"`
	NumThreads    int32     `json:"num_threads"`
	NumFDs        int32     `json:"num_fds"`
}

// Sampler reads process statistics via gopsutil. Process objects are cached
// per PID so that successive CPU readings are computed over the interval
// between calls rather than over the whole process lifetime.
type Sampler struct {
	mu    sync.Mutex
	procs map[int]*process.Process
}

func NewSampler() *Sampler {
	return &Sampler{procs: make(map[int]*process.Process)}
}

func (s *Sampler) proc(pid int) (*process.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.procs[pid]; ok {
		return p, nil
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, err
	}
	s.procs[pid] = p
	return p, nil
}

// Forget drops the cached process object for a PID, e.g. after a restart.
func (s *Sampler) Forget(pid int) {
	s.mu.Lock()
	delete(s.procs, pid)
	s.mu.Unlock()
}

// Sample reads current statistics for the process and records CPU/RSS in
// Prometheus as a side effect.
func (s *Sampler) Sample(ctx context.Context, name string, pid int) (ProcessSample, error) {
	p, err := s.proc(pid)
	if err != nil {
		return ProcessSample{}, err
	}
	out := ProcessSample{PID: pid, Timestamp: time.Now()}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		out.CPUPercent = cpu
	}
	if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
		out.MemoryRSS = mi.RSS
	}
	if mp, err := p.MemoryPercentWithContext(ctx); err == nil {
		out.MemoryPercent = float64(mp)
	}
	if io, err := p.IOCountersWithContext(ctx); err == nil && io != nil {
		out.ReadBytes = io.ReadBytes
		out.WriteBytes = io.WriteBytes
	}
	if nt, err := p.NumThreadsWithContext(ctx); err == nil {
		out.NumThreads = nt
	}
	if nf, err := p.NumFDsWithContext(ctx); err == nil {
		out.NumFDs = nf
	}
	SetProcessUsage(name, out.CPUPercent, out.MemoryRSS)
	return out, nil
}
