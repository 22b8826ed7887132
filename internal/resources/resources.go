// Package resources monitors process memory pressure and exposes a
// backpressure signal the ingest pipeline and the /status endpoint both
// consume.
//
// Grounded on the teacher's memory.MemorySupervisor, which polls
// gopsutil's VirtualMemory/SwapMemory and cancels a whole analysis run once
// available RAM drops below a threshold. This engine is a long-running
// service rather than a one-shot run, so the same polling loop is
// repurposed to raise and clear a Pressure gauge instead of aborting.
package resources

import (
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"causalityengine/internal/xlog"
)

// Monitor polls system memory and reports backpressure.
type Monitor struct {
	interval      time.Duration
	ramFraction   float64 // fraction of total RAM that must remain available
	swapThreshold uint64  // bytes of swap growth tolerated before signaling pressure

	underPressure atomic.Bool
	stop          chan struct{}

	startSwapUsed uint64
}

// NewMonitor builds a Monitor with the teacher's own defaults: 2% of total
// RAM must remain available, and swap usage may grow by at most 1GB over
// the monitor's lifetime before backpressure is signaled.
func NewMonitor() *Monitor {
	return &Monitor{
		interval:      time.Second,
		ramFraction:   0.02,
		swapThreshold: 1000 * 1024 * 1024,
		stop:          make(chan struct{}),
	}
}

// Run polls memory until Stop is called. Intended to run in its own
// goroutine for the lifetime of the process.
func (m *Monitor) Run() {
	if s, err := mem.SwapMemory(); err == nil {
		m.startSwapUsed = s.Used
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	v, err := mem.VirtualMemory()
	if err != nil {
		xlog.Errorf("resources: error getting memory info: %v", err)
		return
	}
	s, err := mem.SwapMemory()
	if err != nil {
		xlog.Errorf("resources: error getting swap info: %v", err)
		return
	}

	threshold := uint64(float64(v.Total) * m.ramFraction)
	pressured := v.Available < threshold || s.Used > m.startSwapUsed+m.swapThreshold

	wasPressured := m.underPressure.Swap(pressured)
	if pressured && !wasPressured {
		xlog.Important("resources: entering memory pressure, ingest will start shedding load")
	}
	if !pressured && wasPressured {
		xlog.Info("resources: memory pressure cleared")
	}
}

// Pressure reports whether the process is currently under memory pressure.
// The ingest pipeline folds this into its backpressure decision alongside
// queue depth.
func (m *Monitor) Pressure() bool {
	return m.underPressure.Load()
}

// Stop halts the polling loop.
func (m *Monitor) Stop() {
	close(m.stop)
}

// Snapshot is a point-in-time memory reading for the /status endpoint.
type Snapshot struct {
	TotalBytes     uint64  `json:"total_bytes"`
	AvailableBytes uint64  `json:"available_bytes"`
	UsedPercent    float64 `json:"used_percent"`
	UnderPressure  bool    `json:"under_pressure"`
}

// Sample takes an immediate memory reading, independent of the polling
// loop, for on-demand /status reporting.
func Sample() (Snapshot, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		TotalBytes:     v.Total,
		AvailableBytes: v.Available,
		UsedPercent:    v.UsedPercent,
	}, nil
}
