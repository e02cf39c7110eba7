package ws

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/elemento-modular-cloud/rdpbridge/internal/bridge"
)

// ProcessStatus describes the bridge process itself.
type ProcessStatus struct {
	PID        int     `json:"pid"`
	RSSBytes   uint64  `json:"rssBytes,omitempty"`
	CPUPercent float64 `json:"cpuPercent,omitempty"`
	Threads    int32   `json:"threads,omitempty"`
	Goroutines int     `json:"goroutines"`
}

// CanvasStatus describes the canvas.
type CanvasStatus struct {
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Version uint64 `json:"version"`
}

// InputStatus aggregates input counters over all routers.
type InputStatus struct {
	Forwarded   uint64 `json:"forwarded"`
	Malformed   uint64 `json:"malformed"`
	Limited     uint64 `json:"limited"`
	WriteErrors uint64 `json:"writeErrors"`
}

// Status is the /api/status document.
type Status struct {
	Running    bool                 `json:"running"`
	StopReason string               `json:"stopReason,omitempty"`
	Uptime     string               `json:"uptime"`
	Clients    int                  `json:"clients"`
	Canvas     CanvasStatus         `json:"canvas"`
	QueueDepth int                  `json:"queueDepth"`
	Pipeline   bridge.StatsSnapshot `json:"pipeline"`
	FramesSent uint64               `json:"framesSent"`
	Ticks      uint64               `json:"ticks"`
	Input      InputStatus          `json:"input"`
	Process    ProcessStatus        `json:"process"`
}

// processStatus samples the current process. Sampling failures leave the
// affected fields zero.
func processStatus() ProcessStatus {
	ps := ProcessStatus{
		PID:        os.Getpid(),
		Goroutines: runtime.NumGoroutine(),
	}
	p, err := process.NewProcess(int32(ps.PID))
	if err != nil {
		return ps
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		ps.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercent(); err == nil {
		ps.CPUPercent = cpu
	}
	if n, err := p.NumThreads(); err == nil {
		ps.Threads = n
	}
	return ps
}

func formatUptime(since time.Time) string {
	return time.Since(since).Truncate(time.Second).String()
}
