package top

import "time"

// RateMeter measures frame arrivals over fixed windows. The first
// observation only opens a window.
type RateMeter struct {
	Window time.Duration

	start time.Time
	last  time.Time
	count int
	rate  float64
}

func NewRateMeter(window time.Duration) *RateMeter {
	return &RateMeter{Window: window}
}

func (m *RateMeter) Observe(at time.Time) {
	m.last = at
	if m.start.IsZero() {
		m.start = at
		return
	}
	m.count++
	if elapsed := at.Sub(m.start); elapsed >= m.Window {
		m.rate = float64(m.count) / elapsed.Seconds()
		m.count = 0
		m.start = at
	}
}

// Rate returns frames per second, or zero once nothing has arrived for two
// windows. The broadcaster skips unchanged frames so an idle desktop reads
// as zero.
func (m *RateMeter) Rate(now time.Time) float64 {
	if m.last.IsZero() || now.Sub(m.last) > 2*m.Window {
		return 0
	}
	return m.rate
}

func (m *RateMeter) Reset() {
	*m = RateMeter{Window: m.Window}
}
