package bridge

import "sync/atomic"

// Stats counts pipeline activity. All fields are updated atomically and may
// be read from any goroutine.
type Stats struct {
	UpdatesQueued   atomic.Uint64
	UpdatesApplied  atomic.Uint64
	UpdatesRejected atomic.Uint64
	EventsIgnored   atomic.Uint64
	ReadErrors      atomic.Uint64
}

// StatsSnapshot is a plain copy of Stats for serialisation.
type StatsSnapshot struct {
	UpdatesQueued   uint64 `json:"updatesQueued"`
	UpdatesApplied  uint64 `json:"updatesApplied"`
	UpdatesRejected uint64 `json:"updatesRejected"`
	EventsIgnored   uint64 `json:"eventsIgnored"`
	ReadErrors      uint64 `json:"readErrors"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		UpdatesQueued:   s.UpdatesQueued.Load(),
		UpdatesApplied:  s.UpdatesApplied.Load(),
		UpdatesRejected: s.UpdatesRejected.Load(),
		EventsIgnored:   s.EventsIgnored.Load(),
		ReadErrors:      s.ReadErrors.Load(),
	}
}
