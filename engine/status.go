package engine

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// State is the engine lifecycle state
type State int32

const (
	StateIdle State = iota
	StateInitialSyncing
	StateIncremental
	StateStopping
	StateStopped
	// StateFailed is absorbing: a non-retryable error exceeded the policy
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitialSyncing:
		return "initial_syncing"
	case StateIncremental:
		return "incremental"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TargetStatus is the runtime view of one target
type TargetStatus struct {
	Name        string
	LastAuditID int64
	Lag         int64 // audit records not yet applied to this target
	RetryCount  int64
	LastError   string
	Halted      bool
}

// Status is a point-in-time snapshot of a running engine
type Status struct {
	State           State
	SourceDB        string
	Targets         []TargetStatus
	TotalEvents     int64
	EventsPerSecond float64
	Backlog         int64
	TableStats      map[string]int64 // "table.OPERATION" -> count
	LastError       string
}

// tableStats tracks per-table operation counters across apply goroutines
type tableStats struct {
	counters *xsync.MapOf[string, *xsync.Counter]
}

func newTableStats() *tableStats {
	return &tableStats{counters: xsync.NewMapOf[string, *xsync.Counter]()}
}

func (s *tableStats) record(table, operation string, n int64) {
	counter, _ := s.counters.LoadOrStore(table+"."+operation, xsync.NewCounter())
	counter.Add(n)
}

func (s *tableStats) snapshot() map[string]int64 {
	result := map[string]int64{}
	s.counters.Range(func(key string, counter *xsync.Counter) bool {
		result[key] = counter.Value()
		return true
	})
	return result
}
