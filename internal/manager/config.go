package manager

import "time"

// Config carries the tunables spec.md §6 names for the Split-Log Manager.
type Config struct {
	// BasePath is the coordination-store prefix under which "/splitlog"
	// lives (spec.md §6: "Parent path: <base>/splitlog").
	BasePath string

	// SelfIdentity identifies this master incarnation as the writer of
	// UNASSIGNED transitions it produces.
	SelfIdentity string

	// Retries is splitlog.zk.retries: the async-call retry budget.
	Retries int

	// MaxResubmit is splitlog.max.resubmit: the per-task CHECK-resubmit
	// threshold. FORCE resubmits never count toward it.
	MaxResubmit int

	// ManagerTimeout is splitlog.manager.timeout: ms after last_update
	// before a CHECK resubmit is allowed to fire.
	ManagerTimeout time.Duration

	// ManagerUnassignedTimeout is splitlog.manager.unassigned.timeout.
	ManagerUnassignedTimeout time.Duration

	// TimeoutMonitorPeriod is splitlog.manager.timeoutmonitor.period.
	TimeoutMonitorPeriod time.Duration

	// CoordTimeout bounds individual blocking coordination calls
	// (SetDataCAS, ListChildren, CreateEphemeralSequential, Exists).
	CoordTimeout time.Duration

	// FinisherTimeout bounds a single Task Finisher invocation.
	FinisherTimeout time.Duration
}

// DefaultConfig returns the defaults spec.md §6 suggests.
func DefaultConfig() Config {
	return Config{
		BasePath:                 "",
		SelfIdentity:             "manager",
		Retries:                  3,
		MaxResubmit:              3,
		ManagerTimeout:           5 * time.Minute,
		ManagerUnassignedTimeout: 3 * time.Minute,
		TimeoutMonitorPeriod:     30 * time.Second,
		CoordTimeout:             10 * time.Second,
		FinisherTimeout:          30 * time.Second,
	}
}
