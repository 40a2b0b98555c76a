package jobclient

// State is the lifecycle of one Submit call.
type State int

const (
	StateIdle State = iota
	StateSubmitting
	StatePolling
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubmitting:
		return "submitting"
	case StatePolling:
		return "polling"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions follow.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Progress is delivered to the observer on every transition and on each
// poll attempt. Attempt is 1-based and zero outside StatePolling.
type Progress struct {
	State   State
	JobID   string
	Attempt int
	Err     error
}

// ProgressFunc is called synchronously from the Submit goroutine.
type ProgressFunc func(Progress)
