package plugin

// Status represents the lifecycle state of a registered plugin.
type Status int

// Plugin statuses.
const (
	// StatusRegistered - record created, initialize not yet run.
	StatusRegistered Status = iota

	// StatusInitialized - initialize succeeded; the plugin has never run.
	StatusInitialized

	// StatusRunning - start succeeded.
	StatusRunning

	// StatusStopped - stop succeeded after running.
	StatusStopped

	// StatusError - an uncaught failure occurred.
	StatusError
)

// String returns a string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusRegistered:
		return "registered"
	case StatusInitialized:
		return "initialized"
	case StatusRunning:
		return "running"
	case StatusStopped:
		return "stopped"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseStatus converts a status name back to a Status.
func ParseStatus(s string) (Status, bool) {
	for st := StatusRegistered; st <= StatusError; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

// CanTransition reports whether the state machine allows moving from s to next.
//
//	registered -> initialized -> running <-> stopped
//	any -> error
func (s Status) CanTransition(next Status) bool {
	switch next {
	case StatusError:
		return true
	case StatusInitialized:
		return s == StatusRegistered
	case StatusRunning:
		return s == StatusInitialized || s == StatusStopped
	case StatusStopped:
		return s == StatusRunning
	default:
		return false
	}
}

// CanStart returns true if Start is valid from this status.
func (s Status) CanStart() bool {
	return s.CanTransition(StatusRunning)
}

// IsActive returns true if the plugin is running.
func (s Status) IsActive() bool {
	return s == StatusRunning
}
