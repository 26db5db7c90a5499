package core

// Status is the lifecycle state of a Controller.
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusRunning        Status = "RUNNING"
	StatusSuccess        Status = "SUCCESS"
	StatusError          Status = "ERROR"
	StatusTimeoutExpired Status = "TIMEOUT_EXPIRED"
)

// String returns the wire form of the status.
func (s Status) String() string { return string(s) }

// Valid reports whether s is one of the five known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusError, StatusTimeoutExpired:
		return true
	}
	return false
}

// Terminal reports whether s settles a call. Pending is idle, not terminal.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusTimeoutExpired
}
