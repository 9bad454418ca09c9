package config

// Error messages used throughout the serving layer
const (
	// ErrSessionError is the format string for session lookup errors
	ErrSessionError = "session error: %v"
	// ErrJobError is the format string for job lookup errors
	ErrJobError = "job error: %v"
	// MsgJobSubmitted is the format string for job submission messages
	MsgJobSubmitted = "Job %s submitted for generation"
)
