package config

import "time"

// Default timing configurations used throughout the orchestrator
const (
	// DefaultPollInterval is the delay between generation backend status checks
	DefaultPollInterval = 2 * time.Second

	// DefaultPollCeiling bounds the total time a workflow waits on the backend
	DefaultPollCeiling = 15 * time.Minute

	// DefaultCodegenTimeout is the timeout for one code-generation CLI run
	DefaultCodegenTimeout = 5 * time.Minute

	// DefaultStoreOpTimeout bounds individual persistence operations
	DefaultStoreOpTimeout = 5 * time.Second

	// DefaultToolServiceTimeout is the HTTP timeout for the tool execution service
	DefaultToolServiceTimeout = 30 * time.Second

	// DefaultEventBuffer is the channel buffer for one subscriber connection
	DefaultEventBuffer = 64

	// DefaultReapInterval is how often finished task handles are swept
	DefaultReapInterval = 1 * time.Minute

	// DefaultShutdownTimeout bounds graceful shutdown of the serving surface
	DefaultShutdownTimeout = 2 * time.Second
)
