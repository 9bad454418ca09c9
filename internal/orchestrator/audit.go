package orchestrator

import (
	"context"
	"log/slog"
	"time"
)

// AuditEntry represents a logged event for provenance tracking
type AuditEntry struct {
	Timestamp time.Time
	SessionID string
	JobID     string
	UserID    string
	ToolName  string
	Arguments map[string]interface{}
	Success   bool
	ErrorMsg  string
	Duration  time.Duration
}

// AuditLogger handles audit logging for MCP tool calls
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{
		logger: logger,
	}
}

// LogToolCall logs a tool invocation with all relevant context
func (al *AuditLogger) LogToolCall(ctx context.Context, entry *AuditEntry) {
	al.logger.InfoContext(ctx, "tool_call",
		"session_id", entry.SessionID,
		"job_id", entry.JobID,
		"user_id", entry.UserID,
		"tool_name", entry.ToolName,
		"timestamp", entry.Timestamp,
	)
}

// LogToolResult logs a tool execution result
func (al *AuditLogger) LogToolResult(ctx context.Context, entry *AuditEntry) {
	if entry.ErrorMsg != "" {
		al.logger.ErrorContext(ctx, "tool_error",
			"session_id", entry.SessionID,
			"job_id", entry.JobID,
			"tool_name", entry.ToolName,
			"error", entry.ErrorMsg,
		)
		return
	}
	al.logger.InfoContext(ctx, "tool_result",
		"session_id", entry.SessionID,
		"job_id", entry.JobID,
		"tool_name", entry.ToolName,
		"success", entry.Success,
		"duration_ms", entry.Duration.Milliseconds(),
	)
}
