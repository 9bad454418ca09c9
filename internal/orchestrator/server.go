package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agentbrowser/toolgen/internal/events"
	"github.com/agentbrowser/toolgen/internal/orchestrator/config"
)

// MCPServer exposes the orchestrator's operations as MCP tools.
type MCPServer struct {
	server      *server.MCPServer
	orch        *Orchestrator
	bus         *events.Bus
	auditLogger *AuditLogger
	recorder    *EventRecorder
	logger      *slog.Logger

	// subscriptions tracks the recorder's bus subscription per session so
	// repeated submits do not double-subscribe.
	subsMu sync.Mutex
	subs   map[string]*events.Subscriber

	sseMu sync.Mutex
	sse   *server.SSEServer
}

// NewMCPServer creates and configures the MCP server with all tools
// registered.
func NewMCPServer(name, version string, orch *Orchestrator, bus *events.Bus, audit *AuditLogger, logger *slog.Logger) *MCPServer {
	if logger == nil {
		logger = slog.Default()
	}

	mcpServer := server.NewMCPServer(
		name,
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	ms := &MCPServer{
		server:      mcpServer,
		orch:        orch,
		bus:         bus,
		auditLogger: audit,
		recorder:    NewEventRecorder(),
		logger:      logger,
		subs:        make(map[string]*events.Subscriber),
	}
	ms.registerTools()
	// Attach the recorder before each workflow starts so its first
	// status-update is already buffered for session.subscribe.
	orch.OnSessionCreated(ms.trackSession)
	return ms
}

// registerTools registers all MCP tools with their handlers
func (ms *MCPServer) registerTools() {
	jobSubmitTool := mcp.NewTool(config.ToolJobSubmit,
		mcp.WithDescription("Submit a tool generation job from natural-language requirements"),
		mcp.WithString("requirements",
			mcp.Required(),
			mcp.Description("JSON array of tool requirements, each with description, input and output"),
		),
		mcp.WithString("user_id",
			mcp.Description("Identifier of the submitting client"),
		),
		mcp.WithString("base_job_id",
			mcp.Description("Job ID of a previous generation to update instead of generating fresh"),
		),
	)
	ms.server.AddTool(jobSubmitTool, ms.handleJobSubmit)

	jobStatusTool := mcp.NewTool(config.ToolJobStatus,
		mcp.WithDescription("Get the status and results of a tool generation job"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Job ID returned by job.submit"),
		),
	)
	ms.server.AddTool(jobStatusTool, ms.handleJobStatus)

	sessionCancelTool := mcp.NewTool(config.ToolSessionCancel,
		mcp.WithDescription("Cancel a running tool generation session"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session ID to cancel"),
		),
		mcp.WithString("reason",
			mcp.Description("Optional reason recorded on the cancellation event"),
		),
	)
	ms.server.AddTool(sessionCancelTool, ms.handleSessionCancel)

	sessionSubscribeTool := mcp.NewTool(config.ToolSessionSubscribe,
		mcp.WithDescription("Fetch the buffered progress events for a session"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session ID to read events for"),
		),
	)
	ms.server.AddTool(sessionSubscribeTool, ms.handleSessionSubscribe)

	toolExecuteTool := mcp.NewTool(config.ToolExecute,
		mcp.WithDescription("Execute a generated tool on the tool execution service"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session the tool belongs to"),
		),
		mcp.WithString("tool_name",
			mcp.Required(),
			mcp.Description("Name of the generated tool to execute"),
		),
		mcp.WithString("inputs",
			mcp.Description("JSON object of tool inputs"),
		),
	)
	ms.server.AddTool(toolExecuteTool, ms.handleToolExecute)

	toolRegisterTool := mcp.NewTool(config.ToolRegister,
		mcp.WithDescription("Load a generated tool into the execution service and record its endpoint"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session the tool belongs to"),
		),
		mcp.WithString("tool_name",
			mcp.Required(),
			mcp.Description("Name of the generated tool to register"),
		),
	)
	ms.server.AddTool(toolRegisterTool, ms.handleToolRegister)
}

// trackSession attaches the event recorder to a session's event stream.
func (ms *MCPServer) trackSession(sessionID string) {
	ms.subsMu.Lock()
	defer ms.subsMu.Unlock()
	if _, exists := ms.subs[sessionID]; exists {
		return
	}
	ms.subs[sessionID] = ms.bus.Subscribe(sessionID, ms.recorder)
}

// ReleaseSessions drops the bus subscriptions and buffered events of the
// given sessions. Called by the reaper once a session's task outcome has
// been discarded; subscribing again afterwards returns an empty buffer.
func (ms *MCPServer) ReleaseSessions(sessionIDs []string) {
	ms.subsMu.Lock()
	defer ms.subsMu.Unlock()
	for _, sessionID := range sessionIDs {
		if sub, exists := ms.subs[sessionID]; exists {
			ms.bus.Unsubscribe(sub)
			delete(ms.subs, sessionID)
		}
		ms.recorder.Drop(sessionID)
	}
}

func (ms *MCPServer) handleJobSubmit(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rawReqs, err := request.RequireString("requirements")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	userID := request.GetString("user_id", "unknown")
	baseJobID := request.GetString("base_job_id", "")

	var reqs []ToolRequirement
	if err := json.Unmarshal([]byte(rawReqs), &reqs); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("requirements must be a JSON array: %v", err)), nil
	}

	ms.auditLogger.LogToolCall(ctx, &AuditEntry{
		Timestamp: time.Now(),
		UserID:    userID,
		ToolName:  config.ToolJobSubmit,
	})

	var resp *JobResponse
	if baseJobID != "" {
		resp, err = ms.orch.SubmitUpdateJob(ctx, userID, baseJobID, reqs)
	} else {
		resp, err = ms.orch.SubmitGenerateJob(ctx, userID, reqs)
	}
	if err != nil {
		ms.auditLogger.LogToolResult(ctx, &AuditEntry{
			ToolName: config.ToolJobSubmit,
			UserID:   userID,
			ErrorMsg: err.Error(),
		})
		return mcp.NewToolResultError(err.Error()), nil
	}

	ms.logger.Info(fmt.Sprintf(config.MsgJobSubmitted, resp.JobID), "session_id", resp.SessionID)

	ms.auditLogger.LogToolResult(ctx, &AuditEntry{
		SessionID: resp.SessionID,
		JobID:     resp.JobID,
		ToolName:  config.ToolJobSubmit,
		Success:   true,
	})

	responseJSON, _ := json.Marshal(resp)
	return mcp.NewToolResultText(string(responseJSON)), nil
}

func (ms *MCPServer) handleJobStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID, err := request.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	resp, err := ms.orch.GetJob(ctx, jobID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf(config.ErrJobError, err)), nil
	}

	responseJSON, _ := json.Marshal(resp)
	return mcp.NewToolResultText(string(responseJSON)), nil
}

func (ms *MCPServer) handleSessionCancel(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	reason := request.GetString("reason", "")

	ms.auditLogger.LogToolCall(ctx, &AuditEntry{
		Timestamp: time.Now(),
		SessionID: sessionID,
		ToolName:  config.ToolSessionCancel,
	})

	if err := ms.orch.CancelSession(ctx, sessionID, reason); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	session, err := ms.orch.GetSession(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf(config.ErrSessionError, err)), nil
	}

	responseJSON, _ := json.Marshal(map[string]any{
		"session_id": sessionID,
		"status":     session.Status,
		"error":      session.ErrorMessage,
	})
	return mcp.NewToolResultText(string(responseJSON)), nil
}

func (ms *MCPServer) handleSessionSubscribe(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if _, err := ms.orch.GetSession(ctx, sessionID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf(config.ErrSessionError, err)), nil
	}

	responseJSON, _ := json.Marshal(map[string]any{
		"session_id": sessionID,
		"events":     ms.recorder.EventsFor(sessionID),
	})
	return mcp.NewToolResultText(string(responseJSON)), nil
}

func (ms *MCPServer) handleToolExecute(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	toolName, err := request.RequireString("tool_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	inputs := map[string]interface{}{}
	if raw := request.GetString("inputs", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &inputs); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("inputs must be a JSON object: %v", err)), nil
		}
	}

	started := time.Now()
	ms.auditLogger.LogToolCall(ctx, &AuditEntry{
		Timestamp: started,
		SessionID: sessionID,
		ToolName:  toolName,
		Arguments: inputs,
	})

	result, err := ms.orch.ExecuteTool(ctx, sessionID, toolName, inputs)
	if err != nil {
		ms.auditLogger.LogToolResult(ctx, &AuditEntry{
			SessionID: sessionID,
			ToolName:  toolName,
			ErrorMsg:  err.Error(),
		})
		return mcp.NewToolResultError(err.Error()), nil
	}

	ms.auditLogger.LogToolResult(ctx, &AuditEntry{
		SessionID: sessionID,
		ToolName:  toolName,
		Success:   result.Status == "success",
		Duration:  time.Since(started),
	})

	responseJSON, _ := json.Marshal(result)
	return mcp.NewToolResultText(string(responseJSON)), nil
}

func (ms *MCPServer) handleToolRegister(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	toolName, err := request.RequireString("tool_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	ms.auditLogger.LogToolCall(ctx, &AuditEntry{
		Timestamp: time.Now(),
		SessionID: sessionID,
		ToolName:  toolName,
	})

	endpoint, err := ms.orch.RegisterTool(ctx, sessionID, toolName)
	if err != nil {
		ms.auditLogger.LogToolResult(ctx, &AuditEntry{
			SessionID: sessionID,
			ToolName:  toolName,
			ErrorMsg:  err.Error(),
		})
		return mcp.NewToolResultError(err.Error()), nil
	}

	ms.auditLogger.LogToolResult(ctx, &AuditEntry{
		SessionID: sessionID,
		ToolName:  toolName,
		Success:   true,
	})

	responseJSON, _ := json.Marshal(map[string]any{
		"session_id": sessionID,
		"tool_name":  toolName,
		"endpoint":   endpoint,
		"registered": true,
	})
	return mcp.NewToolResultText(string(responseJSON)), nil
}
