package config

// Tool defines the available MCP tools in the toolgen backend
const (
	// ToolJobSubmit is the job submission tool name
	ToolJobSubmit = "job.submit"
	// ToolJobStatus is the job status lookup tool name
	ToolJobStatus = "job.status"
	// ToolSessionCancel is the session cancellation tool name
	ToolSessionCancel = "session.cancel"
	// ToolSessionSubscribe returns buffered events for a session
	ToolSessionSubscribe = "session.subscribe"
	// ToolExecute invokes a generated tool on the execution service
	ToolExecute = "tool.execute"
	// ToolRegister loads a generated tool into the execution service
	ToolRegister = "tool.register"
)
