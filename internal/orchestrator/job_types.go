package orchestrator

import "time"

// JobProgress summarizes how far a job has gotten.
type JobProgress struct {
	Total       int    `json:"total"`
	Completed   int    `json:"completed"`
	Failed      int    `json:"failed"`
	InProgress  int    `json:"in_progress"`
	CurrentTool string `json:"current_tool,omitempty"`
}

// ToolFile describes one generated artifact in a job response.
type ToolFile struct {
	FileName    string `json:"file_name"`
	Description string `json:"description,omitempty"`
	Code        string `json:"code,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Registered  bool   `json:"registered"`
}

// GenerationSummary is attached to completed jobs.
type GenerationSummary struct {
	TotalRequested int `json:"total_requested"`
	Successful     int `json:"successful"`
	Failed         int `json:"failed"`
}

// JobResponse is the client-facing view of a job.
type JobResponse struct {
	JobID     string             `json:"job_id"`
	SessionID string             `json:"session_id"`
	Status    SessionStatus      `json:"status"`
	Error     string             `json:"error,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
	Progress  JobProgress        `json:"progress"`
	ToolFiles []ToolFile         `json:"tool_files,omitempty"`
	Summary   *GenerationSummary `json:"summary,omitempty"`
}

// jobResponseFromSession projects a session onto the job view clients see.
func jobResponseFromSession(session *Session) *JobResponse {
	resp := &JobResponse{
		JobID:     session.JobID,
		SessionID: session.ID,
		Status:    session.Status,
		Error:     session.ErrorMessage,
		CreatedAt: session.CreatedAt,
		UpdatedAt: session.UpdatedAt,
	}

	total := len(session.Requirements)
	if total == 0 {
		total = 1
	}
	completed := len(session.GeneratedTools)

	resp.Progress = JobProgress{
		Total:     total,
		Completed: completed,
	}

	switch {
	case session.Status == StatusCompleted:
		resp.Summary = &GenerationSummary{
			TotalRequested: total,
			Successful:     completed,
		}
		for _, tool := range session.GeneratedTools {
			resp.ToolFiles = append(resp.ToolFiles, ToolFile{
				FileName:    tool.FileName,
				Description: tool.Description,
				Code:        tool.Code,
				Endpoint:    tool.Endpoint,
				Registered:  tool.Registered,
			})
		}
	case session.Status == StatusFailed:
		resp.Progress.Failed = total - completed
	default:
		resp.Progress.InProgress = total - completed
		resp.Progress.CurrentTool = "processing"
	}

	return resp
}
