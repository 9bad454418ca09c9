package orchestrator

import (
	"fmt"
	"strings"
)

// BuildPrompt renders a session's tool requirements into the prompt handed
// to the generation backend. Requirements appear numbered in submission
// order; update jobs reference the job they revise.
func BuildPrompt(session *Session) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Generate %d computation tools based on these requirements:\n\n", len(session.Requirements))
	b.WriteString("Tool Requirements:\n")

	for i, req := range session.Requirements {
		fmt.Fprintf(&b, "%d. Description: %s\n", i+1, req.Description)
		if req.Input != "" {
			fmt.Fprintf(&b, "   Input: %s\n", req.Input)
		}
		if req.Output != "" {
			fmt.Fprintf(&b, "   Output: %s\n", req.Output)
		}
	}

	fmt.Fprintf(&b, "\nJob ID: %s\n", session.JobID)
	if session.Operation == OperationUpdate && session.BaseJobID != "" {
		fmt.Fprintf(&b, "This job updates the tools previously generated by job %s; revise them to match the requirements above.\n", session.BaseJobID)
	}
	b.WriteString("Please analyze these requirements and create precise, individual tools with proper type specifications.")

	return b.String()
}
