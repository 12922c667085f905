package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// JobKindResumeNode resumes an execution at a node once its delay elapsed.
const JobKindResumeNode = "flow_resume_node"

// ResumeNodePayload is the JSON payload for flow_resume_node jobs.
type ResumeNodePayload struct {
	ExecutionID string `json:"execution_id"`
	NodeID      string `json:"node_id"`
}

// DedupeKey identifies one delay wait of one execution.
func (p ResumeNodePayload) DedupeKey() string {
	return "delay:" + p.ExecutionID + ":" + p.NodeID
}

// RegisterJobHandlers registers the flow job handlers with a JobRunner or TimerQueue.
func RegisterJobHandlers(r HandlerRegistrar, exec *Executor) {
	r.RegisterHandler(JobKindResumeNode, func(ctx context.Context, payload string) error {
		var p ResumeNodePayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return fmt.Errorf("invalid %s payload: %w", JobKindResumeNode, err)
		}
		slog.Debug("JobHandler.resume_node: executing", "executionID", p.ExecutionID, "nodeID", p.NodeID)
		return exec.resumeDelayed(ctx, p)
	})
}
