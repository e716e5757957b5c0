package scheduler

import (
	"context"
)

// Router resolves the executor for a capability step. An empty id means no
// executor holds the capability.
type Router interface {
	AssignCapability(ctx context.Context, workspaceID, capabilityKey string) (string, error)
}

// PlanResult reports the outcome of planning a task
type PlanResult struct {
	Planned           bool     `json:"planned"`
	Reason            string   `json:"reason,omitempty"`
	TaskID            string   `json:"taskId,omitempty"`
	RootStepID        string   `json:"rootStepId,omitempty"`
	CapabilityStepIDs []string `json:"capabilityStepIds,omitempty"`
	JoinStepID        string   `json:"joinStepId,omitempty"`
	Count             int      `json:"count,omitempty"`
}
