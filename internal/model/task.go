package model

import (
	"time"
)

// TaskState represents the lifecycle state of a task
type TaskState string

const (
	TaskStateOpen     TaskState = "OPEN"
	TaskStatePlanning TaskState = "PLANNING"
	TaskStateRunning  TaskState = "RUNNING"
	TaskStateReview   TaskState = "REVIEW"
	TaskStateDone     TaskState = "DONE"
	TaskStateFailed   TaskState = "FAILED"
)

// IsTerminal reports whether no further transition can happen from s.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateDone || s == TaskStateFailed
}

// Valid reports whether s is a known task state.
func (s TaskState) Valid() bool {
	switch s {
	case TaskStateOpen, TaskStatePlanning, TaskStateRunning, TaskStateReview, TaskStateDone, TaskStateFailed:
		return true
	}
	return false
}

// Budget is an advisory resource ceiling for a task
type Budget struct {
	TokenLimit   int `json:"tokenLimit" yaml:"tokenLimit"`
	SecondsLimit int `json:"secondsLimit" yaml:"secondsLimit"`
}

// DefaultBudget is applied to tasks created without an explicit budget.
var DefaultBudget = Budget{TokenLimit: 120_000, SecondsLimit: 900}

// TaskGraph holds back-references into the step graph
type TaskGraph struct {
	RootStepID string `json:"rootStepId,omitempty"`
}

// TaskMetrics tracks resource usage and timing of a task
type TaskMetrics struct {
	SpentTokens int        `json:"spentTokens"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

// Task is the parent unit of work that owns a DAG of steps
type Task struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspaceId"`
	Title       string         `json:"title"`
	Inputs      map[string]any `json:"inputs"`
	State       TaskState      `json:"state"`
	Budget      Budget         `json:"budget"`
	Graph       TaskGraph      `json:"graph"`
	Metrics     TaskMetrics    `json:"metrics"`
	CreatedBy   string         `json:"createdBy,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
