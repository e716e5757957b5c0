package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// StepState represents the execution state of a step
type StepState string

const (
	StepStateQueued    StepState = "QUEUED"
	StepStateRunning   StepState = "RUNNING"
	StepStateSucceeded StepState = "SUCCEEDED"
	StepStateFailed    StepState = "FAILED"
	StepStateCancelled StepState = "CANCELLED"
)

// IsTerminal reports whether the step can no longer run without an external reset.
func (s StepState) IsTerminal() bool {
	switch s {
	case StepStateSucceeded, StepStateFailed, StepStateCancelled:
		return true
	}
	return false
}

// StepType distinguishes capability work from graph control nodes
type StepType string

const (
	StepTypeCapability StepType = "capability"
	StepTypeControl    StepType = "control"
)

// ControlKind is the control operation of a control step
type ControlKind string

const (
	ControlSplit   ControlKind = "SPLIT"
	ControlJoinAll ControlKind = "JOIN_ALL"
)

// StepShape is the closed set of executable step kinds.
type StepShape int

const (
	ShapeUnknown StepShape = iota
	ShapeCapability
	ShapeSplit
	ShapeJoinAll
)

func (s StepShape) String() string {
	switch s {
	case ShapeCapability:
		return "capability"
	case ShapeSplit:
		return "control/SPLIT"
	case ShapeJoinAll:
		return "control/JOIN_ALL"
	default:
		return "unknown"
	}
}

// ResultStatus is the outcome reported by a step
type ResultStatus string

const (
	ResultOK        ResultStatus = "OK"
	ResultNeedsInfo ResultStatus = "NEEDS_INFO"
	ResultError     ResultStatus = "ERROR"
)

// StepResult is set when a step leaves RUNNING
type StepResult struct {
	Status  ResultStatus    `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Notes   string          `json:"notes,omitempty"`
}

// SplitInputs are the inputs frozen into the root SPLIT step
type SplitInputs struct {
	Title  string         `json:"title"`
	Inputs map[string]any `json:"inputs,omitempty"`
}

// CapabilityInputs are the inputs frozen into a capability step
type CapabilityInputs struct {
	TaskTitle  string         `json:"taskTitle"`
	TaskInputs map[string]any `json:"taskInputs,omitempty"`
}

// StepInputs carries at most one populated variant, matching the step shape.
// JOIN_ALL steps carry no inputs.
type StepInputs struct {
	Split      *SplitInputs      `json:"split,omitempty"`
	Capability *CapabilityInputs `json:"capability,omitempty"`
}

// Step is a single node of a task's DAG
type Step struct {
	ID             string      `json:"id"`
	TaskID         string      `json:"taskId"`
	Type           StepType    `json:"type"`
	Control        ControlKind `json:"control,omitempty"`
	CapabilityKey  string      `json:"capabilityKey,omitempty"`
	AssignedTo     string      `json:"assignedTo,omitempty"`
	Inputs         StepInputs  `json:"inputs"`
	Deps           []string    `json:"deps"`
	State          StepState   `json:"state"`
	Result         *StepResult `json:"result,omitempty"`
	Retries        int         `json:"retries"`
	IdempotencyKey string      `json:"idempotencyKey,omitempty"`

	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Error      string     `json:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Shape resolves the step's type/control combination.
func (s *Step) Shape() StepShape {
	switch s.Type {
	case StepTypeCapability:
		if s.CapabilityKey != "" {
			return ShapeCapability
		}
	case StepTypeControl:
		switch s.Control {
		case ControlSplit:
			return ShapeSplit
		case ControlJoinAll:
			return ShapeJoinAll
		}
	}
	return ShapeUnknown
}

// Describe renders the raw type/control pair for error messages.
func (s *Step) Describe() string {
	if s.Control != "" {
		return fmt.Sprintf("%s/%s", s.Type, s.Control)
	}
	return string(s.Type)
}

// DependsOn reports whether stepID is one of the step's dependencies.
func (s *Step) DependsOn(stepID string) bool {
	for _, d := range s.Deps {
		if d == stepID {
			return true
		}
	}
	return false
}
