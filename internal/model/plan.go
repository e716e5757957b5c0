package model

import (
	"encoding/json"
	"fmt"
)

// PlanHintKey is the key under Task.Inputs that carries planning hints.
const PlanHintKey = "planHint"

// DefaultCapabilityKey is planned when a task carries no usable hint.
const DefaultCapabilityKey = "do_task"

// CapabilityRef names a desired capability and an optional preassigned executor
type CapabilityRef struct {
	CapabilityKey string `json:"capabilityKey" yaml:"capabilityKey"`
	AssignedTo    string `json:"assignedTo,omitempty" yaml:"assignedTo,omitempty"`
}

// PlanEdge orders two capabilities: To runs after From succeeds
type PlanEdge struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// PlanHint is the optional planning input embedded in a task's inputs
type PlanHint struct {
	DesiredCapabilities []CapabilityRef `json:"desiredCapabilities,omitempty" yaml:"desiredCapabilities,omitempty"`
	Edges               []PlanEdge      `json:"edges,omitempty" yaml:"edges,omitempty"`
}

// PlanHintFromInputs decodes inputs[planHint]. A missing hint yields an empty hint.
func PlanHintFromInputs(inputs map[string]any) (PlanHint, error) {
	var hint PlanHint
	raw, ok := inputs[PlanHintKey]
	if !ok || raw == nil {
		return hint, nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return hint, fmt.Errorf("failed to encode plan hint: %w", err)
	}
	if err := json.Unmarshal(data, &hint); err != nil {
		return hint, fmt.Errorf("failed to decode plan hint: %w", err)
	}
	return hint, nil
}
