package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/t77yq/taskgraph/internal/model"
)

// validatePlanHint rejects hints the planner cannot turn into a DAG.
// Edges naming unknown capabilities are ignored, as the planner ignores them.
func validatePlanHint(hint model.PlanHint) error {
	keys := make([]string, 0, len(hint.DesiredCapabilities))
	seen := make(map[string]bool)
	for _, c := range desiredCapabilities(hint) {
		if seen[c.CapabilityKey] {
			return fmt.Errorf("%w: %s", ErrDuplicateCapability, c.CapabilityKey)
		}
		seen[c.CapabilityKey] = true
		keys = append(keys, c.CapabilityKey)
	}
	return checkAcyclic(keys, hint.Edges)
}

// desiredCapabilities drops hint entries without a capability key
func desiredCapabilities(hint model.PlanHint) []model.CapabilityRef {
	var caps []model.CapabilityRef
	for _, c := range hint.DesiredCapabilities {
		if c.CapabilityKey != "" {
			caps = append(caps, c)
		}
	}
	return caps
}

// checkAcyclic proves the edges over keys have no cycle using Kahn's algorithm.
func checkAcyclic(keys []string, edges []model.PlanEdge) error {
	indeg := make(map[string]int, len(keys))
	for _, k := range keys {
		indeg[k] = 0
	}

	outgoing := make(map[string][]string)
	added := make(map[model.PlanEdge]bool)
	for _, e := range edges {
		_, fromOK := indeg[e.From]
		_, toOK := indeg[e.To]
		if !fromOK || !toOK || added[e] {
			continue
		}
		added[e] = true
		outgoing[e.From] = append(outgoing[e.From], e.To)
		indeg[e.To]++
	}

	var ready []string
	for _, k := range keys {
		if indeg[k] == 0 {
			ready = append(ready, k)
		}
	}

	visited := 0
	for len(ready) > 0 {
		k := ready[0]
		ready = ready[1:]
		visited++
		for _, next := range outgoing[k] {
			indeg[next]--
			if indeg[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if visited == len(keys) {
		return nil
	}

	var stuck []string
	for k, d := range indeg {
		if d > 0 {
			stuck = append(stuck, k)
		}
	}
	sort.Strings(stuck)
	return fmt.Errorf("%w: %s", ErrCircularDependency, strings.Join(stuck, ", "))
}

// blockedSteps returns the QUEUED steps that can never become ready: those
// depending, directly or transitively, on a FAILED or CANCELLED step or on
// a step that does not exist.
func blockedSteps(steps []*model.Step) map[string]bool {
	byID := make(map[string]*model.Step, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}

	blocked := make(map[string]bool)
	memo := make(map[string]bool)
	visiting := make(map[string]bool)

	var dead func(id string) bool
	dead = func(id string) bool {
		if v, ok := memo[id]; ok {
			return v
		}
		s, ok := byID[id]
		if !ok {
			return true
		}
		switch s.State {
		case model.StepStateFailed, model.StepStateCancelled:
			memo[id] = true
			return true
		case model.StepStateQueued:
		default:
			memo[id] = false
			return false
		}
		if visiting[id] {
			return false
		}
		visiting[id] = true
		result := false
		for _, dep := range s.Deps {
			if dead(dep) {
				result = true
				break
			}
		}
		visiting[id] = false
		memo[id] = result
		if result {
			blocked[id] = true
		}
		return result
	}

	for _, s := range steps {
		dead(s.ID)
	}
	return blocked
}
