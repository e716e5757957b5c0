package scheduler

import "time"

const (
	reasonInvalidPlanHint = "invalid_plan_hint"

	defaultWatchdogSchedule = "@every 30s"
	defaultStepTimeout      = 15 * time.Minute
)

func stateReason[S ~string](state S) string {
	return "state=" + string(state)
}
