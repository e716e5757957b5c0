package scheduler

import "errors"

var (
	// ErrCircularDependency is returned when plan edges form a cycle
	ErrCircularDependency = errors.New("circular dependency detected")

	// ErrDuplicateCapability is returned when a plan hint repeats a capability key
	ErrDuplicateCapability = errors.New("duplicate capability")

	// ErrTaskNotRunning is returned when an operation requires a RUNNING task
	ErrTaskNotRunning = errors.New("task is not running")

	// ErrStepNotFailed is returned when a retry targets a step that is not FAILED
	ErrStepNotFailed = errors.New("step is not failed")
)
