package storage

import "errors"

var (
	// ErrTaskNotFound is returned when a task is not found
	ErrTaskNotFound = errors.New("task not found")

	// ErrStepNotFound is returned when a step is not found
	ErrStepNotFound = errors.New("step not found")

	// ErrDuplicateStep is returned when a bulk insert repeats a step id
	ErrDuplicateStep = errors.New("duplicate step id")

	// ErrForeignDependency is returned when a step depends on a step outside its task
	ErrForeignDependency = errors.New("dependency outside task")
)
