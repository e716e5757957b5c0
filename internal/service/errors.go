package service

import "errors"

var (
	// ErrInvalidRequest is returned for malformed input
	ErrInvalidRequest = errors.New("invalid request")

	// ErrStepNotQueued is returned when a manual run targets a step that is not QUEUED
	ErrStepNotQueued = errors.New("step is not queued")
)
