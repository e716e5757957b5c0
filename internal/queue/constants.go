package queue

import "time"

const (
	DefaultStreamName = "STEPS"
	DefaultSubject    = "steps.dispatch"
	DefaultDurable    = "step-workers"

	defaultAckWait    = 5 * time.Minute
	defaultMaxDeliver = 10
	defaultDuplicates = 10 * time.Minute
	defaultFetchWait  = 2 * time.Second

	streamMaxAge  = 24 * time.Hour
	streamMaxMsgs = -1

	memoryQueueCapacity = 1024
)
