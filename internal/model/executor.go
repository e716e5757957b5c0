package model

import "time"

// WorkerStats represents worker pool and host statistics
type WorkerStats struct {
	PoolSize    int       `json:"pool_size"`
	InFlight    int       `json:"in_flight"`
	Processed   int64     `json:"processed"`
	Succeeded   int64     `json:"succeeded"`
	Skipped     int64     `json:"skipped"`
	Failed      int64     `json:"failed"`
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	CollectedAt time.Time `json:"collected_at"`
}

// EngineMetrics is the periodic metrics document published by the collector
type EngineMetrics struct {
	Timestamp   time.Time         `json:"timestamp"`
	CPUUsage    float64           `json:"cpu_usage"`
	MemoryUsage float64           `json:"memory_usage"`
	Workers     WorkerStats       `json:"workers"`
	StepStates  map[StepState]int `json:"step_states"`
}
