// Package watch projects a task and its steps for external observers and
// reports changes by polling.
package watch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/taskgraph/internal/model"
	"github.com/t77yq/taskgraph/internal/storage"
)

const DefaultPollInterval = 1500 * time.Millisecond

// EventType is the kind of watch event
type EventType string

const (
	EventSnapshot EventType = "snapshot"
	EventUpdate   EventType = "update"
	EventEnd      EventType = "end"
	EventError    EventType = "error"
)

// Snapshot is a read-only view of a task and its steps
type Snapshot struct {
	Task  *model.Task   `json:"task"`
	Steps []*model.Step `json:"steps"`
}

// Event is emitted on the watch channel
type Event struct {
	Type     EventType `json:"type"`
	Snapshot *Snapshot `json:"snapshot,omitempty"`
	State    string    `json:"state,omitempty"`
	Error    string    `json:"error,omitempty"`
}

type fingerprintStep struct {
	ID    string          `json:"id"`
	State model.StepState `json:"state"`
}

// Fingerprint hashes the task state and the state of every step
func Fingerprint(s *Snapshot) string {
	doc := struct {
		TaskState model.TaskState   `json:"taskState"`
		Steps     []fingerprintStep `json:"steps"`
	}{
		TaskState: s.Task.State,
		Steps:     make([]fingerprintStep, 0, len(s.Steps)),
	}
	for _, step := range s.Steps {
		doc.Steps = append(doc.Steps, fingerprintStep{ID: step.ID, State: step.State})
	}

	data, _ := json.Marshal(doc)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Watcher polls task snapshots
type Watcher struct {
	logger   *zap.Logger
	tasks    *storage.TaskStore
	steps    *storage.StepStore
	interval time.Duration
}

// NewWatcher creates a new watcher
func NewWatcher(tasks *storage.TaskStore, steps *storage.StepStore, interval time.Duration, logger *zap.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{
		logger:   logger.Named("watcher"),
		tasks:    tasks,
		steps:    steps,
		interval: interval,
	}
}

// Snapshot loads the current workspace-scoped view of a task
func (w *Watcher) Snapshot(ctx context.Context, workspaceID, taskID string) (*Snapshot, error) {
	task, err := w.tasks.GetInWorkspace(ctx, workspaceID, taskID)
	if err != nil {
		return nil, err
	}
	steps, err := w.steps.ListByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if steps == nil {
		steps = []*model.Step{}
	}
	return &Snapshot{Task: task, Steps: steps}, nil
}

// Watch emits a snapshot, then an update whenever the fingerprint changes,
// and ends once the task is DONE or FAILED or no longer exists. The channel
// is closed when the watch ends or ctx is cancelled.
func (w *Watcher) Watch(ctx context.Context, workspaceID, taskID string) (<-chan Event, error) {
	first, err := w.Snapshot(ctx, workspaceID, taskID)
	if err != nil {
		return nil, err
	}

	events := make(chan Event, 1)
	go w.run(ctx, workspaceID, taskID, first, events)
	return events, nil
}

func (w *Watcher) run(ctx context.Context, workspaceID, taskID string, snap *Snapshot, events chan<- Event) {
	defer close(events)

	send := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !send(Event{Type: EventSnapshot, Snapshot: snap}) {
		return
	}
	if snap.Task.State.IsTerminal() {
		send(Event{Type: EventEnd, State: string(snap.Task.State)})
		return
	}

	last := Fingerprint(snap)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		next, err := w.Snapshot(ctx, workspaceID, taskID)
		if errors.Is(err, storage.ErrTaskNotFound) {
			send(Event{Type: EventEnd, State: "deleted"})
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("Watch poll failed",
				zap.String("task_id", taskID),
				zap.Error(err))
			if !send(Event{Type: EventError, Error: err.Error()}) {
				return
			}
			continue
		}

		if fp := Fingerprint(next); fp != last {
			last = fp
			if !send(Event{Type: EventUpdate, Snapshot: next}) {
				return
			}
		}

		if next.Task.State.IsTerminal() {
			send(Event{Type: EventEnd, State: string(next.Task.State)})
			return
		}
	}
}
