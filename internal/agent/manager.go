package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sasa-tomic/openclaw-lxd/internal/prompt"
	"github.com/sasa-tomic/openclaw-lxd/internal/tasks"
)

// TaskStore is the part of the task store the manager needs.
type TaskStore interface {
	Top(q tasks.Queue) (tasks.Task, error)
	Find(id string, queues ...tasks.Queue) (tasks.Task, tasks.Queue, error)
	Move(id string, from, to tasks.Queue, u tasks.Update) (tasks.Task, error)
}

// Locker serializes registry and task updates across processes.
type Locker interface {
	Lock(ctx context.Context) (func(), error)
}

type nopLocker struct{}

func (nopLocker) Lock(context.Context) (func(), error) { return func() {}, nil }

// Manager runs single-agent intake, the periodic monitor and task outcomes
// against the registry and the task store.
type Manager struct {
	store         Store
	tasks         TaskStore
	locker        Locker
	maxConcurrent int
	stuckAfter    time.Duration
	log           *slog.Logger
	now           func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxConcurrent caps running agents for Nightly.
func WithMaxConcurrent(n int) Option { return func(m *Manager) { m.maxConcurrent = n } }

// WithStuckThreshold sets how long a running agent may go unchecked.
func WithStuckThreshold(d time.Duration) Option { return func(m *Manager) { m.stuckAfter = d } }

func WithLocker(l Locker) Option            { return func(m *Manager) { m.locker = l } }
func WithLogger(l *slog.Logger) Option      { return func(m *Manager) { m.log = l } }
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// NewManager returns a manager with a cap of 2 agents and a 4h stuck threshold
// unless overridden.
func NewManager(store Store, ts TaskStore, opts ...Option) *Manager {
	m := &Manager{
		store:         store,
		tasks:         ts,
		locker:        nopLocker{},
		maxConcurrent: 2,
		stuckAfter:    4 * time.Hour,
		log:           slog.Default(),
		now:           time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// withRegistry runs fn under the lease and saves the registry when fn
// reports a change.
func (m *Manager) withRegistry(ctx context.Context, op string, fn func(r *Registry) (bool, error)) error {
	release, err := m.locker.Lock(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer release()

	r, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	changed, err := fn(r)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !changed {
		return nil
	}
	if err := m.store.Save(ctx, r); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Registry returns the stored registry.
func (m *Manager) Registry(ctx context.Context) (*Registry, error) {
	return m.store.Load(ctx)
}

// SpawnRequest asks the executor to start one agent, or explains a skip.
type SpawnRequest struct {
	Action    string `json:"action"`
	Reason    string `json:"reason,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	TaskTitle string `json:"task_title,omitempty"`
	Project   string `json:"project,omitempty"`
	Priority  string `json:"priority,omitempty"`
	Context   string `json:"context,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
}

// Nightly picks the top backlog task, moves it to In Progress and registers a
// pending run for it. It skips when the cap is reached, the backlog is empty
// or the task already has an agent.
func (m *Manager) Nightly(ctx context.Context) (SpawnRequest, error) {
	var req SpawnRequest
	err := m.withRegistry(ctx, "nightly", func(r *Registry) (bool, error) {
		if n := r.RunningCount(); !r.CanSpawn(m.maxConcurrent) {
			req = SpawnRequest{Action: "skip", Reason: fmt.Sprintf("Already %d agents running (max %d)", n, m.maxConcurrent)}
			return false, nil
		}

		top, err := m.tasks.Top(tasks.Backlog)
		if errors.Is(err, tasks.ErrNotFound) {
			req = SpawnRequest{Action: "skip", Reason: "No tasks in backlog"}
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if _, ok := r.Get(top.ID); ok {
			req = SpawnRequest{Action: "skip", Reason: fmt.Sprintf("Task %s already has an active agent", top.ID)}
			return false, nil
		}

		now := m.now()
		t, err := m.tasks.Move(top.ID, tasks.Backlog, tasks.InProgress,
			tasks.Update{StartedAt: tasks.Set(now.Format(time.RFC3339))})
		if err != nil {
			return false, err
		}
		r.Spawn(t.ID, PendingSession, now)
		r.LastNightlyRun = &now
		m.log.Info("agent spawn requested", "task", t.ID, "project", t.Project)

		req = SpawnRequest{
			Action:    "spawn",
			TaskID:    t.ID,
			TaskTitle: t.Title,
			Project:   t.Project,
			Priority:  t.Priority,
			Context:   t.Context,
			Prompt:    prompt.Spawn(t),
		}
		return true, nil
	})
	return req, err
}

// Attach records the real session key for a spawned run and stamps it on the
// task.
func (m *Manager) Attach(ctx context.Context, taskID, sessionKey string) error {
	return m.withRegistry(ctx, "attach", func(r *Registry) (bool, error) {
		run, ok := r.Get(taskID)
		if !ok {
			return false, fmt.Errorf("no active agent for task %s", taskID)
		}
		run.SessionKey = sessionKey
		if _, err := m.tasks.Move(taskID, tasks.InProgress, tasks.InProgress,
			tasks.Update{AgentSession: tasks.Set(sessionKey)}); err != nil && !errors.Is(err, tasks.ErrNotFound) {
			return false, err
		}
		return true, nil
	})
}

// Monitor runs one monitor pass. With no active agents it reports "nothing"
// and leaves the registry untouched.
func (m *Manager) Monitor(ctx context.Context) (Report, error) {
	var rep Report
	err := m.withRegistry(ctx, "monitor", func(r *Registry) (bool, error) {
		now := m.now()
		if len(r.ActiveAgents) == 0 {
			rep = Report{Action: "nothing", Message: "No active agents to monitor", Timestamp: now, Agents: []AgentReport{}, Alerts: []Alert{}}
			return false, nil
		}
		rep = r.Monitor(now, m.stuckAfter)
		for _, a := range rep.Alerts {
			m.log.Warn("agent possibly stuck", "task", a.TaskID, "hours", a.HoursSinceActivity)
		}
		return true, nil
	})
	return rep, err
}

// Outcome reports what a terminal task outcome did.
type Outcome struct {
	Action  string      `json:"action"`
	TaskID  string      `json:"task_id"`
	Moved   bool        `json:"moved"`
	To      tasks.Queue `json:"to,omitempty"`
	Removed bool        `json:"agent_removed"`
}

// finish moves the task out of In Progress, tolerating a task that already
// left, and drops its registry entry.
func (m *Manager) finish(ctx context.Context, op, taskID string, to tasks.Queue, update func(t tasks.Task) tasks.Update) (Outcome, error) {
	out := Outcome{Action: op, TaskID: taskID}
	err := m.withRegistry(ctx, op, func(r *Registry) (bool, error) {
		t, _, err := m.tasks.Find(taskID, tasks.InProgress)
		switch {
		case errors.Is(err, tasks.ErrNotFound):
			m.log.Warn("task not in progress", "op", op, "task", taskID)
		case err != nil:
			return false, err
		default:
			if _, err := m.tasks.Move(taskID, tasks.InProgress, to, update(t)); err != nil {
				return false, err
			}
			out.Moved, out.To = true, to
		}
		out.Removed = r.Remove(taskID)
		return out.Removed, nil
	})
	return out, err
}

// Complete moves the task to Done with result.
func (m *Manager) Complete(ctx context.Context, taskID, result string) (Outcome, error) {
	now := m.now().Format(time.RFC3339)
	return m.finish(ctx, "complete", taskID, tasks.Done, func(tasks.Task) tasks.Update {
		return tasks.Update{CompletedAt: tasks.Set(now), Result: tasks.Set(result)}
	})
}

// Block moves the task to Blocked with reason.
func (m *Manager) Block(ctx context.Context, taskID, reason string) (Outcome, error) {
	return m.finish(ctx, "blocked", taskID, tasks.Blocked, func(tasks.Task) tasks.Update {
		return tasks.Update{BlockedReason: tasks.Set(reason)}
	})
}

// FailedContext prefixes a task's context with the failure reason.
func FailedContext(reason, original string) string {
	return "[FAILED: " + reason + "]\n\nOriginal context:\n" + original
}

// Fail returns the task to Backlog for another attempt, with the failure
// noted in its context and its start and session cleared.
func (m *Manager) Fail(ctx context.Context, taskID, reason string) (Outcome, error) {
	return m.finish(ctx, "failed", taskID, tasks.Backlog, func(t tasks.Task) tasks.Update {
		return tasks.Update{
			Context:      tasks.Set(FailedContext(reason, t.Context)),
			StartedAt:    tasks.Clear(),
			AgentSession: tasks.Clear(),
		}
	})
}
