package agent

import (
	"math"
	"sort"
	"time"
)

// Run status values.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusStuck     = "stuck"
)

// PendingSession is the session key recorded before the executor reports the
// real one.
const PendingSession = "pending"

// Run is one external agent working on a task.
type Run struct {
	TaskID      string     `json:"task_id"`
	SessionKey  string     `json:"session_key"`
	SpawnedAt   time.Time  `json:"spawned_at"`
	LastChecked *time.Time `json:"last_checked,omitempty"`
	Status      string     `json:"status"`
}

// Registry maps task id to its running agent, plus the last run times of the
// periodic jobs.
type Registry struct {
	ActiveAgents   map[string]*Run `json:"active_agents"`
	LastNightlyRun *time.Time      `json:"last_nightly_run,omitempty"`
	LastMonitorRun *time.Time      `json:"last_monitor_run,omitempty"`
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ActiveAgents: map[string]*Run{}}
}

// Spawn records a running agent for taskID, replacing any previous entry.
func (r *Registry) Spawn(taskID, sessionKey string, now time.Time) *Run {
	if r.ActiveAgents == nil {
		r.ActiveAgents = map[string]*Run{}
	}
	run := &Run{TaskID: taskID, SessionKey: sessionKey, SpawnedAt: now, Status: StatusRunning}
	r.ActiveAgents[taskID] = run
	return run
}

// Get returns the entry for taskID.
func (r *Registry) Get(taskID string) (*Run, bool) {
	run, ok := r.ActiveAgents[taskID]
	return run, ok
}

// Remove drops the entry for taskID and reports whether it existed.
func (r *Registry) Remove(taskID string) bool {
	if _, ok := r.ActiveAgents[taskID]; !ok {
		return false
	}
	delete(r.ActiveAgents, taskID)
	return true
}

// RunningCount counts entries with status running.
func (r *Registry) RunningCount() int {
	n := 0
	for _, run := range r.ActiveAgents {
		if run.Status == StatusRunning {
			n++
		}
	}
	return n
}

// CanSpawn reports whether another agent fits under maxConcurrent.
func (r *Registry) CanSpawn(maxConcurrent int) bool {
	return r.RunningCount() < maxConcurrent
}

// Runs returns the entries ordered by spawn time, then task id.
func (r *Registry) Runs() []*Run {
	out := make([]*Run, 0, len(r.ActiveAgents))
	for _, run := range r.ActiveAgents {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SpawnedAt.Equal(out[j].SpawnedAt) {
			return out[i].SpawnedAt.Before(out[j].SpawnedAt)
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}

// AgentReport is one line of a monitor report.
type AgentReport struct {
	TaskID        string    `json:"task_id"`
	SessionKey    string    `json:"session_key"`
	Status        string    `json:"status"`
	SpawnedAt     time.Time `json:"spawned_at"`
	RuntimeHours  float64   `json:"runtime_hours"`
	PossiblyStuck bool      `json:"possibly_stuck,omitempty"`
}

// Alert flags an agent for a human. The monitor never remediates.
type Alert struct {
	Type               string  `json:"type"`
	TaskID             string  `json:"task_id"`
	HoursSinceActivity float64 `json:"hours_since_activity"`
}

// Report is the result of a monitor pass.
type Report struct {
	Action    string        `json:"action"`
	Message   string        `json:"message,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Agents    []AgentReport `json:"agents"`
	Alerts    []Alert       `json:"alerts"`
}

func hours(d time.Duration) float64 {
	return math.Round(d.Hours()*10) / 10
}

// Monitor checks every entry. A running entry whose last check (or spawn, if
// never checked) is older than threshold raises a stuck alert. Every entry's
// LastChecked and the registry's LastMonitorRun are set to now.
func (r *Registry) Monitor(now time.Time, threshold time.Duration) Report {
	rep := Report{Action: "report", Timestamp: now, Agents: []AgentReport{}, Alerts: []Alert{}}
	for _, run := range r.Runs() {
		ar := AgentReport{
			TaskID:       run.TaskID,
			SessionKey:   run.SessionKey,
			Status:       run.Status,
			SpawnedAt:    run.SpawnedAt,
			RuntimeHours: hours(now.Sub(run.SpawnedAt)),
		}
		if run.Status == StatusRunning {
			last := run.SpawnedAt
			if run.LastChecked != nil {
				last = *run.LastChecked
			}
			if since := now.Sub(last); since > threshold {
				ar.PossiblyStuck = true
				rep.Alerts = append(rep.Alerts, Alert{Type: StatusStuck, TaskID: run.TaskID, HoursSinceActivity: hours(since)})
			}
		}
		checked := now
		run.LastChecked = &checked
		rep.Agents = append(rep.Agents, ar)
	}
	monitored := now
	r.LastMonitorRun = &monitored
	return rep
}
