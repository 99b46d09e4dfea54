package tasks

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a task id is absent from the queue it was expected in.
	ErrNotFound = errors.New("task not found")
	// ErrInvalidPriority is returned for priority tokens outside P0..P3.
	ErrInvalidPriority = errors.New("invalid priority")
)

// Priority tokens. Lower token sorts first and wins selection.
const (
	P0 = "P0"
	P1 = "P1"
	P2 = "P2"
	P3 = "P3"
)

// NormalizePriority upper-cases a priority token and validates it.
func NormalizePriority(p string) (string, error) {
	p = strings.ToUpper(strings.TrimSpace(p))
	switch p {
	case P0, P1, P2, P3:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q (want P0..P3)", ErrInvalidPriority, p)
}

// IsApproved reports whether a priority is eligible for automatic pipeline intake.
func IsApproved(priority string) bool {
	return priority == P0 || priority == P1
}

// Queue names one of the four task collections.
type Queue string

const (
	Backlog    Queue = "backlog"
	InProgress Queue = "in_progress"
	Blocked    Queue = "blocked"
	Done       Queue = "done"
)

// Queues lists every queue in lifecycle order.
var Queues = []Queue{Backlog, InProgress, Blocked, Done}

// ParseQueue accepts the canonical names plus the file-style spellings
// ("in-progress", "IN-PROGRESS").
func ParseQueue(s string) (Queue, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	switch norm {
	case "backlog":
		return Backlog, nil
	case "in_progress", "inprogress", "progress":
		return InProgress, nil
	case "blocked":
		return Blocked, nil
	case "done":
		return Done, nil
	}
	return "", fmt.Errorf("unknown queue %q (want backlog, in-progress, blocked or done)", s)
}

// FileName is the markdown file backing the queue.
func (q Queue) FileName() string {
	switch q {
	case Backlog:
		return "BACKLOG.md"
	case InProgress:
		return "IN-PROGRESS.md"
	case Blocked:
		return "BLOCKED.md"
	case Done:
		return "DONE.md"
	}
	return strings.ToUpper(string(q)) + ".md"
}

// Header is the fixed descriptive preamble written at the top of the queue file.
func (q Queue) Header() string {
	switch q {
	case Backlog:
		return "# Dev Task Backlog\n\nPrioritized queue of development tasks. P0 = critical, P3 = low priority."
	case InProgress:
		return "# Tasks In Progress\n\nCurrently being worked on by agents or manually."
	case Blocked:
		return "# Blocked Tasks\n\nTasks waiting on external input or dependencies."
	case Done:
		return "# Completed Tasks\n\nRolling log of finished work."
	}
	return "# Tasks"
}

// Task is one development task record.
type Task struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Priority      string `json:"priority"`
	Project       string `json:"project"`
	Created       string `json:"created"`
	Context       string `json:"context"`
	AgentSession  string `json:"agent_session,omitempty"`
	StartedAt     string `json:"started_at,omitempty"`
	BlockedReason string `json:"blocked_reason,omitempty"`
	CompletedAt   string `json:"completed_at,omitempty"`
	Result        string `json:"result,omitempty"`
}

// Update carries field changes applied during a move. Nil fields are left
// alone; a pointer to "" clears the field.
type Update struct {
	Title         *string
	Priority      *string
	Project       *string
	Context       *string
	AgentSession  *string
	StartedAt     *string
	BlockedReason *string
	CompletedAt   *string
	Result        *string
}

// Set returns a pointer to v, for building Updates.
func Set(v string) *string { return &v }

// Clear returns a pointer to the empty string, which removes the field.
func Clear() *string { return Set("") }

func (u Update) apply(t *Task) {
	assign := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	assign(&t.Title, u.Title)
	assign(&t.Priority, u.Priority)
	assign(&t.Project, u.Project)
	assign(&t.Context, u.Context)
	assign(&t.AgentSession, u.AgentSession)
	assign(&t.StartedAt, u.StartedAt)
	assign(&t.BlockedReason, u.BlockedReason)
	assign(&t.CompletedAt, u.CompletedAt)
	assign(&t.Result, u.Result)
}
