package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/sasa-tomic/openclaw-lxd/internal/fileutil"
	"github.com/sasa-tomic/openclaw-lxd/internal/tasks"
)

// DefaultMaxVerifyAttempts bounds the verify loop.
const DefaultMaxVerifyAttempts = 3

// Status is the pipeline's position.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusPreflight    Status = "preflight"
	StatusImplementing Status = "implementing"
	StatusVerifying    Status = "verifying"
	StatusCommitting   Status = "committing"
	StatusDone         Status = "done"
	StatusFailed       Status = "failed"
)

func (s Status) valid() bool {
	switch s {
	case StatusIdle, StatusPreflight, StatusImplementing, StatusVerifying,
		StatusCommitting, StatusDone, StatusFailed:
		return true
	}
	return false
}

// Resting reports whether no batch is in flight, so a new one may start.
func (s Status) Resting() bool {
	return s == StatusIdle || s == StatusDone || s == StatusFailed
}

// CompletedTask is one entry of the batch's completed list.
type CompletedTask struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// State is the single pipeline record. It is replaced wholesale on every
// transition.
type State struct {
	Status            Status          `json:"status"`
	CurrentTaskID     string          `json:"current_task_id,omitempty"`
	CurrentTaskTitle  string          `json:"current_task_title,omitempty"`
	Project           string          `json:"project,omitempty"`
	VerifyAttempts    int             `json:"verify_attempts"`
	MaxVerifyAttempts int             `json:"max_verify_attempts"`
	ImplSessionKey    string          `json:"impl_session_key,omitempty"`
	VerifySessionKey  string          `json:"verify_session_key,omitempty"`
	BatchStartedAt    string          `json:"batch_started_at,omitempty"`
	CompletedTasks    []CompletedTask `json:"completed_tasks"`
	FailedTask        string          `json:"failed_task,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
}

// NewState returns the empty idle state.
func NewState(maxVerifyAttempts int) State {
	if maxVerifyAttempts <= 0 {
		maxVerifyAttempts = DefaultMaxVerifyAttempts
	}
	return State{
		Status:            StatusIdle,
		MaxVerifyAttempts: maxVerifyAttempts,
		CompletedTasks:    []CompletedTask{},
	}
}

// normalize fills defaults for fields a stored document may lack and rejects
// values outside the schema.
func (s *State) normalize(maxVerifyAttempts int) error {
	if s.Status == "" {
		s.Status = StatusIdle
	}
	if !s.Status.valid() {
		return fmt.Errorf("unknown pipeline status %q", s.Status)
	}
	if s.MaxVerifyAttempts <= 0 {
		s.MaxVerifyAttempts = maxVerifyAttempts
	}
	if s.MaxVerifyAttempts <= 0 {
		s.MaxVerifyAttempts = DefaultMaxVerifyAttempts
	}
	if s.VerifyAttempts < 0 {
		return fmt.Errorf("negative verify_attempts %d", s.VerifyAttempts)
	}
	if s.CompletedTasks == nil {
		s.CompletedTasks = []CompletedTask{}
	}
	return nil
}

// DecodeState parses a stored state document.
func DecodeState(data []byte, maxVerifyAttempts int) (State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("decoding pipeline state: %w", err)
	}
	if err := s.normalize(maxVerifyAttempts); err != nil {
		return State{}, err
	}
	return s, nil
}

// The transition helpers below are pure: they return a new State and never
// touch storage.

func (s State) withCompleted(extra ...CompletedTask) State {
	s.CompletedTasks = append(append([]CompletedTask{}, s.CompletedTasks...), extra...)
	return s
}

func (s State) beginBatch(t tasks.Task, now string) State {
	next := NewState(s.MaxVerifyAttempts)
	next.Status = StatusPreflight
	next.CurrentTaskID = t.ID
	next.CurrentTaskTitle = t.Title
	next.Project = t.Project
	next.BatchStartedAt = now
	return next
}

func (s State) failed(msg string) State {
	s = s.withCompleted()
	s.Status = StatusFailed
	s.FailedTask = s.CurrentTaskID
	s.ErrorMessage = msg
	return s
}

func (s State) implementing() State {
	s = s.withCompleted()
	s.Status = StatusImplementing
	return s
}

func (s State) verifying(implSession string) State {
	s = s.withCompleted()
	s.Status = StatusVerifying
	s.ImplSessionKey = implSession
	s.VerifyAttempts = 1
	return s
}

func (s State) reverifying() State {
	s = s.withCompleted()
	s.VerifyAttempts++
	return s
}

func (s State) committing() State {
	s = s.withCompleted()
	s.Status = StatusCommitting
	return s
}

func (s State) advancedTo(t tasks.Task) State {
	s = s.withCompleted()
	s.Status = StatusImplementing
	s.CurrentTaskID = t.ID
	s.CurrentTaskTitle = t.Title
	s.Project = t.Project
	s.VerifyAttempts = 0
	s.ImplSessionKey = ""
	s.VerifySessionKey = ""
	return s
}

func (s State) finished() State {
	s = s.withCompleted()
	s.Status = StatusDone
	return s
}

// StateStore persists the pipeline state document.
type StateStore interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, s State) error
}

// FileStateStore keeps the state as an indented JSON file.
type FileStateStore struct {
	path              string
	maxVerifyAttempts int
}

// NewFileStateStore returns a store at path. maxVerifyAttempts seeds new states.
func NewFileStateStore(path string, maxVerifyAttempts int) *FileStateStore {
	return &FileStateStore{path: path, maxVerifyAttempts: maxVerifyAttempts}
}

// Load returns the stored state, or a fresh idle state when none exists.
func (f *FileStateStore) Load(_ context.Context) (State, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return NewState(f.maxVerifyAttempts), nil
	}
	if err != nil {
		return State{}, fmt.Errorf("reading pipeline state: %w", err)
	}
	return DecodeState(data, f.maxVerifyAttempts)
}

// Save overwrites the stored state.
func (f *FileStateStore) Save(_ context.Context, s State) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding pipeline state: %w", err)
	}
	if err := fileutil.WriteAtomic(f.path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing pipeline state: %w", err)
	}
	return nil
}
