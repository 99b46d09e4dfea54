package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidState is returned when an operation is called from the wrong
	// pipeline status. Nothing is mutated.
	ErrInvalidState = errors.New("invalid pipeline state")
	// ErrInvalidVerdict is returned for a verification verdict outside the
	// known set.
	ErrInvalidVerdict = errors.New("invalid verdict")
)

// Action tells the executor what to do next.
type Action string

const (
	ActionPreflight     Action = "preflight"
	ActionImplement     Action = "implement"
	ActionVerify        Action = "verify"
	ActionCommit        Action = "commit"
	ActionStop          Action = "stop"
	ActionSkip          Action = "skip"
	ActionBatchComplete Action = "batch_complete"
	ActionReset         Action = "reset"
	ActionResume        Action = "resume"
	ActionNoResume      Action = "no_resume"
)

// Failure kinds carried by stop results.
const (
	FailureExternal         = "external_failure"
	FailureBlocked          = "blocked"
	FailureExhaustedRetries = "exhausted_retries"
)

// Verdict is the outcome of one verification pass.
type Verdict string

const (
	VerdictClean       Verdict = "clean"
	VerdictChangesMade Verdict = "changes_made"
	VerdictBlocked     Verdict = "blocked"
)

// ParseVerdict accepts the verdict names case-insensitively, with '-' or '_'.
func ParseVerdict(s string) (Verdict, error) {
	v := Verdict(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	switch v {
	case VerdictClean, VerdictChangesMade, VerdictBlocked:
		return v, nil
	}
	return "", fmt.Errorf("%w: %q (want clean, changes_made or blocked)", ErrInvalidVerdict, s)
}

// Result is the structured instruction returned by every controller
// operation. Fields irrelevant to the action are left empty.
type Result struct {
	Action  Action `json:"action"`
	Status  Status `json:"status,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Failure string `json:"failure,omitempty"`

	TaskID   string `json:"task_id,omitempty"`
	Title    string `json:"title,omitempty"`
	Project  string `json:"project,omitempty"`
	RepoPath string `json:"repo_path,omitempty"`

	Prompt      string `json:"prompt,omitempty"`
	Attempt     int    `json:"attempt,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`

	PreVerifyCommands []string `json:"pre_verify_commands,omitempty"`
	CommitMessage     string   `json:"commit_message,omitempty"`
	Commands          []string `json:"commands,omitempty"`

	CompletedTasks []CompletedTask `json:"completed_tasks,omitempty"`
	StartedAt      string          `json:"started_at,omitempty"`
	CompletedAt    string          `json:"completed_at,omitempty"`

	// Resume detection.
	PreviousState    Status   `json:"previous_state,omitempty"`
	UncommittedFiles []string `json:"uncommitted_files,omitempty"`
	Branch           string   `json:"branch,omitempty"`
	RecommendReset   bool     `json:"recommend_reset,omitempty"`
	Suggestion       string   `json:"suggestion,omitempty"`

	NextStep string `json:"next_step,omitempty"`
}
