package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sasa-tomic/openclaw-lxd/internal/config"
	"github.com/sasa-tomic/openclaw-lxd/internal/git"
	"github.com/sasa-tomic/openclaw-lxd/internal/prompt"
	"github.com/sasa-tomic/openclaw-lxd/internal/tasks"
)

// TaskStore is the subset of the task store the controller drives.
type TaskStore interface {
	Approved() ([]tasks.Task, error)
	Find(id string, queues ...tasks.Queue) (tasks.Task, tasks.Queue, error)
	Move(id string, from, to tasks.Queue, u tasks.Update) (tasks.Task, error)
	Reconcile() ([]tasks.Anomaly, error)
}

// Locker serializes load-mutate-save cycles across processes.
type Locker interface {
	Lock(ctx context.Context) (func(), error)
}

// Workspace reads a repository's working tree.
type Workspace interface {
	Inspect(ctx context.Context, repoPath string) (git.Status, error)
}

type nopLocker struct{}

func (nopLocker) Lock(context.Context) (func(), error) { return func() {}, nil }

// Controller drives one task at a time through preflight, implementation,
// verification and commit. It never runs agents or git commands itself; every
// call returns a Result telling the executor what to do next.
type Controller struct {
	states    StateStore
	tasks     TaskStore
	cfg       *config.Config
	workspace Workspace
	locker    Locker
	log       *slog.Logger
	now       func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

func WithWorkspace(w Workspace) Option { return func(c *Controller) { c.workspace = w } }
func WithLocker(l Locker) Option       { return func(c *Controller) { c.locker = l } }
func WithLogger(l *slog.Logger) Option { return func(c *Controller) { c.log = l } }
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New returns a controller over the given stores.
func New(states StateStore, ts TaskStore, cfg *config.Config, opts ...Option) *Controller {
	c := &Controller{
		states:    states,
		tasks:     ts,
		cfg:       cfg,
		workspace: git.Inspector{},
		locker:    nopLocker{},
		log:       slog.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Controller) stamp() string { return c.now().Format(time.RFC3339) }

func (c *Controller) maxAttempts(st State) int {
	if st.MaxVerifyAttempts > 0 {
		return st.MaxVerifyAttempts
	}
	if c.cfg.MaxVerifyAttempts > 0 {
		return c.cfg.MaxVerifyAttempts
	}
	return DefaultMaxVerifyAttempts
}

// step computes the next state and result from the current state. A nil next
// state means nothing is persisted. A non-nil next state is persisted even
// when err is set, so partial progress in the task store is never lost.
type step func(st State) (next *State, res Result, err error)

func (c *Controller) transact(ctx context.Context, op string, fn step) (Result, error) {
	release, err := c.locker.Lock(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}
	defer release()

	st, err := c.states.Load(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("%s: loading state: %w", op, err)
	}

	next, res, stepErr := fn(st)
	if next != nil {
		if err := c.states.Save(ctx, *next); err != nil {
			return Result{}, fmt.Errorf("%s: saving state: %w", op, err)
		}
		if next.Status != st.Status {
			c.log.Info("pipeline transition",
				"op", op, "from", st.Status, "to", next.Status, "task", next.CurrentTaskID)
		}
	}
	if stepErr != nil {
		return Result{}, fmt.Errorf("%s: %w", op, stepErr)
	}
	if res.Status == "" && next != nil {
		res.Status = next.Status
	}
	return res, nil
}

func expect(st State, want Status) error {
	if st.Status != want {
		return fmt.Errorf("%w: expected %s, pipeline is %s", ErrInvalidState, want, st.Status)
	}
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func (c *Controller) stop(next State, reason, failure string) (*State, Result, error) {
	return &next, Result{
		Action:  ActionStop,
		Reason:  reason,
		Failure: failure,
		TaskID:  next.CurrentTaskID,
		Title:   next.CurrentTaskTitle,
	}, nil
}

// blockCurrent moves the current task to Blocked with reason and fails the
// pipeline.
func (c *Controller) blockCurrent(st State, reason, failure string) (*State, Result, error) {
	if _, err := c.tasks.Move(st.CurrentTaskID, tasks.InProgress, tasks.Blocked,
		tasks.Update{BlockedReason: tasks.Set(reason)}); err != nil {
		return nil, Result{}, err
	}
	c.log.Warn("task blocked", "task", st.CurrentTaskID, "reason", reason)
	return c.stop(st.failed(reason), reason, failure)
}

func (c *Controller) implementResult(t tasks.Task, p config.Project, next string) Result {
	return Result{
		Action:   ActionImplement,
		TaskID:   t.ID,
		Title:    t.Title,
		Project:  t.Project,
		RepoPath: p.RepoPath,
		Prompt:   prompt.Implementation(t, p),
		NextStep: next,
	}
}

func (c *Controller) verifyResult(t tasks.Task, p config.Project, attempt, limit int) Result {
	return Result{
		Action:            ActionVerify,
		TaskID:            t.ID,
		Title:             t.Title,
		Project:           t.Project,
		RepoPath:          p.RepoPath,
		Attempt:           attempt,
		MaxAttempts:       limit,
		Prompt:            prompt.Verification(t, p, attempt, limit),
		PreVerifyCommands: prompt.PreVerifyCommands(p),
		NextStep:          "devtasks pipeline after-verify <clean|changes_made|blocked> [session-key]",
	}
}

const nextAfterImpl = "devtasks pipeline after-impl <true|false> [session-key] [error]"

// Start begins a batch with the first approved backlog task.
func (c *Controller) Start(ctx context.Context) (Result, error) {
	return c.transact(ctx, "start", func(st State) (*State, Result, error) {
		if !st.Status.Resting() {
			return nil, Result{}, fmt.Errorf("%w: a batch is already %s", ErrInvalidState, st.Status)
		}
		approved, err := c.tasks.Approved()
		if err != nil {
			return nil, Result{}, err
		}
		if len(approved) == 0 {
			return nil, Result{Action: ActionSkip, Status: st.Status, Reason: "No approved tasks (P0/P1) in backlog"}, nil
		}

		t := approved[0]
		st.MaxVerifyAttempts = c.cfg.MaxVerifyAttempts
		next := st.beginBatch(t, c.stamp())
		p := c.cfg.Project(t.Project)
		return &next, Result{
			Action:   ActionPreflight,
			TaskID:   t.ID,
			Title:    t.Title,
			Project:  t.Project,
			RepoPath: p.RepoPath,
			Prompt:   prompt.Preflight(p),
			NextStep: "devtasks pipeline after-preflight <true|false> [error]",
		}, nil
	})
}

// AfterPreflight reports the preflight outcome. On success the current task
// moves from Backlog to In Progress.
func (c *Controller) AfterPreflight(ctx context.Context, success bool, errMsg string) (Result, error) {
	return c.transact(ctx, "after-preflight", func(st State) (*State, Result, error) {
		if err := expect(st, StatusPreflight); err != nil {
			return nil, Result{}, err
		}
		if !success {
			reason := orDefault(errMsg, "Preflight failed")
			return c.stop(st.failed(reason), reason, FailureExternal)
		}

		t, err := c.tasks.Move(st.CurrentTaskID, tasks.Backlog, tasks.InProgress,
			tasks.Update{StartedAt: tasks.Set(c.stamp())})
		if err != nil {
			return nil, Result{}, err
		}
		next := st.implementing()
		return &next, c.implementResult(t, c.cfg.Project(t.Project), nextAfterImpl), nil
	})
}

// AfterImplementation reports the implementation outcome. On success the
// first verification pass is requested.
func (c *Controller) AfterImplementation(ctx context.Context, success bool, sessionKey, errMsg string) (Result, error) {
	return c.transact(ctx, "after-impl", func(st State) (*State, Result, error) {
		if err := expect(st, StatusImplementing); err != nil {
			return nil, Result{}, err
		}
		if !success {
			return c.blockCurrent(st, orDefault(errMsg, "Implementation failed"), FailureExternal)
		}

		var (
			t   tasks.Task
			err error
		)
		if sessionKey != "" {
			t, err = c.tasks.Move(st.CurrentTaskID, tasks.InProgress, tasks.InProgress,
				tasks.Update{AgentSession: tasks.Set(sessionKey)})
		} else {
			t, _, err = c.tasks.Find(st.CurrentTaskID, tasks.InProgress)
		}
		if err != nil {
			return nil, Result{}, err
		}

		next := st.verifying(sessionKey)
		limit := c.maxAttempts(next)
		return &next, c.verifyResult(t, c.cfg.Project(t.Project), 1, limit), nil
	})
}

// AfterVerification reports a verification verdict. A clean verdict requests
// the commit; changes_made requests another pass until the attempt bound is
// reached, after which the task is blocked.
func (c *Controller) AfterVerification(ctx context.Context, verdict Verdict, sessionKey string) (Result, error) {
	v, err := ParseVerdict(string(verdict))
	if err != nil {
		return Result{}, err
	}
	return c.transact(ctx, "after-verify", func(st State) (*State, Result, error) {
		if err := expect(st, StatusVerifying); err != nil {
			return nil, Result{}, err
		}
		t, _, err := c.tasks.Find(st.CurrentTaskID, tasks.InProgress)
		if err != nil {
			return nil, Result{}, err
		}
		st.VerifySessionKey = sessionKey
		p := c.cfg.Project(t.Project)
		limit := c.maxAttempts(st)

		switch v {
		case VerdictClean:
			next := st.committing()
			msg := prompt.CommitMessage(t)
			return &next, Result{
				Action:        ActionCommit,
				TaskID:        t.ID,
				Title:         t.Title,
				Project:       t.Project,
				RepoPath:      p.RepoPath,
				CommitMessage: msg,
				Commands:      prompt.CommitCommands(t, p),
				NextStep:      "devtasks pipeline after-commit <true|false> [error]",
			}, nil

		case VerdictChangesMade:
			if st.VerifyAttempts >= limit {
				reason := fmt.Sprintf("Verification failed after %d attempts", st.VerifyAttempts)
				return c.blockCurrent(st, reason, FailureExhaustedRetries)
			}
			next := st.reverifying()
			return &next, c.verifyResult(t, p, next.VerifyAttempts, limit), nil

		default:
			return c.blockCurrent(st, "Verification found blocking issues", FailureBlocked)
		}
	})
}

// AfterCommit reports the commit outcome. On success the task moves to Done
// and the next approved task, if any, goes straight to implementation without
// another preflight.
func (c *Controller) AfterCommit(ctx context.Context, success bool, errMsg string) (Result, error) {
	return c.transact(ctx, "after-commit", func(st State) (*State, Result, error) {
		if err := expect(st, StatusCommitting); err != nil {
			return nil, Result{}, err
		}
		if !success {
			reason := orDefault(errMsg, "Commit failed")
			return c.stop(st.failed(reason), reason, FailureExternal)
		}

		now := c.stamp()
		done, err := c.tasks.Move(st.CurrentTaskID, tasks.InProgress, tasks.Done, tasks.Update{
			CompletedAt: tasks.Set(now),
			Result:      tasks.Set("Implemented and verified automatically"),
		})
		if err != nil {
			return nil, Result{}, err
		}
		c.log.Info("task done", "task", done.ID, "title", done.Title)
		st = st.withCompleted(CompletedTask{ID: done.ID, Title: done.Title})

		approved, err := c.tasks.Approved()
		if err != nil {
			failed := st.failed("listing approved tasks: " + err.Error())
			return &failed, Result{}, err
		}
		if len(approved) == 0 {
			next := st.finished()
			return &next, Result{
				Action:         ActionBatchComplete,
				CompletedTasks: next.CompletedTasks,
				StartedAt:      next.BatchStartedAt,
				CompletedAt:    now,
			}, nil
		}

		t, err := c.tasks.Move(approved[0].ID, tasks.Backlog, tasks.InProgress,
			tasks.Update{StartedAt: tasks.Set(now)})
		if err != nil {
			failed := st.failed("starting next task: " + err.Error())
			return &failed, Result{}, err
		}
		next := st.advancedTo(t)
		res := c.implementResult(t, c.cfg.Project(t.Project), nextAfterImpl)
		res.CompletedTasks = next.CompletedTasks
		return &next, res, nil
	})
}

// Status returns the stored state without changing it.
func (c *Controller) Status(ctx context.Context) (State, error) {
	st, err := c.states.Load(ctx)
	if err != nil {
		return State{}, fmt.Errorf("status: %w", err)
	}
	return st, nil
}

// Reset overwrites the state with a fresh idle state. Task placement is left
// untouched.
func (c *Controller) Reset(ctx context.Context) (Result, error) {
	return c.transact(ctx, "reset", func(st State) (*State, Result, error) {
		next := NewState(c.cfg.MaxVerifyAttempts)
		return &next, Result{Action: ActionReset, Reason: "Pipeline state reset to idle"}, nil
	})
}

// nextStepFor names the command that continues a resumed phase.
func nextStepFor(s Status) string {
	switch s {
	case StatusPreflight:
		return "devtasks pipeline after-preflight <true|false> [error]"
	case StatusVerifying:
		return "devtasks pipeline after-verify <clean|changes_made|blocked> [session-key]"
	case StatusCommitting:
		return "devtasks pipeline after-commit <true|false> [error]"
	case StatusFailed:
		return "devtasks pipeline reset, then devtasks pipeline start"
	default:
		return nextAfterImpl
	}
}

// Resume inspects the current task's repository for uncommitted work left by
// a timed-out agent. It is read-only: neither state nor tasks change.
func (c *Controller) Resume(ctx context.Context) (Result, error) {
	st, err := c.states.Load(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("resume: %w", err)
	}
	if st.Status == StatusIdle || st.Status == StatusDone || st.CurrentTaskID == "" {
		return Result{
			Action:     ActionNoResume,
			Status:     st.Status,
			Reason:     fmt.Sprintf("No partial work (status: %s)", st.Status),
			Suggestion: "devtasks pipeline start",
		}, nil
	}

	t, _, err := c.tasks.Find(st.CurrentTaskID, tasks.InProgress, tasks.Backlog)
	if errors.Is(err, tasks.ErrNotFound) {
		return Result{
			Action:         ActionNoResume,
			Status:         st.Status,
			TaskID:         st.CurrentTaskID,
			Reason:         fmt.Sprintf("Task %s not found in backlog or in-progress", st.CurrentTaskID),
			RecommendReset: true,
			Suggestion:     "devtasks pipeline reset",
		}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("resume: %w", err)
	}

	p := c.cfg.Project(t.Project)
	base := Result{Action: ActionNoResume, Status: st.Status, TaskID: t.ID, Title: t.Title, Project: t.Project}
	if p.RepoPath == "" {
		base.Reason = "No repo path configured for project " + t.Project
		return base, nil
	}
	base.RepoPath = p.RepoPath

	ws, err := c.workspace.Inspect(ctx, p.RepoPath)
	if err != nil {
		c.log.Warn("workspace inspection failed", "repo", p.RepoPath, "err", err)
		base.Reason = "Could not inspect workspace: " + err.Error()
		return base, nil
	}
	if !ws.HasChanges() {
		base.Reason = fmt.Sprintf("State is %s but no uncommitted changes found", st.Status)
		base.Suggestion = "Previous work may have been lost or already committed"
		return base, nil
	}

	return Result{
		Action:           ActionResume,
		Status:           st.Status,
		TaskID:           t.ID,
		Title:            t.Title,
		Project:          t.Project,
		RepoPath:         p.RepoPath,
		PreviousState:    st.Status,
		Attempt:          st.VerifyAttempts,
		MaxAttempts:      c.maxAttempts(st),
		UncommittedFiles: ws.ChangedFiles,
		Branch:           ws.Branch,
		Prompt:           prompt.Resume(t, p, string(st.Status), st.VerifyAttempts, ws.ChangedFiles),
		NextStep:         nextStepFor(st.Status),
	}, nil
}

// expectedQueue is where the current task should sit for an active status.
func expectedQueue(s Status) (tasks.Queue, bool) {
	switch s {
	case StatusPreflight:
		return tasks.Backlog, true
	case StatusImplementing, StatusVerifying, StatusCommitting:
		return tasks.InProgress, true
	}
	return "", false
}

// Reconcile reports queue anomalies: tasks in more than one queue, plus the
// pipeline's current task when it is missing or not where its status expects.
// It never repairs anything.
func (c *Controller) Reconcile(ctx context.Context) ([]tasks.Anomaly, error) {
	out, err := c.tasks.Reconcile()
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	st, err := c.states.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	want, active := expectedQueue(st.Status)
	if !active || st.CurrentTaskID == "" {
		return out, nil
	}

	_, q, err := c.tasks.Find(st.CurrentTaskID)
	switch {
	case errors.Is(err, tasks.ErrNotFound):
		out = append(out, tasks.Anomaly{
			TaskID: st.CurrentTaskID,
			Title:  st.CurrentTaskTitle,
			Kind:   tasks.AnomalyMissing,
		})
	case err != nil:
		return nil, fmt.Errorf("reconcile: %w", err)
	case q != want:
		out = append(out, tasks.Anomaly{
			TaskID: st.CurrentTaskID,
			Title:  st.CurrentTaskTitle,
			Kind:   tasks.AnomalyMisplaced,
			Queues: []tasks.Queue{q},
		})
	}
	return out, nil
}
