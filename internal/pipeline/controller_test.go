package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/sasa-tomic/openclaw-lxd/internal/config"
	"github.com/sasa-tomic/openclaw-lxd/internal/git"
	"github.com/sasa-tomic/openclaw-lxd/internal/tasks"
)

var fixedNow = time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

type fakeWorkspace struct {
	status git.Status
	err    error
	calls  int
}

func (f *fakeWorkspace) Inspect(context.Context, string) (git.Status, error) {
	f.calls++
	return f.status, f.err
}

type harness struct {
	ctl    *Controller
	store  *tasks.FileStore
	states *FileStateStore
	ws     *fakeWorkspace
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	n := 0
	store := tasks.NewFileStore(filepath.Join(dir, "tasks"),
		tasks.WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("t%07d", n)
		}),
		tasks.WithClock(func() time.Time { return fixedNow }),
	)
	if err := store.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	cfg := config.Default()
	cfg.StateDir = filepath.Join(dir, "state")
	states := NewFileStateStore(cfg.PipelineStatePath(), cfg.MaxVerifyAttempts)
	ws := &fakeWorkspace{}
	ctl := New(states, store, cfg,
		WithWorkspace(ws),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return fixedNow }),
	)
	return &harness{ctl: ctl, store: store, states: states, ws: ws}
}

func (h *harness) add(t *testing.T, title, project, prio string) tasks.Task {
	t.Helper()
	task, err := h.store.Add(title, prio, project, "ctx for "+title)
	if err != nil {
		t.Fatalf("Add(%q): %v", title, err)
	}
	return task
}

func (h *harness) status(t *testing.T) State {
	t.Helper()
	st, err := h.ctl.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	return st
}

func (h *harness) queueOf(t *testing.T, id string) tasks.Queue {
	t.Helper()
	_, q, err := h.store.Find(id)
	if err != nil {
		t.Fatalf("Find(%s): %v", id, err)
	}
	return q
}

// must fails the test on error: must(t)(h.ctl.Start(ctx)).
func must(t *testing.T) func(Result, error) Result {
	t.Helper()
	return func(res Result, err error) Result {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return res
	}
}

// toVerifying drives a fresh task up to its first verification pass.
func (h *harness) toVerifying(t *testing.T) tasks.Task {
	t.Helper()
	ctx := context.Background()
	task := h.add(t, "Fix bug", "decent-cloud", "P0")
	must(t)(h.ctl.Start(ctx))
	must(t)(h.ctl.AfterPreflight(ctx, true, ""))
	must(t)(h.ctl.AfterImplementation(ctx, true, "sess1", ""))
	return task
}

func TestLifecycle_ExhaustedRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.add(t, "Fix bug", "decent-cloud", "P0")

	top, err := h.store.Top(tasks.Backlog)
	if err != nil || top.ID != task.ID {
		t.Fatalf("Top = %v, %v; want %s", top.ID, err, task.ID)
	}

	res := must(t)(h.ctl.Start(ctx))
	if res.Action != ActionPreflight || res.Status != StatusPreflight {
		t.Fatalf("Start = %+v", res)
	}
	if res.RepoPath != "/projects/decent-cloud" || !strings.Contains(res.Prompt, "cargo test") {
		t.Errorf("preflight result missing project settings: %+v", res)
	}
	if got := h.queueOf(t, task.ID); got != tasks.Backlog {
		t.Errorf("task moved before preflight succeeded: %s", got)
	}

	res = must(t)(h.ctl.AfterPreflight(ctx, true, ""))
	if res.Action != ActionImplement || h.status(t).Status != StatusImplementing {
		t.Fatalf("AfterPreflight = %+v", res)
	}
	if got := h.queueOf(t, task.ID); got != tasks.InProgress {
		t.Fatalf("task in %s, want in_progress", got)
	}

	res = must(t)(h.ctl.AfterImplementation(ctx, true, "sess1", ""))
	st := h.status(t)
	if res.Action != ActionVerify || st.Status != StatusVerifying || st.VerifyAttempts != 1 {
		t.Fatalf("AfterImplementation = %+v, state %+v", res, st)
	}
	if st.ImplSessionKey != "sess1" {
		t.Errorf("ImplSessionKey = %q", st.ImplSessionKey)
	}
	inProg, _, _ := h.store.Find(task.ID, tasks.InProgress)
	if inProg.AgentSession != "sess1" {
		t.Errorf("task AgentSession = %q", inProg.AgentSession)
	}

	for want := 2; want <= 3; want++ {
		res = must(t)(h.ctl.AfterVerification(ctx, VerdictChangesMade, "v"))
		st = h.status(t)
		if res.Action != ActionVerify || res.Attempt != want || st.VerifyAttempts != want || st.Status != StatusVerifying {
			t.Fatalf("changes_made #%d: res %+v state %+v", want-1, res, st)
		}
	}

	res = must(t)(h.ctl.AfterVerification(ctx, VerdictChangesMade, "v"))
	st = h.status(t)
	if res.Action != ActionStop || res.Failure != FailureExhaustedRetries {
		t.Fatalf("third changes_made = %+v", res)
	}
	if st.Status != StatusFailed || st.FailedTask != task.ID || st.VerifyAttempts != 3 {
		t.Errorf("state after exhaustion = %+v", st)
	}
	blocked, q, _ := h.store.Find(task.ID)
	if q != tasks.Blocked {
		t.Fatalf("task in %s, want blocked", q)
	}
	if !strings.Contains(blocked.BlockedReason, "3 attempts") {
		t.Errorf("BlockedReason = %q", blocked.BlockedReason)
	}
}

func TestLifecycle_CleanCommitCompletesBatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.toVerifying(t)

	res := must(t)(h.ctl.AfterVerification(ctx, VerdictClean, "v1"))
	if res.Action != ActionCommit || h.status(t).Status != StatusCommitting {
		t.Fatalf("clean verdict = %+v", res)
	}
	if !strings.HasPrefix(res.CommitMessage, "fix: Fix bug") {
		t.Errorf("CommitMessage = %q", res.CommitMessage)
	}
	if len(res.Commands) != 3 || !strings.HasPrefix(res.Commands[2], "git commit -m ") {
		t.Errorf("Commands = %v", res.Commands)
	}

	res = must(t)(h.ctl.AfterCommit(ctx, true, ""))
	if res.Action != ActionBatchComplete {
		t.Fatalf("AfterCommit = %+v", res)
	}
	want := []CompletedTask{{ID: task.ID, Title: "Fix bug"}}
	if !reflect.DeepEqual(res.CompletedTasks, want) {
		t.Errorf("CompletedTasks = %+v", res.CompletedTasks)
	}
	if h.status(t).Status != StatusDone {
		t.Errorf("status = %s, want done", h.status(t).Status)
	}
	done, q, _ := h.store.Find(task.ID)
	if q != tasks.Done || done.CompletedAt == "" {
		t.Errorf("task in %s with completed_at %q", q, done.CompletedAt)
	}
}

func TestAfterCommit_AdvancesToNextApproved(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.toVerifying(t)
	second := h.add(t, "Add feature", "voki", "P1")
	h.add(t, "Nice to have", "voki", "P2")

	must(t)(h.ctl.AfterVerification(ctx, VerdictClean, ""))
	res := must(t)(h.ctl.AfterCommit(ctx, true, ""))

	if res.Action != ActionImplement || res.TaskID != second.ID {
		t.Fatalf("AfterCommit = %+v, want implement %s", res, second.ID)
	}
	if res.RepoPath != "/projects/voice-ai-agent" {
		t.Errorf("RepoPath = %q", res.RepoPath)
	}
	st := h.status(t)
	if st.Status != StatusImplementing || st.CurrentTaskID != second.ID || st.VerifyAttempts != 0 {
		t.Errorf("state = %+v", st)
	}
	if len(st.CompletedTasks) != 1 || st.CompletedTasks[0].ID != first.ID {
		t.Errorf("CompletedTasks = %+v", st.CompletedTasks)
	}
	if h.queueOf(t, second.ID) != tasks.InProgress {
		t.Error("next task not moved to in_progress")
	}
}

func TestInvalidState_LeavesStateUnchanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.toVerifying(t)

	before, err := os.ReadFile(h.states.path)
	if err != nil {
		t.Fatal(err)
	}

	calls := []struct {
		name string
		fn   func() (Result, error)
	}{
		{"start", func() (Result, error) { return h.ctl.Start(ctx) }},
		{"after-preflight", func() (Result, error) { return h.ctl.AfterPreflight(ctx, true, "") }},
		{"after-impl", func() (Result, error) { return h.ctl.AfterImplementation(ctx, true, "s", "") }},
		{"after-commit", func() (Result, error) { return h.ctl.AfterCommit(ctx, true, "") }},
	}
	for _, c := range calls {
		t.Run(c.name, func(t *testing.T) {
			if _, err := c.fn(); !errors.Is(err, ErrInvalidState) {
				t.Fatalf("err = %v, want ErrInvalidState", err)
			}
			after, _ := os.ReadFile(h.states.path)
			if string(after) != string(before) {
				t.Errorf("state changed:\n%s\n---\n%s", before, after)
			}
		})
	}
}

func TestAfterVerification_InvalidVerdict(t *testing.T) {
	h := newHarness(t)
	h.toVerifying(t)
	_, err := h.ctl.AfterVerification(context.Background(), Verdict("maybe"), "")
	if !errors.Is(err, ErrInvalidVerdict) {
		t.Fatalf("err = %v, want ErrInvalidVerdict", err)
	}
	if h.status(t).Status != StatusVerifying {
		t.Error("invalid verdict changed state")
	}
}

func TestAfterVerification_BlockedVerdict(t *testing.T) {
	h := newHarness(t)
	task := h.toVerifying(t)
	res := must(t)(h.ctl.AfterVerification(context.Background(), VerdictBlocked, ""))
	if res.Action != ActionStop || res.Failure != FailureBlocked {
		t.Fatalf("res = %+v", res)
	}
	if h.queueOf(t, task.ID) != tasks.Blocked {
		t.Error("task not blocked")
	}
}

func TestAfterVerification_NormalizesVerdict(t *testing.T) {
	tests := []struct {
		verdict string
		want    Action
		status  Status
	}{
		{"Clean", ActionCommit, StatusCommitting},
		{" changes-made ", ActionVerify, StatusVerifying},
		{"BLOCKED", ActionStop, StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.verdict, func(t *testing.T) {
			h := newHarness(t)
			task := h.toVerifying(t)
			res := must(t)(h.ctl.AfterVerification(context.Background(), Verdict(tt.verdict), ""))
			if res.Action != tt.want || h.status(t).Status != tt.status {
				t.Fatalf("res = %+v, status %s", res, h.status(t).Status)
			}
			if tt.want != ActionStop && h.queueOf(t, task.ID) != tasks.InProgress {
				t.Error("task left in_progress")
			}
		})
	}
}

func TestStart_HandWrittenTaskWithoutID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := tasks.Backlog.Header() + "\n\n## [P0] Hand added\n- Project: voki\n- Context: typed in an editor\n"
	if err := os.WriteFile(h.store.Path(tasks.Backlog), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	res := must(t)(h.ctl.Start(ctx))
	if res.Action != ActionPreflight || res.TaskID == "" {
		t.Fatalf("Start = %+v", res)
	}
	id := res.TaskID

	res = must(t)(h.ctl.AfterPreflight(ctx, true, ""))
	if res.Action != ActionImplement || res.TaskID != id {
		t.Fatalf("AfterPreflight = %+v, want implement %s", res, id)
	}
	moved, q, err := h.store.Find(id)
	if err != nil || q != tasks.InProgress {
		t.Fatalf("Find(%s) = %s, %v", id, q, err)
	}
	if moved.Title != "Hand added" || moved.Context != "typed in an editor" {
		t.Errorf("moved task = %+v", moved)
	}
}

func TestStageFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("preflight leaves task in backlog", func(t *testing.T) {
		h := newHarness(t)
		task := h.add(t, "Fix bug", "decent-cloud", "P0")
		must(t)(h.ctl.Start(ctx))
		res := must(t)(h.ctl.AfterPreflight(ctx, false, "tests red"))
		if res.Action != ActionStop || res.Reason != "tests red" || res.Failure != FailureExternal {
			t.Fatalf("res = %+v", res)
		}
		if h.queueOf(t, task.ID) != tasks.Backlog {
			t.Error("task moved on preflight failure")
		}
		st := h.status(t)
		if st.Status != StatusFailed || st.ErrorMessage != "tests red" {
			t.Errorf("state = %+v", st)
		}
	})

	t.Run("implementation blocks task", func(t *testing.T) {
		h := newHarness(t)
		task := h.add(t, "Fix bug", "decent-cloud", "P0")
		must(t)(h.ctl.Start(ctx))
		must(t)(h.ctl.AfterPreflight(ctx, true, ""))
		res := must(t)(h.ctl.AfterImplementation(ctx, false, "", ""))
		if res.Reason != "Implementation failed" {
			t.Errorf("default reason = %q", res.Reason)
		}
		got, q, _ := h.store.Find(task.ID)
		if q != tasks.Blocked || got.BlockedReason != "Implementation failed" {
			t.Errorf("task in %s reason %q", q, got.BlockedReason)
		}
	})

	t.Run("commit leaves task in progress", func(t *testing.T) {
		h := newHarness(t)
		task := h.toVerifying(t)
		must(t)(h.ctl.AfterVerification(ctx, VerdictClean, ""))
		res := must(t)(h.ctl.AfterCommit(ctx, false, "hook rejected"))
		if res.Action != ActionStop {
			t.Fatalf("res = %+v", res)
		}
		if h.queueOf(t, task.ID) != tasks.InProgress {
			t.Error("task moved on commit failure")
		}
	})
}

func TestStart(t *testing.T) {
	ctx := context.Background()

	t.Run("skips without approved tasks", func(t *testing.T) {
		h := newHarness(t)
		h.add(t, "Later", "voki", "P2")
		res := must(t)(h.ctl.Start(ctx))
		if res.Action != ActionSkip {
			t.Fatalf("res = %+v", res)
		}
		if h.status(t).Status != StatusIdle {
			t.Error("skip changed state")
		}
	})

	t.Run("restarts after failure", func(t *testing.T) {
		h := newHarness(t)
		task := h.add(t, "Fix bug", "decent-cloud", "P0")
		must(t)(h.ctl.Start(ctx))
		must(t)(h.ctl.AfterPreflight(ctx, false, "boom"))
		res := must(t)(h.ctl.Start(ctx))
		if res.Action != ActionPreflight || res.TaskID != task.ID {
			t.Fatalf("res = %+v", res)
		}
		st := h.status(t)
		if st.ErrorMessage != "" || st.FailedTask != "" {
			t.Errorf("new batch kept failure fields: %+v", st)
		}
	})
}

func TestReset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.toVerifying(t)

	res := must(t)(h.ctl.Reset(ctx))
	if res.Action != ActionReset {
		t.Fatalf("res = %+v", res)
	}
	st := h.status(t)
	if st.Status != StatusIdle || len(st.CompletedTasks) != 0 || st.CurrentTaskID != "" {
		t.Errorf("state after reset = %+v", st)
	}
	if h.queueOf(t, task.ID) != tasks.InProgress {
		t.Error("reset moved the task")
	}
}

func TestResume(t *testing.T) {
	ctx := context.Background()

	t.Run("idle", func(t *testing.T) {
		h := newHarness(t)
		res := must(t)(h.ctl.Resume(ctx))
		if res.Action != ActionNoResume || h.ws.calls != 0 {
			t.Fatalf("res = %+v calls %d", res, h.ws.calls)
		}
	})

	t.Run("clean workspace", func(t *testing.T) {
		h := newHarness(t)
		h.toVerifying(t)
		res := must(t)(h.ctl.Resume(ctx))
		if res.Action != ActionNoResume || !strings.Contains(res.Reason, "no uncommitted changes") {
			t.Fatalf("res = %+v", res)
		}
	})

	t.Run("partial work", func(t *testing.T) {
		h := newHarness(t)
		h.toVerifying(t)
		h.ws.status = git.Status{Branch: "main", ChangedFiles: []string{"src/lib.rs"}}
		before := h.status(t)

		res := must(t)(h.ctl.Resume(ctx))
		if res.Action != ActionResume || res.PreviousState != StatusVerifying {
			t.Fatalf("res = %+v", res)
		}
		if !strings.Contains(res.Prompt, "src/lib.rs") || res.Branch != "main" {
			t.Errorf("prompt or branch missing: %+v", res)
		}
		if !strings.Contains(res.NextStep, "after-verify") {
			t.Errorf("NextStep = %q", res.NextStep)
		}
		if !reflect.DeepEqual(h.status(t), before) {
			t.Error("resume mutated state")
		}
	})

	t.Run("task missing", func(t *testing.T) {
		h := newHarness(t)
		task := h.toVerifying(t)
		if _, err := h.store.Move(task.ID, tasks.InProgress, tasks.Done, tasks.Update{}); err != nil {
			t.Fatal(err)
		}
		res := must(t)(h.ctl.Resume(ctx))
		if res.Action != ActionNoResume || !res.RecommendReset {
			t.Fatalf("res = %+v", res)
		}
		if h.status(t).Status != StatusVerifying {
			t.Error("resume reset the state")
		}
	})
}

func TestReconcile_FlagsMissingAndMisplaced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.toVerifying(t)

	got, err := h.ctl.Reconcile(ctx)
	if err != nil || len(got) != 0 {
		t.Fatalf("Reconcile = %v, %v; want none", got, err)
	}

	if _, err := h.store.Move(task.ID, tasks.InProgress, tasks.Backlog, tasks.Update{}); err != nil {
		t.Fatal(err)
	}
	got, _ = h.ctl.Reconcile(ctx)
	if len(got) != 1 || got[0].Kind != tasks.AnomalyMisplaced {
		t.Fatalf("Reconcile = %+v, want misplaced", got)
	}

	if err := os.WriteFile(h.store.Path(tasks.Backlog), []byte(tasks.Backlog.Header()), 0o644); err != nil {
		t.Fatal(err)
	}
	got, _ = h.ctl.Reconcile(ctx)
	if len(got) != 1 || got[0].Kind != tasks.AnomalyMissing || got[0].TaskID != task.ID {
		t.Fatalf("Reconcile = %+v, want missing", got)
	}
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		in      string
		want    Verdict
		wantErr bool
	}{
		{"clean", VerdictClean, false},
		{"CHANGES-MADE", VerdictChangesMade, false},
		{" blocked ", VerdictBlocked, false},
		{"ok", "", true},
	}
	for _, tt := range tests {
		got, err := ParseVerdict(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseVerdict(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestFileStateStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewFileStateStore(path, 5)

	st, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load missing: %v", err)
	}
	if st.Status != StatusIdle || st.MaxVerifyAttempts != 5 || st.CompletedTasks == nil {
		t.Errorf("fresh state = %+v", st)
	}

	if err := os.WriteFile(path, []byte(`{"status":"verifying","current_task_id":"abc","verify_attempts":2}`), 0o644); err != nil {
		t.Fatal(err)
	}
	st, err = s.Load(ctx)
	if err != nil {
		t.Fatalf("Load partial doc: %v", err)
	}
	if st.MaxVerifyAttempts != 5 || st.VerifyAttempts != 2 || st.CompletedTasks == nil {
		t.Errorf("defaults not filled: %+v", st)
	}

	os.WriteFile(path, []byte(`{"status":"sleeping"}`), 0o644)
	if _, err := s.Load(ctx); err == nil {
		t.Error("expected error for unknown status")
	}
}
