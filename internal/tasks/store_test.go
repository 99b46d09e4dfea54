package tasks

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	n := 0
	return NewFileStore(t.TempDir(),
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("t%07d", n)
		}),
		WithClock(func() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) }),
	)
}

func totalTasks(t *testing.T, s *FileStore) int {
	t.Helper()
	counts, err := s.Counts()
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	n := 0
	for _, c := range counts {
		n += c
	}
	return n
}

func TestInit_WritesHeaders(t *testing.T) {
	s := newTestStore(t)
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	for _, q := range Queues {
		data, err := os.ReadFile(s.Path(q))
		if err != nil {
			t.Fatalf("reading %s: %v", q, err)
		}
		if !strings.HasPrefix(string(data), q.Header()) {
			t.Errorf("%s file missing header: %q", q, data)
		}
	}
}

func TestList_MissingQueue(t *testing.T) {
	s := newTestStore(t)
	got, err := s.List(Blocked)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", got)
	}
}

func TestAdd_RoundTripAndSort(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Add("Low", "P3", "voki", "later"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Add("Mid A", "p2", "voki", "a"); err != nil {
		t.Fatal(err)
	}
	crit, err := s.Add("Fix bug", "P0", "decent-cloud", "ctx")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Add("Mid B", "P2", "voki", ""); err != nil {
		t.Fatal(err)
	}

	if crit.Created != "2026-05-01" {
		t.Errorf("Created = %q", crit.Created)
	}

	backlog, err := s.List(Backlog)
	if err != nil {
		t.Fatal(err)
	}
	var titles []string
	for _, task := range backlog {
		titles = append(titles, task.Title)
	}
	want := []string{"Fix bug", "Mid A", "Mid B", "Low"}
	if strings.Join(titles, ",") != strings.Join(want, ",") {
		t.Errorf("backlog order = %v, want %v", titles, want)
	}

	got := backlog[0]
	if got.ID != crit.ID || got.Title != "Fix bug" || got.Priority != P0 ||
		got.Project != "decent-cloud" || got.Context != "ctx" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if backlog[2].Context != "Task: Mid B" {
		t.Errorf("default context = %q", backlog[2].Context)
	}
}

func TestAdd_Validation(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Add("x", "P7", "p", ""); !errors.Is(err, ErrInvalidPriority) {
		t.Errorf("expected ErrInvalidPriority, got %v", err)
	}
	if _, err := s.Add("  ", "P1", "p", ""); err == nil {
		t.Error("expected error for empty title")
	}
}

func TestMove(t *testing.T) {
	s := newTestStore(t)
	a, _ := s.Add("A", "P1", "p", "")
	b, _ := s.Add("B", "P1", "p", "")
	before := totalTasks(t, s)

	moved, err := s.Move(b.ID, Backlog, InProgress, Update{StartedAt: Set("2026-05-01T10:00:00Z")})
	if err != nil {
		t.Fatalf("Move: %v", err)
	}
	if moved.StartedAt != "2026-05-01T10:00:00Z" {
		t.Errorf("update not applied: %+v", moved)
	}
	if _, err := s.Move(a.ID, Backlog, InProgress, Update{}); err != nil {
		t.Fatal(err)
	}

	inProgress, _ := s.List(InProgress)
	if len(inProgress) != 2 || inProgress[0].ID != a.ID || inProgress[1].ID != b.ID {
		t.Errorf("expected prepend order [A B], got %+v", inProgress)
	}
	if after := totalTasks(t, s); after != before {
		t.Errorf("task count changed: %d -> %d", before, after)
	}

	// Clearing a field.
	cleared, err := s.Move(b.ID, InProgress, Backlog, Update{StartedAt: Clear()})
	if err != nil {
		t.Fatal(err)
	}
	if cleared.StartedAt != "" {
		t.Errorf("StartedAt not cleared: %q", cleared.StartedAt)
	}
}

func TestMove_NotFound(t *testing.T) {
	s := newTestStore(t)
	a, _ := s.Add("A", "P1", "p", "")

	_, err := s.Move(a.ID, InProgress, Done, Update{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	backlog, _ := s.List(Backlog)
	if len(backlog) != 1 {
		t.Errorf("failed move mutated backlog: %+v", backlog)
	}
	done, _ := s.List(Done)
	if len(done) != 0 {
		t.Errorf("failed move wrote destination: %+v", done)
	}
}

func TestTop(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Top(Backlog); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty backlog: expected ErrNotFound, got %v", err)
	}

	s.Add("second P1", "P1", "p", "")
	s.Add("only P2", "P2", "p", "")
	s.Add("first P1 later", "P1", "p", "")

	top, err := s.Top(Backlog)
	if err != nil {
		t.Fatal(err)
	}
	all, _ := s.List(Backlog)
	for _, other := range all {
		if other.Priority < top.Priority {
			t.Errorf("Top returned %s but %s has higher priority", top.Priority, other.Priority)
		}
	}
	if top.Title != "second P1" {
		t.Errorf("tie should keep existing order, got %q", top.Title)
	}
}

func TestApproved(t *testing.T) {
	s := newTestStore(t)
	s.Add("p2", "P2", "p", "")
	s.Add("p1", "P1", "p", "")
	s.Add("p0", "P0", "p", "")
	s.Add("p3", "P3", "p", "")

	got, err := s.Approved()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Title != "p0" || got[1].Title != "p1" {
		t.Errorf("Approved = %+v", got)
	}
}

func TestFind(t *testing.T) {
	s := newTestStore(t)
	a, _ := s.Add("A", "P1", "p", "")
	s.Move(a.ID, Backlog, Blocked, Update{BlockedReason: Set("waiting")})

	got, q, err := s.Find(a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if q != Blocked || got.BlockedReason != "waiting" {
		t.Errorf("Find = %+v in %s", got, q)
	}
	if _, _, err := s.Find(a.ID, Backlog, InProgress); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound in restricted search, got %v", err)
	}
}

func TestReconcile_Duplicate(t *testing.T) {
	s := newTestStore(t)
	a, _ := s.Add("A", "P1", "p", "")
	s.Add("B", "P1", "p", "")

	if got, err := s.Reconcile(); err != nil || len(got) != 0 {
		t.Fatalf("clean store reported %v (err %v)", got, err)
	}

	// Simulate a crash after the destination write but before the source write.
	backlog, _ := s.List(Backlog)
	if err := s.write(Done, backlog[:1]); err != nil {
		t.Fatal(err)
	}

	got, err := s.Reconcile()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].TaskID != a.ID || got[0].Kind != AnomalyDuplicate {
		t.Fatalf("Reconcile = %+v", got)
	}
	if len(got[0].Queues) != 2 || got[0].Queues[0] != Backlog || got[0].Queues[1] != Done {
		t.Errorf("queues = %v", got[0].Queues)
	}
}

func TestParseQueue(t *testing.T) {
	tests := map[string]Queue{
		"backlog":     Backlog,
		"IN-PROGRESS": InProgress,
		"in_progress": InProgress,
		"Blocked":     Blocked,
		"done":        Done,
	}
	for in, want := range tests {
		got, err := ParseQueue(in)
		if err != nil || got != want {
			t.Errorf("ParseQueue(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseQueue("archive"); err == nil {
		t.Error("expected error for unknown queue")
	}
}

func TestAdd_MultiLineContextSurvives(t *testing.T) {
	s := newTestStore(t)
	ctx := "Parser returns 4.\nResult: should be 5\n## [P2] see upstream note\n- Blocked: not really\n\ntail line"
	added, err := s.Add("Fix parser", "P1", "proj", ctx)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := s.List(Backlog)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 task, got %d: %+v", len(got), got)
	}
	if got[0] != added {
		t.Errorf("round trip mismatch:\n got  %+v\n want %+v", got[0], added)
	}

	if _, err := s.Move(added.ID, Backlog, Done, Update{Result: Set("ok")}); err != nil {
		t.Fatalf("Move: %v", err)
	}
	done, q, err := s.Find(added.ID)
	if err != nil || q != Done || done.Context != ctx || done.Result != "ok" {
		t.Errorf("after move: %+v in %s, %v", done, q, err)
	}
	if n := totalTasks(t, s); n != 1 {
		t.Errorf("total tasks = %d, want 1", n)
	}
}

func TestList_HandWrittenIDIsStable(t *testing.T) {
	s := newTestStore(t)
	if err := os.MkdirAll(s.Dir(), 0o755); err != nil {
		t.Fatal(err)
	}
	doc := "## [P0] Hand added\nno fields at all\n"
	if err := os.WriteFile(s.Path(Backlog), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	first, err := s.List(Backlog)
	if err != nil || len(first) != 1 {
		t.Fatalf("List = %+v, %v", first, err)
	}
	second, _ := s.List(Backlog)
	if first[0].ID != second[0].ID {
		t.Fatalf("id changed between reads: %q then %q", first[0].ID, second[0].ID)
	}

	moved, err := s.Move(first[0].ID, Backlog, InProgress, Update{})
	if err != nil {
		t.Fatalf("Move: %v", err)
	}
	if moved.ID != first[0].ID {
		t.Errorf("moved id = %q, want %q", moved.ID, first[0].ID)
	}
}
