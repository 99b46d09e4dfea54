package tasks

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sasa-tomic/openclaw-lxd/internal/fileutil"
)

// DateLayout is the format of the Created field.
const DateLayout = "2006-01-02"

// UnknownProject is assigned to hand-written tasks that name no project.
const UnknownProject = "unknown"

// FileStore keeps each queue as a markdown file in one directory. Every call
// re-reads the affected queues and rewrites them whole.
//
// A move rewrites two files one after the other. Each rewrite is atomic, the
// pair is not: a crash between them leaves the task in both queues or, if the
// destination write is the one lost, only in the source. Reconcile reports
// the duplicate case.
type FileStore struct {
	dir   string
	newID func() string
	now   func() time.Time
}

// StoreOption configures a FileStore.
type StoreOption func(*FileStore)

// WithIDGenerator overrides task id generation.
func WithIDGenerator(f func() string) StoreOption {
	return func(s *FileStore) { s.newID = f }
}

// WithClock overrides the clock used for Created dates.
func WithClock(now func() time.Time) StoreOption {
	return func(s *FileStore) { s.now = now }
}

// NewFileStore returns a store rooted at dir.
func NewFileStore(dir string, opts ...StoreOption) *FileStore {
	s := &FileStore{dir: dir, newID: NewID, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NewID returns a short random task id.
func NewID() string {
	return uuid.NewString()[:8]
}

// Dir returns the directory holding the queue files.
func (s *FileStore) Dir() string { return s.dir }

// Path returns the file backing q.
func (s *FileStore) Path(q Queue) string {
	return filepath.Join(s.dir, q.FileName())
}

// Init writes an empty, headed file for every queue that does not exist yet.
func (s *FileStore) Init() error {
	for _, q := range Queues {
		if _, err := os.Stat(s.Path(q)); err == nil {
			continue
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("checking %s: %w", q, err)
		}
		if err := s.write(q, nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileStore) defaults() Defaults {
	return Defaults{
		Today:   func() string { return s.now().Format(DateLayout) },
		Project: UnknownProject,
	}
}

// List parses one queue. A missing file is an empty queue.
func (s *FileStore) List(q Queue) ([]Task, error) {
	data, err := os.ReadFile(s.Path(q))
	if errors.Is(err, os.ErrNotExist) {
		return []Task{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s queue: %w", q, err)
	}
	return Parse(string(data), s.defaults()), nil
}

func (s *FileStore) write(q Queue, ts []Task) error {
	doc := FormatQueue(q.Header(), ts)
	if err := fileutil.WriteAtomic(s.Path(q), []byte(doc), 0o644); err != nil {
		return fmt.Errorf("writing %s queue: %w", q, err)
	}
	return nil
}

// Add inserts a new task into the backlog and re-sorts it by priority.
func (s *FileStore) Add(title, priority, project, context string) (Task, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return Task{}, errors.New("task title is required")
	}
	prio, err := NormalizePriority(priority)
	if err != nil {
		return Task{}, err
	}
	project = strings.TrimSpace(project)
	if project == "" {
		project = UnknownProject
	}
	if strings.TrimSpace(context) == "" {
		context = "Task: " + title
	}

	t := Task{
		ID:       s.newID(),
		Title:    title,
		Priority: prio,
		Project:  project,
		Created:  s.now().Format(DateLayout),
		Context:  context,
	}

	backlog, err := s.List(Backlog)
	if err != nil {
		return Task{}, err
	}
	backlog = append(backlog, t)
	SortByPriority(backlog)

	if err := s.write(Backlog, backlog); err != nil {
		return Task{}, err
	}
	return t, nil
}

// SortByPriority orders tasks P0 first, keeping the existing order among equals.
func SortByPriority(ts []Task) {
	sort.SliceStable(ts, func(i, j int) bool { return ts[i].Priority < ts[j].Priority })
}

// Move takes the task out of from, applies u, puts it at the top of to and
// rewrites both queues, source first.
func (s *FileStore) Move(id string, from, to Queue, u Update) (Task, error) {
	if u.Priority != nil {
		prio, err := NormalizePriority(*u.Priority)
		if err != nil {
			return Task{}, err
		}
		u.Priority = &prio
	}

	src, err := s.List(from)
	if err != nil {
		return Task{}, err
	}

	var (
		task      Task
		found     bool
		remaining = make([]Task, 0, len(src))
	)
	for _, t := range src {
		if !found && t.ID == id {
			task, found = t, true
			continue
		}
		remaining = append(remaining, t)
	}
	if !found {
		return Task{}, fmt.Errorf("%w: %s in %s", ErrNotFound, id, from)
	}
	u.apply(&task)

	if from == to {
		if err := s.write(to, append([]Task{task}, remaining...)); err != nil {
			return Task{}, err
		}
		return task, nil
	}

	dst, err := s.List(to)
	if err != nil {
		return Task{}, err
	}
	dst = append([]Task{task}, dst...)

	if err := s.write(from, remaining); err != nil {
		return Task{}, err
	}
	if err := s.write(to, dst); err != nil {
		return Task{}, fmt.Errorf("task %s removed from %s but not written to %s: %w", id, from, to, err)
	}
	return task, nil
}

// Top returns the highest-priority task of q, earliest on ties.
func (s *FileStore) Top(q Queue) (Task, error) {
	ts, err := s.List(q)
	if err != nil {
		return Task{}, err
	}
	if len(ts) == 0 {
		return Task{}, fmt.Errorf("%w: %s is empty", ErrNotFound, q)
	}
	best := ts[0]
	for _, t := range ts[1:] {
		if t.Priority < best.Priority {
			best = t
		}
	}
	return best, nil
}

// Approved returns backlog tasks eligible for pipeline intake, in store order.
func (s *FileStore) Approved() ([]Task, error) {
	ts, err := s.List(Backlog)
	if err != nil {
		return nil, err
	}
	var out []Task
	for _, t := range ts {
		if IsApproved(t.Priority) {
			out = append(out, t)
		}
	}
	return out, nil
}

// Find looks for id in the given queues in order (all queues when none given)
// and returns the first hit.
func (s *FileStore) Find(id string, queues ...Queue) (Task, Queue, error) {
	if len(queues) == 0 {
		queues = Queues
	}
	for _, q := range queues {
		ts, err := s.List(q)
		if err != nil {
			return Task{}, "", err
		}
		for _, t := range ts {
			if t.ID == id {
				return t, q, nil
			}
		}
	}
	return Task{}, "", fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Anomaly is a task whose placement breaks the one-queue invariant.
type Anomaly struct {
	TaskID string  `json:"task_id"`
	Title  string  `json:"title,omitempty"`
	Kind   string  `json:"kind"`
	Queues []Queue `json:"queues,omitempty"`
}

// Anomaly kinds.
const (
	AnomalyDuplicate = "duplicate"
	AnomalyMissing   = "missing"
	AnomalyMisplaced = "misplaced"
)

// Reconcile scans every queue for tasks present in more than one of them.
// It only reports; resolving is left to the operator.
func (s *FileStore) Reconcile() ([]Anomaly, error) {
	seen := map[string]*Anomaly{}
	var order []string
	for _, q := range Queues {
		ts, err := s.List(q)
		if err != nil {
			return nil, err
		}
		for _, t := range ts {
			a, ok := seen[t.ID]
			if !ok {
				a = &Anomaly{TaskID: t.ID, Title: t.Title, Kind: AnomalyDuplicate}
				seen[t.ID] = a
				order = append(order, t.ID)
			}
			a.Queues = append(a.Queues, q)
		}
	}

	var out []Anomaly
	for _, id := range order {
		if a := seen[id]; len(a.Queues) > 1 {
			out = append(out, *a)
		}
	}
	return out, nil
}

// Counts returns the number of tasks per queue.
func (s *FileStore) Counts() (map[Queue]int, error) {
	out := make(map[Queue]int, len(Queues))
	for _, q := range Queues {
		ts, err := s.List(q)
		if err != nil {
			return nil, err
		}
		out[q] = len(ts)
	}
	return out, nil
}
