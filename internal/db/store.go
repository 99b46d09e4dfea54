package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sasa-tomic/openclaw-lxd/internal/agent"
	"github.com/sasa-tomic/openclaw-lxd/internal/pipeline"
)

// loadDoc returns the single document row of table, or nil when absent.
func loadDoc(ctx context.Context, pool *pgxpool.Pool, table string) ([]byte, error) {
	var doc []byte
	err := pool.QueryRow(ctx, `SELECT doc FROM `+table+` WHERE id = 1`).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", table, err)
	}
	return doc, nil
}

const upsertDoc = `
	INSERT INTO %s (id, doc, updated_at) VALUES (1, $1, now())
	ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at
`

// PipelineStore keeps the pipeline state as one JSONB row and appends every
// saved state to pipeline_history.
type PipelineStore struct {
	pool              *pgxpool.Pool
	maxVerifyAttempts int
}

// NewPipelineStore returns a store on pool.
func NewPipelineStore(pool *pgxpool.Pool, maxVerifyAttempts int) *PipelineStore {
	return &PipelineStore{pool: pool, maxVerifyAttempts: maxVerifyAttempts}
}

// Load returns the stored state, or a fresh idle state.
func (s *PipelineStore) Load(ctx context.Context) (pipeline.State, error) {
	doc, err := loadDoc(ctx, s.pool, "pipeline_state")
	if err != nil {
		return pipeline.State{}, err
	}
	if doc == nil {
		return pipeline.NewState(s.maxVerifyAttempts), nil
	}
	return pipeline.DecodeState(doc, s.maxVerifyAttempts)
}

// Save replaces the stored state.
func (s *PipelineStore) Save(ctx context.Context, st pipeline.State) error {
	doc, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding pipeline state: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf(upsertDoc, "pipeline_state"), doc); err != nil {
		return fmt.Errorf("saving pipeline state: %w", err)
	}
	var taskID *string
	if st.CurrentTaskID != "" {
		taskID = &st.CurrentTaskID
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO pipeline_history (status, task_id, doc) VALUES ($1, $2, $3)
	`, string(st.Status), taskID, doc); err != nil {
		return fmt.Errorf("recording pipeline history: %w", err)
	}
	return tx.Commit(ctx)
}

// HistoryEntry is one saved pipeline transition.
type HistoryEntry struct {
	ID        int64     `json:"id"`
	Status    string    `json:"status"`
	TaskID    *string   `json:"task_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// History returns the most recent transitions, newest first.
func (s *PipelineStore) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, status, task_id, created_at
		FROM pipeline_history
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying pipeline history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(&h.ID, &h.Status, &h.TaskID, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning history: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history: %w", err)
	}
	return out, nil
}

// RegistryStore keeps the agent registry as one JSONB row.
type RegistryStore struct {
	pool *pgxpool.Pool
}

// NewRegistryStore returns a store on pool.
func NewRegistryStore(pool *pgxpool.Pool) *RegistryStore {
	return &RegistryStore{pool: pool}
}

func (s *RegistryStore) Load(ctx context.Context) (*agent.Registry, error) {
	doc, err := loadDoc(ctx, s.pool, "agent_registry")
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return agent.NewRegistry(), nil
	}
	return agent.Decode(doc)
}

func (s *RegistryStore) Save(ctx context.Context, r *agent.Registry) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding agent registry: %w", err)
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(upsertDoc, "agent_registry"), doc); err != nil {
		return fmt.Errorf("saving agent registry: %w", err)
	}
	return nil
}

// AdvisoryKey derives a stable pg_advisory_lock key from name.
func AdvisoryKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}

// AdvisoryLock is a session-level pg_advisory_lock held on a dedicated
// connection until released.
type AdvisoryLock struct {
	pool *pgxpool.Pool
	key  int64
}

// NewAdvisoryLock returns a lock on the key derived from name.
func NewAdvisoryLock(pool *pgxpool.Pool, name string) *AdvisoryLock {
	return &AdvisoryLock{pool: pool, key: AdvisoryKey(name)}
}

// Lock blocks until the lock is held or ctx is done.
func (l *AdvisoryLock) Lock(ctx context.Context) (func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, l.key); err != nil {
		conn.Release()
		return nil, fmt.Errorf("taking advisory lock: %w", err)
	}
	return func() {
		// ctx may be done by now.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, l.key); err != nil {
			// Closing the connection drops any session lock it held.
			conn.Conn().Close(ctx)
		}
		conn.Release()
	}, nil
}
