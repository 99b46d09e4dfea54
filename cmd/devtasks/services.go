package main

import (
	"github.com/sasa-tomic/openclaw-lxd/internal/agent"
	"github.com/sasa-tomic/openclaw-lxd/internal/db"
	"github.com/sasa-tomic/openclaw-lxd/internal/lease"
	"github.com/sasa-tomic/openclaw-lxd/internal/pipeline"
	"github.com/sasa-tomic/openclaw-lxd/internal/tasks"
)

// services bundles the stores for one invocation. The pipeline state and
// agent registry live in PostgreSQL when a database URL is configured, and in
// JSON files under the state dir otherwise.
type services struct {
	tasks    *tasks.FileStore
	states   pipeline.StateStore
	registry agent.Store
	locker   pipeline.Locker
	history  *db.PipelineStore
}

func openTaskStore() (*tasks.FileStore, error) {
	if err := loadConfig(); err != nil {
		return nil, err
	}
	return tasks.NewFileStore(cfg.TasksDir), nil
}

func openServices() (*services, error) {
	ts, err := openTaskStore()
	if err != nil {
		return nil, err
	}
	s := &services{tasks: ts}

	if cfg.DatabaseURL != "" {
		if err := connectDB(); err != nil {
			return nil, err
		}
		ps := db.NewPipelineStore(pool, cfg.MaxVerifyAttempts)
		s.states = ps
		s.history = ps
		s.registry = db.NewRegistryStore(pool)
		s.locker = db.NewAdvisoryLock(pool, "devtasks")
		logger.Debug("using postgres backend")
		return s, nil
	}

	s.states = pipeline.NewFileStateStore(cfg.PipelineStatePath(), cfg.MaxVerifyAttempts)
	s.registry = agent.NewFileStore(cfg.RegistryPath())
	s.locker = lease.NewFile(cfg.LockPath(), cfg.LeaseStale())
	logger.Debug("using file backend", "state_dir", cfg.StateDir)
	return s, nil
}

func (s *services) controller() *pipeline.Controller {
	return pipeline.New(s.states, s.tasks, cfg,
		pipeline.WithLocker(s.locker),
		pipeline.WithLogger(logger.With("component", "pipeline")),
	)
}

func (s *services) manager() *agent.Manager {
	return agent.NewManager(s.registry, s.tasks,
		agent.WithLocker(s.locker),
		agent.WithMaxConcurrent(cfg.MaxConcurrentAgents),
		agent.WithStuckThreshold(cfg.StuckThreshold()),
		agent.WithLogger(logger.With("component", "agents")),
	)
}
