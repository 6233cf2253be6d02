package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/imgflow/credentials/model"
	"github.com/imgflow/credentials/pkg/logger"
	"github.com/imgflow/credentials/storage"
)

var (
	ErrAlreadyRegistered = errors.New("job id already registered")
	ErrNotFound          = errors.New("job not registered")
)

// Registry is the durable job_id -> job map. Every registered job has a
// persisted config file, so a restart rebuilds the registry from disk: any
// job still on disk is treated as still in flight.
type Registry struct {
	mu     sync.Mutex
	db     storage.Storage
	jobs   map[string]*model.Job
	logger logger.Logger
}

func New(db storage.Storage, l logger.Logger) *Registry {
	return &Registry{
		db:     db,
		jobs:   map[string]*model.Job{},
		logger: logger.EnsureLogger(l),
	}
}

func jobKey(id string) string {
	return id + ".json"
}

// Register persists the job config and adds the job. A duplicate id is
// rejected and the first registration is untouched.
func (r *Registry) Register(job *model.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[job.ID]; ok {
		return ErrAlreadyRegistered
	}

	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}

	key := jobKey(job.ID)
	if err := r.db.Set(key, raw); err != nil {
		return fmt.Errorf("cannot persist job config for %s: %w", job.ID, err)
	}

	if fs, ok := r.db.(*storage.FileStorage); ok {
		if path, err := fs.Path(key); err == nil {
			job.ConfigPath = path
		}
	}

	r.jobs[job.ID] = job
	return nil
}

// Unregister removes the job and deletes its persisted config. Removing an
// unknown id is a safe no-op.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.jobs, id)
	return r.db.Delete(jobKey(id))
}

// Lookup returns the registered job for id.
func (r *Registry) Lookup(id string) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job, nil
}

// Registered reports whether the id is currently registered.
func (r *Registry) Registered(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.jobs[id]
	return ok
}

// Count returns how many jobs are in flight.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// Restore scans the persisted-job-config directory and replays Register for
// every file found. Corrupt files are logged and skipped, never deleted.
func (r *Registry) Restore() (int, error) {
	keys, err := r.db.ListKeys("*")
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, key := range keys {
		if filepath.Ext(key) != ".json" {
			continue
		}

		raw, err := r.db.GetKey(key)
		if err != nil {
			r.logger.Error("cannot read persisted job config", "key", key, "error", err)
			continue
		}

		job := &model.Job{}
		if err := json.Unmarshal(raw, job); err != nil || job.ID == "" {
			r.logger.Error("persisted job config is corrupted, skipping", "key", key, "error", err)
			continue
		}

		if err := r.Register(job); err != nil {
			r.logger.Error("cannot replay job registration", "job_id", job.ID, "error", err)
			continue
		}
		restored++
	}

	return restored, nil
}
