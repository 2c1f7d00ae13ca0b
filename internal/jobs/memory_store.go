package jobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory jobs store for development and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	apps map[string]*Application
}

// NewMemoryStore creates a new in-memory jobs store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*Job),
		apps: make(map[string]*Application),
	}
}

func (m *MemoryStore) CreateJob(ctx context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) ListOpenJobs(ctx context.Context, categoryID string, limit int) ([]*Job, error) {
	return m.listJobs(func(j *Job) bool {
		return j.Status == JobOpen && (categoryID == "" || j.CategoryID == categoryID)
	}, limit), nil
}

func (m *MemoryStore) ListJobsByClient(ctx context.Context, clientID string, limit int) ([]*Job, error) {
	return m.listJobs(func(j *Job) bool { return j.ClientID == clientID }, limit), nil
}

func (m *MemoryStore) ListJobsExpiringBefore(ctx context.Context, t time.Time) ([]*Job, error) {
	return m.listJobs(func(j *Job) bool { return j.Status == JobOpen && !t.Before(j.ExpiresAt) }, 0), nil
}

func (m *MemoryStore) UpdateJob(ctx context.Context, j *Job, from JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[j.ID]
	if !ok {
		return ErrJobNotFound
	}
	if cur.Status != from {
		return ErrStatusConflict
	}
	cp := *j
	cp.ApplicantCount = cur.ApplicantCount
	m.jobs[j.ID] = &cp
	return nil
}

func (m *MemoryStore) CreateApplication(ctx context.Context, a *Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[a.JobID]
	if !ok {
		return ErrJobNotFound
	}
	for _, existing := range m.apps {
		if existing.JobID == a.JobID && existing.WorkerID == a.WorkerID {
			return ErrAlreadyApplied
		}
	}
	cp := *a
	m.apps[a.ID] = &cp
	j.ApplicantCount++
	return nil
}

func (m *MemoryStore) GetApplication(ctx context.Context, id string) (*Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.apps[id]
	if !ok {
		return nil, ErrApplicationNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListApplications(ctx context.Context, jobID string) ([]*Application, error) {
	return m.listApps(func(a *Application) bool { return a.JobID == jobID }, false, 0), nil
}

func (m *MemoryStore) ListApplicationsByWorker(ctx context.Context, workerID string, limit int) ([]*Application, error) {
	return m.listApps(func(a *Application) bool { return a.WorkerID == workerID }, true, limit), nil
}

func (m *MemoryStore) ListSelectedBefore(ctx context.Context, t time.Time) ([]*Application, error) {
	return m.listApps(func(a *Application) bool {
		return a.Status == AppSelected && a.SelectedAt != nil && !a.SelectedAt.After(t)
	}, false, 0), nil
}

func (m *MemoryStore) UpdateApplication(ctx context.Context, a *Application, from AppStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.apps[a.ID]
	if !ok {
		return ErrApplicationNotFound
	}
	if cur.Status != from {
		return ErrStatusConflict
	}
	if a.Status == AppSelected || a.Status == AppAccepted {
		for _, other := range m.apps {
			if other.ID != a.ID && other.JobID == a.JobID &&
				(other.Status == AppSelected || other.Status == AppAccepted) {
				return ErrSelectionInProgress
			}
		}
	}
	cp := *a
	m.apps[a.ID] = &cp
	return nil
}

func (m *MemoryStore) listJobs(keep func(*Job) bool, limit int) []*Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Job, 0)
	for _, j := range m.jobs {
		if keep(j) {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) listApps(keep func(*Application) bool, newestFirst bool, limit int) []*Application {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Application, 0)
	for _, a := range m.apps {
		if keep(a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if newestFirst {
			return out[i].AppliedAt.After(out[k].AppliedAt)
		}
		return out[i].AppliedAt.Before(out[k].AppliedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
