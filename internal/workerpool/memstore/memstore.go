// Package memstore is an in-memory reference implementation of
// workerpool.Store, standing in for the external database described as
// out of scope in spec.md §6. It exists so the reconciliation engine is
// exercisable end to end in tests and in a standalone binary.
package memstore

import (
	"context"
	"sync"

	"github.com/virgilt/taskcluster-azure-provisioner/internal/workerpool"
)

type workerKey struct {
	poolID, group, id string
}

// Store is a sync.Mutex-guarded map-of-maps implementation of
// workerpool.Store. Each worker row additionally has its own mutex so
// that UpdateWorker calls for distinct workers never block each other,
// while calls for the same worker serialise — matching the "exactly
// one scanner pass may hold a row-level write lock" policy of spec.md
// §5.
type Store struct {
	mu      sync.Mutex
	pools   map[string]*workerpool.WorkerPool
	workers map[workerKey]*workerpool.Worker
	locks   map[workerKey]*sync.Mutex
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		pools:   make(map[string]*workerpool.WorkerPool),
		workers: make(map[workerKey]*workerpool.Worker),
		locks:   make(map[workerKey]*sync.Mutex),
	}
}

func clonePool(p *workerpool.WorkerPool) *workerpool.WorkerPool {
	if p == nil {
		return nil
	}
	cp := *p
	cp.PreviousProviderIDs = append([]string(nil), p.PreviousProviderIDs...)
	return &cp
}

func cloneWorker(w *workerpool.Worker) *workerpool.Worker {
	if w == nil {
		return nil
	}
	cw := *w
	cw.ProviderData.Disks = append([]workerpool.DiskRef(nil), w.ProviderData.Disks...)
	tags := make(map[string]string, len(w.ProviderData.Tags))
	for k, v := range w.ProviderData.Tags {
		tags[k] = v
	}
	cw.ProviderData.Tags = tags
	return &cw
}

func (s *Store) CreatePool(_ context.Context, pool *workerpool.WorkerPool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools[pool.WorkerPoolID] = clonePool(pool)
	return nil
}

func (s *Store) GetPool(_ context.Context, workerPoolID string) (*workerpool.WorkerPool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[workerPoolID]
	if !ok {
		return nil, &workerpool.ErrNotFound{Kind: "pool", ID: workerPoolID}
	}
	return clonePool(p), nil
}

func (s *Store) UpdatePool(_ context.Context, workerPoolID string, mutate func(*workerpool.WorkerPool) (*workerpool.WorkerPool, error)) (*workerpool.WorkerPool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.pools[workerPoolID]
	if !ok {
		return nil, &workerpool.ErrNotFound{Kind: "pool", ID: workerPoolID}
	}
	next, err := mutate(clonePool(cur))
	if err != nil {
		return nil, err
	}
	if next == nil {
		return clonePool(cur), nil
	}
	s.pools[workerPoolID] = clonePool(next)
	return clonePool(next), nil
}

func (s *Store) DeletePool(_ context.Context, workerPoolID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pools, workerPoolID)
	return nil
}

func (s *Store) ListPools(_ context.Context) ([]*workerpool.WorkerPool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*workerpool.WorkerPool, 0, len(s.pools))
	for _, p := range s.pools {
		out = append(out, clonePool(p))
	}
	return out, nil
}

func (s *Store) rowLock(k workerKey) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[k]
	if !ok {
		l = &sync.Mutex{}
		s.locks[k] = l
	}
	return l
}

func (s *Store) CreateWorker(_ context.Context, w *workerpool.Worker) error {
	k := workerKey{w.WorkerPoolID, w.WorkerGroup, w.WorkerID}
	lock := s.rowLock(k)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	s.workers[k] = cloneWorker(w)
	s.mu.Unlock()
	return nil
}

func (s *Store) GetWorker(_ context.Context, workerPoolID, workerGroup, workerID string) (*workerpool.Worker, error) {
	k := workerKey{workerPoolID, workerGroup, workerID}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[k]
	if !ok {
		return nil, &workerpool.ErrNotFound{Kind: "worker", ID: workerID}
	}
	return cloneWorker(w), nil
}

// UpdateWorker serialises concurrent updates to the same worker via a
// per-key mutex held for the whole read-modify-write, so a second
// caller observes the first caller's write before running its own
// mutate function — this is what gives registerWorker its
// uniqueness guarantee (spec.md §4.8 step 9, §8 property 5).
func (s *Store) UpdateWorker(_ context.Context, workerPoolID, workerGroup, workerID string, mutate func(*workerpool.Worker) (*workerpool.Worker, error)) (*workerpool.Worker, error) {
	k := workerKey{workerPoolID, workerGroup, workerID}
	lock := s.rowLock(k)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	cur, ok := s.workers[k]
	s.mu.Unlock()
	if !ok {
		return nil, &workerpool.ErrNotFound{Kind: "worker", ID: workerID}
	}

	next, err := mutate(cloneWorker(cur))
	if err != nil {
		return nil, err
	}
	if next == nil {
		return cloneWorker(cur), nil
	}

	s.mu.Lock()
	s.workers[k] = cloneWorker(next)
	s.mu.Unlock()
	return cloneWorker(next), nil
}

func (s *Store) ListWorkersByPool(_ context.Context, workerPoolID string) ([]*workerpool.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*workerpool.Worker
	for k, w := range s.workers {
		if k.poolID == workerPoolID {
			out = append(out, cloneWorker(w))
		}
	}
	return out, nil
}

func (s *Store) ListAllWorkers(_ context.Context) ([]*workerpool.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*workerpool.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, cloneWorker(w))
	}
	return out, nil
}

func (s *Store) DeleteWorker(_ context.Context, workerPoolID, workerGroup, workerID string) error {
	k := workerKey{workerPoolID, workerGroup, workerID}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, k)
	delete(s.locks, k)
	return nil
}

var _ workerpool.Store = (*Store)(nil)
