// Package estimator stands in for the external capacity estimator
// named as an out-of-scope collaborator in spec.md §1/§6. provision()
// depends only on the Estimator interface; the real estimator (task
// queue depth, pending-task heuristics, etc.) lives outside this
// repository.
package estimator

import (
	"context"

	"github.com/virgilt/taskcluster-azure-provisioner/internal/provider"
	"github.com/virgilt/taskcluster-azure-provisioner/internal/workerpool"
)

// Estimator computes how many units of capacity a pool should add on
// this provisioning pass.
type Estimator interface {
	ToSpawn(ctx context.Context, pool *workerpool.WorkerPool, info provider.WorkerInfo) (int64, error)
}

// Bounded is a simple deterministic default: it spawns enough capacity
// to reach RequestedCapacity, clamped to the pool's MinCapacity and
// MaxCapacity. It is not a substitute for a real task-queue-aware
// estimator, but it lets provision() run end to end without an
// external dependency.
type Bounded struct{}

func (Bounded) ToSpawn(_ context.Context, pool *workerpool.WorkerPool, info provider.WorkerInfo) (int64, error) {
	want := info.RequestedCapacity
	if want < pool.Config.MinCapacity {
		want = pool.Config.MinCapacity
	}
	if pool.Config.MaxCapacity > 0 && want > pool.Config.MaxCapacity {
		want = pool.Config.MaxCapacity
	}
	toSpawn := want - info.ExistingCapacity
	if toSpawn < 0 {
		toSpawn = 0
	}
	return toSpawn, nil
}
