// Package provider defines the capability interface every cloud
// backend (Azure, AWS, GCP, Static, ...) implements. Flattened from the
// source's deep provider class hierarchy per DESIGN NOTES §9; Azure is
// the only variant specified in this repository.
package provider

import (
	"context"
	"time"

	"github.com/virgilt/taskcluster-azure-provisioner/internal/workerpool"
)

// WorkerInfo summarises a pool's current and desired capacity, as
// supplied by the (out of scope) estimator collaborator.
type WorkerInfo struct {
	ExistingCapacity   int64
	RequestedCapacity  int64
}

// RegistrationResult is returned to the worker on successful
// registration.
type RegistrationResult struct {
	Expires      time.Time
	WorkerConfig map[string]any
}

// Provider is the capability set a cloud backend exposes to the
// control plane.
type Provider interface {
	// Setup performs any one-time, process-lifetime initialisation
	// (credential validation, resource-group preflight, CA store
	// loading). Called once at startup.
	Setup(ctx context.Context) error

	// Provision creates empty worker rows for pool up to the capacity
	// the estimator recommends. It never itself talks to the cloud;
	// CheckWorker drives each row's pipeline forward on later passes.
	Provision(ctx context.Context, pool *workerpool.WorkerPool, info WorkerInfo) error

	// Deprovision is a no-op for Azure: workers self-terminate and are
	// reaped by CheckWorker/removeWorker.
	Deprovision(ctx context.Context, pool *workerpool.WorkerPool) error

	// RegisterWorker validates a worker's identity proof and, on
	// success, transitions it from requested to running.
	RegisterWorker(ctx context.Context, pool *workerpool.WorkerPool, workerGroup, workerID string, identityProof IdentityProof) (*RegistrationResult, error)

	// CheckWorker advances one worker's state by at most one
	// reconciliation step.
	CheckWorker(ctx context.Context, pool *workerpool.WorkerPool, w *workerpool.Worker) error

	// RemoveWorker drives (or continues) the deletion pipeline for w.
	RemoveWorker(ctx context.Context, pool *workerpool.WorkerPool, w *workerpool.Worker, reason string) error

	// ScanPrepare resets any per-pass aggregation state. Called once
	// before each scan pass across all pools.
	ScanPrepare(ctx context.Context)

	// ScanCleanup reports accumulated per-pool seen counts and errors.
	// Called once after each scan pass.
	ScanCleanup(ctx context.Context, pools []*workerpool.WorkerPool) error
}

// IdentityProof is the worker-supplied attested-data document
// presented to RegisterWorker.
type IdentityProof struct {
	Document string // base64(DER(PKCS#7 SignedData))
}
