package azure

import (
	"context"

	"github.com/virgilt/taskcluster-azure-provisioner/internal/workerpool"
)

// failProvisioningStates are the provisioningState values the Step
// Engine treats as fatal: the resource will never reach Succeeded and
// should be torn down (spec.md §4.3 provisionResource step 1/200).
var failProvisioningStates = map[string]bool{
	"Failed":       true,
	"Deleting":     true,
	"Canceled":     true,
	"Deallocating": true,
}

// deletingProvisioningStates are provisioningState values meaning a
// resource GET in removeResource should report "not yet gone" rather
// than immediately requesting another delete (spec.md §4.3
// removeResource step 1).
var deletingProvisioningStates = map[string]bool{
	"Deleting":     true,
	"Deallocating": true,
	"Deallocated":  true,
}

// GetResult is what a ResourceClient.Get call observes.
type GetResult struct {
	Found             bool
	ProvisioningState string
	ID                string
	// Raw is the full provider response, available to ModifyFunc and
	// to the VM step's disk-name readback. Nil when Found is false.
	Raw any
}

// ResourceClient is the per-resource-type seam the Step Engine drives.
// Each concrete client (ip, nic, vm, disk) bakes in the Azure SDK
// client and resource group; Config is passed in explicitly by the
// pipeline step, matching provisionResource(worker, client, type,
// config, modify) in spec.md §4.3.
type ResourceClient interface {
	Get(ctx context.Context, name string) (GetResult, error)
	BeginCreateOrUpdate(ctx context.Context, name string, config any, tags map[string]string) (operationID string, err error)
	BeginDelete(ctx context.Context, name string) (operationID string, err error)
}

// ModifyFunc runs after a resource is confirmed to exist (either just
// created, or found already present), with access to the provider's
// raw response so steps like the VM step can read back generated
// fields (osDisk/dataDisks names).
type ModifyFunc func(ctx context.Context, w *workerpool.Worker, raw any) error

// StepEngine implements the two idempotent, resumable primitives of
// spec.md §4.3.
type StepEngine struct {
	gw     *Gateway
	poller *OperationPoller
}

func NewStepEngine(gw *Gateway, poller *OperationPoller) *StepEngine {
	return &StepEngine{gw: gw, poller: poller}
}

// ProvisionOutcome tells the pipeline whether to continue to the next
// step this pass, or to abort the worker.
type ProvisionOutcome int

const (
	// StillWaiting means the resource isn't ready yet; the pipeline
	// should stop advancing this pass.
	StillWaiting ProvisionOutcome = iota
	// Ready means ref.ID is now set and the pipeline may continue.
	Ready
	// RemoveRequested means the worker must be torn down (failed
	// provisioning state, or the resource vanished out of band).
	RemoveRequested
)

// ProvisionResource advances ref by at most one observable step.
func (e *StepEngine) ProvisionResource(
	ctx context.Context,
	w *workerpool.Worker,
	ref *workerpool.ResourceRef,
	client ResourceClient,
	config any,
	tags map[string]string,
	modify ModifyFunc,
) (ProvisionOutcome, error) {
	if ref.Present() {
		return Ready, nil
	}

	res, err := client.Get(ctx, ref.Name)
	if err != nil {
		if !isNotFoundError(err) {
			return StillWaiting, err
		}
		res = GetResult{Found: false}
	}

	if res.Found {
		if failProvisioningStates[res.ProvisioningState] {
			ref.Operation = ""
			return RemoveRequested, nil
		}
		ref.ID = res.ID
		ref.Operation = ""
		if modify != nil {
			if err := modify(ctx, w, res.Raw); err != nil {
				return StillWaiting, err
			}
		}
		return Ready, nil
	}

	// 404.
	if ref.Operation != "" {
		status, opErr, err := e.poller.Poll(ctx, e.gw, ref.Operation)
		if err != nil {
			return StillWaiting, err
		}
		if opErr != nil {
			return RemoveRequested, opErr
		}
		switch status {
		case OpInProgress:
			return StillWaiting, nil
		default: // OpDone, OpDoneNotFound: resource probably deleted out of band.
			return RemoveRequested, nil
		}
	}

	opID, err := client.BeginCreateOrUpdate(ctx, ref.Name, config, tags)
	if err != nil {
		return StillWaiting, err
	}
	ref.Operation = opID
	return StillWaiting, nil
}

// RemoveResource advances ref towards deletion by at most one
// observable step, returning true once the resource is verified gone.
func (e *StepEngine) RemoveResource(ctx context.Context, ref *workerpool.ResourceRef, client ResourceClient) (bool, error) {
	shouldDelete := false

	if !ref.Present() {
		res, err := client.Get(ctx, ref.Name)
		if err != nil {
			if !isNotFoundError(err) {
				return false, err
			}
			ref.Operation = ""
			ref.ID = ""
			return true, nil
		}
		if res.Found && deletingProvisioningStates[res.ProvisioningState] {
			return false, nil
		}
		shouldDelete = true
	}

	if ref.Present() || shouldDelete {
		opID, err := client.BeginDelete(ctx, ref.Name)
		if err != nil {
			return false, err
		}
		ref.ID = ""
		if opID != "" {
			ref.Operation = opID
		}
	}
	return false, nil
}
