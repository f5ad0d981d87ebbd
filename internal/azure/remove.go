package azure

import (
	"context"

	"github.com/juju/errors"

	"github.com/virgilt/taskcluster-azure-provisioner/internal/workerpool"
)

// RemovalPipeline tears a worker's resources down in strictly reverse
// order of creation: VM, then NIC, then IP, then disks (spec.md §4.5).
// Each resource must be confirmed gone before the next is attempted,
// so a crash mid-teardown always resumes at the right place.
type RemovalPipeline struct {
	clients *Clients
	steps   *StepEngine
}

func NewRemovalPipeline(clients *Clients, steps *StepEngine) *RemovalPipeline {
	return &RemovalPipeline{clients: clients, steps: steps}
}

// Advance runs the next unfinished teardown step for w, returning true
// once every resource the worker ever held is confirmed deleted.
func (r *RemovalPipeline) Advance(ctx context.Context, w *workerpool.Worker) (done bool, err error) {
	pd := &w.ProviderData

	if pd.VM.Name != "" {
		gone, err := r.steps.RemoveResource(ctx, &pd.VM.ResourceRef, r.clients.VMClient())
		if err != nil {
			return false, errors.Annotate(err, "removing virtual machine")
		}
		if !gone {
			return false, nil
		}
	}

	if pd.NIC.Name != "" {
		gone, err := r.steps.RemoveResource(ctx, &pd.NIC, r.clients.NICClient())
		if err != nil {
			return false, errors.Annotate(err, "removing network interface")
		}
		if !gone {
			return false, nil
		}
	}

	if pd.IP.Name != "" {
		gone, err := r.steps.RemoveResource(ctx, &pd.IP, r.clients.IPClient())
		if err != nil {
			return false, errors.Annotate(err, "removing public ip")
		}
		if !gone {
			return false, nil
		}
	}

	migrateLegacyDisk(pd)

	for i := range pd.Disks {
		gone, err := r.steps.RemoveResource(ctx, &pd.Disks[i].ResourceRef, r.clients.DiskClient())
		if err != nil {
			return false, errors.Annotatef(err, "removing disk %q", pd.Disks[i].Name)
		}
		if !gone {
			return false, nil
		}
	}

	return true, nil
}
