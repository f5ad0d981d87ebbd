package azure

import (
	"context"
	"crypto/rand"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/virgilt/taskcluster-azure-provisioner/internal/estimator"
	"github.com/virgilt/taskcluster-azure-provisioner/internal/provider"
	"github.com/virgilt/taskcluster-azure-provisioner/internal/workerpool"
)

// Provisioner implements Provider.Provision: it asks the estimator how
// much capacity to add, then creates empty worker rows sampled
// uniformly from the pool's launch configs (spec.md §4.9). It never
// itself talks to Azure; CheckWorker's Pipeline drives each row
// forward on subsequent scan passes.
type Provisioner struct {
	store     workerpool.Store
	estimator estimator.Estimator
}

func NewProvisioner(store workerpool.Store, est estimator.Estimator) *Provisioner {
	if est == nil {
		est = estimator.Bounded{}
	}
	return &Provisioner{store: store, estimator: est}
}

// maxNameLen mirrors the Azure resource-name-length limits the
// teacher's environ_network.go/instance.go observe: 38 for VM names
// (NetBIOS compatibility headroom kept well under the 64-char ARM
// limit), 24 for network resources.
const (
	maxVMNameLen  = 38
	maxNetNameLen = 24
)

func (p *Provisioner) Provision(ctx context.Context, pool *workerpool.WorkerPool, info provider.WorkerInfo) error {
	if pool.ScheduledForDeletion() {
		return nil
	}
	if len(pool.Config.LaunchConfigs) == 0 {
		return errors.NotValidf("worker pool %q has no launch configs", pool.WorkerPoolID)
	}

	toSpawn, err := p.estimator.ToSpawn(ctx, pool, info)
	if err != nil {
		return errors.Annotate(err, "estimating capacity to spawn")
	}

	var spawned int64
	for spawned < toSpawn {
		lc, err := sampleLaunchConfig(pool.Config.LaunchConfigs)
		if err != nil {
			return errors.Trace(err)
		}

		workerID, err := nicerID()
		if err != nil {
			return errors.Trace(err)
		}

		w := &workerpool.Worker{
			WorkerPoolID: pool.WorkerPoolID,
			WorkerGroup:  lc.Location,
			WorkerID:     truncate(workerID, maxVMNameLen),
			State:        workerpool.StateRequested,
			Created:      time.Now(),
			LastModified: time.Now(),
			Capacity:     lc.CapacityPerInstance,
			ProviderData: workerpool.AzureProviderData{
				Location:          lc.Location,
				ResourceGroupName: "", // filled by the caller's ProviderConfig at check time
				SubnetID:          lc.SubnetID,
				WorkerConfig:      lc.WorkerConfig,
				VM: workerpool.VMRef{
					Config: map[string]any{"vmSize": lc.HardwareProfile.VMSize},
				},
			},
		}

		if err := p.store.CreateWorker(ctx, w); err != nil {
			return errors.Annotatef(err, "creating worker row for pool %q", pool.WorkerPoolID)
		}
		spawned += lc.CapacityPerInstance
		if lc.CapacityPerInstance <= 0 {
			// Guard against an infinite loop on a malformed launch
			// config; one worker's worth of progress is still progress.
			spawned++
		}
	}
	return nil
}

// nicerID generates a lowercase, alphanumeric-only random id suitable
// for splicing into Azure resource names, ported from the teacher's
// nicerId helper. Callers add whatever prefix (pip-, nic-, vm-, ...)
// and length limit their resource type needs.
func nicerID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", errors.Annotate(err, "generating random id")
	}
	return strings.ToLower(strings.ReplaceAll(id.String(), "-", "")), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// sampleLaunchConfig picks uniformly at random among configs, using
// crypto/rand rather than math/rand so provisioning sampling isn't
// predictable from a seed (matches the adminPassword generator's
// choice of randomness source).
func sampleLaunchConfig(configs []workerpool.LaunchConfig) (workerpool.LaunchConfig, error) {
	if len(configs) == 1 {
		return configs[0], nil
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(configs))))
	if err != nil {
		return workerpool.LaunchConfig{}, errors.Annotate(err, "sampling launch config")
	}
	return configs[n.Int64()], nil
}
