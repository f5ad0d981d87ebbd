package azure

import (
	"context"
	"strings"
	"testing"

	"github.com/virgilt/taskcluster-azure-provisioner/internal/provider"
	"github.com/virgilt/taskcluster-azure-provisioner/internal/workerpool"
	"github.com/virgilt/taskcluster-azure-provisioner/internal/workerpool/memstore"
)

func TestNicerIDFormat(t *testing.T) {
	id, err := nicerID()
	if err != nil {
		t.Fatalf("nicerID: %v", err)
	}
	if id == "" {
		t.Fatalf("expected a non-empty id")
	}
	for _, r := range id {
		if !strings.ContainsRune("0123456789abcdef", r) {
			t.Fatalf("nicerID() = %q contains non-alphanumeric or uppercase character %q", id, r)
		}
	}
}

func TestSampleLaunchConfigSingleConfig(t *testing.T) {
	configs := []workerpool.LaunchConfig{{Location: "westus2"}}
	got, err := sampleLaunchConfig(configs)
	if err != nil {
		t.Fatalf("sampleLaunchConfig: %v", err)
	}
	if got.Location != "westus2" {
		t.Fatalf("expected the sole config to be returned, got %+v", got)
	}
}

func TestProvisionerCreatesWorkersUpToMinCapacity(t *testing.T) {
	store := memstore.New()
	p := NewProvisioner(store, nil)

	pool := &workerpool.WorkerPool{
		WorkerPoolID: "proj/pool",
		ProviderID:   "static/azure",
		Config: workerpool.Config{
			MinCapacity: 3,
			MaxCapacity: 10,
			LaunchConfigs: []workerpool.LaunchConfig{{
				CapacityPerInstance: 1,
				Location:            "westus2",
				SubnetID:            "/subnets/default",
				HardwareProfile:     workerpool.HardwareProfile{VMSize: "Standard_D2s_v3"},
			}},
		},
	}

	if err := p.Provision(context.Background(), pool, provider.WorkerInfo{}); err != nil {
		t.Fatalf("Provision: %v", err)
	}

	workers, err := store.ListWorkersByPool(context.Background(), pool.WorkerPoolID)
	if err != nil {
		t.Fatalf("ListWorkersByPool: %v", err)
	}
	if len(workers) != 3 {
		t.Fatalf("expected 3 worker rows created to reach MinCapacity, got %d", len(workers))
	}
	for _, w := range workers {
		if w.State != workerpool.StateRequested {
			t.Fatalf("expected newly created worker to be in requested state, got %q", w.State)
		}
	}
}

func TestProvisionerNoopWhenScheduledForDeletion(t *testing.T) {
	store := memstore.New()
	p := NewProvisioner(store, nil)

	pool := &workerpool.WorkerPool{
		WorkerPoolID: "proj/pool",
		ProviderID:   workerpool.NullProviderID,
		Config: workerpool.Config{
			MinCapacity:   3,
			LaunchConfigs: []workerpool.LaunchConfig{{CapacityPerInstance: 1}},
		},
	}

	if err := p.Provision(context.Background(), pool, provider.WorkerInfo{}); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	workers, _ := store.ListWorkersByPool(context.Background(), pool.WorkerPoolID)
	if len(workers) != 0 {
		t.Fatalf("expected no workers to be created for a pool scheduled for deletion, got %d", len(workers))
	}
}
