package azure

import (
	"context"
	"testing"
	"time"

	"github.com/virgilt/taskcluster-azure-provisioner/internal/workerpool"
	"github.com/virgilt/taskcluster-azure-provisioner/internal/workerpool/memstore"
)

type fakeVMIDSource struct {
	vmID string
	err  error
}

func (f *fakeVMIDSource) GetVMID(ctx context.Context, name string) (string, error) {
	return f.vmID, f.err
}

func newTestPool() *workerpool.WorkerPool {
	return &workerpool.WorkerPool{
		WorkerPoolID: "proj/pool",
		ProviderID:   "static/azure",
	}
}

func TestRegisterVerifiedFirstRegistrationBindsLiveVMID(t *testing.T) {
	store := memstore.New()
	if err := store.CreateWorker(context.Background(), &workerpool.Worker{
		WorkerPoolID: "proj/pool",
		WorkerGroup:  "westus2",
		WorkerID:     "worker-1",
		State:        workerpool.StateRequested,
		ProviderData: workerpool.AzureProviderData{VM: workerpool.VMRef{ResourceRef: workerpool.ResourceRef{Name: "vm-1", ID: "/vm-1"}}},
	}); err != nil {
		t.Fatalf("CreateWorker: %v", err)
	}

	v := &Verifier{store: store, clients: &fakeVMIDSource{vmID: "vmid-123"}}

	result, err := v.registerVerified(context.Background(), newTestPool(), "westus2", "worker-1", "vmid-123", 96*time.Hour)
	if err != nil {
		t.Fatalf("registerVerified: %v", err)
	}
	if result == nil {
		t.Fatal("expected a registration result")
	}

	w, err := store.GetWorker(context.Background(), "proj/pool", "westus2", "worker-1")
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	if w.State != workerpool.StateRunning {
		t.Fatalf("expected worker to transition to running, got %q", w.State)
	}
	if w.ProviderData.VM.VMID != "vmid-123" {
		t.Fatalf("expected vmId to be bound, got %q", w.ProviderData.VM.VMID)
	}
	wantExpires := time.Now().Add(96 * time.Hour)
	if w.Expires.Before(wantExpires.Add(-time.Minute)) || w.Expires.After(wantExpires.Add(time.Minute)) {
		t.Fatalf("expected expires around %v, got %v", wantExpires, w.Expires)
	}
	if !w.ProviderData.TerminateAfter.Equal(w.Expires) {
		t.Fatalf("expected terminateAfter to be persisted alongside expires, got %v vs %v", w.ProviderData.TerminateAfter, w.Expires)
	}
}

func TestRegisterVerifiedRejectsVMIDNotMatchingLiveVM(t *testing.T) {
	store := memstore.New()
	if err := store.CreateWorker(context.Background(), &workerpool.Worker{
		WorkerPoolID: "proj/pool",
		WorkerGroup:  "westus2",
		WorkerID:     "worker-1",
		State:        workerpool.StateRequested,
		ProviderData: workerpool.AzureProviderData{VM: workerpool.VMRef{ResourceRef: workerpool.ResourceRef{Name: "vm-1", ID: "/vm-1"}}},
	}); err != nil {
		t.Fatalf("CreateWorker: %v", err)
	}

	v := &Verifier{store: store, clients: &fakeVMIDSource{vmID: "vmid-actual"}}

	_, err := v.registerVerified(context.Background(), newTestPool(), "westus2", "worker-1", "vmid-forged", 96*time.Hour)
	if err == nil {
		t.Fatal("expected an error when the attested vmId doesn't match the live VM")
	}

	w, getErr := store.GetWorker(context.Background(), "proj/pool", "westus2", "worker-1")
	if getErr != nil {
		t.Fatalf("GetWorker: %v", getErr)
	}
	if w.State != workerpool.StateRequested {
		t.Fatalf("worker should not have been transitioned, got %q", w.State)
	}
}

func TestRegisterVerifiedRefusesDuplicateVMIDClaim(t *testing.T) {
	store := memstore.New()
	if err := store.CreateWorker(context.Background(), &workerpool.Worker{
		WorkerPoolID: "proj/pool",
		WorkerGroup:  "westus2",
		WorkerID:     "worker-1",
		State:        workerpool.StateRunning,
		Expires:      time.Now().Add(time.Hour),
		ProviderData: workerpool.AzureProviderData{VM: workerpool.VMRef{
			ResourceRef: workerpool.ResourceRef{Name: "vm-1", ID: "/vm-1"},
			VMID:        "vmid-original",
		}},
	}); err != nil {
		t.Fatalf("CreateWorker: %v", err)
	}

	v := &Verifier{store: store, clients: &fakeVMIDSource{vmID: "vmid-original"}}

	_, err := v.registerVerified(context.Background(), newTestPool(), "westus2", "worker-1", "vmid-different", 96*time.Hour)
	if err == nil {
		t.Fatal("expected registration to be refused for a different vmId claiming an already-bound worker")
	}

	w, getErr := store.GetWorker(context.Background(), "proj/pool", "westus2", "worker-1")
	if getErr != nil {
		t.Fatalf("GetWorker: %v", getErr)
	}
	if w.ProviderData.VM.VMID != "vmid-original" {
		t.Fatalf("original vmId binding should be unchanged, got %q", w.ProviderData.VM.VMID)
	}
}

func TestRegisterVerifiedReregistrationFromSameVMRefreshesExpiry(t *testing.T) {
	store := memstore.New()
	if err := store.CreateWorker(context.Background(), &workerpool.Worker{
		WorkerPoolID: "proj/pool",
		WorkerGroup:  "westus2",
		WorkerID:     "worker-1",
		State:        workerpool.StateRunning,
		Expires:      time.Now().Add(time.Minute),
		ProviderData: workerpool.AzureProviderData{VM: workerpool.VMRef{
			ResourceRef: workerpool.ResourceRef{Name: "vm-1", ID: "/vm-1"},
			VMID:        "vmid-123",
		}},
	}); err != nil {
		t.Fatalf("CreateWorker: %v", err)
	}

	v := &Verifier{store: store, clients: &fakeVMIDSource{vmID: "vmid-123"}}

	result, err := v.registerVerified(context.Background(), newTestPool(), "westus2", "worker-1", "vmid-123", 96*time.Hour)
	if err != nil {
		t.Fatalf("registerVerified: %v", err)
	}
	if time.Until(result.Expires) < 90*time.Hour {
		t.Fatalf("expected re-registration to push expiry out to ~96h, got %v", time.Until(result.Expires))
	}
}
