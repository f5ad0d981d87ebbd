package azure

import (
	"context"
	"testing"
	"time"

	"github.com/virgilt/taskcluster-azure-provisioner/internal/workerpool"
	"github.com/virgilt/taskcluster-azure-provisioner/internal/workerpool/memstore"
)

type fakePowerStateSource struct {
	found             bool
	provisioningState string
	powerState        string
	err               error
}

func (f *fakePowerStateSource) GetInstanceView(ctx context.Context, name string) (bool, string, string, error) {
	return f.found, f.provisioningState, f.powerState, f.err
}

func TestMigrateLegacyDiskPrependsAndClears(t *testing.T) {
	pd := &workerpool.AzureProviderData{
		Disk:  &workerpool.DiskRef{ResourceRef: workerpool.ResourceRef{Name: "legacy-disk", ID: "/legacy"}},
		Disks: []workerpool.DiskRef{{ResourceRef: workerpool.ResourceRef{Name: "data-disk-1", ID: "/data1"}}},
	}

	migrateLegacyDisk(pd)

	if pd.Disk != nil {
		t.Fatalf("legacy Disk field should be cleared after migration")
	}
	if len(pd.Disks) != 2 {
		t.Fatalf("expected 2 disks after migration, got %d", len(pd.Disks))
	}
	if pd.Disks[0].Name != "legacy-disk" {
		t.Fatalf("legacy disk should be first (it was the os disk), got %q", pd.Disks[0].Name)
	}
}

func TestMigrateLegacyDiskNoopWhenAbsent(t *testing.T) {
	pd := &workerpool.AzureProviderData{
		Disks: []workerpool.DiskRef{{ResourceRef: workerpool.ResourceRef{Name: "data-disk-1"}}},
	}
	migrateLegacyDisk(pd)
	if len(pd.Disks) != 1 {
		t.Fatalf("migrateLegacyDisk should be a no-op when Disk is nil")
	}
}

func TestClassifyVMHealthyWhenRunning(t *testing.T) {
	s := &Scanner{clients: &fakePowerStateSource{found: true, provisioningState: "Succeeded", powerState: "running"}}
	healthy, terminate, err := s.classifyVM(context.Background(), &workerpool.Worker{})
	if err != nil {
		t.Fatalf("classifyVM: %v", err)
	}
	if !healthy || terminate {
		t.Fatalf("expected healthy=true terminate=false, got healthy=%v terminate=%v", healthy, terminate)
	}
}

func TestClassifyVMHealthyWhenStartingDuringCreate(t *testing.T) {
	s := &Scanner{clients: &fakePowerStateSource{found: true, provisioningState: "Creating", powerState: "starting"}}
	healthy, terminate, err := s.classifyVM(context.Background(), &workerpool.Worker{})
	if err != nil {
		t.Fatalf("classifyVM: %v", err)
	}
	if !healthy || terminate {
		t.Fatalf("expected healthy=true terminate=false, got healthy=%v terminate=%v", healthy, terminate)
	}
}

func TestClassifyVMTerminatesWhenStoppedOrDeallocated(t *testing.T) {
	for _, state := range []string{"stopped", "stopping", "deallocated", "deallocating"} {
		s := &Scanner{clients: &fakePowerStateSource{found: true, provisioningState: "Succeeded", powerState: state}}
		healthy, terminate, err := s.classifyVM(context.Background(), &workerpool.Worker{})
		if err != nil {
			t.Fatalf("classifyVM(%q): %v", state, err)
		}
		if healthy || !terminate {
			t.Fatalf("state %q: expected healthy=false terminate=true, got healthy=%v terminate=%v", state, healthy, terminate)
		}
	}
}

func TestClassifyVMTerminatesOnFailedProvisioningStateRegardlessOfPowerState(t *testing.T) {
	for _, ps := range []string{"Failed", "Deleting", "Canceled", "Deallocating"} {
		s := &Scanner{clients: &fakePowerStateSource{found: true, provisioningState: ps, powerState: "running"}}
		healthy, terminate, err := s.classifyVM(context.Background(), &workerpool.Worker{})
		if err != nil {
			t.Fatalf("classifyVM(%q): %v", ps, err)
		}
		if healthy || !terminate {
			t.Fatalf("provisioningState %q with powerState=running: expected healthy=false terminate=true, got healthy=%v terminate=%v", ps, healthy, terminate)
		}
	}
}

func TestClassifyVMTerminatesWhenVanishedOutOfBand(t *testing.T) {
	s := &Scanner{clients: &fakePowerStateSource{found: false}}
	healthy, terminate, err := s.classifyVM(context.Background(), &workerpool.Worker{})
	if err != nil {
		t.Fatalf("classifyVM: %v", err)
	}
	if healthy || !terminate {
		t.Fatalf("expected healthy=false terminate=true for a vanished VM, got healthy=%v terminate=%v", healthy, terminate)
	}
}

func TestClassifyVMLeavesAloneWhileTransitioning(t *testing.T) {
	s := &Scanner{clients: &fakePowerStateSource{found: true, provisioningState: "Updating", powerState: "unknown"}}
	healthy, terminate, err := s.classifyVM(context.Background(), &workerpool.Worker{})
	if err != nil {
		t.Fatalf("classifyVM: %v", err)
	}
	if healthy || terminate {
		t.Fatalf("expected neither healthy nor terminate for a transitioning VM, got healthy=%v terminate=%v", healthy, terminate)
	}
}

func newRunningWorker(expires time.Time) *workerpool.Worker {
	return &workerpool.Worker{
		WorkerPoolID: "proj/pool",
		WorkerGroup:  "westus2",
		WorkerID:     "worker-1",
		State:        workerpool.StateRunning,
		Capacity:     2,
		Expires:      expires,
		ProviderData: workerpool.AzureProviderData{
			VM: workerpool.VMRef{ResourceRef: workerpool.ResourceRef{Name: "vm-1", ID: "/vm-1"}},
		},
	}
}

func TestCheckWorkerExtendsExpiryWhenHealthyAndNearLapse(t *testing.T) {
	store := memstore.New()
	s := NewScanner(nil, nil, nil, store, nil)
	s.clients = &fakePowerStateSource{found: true, provisioningState: "Succeeded", powerState: "running"}
	s.ScanPrepare(context.Background())

	w := newRunningWorker(time.Now().Add(time.Hour))
	pool := &workerpool.WorkerPool{WorkerPoolID: "proj/pool"}

	if err := s.CheckWorker(context.Background(), "static/azure", pool, w); err != nil {
		t.Fatalf("CheckWorker: %v", err)
	}
	if time.Until(w.Expires) < 6*24*time.Hour {
		t.Fatalf("expected expiry to be pushed out to ~1 week, got %v", time.Until(w.Expires))
	}

	stats := s.statsFor(w.WorkerPoolID)
	if stats.seen != w.Capacity {
		t.Fatalf("expected seen to accumulate worker capacity (%d), got %d", w.Capacity, stats.seen)
	}
}

func TestCheckWorkerLeavesExpiryAloneWhenFarFromLapse(t *testing.T) {
	store := memstore.New()
	s := NewScanner(nil, nil, nil, store, nil)
	s.clients = &fakePowerStateSource{found: true, provisioningState: "Succeeded", powerState: "running"}
	s.ScanPrepare(context.Background())

	farExpiry := time.Now().Add(5 * 24 * time.Hour)
	w := newRunningWorker(farExpiry)
	pool := &workerpool.WorkerPool{WorkerPoolID: "proj/pool"}

	if err := s.CheckWorker(context.Background(), "static/azure", pool, w); err != nil {
		t.Fatalf("CheckWorker: %v", err)
	}
	if !w.Expires.Equal(farExpiry) {
		t.Fatalf("expiry should be left alone when not near lapse, got %v want %v", w.Expires, farExpiry)
	}
}

func TestCheckWorkerOnlyCountsSeenOnHealthyBranch(t *testing.T) {
	store := memstore.New()
	s := NewScanner(nil, nil, nil, store, nil)
	// Mid-transition: not healthy, not terminated, so seen must stay 0.
	s.clients = &fakePowerStateSource{found: true, provisioningState: "Updating", powerState: "unknown"}
	s.ScanPrepare(context.Background())

	w := newRunningWorker(time.Now().Add(time.Hour))
	pool := &workerpool.WorkerPool{WorkerPoolID: "proj/pool"}

	if err := s.CheckWorker(context.Background(), "static/azure", pool, w); err != nil {
		t.Fatalf("CheckWorker: %v", err)
	}

	stats := s.statsFor(w.WorkerPoolID)
	if stats.seen != 0 {
		t.Fatalf("expected seen to stay 0 for a mid-transition (non-healthy) worker, got %d", stats.seen)
	}
}
