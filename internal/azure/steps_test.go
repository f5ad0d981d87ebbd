package azure

import (
	"context"
	"net/http"
	"testing"

	"github.com/virgilt/taskcluster-azure-provisioner/internal/workerpool"
)

type fakeResourceClient struct {
	getResult   GetResult
	getErr      error
	getCalls    int
	createCalls int
	createOpID  string
	createErr   error
	deleteCalls int
	deleteOpID  string
	deleteErr   error
}

func (f *fakeResourceClient) Get(ctx context.Context, name string) (GetResult, error) {
	f.getCalls++
	return f.getResult, f.getErr
}

func (f *fakeResourceClient) BeginCreateOrUpdate(ctx context.Context, name string, config any, tags map[string]string) (string, error) {
	f.createCalls++
	return f.createOpID, f.createErr
}

func (f *fakeResourceClient) BeginDelete(ctx context.Context, name string) (string, error) {
	f.deleteCalls++
	return f.deleteOpID, f.deleteErr
}

func TestProvisionResourceAlreadyPresentIsReady(t *testing.T) {
	e := NewStepEngine(nil, nil)
	w := &workerpool.Worker{}
	ref := &workerpool.ResourceRef{Name: "ip-1", ID: "/subscriptions/.../ip-1"}
	client := &fakeResourceClient{}

	outcome, err := e.ProvisionResource(context.Background(), w, ref, client, nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != Ready {
		t.Fatalf("expected Ready, got %v", outcome)
	}
	if client.getCalls != 0 {
		t.Fatalf("Get should not be called when ref already has an id")
	}
}

func TestProvisionResourceFoundSucceededSetsID(t *testing.T) {
	e := NewStepEngine(nil, nil)
	w := &workerpool.Worker{}
	ref := &workerpool.ResourceRef{Name: "ip-1"}
	client := &fakeResourceClient{getResult: GetResult{Found: true, ProvisioningState: "Succeeded", ID: "/ip-1"}}

	outcome, err := e.ProvisionResource(context.Background(), w, ref, client, nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != Ready || ref.ID != "/ip-1" {
		t.Fatalf("expected Ready with id set, got outcome=%v ref=%+v", outcome, ref)
	}
}

func TestProvisionResourceFoundFailedRequestsRemoval(t *testing.T) {
	e := NewStepEngine(nil, nil)
	w := &workerpool.Worker{}
	ref := &workerpool.ResourceRef{Name: "vm-1"}
	client := &fakeResourceClient{getResult: GetResult{Found: true, ProvisioningState: "Failed", ID: "/vm-1"}}

	outcome, err := e.ProvisionResource(context.Background(), w, ref, client, nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != RemoveRequested {
		t.Fatalf("expected RemoveRequested, got %v", outcome)
	}
	if ref.Present() {
		t.Fatalf("ref should not be marked present after a failed provisioning state")
	}
}

func TestProvisionResourceNotFoundStartsCreate(t *testing.T) {
	e := NewStepEngine(nil, nil)
	w := &workerpool.Worker{}
	ref := &workerpool.ResourceRef{Name: "nic-1"}
	client := &fakeResourceClient{getErr: respErr(http.StatusNotFound), createOpID: "https://management.azure.com/op/123"}

	outcome, err := e.ProvisionResource(context.Background(), w, ref, client, map[string]any{}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != StillWaiting {
		t.Fatalf("expected StillWaiting after starting a create, got %v", outcome)
	}
	if client.createCalls != 1 {
		t.Fatalf("expected exactly one create call, got %d", client.createCalls)
	}
	if ref.Operation != "https://management.azure.com/op/123" {
		t.Fatalf("expected operation url stored on ref, got %q", ref.Operation)
	}
}

func TestRemoveResourceAlreadyGone(t *testing.T) {
	e := NewStepEngine(nil, nil)
	ref := &workerpool.ResourceRef{Name: "ip-1"}
	client := &fakeResourceClient{getErr: respErr(http.StatusNotFound)}

	gone, err := e.RemoveResource(context.Background(), ref, client)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !gone {
		t.Fatalf("expected gone=true for a 404 on an unstarted deletion")
	}
	if client.deleteCalls != 0 {
		t.Fatalf("delete should not be called once the resource is confirmed absent")
	}
}

func TestRemoveResourcePresentStartsDelete(t *testing.T) {
	e := NewStepEngine(nil, nil)
	ref := &workerpool.ResourceRef{Name: "vm-1", ID: "/vm-1"}
	client := &fakeResourceClient{deleteOpID: "https://management.azure.com/op/456"}

	gone, err := e.RemoveResource(context.Background(), ref, client)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gone {
		t.Fatalf("expected gone=false immediately after starting a delete")
	}
	if ref.Present() {
		t.Fatalf("ref id should be cleared once a delete is started")
	}
	if ref.Operation != "https://management.azure.com/op/456" {
		t.Fatalf("expected operation url stored on ref, got %q", ref.Operation)
	}
}
