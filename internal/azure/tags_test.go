package azure

import (
	"testing"

	"github.com/virgilt/taskcluster-azure-provisioner/internal/workerpool"
)

func TestMergeTagsReservedKeysAlwaysWin(t *testing.T) {
	cfg := &ProviderConfig{CreatedBy: "workerd", ManagedBy: "workerd", RootURL: "https://tc.example.com"}
	w := &workerpool.Worker{WorkerPoolID: "proj/pool", WorkerGroup: "westus2", WorkerID: "vm-1"}

	userTags := map[string]string{
		workerpool.TagProviderID: "attacker-controlled",
		workerpool.TagOwner:      "attacker-controlled",
		"custom-tag":             "keep-me",
	}

	got := mergeTags(cfg, w, "static/azure", userTags)

	if got[workerpool.TagProviderID] != "static/azure" {
		t.Fatalf("provider-id tag was overridden by user tag: %q", got[workerpool.TagProviderID])
	}
	if got[workerpool.TagOwner] != "workerd" {
		t.Fatalf("owner tag was overridden by user tag: %q", got[workerpool.TagOwner])
	}
	if got["custom-tag"] != "keep-me" {
		t.Fatalf("user-supplied non-reserved tag was dropped")
	}
	if got[workerpool.TagWorkerGroup] != "westus2" {
		t.Fatalf("worker-group tag missing or wrong: %q", got[workerpool.TagWorkerGroup])
	}
	if got[workerpool.TagWorkerPool] != "proj/pool" {
		t.Fatalf("worker-pool-id tag missing or wrong: %q", got[workerpool.TagWorkerPool])
	}
}
