package azure

import (
	"github.com/juju/collections/set"

	"github.com/virgilt/taskcluster-azure-provisioner/internal/workerpool"
)

// reservedTagKeys is the set the merge below always overwrites,
// regardless of what a launch config supplies under the same key
// (spec.md §3).
var reservedTagKeys = set.NewStrings(
	workerpool.TagCreatedBy,
	workerpool.TagManagedBy,
	workerpool.TagProviderID,
	workerpool.TagWorkerGroup,
	workerpool.TagWorkerPool,
	workerpool.TagRootURL,
	workerpool.TagOwner,
)

// mergeTags builds the tag set applied to every resource created for
// w: the launch config's user-supplied tags, with the reserved keys
// always forced to their computed values. A user-supplied tag sharing
// a reserved key is discarded, never merged.
func mergeTags(cfg *ProviderConfig, w *workerpool.Worker, providerID string, userTags map[string]string) map[string]string {
	tags := make(map[string]string, len(userTags)+len(reservedTagKeys))
	for k, v := range userTags {
		if reservedTagKeys.Contains(k) {
			continue
		}
		tags[k] = v
	}

	tags[workerpool.TagCreatedBy] = cfg.CreatedBy
	tags[workerpool.TagManagedBy] = cfg.ManagedBy
	tags[workerpool.TagProviderID] = providerID
	tags[workerpool.TagWorkerGroup] = w.WorkerGroup
	tags[workerpool.TagWorkerPool] = w.WorkerPoolID
	tags[workerpool.TagRootURL] = cfg.RootURL
	tags[workerpool.TagOwner] = cfg.CreatedBy
	return tags
}
