package azure

import (
	"context"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/msi/armmsi"
	"github.com/juju/errors"
)

// IdentityManager resolves a launch config's short managed-identity
// name into the full ARM resource id the VM step needs, creating the
// user-assigned identity on first use (spec.md §3 supplemented
// feature: managed identity attachment).
type IdentityManager struct {
	client *armmsi.UserAssignedIdentitiesClient
	rg     string
}

func NewIdentityManager(clients *Clients, cfg *ProviderConfig) (*IdentityManager, error) {
	client, err := armmsi.NewUserAssignedIdentitiesClient(cfg.SubscriptionID, clients.Credential(), nil)
	if err != nil {
		return nil, errors.Annotate(err, "building managed identity client")
	}
	return &IdentityManager{client: client, rg: cfg.ResourceGroupName}, nil
}

// ResolveID returns name unchanged if it already looks like a full ARM
// resource id, otherwise it gets-or-creates a user-assigned identity
// by that name in the provider's resource group and returns its id.
func (m *IdentityManager) ResolveID(ctx context.Context, name, location string) (string, error) {
	if name == "" {
		return "", nil
	}
	if looksLikeResourceID(name) {
		return name, nil
	}

	existing, err := m.client.Get(ctx, m.rg, name, nil)
	if err == nil {
		if existing.ID != nil {
			return *existing.ID, nil
		}
	} else if !isNotFoundError(err) {
		return "", errors.Annotatef(err, "looking up managed identity %q", name)
	}

	created, err := m.client.CreateOrUpdate(ctx, m.rg, name, armmsi.Identity{Location: to.Ptr(location)}, nil)
	if err != nil {
		return "", errors.Annotatef(err, "creating managed identity %q", name)
	}
	if created.ID == nil {
		return "", errors.Errorf("managed identity %q created with no id", name)
	}
	return *created.ID, nil
}

func looksLikeResourceID(name string) bool {
	return len(name) > 0 && name[0] == '/'
}
