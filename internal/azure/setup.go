package azure

import (
	"context"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armsubscriptions"
	"github.com/juju/errors"
)

// Setup performs the one-time preflight spec.md §4.2 calls for: the
// configured subscription must exist and be reachable, and the
// configured resource group must exist, before any worker pool is
// allowed to provision into it.
func (p *Provider) setup(ctx context.Context) error {
	cred, err := azidentity.NewClientSecretCredential(p.cfg.Domain, p.cfg.ClientID, p.cfg.Secret, nil)
	if err != nil {
		return errors.Annotate(err, "building service principal credential for setup")
	}

	subsClient, err := armsubscriptions.NewClient(cred, nil)
	if err != nil {
		return errors.Annotate(err, "building subscriptions client")
	}
	if _, err := subsClient.Get(ctx, p.cfg.SubscriptionID, nil); err != nil {
		return errors.Annotatef(err, "subscription %q not reachable", p.cfg.SubscriptionID)
	}

	rgClient, err := armresources.NewResourceGroupsClient(p.cfg.SubscriptionID, cred, nil)
	if err != nil {
		return errors.Annotate(err, "building resource groups client")
	}
	if _, err := rgClient.Get(ctx, p.cfg.ResourceGroupName, nil); err != nil {
		return errors.Annotatef(err, "resource group %q not reachable", p.cfg.ResourceGroupName)
	}

	return nil
}
