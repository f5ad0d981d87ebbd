package azure

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/keyvault/armkeyvault"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azkeys"
	"github.com/juju/errors"

	"github.com/virgilt/taskcluster-azure-provisioner/internal/workerpool"
)

// EncryptionManager provisions the Key Vault + vault key a launch
// config's DiskEncryptionConfig asks for, so the VM step can reference
// a disk encryption set on the OS disk (spec.md §3 supplemented
// feature: disk encryption).
type EncryptionManager struct {
	vaults  *armkeyvault.VaultsClient
	clients *Clients
	tenant  string
}

func NewEncryptionManager(clients *Clients, cfg *ProviderConfig) (*EncryptionManager, error) {
	vaults, err := armkeyvault.NewVaultsClient(cfg.SubscriptionID, clients.Credential(), nil)
	if err != nil {
		return nil, errors.Annotate(err, "building key vault client")
	}
	return &EncryptionManager{vaults: vaults, clients: clients, tenant: cfg.Domain}, nil
}

// EnsureKey resolves DiskEncryptionConfig into a vault key identifier
// usable as an OS disk's encryptionSettingsCollection.diskEncryptionKey
// source vault/url pair: it creates the vault (recovering a
// soft-deleted one of the same name if present) and a 4096-bit RSA key
// inside it, if they don't already exist.
func (m *EncryptionManager) EnsureKey(ctx context.Context, w *workerpool.Worker, lc workerpool.LaunchConfig) (vaultID, keyURL string, err error) {
	cfg := lc.DiskEncryption
	if cfg == nil {
		return "", "", nil
	}
	if cfg.VaultNamePrefix == "" {
		return "", "", errors.NotValidf("disk encryption config missing vaultNamePrefix")
	}
	if len(cfg.VaultNamePrefix) > 15 {
		return "", "", errors.Errorf("vault name prefix %q too long, must be 15 characters or less", cfg.VaultNamePrefix)
	}

	vaultName := fmt.Sprintf("%s-%s", cfg.VaultNamePrefix, vaultNameSuffix(w.WorkerPoolID))

	_, deletedErr := m.vaults.GetDeleted(ctx, vaultName, lc.Location, nil)
	createMode := armkeyvault.CreateModeDefault
	if deletedErr == nil {
		createMode = armkeyvault.CreateModeRecover
	}

	accessPolicies := []*armkeyvault.AccessPolicyEntry{{
		TenantID: to.Ptr(m.tenant),
		ObjectID: to.Ptr(cfg.VaultUserID),
		Permissions: &armkeyvault.Permissions{
			Keys: to.SliceOfPtrs(armkeyvault.PossibleKeyPermissionsValues()...),
		},
	}}

	params := armkeyvault.VaultCreateOrUpdateParameters{
		Location: to.Ptr(lc.Location),
		Properties: &armkeyvault.VaultProperties{
			TenantID:                 to.Ptr(m.tenant),
			EnabledForDiskEncryption: to.Ptr(true),
			EnableSoftDelete:         to.Ptr(true),
			EnablePurgeProtection:    to.Ptr(true),
			CreateMode:               to.Ptr(createMode),
			SKU: &armkeyvault.SKU{
				Family: to.Ptr(armkeyvault.SKUFamilyA),
				Name:   to.Ptr(armkeyvault.SKUNameStandard),
			},
			AccessPolicies: accessPolicies,
		},
	}

	poller, err := m.vaults.BeginCreateOrUpdate(ctx, w.ProviderData.ResourceGroupName, vaultName, params, nil)
	if err != nil {
		return "", "", errors.Annotatef(err, "creating vault %q", vaultName)
	}
	result, err := poller.PollUntilDone(ctx, nil)
	if err != nil {
		return "", "", errors.Annotatef(err, "creating vault %q", vaultName)
	}

	keyName := cfg.VaultKeyName
	if keyName == "" {
		keyName = "disk-secret"
	}
	keyClient, err := azkeys.NewClient(*result.Properties.VaultURI, m.clients.Credential(), nil)
	if err != nil {
		return "", "", errors.Annotatef(err, "creating vault key client for %q", vaultName)
	}
	keyResp, err := keyClient.CreateKey(ctx, keyName, azkeys.CreateKeyParameters{
		Kty:     to.Ptr(azkeys.KeyTypeRSA),
		KeySize: to.Ptr(int32(4096)),
		KeyOps: []*azkeys.KeyOperation{
			to.Ptr(azkeys.KeyOperationWrapKey),
			to.Ptr(azkeys.KeyOperationUnwrapKey),
		},
		KeyAttributes: &azkeys.KeyAttributes{Enabled: to.Ptr(true)},
	}, nil)
	if err != nil {
		if !isConflictError(err) {
			return "", "", errors.Annotatef(err, "creating vault key in %q", vaultName)
		}
	}

	if result.ID == nil || keyResp.Key.KID == nil {
		return "", "", errors.New("vault or key response missing identifiers")
	}
	return *result.ID, string(*keyResp.Key.KID), nil
}

// vaultNameSuffix derives a short, vault-name-safe suffix from a
// worker pool id so vault names stay unique across pools without
// exceeding Key Vault's 24-character name limit.
func vaultNameSuffix(workerPoolID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(workerPoolID))
	return fmt.Sprintf("%08x", h.Sum32())
}
