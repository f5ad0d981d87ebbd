package azure

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v2"
	"github.com/juju/errors"

	"github.com/virgilt/taskcluster-azure-provisioner/internal/workerpool"
)

// adminPasswordLength matches the teacher's windows-admin-password
// convention of generating a password long enough that Azure's
// complexity check never rejects it.
const adminPasswordLength = 72

const passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%^&*-_="

// generateAdminPassword produces a random password satisfying Azure's
// OS-profile complexity requirement (at least three of: lowercase,
// uppercase, digit, special). The 72-character length and full
// alphabet sweep make that guaranteed in practice; we don't bother
// re-rolling on the astronomically unlikely miss.
func generateAdminPassword() (string, error) {
	buf := make([]byte, adminPasswordLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(passwordAlphabet))))
		if err != nil {
			return "", errors.Annotate(err, "generating admin password")
		}
		buf[i] = passwordAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// stripUserSuppliedDiskNames removes any "name" field a launch config
// set on the OS disk or data disks: Azure generates disk names derived
// from the VM, and the provider's disk bookkeeping (AzureProviderData.
// Disks) depends on discovering those generated names from the VM
// response rather than trusting user input (spec.md §4.4).
func stripUserSuppliedDiskNames(storage workerpool.StorageProfile) workerpool.StorageProfile {
	out := storage
	if out.OsDisk != nil {
		osDisk := make(map[string]any, len(out.OsDisk))
		for k, v := range out.OsDisk {
			if k == "name" {
				continue
			}
			osDisk[k] = v
		}
		out.OsDisk = osDisk
	}
	if len(out.DataDisks) > 0 {
		disks := make([]map[string]any, len(out.DataDisks))
		for i, d := range out.DataDisks {
			cleaned := make(map[string]any, len(d))
			for k, v := range d {
				if k == "name" {
					continue
				}
				cleaned[k] = v
			}
			disks[i] = cleaned
		}
		out.DataDisks = disks
	}
	return out
}

// Pipeline drives the IP -> NIC -> VM -> disks provisioning sequence
// for a single worker, one step per call (spec.md §4.4). It and
// Removal below share the StepEngine's ResourceClient seam so the same
// ordering/idempotency guarantees hold in both directions.
type Pipeline struct {
	clients    *Clients
	steps      *StepEngine
	cfg        *ProviderConfig
	encryption *EncryptionManager
	identities *IdentityManager
}

func NewPipeline(clients *Clients, steps *StepEngine, cfg *ProviderConfig, encryption *EncryptionManager, identities *IdentityManager) *Pipeline {
	return &Pipeline{clients: clients, steps: steps, cfg: cfg, encryption: encryption, identities: identities}
}

// Advance runs the next unfinished provisioning step for w, returning
// true once the VM and all its resources are confirmed present.
func (p *Pipeline) Advance(ctx context.Context, providerID string, w *workerpool.Worker, lc workerpool.LaunchConfig) (done bool, removeRequested bool, err error) {
	pd := &w.ProviderData
	tags := mergeTags(p.cfg, w, providerID, lc.Tags)

	if pd.IP.Name == "" {
		name, err := nicerID()
		if err != nil {
			return false, false, errors.Annotate(err, "generating public ip name")
		}
		pd.IP.Name = truncate(fmt.Sprintf("pip-%s", name), maxNetNameLen)
	}
	outcome, err := p.steps.ProvisionResource(ctx, w, &pd.IP, p.clients.IPClient(), ipConfig(lc), tags, nil)
	if err != nil {
		return false, false, errors.Annotate(err, "provisioning public ip")
	}
	switch outcome {
	case RemoveRequested:
		return false, true, nil
	case StillWaiting:
		return false, false, nil
	}

	if pd.NIC.Name == "" {
		name, err := nicerID()
		if err != nil {
			return false, false, errors.Annotate(err, "generating network interface name")
		}
		pd.NIC.Name = truncate(fmt.Sprintf("nic-%s", name), maxNetNameLen)
	}
	outcome, err = p.steps.ProvisionResource(ctx, w, &pd.NIC, p.clients.NICClient(), nicConfig(lc, pd), tags, nil)
	if err != nil {
		return false, false, errors.Annotate(err, "provisioning network interface")
	}
	switch outcome {
	case RemoveRequested:
		return false, true, nil
	case StillWaiting:
		return false, false, nil
	}

	if pd.VM.Name == "" {
		first, err := nicerID()
		if err != nil {
			return false, false, errors.Annotate(err, "generating virtual machine name")
		}
		second, err := nicerID()
		if err != nil {
			return false, false, errors.Annotate(err, "generating virtual machine name")
		}
		pd.VM.Name = truncate(fmt.Sprintf("vm-%s-%s", first, second), maxVMNameLen)
		computerName, err := nicerID()
		if err != nil {
			return false, false, errors.Annotate(err, "generating computer name")
		}
		pd.VM.ComputerName = truncate(computerName, 15)
	}
	vmConfig, adminPassword, err := p.vmConfig(ctx, providerID, w, lc, pd)
	if err != nil {
		return false, false, errors.Trace(err)
	}
	_ = adminPassword // credential handed to the worker solely via customData; not persisted.

	outcome, err = p.steps.ProvisionResource(ctx, w, &pd.VM.ResourceRef, p.clients.VMClient(), vmConfig, tags, p.recordDisks)
	if err != nil {
		return false, false, errors.Annotate(err, "provisioning virtual machine")
	}
	switch outcome {
	case RemoveRequested:
		return false, true, nil
	case StillWaiting:
		return false, false, nil
	}

	return true, false, nil
}

// recordDisks is the VM step's ModifyFunc: once the VM exists, read
// back the OS and data disk names Azure generated so the removal
// pipeline knows what to delete (spec.md §4.4 last step).
func (p *Pipeline) recordDisks(ctx context.Context, w *workerpool.Worker, raw any) error {
	vm, ok := raw.(armcompute.VirtualMachine)
	if !ok || vm.Properties == nil || vm.Properties.StorageProfile == nil {
		return nil
	}
	sp := vm.Properties.StorageProfile
	var disks []workerpool.DiskRef
	if sp.OSDisk != nil && sp.OSDisk.Name != nil {
		disks = append(disks, workerpool.DiskRef{ResourceRef: workerpool.ResourceRef{Name: *sp.OSDisk.Name}})
	}
	for _, d := range sp.DataDisks {
		if d != nil && d.Name != nil {
			disks = append(disks, workerpool.DiskRef{ResourceRef: workerpool.ResourceRef{Name: *d.Name}})
		}
	}
	if len(disks) > 0 {
		w.ProviderData.Disks = disks
	}
	return nil
}

func ipConfig(lc workerpool.LaunchConfig) any {
	return map[string]any{
		"location": lc.Location,
		"properties": map[string]any{
			"publicIPAllocationMethod": "Dynamic",
		},
	}
}

func nicConfig(lc workerpool.LaunchConfig, pd *workerpool.AzureProviderData) any {
	return map[string]any{
		"location": lc.Location,
		"properties": map[string]any{
			"ipConfigurations": []map[string]any{{
				"name": "primary",
				"properties": map[string]any{
					"subnet":                    map[string]any{"id": lc.SubnetID},
					"privateIPAllocationMethod": "Dynamic",
					"publicIPAddress":           map[string]any{"id": pd.IP.ID},
				},
			}},
		},
	}
}

func (p *Pipeline) vmConfig(ctx context.Context, providerID string, w *workerpool.Worker, lc workerpool.LaunchConfig, pd *workerpool.AzureProviderData) (map[string]any, string, error) {
	adminPassword, err := generateAdminPassword()
	if err != nil {
		return nil, "", errors.Trace(err)
	}
	custom, err := buildCustomData(p.cfg, providerID, w, lc.WorkerConfig)
	if err != nil {
		return nil, "", errors.Trace(err)
	}
	storage := stripUserSuppliedDiskNames(lc.StorageProfile)

	if lc.DiskEncryption != nil && p.encryption != nil {
		_, keyURL, err := p.encryption.EnsureKey(ctx, w, lc)
		if err != nil {
			return nil, "", errors.Annotate(err, "ensuring disk encryption key")
		}
		if storage.OsDisk == nil {
			storage.OsDisk = map[string]any{}
		}
		storage.OsDisk["managedDisk"] = map[string]any{
			"diskEncryptionSet": map[string]any{"id": lc.DiskEncryption.DiskEncryptionSetName},
		}
		storage.OsDisk["encryptionSettingsCollection"] = map[string]any{
			"enabled": true,
			"encryptionSettings": []map[string]any{{
				"diskEncryptionKey": map[string]any{"secretUrl": keyURL},
			}},
		}
	}

	osProfile := map[string]any{
		"computerName":  pd.VM.ComputerName,
		"adminUsername": "azureuser",
		"adminPassword": adminPassword,
		"customData":    custom,
	}
	for k, v := range lc.OsProfile {
		if k == "computerName" || k == "adminUsername" || k == "adminPassword" || k == "customData" {
			continue
		}
		osProfile[k] = v
	}

	properties := map[string]any{
		"hardwareProfile": map[string]any{"vmSize": lc.HardwareProfile.VMSize},
		"storageProfile":  map[string]any{"osDisk": storage.OsDisk, "dataDisks": storage.DataDisks},
		"osProfile":       osProfile,
		"networkProfile": map[string]any{
			"networkInterfaces": []map[string]any{{"id": pd.NIC.ID}},
		},
	}
	if lc.BillingProfile != nil {
		properties["billingProfile"] = lc.BillingProfile
	}

	body := map[string]any{
		"location":   lc.Location,
		"properties": properties,
	}
	identity := lc.Identity
	if identity != "" && p.identities != nil {
		resolved, err := p.identities.ResolveID(ctx, identity, lc.Location)
		if err != nil {
			return nil, "", errors.Annotate(err, "resolving managed identity")
		}
		identity = resolved
	}
	if identity != "" {
		body["identity"] = map[string]any{
			"type":                   "UserAssigned",
			"userAssignedIdentities": map[string]any{identity: map[string]any{}},
		}
	}
	return body, adminPassword, nil
}

