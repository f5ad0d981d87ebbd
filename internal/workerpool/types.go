// Package workerpool defines the persistent records the Azure provider
// reconciles against: worker pools and the workers inside them.
package workerpool

import "time"

// State is the lifecycle state of a Worker.
type State string

const (
	StateRequested State = "requested"
	StateRunning   State = "running"
	StateStopping  State = "stopping"
	StateStopped   State = "stopped"
)

// NullProviderID is the sentinel providerId meaning "scheduled for
// deletion": the pool's workers are being torn down and no new ones
// will be created.
const NullProviderID = "null-provider"

// Lifecycle holds the pool-level timeouts that drive worker expiry and
// registration windows.
type Lifecycle struct {
	RegistrationTimeout   time.Duration `json:"registrationTimeout,omitempty"`
	ReregistrationTimeout time.Duration `json:"reregistrationTimeout,omitempty"`
}

// LaunchConfig is one alternative spec for creating a worker within a
// pool. The provisioner samples uniformly from a pool's LaunchConfigs.
type LaunchConfig struct {
	CapacityPerInstance int64             `json:"capacityPerInstance"`
	SubnetID            string            `json:"subnetId"`
	Location            string            `json:"location"`
	HardwareProfile      HardwareProfile   `json:"hardwareProfile"`
	StorageProfile       StorageProfile    `json:"storageProfile"`
	OsProfile            map[string]any    `json:"osProfile,omitempty"`
	NetworkProfile       map[string]any    `json:"networkProfile,omitempty"`
	BillingProfile       map[string]any    `json:"billingProfile,omitempty"`
	Tags                 map[string]string `json:"tags,omitempty"`
	WorkerConfig         map[string]any    `json:"workerConfig,omitempty"`

	// Identity, when set, names a user-assigned managed identity to
	// attach to the VM (ARM resource ID, or a short name to be
	// resolved/created under the pool's resource group).
	Identity string `json:"identity,omitempty"`

	// DiskEncryption, when set, requests that the root disk be
	// encrypted with a disk encryption set backed by a Key Vault key.
	DiskEncryption *DiskEncryptionConfig `json:"diskEncryption,omitempty"`
}

// HardwareProfile mirrors the subset of armcompute.HardwareProfile the
// provider needs from config.
type HardwareProfile struct {
	VMSize string `json:"vmSize"`
}

// StorageProfile carries the OS/data disk specs for a launch config.
// Any user-supplied disk names are stripped before the VM is created;
// see internal/azure/provision.go.
type StorageProfile struct {
	OsDisk    map[string]any   `json:"osDisk"`
	DataDisks []map[string]any `json:"dataDisks,omitempty"`
}

// DiskEncryptionConfig requests root-disk encryption for a launch
// config, ported from the teacher's storage-pool disk encryption
// attributes.
type DiskEncryptionConfig struct {
	DiskEncryptionSetName string `json:"diskEncryptionSetName,omitempty"`
	VaultNamePrefix       string `json:"vaultNamePrefix,omitempty"`
	VaultKeyName          string `json:"vaultKeyName,omitempty"`
	VaultUserID           string `json:"vaultUserId,omitempty"`
}

// Config is the persisted, user-editable configuration of a pool.
type Config struct {
	MinCapacity   int64          `json:"minCapacity"`
	MaxCapacity   int64          `json:"maxCapacity"`
	Lifecycle     Lifecycle      `json:"lifecycle"`
	LaunchConfigs []LaunchConfig `json:"launchConfigs"`
}

// WorkerPool is a named set of workers sharing a Config and a
// provider. workerPoolId has the form "provisioner/type".
type WorkerPool struct {
	WorkerPoolID        string   `json:"workerPoolId"`
	ProviderID          string   `json:"providerId"`
	Config              Config   `json:"config"`
	Owner               string   `json:"owner"`
	PreviousProviderIDs []string `json:"previousProviderIds"`

	Created      time.Time `json:"created"`
	LastModified time.Time `json:"lastModified"`
}

// ScheduledForDeletion reports whether the pool's providerId has been
// set to the null-provider sentinel.
func (p *WorkerPool) ScheduledForDeletion() bool {
	return p.ProviderID == NullProviderID
}

// RetireProvider pushes the currently active provider id onto the
// front of PreviousProviderIDs and replaces it with the null-provider
// sentinel.
func (p *WorkerPool) RetireProvider() {
	if p.ProviderID != "" && p.ProviderID != NullProviderID {
		p.PreviousProviderIDs = append([]string{p.ProviderID}, p.PreviousProviderIDs...)
	}
	p.ProviderID = NullProviderID
}

// Worker is one VM plus its IP, NIC and disks, together with the
// persistent record tracking them.
type Worker struct {
	WorkerPoolID string `json:"workerPoolId"`
	WorkerGroup  string `json:"workerGroup"` // Azure location
	WorkerID     string `json:"workerId"`    // VM name

	State State `json:"state"`

	Created      time.Time `json:"created"`
	LastModified time.Time `json:"lastModified"`
	LastChecked  time.Time `json:"lastChecked"`
	Expires      time.Time `json:"expires"`
	Capacity     int64     `json:"capacity"`

	ProviderData AzureProviderData `json:"providerData"`
}

// ResourceRef is the (name, operation, id) triple every managed
// resource type carries. id present implies the resource exists and
// is fully created; operation present with id absent implies a
// create/delete is in flight; both absent implies either not started
// or already deleted.
type ResourceRef struct {
	Name      string `json:"name,omitempty"`
	Operation string `json:"operation,omitempty"`
	ID        string `json:"id,omitempty"`
}

// Present reports whether the resource is known to exist.
func (r ResourceRef) Present() bool { return r.ID != "" }

// InFlight reports whether a create/delete has been started but not
// yet observed complete.
func (r ResourceRef) InFlight() bool { return r.Operation != "" && r.ID == "" }

// VMRef extends ResourceRef with the VM-specific fields needed across
// the provision pipeline and registration.
type VMRef struct {
	ResourceRef
	ComputerName string         `json:"computerName,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	VMID         string         `json:"vmId,omitempty"`
}

// DiskRef is one disk discovered after VM creation.
type DiskRef struct {
	ResourceRef
}

// AzureProviderData is the Azure variant of the provider-specific
// mutable bag described in spec.md §3 (flattened from the source's
// free-form providerData object into a typed struct per
// DESIGN NOTES §9).
type AzureProviderData struct {
	Location          string            `json:"location"`
	ResourceGroupName string            `json:"resourceGroupName"`
	SubnetID          string            `json:"subnetId"`
	Tags              map[string]string `json:"tags,omitempty"`

	VM   VMRef       `json:"vm"`
	IP   ResourceRef `json:"ip"`
	NIC  ResourceRef `json:"nic"`
	Disks []DiskRef  `json:"disks,omitempty"`

	// Disk is the legacy singular field migrated into Disks on first
	// scan; see internal/azure/scanner.go migrateLegacyDisk.
	Disk *DiskRef `json:"disk,omitempty"`

	TerminateAfter        time.Time      `json:"terminateAfter,omitempty"`
	ReregistrationTimeout time.Duration  `json:"reregistrationTimeout,omitempty"`
	WorkerConfig          map[string]any `json:"workerConfig,omitempty"`
}

// Reserved tag keys that always carry computed values, regardless of
// any user-supplied tag of the same key.
const (
	TagCreatedBy   = "created-by"
	TagManagedBy   = "managed-by"
	TagProviderID  = "provider-id"
	TagWorkerGroup = "worker-group"
	TagWorkerPool  = "worker-pool-id"
	TagRootURL     = "root-url"
	TagOwner       = "owner"
)
