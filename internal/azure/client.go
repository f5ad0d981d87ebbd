package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v2"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork"
	"github.com/juju/errors"
)

// Clients bundles every Azure SDK client the provider needs. The
// typed *_Get wrappers below use the generated clients directly (we
// want the SDK's response decoding for provisioningState/id); creates
// and deletes go through doARMRequest instead of the generated Begin*
// methods so the provider controls polling itself (see operation.go).
type Clients struct {
	cred azcore.TokenCredential
	http *http.Client
	gw   *Gateway

	subscriptionID string
	resourceGroup  string

	VM   *armcompute.VirtualMachinesClient
	Disk *armcompute.DisksClient
	IP   *armnetwork.PublicIPAddressesClient
	NIC  *armnetwork.InterfacesClient
}

// NewClients builds the provider's Azure SDK client set from a
// ProviderConfig, matching the teacher's environprovider.go credential
// construction (ClientSecretCredential over clientId/secret/domain).
// Every call the returned Clients exposes is routed through gw, per
// spec.md §4.1's "every outgoing cloud call MUST go through a bucket".
func NewClients(cfg *ProviderConfig, gw *Gateway) (*Clients, error) {
	cred, err := azidentity.NewClientSecretCredential(cfg.Domain, cfg.ClientID, cfg.Secret, nil)
	if err != nil {
		return nil, errors.Annotate(err, "building service principal credential")
	}

	armOpts := &arm.ClientOptions{}
	vmClient, err := armcompute.NewVirtualMachinesClient(cfg.SubscriptionID, cred, armOpts)
	if err != nil {
		return nil, errors.Annotate(err, "building virtual machines client")
	}
	diskClient, err := armcompute.NewDisksClient(cfg.SubscriptionID, cred, armOpts)
	if err != nil {
		return nil, errors.Annotate(err, "building disks client")
	}
	ipClient, err := armnetwork.NewPublicIPAddressesClient(cfg.SubscriptionID, cred, armOpts)
	if err != nil {
		return nil, errors.Annotate(err, "building public ip client")
	}
	nicClient, err := armnetwork.NewInterfacesClient(cfg.SubscriptionID, cred, armOpts)
	if err != nil {
		return nil, errors.Annotate(err, "building network interfaces client")
	}

	return &Clients{
		cred:           cred,
		http:           http.DefaultClient,
		gw:             gw,
		subscriptionID: cfg.SubscriptionID,
		resourceGroup:  cfg.ResourceGroupName,
		VM:             vmClient,
		Disk:           diskClient,
		IP:             ipClient,
		NIC:            nicClient,
	}, nil
}

// Credential exposes the provider's service-principal credential, used
// by OperationPoller and by the identity-proof CA-chain verifier's
// companion calls.
func (c *Clients) Credential() azcore.TokenCredential { return c.cred }

const armScope = "https://management.azure.com/.default"

func (c *Clients) armURL(provider, resourceType, name, apiVersion string) string {
	return fmt.Sprintf(
		"https://management.azure.com/subscriptions/%s/resourceGroups/%s/providers/%s/%s/%s?api-version=%s",
		c.subscriptionID, c.resourceGroup, provider, resourceType, name, apiVersion,
	)
}

// doARMRequest issues a single PUT or DELETE against the ARM REST API
// and returns the Azure-AsyncOperation (or Location) header as the
// operation URL the Step Engine will poll, deliberately bypassing the
// SDK's Begin*/resume-token poller (see operation.go).
func (c *Clients) doARMRequest(ctx context.Context, method, url string, body any) (operationURL string, err error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return "", errors.Annotate(err, "marshalling request body")
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return "", errors.Trace(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	tok, err := c.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{armScope}})
	if err != nil {
		return "", errors.Annotate(err, "acquiring management token")
	}
	req.Header.Set("Authorization", "Bearer "+tok.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Trace(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(resp.Body)
		return "", &azcore.ResponseError{StatusCode: resp.StatusCode, RawResponse: resp, ErrorCode: string(payload)}
	}

	if u := resp.Header.Get("Azure-AsyncOperation"); u != "" {
		return u, nil
	}
	if u := resp.Header.Get("Location"); u != "" {
		return u, nil
	}
	// 200/204 with no async header: the operation already completed
	// synchronously, there is nothing further to poll.
	return "", nil
}

// GetInstanceView fetches a VM's current power state (and its
// provisioningState) by expanding instanceView on the Get call, so the
// scanner can classify a VM whose resource still exists but whose
// guest is stopped or deallocated. found is false when the VM has
// vanished out of band. Routed through the gateway's "get" bucket.
func (c *Clients) GetInstanceView(ctx context.Context, name string) (found bool, provisioningState, powerState string, err error) {
	var resp armcompute.VirtualMachinesClientGetResponse
	getErr := c.gw.Enqueue(ctx, "get", func() error {
		var e error
		resp, e = c.VM.Get(ctx, c.resourceGroup, name, &armcompute.VirtualMachinesClientGetOptions{
			Expand: to.Ptr(armcompute.InstanceViewTypesInstanceView),
		})
		return e
	})
	if getErr != nil {
		if isNotFoundError(getErr) {
			return false, "", "", nil
		}
		return false, "", "", getErr
	}
	if resp.Properties == nil {
		return true, "", "", nil
	}
	if resp.Properties.ProvisioningState != nil {
		provisioningState = *resp.Properties.ProvisioningState
	}
	if resp.Properties.InstanceView == nil {
		return true, provisioningState, "", nil
	}
	for _, status := range resp.Properties.InstanceView.Statuses {
		if status == nil || status.Code == nil {
			continue
		}
		if state, ok := strings.CutPrefix(*status.Code, "PowerState/"); ok {
			return true, provisioningState, state, nil
		}
	}
	return true, provisioningState, "", nil
}

// GetVMID reads the live, Azure-generated vmId (the guest BIOS id
// embedded in attested-data documents) off the named VM. Routed
// through the gateway's "get" bucket.
func (c *Clients) GetVMID(ctx context.Context, name string) (string, error) {
	var resp armcompute.VirtualMachinesClientGetResponse
	err := c.gw.Enqueue(ctx, "get", func() error {
		var e error
		resp, e = c.VM.Get(ctx, c.resourceGroup, name, nil)
		return e
	})
	if err != nil {
		return "", err
	}
	if resp.Properties == nil || resp.Properties.VMID == nil {
		return "", errors.NotFoundf("vmId for virtual machine %q", name)
	}
	return *resp.Properties.VMID, nil
}

// --- IP -----------------------------------------------------------

type ipClient struct{ c *Clients }

func (c *Clients) IPClient() ResourceClient { return &ipClient{c: c} }

func (r *ipClient) Get(ctx context.Context, name string) (GetResult, error) {
	var resp armnetwork.PublicIPAddressesClientGetResponse
	err := r.c.gw.Enqueue(ctx, "get", func() error {
		var e error
		resp, e = r.c.IP.Get(ctx, r.c.resourceGroup, name, nil)
		return e
	})
	if err != nil {
		return GetResult{}, err
	}
	state := ""
	if resp.Properties != nil && resp.Properties.ProvisioningState != nil {
		state = string(*resp.Properties.ProvisioningState)
	}
	id := ""
	if resp.ID != nil {
		id = *resp.ID
	}
	return GetResult{Found: true, ProvisioningState: state, ID: id, Raw: resp.PublicIPAddress}, nil
}

func (r *ipClient) BeginCreateOrUpdate(ctx context.Context, name string, config any, tags map[string]string) (string, error) {
	body := map[string]any{"location": config, "tags": tags}
	if m, ok := config.(map[string]any); ok {
		body = m
		body["tags"] = tags
	}
	url := r.c.armURL("Microsoft.Network", "publicIPAddresses", name, "2023-09-01")
	var opID string
	err := r.c.gw.Enqueue(ctx, "query", func() error {
		var e error
		opID, e = r.c.doARMRequest(ctx, http.MethodPut, url, body)
		return e
	})
	return opID, err
}

func (r *ipClient) BeginDelete(ctx context.Context, name string) (string, error) {
	url := r.c.armURL("Microsoft.Network", "publicIPAddresses", name, "2023-09-01")
	var opID string
	err := r.c.gw.Enqueue(ctx, "query", func() error {
		var e error
		opID, e = r.c.doARMRequest(ctx, http.MethodDelete, url, nil)
		return e
	})
	return opID, err
}

// --- NIC ------------------------------------------------------------

type nicClient struct{ c *Clients }

func (c *Clients) NICClient() ResourceClient { return &nicClient{c: c} }

func (r *nicClient) Get(ctx context.Context, name string) (GetResult, error) {
	var resp armnetwork.InterfacesClientGetResponse
	err := r.c.gw.Enqueue(ctx, "get", func() error {
		var e error
		resp, e = r.c.NIC.Get(ctx, r.c.resourceGroup, name, nil)
		return e
	})
	if err != nil {
		return GetResult{}, err
	}
	state := ""
	if resp.Properties != nil && resp.Properties.ProvisioningState != nil {
		state = string(*resp.Properties.ProvisioningState)
	}
	id := ""
	if resp.ID != nil {
		id = *resp.ID
	}
	return GetResult{Found: true, ProvisioningState: state, ID: id, Raw: resp.Interface}, nil
}

func (r *nicClient) BeginCreateOrUpdate(ctx context.Context, name string, config any, tags map[string]string) (string, error) {
	body, _ := config.(map[string]any)
	if body == nil {
		body = map[string]any{}
	}
	body["tags"] = tags
	url := r.c.armURL("Microsoft.Network", "networkInterfaces", name, "2023-09-01")
	var opID string
	err := r.c.gw.Enqueue(ctx, "query", func() error {
		var e error
		opID, e = r.c.doARMRequest(ctx, http.MethodPut, url, body)
		return e
	})
	return opID, err
}

func (r *nicClient) BeginDelete(ctx context.Context, name string) (string, error) {
	url := r.c.armURL("Microsoft.Network", "networkInterfaces", name, "2023-09-01")
	var opID string
	err := r.c.gw.Enqueue(ctx, "query", func() error {
		var e error
		opID, e = r.c.doARMRequest(ctx, http.MethodDelete, url, nil)
		return e
	})
	return opID, err
}

// --- VM ---------------------------------------------------------------

type vmClient struct{ c *Clients }

func (c *Clients) VMClient() ResourceClient { return &vmClient{c: c} }

func (r *vmClient) Get(ctx context.Context, name string) (GetResult, error) {
	var resp armcompute.VirtualMachinesClientGetResponse
	err := r.c.gw.Enqueue(ctx, "get", func() error {
		var e error
		resp, e = r.c.VM.Get(ctx, r.c.resourceGroup, name, nil)
		return e
	})
	if err != nil {
		return GetResult{}, err
	}
	state := ""
	if resp.Properties != nil && resp.Properties.ProvisioningState != nil {
		state = *resp.Properties.ProvisioningState
	}
	id := ""
	if resp.ID != nil {
		id = *resp.ID
	}
	return GetResult{Found: true, ProvisioningState: state, ID: id, Raw: resp.VirtualMachine}, nil
}

func (r *vmClient) BeginCreateOrUpdate(ctx context.Context, name string, config any, tags map[string]string) (string, error) {
	body, _ := config.(map[string]any)
	if body == nil {
		body = map[string]any{}
	}
	body["tags"] = tags
	url := r.c.armURL("Microsoft.Compute", "virtualMachines", name, "2024-03-01")
	var opID string
	err := r.c.gw.Enqueue(ctx, "query", func() error {
		var e error
		opID, e = r.c.doARMRequest(ctx, http.MethodPut, url, body)
		return e
	})
	return opID, err
}

func (r *vmClient) BeginDelete(ctx context.Context, name string) (string, error) {
	url := r.c.armURL("Microsoft.Compute", "virtualMachines", name, "2024-03-01")
	var opID string
	err := r.c.gw.Enqueue(ctx, "query", func() error {
		var e error
		opID, e = r.c.doARMRequest(ctx, http.MethodDelete, url, nil)
		return e
	})
	return opID, err
}

// --- Disk -------------------------------------------------------------

type diskClient struct{ c *Clients }

func (c *Clients) DiskClient() ResourceClient { return &diskClient{c: c} }

func (r *diskClient) Get(ctx context.Context, name string) (GetResult, error) {
	var resp armcompute.DisksClientGetResponse
	err := r.c.gw.Enqueue(ctx, "get", func() error {
		var e error
		resp, e = r.c.Disk.Get(ctx, r.c.resourceGroup, name, nil)
		return e
	})
	if err != nil {
		return GetResult{}, err
	}
	state := ""
	if resp.Properties != nil && resp.Properties.ProvisioningState != nil {
		state = *resp.Properties.ProvisioningState
	}
	id := ""
	if resp.ID != nil {
		id = *resp.ID
	}
	return GetResult{Found: true, ProvisioningState: state, ID: id, Raw: resp.Disk}, nil
}

func (r *diskClient) BeginCreateOrUpdate(ctx context.Context, name string, config any, tags map[string]string) (string, error) {
	return "", errors.NotSupportedf("disks are never created directly by the provider; they're created as part of the VM")
}

func (r *diskClient) BeginDelete(ctx context.Context, name string) (string, error) {
	url := r.c.armURL("Microsoft.Compute", "disks", name, "2024-03-02")
	var opID string
	err := r.c.gw.Enqueue(ctx, "query", func() error {
		var e error
		opID, e = r.c.doARMRequest(ctx, http.MethodDelete, url, nil)
		return e
	})
	return opID, err
}
