package azure

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/fullsailor/pkcs7"
	"github.com/juju/errors"

	"github.com/virgilt/taskcluster-azure-provisioner/internal/provider"
	"github.com/virgilt/taskcluster-azure-provisioner/internal/workerpool"
)

// attestedDataDocument is the body signed inside the PKCS#7 envelope
// the Azure Instance Metadata Service hands a VM (spec.md §4.8 step
// "parse attested data").
type attestedDataDocument struct {
	LicenseType string `json:"licenseType"`
	Nonce       string `json:"nonce"`
	Plan        struct {
		Name      string `json:"name"`
		Product   string `json:"product"`
		Publisher string `json:"publisher"`
	} `json:"plan"`
	SKU       string    `json:"sku"`
	Subscription string `json:"subscriptionId"`
	Timestamp struct {
		CreatedOn string `json:"createdOn"`
		ExpiresOn string `json:"expiresOn"`
	} `json:"timestamp"`
	VMID string `json:"vmId"`
}

// vmIDSource is the narrow seam Verifier needs to bind a first
// registration's attested vmId to the worker's actual VM; *Clients
// satisfies it via GetVMID.
type vmIDSource interface {
	GetVMID(ctx context.Context, name string) (string, error)
}

// Verifier validates Azure attested-data identity proofs and, on
// success, registers a worker (spec.md §4.8). It holds no per-pool
// state: the registration expiry is resolved by the caller from pool
// config and passed into RegisterWorker/registerVerified on each call,
// since a single Verifier is shared across pools and registrations for
// distinct pools can race each other.
type Verifier struct {
	store   workerpool.Store
	clients vmIDSource
	roots   *x509.CertPool
}

// NewVerifier loads the pinned Microsoft intermediate CA chain from
// caCertDir: every PEM file in the directory is added to the pool used
// to verify the PKCS#7 signer's certificate (spec.md §4.8 step 4).
func NewVerifier(store workerpool.Store, clients vmIDSource, caCertDir string) (*Verifier, error) {
	roots := x509.NewCertPool()
	entries, err := os.ReadDir(caCertDir)
	if err != nil {
		return nil, errors.Annotate(err, "reading CA cert directory")
	}
	loaded := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(caCertDir, e.Name()))
		if err != nil {
			return nil, errors.Annotatef(err, "reading CA cert %q", e.Name())
		}
		if roots.AppendCertsFromPEM(raw) {
			loaded++
		}
	}
	if loaded == 0 {
		return nil, errors.NotValidf("no CA certificates loaded from %q", caCertDir)
	}
	return &Verifier{store: store, clients: clients, roots: roots}, nil
}

// RegisterWorker validates proof and, if it checks out, transitions w
// from requested to running and returns its registration result. Every
// failure is logged in full detail internally but surfaced to the
// caller as the single opaque message spec.md §7 mandates, so a
// forged or replayed document never leaks which check tripped it.
func (v *Verifier) RegisterWorker(ctx context.Context, pool *workerpool.WorkerPool, workerGroup, workerID string, proof provider.IdentityProof, expiry time.Duration) (*provider.RegistrationResult, error) {
	_, vmID, err := v.verify(proof.Document)
	if err != nil {
		logger.Warningf("registerWorker %s/%s/%s: %v", pool.WorkerPoolID, workerGroup, workerID, err)
		return nil, errors.New("Signature validation error")
	}

	result, err := v.registerVerified(ctx, pool, workerGroup, workerID, vmID, expiry)
	if err != nil {
		logger.Warningf("registerWorker %s/%s/%s: %v", pool.WorkerPoolID, workerGroup, workerID, err)
		return nil, errors.New("Signature validation error")
	}
	return result, nil
}

// registerVerified applies an already-verified vmId to the worker's
// store row, separated from RegisterWorker so the binding/duplicate/
// expiry logic is exercisable without a signed PKCS#7 fixture. expiry
// is resolved by the caller from pool config, not stored on v, since v
// is shared across pools.
func (v *Verifier) registerVerified(ctx context.Context, pool *workerpool.WorkerPool, workerGroup, workerID, vmID string, expiry time.Duration) (*provider.RegistrationResult, error) {
	var result *provider.RegistrationResult
	_, err := v.store.UpdateWorker(ctx, pool.WorkerPoolID, workerGroup, workerID, func(w *workerpool.Worker) (*workerpool.Worker, error) {
		if w == nil {
			return nil, errors.NotFoundf("worker %s/%s/%s", pool.WorkerPoolID, workerGroup, workerID)
		}

		if w.ProviderData.VM.VMID == "" {
			// First registration: bind the attested vmId to the worker's
			// actual VM by reading it live, rather than trusting whatever
			// vmId the document claims.
			liveVMID, err := v.clients.GetVMID(ctx, w.ProviderData.VM.Name)
			if err != nil {
				return nil, errors.Annotate(err, "fetching live vmId")
			}
			if liveVMID != vmID {
				return nil, errors.NotValidf("attested vmId does not match the worker's virtual machine")
			}
		} else if w.ProviderData.VM.VMID != vmID {
			// A second, different vmId claiming this workerId: refuse.
			return nil, nil
		}

		if w.State == workerpool.StateRunning && w.ProviderData.VM.VMID == vmID {
			// Re-registration from the same VM: refresh expiry, don't
			// duplicate-fail.
		} else if w.State != workerpool.StateRequested {
			return nil, nil
		}

		w.ProviderData.VM.VMID = vmID
		w.State = workerpool.StateRunning
		expires := time.Now().Add(expiry)
		w.Expires = expires
		w.ProviderData.TerminateAfter = expires
		result = &provider.RegistrationResult{Expires: expires, WorkerConfig: w.ProviderData.WorkerConfig}
		return w, nil
	})
	if err != nil {
		return nil, errors.Annotate(err, "store update")
	}
	if result == nil {
		return nil, errors.New("registration refused (duplicate vmId or wrong state)")
	}
	return result, nil
}

// verify parses and checks a base64(DER(PKCS#7 SignedData)) document,
// returning the embedded attested-data document and its vmId.
func (v *Verifier) verify(document string) (*attestedDataDocument, string, error) {
	der, err := base64.StdEncoding.DecodeString(document)
	if err != nil {
		return nil, "", errors.Annotate(err, "base64-decoding identity proof")
	}

	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, "", errors.Annotate(err, "parsing PKCS#7 envelope")
	}

	if err := v.verifyChain(p7); err != nil {
		return nil, "", errors.Trace(err)
	}

	if err := p7.Verify(); err != nil {
		return nil, "", errors.Annotate(err, "verifying PKCS#7 signature")
	}

	var doc attestedDataDocument
	if err := json.Unmarshal(p7.Content, &doc); err != nil {
		return nil, "", errors.Annotate(err, "unmarshalling attested data")
	}
	if doc.VMID == "" {
		return nil, "", errors.NotValidf("attested data missing vmId")
	}

	if doc.Timestamp.ExpiresOn != "" {
		expires, err := time.Parse(time.RFC3339, doc.Timestamp.ExpiresOn)
		if err == nil && time.Now().After(expires) {
			return nil, "", errors.NotValidf("attested data expired at %s", doc.Timestamp.ExpiresOn)
		}
	}

	return &doc, doc.VMID, nil
}

// verifyChain checks that the PKCS#7 signer certificate chains up to
// one of the pinned Microsoft intermediate CAs loaded at startup.
func (v *Verifier) verifyChain(p7 *pkcs7.PKCS7) error {
	if len(p7.Certificates) == 0 {
		return errors.NotValidf("PKCS#7 envelope has no signer certificate")
	}
	leaf := p7.Certificates[0]
	intermediates := x509.NewCertPool()
	for _, c := range p7.Certificates[1:] {
		intermediates.AddCert(c)
	}
	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return errors.Annotate(err, "signer certificate does not chain to a pinned CA")
	}
	return nil
}
