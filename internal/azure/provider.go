package azure

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/virgilt/taskcluster-azure-provisioner/internal/estimator"
	"github.com/virgilt/taskcluster-azure-provisioner/internal/metrics"
	"github.com/virgilt/taskcluster-azure-provisioner/internal/notify"
	"github.com/virgilt/taskcluster-azure-provisioner/internal/provider"
	"github.com/virgilt/taskcluster-azure-provisioner/internal/workerpool"
)

// Provider is the Azure backend: it wires the Gateway, clients, Step
// Engine, provision/removal pipelines, provisioner, scanner and
// identity-proof verifier together behind the provider.Provider
// capability interface.
type Provider struct {
	cfg      *ProviderConfig
	id       string
	store    workerpool.Store
	notifier notify.Notifier

	clients    *Clients
	gateway    *Gateway
	poller     *OperationPoller
	steps      *StepEngine
	pipeline   *Pipeline
	removal    *RemovalPipeline
	provisioner *Provisioner
	scanner    *Scanner
	verifier   *Verifier
}

// New constructs a Provider. providerID is this deployment's provider
// id, persisted on every resource tag and worker row so the control
// plane can tell which fleet of infrastructure belongs to it versus a
// retired previous-provider generation (spec.md §3).
func New(cfg *ProviderConfig, providerID string, store workerpool.Store, notifier notify.Notifier, est estimator.Estimator, m *metrics.Collectors) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Annotate(err, "validating provider config")
	}

	gateway := NewGateway(cfg, clock.WallClock, m)
	clients, err := NewClients(cfg, gateway)
	if err != nil {
		return nil, errors.Trace(err)
	}
	poller := NewOperationPoller(clients.Credential())
	steps := NewStepEngine(gateway, poller)

	encryption, err := NewEncryptionManager(clients, cfg)
	if err != nil {
		return nil, errors.Trace(err)
	}
	identities, err := NewIdentityManager(clients, cfg)
	if err != nil {
		return nil, errors.Trace(err)
	}

	pipeline := NewPipeline(clients, steps, cfg, encryption, identities)
	removal := NewRemovalPipeline(clients, steps)
	provisioner := NewProvisioner(store, est)

	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	scanner := NewScanner(clients, pipeline, removal, store, func(kind, workerPoolID, workerID, message string) {
		_ = notifier.Notify(context.Background(), notify.Report{
			WorkerPoolID: workerPoolID,
			Kind:         notify.Kind(kind),
			Message:      message,
		})
	})

	verifier, err := NewVerifier(store, clients, cfg.CACertDir)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &Provider{
		cfg:         cfg,
		id:          providerID,
		store:       store,
		notifier:    notifier,
		clients:     clients,
		gateway:     gateway,
		poller:      poller,
		steps:       steps,
		pipeline:    pipeline,
		removal:     removal,
		provisioner: provisioner,
		scanner:     scanner,
		verifier:    verifier,
	}, nil
}

var _ provider.Provider = (*Provider)(nil)

func (p *Provider) Setup(ctx context.Context) error {
	return p.setup(ctx)
}

func (p *Provider) Provision(ctx context.Context, pool *workerpool.WorkerPool, info provider.WorkerInfo) error {
	return p.provisioner.Provision(ctx, pool, info)
}

// Deprovision is a no-op: Azure workers self-terminate and are reaped
// by CheckWorker/RemoveWorker once their pool is scheduled for
// deletion (spec.md §4.9).
func (p *Provider) Deprovision(ctx context.Context, pool *workerpool.WorkerPool) error {
	return nil
}

// defaultRegistrationExpiry is the fallback registration window when a
// pool configures neither a reregistrationTimeout nor a
// registrationTimeout (spec.md §4.8 step 10).
const defaultRegistrationExpiry = 96 * time.Hour

func (p *Provider) RegisterWorker(ctx context.Context, pool *workerpool.WorkerPool, workerGroup, workerID string, proof provider.IdentityProof) (*provider.RegistrationResult, error) {
	expiry := pool.Config.Lifecycle.ReregistrationTimeout
	if expiry <= 0 {
		expiry = pool.Config.Lifecycle.RegistrationTimeout
	}
	if expiry <= 0 {
		expiry = defaultRegistrationExpiry
	}
	// expiry is resolved per call from pool config and passed straight
	// through rather than stashed on the shared *Verifier: registrations
	// for distinct pools can arrive concurrently, and a field on the
	// long-lived verifier would race across them.
	return p.verifier.RegisterWorker(ctx, pool, workerGroup, workerID, proof, expiry)
}

func (p *Provider) CheckWorker(ctx context.Context, pool *workerpool.WorkerPool, w *workerpool.Worker) error {
	return p.scanner.CheckWorker(ctx, p.id, pool, w)
}

func (p *Provider) RemoveWorker(ctx context.Context, pool *workerpool.WorkerPool, w *workerpool.Worker, reason string) error {
	w.State = workerpool.StateStopping
	logger.Infof("removing worker %s/%s: %s", pool.WorkerPoolID, w.WorkerID, reason)
	done, err := p.removal.Advance(ctx, w)
	if err != nil {
		return errors.Trace(err)
	}
	if done {
		w.State = workerpool.StateStopped
	}
	return nil
}

func (p *Provider) ScanPrepare(ctx context.Context) {
	p.scanner.ScanPrepare(ctx)
}

func (p *Provider) ScanCleanup(ctx context.Context, pools []*workerpool.WorkerPool) error {
	return p.scanner.ScanCleanup(ctx, pools)
}
