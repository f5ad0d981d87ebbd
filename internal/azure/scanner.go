package azure

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/virgilt/taskcluster-azure-provisioner/internal/workerpool"
)

// migrateLegacyDisk moves a provider-data row's legacy singular Disk
// field into Disks on first touch, so every later step only ever has
// to look at Disks (spec.md §4.7 step "migrate legacy disk field").
func migrateLegacyDisk(pd *workerpool.AzureProviderData) {
	if pd.Disk == nil {
		return
	}
	pd.Disks = append([]workerpool.DiskRef{*pd.Disk}, pd.Disks...)
	pd.Disk = nil
}

// poolStats accumulates the per-pool counters a ScanCleanup reports
// (spec.md §4.7 last step).
type poolStats struct {
	seen   int64
	errors int64
}

// vmPowerStateSource is the narrow seam the scanner needs to classify
// a present VM's health; *Clients satisfies it via GetInstanceView.
type vmPowerStateSource interface {
	GetInstanceView(ctx context.Context, name string) (found bool, provisioningState, powerState string, err error)
}

// Scanner drives CheckWorker/ScanPrepare/ScanCleanup for the Azure
// provider, aggregating per-pool seen/error counts across one pass.
type Scanner struct {
	clients  vmPowerStateSource
	pipeline *Pipeline
	removal  *RemovalPipeline
	store    workerpool.Store
	notifier notifierFunc

	mu    sync.Mutex
	stats map[string]*poolStats
}

// notifierFunc is the narrow slice of internal/notify.Notifier the
// scanner needs, kept as a function type so tests can stub it without
// constructing a full Notifier.
type notifierFunc func(kind, workerPoolID, workerID, message string)

func NewScanner(clients *Clients, pipeline *Pipeline, removal *RemovalPipeline, store workerpool.Store, notify notifierFunc) *Scanner {
	return &Scanner{clients: clients, pipeline: pipeline, removal: removal, store: store, notifier: notify}
}

func (s *Scanner) ScanPrepare(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = make(map[string]*poolStats)
}

func (s *Scanner) statsFor(workerPoolID string) *poolStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[workerPoolID]
	if !ok {
		st = &poolStats{}
		s.stats[workerPoolID] = st
	}
	return st
}

// healthyExpiryFloor and healthyExpiryExtension implement the
// testable property that a healthy running worker's Expires is pushed
// out to a week whenever it's due to lapse within a day (spec.md §4.7
// last step).
const (
	healthyExpiryFloor     = 24 * time.Hour
	healthyExpiryExtension = 7 * 24 * time.Hour
)

// Power states a VM can report via instanceView. Healthy pairs a
// healthy provisioningState with running/starting; failed pairs
// anything with stopped/deallocated/deallocating/stopping regardless
// of provisioningState. Anything else is mid-transition and left
// alone this pass (spec.md §4.7).
const (
	powerStateRunning      = "running"
	powerStateStarting     = "starting"
	powerStateStopped      = "stopped"
	powerStateStopping     = "stopping"
	powerStateDeallocated  = "deallocated"
	powerStateDeallocating = "deallocating"
)

// healthyProvisioningStates are the provisioningState values the
// classifier accepts for a healthy VM (spec.md §4.7); unioned with a
// running/starting power state.
var healthyProvisioningStates = map[string]bool{
	"Succeeded": true,
	"Creating":  true,
	"Updating":  true,
}

func isHealthyPowerState(state string) bool {
	return state == powerStateRunning || state == powerStateStarting
}

func isFailedPowerState(state string) bool {
	switch state {
	case powerStateStopped, powerStateStopping, powerStateDeallocated, powerStateDeallocating:
		return true
	default:
		return false
	}
}

// CheckWorker advances w by one reconciliation step, per spec.md §4.7:
// migrate legacy fields, route stopping/expired/terminateAfter-lapsed
// workers to the removal pipeline, classify a live VM's power state
// rather than trusting a stored id, and drive the provisioning
// pipeline only while the VM resource itself doesn't exist yet.
func (s *Scanner) CheckWorker(ctx context.Context, providerID string, pool *workerpool.WorkerPool, w *workerpool.Worker) error {
	stats := s.statsFor(w.WorkerPoolID)

	migrateLegacyDisk(&w.ProviderData)

	now := time.Now()

	if w.State == workerpool.StateStopping || (!w.Expires.IsZero() && now.After(w.Expires)) {
		return s.checkRemoval(ctx, providerID, pool, w, stats)
	}
	if !w.ProviderData.TerminateAfter.IsZero() && now.After(w.ProviderData.TerminateAfter) {
		w.State = workerpool.StateStopping
		return s.checkRemoval(ctx, providerID, pool, w, stats)
	}

	if w.ProviderData.VM.Present() {
		healthy, terminate, err := s.classifyVM(ctx, w)
		if err != nil {
			stats.errors++
			if s.notifier != nil {
				s.notifier("error", w.WorkerPoolID, w.WorkerID, err.Error())
			}
			return nil
		}
		if terminate {
			w.State = workerpool.StateStopping
			return s.checkRemoval(ctx, providerID, pool, w, stats)
		}
		if healthy && w.State == workerpool.StateRunning {
			// seen[pool] accumulates capacity only on the healthy branch
			// (spec.md §4.7 last step); requested/stopping/failed workers
			// don't count towards a pool's observed healthy capacity.
			stats.seen += w.Capacity
			if w.Expires.IsZero() || w.Expires.Before(now.Add(healthyExpiryFloor)) {
				w.Expires = now.Add(healthyExpiryExtension)
			}
		}
		return nil
	}

	lc, ok := findLaunchConfig(pool, w.ProviderData.VM.Config)
	if !ok && len(pool.Config.LaunchConfigs) > 0 {
		lc = pool.Config.LaunchConfigs[0]
	}

	_, removeRequested, err := s.pipeline.Advance(ctx, providerID, w, lc)
	if err != nil {
		stats.errors++
		if s.notifier != nil {
			s.notifier("error", w.WorkerPoolID, w.WorkerID, err.Error())
		}
		return nil
	}
	if removeRequested {
		w.State = workerpool.StateStopping
		return s.checkRemoval(ctx, providerID, pool, w, stats)
	}
	return nil
}

// classifyVM reads a present VM's live provisioningState and power
// state and reports whether it's healthy, should be torn down, or is
// mid-transition (spec.md §4.7): healthy requires both a healthy
// provisioningState and a running/starting power state; failed is
// either a failed provisioningState (reusing the Step Engine's own
// failProvisioningStates set) or a stopped/stopping/deallocated/
// deallocating power state, checked independently so a VM stuck
// mid-provisioningState-transition with its guest already stopped
// still gets torn down.
func (s *Scanner) classifyVM(ctx context.Context, w *workerpool.Worker) (healthy, terminate bool, err error) {
	found, provisioningState, powerState, err := s.clients.GetInstanceView(ctx, w.ProviderData.VM.Name)
	if err != nil {
		return false, false, err
	}
	if !found {
		return false, true, nil
	}
	if failProvisioningStates[provisioningState] || isFailedPowerState(powerState) {
		return false, true, nil
	}
	if healthyProvisioningStates[provisioningState] && isHealthyPowerState(powerState) {
		return true, false, nil
	}
	return false, false, nil
}

func (s *Scanner) checkRemoval(ctx context.Context, providerID string, pool *workerpool.WorkerPool, w *workerpool.Worker, stats *poolStats) error {
	done, err := s.removal.Advance(ctx, w)
	if err != nil {
		stats.errors++
		if s.notifier != nil {
			s.notifier("error", w.WorkerPoolID, w.WorkerID, err.Error())
		}
		return nil
	}
	if done {
		w.State = workerpool.StateStopped
	}
	return nil
}

// ScanCleanup reports accumulated counters to the notifier and resets
// per-pool monitor state for pools no longer present.
func (s *Scanner) ScanCleanup(ctx context.Context, pools []*workerpool.WorkerPool) error {
	s.mu.Lock()
	stats := s.stats
	s.mu.Unlock()

	live := make(map[string]bool, len(pools))
	for _, p := range pools {
		live[p.WorkerPoolID] = true
		st, ok := stats[p.WorkerPoolID]
		if !ok {
			continue
		}
		if s.notifier != nil && st.errors > 0 {
			msg := fmt.Sprintf("%s errors seen this pass (%s workers checked)", humanize.Comma(st.errors), humanize.Comma(st.seen))
			s.notifier("warning", p.WorkerPoolID, "", msg)
		}
	}
	return nil
}

// findLaunchConfig looks up the launch config a worker was created
// from by matching its persisted VM.Config snapshot; falls back to
// !ok when the worker predates this bookkeeping.
func findLaunchConfig(pool *workerpool.WorkerPool, snapshot map[string]any) (workerpool.LaunchConfig, bool) {
	if snapshot == nil {
		return workerpool.LaunchConfig{}, false
	}
	for _, lc := range pool.Config.LaunchConfigs {
		if lc.HardwareProfile.VMSize == snapshot["vmSize"] {
			return lc, true
		}
	}
	return workerpool.LaunchConfig{}, false
}
