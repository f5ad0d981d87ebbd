// Command workerd runs the Azure worker-provisioning control plane as
// a standalone process: a provisioning loop that tops pools up to
// their estimated capacity, and a scanning loop that advances every
// worker's reconciliation state machine, both driven by the
// tomb-supervised periodic worker of internal/workerloop (spec.md §5).
package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/virgilt/taskcluster-azure-provisioner/internal/azure"
	"github.com/virgilt/taskcluster-azure-provisioner/internal/estimator"
	"github.com/virgilt/taskcluster-azure-provisioner/internal/metrics"
	"github.com/virgilt/taskcluster-azure-provisioner/internal/notify"
	"github.com/virgilt/taskcluster-azure-provisioner/internal/provider"
	"github.com/virgilt/taskcluster-azure-provisioner/internal/workerloop"
	"github.com/virgilt/taskcluster-azure-provisioner/internal/workerpool"
	"github.com/virgilt/taskcluster-azure-provisioner/internal/workerpool/memstore"
)

var logger = loggo.GetLogger("workerd.main")

func main() {
	if err := run(); err != nil {
		logger.Criticalf("%v", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to provider config JSON")
	providerID := flag.String("provider-id", "static/azure", "this deployment's provider id")
	provisionInterval := flag.Duration("provision-interval", 30*time.Second, "provisioning loop interval")
	scanInterval := flag.Duration("scan-interval", 10*time.Second, "scanning loop interval")
	metricsAddr := flag.String("metrics-addr", ":9090", "address to serve /metrics on")
	flag.Parse()

	if err := loggo.ConfigureLoggers("<root>=INFO"); err != nil {
		return errors.Annotate(err, "configuring loggers")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return errors.Annotate(err, "loading provider config")
	}

	m := metrics.New()
	reg := prometheus.NewRegistry()
	m.MustRegister(reg)

	store := memstore.New()
	notifier := notify.LogNotifier{}

	p, err := azure.New(cfg, *providerID, store, notifier, estimator.Bounded{}, m)
	if err != nil {
		return errors.Annotate(err, "constructing azure provider")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := p.Setup(ctx); err != nil {
		return errors.Annotate(err, "provider setup")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: *metricsAddr, Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			logger.Errorf("metrics server: %v", err)
		}
	}()

	provisionWorker := workerloop.NewPeriodicWorker(func(stop <-chan struct{}) error {
		return provisionPass(ctx, store, p)
	}, *provisionInterval)

	scanWorker := workerloop.NewPeriodicWorker(func(stop <-chan struct{}) error {
		return scanPass(ctx, store, p)
	}, *scanInterval)

	<-ctx.Done()
	logger.Infof("shutting down")

	provisionWorker.Kill()
	scanWorker.Kill()
	if err := provisionWorker.Wait(); err != nil {
		logger.Errorf("provisioning loop: %v", err)
	}
	if err := scanWorker.Wait(); err != nil {
		logger.Errorf("scanning loop: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	return nil
}

func loadConfig(path string) (*azure.ProviderConfig, error) {
	if path == "" {
		return nil, errors.NotValidf("missing -config")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var cfg azure.ProviderConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Annotate(err, "parsing config JSON")
	}
	return &cfg, nil
}

// provisionPass tops every non-retiring pool up to its estimated
// capacity (spec.md §4.9).
func provisionPass(ctx context.Context, store workerpool.Store, p *azure.Provider) error {
	pools, err := store.ListPools(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	for _, pool := range pools {
		if pool.ScheduledForDeletion() {
			if err := p.Deprovision(ctx, pool); err != nil {
				logger.Errorf("deprovision %s: %v", pool.WorkerPoolID, err)
			}
			continue
		}
		info, err := capacityInfo(ctx, store, pool)
		if err != nil {
			logger.Errorf("computing capacity for %s: %v", pool.WorkerPoolID, err)
			continue
		}
		if err := p.Provision(ctx, pool, info); err != nil {
			logger.Errorf("provisioning %s: %v", pool.WorkerPoolID, err)
		}
	}
	return nil
}

func capacityInfo(ctx context.Context, store workerpool.Store, pool *workerpool.WorkerPool) (provider.WorkerInfo, error) {
	workers, err := store.ListWorkersByPool(ctx, pool.WorkerPoolID)
	if err != nil {
		return provider.WorkerInfo{}, errors.Trace(err)
	}
	var existing int64
	for _, w := range workers {
		if w.State == workerpool.StateRunning || w.State == workerpool.StateRequested {
			existing += w.Capacity
		}
	}
	return provider.WorkerInfo{ExistingCapacity: existing, RequestedCapacity: pool.Config.MinCapacity}, nil
}

// scanPass drives CheckWorker across every pool's workers, bracketed
// by ScanPrepare/ScanCleanup (spec.md §4.7).
func scanPass(ctx context.Context, store workerpool.Store, p *azure.Provider) error {
	pools, err := store.ListPools(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	p.ScanPrepare(ctx)
	for _, pool := range pools {
		workers, err := store.ListWorkersByPool(ctx, pool.WorkerPoolID)
		if err != nil {
			logger.Errorf("listing workers for %s: %v", pool.WorkerPoolID, err)
			continue
		}
		for _, w := range workers {
			if w.State == workerpool.StateStopped {
				continue
			}
			if _, err := store.UpdateWorker(ctx, w.WorkerPoolID, w.WorkerGroup, w.WorkerID, func(cur *workerpool.Worker) (*workerpool.Worker, error) {
				if cur == nil {
					return nil, nil
				}
				prevState := cur.State
				if err := p.CheckWorker(ctx, pool, cur); err != nil {
					return nil, errors.Trace(err)
				}
				cur.LastChecked = time.Now()
				if cur.State != prevState {
					cur.LastModified = time.Now()
				}
				return cur, nil
			}); err != nil {
				logger.Errorf("checking worker %s/%s: %v", pool.WorkerPoolID, w.WorkerID, err)
			}
		}
	}
	return p.ScanCleanup(ctx, pools)
}
