// Package workerloop generalises the teacher's worker.NewPeriodicWorker
// (see worker/periodicworker_test.go): a tomb-supervised goroutine that
// repeatedly invokes a work function on a fixed interval until Kill'd.
// spec.md §5 names this as the only concurrency primitive the
// provisioning loop and the scanning loop need.
package workerloop

import (
	"time"

	"gopkg.in/tomb.v2"
)

// Worker is satisfied by anything with tomb-style Kill/Wait semantics.
type Worker interface {
	Kill()
	Wait() error
}

// DoFunc is one pass of work. It receives a channel that closes when
// the worker has been killed, so a long-running pass can opt to observe
// cancellation; none of this repository's passes need to, since every
// cloud/DB call is idempotent and safe to abandon (spec.md §5).
type DoFunc func(stop <-chan struct{}) error

type periodicWorker struct {
	tomb   tomb.Tomb
	doWork DoFunc
	period time.Duration
}

// NewPeriodicWorker starts a goroutine that calls doWork every period
// until Kill is called. If doWork returns a non-nil error the worker
// dies and that error is returned from Wait.
func NewPeriodicWorker(doWork DoFunc, period time.Duration) Worker {
	w := &periodicWorker{doWork: doWork, period: period}
	w.tomb.Go(w.loop)
	return w
}

func (w *periodicWorker) loop() error {
	for {
		if err := w.doWork(w.tomb.Dying()); err != nil {
			return err
		}
		select {
		case <-w.tomb.Dying():
			return nil
		case <-time.After(w.period):
		}
	}
}

func (w *periodicWorker) Kill() {
	w.tomb.Kill(nil)
}

func (w *periodicWorker) Wait() error {
	return w.tomb.Wait()
}
