package workerloop

import (
	"errors"
	"testing"
	"time"
)

var testError = errors.New("boom")

func TestPeriodicWorkerWaitPropagatesError(t *testing.T) {
	funcHasRun := make(chan struct{})
	doWork := func(_ <-chan struct{}) error {
		funcHasRun <- struct{}{}
		return testError
	}

	w := NewPeriodicWorker(doWork, time.Second)
	<-funcHasRun
	if err := w.Wait(); err != testError {
		t.Fatalf("Wait() = %v, want %v", err, testError)
	}
}

func TestPeriodicWorkerKill(t *testing.T) {
	doWork := func(stop <-chan struct{}) error {
		<-stop
		return nil
	}

	w := NewPeriodicWorker(doWork, time.Second)
	w.Kill()
	if err := w.Wait(); err != nil {
		t.Fatalf("Wait() = %v, want nil", err)
	}
	// killing again must not panic
	w.Kill()
}

func TestPeriodicWorkerCallUntilKilled(t *testing.T) {
	funcHasRun := make(chan struct{})
	doWork := func(_ <-chan struct{}) error {
		funcHasRun <- struct{}{}
		return nil
	}

	w := NewPeriodicWorker(doWork, time.Millisecond)
	for i := 0; i < 5; i++ {
		select {
		case <-funcHasRun:
			continue
		case <-time.After(time.Second):
			t.Fatal("doWork should have been called again by now")
		}
	}
	w.Kill()
	if err := w.Wait(); err != nil {
		t.Fatalf("Wait() = %v, want nil", err)
	}
}
