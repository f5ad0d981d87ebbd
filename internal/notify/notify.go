// Package notify stands in for the external notification service
// named as an out-of-scope collaborator in spec.md §1/§6.
package notify

import (
	"context"

	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("workerd.notify")

// Kind enumerates the error taxonomy of spec.md §7 that gets reported
// to a WorkerPool's owner.
type Kind string

const (
	KindCreationError   Kind = "creation-error"
	KindDeletionError   Kind = "deletion-error"
	KindOperationError  Kind = "operation-error"
	KindRegistration    Kind = "registration-error-warning"
)

// Report is one notification about a pool.
type Report struct {
	WorkerPoolID string
	Kind         Kind
	Message      string
}

// Notifier delivers Reports to whatever out-of-repository system emails
// pool owners / posts to chat / opens tickets.
type Notifier interface {
	Notify(ctx context.Context, r Report) error
}

// LogNotifier is the default Notifier: it logs at warning/notice level.
// Suitable for a standalone binary with no external notification
// service wired up.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, r Report) error {
	logger.Warningf("%s: %s: %s", r.WorkerPoolID, r.Kind, r.Message)
	return nil
}
