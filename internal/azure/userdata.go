package azure

import (
	"encoding/base64"
	"encoding/json"

	"github.com/juju/errors"

	"github.com/virgilt/taskcluster-azure-provisioner/internal/workerpool"
)

// customData is the JSON document embedded (base64-encoded) in every
// VM's osProfile.customData, giving the worker everything it needs to
// register itself (spec.md §4.4 step "build customData").
type customData struct {
	RootURL      string         `json:"rootUrl"`
	WorkerPoolID string         `json:"workerPoolId"`
	ProviderID   string         `json:"providerId"`
	WorkerGroup  string         `json:"workerGroup"`
	WorkerID     string         `json:"workerId"`
	WorkerConfig map[string]any `json:"workerConfig,omitempty"`
}

// buildCustomData renders the worker's customData document and returns
// it base64-encoded, ready to assign to osProfile.customData.
func buildCustomData(cfg *ProviderConfig, providerID string, w *workerpool.Worker, workerConfig map[string]any) (string, error) {
	doc := customData{
		RootURL:      cfg.RootURL,
		WorkerPoolID: w.WorkerPoolID,
		ProviderID:   providerID,
		WorkerGroup:  w.WorkerGroup,
		WorkerID:     w.WorkerID,
		WorkerConfig: workerConfig,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", errors.Annotate(err, "marshalling customData")
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
