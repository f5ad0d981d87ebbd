package azure

import (
	"time"

	"github.com/juju/errors"
)

// RateLimitConfig configures one named token bucket (spec.md §4.1).
type RateLimitConfig struct {
	// RefillInterval is how often the bucket refills to Capacity.
	// Defaults to 100s.
	RefillInterval time.Duration `json:"refillInterval,omitempty"`
	// Capacity is the number of tokens available per RefillInterval.
	// Defaults to 2000.
	Capacity int64 `json:"capacity,omitempty"`
}

// ProviderConfig is the startup configuration for the Azure provider
// (spec.md §6 "Provider config (startup)").
type ProviderConfig struct {
	ClientID       string `json:"clientId"`
	Secret         string `json:"secret"`
	Domain         string `json:"domain"` // AAD tenant
	SubscriptionID string `json:"subscriptionId"`

	ResourceGroupName  string `json:"resourceGroupName"`
	StorageAccountName string `json:"storageAccountName"`

	// RootURL is embedded in customData so workers know where to call
	// home to.
	RootURL string `json:"rootUrl"`

	// ApiRateLimits overrides the default bucket configuration by
	// bucket name ("query", "get", "list", "opRead").
	ApiRateLimits map[string]RateLimitConfig `json:"apiRateLimits,omitempty"`

	// BackoffDelay is the base backoff unit used by the gateway's
	// classifier (spec.md §4.1): base*50 on 429, base*2^tries on 5xx.
	// Defaults to 100ms.
	BackoffDelay time.Duration `json:"_backoffDelay,omitempty"`

	// CACertDir names a directory of PEM files containing the pinned
	// Microsoft intermediate CAs used to verify attested-data
	// documents (spec.md §4.8 step 4).
	CACertDir string `json:"caCertDir"`

	CreatedBy string `json:"createdBy"`
	ManagedBy string `json:"managedBy"`
}

// Validate checks that the fields required to reach Azure and to
// verify worker identity proofs are present. A missing value here is a
// config-error (spec.md §7): fatal at startup.
func (c *ProviderConfig) Validate() error {
	if c.ClientID == "" {
		return errors.NotValidf("empty clientId")
	}
	if c.Secret == "" {
		return errors.NotValidf("empty secret")
	}
	if c.Domain == "" {
		return errors.NotValidf("empty domain")
	}
	if c.SubscriptionID == "" {
		return errors.NotValidf("empty subscriptionId")
	}
	if c.ResourceGroupName == "" {
		return errors.NotValidf("empty resourceGroupName")
	}
	if c.CACertDir == "" {
		return errors.NotValidf("empty caCertDir")
	}
	if c.BackoffDelay <= 0 {
		c.BackoffDelay = 100 * time.Millisecond
	}
	return nil
}

// defaultBuckets are the named token buckets every cloud call is
// routed through (spec.md §4.1).
var defaultBuckets = []string{"query", "get", "list", "opRead"}

const (
	defaultRefillInterval = 100 * time.Second
	defaultCapacity       = 2000
)

func (c *ProviderConfig) rateLimitFor(bucket string) RateLimitConfig {
	if rl, ok := c.ApiRateLimits[bucket]; ok {
		if rl.RefillInterval <= 0 {
			rl.RefillInterval = defaultRefillInterval
		}
		if rl.Capacity <= 0 {
			rl.Capacity = defaultCapacity
		}
		return rl
	}
	return RateLimitConfig{RefillInterval: defaultRefillInterval, Capacity: defaultCapacity}
}
