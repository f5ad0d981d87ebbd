package azure

import (
	"errors"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
)

// statusCode extracts the HTTP status code from err if it is (or
// wraps) an *azcore.ResponseError, and ok=false otherwise.
func statusCode(err error) (code int, ok bool) {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode, true
	}
	return 0, false
}

// isNotFoundError reports whether err is an Azure 404, the signal the
// Resource Step Engine uses to distinguish "never created"/"already
// deleted" from every other failure (spec.md §4.3).
func isNotFoundError(err error) bool {
	code, ok := statusCode(err)
	return ok && code == http.StatusNotFound
}

// isConflictError reports whether err is an Azure 409, used by the
// disk-encryption vault-key creation path to detect a soft-deleted key
// that needs recovering instead of creating (ported from the teacher's
// disk.go createVaultKey).
func isConflictError(err error) bool {
	code, ok := statusCode(err)
	return ok && code == http.StatusConflict
}

// retryClass is the outcome of classifying a cloud-call error per
// spec.md §4.1.
type retryClass struct {
	Retry   bool
	Backoff int // multiplier to apply to ProviderConfig.BackoffDelay
	Level   string
}

// classify implements the Gateway's error classifier: 429 backs off by
// 50x base, 5xx backs off exponentially with the attempt count, a
// transport error (no HTTP status at all — dial/TLS/timeout failures)
// is treated the same as a 5xx per spec.md §7's transient-cloud-error
// class, and everything else (including 404, which the Step Engine
// interprets itself) is surfaced untouched.
func classify(err error, tries int) (retryClass, bool) {
	if err == nil {
		return retryClass{}, false
	}
	code, ok := statusCode(err)
	if !ok {
		mult := 1 << tries
		return retryClass{Retry: true, Backoff: mult, Level: "warning"}, true
	}
	switch {
	case code == http.StatusTooManyRequests:
		return retryClass{Retry: true, Backoff: 50, Level: "notice"}, true
	case code >= 500:
		mult := 1 << tries
		return retryClass{Retry: true, Backoff: mult, Level: "warning"}, true
	default:
		return retryClass{}, false
	}
}
