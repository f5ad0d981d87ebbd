package azure

import (
	stderrors "errors"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
)

func respErr(code int) error {
	return &azcore.ResponseError{StatusCode: code}
}

func TestClassifyTooManyRequests(t *testing.T) {
	rc, ok := classify(respErr(http.StatusTooManyRequests), 0)
	if !ok || !rc.Retry || rc.Backoff != 50 {
		t.Fatalf("429 classification wrong: %+v ok=%v", rc, ok)
	}
}

func TestClassifyServerErrorBacksOffExponentially(t *testing.T) {
	rc0, _ := classify(respErr(http.StatusInternalServerError), 0)
	rc1, _ := classify(respErr(http.StatusInternalServerError), 1)
	rc2, _ := classify(respErr(http.StatusInternalServerError), 2)
	if rc0.Backoff != 1 || rc1.Backoff != 2 || rc2.Backoff != 4 {
		t.Fatalf("expected doubling backoff, got %d %d %d", rc0.Backoff, rc1.Backoff, rc2.Backoff)
	}
}

func TestClassifyNotFoundIsNotRetryable(t *testing.T) {
	if _, ok := classify(respErr(http.StatusNotFound), 0); ok {
		t.Fatalf("404 should not be classified as retryable")
	}
}

func TestClassifyTransportErrorIsRetryable(t *testing.T) {
	transportErr := stderrors.New("dial tcp: connection refused")
	rc, ok := classify(transportErr, 0)
	if !ok || !rc.Retry {
		t.Fatalf("transport error should be retryable, got %+v ok=%v", rc, ok)
	}
	rc2, _ := classify(transportErr, 2)
	if rc2.Backoff != 4 {
		t.Fatalf("expected exponential backoff for a transport error, got %d", rc2.Backoff)
	}
}

func TestClassifyNilErrorIsNotRetryable(t *testing.T) {
	if _, ok := classify(nil, 0); ok {
		t.Fatalf("nil error should never be classified as retryable")
	}
}

func TestIsNotFoundError(t *testing.T) {
	if !isNotFoundError(respErr(http.StatusNotFound)) {
		t.Fatalf("expected 404 to be reported as not-found")
	}
	if isNotFoundError(respErr(http.StatusForbidden)) {
		t.Fatalf("403 should not be reported as not-found")
	}
}
