package side

import (
	"fmt"
	"io/fs"
	"testing"
)

func TestClassifyUnauthorized(t *testing.T) {
	err := &HTTPError{StatusCode: 401, Err: fmt.Errorf("unauthorized")}
	if c := Classify(err); c != ClassRevoked {
		t.Error("misclassified unauthorized error as", c)
	}
}

func TestClassifyInsufficientStorage(t *testing.T) {
	err := &HTTPError{StatusCode: 507, Err: fmt.Errorf("insufficient storage")}
	if c := Classify(err); c != ClassQuota {
		t.Error("misclassified insufficient-storage error as", c)
	}
}

func TestClassifyRequestEntityTooLarge(t *testing.T) {
	err := &HTTPError{StatusCode: 413, Err: fmt.Errorf("too large")}
	if c := Classify(err); c != ClassIncompatible {
		t.Error("misclassified too-large error as", c)
	}
}

func TestClassifyServiceUnavailable(t *testing.T) {
	err := &HTTPError{StatusCode: 503, Err: fmt.Errorf("unavailable")}
	if c := Classify(err); c != ClassTransient {
		t.Error("misclassified service-unavailable error as", c)
	}
}

func TestClassifyGenericServerError(t *testing.T) {
	err := &HTTPError{StatusCode: 599, Err: fmt.Errorf("weird")}
	if c := Classify(err); c != ClassTransient {
		t.Error("misclassified unlisted 5xx error as", c)
	}
}

func TestClassifyGenericClientError(t *testing.T) {
	err := &HTTPError{StatusCode: 418, Err: fmt.Errorf("teapot")}
	if c := Classify(err); c != ClassIncompatible {
		t.Error("misclassified unlisted 4xx error as", c)
	}
}

func TestClassifyNotExist(t *testing.T) {
	if c := Classify(fs.ErrNotExist); c != ClassTransient {
		t.Error("misclassified ErrNotExist as", c)
	}
}
