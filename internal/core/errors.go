package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

var (
	ErrNotFound                       = errors.New("endpoint not found")
	ErrDuplicateEndpoint              = errors.New("duplicate endpoint")
	ErrInvalidEndpoint                = errors.New("invalid endpoint")
	ErrConnectivityVerificationFailed = errors.New("connectivity verification failed")
	ErrSinkUnavailable                = errors.New("result sink unavailable")
	ErrInvalidTableName               = errors.New("invalid results table name")
	ErrRunInProgress                  = errors.New("another comparison run holds the lock")
)

// FailureKind classifies a transport-level failure.
type FailureKind string

const (
	FailureTimeout           FailureKind = "timeout"
	FailureConnectionRefused FailureKind = "connection_refused"
	FailureDNS               FailureKind = "dns"
	FailureOther             FailureKind = "other"
)

// TransientNetworkError is a single failed dispatch attempt. The dispatcher
// retries all kinds uniformly.
type TransientNetworkError struct {
	Kind    FailureKind
	URL     string
	Attempt int
	Err     error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("attempt %d to %s failed (%s): %v", e.Attempt, e.URL, e.Kind, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// ClassifyTransportError maps a client error to a FailureKind.
func ClassifyTransportError(err error) FailureKind {
	if err == nil {
		return FailureOther
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return FailureDNS
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return FailureConnectionRefused
	}

	return FailureOther
}
