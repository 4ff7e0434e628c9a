package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyTransportError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{name: "nil", err: nil, want: FailureOther},
		{name: "dns", err: &net.DNSError{Err: "no such host", Name: "waf.invalid", IsNotFound: true}, want: FailureDNS},
		{name: "deadline", err: fmt.Errorf("do: %w", context.DeadlineExceeded), want: FailureTimeout},
		{name: "net timeout", err: &net.OpError{Op: "read", Net: "tcp", Err: os.ErrDeadlineExceeded}, want: FailureTimeout},
		{
			name: "refused",
			err:  &net.OpError{Op: "dial", Net: "tcp", Err: &os.SyscallError{Syscall: "connect", Err: syscall.ECONNREFUSED}},
			want: FailureConnectionRefused,
		},
		{name: "other", err: errors.New("tls: handshake failure"), want: FailureOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyTransportError(tt.err))
		})
	}
}

func TestTransientNetworkError(t *testing.T) {
	inner := errors.New("boom")
	err := &TransientNetworkError{Kind: FailureOther, URL: "http://w.test/", Attempt: 2, Err: inner}

	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "attempt 2")
	assert.Contains(t, err.Error(), "http://w.test/")
}
