package util

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		errType   string
	}{
		{"nil", nil, false, ""},
		{"no rows", pgx.ErrNoRows, false, "not_found"},
		{"duplicate key", errors.New(`duplicate key value violates unique constraint "escrow_release_records_milestone_id_key"`), false, "duplicate_key"},
		{"connection refused", errors.New("connection refused"), true, "db_connection_error"},
		{"deadline exceeded", context.DeadlineExceeded, true, "timeout"},
		{"wrapped deadline exceeded", fmt.Errorf("place hold: %w", context.DeadlineExceeded), true, "timeout"},
		{"canceled", context.Canceled, false, "context_canceled"},
		{"net timeout", &net.DNSError{Err: "i/o deadline reached", IsTimeout: true}, true, "network_timeout"},
		{"net failure", &net.DNSError{Err: "no such host"}, true, "network_error"},
		{"processor 5xx", fmt.Errorf("payment processor 5xx: 502"), true, "processor_error"},
		{"processor unreachable", fmt.Errorf("failed to call payment processor: dial tcp: refused"), true, "processor_unavailable"},
		{"unknown", errors.New("something odd"), false, "unknown_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retryable, errType := IsRetryableError(tt.err)
			assert.Equal(t, tt.retryable, retryable)
			assert.Equal(t, tt.errType, errType)
		})
	}
}

func TestShouldRetry(t *testing.T) {
	assert.False(t, ShouldRetry(0, 3, false))
	assert.True(t, ShouldRetry(0, 3, true))
	assert.True(t, ShouldRetry(3, 3, true))
	assert.False(t, ShouldRetry(4, 3, true))
}
