package faults

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestClassifyExplicitMarks(t *testing.T) {
	base := errors.New("boom")

	assert.Equal(t, ClassTransient, Classify(Transient(base)))
	assert.Equal(t, ClassPermanent, Classify(Permanent(base)))

	// Marks survive wrapping.
	wrapped := fmt.Errorf("sync account: %w", Transient(base))
	assert.Equal(t, ClassTransient, Classify(wrapped))
}

func TestClassifyDerived(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassUnknown},
		{"json syntax", &json.SyntaxError{}, ClassPermanent},
		{"no rows", pgx.ErrNoRows, ClassPermanent},
		{"pg connection failure", &pgconn.PgError{Code: "08006"}, ClassTransient},
		{"pg deadlock", &pgconn.PgError{Code: "40P01"}, ClassTransient},
		{"pg unique violation", &pgconn.PgError{Code: "23505"}, ClassPermanent},
		{"net timeout", &net.DNSError{IsTimeout: true}, ClassTransient},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"canceled", context.Canceled, ClassPermanent},
		{"unknown", errors.New("mystery"), ClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestShouldRetry(t *testing.T) {
	transient := Transient(errors.New("remote unavailable"))

	assert.True(t, ShouldRetry(transient, 0, 3))
	assert.True(t, ShouldRetry(transient, 2, 3))
	assert.False(t, ShouldRetry(transient, 3, 3))
	assert.False(t, ShouldRetry(Permanent(errors.New("bad creds")), 0, 3))
}

func TestNilPassthrough(t *testing.T) {
	assert.NoError(t, Transient(nil))
	assert.NoError(t, Permanent(nil))
}
