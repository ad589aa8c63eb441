package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/jackc/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotside-studios/davi-emv-agent/emv"
)

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"pq unique", &pq.Error{Code: "23505"}, true},
		{"pq other", &pq.Error{Code: "23503"}, false},
		{"pgconn unique", &pgconn.PgError{Code: "23505"}, true},
		{"wrapped", fmt.Errorf("insert: %w", &pq.Error{Code: "23505"}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isUniqueViolation(tt.err))
		})
	}
}

// TestPostgresFingerprints runs against a real database. Skips unless
// DAVI_EMV_TEST_DSN is set.
func TestPostgresFingerprints(t *testing.T) {
	dsn := os.Getenv("DAVI_EMV_TEST_DSN")
	if dsn == "" {
		t.Skip("DAVI_EMV_TEST_DSN not set; skipping DB integration test")
	}

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := OpenPostgres(ctx, dsn, logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Clear(ctx))

	fp := emv.Fingerprint("SN-1", emv.DefaultTerminalConfig())

	ok, err := s.Contains(ctx, fp)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Add(ctx, "SN-1", fp))
	require.NoError(t, s.Add(ctx, "SN-1", fp), "adding twice is not an error")

	ok, err = s.Contains(ctx, fp)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Clear(ctx))
	ok, err = s.Contains(ctx, fp)
	require.NoError(t, err)
	assert.False(t, ok)
}
