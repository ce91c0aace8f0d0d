package errs_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moneta-io/moneta/errs"
)

func TestErrorRendering(t *testing.T) {
	cause := errors.New("connection reset")
	err := errs.New("keypool", errs.CodeResource,
		errs.WithCanonicalCode(errs.CanonicalNoKeyAvailable),
		errs.WithMessage("no credential with sufficient balance"),
		errs.WithField("exchange", "binance"),
		errs.WithCause(cause),
	)

	rendered := err.Error()
	require.Contains(t, rendered, "component=keypool")
	require.Contains(t, rendered, "code=resource")
	require.Contains(t, rendered, "canonical=no_key_available")
	require.Contains(t, rendered, `exchange="binance"`)
	require.Contains(t, rendered, `cause="connection reset"`)
	require.ErrorIs(t, err, cause)
}

func TestNilEnvelope(t *testing.T) {
	var err *errs.E
	require.Equal(t, "<nil>", err.Error())
}

func TestCanonicalExtraction(t *testing.T) {
	err := errs.New("memo", errs.CodeProtocol, errs.WithCanonicalCode(errs.CanonicalInvalidChecksum))
	wrapped := fmt.Errorf("decode memo: %w", err)

	require.Equal(t, errs.CanonicalInvalidChecksum, errs.Canonical(wrapped))
	require.Equal(t, errs.CanonicalUnknown, errs.Canonical(errors.New("plain")))
	require.True(t, errs.IsProtocol(wrapped))
	require.False(t, errs.IsProtocol(errors.New("plain")))
}

func TestTerminalClassification(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		terminal bool
	}{
		{"protocol", errs.New("memo", errs.CodeProtocol), true},
		{"resource", errs.New("keypool", errs.CodeResource), true},
		{"reconciliation", errs.New("settle", errs.CodeReconciliation), true},
		{"remote transient", errs.New("exchange", errs.CodeRemote), false},
		{"remote rejection", errs.New("exchange", errs.CodeRemote, errs.WithCanonicalCode(errs.CanonicalOrderRejected)), true},
		{"remote invalid symbol", errs.New("exchange", errs.CodeRemote, errs.WithCanonicalCode(errs.CanonicalInvalidSymbol)), true},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.terminal, errs.IsTerminal(tc.err))
		})
	}
}
