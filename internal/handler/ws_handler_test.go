package handler

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/invigil/invigil-backend/internal/model"
)

func TestParseViolationType(t *testing.T) {
	// Named kinds pass through unchanged.
	for _, raw := range []string{
		string(model.ViolationTabSwitch),
		string(model.ViolationTabSwitchOut),
		string(model.ViolationTabSwitchIn),
		string(model.ViolationVMDetected),
	} {
		vtype, ok := parseViolationType(raw)
		require.True(t, ok, raw)
		require.Equal(t, model.ViolationType(raw), vtype)
	}

	// The set of kinds is open-ended: clients report new ones without a
	// server release, and the ledger records them verbatim.
	vtype, ok := parseViolationType("SCREEN_RECORDING_STOPPED")
	require.True(t, ok)
	require.Equal(t, model.ViolationType("SCREEN_RECORDING_STOPPED"), vtype)

	_, ok = parseViolationType("")
	require.False(t, ok, "empty kind is refused")

	_, ok = parseViolationType(strings.Repeat("X", maxViolationTypeLen+1))
	require.False(t, ok, "oversized kind is refused")
}
