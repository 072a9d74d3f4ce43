package main

import (
	"errors"
	"testing"

	"github.com/benchhouse/nodebench/internal/config"
	"github.com/stretchr/testify/require"
)

func TestResolveModeDefaultsToQuick(t *testing.T) {
	mode, err := resolveMode(false, false, false)
	require.NoError(t, err)
	require.Equal(t, config.ModeQuick, mode)
}

func TestResolveModeSelectsFlag(t *testing.T) {
	mode, err := resolveMode(false, true, false)
	require.NoError(t, err)
	require.Equal(t, config.ModeStandard, mode)

	mode, err = resolveMode(false, false, true)
	require.NoError(t, err)
	require.Equal(t, config.ModeIntensive, mode)
}

func TestResolveModeRejectsMultipleFlags(t *testing.T) {
	_, err := resolveMode(true, true, false)
	require.Error(t, err)
	require.IsType(t, &argError{}, err)
}

func TestExitCodeForConfigError(t *testing.T) {
	require.Equal(t, 3, exitCodeFor(&config.ConfigError{Msg: "bad config"}))
}

func TestExitCodeForArgError(t *testing.T) {
	require.Equal(t, 2, exitCodeFor(&argError{msg: "bad args"}))
}

func TestExitCodeForGenericError(t *testing.T) {
	require.Equal(t, 1, exitCodeFor(errors.New("boom")))
}
