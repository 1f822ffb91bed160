package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunReturnsErrorCode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vibration_config.txt")
	cfg := "SENSOR_SOURCE=mock\nIMU_ODR_HZ=12345\nWEB_SERVER_PORT=0\nLOG_LEVEL=error\n"
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))

	// A pipeline that cannot start reports failure instead of exiting.
	assert.Equal(t, 1, run([]string{"-config", path}))
	assert.Equal(t, 2, run([]string{"-unknown"}))
}
