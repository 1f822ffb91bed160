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
	cfg := "SENSOR_SOURCE=iis3dwb\nIMU_SPI_DEVICE=/dev/spidev-missing\nLOG_LEVEL=error\n"
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))

	assert.Equal(t, 1, run([]string{"-config", path}))
}
