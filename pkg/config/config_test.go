package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/servoworks/gomotor/pkg/motor"
	"github.com/stretchr/testify/assert"
)

const testConfig = `
[can]
interface = virtual
channel = bus0
bitrate = 500000

[network]
heartbeat_timeout_ms = 200
scan_timeout_ms = 750

[motor.1]
min_position_deg = -90
max_position_deg = 90
max_velocity_rpm = 300

[motor.12]
max_current_a = 4.5
max_torque_nm = 2.0
`

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "motor.ini")
	err := os.WriteFile(path, []byte(content), 0644)
	assert.Nil(t, err)
	return path
}

func TestLoad(t *testing.T) {
	config, err := Load(writeConfig(t, testConfig))
	assert.Nil(t, err)
	assert.Equal(t, "virtual", config.Can.Interface)
	assert.Equal(t, "bus0", config.Can.Channel)
	assert.Equal(t, 500000, config.Can.Bitrate)
	assert.Equal(t, 200*time.Millisecond, config.Network.HeartbeatTimeout)
	assert.Equal(t, 750*time.Millisecond, config.Network.ScanTimeout)
	// freshness_ms absent, keeps the default
	assert.Equal(t, motor.DefaultFreshnessWindow, config.Network.FreshnessWindow)

	assert.Len(t, config.Motors, 2)
	limits := config.Motors[1]
	assert.Equal(t, -90.0, limits.MinPosition)
	assert.Equal(t, 90.0, limits.MaxPosition)
	assert.Equal(t, 300.0, limits.MaxVelocity)
	// Unset keys fall back to the default envelope
	assert.Equal(t, motor.DefaultSafetyLimits().MaxCurrent, limits.MaxCurrent)

	limits = config.Motors[12]
	assert.Equal(t, 4.5, limits.MaxCurrent)
	assert.Equal(t, 2.0, limits.MaxTorque)
	assert.Equal(t, motor.DefaultSafetyLimits().MaxPosition, limits.MaxPosition)
}

func TestLoadEmpty(t *testing.T) {
	config, err := Load(writeConfig(t, ""))
	assert.Nil(t, err)
	assert.Equal(t, Default(), config)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.ini"))
	assert.NotNil(t, err)
}

func TestLoadBadMotorSection(t *testing.T) {
	_, err := Load(writeConfig(t, "[motor.notanumber]\nmax_torque_nm = 1\n"))
	assert.NotNil(t, err)
}
