// Package config loads SDK configuration from ini files.
// Sections : [can] for the transport connection parameters, [network] for
// the supervision timings, one [motor.N] section per motor safety envelope.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/servoworks/gomotor/pkg/motor"
	"gopkg.in/ini.v1"
)

const (
	DefaultInterface = "socketcan"
	DefaultChannel   = "can0"
	DefaultBitrate   = 1000000
)

type CanConfig struct {
	Interface string
	Channel   string
	Bitrate   int
}

type NetworkConfig struct {
	HeartbeatTimeout time.Duration
	FreshnessWindow  time.Duration
	ScanTimeout      time.Duration
}

type Config struct {
	Can     CanConfig
	Network NetworkConfig
	// Safety envelopes keyed by motor id
	Motors map[uint8]motor.SafetyLimits
}

func Default() *Config {
	return &Config{
		Can: CanConfig{
			Interface: DefaultInterface,
			Channel:   DefaultChannel,
			Bitrate:   DefaultBitrate,
		},
		Network: NetworkConfig{
			HeartbeatTimeout: motor.DefaultHeartbeatTimeout,
			FreshnessWindow:  motor.DefaultFreshnessWindow,
			ScanTimeout:      1 * time.Second,
		},
		Motors: map[uint8]motor.SafetyLimits{},
	}
}

// Load a configuration file, missing keys keep their defaults
func Load(filePath string) (*Config, error) {
	iniFile, err := ini.Load(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file %v : %w", filePath, err)
	}
	config := Default()

	canSection := iniFile.Section("can")
	config.Can.Interface = canSection.Key("interface").MustString(DefaultInterface)
	config.Can.Channel = canSection.Key("channel").MustString(DefaultChannel)
	config.Can.Bitrate = canSection.Key("bitrate").MustInt(DefaultBitrate)

	networkSection := iniFile.Section("network")
	config.Network.HeartbeatTimeout = time.Duration(
		networkSection.Key("heartbeat_timeout_ms").MustInt(int(motor.DefaultHeartbeatTimeout.Milliseconds()))) * time.Millisecond
	config.Network.FreshnessWindow = time.Duration(
		networkSection.Key("freshness_ms").MustInt(int(motor.DefaultFreshnessWindow.Milliseconds()))) * time.Millisecond
	config.Network.ScanTimeout = time.Duration(
		networkSection.Key("scan_timeout_ms").MustInt(1000)) * time.Millisecond

	for _, section := range iniFile.Sections() {
		name := section.Name()
		if !strings.HasPrefix(name, "motor.") {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimPrefix(name, "motor."), 10, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid motor section name %v : %w", name, err)
		}
		defaults := motor.DefaultSafetyLimits()
		limits := motor.SafetyLimits{
			MinPosition: section.Key("min_position_deg").MustFloat64(defaults.MinPosition),
			MaxPosition: section.Key("max_position_deg").MustFloat64(defaults.MaxPosition),
			MaxVelocity: section.Key("max_velocity_rpm").MustFloat64(defaults.MaxVelocity),
			MaxCurrent:  section.Key("max_current_a").MustFloat64(defaults.MaxCurrent),
			MaxTorque:   section.Key("max_torque_nm").MustFloat64(defaults.MaxTorque),
		}
		config.Motors[uint8(id)] = limits
	}
	return config, nil
}
