package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Thresholds are per-device settlement limits.
type Thresholds struct {
	MinWh float64 `yaml:"min_wh"`
}

// Policy holds settlement thresholds with per-device overrides.
type Policy struct {
	Defaults Thresholds            `yaml:"defaults"`
	Devices  map[string]Thresholds `yaml:"devices"`
}

// LoadPolicy reads a policy file. An empty path yields defaults only.
func LoadPolicy(path string, defaults Thresholds) (Policy, error) {
	policy := Policy{Defaults: defaults}
	if path == "" {
		return policy, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return policy, err
	}
	return ParsePolicy(data, defaults)
}

// ParsePolicy decodes a YAML policy document on top of defaults.
func ParsePolicy(data []byte, defaults Thresholds) (Policy, error) {
	policy := Policy{Defaults: defaults}
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return Policy{Defaults: defaults}, err
	}
	policy.Defaults = mergeThresholds(defaults, policy.Defaults)
	return policy, nil
}

// ThresholdsForDevice returns thresholds for a device.
func (p Policy) ThresholdsForDevice(deviceID string) Thresholds {
	if p.Devices != nil {
		if override, ok := p.Devices[deviceID]; ok {
			return mergeThresholds(p.Defaults, override)
		}
	}
	return p.Defaults
}

// HasOverride reports whether the device has its own thresholds.
func (p Policy) HasOverride(deviceID string) bool {
	_, ok := p.Devices[deviceID]
	return ok
}

func mergeThresholds(base, override Thresholds) Thresholds {
	if override.MinWh != 0 {
		base.MinWh = override.MinWh
	}
	return base
}

// MinWhFor returns the device's own minimum, if the policy file sets one.
func (p Policy) MinWhFor(deviceID string) (float64, bool) {
	override, ok := p.Devices[deviceID]
	if !ok || override.MinWh == 0 {
		return 0, false
	}
	return override.MinWh, true
}
