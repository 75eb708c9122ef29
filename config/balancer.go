package config

import (
	"fmt"
	"time"

	"github.com/alexisml/evbalance/core/model"
)

// ChargerConfig is the static envelope of one managed charger.
type ChargerConfig struct {
	// ID ties the charger to its MQTT topic mapping.
	ID string `json:"id"`
	// MinCurrentA is the lowest current the charger can deliver; below
	// it the charger is stopped instead.
	MinCurrentA float64 `json:"min_current_a"`
	// MaxCurrentA is the hardware maximum of the charger circuit.
	MaxCurrentA float64 `json:"max_current_a"`
	// StepA is the adjustment resolution the charger accepts.
	StepA float64 `json:"step_a"`
	// RestoredCurrentA seeds the commanded current after a restart.
	RestoredCurrentA float64 `json:"restored_current_a"`
}

// BalancerConfig carries every balancing option.
type BalancerConfig struct {
	// VoltageV is the nominal service voltage used to convert metered
	// watts to amps.
	VoltageV float64 `json:"voltage_v"`
	// MaxServiceCurrentA is the main-fuse rating shared by the whole
	// household.
	MaxServiceCurrentA float64 `json:"max_service_current_a"`
	// RampUpSeconds is the cooldown between a reduction and the next
	// allowed increase.
	RampUpSeconds int `json:"ramp_up_seconds"`
	// FallbackBehavior selects what happens when the power meter cannot
	// be read: "stop", "ignore" or "set_current".
	FallbackBehavior string `json:"fallback_behavior"`
	// FallbackCurrentA is the current applied in set_current mode.
	FallbackCurrentA float64 `json:"fallback_current_a"`
	// OverloadTriggerDelaySeconds is the grace period before the
	// overload correction loop starts.
	OverloadTriggerDelaySeconds int `json:"overload_trigger_delay_seconds"`
	// OverloadLoopSeconds is the correction loop interval.
	OverloadLoopSeconds int `json:"overload_loop_seconds"`
	// ActionMaxRetries bounds the retries of a failed charger command.
	ActionMaxRetries int `json:"action_max_retries"`
	// ActionRetryBaseDelaySeconds is the first backoff delay; each
	// subsequent retry doubles it.
	ActionRetryBaseDelaySeconds int `json:"action_retry_base_delay_seconds"`
	// ActionTimeoutSeconds bounds a single command attempt. Zero means
	// no per-attempt timeout.
	ActionTimeoutSeconds int `json:"action_timeout_seconds"`
	// Disabled starts the balancer in monitoring-only mode.
	Disabled bool `json:"disabled"`

	Chargers []ChargerConfig `json:"chargers"`
}

// SetDefaults applies sane defaults.
func (c *BalancerConfig) SetDefaults() {
	if c.VoltageV == 0 {
		c.VoltageV = 230
	}
	if c.MaxServiceCurrentA == 0 {
		c.MaxServiceCurrentA = 32
	}
	if c.RampUpSeconds == 0 {
		c.RampUpSeconds = 30
	}
	if c.FallbackBehavior == "" {
		c.FallbackBehavior = string(model.FallbackStop)
	}
	if c.FallbackCurrentA == 0 {
		c.FallbackCurrentA = 6
	}
	if c.OverloadTriggerDelaySeconds == 0 {
		c.OverloadTriggerDelaySeconds = 2
	}
	if c.OverloadLoopSeconds == 0 {
		c.OverloadLoopSeconds = 5
	}
	if c.ActionMaxRetries == 0 {
		c.ActionMaxRetries = 3
	}
	if c.ActionRetryBaseDelaySeconds == 0 {
		c.ActionRetryBaseDelaySeconds = 1
	}
	for i := range c.Chargers {
		ch := &c.Chargers[i]
		if ch.MinCurrentA == 0 {
			ch.MinCurrentA = 6
		}
		if ch.MaxCurrentA == 0 {
			ch.MaxCurrentA = 32
		}
		if ch.StepA == 0 {
			ch.StepA = 1
		}
	}
}

// Validate checks mandatory fields. A charger whose maximum lies below
// its minimum is accepted: it is a legal configuration that simply never
// charges.
func (c BalancerConfig) Validate() error {
	if c.VoltageV <= 0 {
		return fmt.Errorf("voltage_v must be positive")
	}
	if c.MaxServiceCurrentA <= 0 {
		return fmt.Errorf("max_service_current_a must be positive")
	}
	if !model.FallbackMode(c.FallbackBehavior).Known() {
		return fmt.Errorf("unknown fallback_behavior %q", c.FallbackBehavior)
	}
	if len(c.Chargers) == 0 {
		return fmt.Errorf("at least one charger is required")
	}
	seen := make(map[string]struct{}, len(c.Chargers))
	for _, ch := range c.Chargers {
		if ch.ID == "" {
			return fmt.Errorf("charger id is required")
		}
		if _, dup := seen[ch.ID]; dup {
			return fmt.Errorf("duplicate charger id %q", ch.ID)
		}
		seen[ch.ID] = struct{}{}
	}
	return nil
}

// RampUpTime returns the cooldown as a duration.
func (c BalancerConfig) RampUpTime() time.Duration {
	return time.Duration(c.RampUpSeconds) * time.Second
}

// OverloadTriggerDelay returns the grace period as a duration.
func (c BalancerConfig) OverloadTriggerDelay() time.Duration {
	return time.Duration(c.OverloadTriggerDelaySeconds) * time.Second
}

// OverloadLoopInterval returns the loop interval as a duration.
func (c BalancerConfig) OverloadLoopInterval() time.Duration {
	return time.Duration(c.OverloadLoopSeconds) * time.Second
}

// ActionRetryBaseDelay returns the first backoff delay as a duration.
func (c BalancerConfig) ActionRetryBaseDelay() time.Duration {
	return time.Duration(c.ActionRetryBaseDelaySeconds) * time.Second
}

// ActionTimeout returns the per-attempt timeout as a duration.
func (c BalancerConfig) ActionTimeout() time.Duration {
	return time.Duration(c.ActionTimeoutSeconds) * time.Second
}
