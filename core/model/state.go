package model

import "time"

// BalancerState is the externally visible operational state of one charger.
// It is derived from the cycle outcome and never feeds back into the
// balancing algorithm.
type BalancerState string

const (
	StateDisabled   BalancerState = "disabled"
	StateStopped    BalancerState = "stopped"
	StateRampUpHold BalancerState = "ramp_up_hold"
	StateAdjusting  BalancerState = "adjusting"
	StateActive     BalancerState = "active"
)

// FallbackMode selects the behavior applied when the power meter cannot
// be read.
type FallbackMode string

const (
	FallbackStop       FallbackMode = "stop"
	FallbackIgnore     FallbackMode = "ignore"
	FallbackSetCurrent FallbackMode = "set_current"
)

// Known reports whether the mode is one of the recognized values.
// Unrecognized modes fail safe to stop.
func (m FallbackMode) Known() bool {
	switch m {
	case FallbackStop, FallbackIgnore, FallbackSetCurrent:
		return true
	}
	return false
}

// Trigger reasons attached to state updates so consumers can tell why a
// charger command was issued.
const (
	ReasonMeterUpdate     = "power_meter_update"
	ReasonParameterChange = "parameter_change"
	ReasonManualOverride  = "manual_override"
	ReasonFallback        = "fallback_unavailable"
)

// ActionStatus is the outcome of the most recent actuator command.
type ActionStatus string

const (
	ActionStatusNone    ActionStatus = ""
	ActionStatusSuccess ActionStatus = "success"
	ActionStatusFailure ActionStatus = "failure"
)

// ActionDiagnostics exposes the most recent actuator command outcome for
// debugging charger communication issues. Written only by the action
// executor.
type ActionDiagnostics struct {
	LastError     string
	LastTimestamp time.Time
	LastStatus    ActionStatus
	RetryCount    int
	Latency       time.Duration
}

// Snapshot is the full externally published state of one charger after a
// balancing cycle.
type Snapshot struct {
	ChargerID          string
	CurrentSetA        float64
	CurrentSetW        float64
	AvailableCurrentA  float64
	Active             bool
	State              BalancerState
	MeterHealthy       bool
	FallbackActive     bool
	ConfiguredFallback FallbackMode
	Reason             string
	Diagnostics        ActionDiagnostics
	Timestamp          time.Time
}
