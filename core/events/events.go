// Package events defines the notifications published on the internal bus
// after each balancing cycle. Consumers (state publishers, notification
// bridges, metric sinks) subscribe without the engine knowing about them.
package events

import (
	"time"

	"github.com/alexisml/evbalance/core/model"
)

// Event is any message published on the balancer bus.
type Event any

// StateUpdate is published after every cycle for every charger, whether
// or not its command changed.
type StateUpdate struct {
	Snapshot model.Snapshot
}

// MeterUnavailable is published when the power meter disappears and the
// fallback behavior stopped the charger.
type MeterUnavailable struct {
	ChargerID string
	PrevA     float64
}

// FallbackActivated is published when the power meter disappears and a
// configured fallback current was applied instead of a stop.
type FallbackActivated struct {
	ChargerID string
	FallbackA float64
}

// OverloadStop is published when a charger was stopped because the
// service has no headroom for its minimum current.
type OverloadStop struct {
	ChargerID  string
	PrevA      float64
	AvailableA float64
}

// ChargingResumed is published when a previously stopped charger starts
// charging again.
type ChargingResumed struct {
	ChargerID string
	CurrentA  float64
}

// ActionFailed is published when an actuator command exhausted all its
// retry attempts.
type ActionFailed struct {
	ChargerID string
	Action    string
	Err       string
	Attempts  int
	Latency   time.Duration
}

// FaultKind distinguishes the independent warning lifecycles.
type FaultKind string

const (
	FaultMeter    FaultKind = "meter_unavailable"
	FaultOverload FaultKind = "overload_stop"
	FaultAction   FaultKind = "action_failed"
)

// FaultCleared is published when a previously reported fault condition
// has resolved.
type FaultCleared struct {
	ChargerID string
	Kind      FaultKind
}
