// Package balancer contains the pure balancing arithmetic. Nothing in
// this package has side effects or reads a clock; every function is
// deterministic and safe to test in isolation.
package balancer

import (
	"math"
	"time"

	"github.com/alexisml/evbalance/core/model"
)

// AvailableCurrent converts the non-EV household draw into the current
// headroom left under the service limit:
//
//	available_a = max_service_a - non_ev_power_w / voltage_v
//
// The result may be negative (the household alone exceeds the service
// limit) or above max_service_a (solar export reported as negative power).
func AvailableCurrent(nonEVPowerW, maxServiceA, voltageV float64) float64 {
	return maxServiceA - nonEVPowerW/voltageV
}

// IsolateNonEV estimates the non-EV share of the total service draw by
// subtracting the current the chargers were last commanded to. The result
// is clamped at zero: a lagging meter that has not caught up with a just
// issued increase must not produce a negative estimate, which would let
// the target overshoot the service limit.
func IsolateNonEV(serviceCurrentA, commandedA float64) float64 {
	return math.Max(0, serviceCurrentA-commandedA)
}

// ClampCurrent clamps availableA to the charger's envelope, floored to
// the charger step. The second return value is false when the charger
// should be stopped instead: either the floored target falls below the
// minimum, or the limits themselves leave no valid operating point.
func ClampCurrent(availableA float64, lim model.ChargerLimits) (float64, bool) {
	if !lim.Operable() {
		return 0, false
	}
	step := lim.Step()
	target := math.Floor(math.Min(availableA, lim.MaxCurrentA)/step) * step
	if target < lim.MinCurrentA {
		return 0, false
	}
	return target, true
}

// TargetCurrent runs the full single-charger pipeline from a service
// meter reading in amps: isolate the non-EV load, derive the available
// headroom, and clamp to the charger envelope. commandedA is the current
// last commanded to the charger (0 when the charger is known idle).
// The boolean is false when charging should be stopped.
func TargetCurrent(serviceCurrentA, commandedA, maxServiceA float64, lim model.ChargerLimits) (availableA, targetA float64, ok bool) {
	nonEV := IsolateNonEV(serviceCurrentA, commandedA)
	availableA = maxServiceA - nonEV
	targetA, ok = ClampCurrent(availableA, lim)
	return availableA, targetA, ok
}

// RampUpLimit gates current increases behind a cooldown after the last
// reduction. Decreases and holds are never delayed. The boundary is
// inclusive: an increase exactly cooldown after the reduction is allowed.
// hasReduction is false when no reduction has been recorded yet, in which
// case increases pass through immediately.
func RampUpLimit(prevA, targetA float64, lastReduction time.Time, hasReduction bool, now time.Time, cooldown time.Duration) float64 {
	if targetA > prevA && hasReduction && now.Sub(lastReduction) < cooldown {
		return prevA
	}
	return targetA
}

// SafetyClamp is the final defense-in-depth cap applied immediately
// before a value reaches the actuator or is reported as set. A positive
// current never exceeds min(maxChargerA, maxServiceA); zero and negative
// values pass through unchanged.
func SafetyClamp(currentA, maxChargerA, maxServiceA float64) float64 {
	if currentA > 0 {
		if safe := math.Min(maxChargerA, maxServiceA); currentA > safe {
			return safe
		}
	}
	return currentA
}

// ResolveFallback maps the configured unavailable-meter behavior to the
// current that should be applied. The boolean is false for ignore mode:
// the caller must leave the charger untouched. Unrecognized modes fail
// safe to stop (0 A).
func ResolveFallback(mode model.FallbackMode, fallbackA, maxChargerA float64) (float64, bool) {
	switch mode {
	case model.FallbackIgnore:
		return 0, false
	case model.FallbackSetCurrent:
		return math.Min(fallbackA, maxChargerA), true
	default:
		return 0, true
	}
}

// FallbackReapply recomputes the fallback current after charger
// parameters changed while the meter is still unavailable. Unlike
// ResolveFallback it always returns a concrete value: ignore mode
// re-clamps the held current to the new limits (a lowered maximum must
// take effect even while the meter is offline) and stops when the held
// value now falls below the new minimum.
func FallbackReapply(mode model.FallbackMode, fallbackA float64, lim model.ChargerLimits, currentSetA float64) float64 {
	switch mode {
	case model.FallbackSetCurrent:
		return math.Min(fallbackA, lim.MaxCurrentA)
	case model.FallbackIgnore:
		if clamped, ok := ClampCurrent(currentSetA, lim); ok {
			return clamped
		}
		return 0
	default:
		return 0
	}
}

// ResolveState classifies the externally visible balancer state from the
// cycle outcome. Disabled overrides everything; a zero current is
// stopped; a blocked increase is ramp_up_hold; a changed current or a
// fresh start is adjusting; anything else is steady-state active.
func ResolveState(enabled, active, prevActive bool, prevCurrent, currentSetA float64, rampUpHeld bool) model.BalancerState {
	if !enabled {
		return model.StateDisabled
	}
	if !active {
		return model.StateStopped
	}
	if rampUpHeld {
		return model.StateRampUpHold
	}
	if currentSetA != prevCurrent || !prevActive {
		return model.StateAdjusting
	}
	return model.StateActive
}
