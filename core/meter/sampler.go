// Package meter turns raw readings from the power-meter and
// charger-activity streams into validated samples.
package meter

import (
	"math"
	"strconv"
	"strings"

	"github.com/alexisml/evbalance/core/logger"
	"github.com/alexisml/evbalance/core/model"
)

// SafetyMaxPowerW is the plausibility ceiling for meter readings. A
// reading beyond it almost certainly comes from a unit-mismatched sensor
// (e.g. kWh reported instead of W) and is treated as absent.
const SafetyMaxPowerW = 200_000.0

// ChargingStateValue is the exact activity string that means the EV is
// drawing current.
const ChargingStateValue = "Charging"

// Sampler validates raw meter readings. It keeps no state; the logger is
// only used to flag rejected values.
type Sampler struct {
	log logger.Logger
}

func NewSampler(log logger.Logger) Sampler {
	return Sampler{log: log}
}

// Sample parses a raw meter reading into a MeterSample. An unavailable
// or unknown reading yields Available=false; a reading that cannot be
// parsed or exceeds the safety ceiling yields Numeric=false.
func (s Sampler) Sample(raw string) model.MeterSample {
	sample := model.MeterSample{Raw: raw}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "unavailable" || trimmed == "unknown" {
		return sample
	}
	sample.Available = true
	w, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		s.log.Warnf("could not parse power meter value: %q", raw)
		return sample
	}
	if math.Abs(w) > SafetyMaxPowerW {
		s.log.Warnf("power meter value %.0f W exceeds safety limit (%.0f W), ignoring as likely sensor error", w, SafetyMaxPowerW)
		return sample
	}
	sample.PowerW = w
	sample.Numeric = true
	return sample
}

// ParseActivity interprets a raw charger-activity reading. Exactly
// "Charging" means drawing; an unavailable or unknown reading maps to
// ActivityUnknown, which the balancer treats as still drawing; any other
// explicit state means idle.
func ParseActivity(raw string) model.Activity {
	trimmed := strings.TrimSpace(raw)
	switch trimmed {
	case "", "unavailable", "unknown":
		return model.ActivityUnknown
	case ChargingStateValue:
		return model.ActivityCharging
	default:
		return model.ActivityIdle
	}
}
