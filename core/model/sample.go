package model

// MeterSample is one reading from the service power meter. Available is
// false when the source reported no value at all ("unavailable",
// "unknown" or an empty payload); Numeric is false when the value could
// not be parsed or lies outside the sensor safety ceiling. The two cases
// are handled differently: a missing meter routes to fallback, a garbage
// value is skipped.
type MeterSample struct {
	Raw       string
	PowerW    float64
	Available bool
	Numeric   bool
}

// Valid reports whether the sample carries a usable wattage.
func (s MeterSample) Valid() bool { return s.Available && s.Numeric }

// Activity is the charger-activity signal reported by the charger itself.
type Activity int

const (
	// ActivityUnknown means the signal is missing or unreadable. The
	// balancer then assumes the charger is still drawing the last
	// commanded current: it must never assume less load than may exist.
	ActivityUnknown Activity = iota
	// ActivityCharging means the charger reports it is drawing current.
	ActivityCharging
	// ActivityIdle means the charger explicitly reports it is not drawing.
	ActivityIdle
)

func (a Activity) String() string {
	switch a {
	case ActivityCharging:
		return "charging"
	case ActivityIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// Drawing reports whether the EV draw estimate should include the last
// commanded current.
func (a Activity) Drawing() bool {
	return a != ActivityIdle
}
