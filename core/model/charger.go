package model

// ChargerLimits defines the operating envelope of a single charger.
// A charger whose MaxCurrentA is below MinCurrentA has no valid operating
// point and is always allocated a stop.
type ChargerLimits struct {
	MinCurrentA float64
	MaxCurrentA float64
	StepA       float64
}

// Step returns the configured adjustment resolution, defaulting to 1 A
// when unset so arithmetic never divides by zero.
func (l ChargerLimits) Step() float64 {
	if l.StepA <= 0 {
		return 1
	}
	return l.StepA
}

// Operable reports whether the charger has any valid operating point.
func (l ChargerLimits) Operable() bool {
	return l.MaxCurrentA >= l.MinCurrentA
}

// ServiceLimits describes the metered household service shared by all
// chargers managed by one balancer instance.
type ServiceLimits struct {
	VoltageV           float64
	MaxServiceCurrentA float64
}
