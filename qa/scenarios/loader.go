// Package scenarios runs declarative balancing scenarios described in
// YAML against the coordinator. Scenarios feed a sequence of meter
// readings through the engine and assert the resulting allocations.
package scenarios

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alexisml/evbalance/core/model"
)

type ChargerDef struct {
	ID               string  `yaml:"id"`
	MinCurrentA      float64 `yaml:"min_current_a"`
	MaxCurrentA      float64 `yaml:"max_current_a"`
	StepA            float64 `yaml:"step_a"`
	RestoredCurrentA float64 `yaml:"restored_current_a,omitempty"`
}

func (c ChargerDef) Limits() model.ChargerLimits {
	return model.ChargerLimits{
		MinCurrentA: c.MinCurrentA,
		MaxCurrentA: c.MaxCurrentA,
		StepA:       c.StepA,
	}
}

// StepDef is one scenario step: a meter reading, a meter outage, or a
// plain passage of time.
type StepDef struct {
	PowerW         float64 `yaml:"power_w,omitempty"`
	Unavailable    bool    `yaml:"unavailable,omitempty"`
	AdvanceSeconds int     `yaml:"advance_seconds,omitempty"`
}

func (s StepDef) Advance() time.Duration {
	return time.Duration(s.AdvanceSeconds) * time.Second
}

type Expected struct {
	Currents       map[string]float64             `yaml:"currents"`
	States         map[string]model.BalancerState `yaml:"states,omitempty"`
	FallbackActive bool                           `yaml:"fallback_active,omitempty"`
	MeterUnhealthy bool                           `yaml:"meter_unhealthy,omitempty"`
}

type Scenario struct {
	Name               string       `yaml:"name"`
	Description        string       `yaml:"description,omitempty"`
	VoltageV           float64      `yaml:"voltage_v"`
	MaxServiceCurrentA float64      `yaml:"max_service_current_a"`
	RampUpSeconds      int          `yaml:"ramp_up_seconds,omitempty"`
	FallbackBehavior   string       `yaml:"fallback_behavior,omitempty"`
	FallbackCurrentA   float64      `yaml:"fallback_current_a,omitempty"`
	Chargers           []ChargerDef `yaml:"chargers"`
	Steps              []StepDef    `yaml:"steps"`
	Expected           Expected     `yaml:"expected"`
}

func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

func parseFallback(s string) model.FallbackMode {
	m := model.FallbackMode(s)
	if !m.Known() {
		return model.FallbackStop
	}
	return m
}
