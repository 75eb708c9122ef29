package scenarios

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/alexisml/evbalance/core/coordinator"
	"github.com/alexisml/evbalance/core/events"
	coremetrics "github.com/alexisml/evbalance/core/metrics"
	"github.com/alexisml/evbalance/core/model"
	"github.com/alexisml/evbalance/infra/logger"
	"github.com/alexisml/evbalance/internal/eventbus"
)

// nopActuator accepts every command. Scenarios assert on the engine's
// allocations, not on transport behavior.
type nopActuator struct{}

func (nopActuator) StartCharging(context.Context) error      { return nil }
func (nopActuator) StopCharging(context.Context) error       { return nil }
func (nopActuator) SetCurrent(context.Context, float64) error { return nil }

// RunScenario builds a coordinator from the scenario definition, plays
// the steps through it on a mock clock and checks the expectations.
func RunScenario(t *testing.T, sc *Scenario) {
	clk := clock.NewMock()
	bus := eventbus.New[events.Event]()
	defer bus.Close()

	chargers := make([]coordinator.ChargerConfig, len(sc.Chargers))
	for i, ch := range sc.Chargers {
		chargers[i] = coordinator.ChargerConfig{
			ID:               ch.ID,
			Limits:           ch.Limits(),
			Actuator:         nopActuator{},
			RestoredCurrentA: ch.RestoredCurrentA,
		}
	}

	fallbackA := sc.FallbackCurrentA
	if fallbackA == 0 {
		fallbackA = 6
	}
	c, err := coordinator.New(coordinator.Config{
		Service: model.ServiceLimits{
			VoltageV:           sc.VoltageV,
			MaxServiceCurrentA: sc.MaxServiceCurrentA,
		},
		Chargers:             chargers,
		RampUpTime:           time.Duration(sc.RampUpSeconds) * time.Second,
		FallbackMode:         parseFallback(sc.FallbackBehavior),
		FallbackCurrentA:     fallbackA,
		ActionRetryBaseDelay: time.Millisecond,
		Enabled:              true,
	}, clk, bus, coremetrics.NopSink{}, logger.NopLogger{})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	defer c.Close()
	c.Ready()

	for _, step := range sc.Steps {
		switch {
		case step.Unavailable:
			c.HandleMeterValue("unavailable")
		case step.PowerW != 0 || step.AdvanceSeconds == 0:
			c.HandleMeterValue(strconv.FormatFloat(step.PowerW, 'f', -1, 64))
		}
		if d := step.Advance(); d > 0 {
			clk.Add(d)
		}
	}

	for _, snap := range c.Snapshots() {
		if want, ok := sc.Expected.Currents[snap.ChargerID]; ok {
			if snap.CurrentSetA != want {
				t.Errorf("scenario %s charger %s: expected %.1fA, got %.1fA", sc.Name, snap.ChargerID, want, snap.CurrentSetA)
			}
		}
		if want, ok := sc.Expected.States[snap.ChargerID]; ok {
			if snap.State != want {
				t.Errorf("scenario %s charger %s: expected state %s, got %s", sc.Name, snap.ChargerID, want, snap.State)
			}
		}
		if snap.FallbackActive != sc.Expected.FallbackActive {
			t.Errorf("scenario %s charger %s: expected fallback_active=%v, got %v", sc.Name, snap.ChargerID, sc.Expected.FallbackActive, snap.FallbackActive)
		}
		if snap.MeterHealthy != !sc.Expected.MeterUnhealthy {
			t.Errorf("scenario %s charger %s: expected meter_healthy=%v, got %v", sc.Name, snap.ChargerID, !sc.Expected.MeterUnhealthy, snap.MeterHealthy)
		}
	}
}
