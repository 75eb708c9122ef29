package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisml/evbalance/core/events"
	"github.com/alexisml/evbalance/core/metrics"
	"github.com/alexisml/evbalance/core/model"
	"github.com/alexisml/evbalance/infra/logger"
	"github.com/alexisml/evbalance/internal/eventbus"
)

// fakeActuator records issued charger commands. Per-action failure
// counters let tests exercise the retry path, and an optional hold
// channel blocks commands until released or cancelled.
type fakeActuator struct {
	mu       sync.Mutex
	starts   int
	stops    int
	sets     []float64
	failures map[string]int
	attempts map[string]int
	hold     chan struct{}
}

func newFakeActuator() *fakeActuator {
	return &fakeActuator{
		failures: make(map[string]int),
		attempts: make(map[string]int),
	}
}

func (f *fakeActuator) gate(ctx context.Context) error {
	f.mu.Lock()
	hold := f.hold
	f.mu.Unlock()
	if hold == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-hold:
		return nil
	}
}

func (f *fakeActuator) step(ctx context.Context, action string) error {
	if err := f.gate(ctx); err != nil {
		return err
	}
	// Cancellation wins over a released hold when both race.
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[action]++
	if f.failures[action] > 0 {
		f.failures[action]--
		return fmt.Errorf("%s: charger unreachable", action)
	}
	return nil
}

func (f *fakeActuator) StartCharging(ctx context.Context) error {
	if err := f.step(ctx, "start_charging"); err != nil {
		return err
	}
	f.mu.Lock()
	f.starts++
	f.mu.Unlock()
	return nil
}

func (f *fakeActuator) StopCharging(ctx context.Context) error {
	if err := f.step(ctx, "stop_charging"); err != nil {
		return err
	}
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	return nil
}

func (f *fakeActuator) SetCurrent(ctx context.Context, amps float64) error {
	if err := f.step(ctx, "set_current"); err != nil {
		return err
	}
	f.mu.Lock()
	f.sets = append(f.sets, amps)
	f.mu.Unlock()
	return nil
}

func (f *fakeActuator) snapshot() (starts, stops int, sets []float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops, append([]float64(nil), f.sets...)
}

// drainEvents collects everything currently buffered on the bus channel.
func drainEvents(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func testConfig(act *fakeActuator) Config {
	return Config{
		Service: model.ServiceLimits{VoltageV: 230, MaxServiceCurrentA: 32},
		Chargers: []ChargerConfig{{
			ID:       "garage",
			Limits:   model.ChargerLimits{MinCurrentA: 6, MaxCurrentA: 32, StepA: 1},
			Actuator: act,
		}},
		RampUpTime:           30 * time.Second,
		FallbackMode:         model.FallbackStop,
		FallbackCurrentA:     6,
		OverloadTriggerDelay: 2 * time.Second,
		OverloadLoopInterval: 5 * time.Second,
		ActionRetryBaseDelay: time.Millisecond,
		Enabled:              true,
	}
}

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, *clock.Mock, *eventbus.Bus[events.Event]) {
	t.Helper()
	clk := clock.NewMock()
	bus := eventbus.New[events.Event]()
	c, err := New(cfg, clk, bus, metrics.NopSink{}, logger.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, clk, bus
}

func TestNewValidation(t *testing.T) {
	clk := clock.NewMock()
	log := logger.NopLogger{}

	_, err := New(Config{}, clk, nil, nil, log)
	assert.Error(t, err, "no chargers")

	cfg := testConfig(newFakeActuator())
	cfg.Service.VoltageV = 0
	_, err = New(cfg, clk, nil, nil, log)
	assert.Error(t, err, "zero voltage")

	cfg = testConfig(newFakeActuator())
	cfg.Chargers = append(cfg.Chargers, ChargerConfig{ID: "garage", Actuator: newFakeActuator()})
	_, err = New(cfg, clk, nil, nil, log)
	assert.Error(t, err, "duplicate id")

	// A charger whose maximum is below its minimum is a valid
	// configuration; it is simply never allocated current.
	cfg = testConfig(newFakeActuator())
	cfg.Chargers[0].Limits = model.ChargerLimits{MinCurrentA: 6, MaxCurrentA: 4}
	c, err := New(cfg, clk, nil, nil, log)
	require.NoError(t, err)
	c.Close()
}

func TestMeterUpdateStartsCharging(t *testing.T) {
	act := newFakeActuator()
	c, _, _ := newTestCoordinator(t, testConfig(act))

	// 5000 W at 230 V with nothing commanded yet: the full household
	// draw counts as non-EV load, leaving 10.26 A of headroom which
	// floors to 10 A.
	c.HandleMeterValue("5000")
	c.Ready()
	c.flush()

	starts, stops, sets := act.snapshot()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 0, stops)
	assert.Equal(t, []float64{10}, sets)

	snap, err := c.Snapshot("garage")
	require.NoError(t, err)
	assert.Equal(t, 10.0, snap.CurrentSetA)
	assert.Equal(t, 2300.0, snap.CurrentSetW)
	assert.InDelta(t, 10.26, snap.AvailableCurrentA, 0.001)
	assert.True(t, snap.Active)
	assert.Equal(t, model.StateAdjusting, snap.State)
	assert.True(t, snap.MeterHealthy)
	assert.Equal(t, model.ReasonMeterUpdate, snap.Reason)
}

func TestConvergenceRaisesTowardHeadroom(t *testing.T) {
	act := newFakeActuator()
	c, _, _ := newTestCoordinator(t, testConfig(act))

	c.HandleMeterValue("5000")
	c.Ready()
	c.flush()

	// The same total draw with 10 A now attributed to the EV means the
	// non-EV estimate drops and the allocation converges upward. First
	// increase from zero never recorded a reduction, so no cooldown
	// applies.
	c.HandleMeterValue("5000")
	c.flush()

	_, _, sets := act.snapshot()
	assert.Equal(t, []float64{10, 20}, sets)

	snap, err := c.Snapshot("garage")
	require.NoError(t, err)
	assert.Equal(t, 20.0, snap.CurrentSetA)
}

func TestIdleChargerExcludedFromDrawEstimate(t *testing.T) {
	act := newFakeActuator()
	c, _, _ := newTestCoordinator(t, testConfig(act))

	c.HandleMeterValue("5000")
	c.Ready()
	c.flush()

	// The charger explicitly reports no draw, so the commanded 10 A is
	// not subtracted from the meter reading: the whole 5000 W stays
	// non-EV and the target remains 10 A, with no new command.
	c.HandleActivity("garage", "Idle")
	c.HandleMeterValue("5000")
	c.flush()

	_, _, sets := act.snapshot()
	assert.Equal(t, []float64{10}, sets)
}

func TestDecreaseIsImmediateIncreaseWaitsForCooldown(t *testing.T) {
	act := newFakeActuator()
	cfg := testConfig(act)
	cfg.Service.MaxServiceCurrentA = 20
	c, clk, _ := newTestCoordinator(t, cfg)

	c.HandleMeterValue("2300")
	c.Ready()
	c.flush()
	_, _, sets := act.snapshot()
	require.Equal(t, []float64{10}, sets)

	// Household load spikes: 5750 W is 25 A, the EV accounts for 10 of
	// them, leaving 5 A of headroom. Below the 6 A minimum the charger
	// stops, and it stops immediately.
	c.HandleMeterValue("5750")
	c.flush()
	_, stops, _ := act.snapshot()
	assert.Equal(t, 1, stops)
	snap, _ := c.Snapshot("garage")
	assert.Equal(t, 0.0, snap.CurrentSetA)
	assert.Equal(t, model.StateStopped, snap.State)

	// Load drops again within the cooldown window: the increase is held.
	clk.Add(10 * time.Second)
	c.HandleMeterValue("2300")
	c.flush()
	starts, _, _ := act.snapshot()
	assert.Equal(t, 1, starts, "no restart during ramp-up cooldown")

	// At exactly the cooldown boundary the increase is allowed.
	clk.Add(20 * time.Second)
	c.HandleMeterValue("2300")
	c.flush()
	starts, _, sets = act.snapshot()
	assert.Equal(t, 2, starts)
	assert.Equal(t, []float64{10, 10}, sets)
}

func TestRampUpHoldStateReported(t *testing.T) {
	act := newFakeActuator()
	cfg := testConfig(act)
	cfg.Service.MaxServiceCurrentA = 20
	c, clk, _ := newTestCoordinator(t, cfg)

	c.HandleMeterValue("2300")
	c.Ready()
	c.flush()
	snap, _ := c.Snapshot("garage")
	require.Equal(t, 10.0, snap.CurrentSetA)

	// 5060 W is 22 A total; with 10 A attributed to the EV the non-EV
	// load is 12 A, leaving 8 A. The partial reduction keeps the
	// charger active and records the cooldown anchor.
	c.HandleMeterValue("5060")
	c.flush()
	snap, _ = c.Snapshot("garage")
	require.Equal(t, 8.0, snap.CurrentSetA)

	// Within the cooldown a higher target is held at the reduced value
	// and reported as ramp_up_hold rather than stopped.
	clk.Add(5 * time.Second)
	c.HandleMeterValue("2300")
	c.flush()
	snap, _ = c.Snapshot("garage")
	assert.Equal(t, 8.0, snap.CurrentSetA)
	assert.Equal(t, model.StateRampUpHold, snap.State)
}

func TestDisabledSkipsBalancing(t *testing.T) {
	act := newFakeActuator()
	cfg := testConfig(act)
	cfg.Enabled = false
	c, _, _ := newTestCoordinator(t, cfg)

	c.HandleMeterValue("5000")
	c.Ready()
	c.flush()

	starts, stops, sets := act.snapshot()
	assert.Zero(t, starts)
	assert.Zero(t, stops)
	assert.Empty(t, sets)
	snap, _ := c.Snapshot("garage")
	assert.Equal(t, model.StateDisabled, snap.State)

	// Enabling recomputes from the cached meter value immediately.
	c.SetEnabled(true)
	c.flush()
	starts, _, sets = act.snapshot()
	assert.Equal(t, 1, starts)
	assert.Equal(t, []float64{10}, sets)
	snap, _ = c.Snapshot("garage")
	assert.Equal(t, model.ReasonParameterChange, snap.Reason)
}

func TestManualOverride(t *testing.T) {
	act := newFakeActuator()
	c, _, _ := newTestCoordinator(t, testConfig(act))

	c.HandleMeterValue("5000")
	c.Ready()
	c.flush()

	require.NoError(t, c.ManualSetLimit("garage", 8))
	c.flush()
	_, _, sets := act.snapshot()
	assert.Equal(t, []float64{10, 8}, sets)
	snap, _ := c.Snapshot("garage")
	assert.Equal(t, model.ReasonManualOverride, snap.Reason)

	// Below the charger minimum the override stops charging.
	require.NoError(t, c.ManualSetLimit("garage", 3))
	c.flush()
	_, stops, _ := act.snapshot()
	assert.Equal(t, 1, stops)

	assert.Error(t, c.ManualSetLimit("carport", 8))
}

func TestManualOverrideSafetyClamp(t *testing.T) {
	act := newFakeActuator()
	cfg := testConfig(act)
	cfg.Service.MaxServiceCurrentA = 20
	c, _, _ := newTestCoordinator(t, cfg)

	c.HandleMeterValue("2300")
	c.Ready()
	c.flush()

	// 30 A passes the charger envelope (max 32) but exceeds the service
	// maximum; the final clamp caps it at 20 A.
	require.NoError(t, c.ManualSetLimit("garage", 30))
	c.flush()
	_, _, sets := act.snapshot()
	assert.Equal(t, []float64{10, 20}, sets)
}

func TestInoperableChargerNeverStarts(t *testing.T) {
	act := newFakeActuator()
	cfg := testConfig(act)
	cfg.Chargers[0].Limits = model.ChargerLimits{MinCurrentA: 6, MaxCurrentA: 4}
	c, _, _ := newTestCoordinator(t, cfg)

	c.HandleMeterValue("1000")
	c.Ready()
	c.flush()

	starts, _, sets := act.snapshot()
	assert.Zero(t, starts)
	assert.Empty(t, sets)
}

func TestMultiChargerDistribution(t *testing.T) {
	actA := newFakeActuator()
	actB := newFakeActuator()
	cfg := Config{
		Service: model.ServiceLimits{VoltageV: 230, MaxServiceCurrentA: 40},
		Chargers: []ChargerConfig{
			{ID: "garage", Limits: model.ChargerLimits{MinCurrentA: 6, MaxCurrentA: 10, StepA: 1}, Actuator: actA},
			{ID: "carport", Limits: model.ChargerLimits{MinCurrentA: 6, MaxCurrentA: 32, StepA: 1}, Actuator: actB},
		},
		RampUpTime:           30 * time.Second,
		FallbackMode:         model.FallbackStop,
		ActionRetryBaseDelay: time.Millisecond,
		Enabled:              true,
	}
	c, _, _ := newTestCoordinator(t, cfg)

	// 30 A of headroom: an equal 15/15 split overshoots garage's 10 A
	// cap, so the surplus flows to the carport.
	c.HandleMeterValue("2300")
	c.Ready()
	c.flush()

	_, _, setsA := actA.snapshot()
	_, _, setsB := actB.snapshot()
	assert.Equal(t, []float64{10}, setsA)
	assert.Equal(t, []float64{20}, setsB)
}

func TestOverloadStopPublishesEvent(t *testing.T) {
	act := newFakeActuator()
	cfg := testConfig(act)
	cfg.Service.MaxServiceCurrentA = 20
	c, _, bus := newTestCoordinator(t, cfg)
	sub := bus.Subscribe()

	c.HandleMeterValue("2300")
	c.Ready()
	c.flush()
	drainEvents(sub)

	// 9200 W is 40 A; even with the EV's 10 A removed the non-EV load
	// alone exceeds the service maximum.
	c.HandleMeterValue("9200")
	c.flush()

	var sawStop bool
	for _, e := range drainEvents(sub) {
		if stop, ok := e.(events.OverloadStop); ok {
			sawStop = true
			assert.Equal(t, "garage", stop.ChargerID)
			assert.Equal(t, 10.0, stop.PrevA)
			assert.Less(t, stop.AvailableA, 0.0)
		}
	}
	assert.True(t, sawStop)
	_, stops, _ := act.snapshot()
	assert.Equal(t, 1, stops)
}

func TestResumeClearsOverloadFault(t *testing.T) {
	act := newFakeActuator()
	cfg := testConfig(act)
	cfg.Service.MaxServiceCurrentA = 20
	cfg.RampUpTime = 5 * time.Second
	c, clk, bus := newTestCoordinator(t, cfg)
	sub := bus.Subscribe()

	c.HandleMeterValue("2300")
	c.Ready()
	c.flush()
	c.HandleMeterValue("9200")
	c.flush()
	drainEvents(sub)

	clk.Add(5 * time.Second)
	c.HandleMeterValue("2300")
	c.flush()

	var resumed, cleared bool
	for _, e := range drainEvents(sub) {
		switch ev := e.(type) {
		case events.ChargingResumed:
			resumed = true
			assert.Equal(t, 10.0, ev.CurrentA)
		case events.FaultCleared:
			if ev.Kind == events.FaultOverload {
				cleared = true
			}
		}
	}
	assert.True(t, resumed)
	assert.True(t, cleared)
}

func TestSnapshotsOrderAndUnknownCharger(t *testing.T) {
	act := newFakeActuator()
	c, _, _ := newTestCoordinator(t, testConfig(act))

	snaps := c.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, "garage", snaps[0].ChargerID)

	_, err := c.Snapshot("carport")
	assert.Error(t, err)
}

func TestRestoredCurrentSeedsEstimate(t *testing.T) {
	act := newFakeActuator()
	cfg := testConfig(act)
	cfg.Chargers[0].RestoredCurrentA = 10
	c, _, _ := newTestCoordinator(t, cfg)

	// The persisted 10 A counts as EV draw from the first cycle: the
	// observed 5000 W minus the commanded 10 A leaves 11.74 A of non-EV
	// load and 20 A of headroom straight away.
	c.HandleMeterValue("5000")
	c.Ready()
	c.flush()

	starts, _, sets := act.snapshot()
	assert.Zero(t, starts, "already active, no start command")
	assert.Equal(t, []float64{20}, sets)
}

func TestCloseIsIdempotent(t *testing.T) {
	act := newFakeActuator()
	c, _, _ := newTestCoordinator(t, testConfig(act))
	c.Close()
	c.Close()
	c.HandleMeterValue("5000")
	starts, _, _ := act.snapshot()
	assert.Zero(t, starts)
}
