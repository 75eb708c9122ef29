// Package coordinator owns all mutable balancing state and sequences the
// control loop: validated meter samples flow through the pure balancing
// formulas, per-charger allocations pass the ramp-up gate and the safety
// clamp, and changed targets are handed to the per-charger action
// executor. Every trigger (meter event, parameter change, enable toggle,
// manual override, watchdog tick) runs one full cycle under a single
// lock, so no two cycles ever interleave.
package coordinator

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/alexisml/evbalance/core/balancer"
	"github.com/alexisml/evbalance/core/charger"
	"github.com/alexisml/evbalance/core/events"
	"github.com/alexisml/evbalance/core/logger"
	"github.com/alexisml/evbalance/core/meter"
	"github.com/alexisml/evbalance/core/metrics"
	"github.com/alexisml/evbalance/core/model"
	"github.com/alexisml/evbalance/internal/eventbus"
)

// ChargerConfig describes one managed charger.
type ChargerConfig struct {
	ID       string
	Limits   model.ChargerLimits
	Actuator charger.Actuator
	// RestoredCurrentA seeds the commanded current from persisted state
	// after a restart, so the EV-draw estimate is correct before the
	// first cycle.
	RestoredCurrentA float64
}

// Config carries every recognized balancing option, enumerated and
// defaulted at construction time; nothing is looked up ad hoc later.
type Config struct {
	Service  model.ServiceLimits
	Chargers []ChargerConfig

	RampUpTime           time.Duration
	FallbackMode         model.FallbackMode
	FallbackCurrentA     float64
	OverloadTriggerDelay time.Duration
	OverloadLoopInterval time.Duration
	ActionMaxRetries     int
	ActionRetryBaseDelay time.Duration
	ActionTimeout        time.Duration
	Enabled              bool
}

// chargerState is the per-charger runtime state. Owned exclusively by
// the coordinator; mutated only under c.mu.
type chargerState struct {
	id     string
	limits model.ChargerLimits
	exec   *executor

	currentSetA   float64
	active        bool
	state         model.BalancerState
	activity      model.Activity
	lastReduction time.Time
	hasReduction  bool
	lastReason    string

	faultMeter    bool
	faultOverload bool
}

// Coordinator balances the available service current across its chargers.
type Coordinator struct {
	mu sync.Mutex

	service              model.ServiceLimits
	rampUpTime           time.Duration
	fallbackMode         model.FallbackMode
	fallbackCurrentA     float64
	overloadTriggerDelay time.Duration
	overloadLoopInterval time.Duration

	chargers []*chargerState
	byID     map[string]*chargerState

	sampler    meter.Sampler
	lastSample model.MeterSample
	haveSample bool

	enabled        bool
	ready          bool
	availableA     float64
	meterHealthy   bool
	fallbackActive bool
	closed         bool

	overloadTrigger   *clock.Timer
	overloadLoop      *clock.Timer
	overloadLoopArmed bool

	clk  clock.Clock
	bus  *eventbus.Bus[events.Event]
	sink metrics.MetricsSink
	log  logger.Logger
}

// New creates a coordinator from the configuration and its injected
// dependencies. The clock seam makes every timing behavior testable with
// a mock.
func New(cfg Config, clk clock.Clock, bus *eventbus.Bus[events.Event], sink metrics.MetricsSink, log logger.Logger) (*Coordinator, error) {
	if len(cfg.Chargers) == 0 {
		return nil, fmt.Errorf("coordinator: at least one charger is required")
	}
	if cfg.Service.VoltageV <= 0 {
		return nil, fmt.Errorf("coordinator: voltage must be positive, got %v", cfg.Service.VoltageV)
	}
	if cfg.Service.MaxServiceCurrentA <= 0 {
		return nil, fmt.Errorf("coordinator: max service current must be positive, got %v", cfg.Service.MaxServiceCurrentA)
	}
	if clk == nil {
		clk = clock.New()
	}
	if bus == nil {
		bus = eventbus.New[events.Event]()
	}
	if sink == nil {
		sink = metrics.NopSink{}
	}
	if cfg.RampUpTime <= 0 {
		cfg.RampUpTime = 30 * time.Second
	}
	if cfg.OverloadTriggerDelay <= 0 {
		cfg.OverloadTriggerDelay = 2 * time.Second
	}
	if cfg.OverloadLoopInterval <= 0 {
		cfg.OverloadLoopInterval = 5 * time.Second
	}
	if !cfg.FallbackMode.Known() {
		// Fail safe: an unrecognized fallback mode stops charging.
		cfg.FallbackMode = model.FallbackStop
	}

	c := &Coordinator{
		service:              cfg.Service,
		rampUpTime:           cfg.RampUpTime,
		fallbackMode:         cfg.FallbackMode,
		fallbackCurrentA:     cfg.FallbackCurrentA,
		overloadTriggerDelay: cfg.OverloadTriggerDelay,
		overloadLoopInterval: cfg.OverloadLoopInterval,
		byID:                 make(map[string]*chargerState, len(cfg.Chargers)),
		sampler:              meter.NewSampler(log),
		enabled:              cfg.Enabled,
		meterHealthy:         true,
		clk:                  clk,
		bus:                  bus,
		sink:                 sink,
		log:                  log,
	}
	for _, cc := range cfg.Chargers {
		if cc.ID == "" {
			return nil, fmt.Errorf("coordinator: charger id must not be empty")
		}
		if cc.Actuator == nil {
			return nil, fmt.Errorf("coordinator: charger %s has no actuator", cc.ID)
		}
		if _, dup := c.byID[cc.ID]; dup {
			return nil, fmt.Errorf("coordinator: duplicate charger id %s", cc.ID)
		}
		cs := &chargerState{
			id:          cc.ID,
			limits:      cc.Limits,
			currentSetA: cc.RestoredCurrentA,
			active:      cc.RestoredCurrentA > 0,
			state:       model.StateStopped,
			exec: newExecutor(cc.ID, cc.Actuator, clk, log, bus, sink,
				cfg.ActionMaxRetries, cfg.ActionRetryBaseDelay, cfg.ActionTimeout),
		}
		if cc.RestoredCurrentA > 0 {
			cs.state = model.StateActive
		}
		c.chargers = append(c.chargers, cs)
		c.byID[cc.ID] = cs
	}
	return c, nil
}

// Close cancels all pending timers and in-flight action retries. No
// timer fires against a closed coordinator.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancelOverloadTimers()
	chargers := c.chargers
	c.mu.Unlock()

	for _, cs := range chargers {
		cs.exec.Close()
	}
	c.log.Debugf("coordinator stopped")
}

// Ready signals that the host environment has fully initialized. Meter
// health is only judged from this point on: a missing meter during
// startup is usually a dependency that has not connected yet, not a
// genuine fault. If the meter is validly readable, an initial recompute
// anchors the chargers to the restored state.
func (c *Coordinator) Ready() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.ready {
		return
	}
	c.ready = true
	if c.lastSample.Valid() {
		c.log.Debugf("ready, power meter is healthy")
		if c.enabled {
			c.recompute(c.lastSample.PowerW, model.ReasonMeterUpdate)
			c.updateOverloadTimers()
		} else {
			c.markDisabled()
		}
		return
	}
	c.log.Debugf("ready, power meter is unavailable")
	c.meterHealthy = false
	c.fallbackActive = true
	if c.enabled {
		c.applyFallback()
	} else {
		c.publishAll()
	}
}

// HandleMeterValue runs one balancing cycle for a raw power-meter
// reading.
func (c *Coordinator) HandleMeterValue(raw string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	sample := c.sampler.Sample(raw)
	c.lastSample = sample
	c.haveSample = true
	if !c.ready {
		// Startup: cache the sample, defer health judgement to Ready.
		return
	}

	// Health is tracked even while balancing is disabled so diagnostic
	// outputs stay accurate.
	if !sample.Available {
		c.meterHealthy = false
		c.fallbackActive = true
	} else {
		c.meterHealthy = true
		c.fallbackActive = false
	}

	if !c.enabled {
		c.log.Debugf("power meter changed but balancing is disabled, skipping")
		c.markDisabled()
		return
	}
	if !sample.Available {
		c.cancelOverloadTimers()
		c.applyFallback()
		return
	}
	if !sample.Numeric {
		// Garbage value; already logged by the sampler.
		return
	}
	c.recompute(sample.PowerW, model.ReasonMeterUpdate)
	c.updateOverloadTimers()
}

// HandleActivity records a charger-activity reading. It does not trigger
// a cycle; the estimate takes effect on the next recompute.
func (c *Coordinator) HandleActivity(chargerID, raw string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cs, ok := c.byID[chargerID]; ok {
		cs.activity = meter.ParseActivity(raw)
	}
}

// SetEnabled toggles load balancing. Disabling freezes control without
// commanding the charger; enabling recomputes immediately from the last
// known meter value.
func (c *Coordinator) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.enabled == enabled {
		return
	}
	c.enabled = enabled
	if !enabled {
		c.cancelOverloadTimers()
		c.markDisabled()
		return
	}
	c.recomputeFromCached(model.ReasonParameterChange)
}

// SetChargerLimits updates one charger's envelope and recomputes so the
// new limits take effect without waiting for the next meter event.
func (c *Coordinator) SetChargerLimits(chargerID string, lim model.ChargerLimits) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.byID[chargerID]
	if !ok {
		return fmt.Errorf("coordinator: unknown charger %s", chargerID)
	}
	cs.limits = lim
	c.recomputeFromCached(model.ReasonParameterChange)
	return nil
}

// SetServiceLimits updates the shared service envelope.
func (c *Coordinator) SetServiceLimits(svc model.ServiceLimits) error {
	if svc.VoltageV <= 0 || svc.MaxServiceCurrentA <= 0 {
		return fmt.Errorf("coordinator: service limits must be positive")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.service = svc
	c.recomputeFromCached(model.ReasonParameterChange)
	return nil
}

// SetRampUpTime updates the ramp-up cooldown.
func (c *Coordinator) SetRampUpTime(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.rampUpTime = d
	}
}

// SetFallback updates the unavailable-meter policy. When the meter is
// already unavailable the new policy is applied immediately.
func (c *Coordinator) SetFallback(mode model.FallbackMode, fallbackA float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !mode.Known() {
		mode = model.FallbackStop
	}
	c.fallbackMode = mode
	c.fallbackCurrentA = fallbackA
	if c.ready && c.fallbackActive && c.enabled {
		c.reapplyFallbackLimits()
	}
}

// ManualSetLimit sets a charger current directly, bypassing the
// balancing computation and the ramp-up gate. The request is clamped to
// the charger envelope; clamping below the minimum stops charging. The
// override is one-shot: the next meter event resumes automatic control.
func (c *Coordinator) ManualSetLimit(chargerID string, amps float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.byID[chargerID]
	if !ok {
		return fmt.Errorf("coordinator: unknown charger %s", chargerID)
	}
	if c.closed {
		return fmt.Errorf("coordinator: closed")
	}
	target, ok2 := balancer.ClampCurrent(amps, cs.limits)
	if !ok2 {
		target = 0
	}
	c.log.Debugf("manual override for %s: requested=%.1f A, clamped=%.1f A", chargerID, amps, target)
	c.updateCharger(cs, c.availableA, target, model.ReasonManualOverride, false)
	return nil
}

// Snapshot returns the externally visible state of one charger.
func (c *Coordinator) Snapshot(chargerID string) (model.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.byID[chargerID]
	if !ok {
		return model.Snapshot{}, fmt.Errorf("coordinator: unknown charger %s", chargerID)
	}
	return c.snapshot(cs), nil
}

// Snapshots returns the state of every charger in configuration order.
func (c *Coordinator) Snapshots() []model.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Snapshot, 0, len(c.chargers))
	for _, cs := range c.chargers {
		out = append(out, c.snapshot(cs))
	}
	return out
}

// ---------------------------------------------------------------------
// Cycle internals. Every method below runs with c.mu held.
// ---------------------------------------------------------------------

// recomputeFromCached re-runs the algorithm from the last known meter
// sample after a parameter change. An unavailable meter routes to the
// fallback-reapply path so updated limits still take effect while the
// meter is offline.
func (c *Coordinator) recomputeFromCached(reason string) {
	if !c.enabled {
		c.markDisabled()
		return
	}
	if !c.haveSample || !c.lastSample.Available {
		if !c.ready {
			return
		}
		c.log.Debugf("parameter changed but power meter is unavailable, reapplying fallback with updated limits")
		c.meterHealthy = false
		c.fallbackActive = true
		c.reapplyFallbackLimits()
		return
	}
	if !c.lastSample.Numeric {
		return
	}
	c.log.Debugf("runtime parameter changed, recomputing with last meter value %.1f W", c.lastSample.PowerW)
	c.recompute(c.lastSample.PowerW, reason)
}

// recompute runs the balancing algorithm from a validated wattage.
func (c *Coordinator) recompute(powerW float64, reason string) {
	serviceA := powerW / c.service.VoltageV

	// Estimate the EV draw from the last commanded currents. A charger
	// that explicitly reports idle is excluded; an unknown activity
	// keeps the conservative assumption that it still draws.
	var commanded float64
	for _, cs := range c.chargers {
		if cs.activity.Drawing() {
			commanded += cs.currentSetA
		}
	}
	nonEV := balancer.IsolateNonEV(serviceA, commanded)
	available := c.service.MaxServiceCurrentA - nonEV
	c.availableA = math.Round(available*100) / 100

	now := c.clk.Now()
	if len(c.chargers) == 1 {
		cs := c.chargers[0]
		target, ok := balancer.ClampCurrent(available, cs.limits)
		if !ok {
			target = 0
		}
		c.applyAllocation(cs, available, target, reason, now)
		return
	}

	allocs := balancer.Distribute(available, c.limitsOf())
	for i, cs := range c.chargers {
		target := allocs[i].CurrentA
		if allocs[i].Stop {
			target = 0
		}
		c.applyAllocation(cs, available, target, reason, now)
	}
}

// applyAllocation passes one charger's raw target through the ramp-up
// gate, records reductions for the cooldown anchor, and commits the
// result.
func (c *Coordinator) applyAllocation(cs *chargerState, available, target float64, reason string, now time.Time) {
	final := balancer.RampUpLimit(cs.currentSetA, target, cs.lastReduction, cs.hasReduction, now, c.rampUpTime)
	if final < cs.currentSetA {
		cs.lastReduction = now
		cs.hasReduction = true
	}
	held := final < target
	if held {
		c.log.Debugf("charger %s: ramp-up cooldown holding current at %.1f A (target %.1f A)", cs.id, final, target)
	}
	c.log.Debugf("recompute (%s) charger %s: available=%.1f A, target=%.1f A, final=%.1f A",
		reason, cs.id, available, target, final)
	c.updateCharger(cs, available, final, reason, held)
}

// updateCharger commits a new current for one charger: safety clamp,
// state classification, fault events, action execution and publication.
func (c *Coordinator) updateCharger(cs *chargerState, available, currentA float64, reason string, held bool) {
	clamped := balancer.SafetyClamp(currentA, cs.limits.MaxCurrentA, c.service.MaxServiceCurrentA)
	if clamped != currentA {
		c.log.Warnf("charger %s: safety clamp, computed %.1f A exceeds safe maximum %.1f A (charger_max=%.1f, service_max=%.1f)",
			cs.id, currentA, clamped, cs.limits.MaxCurrentA, c.service.MaxServiceCurrentA)
		currentA = clamped
	}

	prevActive := cs.active
	prevCurrent := cs.currentSetA

	c.availableA = math.Round(available*100) / 100
	cs.currentSetA = currentA
	cs.active = currentA > 0
	cs.lastReason = reason
	cs.state = balancer.ResolveState(c.enabled, cs.active, prevActive, prevCurrent, currentA, held)

	if !prevActive && cs.active {
		c.log.Infof("charger %s: charging started at %.1f A", cs.id, currentA)
	} else if prevActive && !cs.active {
		c.log.Infof("charger %s: charging stopped (was %.1f A, reason=%s)", cs.id, prevCurrent, reason)
	}

	c.fireEvents(cs, prevActive, prevCurrent, reason)

	switch {
	case cs.active && !prevActive:
		amps := currentA
		cs.exec.Submit(commandPlan{start: true, set: &amps})
	case !cs.active && prevActive:
		cs.exec.Submit(commandPlan{stop: true})
	case cs.active && currentA != prevCurrent:
		amps := currentA
		cs.exec.Submit(commandPlan{set: &amps})
	}

	c.publish(cs)
}

// fireEvents publishes fault and resolution events for notable
// transitions, mirroring the externally visible warning lifecycle.
func (c *Coordinator) fireEvents(cs *chargerState, prevActive bool, prevCurrent float64, reason string) {
	switch {
	case reason == model.ReasonFallback && cs.currentSetA == 0:
		cs.faultMeter = true
		c.bus.Publish(events.MeterUnavailable{ChargerID: cs.id, PrevA: prevCurrent})
	case reason == model.ReasonFallback && cs.currentSetA > 0:
		cs.faultMeter = true
		c.bus.Publish(events.FallbackActivated{ChargerID: cs.id, FallbackA: cs.currentSetA})
	case reason == model.ReasonMeterUpdate && prevActive && !cs.active:
		cs.faultOverload = true
		c.bus.Publish(events.OverloadStop{ChargerID: cs.id, PrevA: prevCurrent, AvailableA: c.availableA})
	}

	if !prevActive && cs.active {
		c.bus.Publish(events.ChargingResumed{ChargerID: cs.id, CurrentA: cs.currentSetA})
		if cs.faultOverload {
			cs.faultOverload = false
			c.bus.Publish(events.FaultCleared{ChargerID: cs.id, Kind: events.FaultOverload})
		}
	}
	if reason == model.ReasonMeterUpdate && cs.faultMeter {
		cs.faultMeter = false
		c.bus.Publish(events.FaultCleared{ChargerID: cs.id, Kind: events.FaultMeter})
	}
}

// applyFallback handles the meter becoming unavailable: resolve the
// configured behavior and route the result through the normal update
// path. Ignore mode leaves the charger untouched and only refreshes the
// published state.
func (c *Coordinator) applyFallback() {
	for _, cs := range c.chargers {
		target, applied := balancer.ResolveFallback(c.fallbackMode, c.fallbackCurrentA, cs.limits.MaxCurrentA)
		if !applied {
			c.log.Debugf("power meter unavailable, ignoring (charger %s keeps %.1f A)", cs.id, cs.currentSetA)
			c.publish(cs)
			continue
		}
		if target == 0 {
			c.log.Warnf("power meter unavailable, stopping charger %s", cs.id)
		} else {
			c.log.Warnf("power meter unavailable, applying fallback current %.1f A to charger %s (configured %.1f A, capped at %.1f A)",
				target, cs.id, c.fallbackCurrentA, cs.limits.MaxCurrentA)
		}
		c.updateCharger(cs, 0, target, model.ReasonFallback, false)
	}
}

// reapplyFallbackLimits re-applies the fallback after charger parameters
// changed while the meter is still unavailable. Unlike applyFallback it
// does not re-fire fault events; those were already issued when the
// meter first disappeared.
func (c *Coordinator) reapplyFallbackLimits() {
	for _, cs := range c.chargers {
		target := balancer.FallbackReapply(c.fallbackMode, c.fallbackCurrentA, cs.limits, cs.currentSetA)
		if target != cs.currentSetA {
			c.log.Debugf("charger %s: fallback current updated after parameter change: %.1f A -> %.1f A",
				cs.id, cs.currentSetA, target)
			c.updateCharger(cs, c.availableA, target, model.ReasonParameterChange, false)
			continue
		}
		c.publish(cs)
	}
}

// markDisabled classifies every charger as disabled and refreshes the
// published state without touching the hardware.
func (c *Coordinator) markDisabled() {
	for _, cs := range c.chargers {
		cs.state = model.StateDisabled
		c.publish(cs)
	}
}

func (c *Coordinator) limitsOf() []model.ChargerLimits {
	lims := make([]model.ChargerLimits, len(c.chargers))
	for i, cs := range c.chargers {
		lims[i] = cs.limits
	}
	return lims
}

func (c *Coordinator) snapshot(cs *chargerState) model.Snapshot {
	return model.Snapshot{
		ChargerID:          cs.id,
		CurrentSetA:        cs.currentSetA,
		CurrentSetW:        math.Round(cs.currentSetA*c.service.VoltageV*10) / 10,
		AvailableCurrentA:  c.availableA,
		Active:             cs.active,
		State:              cs.state,
		MeterHealthy:       c.meterHealthy,
		FallbackActive:     c.fallbackActive,
		ConfiguredFallback: c.fallbackMode,
		Reason:             cs.lastReason,
		Diagnostics:        cs.exec.Diagnostics(),
		Timestamp:          c.clk.Now(),
	}
}

func (c *Coordinator) publish(cs *chargerState) {
	snap := c.snapshot(cs)
	c.bus.Publish(events.StateUpdate{Snapshot: snap})
	if err := c.sink.RecordBalance(metrics.BalanceRecord{
		ChargerID:         snap.ChargerID,
		CurrentSetA:       snap.CurrentSetA,
		AvailableCurrentA: snap.AvailableCurrentA,
		State:             string(snap.State),
		MeterHealthy:      snap.MeterHealthy,
		FallbackActive:    snap.FallbackActive,
		Reason:            snap.Reason,
		Timestamp:         snap.Timestamp,
	}); err != nil {
		c.log.Errorf("balance metrics error: %v", err)
	}
}

func (c *Coordinator) publishAll() {
	for _, cs := range c.chargers {
		c.publish(cs)
	}
}

// flush waits for every charger's in-flight actuator commands. Must be
// called without c.mu held.
func (c *Coordinator) flush() {
	for _, cs := range c.chargers {
		cs.exec.flush()
	}
}
