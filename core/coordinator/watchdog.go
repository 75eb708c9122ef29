package coordinator

import "github.com/alexisml/evbalance/core/model"

// Overload correction watchdog. A negative available current can persist
// without any new meter event arriving (a steady household load keeps
// the meter silent), so once the balancer enters deficit a one-shot
// trigger timer is armed, followed by a recurring correction loop that
// forces recomputation until the deficit clears. All callbacks re-enter
// the coordinator through the cycle lock, and each tick re-checks the
// deficit itself instead of trusting that an external cancellation
// always won the race.

// updateOverloadTimers arms the trigger after a recompute left the
// balancer in deficit, or cancels everything once headroom is back.
// Caller holds c.mu.
func (c *Coordinator) updateOverloadTimers() {
	if c.availableA < 0 {
		if c.overloadTrigger == nil && !c.overloadLoopArmed {
			c.overloadTrigger = c.clk.AfterFunc(c.overloadTriggerDelay, c.onOverloadTriggered)
			c.log.Debugf("overload detected (%.1f A), correction loop starts in %s",
				c.availableA, c.overloadTriggerDelay)
		}
		return
	}
	c.cancelOverloadTimers()
}

// cancelOverloadTimers stops both the trigger delay and the correction
// loop. Idempotent; stopping an already-fired timer is a no-op. Caller
// holds c.mu.
func (c *Coordinator) cancelOverloadTimers() {
	if c.overloadTrigger != nil {
		c.overloadTrigger.Stop()
		c.overloadTrigger = nil
	}
	if c.overloadLoop != nil {
		c.overloadLoop.Stop()
		c.overloadLoop = nil
	}
	c.overloadLoopArmed = false
}

// onOverloadTriggered fires once after the trigger delay. If the deficit
// persists it applies an immediate correction and arms the recurring
// loop; if it has already cleared, nothing happens.
func (c *Coordinator) onOverloadTriggered() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.overloadTrigger = nil
	c.forceRecompute()
	if c.availableA < 0 && !c.overloadLoopArmed {
		c.overloadLoopArmed = true
		c.overloadLoop = c.clk.AfterFunc(c.overloadLoopInterval, c.onOverloadTick)
		c.log.Debugf("overload persists, correction loop running every %s", c.overloadLoopInterval)
	}
}

// onOverloadTick runs one correction-loop iteration and self-cancels
// when the deficit has cleared, otherwise re-arms for the next tick.
func (c *Coordinator) onOverloadTick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.overloadLoopArmed {
		return
	}
	c.forceRecompute()
	if c.availableA >= 0 {
		c.log.Debugf("overload cleared, stopping correction loop")
		c.cancelOverloadTimers()
		return
	}
	c.overloadLoop = c.clk.AfterFunc(c.overloadLoopInterval, c.onOverloadTick)
}

// forceRecompute re-runs the balancing algorithm from the cached meter
// sample without waiting for a new event. Caller holds c.mu.
func (c *Coordinator) forceRecompute() {
	if !c.enabled || !c.lastSample.Valid() {
		return
	}
	c.recompute(c.lastSample.PowerW, model.ReasonMeterUpdate)
}
