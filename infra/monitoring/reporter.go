package monitoring

import (
	"fmt"

	"github.com/alexisml/evbalance/core/events"
	coremon "github.com/alexisml/evbalance/core/monitoring"
	"github.com/alexisml/evbalance/internal/eventbus"
)

// FaultReporter forwards balancer faults from the event bus to the
// monitor. Recovery events are not reported; the fault record carries
// enough context for the operator to close the loop.
type FaultReporter struct {
	mon  coremon.Monitor
	bus  *eventbus.Bus[events.Event]
	sub  <-chan events.Event
	done chan struct{}
}

// NewFaultReporter subscribes to the bus and starts forwarding.
func NewFaultReporter(mon coremon.Monitor, bus *eventbus.Bus[events.Event]) *FaultReporter {
	r := &FaultReporter{
		mon:  mon,
		bus:  bus,
		sub:  bus.Subscribe(),
		done: make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *FaultReporter) run() {
	defer close(r.done)
	for ev := range r.sub {
		switch e := ev.(type) {
		case events.MeterUnavailable:
			r.mon.CaptureException(
				fmt.Errorf("power meter unavailable, charger %s falling back from %.1fA", e.ChargerID, e.PrevA),
				map[string]string{"charger_id": e.ChargerID, "fault": string(events.FaultMeter)},
			)
		case events.OverloadStop:
			r.mon.CaptureException(
				fmt.Errorf("service overload, charger %s stopped (was %.1fA, available %.1fA)", e.ChargerID, e.PrevA, e.AvailableA),
				map[string]string{"charger_id": e.ChargerID, "fault": string(events.FaultOverload)},
			)
		case events.ActionFailed:
			r.mon.CaptureException(
				fmt.Errorf("charger %s %s failed after %d attempts: %s", e.ChargerID, e.Action, e.Attempts, e.Err),
				map[string]string{"charger_id": e.ChargerID, "fault": string(events.FaultAction), "action": e.Action},
			)
		}
	}
}

// Close unsubscribes and waits for the forwarding goroutine to exit.
func (r *FaultReporter) Close() {
	r.bus.Unsubscribe(r.sub)
	<-r.done
}
