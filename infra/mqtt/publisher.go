package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexisml/evbalance/core/events"
	"github.com/alexisml/evbalance/core/model"
	"github.com/alexisml/evbalance/infra/logger"
	"github.com/alexisml/evbalance/internal/eventbus"
)

// stateMessage is the retained per-charger state document published
// after every balancing cycle.
type stateMessage struct {
	ChargerID          string  `json:"charger_id"`
	CurrentSetA        float64 `json:"current_set_a"`
	CurrentSetW        float64 `json:"current_set_w"`
	AvailableCurrentA  float64 `json:"available_current_a"`
	Active             bool    `json:"active"`
	State              string  `json:"state"`
	PowerMeterHealthy  bool    `json:"power_meter_healthy"`
	FallbackActive     bool    `json:"fallback_active"`
	ConfiguredFallback string  `json:"configured_fallback"`
	Reason             string  `json:"reason"`
	LastActionStatus   string  `json:"last_action_status,omitempty"`
	LastActionError    string  `json:"last_action_error,omitempty"`
	ActionRetryCount   int     `json:"action_retry_count"`
	Timestamp          int64   `json:"timestamp"`
}

type faultMessage struct {
	ChargerID string  `json:"charger_id"`
	Kind      string  `json:"kind"`
	Cleared   bool    `json:"cleared"`
	Detail    string  `json:"detail,omitempty"`
	CurrentA  float64 `json:"current_a,omitempty"`
	Timestamp int64   `json:"timestamp"`
}

// StatePublisher bridges the internal event bus onto MQTT: state
// documents are retained so late subscribers see the most recent cycle,
// fault notifications are fire-and-forget.
type StatePublisher struct {
	cli    *PahoClient
	bus    *eventbus.Bus[events.Event]
	sub    <-chan events.Event
	done   chan struct{}
	logger logger.Logger
}

// NewStatePublisher subscribes to the bus and starts forwarding.
func NewStatePublisher(cli *PahoClient, bus *eventbus.Bus[events.Event]) *StatePublisher {
	p := &StatePublisher{
		cli:    cli,
		bus:    bus,
		sub:    bus.Subscribe(),
		done:   make(chan struct{}),
		logger: logger.New("mqtt_state_publisher"),
	}
	go p.run()
	return p
}

func (p *StatePublisher) run() {
	defer close(p.done)
	for e := range p.sub {
		switch ev := e.(type) {
		case events.StateUpdate:
			p.publishState(ev.Snapshot)
		case events.MeterUnavailable:
			p.publishFault(ev.ChargerID, string(events.FaultMeter), false, "charging stopped", 0)
		case events.FallbackActivated:
			p.publishFault(ev.ChargerID, string(events.FaultMeter), false, "fallback current applied", ev.FallbackA)
		case events.OverloadStop:
			p.publishFault(ev.ChargerID, string(events.FaultOverload), false,
				fmt.Sprintf("available current %.1f A", ev.AvailableA), 0)
		case events.ActionFailed:
			p.publishFault(ev.ChargerID, string(events.FaultAction), false,
				fmt.Sprintf("%s: %s", ev.Action, ev.Err), 0)
		case events.FaultCleared:
			p.publishFault(ev.ChargerID, string(ev.Kind), true, "", 0)
		}
	}
}

func (p *StatePublisher) publishState(s model.Snapshot) {
	msg := stateMessage{
		ChargerID:          s.ChargerID,
		CurrentSetA:        s.CurrentSetA,
		CurrentSetW:        s.CurrentSetW,
		AvailableCurrentA:  s.AvailableCurrentA,
		Active:             s.Active,
		State:              string(s.State),
		PowerMeterHealthy:  s.MeterHealthy,
		FallbackActive:     s.FallbackActive,
		ConfiguredFallback: string(s.ConfiguredFallback),
		Reason:             s.Reason,
		LastActionStatus:   string(s.Diagnostics.LastStatus),
		LastActionError:    s.Diagnostics.LastError,
		ActionRetryCount:   s.Diagnostics.RetryCount,
		Timestamp:          s.Timestamp.UnixMilli(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		p.logger.Errorf("marshal state: %v", err)
		return
	}
	topic := fmt.Sprintf("%s/%s/state", p.cli.cfg.StateTopicPrefix, s.ChargerID)
	if err := p.cli.publish(topic, "state", true, payload); err != nil {
		p.logger.Errorf("publish state: %v", err)
	}
}

func (p *StatePublisher) publishFault(chargerID, kind string, cleared bool, detail string, currentA float64) {
	msg := faultMessage{
		ChargerID: chargerID,
		Kind:      kind,
		Cleared:   cleared,
		Detail:    detail,
		CurrentA:  currentA,
		Timestamp: time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		p.logger.Errorf("marshal fault: %v", err)
		return
	}
	topic := fmt.Sprintf("%s/%s/fault", p.cli.cfg.StateTopicPrefix, chargerID)
	if err := p.cli.publish(topic, "fault", false, payload); err != nil {
		p.logger.Errorf("publish fault: %v", err)
	}
}

// Close detaches from the bus and waits for the forwarder to drain.
func (p *StatePublisher) Close() {
	p.bus.Unsubscribe(p.sub)
	<-p.done
}
