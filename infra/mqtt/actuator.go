package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alexisml/evbalance/core/charger"
)

// Actuator drives one charger over its MQTT command topic. When the
// charger publishes acks, every command is correlated by id and the call
// blocks until the ack arrives or times out; otherwise publishing alone
// counts as success.
type Actuator struct {
	cli     *PahoClient
	topics  ChargerTopics
	timeout time.Duration
}

// Actuator returns the command actuator for the given charger id.
func (p *PahoClient) Actuator(chargerID string) (*Actuator, error) {
	for _, ch := range p.cfg.Chargers {
		if ch.ID == chargerID {
			return &Actuator{
				cli:     p,
				topics:  ch,
				timeout: time.Duration(p.cfg.CommandTimeoutSeconds) * time.Second,
			}, nil
		}
	}
	return nil, fmt.Errorf("no topic mapping for charger %s", chargerID)
}

var _ charger.Actuator = (*Actuator)(nil)

type commandMessage struct {
	CommandID string   `json:"command_id"`
	ChargerID string   `json:"charger_id"`
	Action    string   `json:"action"`
	CurrentA  *float64 `json:"current_a,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// StartCharging asks the charger to resume delivery.
func (a *Actuator) StartCharging(ctx context.Context) error {
	return a.send(ctx, "start_charging", nil)
}

// StopCharging asks the charger to halt delivery.
func (a *Actuator) StopCharging(ctx context.Context) error {
	return a.send(ctx, "stop_charging", nil)
}

// SetCurrent sets the charger current limit in amps.
func (a *Actuator) SetCurrent(ctx context.Context, amps float64) error {
	return a.send(ctx, "set_current", &amps)
}

func (a *Actuator) send(ctx context.Context, action string, amps *float64) error {
	msg := commandMessage{
		CommandID: uuid.NewString(),
		ChargerID: a.topics.ID,
		Action:    action,
		CurrentA:  amps,
		Timestamp: time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	waitAck := a.topics.AckTopic != ""
	if waitAck {
		a.cli.registerAck(msg.CommandID)
	}
	if err := a.cli.publish(a.topics.CommandTopic, "command", false, payload); err != nil {
		if waitAck {
			a.cli.unregisterAck(msg.CommandID)
		}
		return fmt.Errorf("publish %s to %s: %w", action, a.topics.CommandTopic, err)
	}
	if !waitAck {
		return nil
	}
	return a.cli.waitForAck(ctx, msg.CommandID, a.timeout)
}
