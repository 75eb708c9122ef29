// Package charger defines the abstract actuation contract between the
// balancing engine and a physical charger. Transport adapters (e.g.
// infra/mqtt) implement Actuator; the engine never sees the wire.
package charger

import (
	"context"
	"errors"
)

// Actuator issues the three externally meaningful charger commands. Each
// call is idempotent from the caller's perspective and may fail; the
// action executor retries with backoff.
type Actuator interface {
	StartCharging(ctx context.Context) error
	StopCharging(ctx context.Context) error
	SetCurrent(ctx context.Context, amps float64) error
}

// ErrCommandTimeout is returned when the charger does not acknowledge a
// command in time. Retried identically to any other command failure.
var ErrCommandTimeout = errors.New("timeout waiting for charger ack")
