// Package history persists balancing decisions and actuator outcomes to
// a local JSONL file so charging behavior can be reconstructed after the
// fact without an external time-series database.
package history

import (
	"context"
	"time"
)

// RecordKind distinguishes the two entry types in the store.
type RecordKind string

const (
	KindBalance RecordKind = "balance"
	KindAction  RecordKind = "action"
)

// Record is one history entry. Balance entries carry the cycle outcome,
// action entries the actuator command result.
type Record struct {
	Kind      RecordKind `json:"kind"`
	ChargerID string     `json:"charger_id"`
	Timestamp time.Time  `json:"timestamp"`

	CurrentSetA       float64 `json:"current_set_a,omitempty"`
	AvailableCurrentA float64 `json:"available_current_a,omitempty"`
	State             string  `json:"state,omitempty"`
	Reason            string  `json:"reason,omitempty"`
	MeterHealthy      bool    `json:"meter_healthy,omitempty"`
	FallbackActive    bool    `json:"fallback_active,omitempty"`

	Action   string `json:"action,omitempty"`
	Success  bool   `json:"success,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Query filters history entries. Zero values match everything.
type Query struct {
	Start     time.Time
	End       time.Time
	ChargerID string
	Kind      RecordKind
}

func (q Query) matches(r Record) bool {
	if !q.Start.IsZero() && r.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && r.Timestamp.After(q.End) {
		return false
	}
	if q.ChargerID != "" && r.ChargerID != q.ChargerID {
		return false
	}
	if q.Kind != "" && r.Kind != q.Kind {
		return false
	}
	return true
}

// Store appends and queries history entries.
type Store interface {
	Append(ctx context.Context, rec Record) error
	Query(ctx context.Context, q Query) ([]Record, error)
	Close() error
}
