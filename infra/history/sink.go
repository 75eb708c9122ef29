package history

import (
	"context"

	coremetrics "github.com/alexisml/evbalance/core/metrics"
)

// Sink adapts a Store to the metrics sink interface so history can be
// wired alongside the Prometheus and InfluxDB sinks.
type Sink struct {
	Store Store
}

// RecordBalance appends a balance entry.
func (s Sink) RecordBalance(rec coremetrics.BalanceRecord) error {
	return s.Store.Append(context.Background(), Record{
		Kind:              KindBalance,
		ChargerID:         rec.ChargerID,
		Timestamp:         rec.Timestamp,
		CurrentSetA:       rec.CurrentSetA,
		AvailableCurrentA: rec.AvailableCurrentA,
		State:             rec.State,
		Reason:            rec.Reason,
		MeterHealthy:      rec.MeterHealthy,
		FallbackActive:    rec.FallbackActive,
	})
}

// RecordAction appends an action entry.
func (s Sink) RecordAction(rec coremetrics.ActionRecord) error {
	return s.Store.Append(context.Background(), Record{
		Kind:      KindAction,
		ChargerID: rec.ChargerID,
		Timestamp: rec.Timestamp,
		Action:    rec.Action,
		Success:   rec.Success,
		Attempts:  rec.Attempts,
		Error:     rec.Err,
	})
}

// Close closes the backing store.
func (s Sink) Close() error { return s.Store.Close() }

var _ coremetrics.MetricsSink = Sink{}
