// Package metrics defines the sink interface the balancing engine records
// into. Implementations live in infra/metrics.
package metrics

import "time"

// BalanceRecord captures the outcome of one balancing cycle for one
// charger.
type BalanceRecord struct {
	ChargerID         string
	CurrentSetA       float64
	AvailableCurrentA float64
	State             string
	MeterHealthy      bool
	FallbackActive    bool
	Reason            string
	Timestamp         time.Time
}

// ActionRecord captures one actuator command outcome, including retries.
type ActionRecord struct {
	ChargerID string
	Action    string
	Success   bool
	Attempts  int
	Latency   time.Duration
	Err       string
	Timestamp time.Time
}

// MetricsSink records balancing outcomes. Implementations must be safe
// for concurrent use; the engine and the action executor record from
// different goroutines.
type MetricsSink interface {
	RecordBalance(rec BalanceRecord) error
	RecordAction(rec ActionRecord) error
}

// NopSink discards all records.
type NopSink struct{}

func (NopSink) RecordBalance(BalanceRecord) error { return nil }
func (NopSink) RecordAction(ActionRecord) error   { return nil }

// Config selects which sinks the service wires up.
type Config struct {
	PrometheusEnabled bool   `json:"prometheus_enabled"`
	PrometheusPort    string `json:"prometheus_port"`
	InfluxEnabled     bool   `json:"influx_enabled"`
	InfluxURL         string `json:"influx_url"`
	InfluxToken       string `json:"influx_token"`
	InfluxOrg         string `json:"influx_org"`
	InfluxBucket      string `json:"influx_bucket"`
	HistoryEnabled    bool   `json:"history_enabled"`
	HistoryBackend    string `json:"history_backend"`
	HistoryPath       string `json:"history_path"`
	HistoryMaxSizeMB  int    `json:"history_max_size_mb"`
	HistoryMaxBackups int    `json:"history_max_backups"`
	HistoryMaxAgeDays int    `json:"history_max_age_days"`
}
