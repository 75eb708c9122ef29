package metrics

import (
	"io"

	coremetrics "github.com/alexisml/evbalance/core/metrics"
	"github.com/alexisml/evbalance/infra/history"
)

// MultiSink fans records out to multiple sinks.
type MultiSink struct {
	Sinks []coremetrics.MetricsSink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...coremetrics.MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordBalance forwards the record to all sinks, returning the first
// error encountered.
func (m *MultiSink) RecordBalance(rec coremetrics.BalanceRecord) error {
	for _, s := range m.Sinks {
		if err := s.RecordBalance(rec); err != nil {
			return err
		}
	}
	return nil
}

// RecordAction forwards the record to all sinks, returning the first
// error encountered.
func (m *MultiSink) RecordAction(rec coremetrics.ActionRecord) error {
	for _, s := range m.Sinks {
		if err := s.RecordAction(rec); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every sink that holds resources.
func (m *MultiSink) Close() error {
	var first error
	for _, s := range m.Sinks {
		if closer, ok := s.(io.Closer); ok {
			if err := closer.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

func newHistoryStore(cfg coremetrics.Config) (history.Store, error) {
	path := cfg.HistoryPath
	if cfg.HistoryBackend == "sqlite" {
		if path == "" {
			path = "history/balance.db"
		}
		return history.NewSQLiteStore(path)
	}
	if path == "" {
		path = "history/balance.jsonl"
	}
	maxSize := cfg.HistoryMaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	maxBackups := cfg.HistoryMaxBackups
	if maxBackups <= 0 {
		maxBackups = 5
	}
	maxAge := cfg.HistoryMaxAgeDays
	if maxAge <= 0 {
		maxAge = 30
	}
	return history.NewRotatingJSONLStore(path, maxSize, maxBackups, maxAge)
}

// New builds the configured sink set: Prometheus, InfluxDB and the
// local history store when enabled, a NopSink when none is. The InfluxDB sink degrades to a
// no-op when the instance is unreachable rather than failing startup.
func New(cfg coremetrics.Config) (coremetrics.MetricsSink, error) {
	var sinks []coremetrics.MetricsSink
	if cfg.PrometheusEnabled {
		prom, err := NewPromSink(nil)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, prom)
	}
	if cfg.InfluxEnabled {
		sinks = append(sinks, NewInfluxSinkWithFallback(cfg))
	}
	if cfg.HistoryEnabled {
		store, err := newHistoryStore(cfg)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, history.Sink{Store: store})
	}
	switch len(sinks) {
	case 0:
		return coremetrics.NopSink{}, nil
	case 1:
		return sinks[0], nil
	default:
		return NewMultiSink(sinks...), nil
	}
}
