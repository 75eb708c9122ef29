package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/alexisml/evbalance/core/metrics"
)

// PromSink exposes balancing state and actuator outcomes as Prometheus
// metrics.
type PromSink struct {
	currentSet     *prometheus.GaugeVec
	available      prometheus.Gauge
	meterHealthy   prometheus.Gauge
	fallbackActive prometheus.Gauge
	cycles         *prometheus.CounterVec
	actions        *prometheus.CounterVec
	actionLatency  *prometheus.HistogramVec
}

// NewPromSink registers the balancer metrics on the provided Prometheus
// registerer. If reg is nil, the default registerer is used. If the
// collectors are already registered, the existing ones are reused.
func NewPromSink(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PromSink{
		currentSet: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "balancer_current_set_amps",
			Help: "Current limit most recently commanded to the charger",
		}, []string{"charger_id"}),
		available: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "balancer_available_current_amps",
			Help: "Service current left over after non-EV consumption",
		}),
		meterHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "balancer_power_meter_healthy",
			Help: "1 while the power meter is readable, 0 during fallback",
		}),
		fallbackActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "balancer_fallback_active",
			Help: "1 while the unavailable-meter fallback governs the chargers",
		}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "balancer_cycles_total",
			Help: "Balancing cycles by trigger reason",
		}, []string{"charger_id", "reason"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "charger_actions_total",
			Help: "Actuator commands by action and outcome",
		}, []string{"charger_id", "action", "success"}),
		actionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "charger_action_latency_seconds",
			Help:    "Time from command submission to final outcome, retries included",
			Buckets: prometheus.DefBuckets,
		}, []string{"charger_id", "action"}),
	}

	collectors := []prometheus.Collector{
		s.currentSet, s.available, s.meterHealthy, s.fallbackActive,
		s.cycles, s.actions, s.actionLatency,
	}
	for i, c := range collectors {
		if err := reg.Register(c); err != nil {
			are, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				return nil, err
			}
			switch i {
			case 0:
				s.currentSet = are.ExistingCollector.(*prometheus.GaugeVec)
			case 1:
				s.available = are.ExistingCollector.(prometheus.Gauge)
			case 2:
				s.meterHealthy = are.ExistingCollector.(prometheus.Gauge)
			case 3:
				s.fallbackActive = are.ExistingCollector.(prometheus.Gauge)
			case 4:
				s.cycles = are.ExistingCollector.(*prometheus.CounterVec)
			case 5:
				s.actions = are.ExistingCollector.(*prometheus.CounterVec)
			case 6:
				s.actionLatency = are.ExistingCollector.(*prometheus.HistogramVec)
			}
		}
	}
	return s, nil
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// RecordBalance updates the per-charger gauges after a balancing cycle.
func (s *PromSink) RecordBalance(rec coremetrics.BalanceRecord) error {
	s.currentSet.WithLabelValues(rec.ChargerID).Set(rec.CurrentSetA)
	s.available.Set(rec.AvailableCurrentA)
	s.meterHealthy.Set(boolGauge(rec.MeterHealthy))
	s.fallbackActive.Set(boolGauge(rec.FallbackActive))
	s.cycles.WithLabelValues(rec.ChargerID, rec.Reason).Inc()
	return nil
}

// RecordAction counts an actuator command outcome and observes its
// latency.
func (s *PromSink) RecordAction(rec coremetrics.ActionRecord) error {
	s.actions.WithLabelValues(rec.ChargerID, rec.Action, strconv.FormatBool(rec.Success)).Inc()
	s.actionLatency.WithLabelValues(rec.ChargerID, rec.Action).Observe(rec.Latency.Seconds())
	return nil
}
