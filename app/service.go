// Package app wires the configuration into a running balancer: MQTT
// transport, metrics sinks, the coordinator and the state publisher.
package app

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/alexisml/evbalance/config"
	"github.com/alexisml/evbalance/core/coordinator"
	"github.com/alexisml/evbalance/core/events"
	coremetrics "github.com/alexisml/evbalance/core/metrics"
	"github.com/alexisml/evbalance/core/model"
	coremon "github.com/alexisml/evbalance/core/monitoring"
	"github.com/alexisml/evbalance/infra/logger"
	"github.com/alexisml/evbalance/infra/metrics"
	"github.com/alexisml/evbalance/infra/monitoring"
	"github.com/alexisml/evbalance/infra/mqtt"
	"github.com/alexisml/evbalance/internal/eventbus"
)

// Service orchestrates the coordinator and its adapters.
type Service struct {
	Coordinator *coordinator.Coordinator

	client      *mqtt.PahoClient
	publisher   *mqtt.StatePublisher
	reporter    *monitoring.FaultReporter
	sink        coremetrics.MetricsSink
	bus         *eventbus.Bus[events.Event]
	log         logger.Logger
	promEnabled bool
	promPort    string
}

// New creates a Service from the configuration.
func New(cfg *config.Config) (*Service, error) {
	logg := logger.New("service")
	bus := eventbus.New[events.Event]()

	mon, err := monitoring.NewSentryMonitor(cfg.Monitoring)
	if err != nil {
		return nil, fmt.Errorf("monitoring: %w", err)
	}
	coremon.Init(mon)

	sink, err := metrics.New(cfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	// The coordinator must exist before the MQTT client connects, since
	// readings can start flowing the moment the subscriptions land. A
	// deferred receiver breaks the construction cycle.
	recv := &deferredReceiver{}
	client, err := mqtt.NewPahoClient(cfg.MQTT, recv)
	if err != nil {
		return nil, fmt.Errorf("mqtt client: %w", err)
	}

	chargers := make([]coordinator.ChargerConfig, 0, len(cfg.Balancer.Chargers))
	for _, ch := range cfg.Balancer.Chargers {
		act, err := client.Actuator(ch.ID)
		if err != nil {
			client.Disconnect()
			return nil, fmt.Errorf("charger %s: %w", ch.ID, err)
		}
		chargers = append(chargers, coordinator.ChargerConfig{
			ID: ch.ID,
			Limits: model.ChargerLimits{
				MinCurrentA: ch.MinCurrentA,
				MaxCurrentA: ch.MaxCurrentA,
				StepA:       ch.StepA,
			},
			Actuator:         act,
			RestoredCurrentA: ch.RestoredCurrentA,
		})
	}

	coord, err := coordinator.New(coordinator.Config{
		Service: model.ServiceLimits{
			VoltageV:           cfg.Balancer.VoltageV,
			MaxServiceCurrentA: cfg.Balancer.MaxServiceCurrentA,
		},
		Chargers:             chargers,
		RampUpTime:           cfg.Balancer.RampUpTime(),
		FallbackMode:         model.FallbackMode(cfg.Balancer.FallbackBehavior),
		FallbackCurrentA:     cfg.Balancer.FallbackCurrentA,
		OverloadTriggerDelay: cfg.Balancer.OverloadTriggerDelay(),
		OverloadLoopInterval: cfg.Balancer.OverloadLoopInterval(),
		ActionMaxRetries:     cfg.Balancer.ActionMaxRetries,
		ActionRetryBaseDelay: cfg.Balancer.ActionRetryBaseDelay(),
		ActionTimeout:        cfg.Balancer.ActionTimeout(),
		Enabled:              !cfg.Balancer.Disabled,
	}, nil, bus, sink, logger.New("coordinator"))
	if err != nil {
		client.Disconnect()
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	recv.set(coord)

	return &Service{
		Coordinator: coord,
		client:      client,
		publisher:   mqtt.NewStatePublisher(client, bus),
		reporter:    monitoring.NewFaultReporter(mon, bus),
		sink:        sink,
		bus:         bus,
		log:         logg,
		promEnabled: cfg.Metrics.PrometheusEnabled,
		promPort:    cfg.Metrics.PrometheusPort,
	}, nil
}

// Run starts the service and blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.promEnabled {
		go func() {
			if err := metrics.StartPromServer(ctx, s.promPort); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		}()
	}
	// Transport is connected and subscriptions are in place; end the
	// startup grace period.
	s.Coordinator.Ready()
	s.log.Infof("balancer running")
	<-ctx.Done()
	return nil
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	s.Coordinator.Close()
	s.publisher.Close()
	s.reporter.Close()
	s.bus.Close()
	s.client.Disconnect()
	coremon.Flush(2 * time.Second)
	if closer, ok := s.sink.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// deferredReceiver forwards readings to the coordinator once it exists
// and drops anything that arrives before then. Readings arrive on paho
// callback goroutines, so the handoff is atomic.
type deferredReceiver struct {
	coord atomic.Pointer[coordinator.Coordinator]
}

func (r *deferredReceiver) set(c *coordinator.Coordinator) { r.coord.Store(c) }

func (r *deferredReceiver) HandleMeterValue(raw string) {
	if c := r.coord.Load(); c != nil {
		c.HandleMeterValue(raw)
	}
}

func (r *deferredReceiver) HandleActivity(chargerID, raw string) {
	if c := r.coord.Load(); c != nil {
		c.HandleActivity(chargerID, raw)
	}
}
