package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/benbjohnson/clock"

	"github.com/alexisml/evbalance/core/charger"
	"github.com/alexisml/evbalance/core/events"
	"github.com/alexisml/evbalance/core/logger"
	"github.com/alexisml/evbalance/core/metrics"
	"github.com/alexisml/evbalance/core/model"
	"github.com/alexisml/evbalance/internal/eventbus"
)

// commandPlan is the sequence of actuator commands derived from one state
// transition: start+set on resume, set alone on adjust, stop on halt.
type commandPlan struct {
	start bool
	stop  bool
	set   *float64
}

// executor issues charger commands with bounded exponential-backoff
// retries. It runs asynchronously so inter-retry waits never stall the
// balancing cycle; a newly submitted plan cancels an in-flight retry loop
// because its commands supersede the stale ones.
type executor struct {
	chargerID string
	act       charger.Actuator
	clk       clock.Clock
	log       logger.Logger
	bus       *eventbus.Bus[events.Event]
	sink      metrics.MetricsSink

	attempts  uint
	baseDelay time.Duration
	timeout   time.Duration

	mu      sync.Mutex
	diag    model.ActionDiagnostics
	cancel  context.CancelFunc
	faulted bool
	wg      sync.WaitGroup
}

func newExecutor(chargerID string, act charger.Actuator, clk clock.Clock, log logger.Logger,
	bus *eventbus.Bus[events.Event], sink metrics.MetricsSink,
	maxRetries int, baseDelay, timeout time.Duration) *executor {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return &executor{
		chargerID: chargerID,
		act:       act,
		clk:       clk,
		log:       log,
		bus:       bus,
		sink:      sink,
		attempts:  uint(1 + maxRetries),
		baseDelay: baseDelay,
		timeout:   timeout,
	}
}

// Submit schedules the plan for execution, cancelling any in-flight
// retry loop from a previous plan.
func (e *executor) Submit(plan commandPlan) {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx, plan)
	}()
}

// flush blocks until the in-flight command goroutine, if any, has
// finished.
func (e *executor) flush() {
	e.wg.Wait()
}

// Diagnostics returns a copy of the most recent command outcome.
func (e *executor) Diagnostics() model.ActionDiagnostics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.diag
}

// Close cancels any in-flight retry loop and waits for it to finish.
func (e *executor) Close() {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *executor) run(ctx context.Context, plan commandPlan) {
	// One failed command does not prevent the remaining ones from being
	// attempted; each fails or succeeds independently.
	if plan.start {
		e.execute(ctx, "start_charging", e.act.StartCharging)
	}
	if plan.set != nil {
		amps := *plan.set
		e.execute(ctx, "set_current", func(ctx context.Context) error {
			return e.act.SetCurrent(ctx, amps)
		})
	}
	if plan.stop {
		e.execute(ctx, "stop_charging", e.act.StopCharging)
	}
}

func (e *executor) execute(ctx context.Context, action string, fn func(context.Context) error) {
	start := e.clk.Now()
	retries := 0
	err := retry.Do(
		func() error {
			attemptCtx := ctx
			if e.timeout > 0 {
				var cancel context.CancelFunc
				attemptCtx, cancel = context.WithTimeout(ctx, e.timeout)
				defer cancel()
			}
			return fn(attemptCtx)
		},
		retry.Attempts(e.attempts),
		retry.Delay(e.baseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			retries = int(n) + 1
			e.log.Debugf("charger %s: %s attempt %d failed: %v", e.chargerID, action, n+1, err)
		}),
	)
	latency := e.clk.Now().Sub(start)
	if ctx.Err() != nil {
		// Superseded by a newer command or shut down; nothing to report.
		return
	}
	if err != nil {
		e.recordFailure(action, err.Error(), retries, latency)
		return
	}
	e.recordSuccess(action, retries, latency)
}

func (e *executor) recordFailure(action, errText string, retries int, latency time.Duration) {
	now := e.clk.Now()
	e.mu.Lock()
	e.diag = model.ActionDiagnostics{
		LastError:     errText,
		LastTimestamp: now,
		LastStatus:    model.ActionStatusFailure,
		RetryCount:    retries,
		Latency:       latency,
	}
	e.faulted = true
	e.mu.Unlock()

	e.log.Warnf("charger %s: action %s failed after %d attempts: %s", e.chargerID, action, e.attempts, errText)
	e.bus.Publish(events.ActionFailed{
		ChargerID: e.chargerID,
		Action:    action,
		Err:       errText,
		Attempts:  int(e.attempts),
		Latency:   latency,
	})
	if err := e.sink.RecordAction(metrics.ActionRecord{
		ChargerID: e.chargerID,
		Action:    action,
		Success:   false,
		Attempts:  int(e.attempts),
		Latency:   latency,
		Err:       errText,
		Timestamp: now,
	}); err != nil {
		e.log.Errorf("action metrics error: %v", err)
	}
}

func (e *executor) recordSuccess(action string, retries int, latency time.Duration) {
	now := e.clk.Now()
	e.mu.Lock()
	cleared := e.faulted
	e.faulted = false
	e.diag = model.ActionDiagnostics{
		LastTimestamp: now,
		LastStatus:    model.ActionStatusSuccess,
		RetryCount:    retries,
		Latency:       latency,
	}
	e.mu.Unlock()

	e.log.Debugf("charger %s: action %s executed (retries=%d)", e.chargerID, action, retries)
	if cleared {
		e.bus.Publish(events.FaultCleared{ChargerID: e.chargerID, Kind: events.FaultAction})
	}
	if err := e.sink.RecordAction(metrics.ActionRecord{
		ChargerID: e.chargerID,
		Action:    action,
		Success:   true,
		Attempts:  retries + 1,
		Latency:   latency,
		Timestamp: now,
	}); err != nil {
		e.log.Errorf("action metrics error: %v", err)
	}
}
