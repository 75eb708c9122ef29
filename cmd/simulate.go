package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"

	"github.com/alexisml/evbalance/core/coordinator"
	"github.com/alexisml/evbalance/core/model"
	"github.com/alexisml/evbalance/infra/logger"
)

var (
	simReadings   string
	simVoltage    float64
	simServiceMax float64
	simMin        float64
	simMax        float64
	simStep       float64
	simRampUp     time.Duration
	simInterval   time.Duration
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Replay meter readings through the balancing algorithm",
	Long: `Replays a comma-separated list of raw meter readings (watts, or
"unavailable") through the balancer with a simulated clock and prints the
commands and resulting state after each reading.`,
	RunE: simulate,
}

func init() {
	simulateCmd.Flags().StringVar(&simReadings, "readings", "", "comma-separated raw meter readings")
	simulateCmd.Flags().Float64Var(&simVoltage, "voltage", 230, "service voltage")
	simulateCmd.Flags().Float64Var(&simServiceMax, "service-max", 32, "maximum service current in amps")
	simulateCmd.Flags().Float64Var(&simMin, "min", 6, "charger minimum current in amps")
	simulateCmd.Flags().Float64Var(&simMax, "max", 32, "charger maximum current in amps")
	simulateCmd.Flags().Float64Var(&simStep, "step", 1, "charger adjustment step in amps")
	simulateCmd.Flags().DurationVar(&simRampUp, "ramp-up", 30*time.Second, "ramp-up cooldown")
	simulateCmd.Flags().DurationVar(&simInterval, "interval", 10*time.Second, "simulated time between readings")
	rootCmd.AddCommand(simulateCmd)
}

// printActuator prints the commands the balancer would issue.
type printActuator struct{}

func (printActuator) StartCharging(context.Context) error {
	fmt.Println("  -> start_charging")
	return nil
}

func (printActuator) StopCharging(context.Context) error {
	fmt.Println("  -> stop_charging")
	return nil
}

func (printActuator) SetCurrent(_ context.Context, amps float64) error {
	fmt.Printf("  -> set_current %.1f A\n", amps)
	return nil
}

func simulate(cmd *cobra.Command, args []string) error {
	if simReadings == "" {
		return fmt.Errorf("--readings is required")
	}

	clk := clock.NewMock()
	coord, err := coordinator.New(coordinator.Config{
		Service: model.ServiceLimits{VoltageV: simVoltage, MaxServiceCurrentA: simServiceMax},
		Chargers: []coordinator.ChargerConfig{{
			ID:       "charger",
			Limits:   model.ChargerLimits{MinCurrentA: simMin, MaxCurrentA: simMax, StepA: simStep},
			Actuator: printActuator{},
		}},
		RampUpTime: simRampUp,
		Enabled:    true,
	}, clk, nil, nil, logger.NopLogger{})
	if err != nil {
		return err
	}
	defer coord.Close()
	coord.Ready()

	for _, raw := range strings.Split(simReadings, ",") {
		raw = strings.TrimSpace(raw)
		fmt.Printf("meter=%s (t=%s)\n", raw, clk.Now().Format("15:04:05"))
		coord.HandleMeterValue(raw)
		snap, err := coord.Snapshot("charger")
		if err != nil {
			return err
		}
		fmt.Printf("  state=%s current=%.1f A available=%.1f A meter_healthy=%v\n",
			snap.State, snap.CurrentSetA, snap.AvailableCurrentA, snap.MeterHealthy)
		clk.Add(simInterval)
	}
	return nil
}
