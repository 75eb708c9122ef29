package balancer

import (
	"math"
	"testing"
	"time"

	"gonum.org/v1/gonum/floats/scalar"

	"github.com/alexisml/evbalance/core/model"
)

var defaultLimits = model.ChargerLimits{MinCurrentA: 6, MaxCurrentA: 32, StepA: 1}

func TestAvailableCurrent(t *testing.T) {
	tests := []struct {
		name       string
		powerW     float64
		maxService float64
		voltage    float64
		want       float64
	}{
		{"typical household load", 5000, 32, 230, 32 - 5000.0/230},
		{"no load", 0, 32, 230, 32},
		{"overload", 9000, 25, 230, 25 - 9000.0/230},
		{"solar export", -2300, 32, 230, 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AvailableCurrent(tt.powerW, tt.maxService, tt.voltage)
			if !scalar.EqualWithinAbs(got, tt.want, 1e-9) {
				t.Fatalf("AvailableCurrent() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsolateNonEV(t *testing.T) {
	if got := IsolateNonEV(30, 10); got != 20 {
		t.Fatalf("got %v, want 20", got)
	}
	// Stale meter: the reading has not caught up with a just issued
	// increase. The estimate must clamp at zero, never go negative.
	if got := IsolateNonEV(8, 16); got != 0 {
		t.Fatalf("got %v, want 0", got)
	}
}

func TestClampCurrent(t *testing.T) {
	tests := []struct {
		name      string
		available float64
		lim       model.ChargerLimits
		want      float64
		ok        bool
	}{
		{"within range floors to step", 10.26, defaultLimits, 10, true},
		{"capped at charger max", 40, defaultLimits, 32, true},
		{"below minimum stops", 5.9, defaultLimits, 0, false},
		{"exactly minimum", 6, defaultLimits, 6, true},
		{"negative available stops", -4, defaultLimits, 0, false},
		{"coarse step floors down", 13.9, model.ChargerLimits{MinCurrentA: 6, MaxCurrentA: 32, StepA: 2}, 12, true},
		{"max below min always stops", 30, model.ChargerLimits{MinCurrentA: 10, MaxCurrentA: 5, StepA: 1}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ClampCurrent(tt.available, tt.lim)
			if got != tt.want || ok != tt.ok {
				t.Fatalf("ClampCurrent(%v) = (%v, %v), want (%v, %v)", tt.available, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestClampCurrentAlwaysStepMultipleWithinRange(t *testing.T) {
	lim := model.ChargerLimits{MinCurrentA: 6, MaxCurrentA: 32, StepA: 2}
	for a := -5.0; a <= 45; a += 0.37 {
		got, ok := ClampCurrent(a, lim)
		if !ok {
			continue
		}
		if got < lim.MinCurrentA || got > lim.MaxCurrentA {
			t.Fatalf("ClampCurrent(%v) = %v outside [%v, %v]", a, got, lim.MinCurrentA, lim.MaxCurrentA)
		}
		if r := math.Mod(got, lim.StepA); !scalar.EqualWithinAbs(r, 0, 1e-9) && !scalar.EqualWithinAbs(r, lim.StepA, 1e-9) {
			t.Fatalf("ClampCurrent(%v) = %v is not a multiple of step %v", a, got, lim.StepA)
		}
	}
}

func TestTargetCurrentScenario(t *testing.T) {
	// 5 kW household load on a 32 A / 230 V service: available ≈ 10.26 A,
	// clamped target 10 A.
	available, target, ok := TargetCurrent(5000.0/230, 0, 32, defaultLimits)
	if !scalar.EqualWithinAbs(available, 10.26, 0.01) {
		t.Fatalf("available = %v, want ≈ 10.26", available)
	}
	if !ok || target != 10 {
		t.Fatalf("target = (%v, %v), want (10, true)", target, ok)
	}
}

func TestTargetCurrentAdditiveResolve(t *testing.T) {
	// Charger already commanded at 16 A; the meter shows the whole house
	// at 20 A. Non-EV load is 4 A, so the headroom is 28 A on a 32 A
	// service.
	available, target, ok := TargetCurrent(20, 16, 32, defaultLimits)
	if available != 28 || !ok || target != 28 {
		t.Fatalf("got (%v, %v, %v), want (28, 28, true)", available, target, ok)
	}
}

func TestRampUpLimit(t *testing.T) {
	base := time.Unix(1000, 0)
	cooldown := 30 * time.Second

	t.Run("decrease is never delayed", func(t *testing.T) {
		if got := RampUpLimit(18, 15, base, true, base.Add(time.Second), cooldown); got != 15 {
			t.Fatalf("got %v, want 15", got)
		}
	})
	t.Run("first increase passes without prior reduction", func(t *testing.T) {
		if got := RampUpLimit(10, 16, time.Time{}, false, base, cooldown); got != 16 {
			t.Fatalf("got %v, want 16", got)
		}
	})
	t.Run("increase held during cooldown", func(t *testing.T) {
		if got := RampUpLimit(15, 18, base, true, base.Add(9*time.Second), cooldown); got != 15 {
			t.Fatalf("got %v, want 15", got)
		}
	})
	t.Run("one millisecond early still held", func(t *testing.T) {
		now := base.Add(cooldown - time.Millisecond)
		if got := RampUpLimit(15, 18, base, true, now, cooldown); got != 15 {
			t.Fatalf("got %v, want 15", got)
		}
	})
	t.Run("boundary is inclusive", func(t *testing.T) {
		if got := RampUpLimit(15, 18, base, true, base.Add(cooldown), cooldown); got != 18 {
			t.Fatalf("got %v, want 18", got)
		}
	})
	t.Run("increase after cooldown", func(t *testing.T) {
		if got := RampUpLimit(15, 18, base, true, base.Add(31*time.Second), cooldown); got != 18 {
			t.Fatalf("got %v, want 18", got)
		}
	})
	t.Run("equal target passes", func(t *testing.T) {
		if got := RampUpLimit(15, 15, base, true, base.Add(time.Second), cooldown); got != 15 {
			t.Fatalf("got %v, want 15", got)
		}
	})
}

func TestSafetyClamp(t *testing.T) {
	if got := SafetyClamp(40, 32, 25); got != 25 {
		t.Fatalf("got %v, want 25", got)
	}
	if got := SafetyClamp(20, 32, 25); got != 20 {
		t.Fatalf("got %v, want 20", got)
	}
	if got := SafetyClamp(0, 32, 25); got != 0 {
		t.Fatalf("got %v, want 0", got)
	}
	// Property: any non-negative input is capped at the smaller limit.
	for x := 0.0; x < 100; x += 1.7 {
		if got := SafetyClamp(x, 32, 25); got > 25 {
			t.Fatalf("SafetyClamp(%v) = %v exceeds 25", x, got)
		}
	}
}

func TestResolveFallback(t *testing.T) {
	tests := []struct {
		name    string
		mode    model.FallbackMode
		want    float64
		applied bool
	}{
		{"stop", model.FallbackStop, 0, true},
		{"ignore keeps last value", model.FallbackIgnore, 0, false},
		{"set current capped at charger max", model.FallbackSetCurrent, 16, true},
		{"unrecognized fails safe to stop", model.FallbackMode("bogus"), 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, applied := ResolveFallback(tt.mode, 20, 16)
			if applied != tt.applied || (applied && got != tt.want) {
				t.Fatalf("ResolveFallback(%s) = (%v, %v), want (%v, %v)", tt.mode, got, applied, tt.want, tt.applied)
			}
		})
	}
}

func TestResolveFallbackSafetyRoundTrip(t *testing.T) {
	// set_current fallback followed by the safety clamp never exceeds
	// min(fallback, charger max, service max).
	for _, f := range []float64{4, 6, 16, 40} {
		for _, m := range []float64{10, 16, 32} {
			for _, s := range []float64{12, 25, 40} {
				v, applied := ResolveFallback(model.FallbackSetCurrent, f, m)
				if !applied {
					t.Fatal("set_current must always apply")
				}
				v = SafetyClamp(v, m, s)
				bound := math.Min(f, math.Min(m, s))
				if v > bound+1e-9 {
					t.Fatalf("fallback %v with max %v service %v produced %v > %v", f, m, s, v, bound)
				}
			}
		}
	}
}

func TestFallbackReapply(t *testing.T) {
	lim := model.ChargerLimits{MinCurrentA: 6, MaxCurrentA: 16, StepA: 1}

	if got := FallbackReapply(model.FallbackSetCurrent, 20, lim, 10); got != 16 {
		t.Fatalf("set_current: got %v, want 16", got)
	}
	// ignore re-clamps the held value to the new maximum.
	if got := FallbackReapply(model.FallbackIgnore, 0, lim, 20); got != 16 {
		t.Fatalf("ignore above max: got %v, want 16", got)
	}
	// ignore stops when the held value falls below the new minimum.
	if got := FallbackReapply(model.FallbackIgnore, 0, model.ChargerLimits{MinCurrentA: 12, MaxCurrentA: 16, StepA: 1}, 10); got != 0 {
		t.Fatalf("ignore below min: got %v, want 0", got)
	}
	if got := FallbackReapply(model.FallbackStop, 20, lim, 10); got != 0 {
		t.Fatalf("stop: got %v, want 0", got)
	}
}

func TestResolveState(t *testing.T) {
	tests := []struct {
		name                     string
		enabled, active, prevAct bool
		prevCurrent, current     float64
		held                     bool
		want                     model.BalancerState
	}{
		{"disabled overrides everything", false, true, true, 10, 10, true, model.StateDisabled},
		{"zero current is stopped", true, false, true, 10, 0, false, model.StateStopped},
		{"held increase", true, true, true, 10, 10, true, model.StateRampUpHold},
		{"current changed", true, true, true, 10, 12, false, model.StateAdjusting},
		{"just started", true, true, false, 0, 8, false, model.StateAdjusting},
		{"steady state", true, true, true, 10, 10, false, model.StateActive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveState(tt.enabled, tt.active, tt.prevAct, tt.prevCurrent, tt.current, tt.held)
			if got != tt.want {
				t.Fatalf("ResolveState() = %v, want %v", got, tt.want)
			}
		})
	}
}
