package balancer

import (
	"math"

	"github.com/alexisml/evbalance/core/model"
)

// Allocation is one charger's share of a Distribute run.
type Allocation struct {
	CurrentA float64
	// Stop means the charger could not be given at least its minimum
	// current and must be stopped.
	Stop bool
}

// Distribute fairly splits availableA across the chargers using
// water-filling. Each round computes the equal fair share of the
// remaining current per active charger; chargers whose share reaches
// their maximum are settled at that maximum and their allocation removed
// from the pool, chargers whose share falls below their minimum are
// settled as stopped and contribute nothing back. Rounds repeat until one
// settles nobody, at which point the remaining chargers all receive the
// final step-floored fair share. The loop terminates because every round
// either strictly shrinks the active set or finishes.
//
// The sum of non-stop allocations never exceeds availableA beyond
// step-rounding tolerance.
func Distribute(availableA float64, chargers []model.ChargerLimits) []Allocation {
	n := len(chargers)
	out := make([]Allocation, n)
	for i := range out {
		out[i].Stop = true
	}
	if n == 0 {
		return out
	}

	active := make([]int, 0, n)
	for i := range chargers {
		active = append(active, i)
	}
	remaining := availableA

	for len(active) > 0 {
		fairShare := remaining / float64(len(active))
		capped, belowMin := classify(active, chargers, fairShare)

		if len(capped) == 0 && len(belowMin) == 0 {
			for _, i := range active {
				lim := chargers[i]
				target := math.Floor(fairShare/lim.Step()) * lim.Step()
				if target >= lim.MinCurrentA {
					out[i] = Allocation{CurrentA: target}
				}
			}
			break
		}

		for _, i := range capped {
			lim := chargers[i]
			maxFloored := math.Floor(lim.MaxCurrentA/lim.Step()) * lim.Step()
			if maxFloored >= lim.MinCurrentA {
				out[i] = Allocation{CurrentA: maxFloored}
				remaining -= maxFloored
			}
			active = remove(active, i)
		}
		for _, i := range belowMin {
			active = remove(active, i)
		}
	}
	return out
}

// classify splits the active chargers into those whose fair share hits
// their maximum and those whose fair share falls below their minimum.
func classify(active []int, chargers []model.ChargerLimits, fairShare float64) (capped, belowMin []int) {
	for _, i := range active {
		lim := chargers[i]
		step := lim.Step()
		maxFloored := math.Floor(lim.MaxCurrentA/step) * step
		target := math.Floor(math.Min(fairShare, lim.MaxCurrentA)/step) * step
		switch {
		case target >= maxFloored:
			capped = append(capped, i)
		case target < lim.MinCurrentA:
			belowMin = append(belowMin, i)
		}
	}
	return capped, belowMin
}

func remove(s []int, v int) []int {
	for i, x := range s {
		if x == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}
