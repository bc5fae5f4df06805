package core

// Difficulty controller – retargets the PoUW threshold from a sliding
// window of (verified accuracy, solve wall time) samples.
//
// The update is a pure function of the window: integer arithmetic only, so
// two nodes fed identical windows compute identical targets. A larger
// target admits more proofs (easier); a smaller one fewer (harder).
//
//	time_factor    = median_solve_time / target_solve_time
//	quality_factor = clamp(mean_accuracy / target_accuracy, 0.5, 2.0)
//	new_target     = old_target × time_factor / quality_factor
//
// clamped to the per-window shift bound and the absolute min/max.

import (
	"math/big"
	"sort"
	"sync"
)

// DifficultyConfig mirrors the consensus.difficulty_* configuration.
type DifficultyConfig struct {
	Window          int      // sample count per retarget, e.g. 2048
	TargetSolveMS   uint64   // consensus.target_solve_time
	TargetAccuracy  Metric   // accuracy the network tunes toward
	MaxShift        uint64   // per-window clamp: new ∈ [old/MaxShift, old×MaxShift]
	MinTarget       *big.Int // absolute hardest
	MaxTarget       *big.Int // absolute easiest
}

// WindowSample is one finalized submission's contribution.
type WindowSample struct {
	Accuracy    Metric
	SolveTimeMS uint64
}

// DifficultyController accumulates samples and retargets per window.
type DifficultyController struct {
	mu      sync.Mutex
	cfg     DifficultyConfig
	samples []WindowSample
}

// NewDifficultyController validates the bounds and returns a controller.
func NewDifficultyController(cfg DifficultyConfig) *DifficultyController {
	if cfg.MaxShift == 0 {
		cfg.MaxShift = 4
	}
	return &DifficultyController{cfg: cfg}
}

// Observe appends one sample, keeping at most Window of them.
func (dc *DifficultyController) Observe(s WindowSample) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.samples = append(dc.samples, s)
	if len(dc.samples) > dc.cfg.Window {
		dc.samples = dc.samples[len(dc.samples)-dc.cfg.Window:]
	}
}

// WindowFull reports whether a full window has accumulated.
func (dc *DifficultyController) WindowFull() bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.samples) >= dc.cfg.Window
}

// Retarget computes the next target from the current window and resets it.
// With an empty window the old target is returned unchanged.
func (dc *DifficultyController) Retarget(old *big.Int) *big.Int {
	dc.mu.Lock()
	samples := dc.samples
	dc.samples = nil
	dc.mu.Unlock()
	return ComputeRetarget(dc.cfg, samples, old)
}

// ComputeRetarget is the pure retarget function.
func ComputeRetarget(cfg DifficultyConfig, window []WindowSample, old *big.Int) *big.Int {
	if len(window) == 0 {
		return new(big.Int).Set(old)
	}

	medianMS := medianSolveTime(window)
	meanAcc := meanAccuracy(window)

	// quality_factor as the rational qNum/qDen, clamped to [1/2, 2].
	qNum := uint64(meanAcc)
	qDen := uint64(cfg.TargetAccuracy)
	if qDen == 0 {
		qNum, qDen = 1, 1
	}
	if qNum*2 < qDen { // below 0.5
		qNum, qDen = 1, 2
	} else if qNum > 2*qDen { // above 2.0
		qNum, qDen = 2, 1
	}

	// new = old × median/targetTime × qDen/qNum
	next := new(big.Int).Set(old)
	next.Mul(next, new(big.Int).SetUint64(medianMS))
	next.Mul(next, new(big.Int).SetUint64(qDen))
	den := new(big.Int).SetUint64(cfg.TargetSolveMS)
	den.Mul(den, new(big.Int).SetUint64(qNum))
	if den.Sign() == 0 {
		return new(big.Int).Set(old)
	}
	next.Div(next, den)

	// Per-window shift clamp.
	shift := new(big.Int).SetUint64(cfg.MaxShift)
	upper := new(big.Int).Mul(old, shift)
	lower := new(big.Int).Div(old, shift)
	if next.Cmp(upper) > 0 {
		next.Set(upper)
	}
	if next.Cmp(lower) < 0 {
		next.Set(lower)
	}

	// Absolute clamps.
	if cfg.MaxTarget != nil && next.Cmp(cfg.MaxTarget) > 0 {
		next.Set(cfg.MaxTarget)
	}
	if cfg.MinTarget != nil && next.Cmp(cfg.MinTarget) < 0 {
		next.Set(cfg.MinTarget)
	}
	if next.Sign() <= 0 {
		next.SetUint64(1)
	}
	return next
}

// medianSolveTime sorts a copy and takes the midpoint; for an even window
// the two middles are averaged (integer), keeping the result deterministic.
func medianSolveTime(window []WindowSample) uint64 {
	times := make([]uint64, len(window))
	for i, s := range window {
		times[i] = s.SolveTimeMS
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
	n := len(times)
	if n%2 == 1 {
		return times[n/2]
	}
	return (times[n/2-1] + times[n/2]) / 2
}

func meanAccuracy(window []WindowSample) Metric {
	var sum uint64
	for _, s := range window {
		sum += uint64(s.Accuracy)
	}
	return Metric(sum / uint64(len(window)))
}
