package session

import (
	"log"
	"time"

	"github.com/hakonstad/ihht-companion/internal/config"
)

type spo2Sample struct {
	at   time.Time
	spo2 int
}

// AdaptiveEngine watches the SpO2 stream during altitude phases and emits at
// most one instruction per reading: a mask lift when saturation stays below
// the safety floor, or an altitude adjustment when the rolling average sits
// outside the comfort band. All time comes from reading timestamps, never the
// wall clock, so replayed streams behave identically. Not safe for concurrent
// use; the controller serializes access.
type AdaptiveEngine struct {
	logger *log.Logger
	cfg    config.Adaptive

	window []spo2Sample

	// Mask-lift debounce: disarmed after firing, re-armed once SpO2 climbs
	// back above floor + recovery margin. belowSince tracks a contiguous run
	// of low samples; lastLowAt detects gaps in that run.
	maskLiftArmed bool
	belowSince    time.Time
	lastLowAt     time.Time

	// Adjustment debounce: after an adjustment the window restarts, so no
	// second adjustment can fire until a full window of new data agrees.
	lastPhase Phase
	lastCycle int
}

func NewAdaptiveEngine(logger *log.Logger, cfg config.Adaptive) *AdaptiveEngine {
	if logger == nil {
		panic("AdaptiveEngine requires a logger")
	}
	return &AdaptiveEngine{
		logger:        logger,
		cfg:           cfg,
		maskLiftArmed: true,
		lastCycle:     -1,
	}
}

// Reset clears all rolling state, for a fresh session.
func (e *AdaptiveEngine) Reset() {
	e.window = e.window[:0]
	e.maskLiftArmed = true
	e.belowSince = time.Time{}
	e.lastLowAt = time.Time{}
	e.lastPhase = PhaseAltitude
	e.lastCycle = -1
}

// OnReading feeds one sample through the trigger logic. altitudeLevel is the
// session's current level, used to propose adjustments. Returns nil when no
// instruction fires.
func (e *AdaptiveEngine) OnReading(r Reading, state PhaseState, altitudeLevel int) *Instruction {
	if state.CurrentPhase != e.lastPhase || state.CurrentCycle != e.lastCycle {
		// Phase boundaries invalidate accumulated evidence; each altitude
		// phase starts with a clean window and an armed mask lift.
		e.window = e.window[:0]
		e.belowSince = time.Time{}
		e.lastLowAt = time.Time{}
		e.maskLiftArmed = true
		e.lastPhase = state.CurrentPhase
		e.lastCycle = state.CurrentCycle
	}

	// A sample without a usable SpO2 value is neither low nor high; it
	// contributes nothing.
	if !r.SpO2Valid || !r.FingerDetected {
		return nil
	}

	if state.CurrentPhase != PhaseAltitude || state.IsPaused {
		return nil
	}

	e.appendSample(r)

	if instr := e.checkMaskLift(r); instr != nil {
		return instr
	}
	return e.checkAltitudeAdjustment(r, altitudeLevel)
}

func (e *AdaptiveEngine) appendSample(r Reading) {
	e.window = append(e.window, spo2Sample{at: r.Timestamp, spo2: r.SpO2})

	cutoff := r.Timestamp.Add(-time.Duration(e.cfg.RollingWindowSeconds) * time.Second)
	trimmed := 0
	for trimmed < len(e.window) && e.window[trimmed].at.Before(cutoff) {
		trimmed++
	}
	if trimmed > 0 {
		e.window = append(e.window[:0], e.window[trimmed:]...)
	}
}

func (e *AdaptiveEngine) checkMaskLift(r Reading) *Instruction {
	floor := e.cfg.MaskLiftSpO2Floor

	if r.SpO2 > floor {
		e.belowSince = time.Time{}
		e.lastLowAt = time.Time{}
		if !e.maskLiftArmed && r.SpO2 >= floor+e.cfg.MaskLiftRecoveryMargin {
			e.maskLiftArmed = true
			e.logger.Printf("AdaptiveEngine: mask lift re-armed at SpO2 %d", r.SpO2)
		}
		return nil
	}

	// A gap in the low stream (sensor dropout, invalid samples) breaks the
	// sustained run; the count restarts rather than spanning the gap.
	if e.belowSince.IsZero() || (!e.lastLowAt.IsZero() && r.Timestamp.Sub(e.lastLowAt) > 2*time.Second) {
		e.belowSince = r.Timestamp
	}
	e.lastLowAt = r.Timestamp
	if !e.maskLiftArmed {
		return nil
	}

	sustained := r.Timestamp.Sub(e.belowSince) >= time.Duration(e.cfg.MaskLiftSustainSeconds-1)*time.Second
	if !sustained {
		return nil
	}

	e.maskLiftArmed = false
	e.logger.Printf("AdaptiveEngine: mask lift triggered, SpO2 %d below floor %d", r.SpO2, floor)
	return &Instruction{
		Type:             InstructionMaskLift,
		Timestamp:        r.Timestamp,
		AutoDismissAfter: MaskLiftAutoDismiss,
		SpO2Value:        r.SpO2,
		ThresholdUsed:    floor,
	}
}

func (e *AdaptiveEngine) checkAltitudeAdjustment(r Reading, altitudeLevel int) *Instruction {
	if len(e.window) == 0 {
		return nil
	}

	// Demand a full window of evidence before proposing a change.
	span := e.window[len(e.window)-1].at.Sub(e.window[0].at)
	if span < time.Duration(e.cfg.RollingWindowSeconds-1)*time.Second {
		return nil
	}

	sum := 0
	for _, s := range e.window {
		sum += s.spo2
	}
	avg := float64(sum) / float64(len(e.window))

	var delta int
	var reason string
	switch {
	case avg > float64(e.cfg.ComfortBandHigh):
		delta = e.cfg.AltitudeAdjustStep
		reason = "tolerating altitude easily"
	case avg < float64(e.cfg.ComfortBandLow):
		delta = -e.cfg.AltitudeAdjustStep
		reason = "struggling at current altitude"
	default:
		return nil
	}

	newLevel := clampLevel(altitudeLevel+delta, 0, 10)
	if newLevel == altitudeLevel {
		// Already at the bound; nothing to suggest.
		return nil
	}

	// Restart the window so the next suggestion needs fresh agreement.
	e.window = e.window[:0]

	e.logger.Printf("AdaptiveEngine: altitude adjustment %+d suggested (avg SpO2 %.1f, %s)", newLevel-altitudeLevel, avg, reason)
	return &Instruction{
		Type:             InstructionAltitudeAdjustment,
		Timestamp:        r.Timestamp,
		AutoDismissAfter: AltitudeAdjustmentAutoDismiss,
		NewLevel:         newLevel,
		Delta:            newLevel - altitudeLevel,
		Reason:           reason,
	}
}

func clampLevel(level, min, max int) int {
	if level < min {
		return min
	}
	if level > max {
		return max
	}
	return level
}
