package session

import (
	"fmt"
	"log"
	"math"

	"github.com/hakonstad/ihht-companion/internal/config"
)

// Confidence grades how much history backs a recommendation.
type Confidence string

const (
	ConfidenceHigh     Confidence = "high"
	ConfidenceMedium   Confidence = "medium"
	ConfidenceLow      Confidence = "low"
	ConfidenceBaseline Confidence = "baseline"
)

// Recommendation is a suggested starting altitude with its rationale.
type Recommendation struct {
	Level      int
	Reasoning  string
	Confidence Confidence
}

// plateauThreshold is how many identical ending levels in a row count as a
// plateau worth nudging.
const plateauThreshold = 5

// AltitudeProgressionEngine turns bounded session history into a starting
// altitude recommendation. Pure: same input, same output, and any internal
// failure degrades to the default level rather than blocking a session start.
type AltitudeProgressionEngine struct {
	logger *log.Logger
	cfg    config.Progression
}

func NewAltitudeProgressionEngine(logger *log.Logger, cfg config.Progression) *AltitudeProgressionEngine {
	if logger == nil {
		panic("AltitudeProgressionEngine requires a logger")
	}
	return &AltitudeProgressionEngine{logger: logger, cfg: cfg}
}

// RecommendStartingAltitude never fails: a calculation problem is logged and
// answered with the default level at low confidence, because a broken
// recommendation must not stop a user from training.
func (e *AltitudeProgressionEngine) RecommendStartingAltitude(input ProgressionInput) (rec Recommendation) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("AltitudeProgressionEngine: %v (%v), using default level", ErrProgressionFallback, r)
			rec = Recommendation{
				Level:      e.cfg.DefaultAltitudeLevel,
				Reasoning:  "recommendation unavailable, using default",
				Confidence: ConfidenceLow,
			}
		}
	}()
	return e.recommend(input)
}

func (e *AltitudeProgressionEngine) recommend(input ProgressionInput) Recommendation {
	if input.LastSession == nil || input.TotalSessions == 0 {
		return Recommendation{
			Level:      e.cfg.DefaultAltitudeLevel,
			Reasoning:  "first session, starting at the default level",
			Confidence: ConfidenceHigh,
		}
	}

	base := input.LastSession.BaseLevel()
	days := input.DaysSinceLastSession

	// A two-month gap wipes accumulated adaptation; restart from the
	// default regardless of trend or plateau.
	if days >= 60 {
		return Recommendation{
			Level:      clampLevel(e.cfg.DefaultAltitudeLevel, e.cfg.MinAltitudeLevel, e.cfg.MaxAltitudeLevel),
			Reasoning:  fmt.Sprintf("%d days since last session, restarting from the default level", days),
			Confidence: e.confidence(input.TotalSessions),
		}
	}

	adjustment, reason := e.detrainingAdjustment(base, days)

	if trendAdj, trendReason := e.trendAdjustment(input); trendAdj != 0 {
		adjustment += trendAdj
		if reason != "" {
			reason += "; "
		}
		reason += trendReason
	}

	if reason == "" {
		reason = "continuing from last session"
	}

	// Relative clamp first, then absolute bounds.
	if adjustment > 2 {
		adjustment = 2
	}
	if adjustment < -3 {
		adjustment = -3
	}
	level := clampLevel(base+adjustment, e.cfg.MinAltitudeLevel, e.cfg.MaxAltitudeLevel)

	return Recommendation{
		Level:      level,
		Reasoning:  reason,
		Confidence: e.confidence(input.TotalSessions),
	}
}

// detrainingAdjustment maps the gap since the last session to a level delta.
func (e *AltitudeProgressionEngine) detrainingAdjustment(base, days int) (int, string) {
	switch {
	case days <= 3:
		return 0, ""
	case days <= 7:
		return -1, fmt.Sprintf("%d days off, easing back one level", days)
	case days <= 14:
		return -2, fmt.Sprintf("%d days off, easing back two levels", days)
	case days <= 30:
		return -3, fmt.Sprintf("%d days off, easing back three levels", days)
	default:
		// 31-59 days: meet halfway between where the user was and the
		// default.
		midpoint := int(math.Round(float64(base+e.cfg.DefaultAltitudeLevel) / 2))
		return midpoint - base, fmt.Sprintf("%d days off, meeting halfway back toward the default", days)
	}
}

// trendAdjustment nudges for plateaus and declines once there is enough
// history to call either.
func (e *AltitudeProgressionEngine) trendAdjustment(input ProgressionInput) (int, string) {
	if len(input.Sessions) < 3 {
		return 0, ""
	}

	if len(input.Sessions) >= plateauThreshold {
		plateau := true
		first := input.Sessions[0].BaseLevel()
		for _, s := range input.Sessions[1:plateauThreshold] {
			if s.BaseLevel() != first {
				plateau = false
				break
			}
		}
		if plateau {
			return 1, fmt.Sprintf("plateaued at level %d for %d sessions, nudging up", first, plateauThreshold)
		}
	}

	if input.Trend == TrendDeclining {
		return -1, "recent sessions trending down, easing off"
	}
	return 0, ""
}

func (e *AltitudeProgressionEngine) confidence(totalSessions int) Confidence {
	switch {
	case totalSessions >= 10:
		return ConfidenceHigh
	case totalSessions >= 5:
		return ConfidenceMedium
	case totalSessions >= 1:
		return ConfidenceLow
	default:
		return ConfidenceBaseline
	}
}
