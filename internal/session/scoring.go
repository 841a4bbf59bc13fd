package session

import "github.com/hakonstad/ihht-companion/internal/config"

// PerformanceCategory buckets a session score and carries the bias applied to
// the next session's recommendation log line.
type PerformanceCategory string

const (
	CategoryExcellent PerformanceCategory = "EXCELLENT"
	CategoryGood      PerformanceCategory = "GOOD"
	CategoryMaintain  PerformanceCategory = "MAINTAIN"
	CategoryStruggle  PerformanceCategory = "STRUGGLE"
	CategoryUnsafe    PerformanceCategory = "UNSAFE"
)

// Bias is the next-session level nudge the category suggests.
func (c PerformanceCategory) Bias() int {
	switch c {
	case CategoryExcellent:
		return 2
	case CategoryGood:
		return 1
	case CategoryMaintain:
		return 0
	case CategoryStruggle:
		return -1
	case CategoryUnsafe:
		return -2
	default:
		return 0
	}
}

// ScoreSession grades a finished session 0-100. Weighting: mask lifts 40,
// comfort-band adherence 30, ceiling testing 20, completion 10. A minimum
// SpO2 well under the band costs a safety penalty on the adherence component.
func ScoreSession(cfg config.Adaptive, maskLifts int, avgSpO2 float64, minSpO2 int, completionRate float64) (int, PerformanceCategory) {
	score := maskLiftComponent(maskLifts)
	score += adherenceComponent(cfg, avgSpO2, minSpO2)
	score += ceilingComponent(cfg, avgSpO2)
	score += completionComponent(completionRate)

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score, categorize(score)
}

func maskLiftComponent(lifts int) int {
	switch {
	case lifts == 0:
		return 40
	case lifts == 1:
		return 30
	case lifts == 2:
		return 20
	default:
		return 0
	}
}

func adherenceComponent(cfg config.Adaptive, avgSpO2 float64, minSpO2 int) int {
	low, high := float64(cfg.ComfortBandLow), float64(cfg.ComfortBandHigh)

	component := 0
	switch {
	case avgSpO2 >= low && avgSpO2 <= high:
		component = 30
	case avgSpO2 >= low-2 && avgSpO2 <= high+2:
		component = 20
	}

	if minSpO2 > 0 && float64(minSpO2) < low-5 {
		component -= 10
	}
	return component
}

func ceilingComponent(cfg config.Adaptive, avgSpO2 float64) int {
	high := float64(cfg.ComfortBandHigh)
	switch {
	case avgSpO2 >= high:
		return 20
	case avgSpO2 >= high-2:
		return 10
	default:
		return 0
	}
}

func completionComponent(rate float64) int {
	switch {
	case rate >= 0.999:
		return 10
	case rate >= 0.8:
		return 5
	default:
		return 0
	}
}

func categorize(score int) PerformanceCategory {
	switch {
	case score >= 80:
		return CategoryExcellent
	case score >= 60:
		return CategoryGood
	case score >= 40:
		return CategoryMaintain
	case score >= 20:
		return CategoryStruggle
	default:
		return CategoryUnsafe
	}
}
