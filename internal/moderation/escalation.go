package moderation

import (
	"fmt"
	"math/rand"
	"time"
)

// maxTimeoutMultiplier caps timeout growth at 6x the base duration.
const maxTimeoutMultiplier = 6

// ShouldWarn always warns for the first two violations in the count window and
// warns half the time after that, so repeat offenders are not spammed.
func ShouldWarn(count int, rng *rand.Rand) bool {
	if count <= 2 {
		return true
	}
	return rng.Float64() < 0.5
}

// TimeoutDuration returns base*(1+min(count-threshold, 5)) when count has
// reached threshold, and false otherwise.
func TimeoutDuration(base time.Duration, count, threshold int) (time.Duration, bool) {
	if count < threshold {
		return 0, false
	}
	return base * time.Duration(1+min(count-threshold, maxTimeoutMultiplier-1)), true
}

// CooldownFor is how long casual engagement stays off after a warning. count
// includes the violation being warned about.
func CooldownFor(count int) time.Duration {
	if count >= 3 {
		return 30 * time.Minute
	}
	return 10 * time.Minute
}

// WarningText renders the warning for the count-th violation, count including
// the current one. Each tier gets blunter.
func WarningText(mention string, v Verdict, count int, timeoutMinutes int) string {
	var text, altLabel string
	switch {
	case count <= 1:
		text = fmt.Sprintf("hey %s quick heads up: %s (warning 1/3)", mention, v.RuleViolated)
		altLabel = "Consider instead"
	case count == 2:
		text = fmt.Sprintf("%s %s (warning 2/3, next violation = stricter warning)", mention, v.RuleViolated)
		altLabel = "Legal alternative"
	case count == 3:
		text = fmt.Sprintf("%s %s. %s (warning 3/3, next violation = timeout risk)", mention, v.RuleViolated, v.Explanation)
		altLabel = "Suggested alternative"
	default:
		text = fmt.Sprintf("%s %s. %s (violation #%d, timeout risk: %dmin)", mention, v.RuleViolated, v.Explanation, count, timeoutMinutes)
		altLabel = "Try this instead"
	}
	if v.AlternativeSuggestion != "" {
		text += fmt.Sprintf("\n(%s: %s)", altLabel, v.AlternativeSuggestion)
	}
	return text
}
