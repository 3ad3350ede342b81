package stats

// HealthState is the hysteresis state machine layered over the continuous
// health score so a single bad (or good) sample cannot flip a link's
// selectability. Modeled as an explicit tagged state rather than a raw
// boolean, the same shape the teacher's subscription tracking uses for its
// own multi-state transitions.
type HealthState string

const (
	// StateUndetermined is the initial state: no probe or user response has
	// ever succeeded, so the score starts at 0 and cannot rise above it
	// (failures can still pull it below 0), and the link is counted
	// separately from "down" in summaries.
	StateUndetermined HealthState = "Undetermined"
	StateHealthy      HealthState = "Healthy"
	StateUnhealthy    HealthState = "Unhealthy"
	// StateDraining marks a link that is being removed from configuration.
	StateDraining HealthState = "Draining"
)

// IsHealthy reports whether the state should be treated as healthy for
// selection purposes.
func (s HealthState) IsHealthy() bool {
	return s == StateHealthy
}

const (
	// unhealthyThreshold is the score at or below which a Healthy link
	// transitions to Unhealthy.
	unhealthyThreshold = 0.0
	// healthyThreshold is the score at or above which an Unhealthy link
	// transitions back to Healthy. It is set above unhealthyThreshold so a
	// single sample cannot bounce the state back and forth (hysteresis).
	healthyThreshold = 10.0

	// minScore/maxScore bound the continuous health score.
	minScore = -100.0
	maxScore = 100.0

	// successGainFactor controls how much a successful sample nudges the
	// score toward maxScore; the nudge shrinks as the score approaches the
	// ceiling (proportional gain), so healthy links recover fast but don't
	// overshoot.
	successGainFactor = 0.18
	// bestQuartileBonus multiplies the gain when the observed latency sits
	// within the cohort's best quartile.
	bestQuartileBonus = 1.6

	// failureLossFactor controls how much a failed sample pulls the score
	// toward minScore; like the gain, it is proportional so a link already
	// deep in failure does not get an outsized additional penalty from a
	// single sample, but a streak does (via streakAcceleration).
	failureLossFactor = 0.30
	// streakAcceleration adds an extra fixed penalty per consecutive
	// failure beyond the first, capped at maxStreakBonus streaks worth.
	streakAcceleration = 6.0
	maxStreakBonus     = 5
)

// applySuccess nudges score upward and returns the new score. latencyMs is
// this sample's latency; cohortBestMs is the best (lowest) recent latency
// observed across the link's cohort, used to decide whether this sample
// lands in the "best quartile" for a larger nudge. A cohortBestMs <= 0 means
// no cohort context is available and the bonus is skipped.
func applySuccess(score, latencyMs, cohortBestMs float64) float64 {
	gain := successGainFactor
	if cohortBestMs > 0 && latencyMs <= cohortBestMs*1.25 {
		gain *= bestQuartileBonus
	}
	score += gain * (maxScore - score)
	if score > maxScore {
		score = maxScore
	}
	return score
}

// applyFailure pulls score downward, accelerating with consecutiveFailures.
func applyFailure(score float64, consecutiveFailures int) float64 {
	loss := failureLossFactor * (score - minScore)

	streak := consecutiveFailures
	if streak > maxStreakBonus {
		streak = maxStreakBonus
	}
	loss += float64(streak) * streakAcceleration

	score -= loss
	if score < minScore {
		score = minScore
	}
	return score
}

// nextState applies the hysteresis rules to derive the next HealthState
// from the current one and the (possibly just-updated) score. determined
// indicates whether at least one successful probe/response has ever been
// observed (first rule in spec: score cannot be positive, and state cannot
// leave Undetermined, until that happens).
func nextState(current HealthState, score float64, determined bool) HealthState {
	if current == StateDraining {
		return StateDraining
	}
	if !determined {
		return StateUndetermined
	}
	switch current {
	case StateUndetermined:
		if score >= healthyThreshold {
			return StateHealthy
		}
		return StateUndetermined
	case StateHealthy:
		if score <= unhealthyThreshold {
			return StateUnhealthy
		}
		return StateHealthy
	case StateUnhealthy:
		if score >= healthyThreshold {
			return StateHealthy
		}
		return StateUnhealthy
	default:
		return current
	}
}
