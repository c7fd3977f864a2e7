package finding

import (
	"math"
	"time"
)

// DefaultFreshnessTau is the decay constant for the freshness weight.
const DefaultFreshnessTau = time.Hour

// Weights are the relevance formula coefficients. They are configurable
// through the experimental scoring_weights section; the defaults are the
// canonical ones.
type Weights struct {
	Severity    float64
	Scope       float64
	Freshness   float64
	UserContext float64
}

// DefaultWeights returns the canonical coefficients.
func DefaultWeights() Weights {
	return Weights{Severity: 0.40, Scope: 0.25, Freshness: 0.20, UserContext: 0.15}
}

// ScoreInput carries the context a score computation needs beyond the
// finding itself.
type ScoreInput struct {
	Now time.Time

	// UserFiles is the sliding window of files recently touched by the
	// user. Empty means no signal.
	UserFiles map[string]bool

	Tau     time.Duration
	Weights Weights
}

// Score computes the relevance score in [0, 1] for a finding.
func Score(f *Finding, in ScoreInput) float64 {
	tau := in.Tau
	if tau <= 0 {
		tau = DefaultFreshnessTau
	}
	w := in.Weights
	if w.Severity == 0 && w.Scope == 0 && w.Freshness == 0 && w.UserContext == 0 {
		w = DefaultWeights()
	}

	age := in.Now.Sub(f.Timestamp)
	if age < 0 {
		age = 0
	}
	freshness := math.Exp(-age.Seconds() / tau.Seconds())

	var userCtx float64
	switch {
	case len(in.UserFiles) == 0:
		userCtx = 0.5
	case in.UserFiles[f.File]:
		userCtx = 1.0
	default:
		userCtx = 0.3
	}

	score := w.Severity*f.Severity.Weight() +
		w.Scope*f.Scope.Weight() +
		w.Freshness*freshness +
		w.UserContext*userCtx

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// Thresholds are the tier assignment gates. The context store mode presets
// shift them: flow surfaces less, quality surfaces more.
type Thresholds struct {
	// RelevantMin is the minimum score for the relevant tier.
	RelevantMin float64

	// ImmediateErrorMin is the score gate for promoting a file/module scoped
	// error to immediate.
	ImmediateErrorMin float64
}

// ThresholdsForMode returns the tier gates for a store mode.
func ThresholdsForMode(mode string) Thresholds {
	switch mode {
	case "flow":
		return Thresholds{RelevantMin: 0.55, ImmediateErrorMin: 0.85}
	case "quality":
		return Thresholds{RelevantMin: 0.30, ImmediateErrorMin: 0.65}
	default: // balanced
		return Thresholds{RelevantMin: 0.40, ImmediateErrorMin: 0.75}
	}
}

// AssignTier is a pure function of the finding's severity, blocking flag,
// scope, auto-fix state and score.
func AssignTier(f *Finding, score float64, th Thresholds) Tier {
	if f.AutoFixed {
		return TierAutoFixed
	}
	if f.Blocking || f.Severity == SeverityCritical {
		return TierImmediate
	}
	if f.Severity == SeverityError &&
		(f.Scope == ScopeFile || f.Scope == ScopeModule) &&
		score >= th.ImmediateErrorMin {
		return TierImmediate
	}
	if score >= th.RelevantMin && f.Severity.Rank() >= SeverityWarning.Rank() {
		return TierRelevant
	}
	return TierBackground
}
