package finding

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScoreFormula(t *testing.T) {
	now := time.Now().UTC()
	f := New("linter", "a.py", 1, SeverityCritical, "x", "m")
	f.Scope = ScopeProject
	f.Timestamp = now

	// Fresh critical project finding in the touched set scores the
	// maximum: 0.40*1 + 0.25*1 + 0.20*1 + 0.15*1.
	score := Score(f, ScoreInput{
		Now:       now,
		UserFiles: map[string]bool{"a.py": true},
	})
	assert.InDelta(t, 1.0, score, 0.001)
}

func TestScoreEmptyUserContext(t *testing.T) {
	now := time.Now().UTC()
	f := New("linter", "a.py", 1, SeverityInfo, "x", "m")
	f.Scope = ScopeDependency
	f.Timestamp = now

	// 0.40*0.2 + 0.25*0.4 + 0.20*1.0 + 0.15*0.5 = 0.455
	score := Score(f, ScoreInput{Now: now})
	assert.InDelta(t, 0.455, score, 0.001)
}

func TestScoreUntouchedFile(t *testing.T) {
	now := time.Now().UTC()
	f := New("linter", "b.py", 1, SeverityWarning, "x", "m")
	f.Timestamp = now

	// 0.40*0.5 + 0.25*0.6 + 0.20*1.0 + 0.15*0.3 = 0.595
	score := Score(f, ScoreInput{
		Now:       now,
		UserFiles: map[string]bool{"a.py": true},
	})
	assert.InDelta(t, 0.595, score, 0.001)
}

func TestScoreFreshnessDecay(t *testing.T) {
	now := time.Now().UTC()
	f := New("linter", "a.py", 1, SeverityWarning, "x", "m")

	f.Timestamp = now
	fresh := Score(f, ScoreInput{Now: now})

	f.Timestamp = now.Add(-2 * time.Hour)
	stale := Score(f, ScoreInput{Now: now})

	assert.Greater(t, fresh, stale)

	// Future timestamps clamp to zero age rather than inflating the score.
	f.Timestamp = now.Add(time.Hour)
	future := Score(f, ScoreInput{Now: now})
	assert.InDelta(t, fresh, future, 0.001)
}

// Tier assignment is a pure function of its inputs.
func TestAssignTier(t *testing.T) {
	th := ThresholdsForMode("balanced")

	tests := []struct {
		name     string
		severity Severity
		blocking bool
		scope    Scope
		auto     bool
		score    float64
		expected Tier
	}{
		{"auto fixed wins", SeverityCritical, true, ScopeFile, true, 0.9, TierAutoFixed},
		{"blocking is immediate", SeverityInfo, true, ScopeFile, false, 0.1, TierImmediate},
		{"critical is immediate", SeverityCritical, false, ScopeDependency, false, 0.2, TierImmediate},
		{"scoped error above gate", SeverityError, false, ScopeFile, false, 0.80, TierImmediate},
		{"module error above gate", SeverityError, false, ScopeModule, false, 0.75, TierImmediate},
		{"project error is not immediate", SeverityError, false, ScopeProject, false, 0.90, TierRelevant},
		{"error below gate is relevant", SeverityError, false, ScopeFile, false, 0.60, TierRelevant},
		{"warning above threshold", SeverityWarning, false, ScopeFile, false, 0.45, TierRelevant},
		{"warning below threshold", SeverityWarning, false, ScopeFile, false, 0.30, TierBackground},
		{"info never relevant", SeverityInfo, false, ScopeProject, false, 0.95, TierBackground},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &Finding{
				Severity: tt.severity,
				Blocking: tt.blocking,
				Scope:    tt.scope,
			}
			if tt.auto {
				f.AutoFixed = true
			}
			got := AssignTier(f, tt.score, th)
			assert.Equal(t, tt.expected, got)

			// Determinism: same inputs, same tier.
			assert.Equal(t, got, AssignTier(f, tt.score, th))
		})
	}
}

func TestThresholdsForMode(t *testing.T) {
	flow := ThresholdsForMode("flow")
	balanced := ThresholdsForMode("balanced")
	quality := ThresholdsForMode("quality")

	assert.Greater(t, flow.RelevantMin, balanced.RelevantMin)
	assert.Less(t, quality.RelevantMin, balanced.RelevantMin)
	assert.Greater(t, flow.ImmediateErrorMin, balanced.ImmediateErrorMin)
	assert.Less(t, quality.ImmediateErrorMin, balanced.ImmediateErrorMin)
}
