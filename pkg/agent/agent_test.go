package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wioota/devloop/pkg/finding"
)

func TestToolMissingFinding(t *testing.T) {
	f := ToolMissingFinding("linter", "ruff")
	assert.NoError(t, f.Validate())
	assert.Equal(t, finding.SeverityWarning, f.Severity)
	assert.Equal(t, finding.ScopeProject, f.Scope)
	assert.Equal(t, "tool_unavailable", f.Category)
	assert.Contains(t, f.Message, "ruff")
}

func TestDescriptorNormalize(t *testing.T) {
	var d Descriptor
	d.normalize()

	assert.Positive(t, d.Timeout)
	assert.Equal(t, 1, d.Concurrency)
	assert.Equal(t, 128, d.QueueSize)
	assert.Equal(t, 3, d.LoopGuardMaxOps)
	assert.Equal(t, 5, d.MaxChainDepth)
}
