package topic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFacilitatorMessageSeverity(t *testing.T) {
	msg := facilitatorMessage(55, "", "")
	assert.Contains(t, msg, "drifted slightly off topic")

	msg = facilitatorMessage(70, "", "")
	assert.Contains(t, msg, "drifted significantly off topic")
}

func TestFacilitatorMessageIncludesReasonAndAction(t *testing.T) {
	msg := facilitatorMessage(60, "The group switched to vacation plans.", "Bring the discussion back to the agenda.")
	assert.Contains(t, msg, "The group switched to vacation plans.")
	assert.Contains(t, msg, "Suggestion: Bring the discussion back to the agenda.")
}

func TestFacilitatorMessageEmptyBelowThreshold(t *testing.T) {
	assert.Empty(t, facilitatorMessage(49, "reason", "action"))
}
