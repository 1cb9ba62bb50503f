package planner

import (
	"strings"

	"github.com/foreman-hq/foreman/pkg/models"
)

// InferEscalationType classifies an escalation reason by keyword. Ambiguity
// is the catch-all.
func InferEscalationType(reason string) models.EscalationType {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "budget") || strings.Contains(lower, "cost"):
		return models.EscalationBudget
	case strings.Contains(lower, "strateg") || strings.Contains(lower, "direction"):
		return models.EscalationStrategic
	case strings.Contains(lower, "brand") || strings.Contains(lower, "voice"):
		return models.EscalationBrand
	case strings.Contains(lower, "cannot") || strings.Contains(lower, "tool") || strings.Contains(lower, "capabilit"):
		return models.EscalationCapabilityGap
	default:
		return models.EscalationAmbiguity
	}
}
