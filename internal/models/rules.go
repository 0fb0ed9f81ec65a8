package models

// Severity grades a compliance finding. HardStop unconditionally blocks the
// triggering workflow; Warning permits an audited clinician override.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityHardStop Severity = "hard_stop"
)

// RuleResult is the structured outcome of one compliance evaluation. Rule
// checks report through this value and never fail the call itself.
type RuleResult struct {
	IsValid  bool           `json:"is_valid"`
	Severity Severity       `json:"severity"`
	RuleID   string         `json:"rule_id"`
	Message  string         `json:"message"`
	Data     map[string]any `json:"data,omitempty"`
}

// Blocking reports whether the finding must stop the triggering action.
func (r RuleResult) Blocking() bool {
	return !r.IsValid && r.Severity == SeverityHardStop
}

// RuleSuccess builds a passing result with supporting counts.
func RuleSuccess(ruleID, message string, data map[string]any) RuleResult {
	return RuleResult{
		IsValid:  true,
		Severity: SeverityInfo,
		RuleID:   ruleID,
		Message:  message,
		Data:     data,
	}
}

// RuleViolation builds a failing result at the given severity.
func RuleViolation(ruleID string, severity Severity, message string, data map[string]any) RuleResult {
	return RuleResult{
		IsValid:  false,
		Severity: severity,
		RuleID:   ruleID,
		Message:  message,
		Data:     data,
	}
}
