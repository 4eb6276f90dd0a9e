package proctoring

// PolicyAction is what the state machine does with one classified event.
type PolicyAction string

const (
	PolicyLogOnly       PolicyAction = "log_only"
	PolicyWarn          PolicyAction = "warn"
	PolicyAutoTerminate PolicyAction = "auto_terminate"
)

// Policy is the per-event-type decision table. The zero-strike vs
// strike-counted question is an explicit configuration value here, not a
// hidden constant: TerminateAfter and WarnAfter control how many occurrences
// of a type are tolerated.
type Policy struct {
	// AutoTerminate lists event types that end the session. An event type
	// terminates after TerminateAfter occurrences (default 1, zero-strike).
	AutoTerminate map[string]int

	// WarnAfter moves an in-progress attempt to warned after this many
	// occurrences of the same medium-severity type. 0 disables warnings.
	WarnAfter int
}

// DefaultPolicy terminates on first occurrence of the signals the exam
// portal treats as unambiguous violations, and warns after repeated
// medium-severity events.
func DefaultPolicy() Policy {
	return Policy{
		AutoTerminate: map[string]int{
			"multiple_faces": 1,
			"tab_switch":     1,
			"window_blur":    1,
			"phone_detected": 1,
		},
		WarnAfter: 3,
	}
}

// ActionFor returns the policy action for an event type given how many times
// it has now occurred (including the current event).
func (p Policy) ActionFor(ev Event, occurrences int64) PolicyAction {
	if limit, ok := p.AutoTerminate[ev.EventType]; ok && occurrences >= int64(limit) {
		return PolicyAutoTerminate
	}
	if p.WarnAfter > 0 && ev.Severity == SeverityMedium && occurrences >= int64(p.WarnAfter) {
		return PolicyWarn
	}
	return PolicyLogOnly
}
