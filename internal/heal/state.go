package heal

// State is a node of the healing state machine.
type State string

const (
	StateInit               State = "INIT"
	StateGate               State = "GATE"
	StateCheckRules         State = "CHECK_RULES"
	StateApply              State = "APPLY"
	StateValidate           State = "VALIDATE"
	StateReGate             State = "RE_GATE"
	StateRecord             State = "RECORD"
	StateShip               State = "SHIP"
	StateAbortUnknownRule   State = "ABORT_UNKNOWN_RULE"
	StateAbortWeakening     State = "ABORT_WEAKENING"
	StateAbortStuck         State = "ABORT_STUCK"
	StateAbortMaxIterations State = "ABORT_MAX_ITERATIONS"
	StateAbortBuildFailed   State = "ABORT_BUILD_FAILED"
	StateAbortTestFailed    State = "ABORT_TEST_FAILED"
	StateAbortInfraError    State = "ABORT_INFRA_ERROR"
	StateAbortTimeout       State = "ABORT_TIMEOUT"
	StateAbortCanceled      State = "ABORT_CANCELED"
)

// Reason is the machine readable terminal reason code.
type Reason string

const (
	ReasonShipped           Reason = "shipped"
	ReasonUnknownRule       Reason = "unknown_rule"
	ReasonWeakeningDetected Reason = "weakening_detected"
	ReasonStuck             Reason = "stuck"
	ReasonMaxIterations     Reason = "max_iterations"
	ReasonBuildFailed       Reason = "build_failed"
	ReasonTestFailed        Reason = "test_failed"
	ReasonInfraError        Reason = "infra_error"
	ReasonTimeout           Reason = "timeout"
	ReasonCanceled          Reason = "canceled"
)

var terminalReasons = map[State]Reason{
	StateShip:               ReasonShipped,
	StateAbortUnknownRule:   ReasonUnknownRule,
	StateAbortWeakening:     ReasonWeakeningDetected,
	StateAbortStuck:         ReasonStuck,
	StateAbortMaxIterations: ReasonMaxIterations,
	StateAbortBuildFailed:   ReasonBuildFailed,
	StateAbortTestFailed:    ReasonTestFailed,
	StateAbortInfraError:    ReasonInfraError,
	StateAbortTimeout:       ReasonTimeout,
	StateAbortCanceled:      ReasonCanceled,
}

// Terminal reports whether s ends a session.
func (s State) Terminal() bool {
	_, ok := terminalReasons[s]
	return ok
}

// Reason returns the reason code of a terminal state.
func (s State) Reason() Reason {
	return terminalReasons[s]
}
