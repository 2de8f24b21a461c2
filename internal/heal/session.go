package heal

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/Ship-Gate/ShipGate-sub013/internal/checks"
	"github.com/Ship-Gate/ShipGate-sub013/internal/codemap"
	"github.com/Ship-Gate/ShipGate-sub013/internal/patch"
	"github.com/Ship-Gate/ShipGate-sub013/internal/procedure"
	"github.com/Ship-Gate/ShipGate-sub013/internal/proof"
	"github.com/Ship-Gate/ShipGate-sub013/internal/recorder"
	"github.com/Ship-Gate/ShipGate-sub013/internal/violation"
	"github.com/rs/zerolog"
)

// outcome is the terminal value threaded out of the loop.
type outcome struct {
	state State
	err   error
	diag  []string
}

type session struct {
	o       *Orchestrator
	log     zerolog.Logger
	rec     *recorder.Recorder
	base    codemap.CodeMap
	code    codemap.CodeMap
	initial violation.Report
	current violation.Report
	stages  map[proof.Stage]proof.StageMark
}

// Heal runs one session over code, which is not modified. It always returns
// a Result carrying exactly one proof bundle.
func (o *Orchestrator) Heal(ctx context.Context, code codemap.CodeMap) Result {
	started := o.clock()
	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}
	if o.observer != nil {
		o.observer.SessionStarted()
	}

	s := &session{
		o:      o,
		log:    o.log.With().Str("spec_hash", o.identity.Hash).Logger(),
		rec:    recorder.New(o.sink),
		base:   code.Clone(),
		code:   code.Clone(),
		stages: make(map[proof.Stage]proof.StageMark),
	}
	s.log.Info().Int("files", len(code)).Int("max_iterations", o.cfg.MaxIterations).Msg("healing session started")

	out := s.run(ctx)
	res := s.finish(out)

	elapsed := o.clock().Sub(started)
	event := s.log.Info()
	if !res.OK {
		event = s.log.Warn().Err(res.err)
	}
	event.Str("reason", string(res.Reason)).
		Str("state", string(res.State)).
		Int("iterations", res.Iterations).
		Dur("duration", elapsed).
		Msg("healing session finished")
	if o.observer != nil {
		o.observer.SessionFinished(res, elapsed)
	}
	return res
}

func (s *session) transition(st State) {
	s.log.Debug().Str("state", string(st)).Int("iteration", s.rec.Len()+1).Msg("state transition")
}

func (s *session) mark(stage proof.Stage, status proof.Status, detail string) {
	s.stages[stage] = proof.StageMark{Stage: stage, Status: status, Detail: detail}
}

func (s *session) run(ctx context.Context) outcome {
	s.transition(StateInit)
	s.mark(proof.StageInit, proof.StatusPassed, "")

	s.transition(StateGate)
	report, err := s.o.gate.Run(ctx, s.code)
	if err != nil {
		s.mark(proof.StageGate, proof.StatusFailed, err.Error())
		return s.collaboratorFailure(ctx, "gate", err)
	}
	report, err = normalize(report)
	s.initial, s.current = report, report
	if err != nil {
		s.mark(proof.StageGate, proof.StatusFailed, err.Error())
		return outcome{state: StateAbortInfraError, err: &InfrastructureError{Stage: "gate", Err: err}}
	}
	s.mark(proof.StageGate, proof.StatusPassed, string(report.Verdict))

	for {
		if s.current.Verdict == violation.VerdictShip {
			return outcome{state: StateShip}
		}
		if out, stop := s.interrupted(ctx); stop {
			return out
		}
		if err := s.checkIdentity(); err != nil {
			return outcome{state: StateAbortInfraError, err: &InfrastructureError{Stage: "specification", Err: err}}
		}

		s.transition(StateCheckRules)
		if unknown := s.o.registry.UnknownRules(s.current.Violations); len(unknown) > 0 {
			s.mark(proof.StagePatch, proof.StatusFailed, "unknown rules: "+strings.Join(unknown, ", "))
			return outcome{state: StateAbortUnknownRule, err: &UnknownRuleError{Rules: unknown}}
		}
		if s.rec.Len() >= s.o.cfg.MaxIterations {
			return outcome{
				state: StateAbortMaxIterations,
				err:   &MaxIterationsExceededError{Max: s.o.cfg.MaxIterations, Verdict: s.current.Verdict},
			}
		}

		if out, done := s.iterate(ctx); done {
			return out
		}
	}
}

// iterate runs APPLY, VALIDATE, RE_GATE and RECORD for one iteration.
func (s *session) iterate(ctx context.Context) (outcome, bool) {
	index := s.rec.Len() + 1
	started := s.o.clock()
	ilog := s.log.With().Int("iteration", index).Logger()

	snap := recorder.Snapshot{
		Iteration:         index,
		Violations:        s.current.Violations,
		FingerprintBefore: s.current.Fingerprint,
		FingerprintAfter:  s.current.Fingerprint,
		StartedAt:         started,
	}
	record := func(result recorder.Outcome) error {
		snap.Outcome = result
		snap.Duration = s.o.clock().Sub(started)
		s.transition(StateRecord)
		if err := s.rec.Record(ctx, snap); err != nil {
			return err
		}
		if s.o.observer != nil {
			s.o.observer.IterationRecorded(snap)
		}
		ilog.Info().
			Str("outcome", string(result)).
			Int("applied", len(snap.Applied)).
			Str("fingerprint", snap.FingerprintAfter).
			Msg("iteration recorded")
		return nil
	}
	recordFailure := func(err error) outcome {
		return outcome{state: StateAbortInfraError, err: &InfrastructureError{Stage: "record", Err: err}}
	}

	s.transition(StateApply)
	candidate, proposed, applied, rerun, diags := s.apply(s.current.Violations, ilog)
	snap.Proposed, snap.Applied, snap.Diagnostics = proposed, applied, diags
	if len(applied) > 0 {
		s.mark(proof.StagePatch, proof.StatusPassed, fmt.Sprintf("%d patch(es) applied", len(applied)))
	} else if _, ok := s.stages[proof.StagePatch]; !ok {
		s.mark(proof.StagePatch, proof.StatusFailed, "no patch applied")
	}

	s.transition(StateValidate)
	diff, err := codemap.Diff(s.code, candidate)
	if err != nil {
		return outcome{state: StateAbortInfraError, err: &InfrastructureError{Stage: "diff", Err: err}}, true
	}
	decision := s.o.guard.Validate(diff, s.code)
	if !decision.Accepted {
		for _, f := range decision.Findings {
			snap.Diagnostics = append(snap.Diagnostics, "guard: "+f.String())
		}
		snap.Applied = nil
		snap.CodeHash = s.code.Hash()
		snap.Diff = diff
		ilog.Warn().Int("findings", len(decision.Findings)).Msg("iteration rejected by weakening guard")
		if s.o.observer != nil {
			s.o.observer.GuardRejected(decision.Findings)
		}
		s.mark(proof.StageValidate, proof.StatusFailed, "weakening detected")
		if err := record(recorder.OutcomeRejected); err != nil {
			return recordFailure(err), true
		}
		return outcome{
			state: StateAbortWeakening,
			err:   &WeakeningDetectedError{Iteration: index, Findings: decision.Findings},
		}, true
	}
	s.mark(proof.StageValidate, proof.StatusPassed, "")
	snap.CodeHash = candidate.Hash()
	snap.Diff = diff

	if codemap.Equal(s.code, candidate) {
		if err := record(recorder.OutcomeNoChange); err != nil {
			return recordFailure(err), true
		}
		if s.rec.Stuck(s.o.cfg.StuckThreshold) {
			return s.stuck(index), true
		}
		return outcome{}, false
	}

	s.transition(StateReGate)
	for _, name := range rerun {
		res, err := s.o.checks.Run(ctx, name, candidate)
		if err != nil {
			snap.Diagnostics = append(snap.Diagnostics, fmt.Sprintf("check %s: %v", name, err))
			if rerr := record(recorder.OutcomeAborted); rerr != nil {
				return recordFailure(rerr), true
			}
			return s.collaboratorFailure(ctx, "check "+name, err), true
		}
		if res.Passed {
			continue
		}
		snap.Diagnostics = append(snap.Diagnostics, fmt.Sprintf("check %s (%s) failed", name, res.Kind))
		s.mark(proof.StageValidate, proof.StatusFailed, "check "+name+" failed")
		if err := record(recorder.OutcomeCheckFailed); err != nil {
			return recordFailure(err), true
		}
		if res.Kind == checks.KindTest {
			return outcome{state: StateAbortTestFailed, err: &TestFailedError{Check: name, Output: res.Output}}, true
		}
		return outcome{state: StateAbortBuildFailed, err: &BuildFailedError{Check: name, Output: res.Output}}, true
	}

	report, err := s.o.gate.Run(ctx, candidate)
	if err == nil {
		report, err = normalize(report)
	}
	if err != nil {
		snap.Diagnostics = append(snap.Diagnostics, "gate: "+err.Error())
		if rerr := record(recorder.OutcomeAborted); rerr != nil {
			return recordFailure(rerr), true
		}
		return s.collaboratorFailure(ctx, "gate", err), true
	}
	s.code = candidate
	snap.FingerprintAfter = report.Fingerprint
	if err := record(recorder.OutcomeAccepted); err != nil {
		return recordFailure(err), true
	}
	s.current = report

	if report.Verdict != violation.VerdictShip && s.rec.Stuck(s.o.cfg.StuckThreshold) {
		return s.stuck(index), true
	}
	return outcome{}, false
}

func (s *session) stuck(index int) outcome {
	return outcome{
		state: StateAbortStuck,
		err:   &StuckLoopError{Iteration: index, Fingerprint: s.current.Fingerprint},
	}
}

// apply asks each matching procedure for patches against the evolving
// candidate. Violation spans refer to the gated code and are moved onto the
// candidate before each procedure runs. A procedure whose patches fail to
// apply or fail its local validation contributes nothing to the iteration.
func (s *session) apply(vs []violation.Violation, ilog zerolog.Logger) (codemap.CodeMap, []patch.Patch, []patch.Patch, []string, []string) {
	candidate := s.code.Clone()
	var (
		proposed, applied []patch.Patch
		diags             []string
		rerun             = make(map[string]struct{})
	)
	for _, v := range violation.Sort(vs) {
		where := fmt.Sprintf("%s at %s:%d", v.RuleID, v.File, v.Span.StartLine)
		proc, ok := s.o.registry.Lookup(v.RuleID)
		if !ok {
			continue
		}
		if !proc.Match(v) {
			diags = append(diags, where+": procedure does not match")
			continue
		}
		target := s.retarget(v, candidate)
		loc, err := proc.Locate(candidate.Clone(), target)
		if err != nil {
			diags = append(diags, fmt.Sprintf("%s: locate: %v", where, err))
			continue
		}
		ps, err := proc.CreatePatches(candidate.Clone(), loc, target)
		if err != nil {
			diags = append(diags, fmt.Sprintf("%s: create patches: %v", where, err))
			continue
		}
		for i := range ps {
			if ps[i].RuleID == "" {
				ps[i].RuleID = v.RuleID
			}
		}
		proposed = append(proposed, ps...)
		if len(ps) == 0 {
			diags = append(diags, where+": procedure produced no patches")
			continue
		}
		cand, err := s.o.applier.Apply(candidate, ps)
		if err != nil {
			diags = append(diags, fmt.Sprintf("%s: %v", where, err))
			continue
		}
		if val, ok := proc.(procedure.Validator); ok {
			if err := val.Validate(candidate, cand.Code, target); err != nil {
				diags = append(diags, fmt.Sprintf("%s: local validation: %v", where, err))
				continue
			}
		}
		ilog.Debug().Str("rule_id", v.RuleID).Strs("touched", cand.Touched).Msg("patches applied to candidate")
		candidate = cand.Code
		applied = append(applied, cand.Applied...)
		for _, c := range proc.Checks() {
			rerun[c] = struct{}{}
		}
	}

	names := make([]string, 0, len(rerun))
	for c := range rerun {
		names = append(names, c)
	}
	sort.Strings(names)
	return candidate, proposed, applied, names, diags
}

// retarget moves v's span from the gated code onto candidate.
func (s *session) retarget(v violation.Violation, candidate codemap.CodeMap) violation.Violation {
	before, after := s.code[v.File], candidate[v.File]
	if before == after {
		return v
	}
	v.Span.StartLine = codemap.MapLine(before, after, v.Span.StartLine)
	v.Span.EndLine = codemap.MapLine(before, after, v.Span.EndLine)
	return v
}

// interrupted converts a done context into a terminal outcome.
func (s *session) interrupted(ctx context.Context) (outcome, bool) {
	switch err := ctx.Err(); {
	case err == nil:
		return outcome{}, false
	case errors.Is(err, context.DeadlineExceeded):
		return outcome{state: StateAbortTimeout, err: &TimeoutError{Timeout: s.o.cfg.Timeout}}, true
	default:
		return outcome{state: StateAbortCanceled, err: &CanceledError{}}, true
	}
}

func (s *session) collaboratorFailure(ctx context.Context, stage string, err error) outcome {
	if out, stop := s.interrupted(ctx); stop {
		return out
	}
	return outcome{state: StateAbortInfraError, err: &InfrastructureError{Stage: stage, Err: err}}
}

func (s *session) checkIdentity() error {
	h, err := s.o.spec.Hash()
	if err != nil {
		return err
	}
	if h != s.o.identity.Hash {
		return fmt.Errorf("specification changed during session: %s != %s", h, s.o.identity.Hash)
	}
	return nil
}

func (s *session) finish(out outcome) Result {
	state := out.state
	res := Result{
		OK:          state == StateShip,
		Reason:      state.Reason(),
		State:       state,
		Iterations:  s.rec.Len(),
		Verdict:     s.current.Verdict,
		Score:       s.current.Score,
		Fingerprint: s.current.Fingerprint,
		History:     s.rec.History(),
		Code:        s.code.Clone(),
		Touched:     codemap.Changed(s.base, s.code),
		err:         out.err,
	}
	for _, snap := range res.History {
		res.Diagnostics = append(res.Diagnostics, snap.Diagnostics...)
	}
	res.Diagnostics = append(res.Diagnostics, out.diag...)
	if out.err != nil {
		res.Diagnostics = append(res.Diagnostics, out.err.Error())
	}

	s.finalize(res)
	in := proof.Input{
		Spec:     s.o.spec,
		Identity: s.o.identity,
		History:  res.History,
		Initial:  s.initial,
		Final:    s.current,
		Code:     res.Code,
		OK:       res.OK,
		Reason:   string(res.Reason),
		State:    string(res.State),
		Stages:   s.marks(),
	}
	bundle, err := s.o.proof.Build(in)
	if err != nil {
		res.OK = false
		res.Reason, res.State = ReasonInfraError, StateAbortInfraError
		res.err = &InfrastructureError{Stage: "proof", Err: err}
		res.Diagnostics = append(res.Diagnostics, res.err.Error())
		s.finalize(res)
		in.OK, in.Reason, in.State, in.Stages = false, string(res.Reason), string(res.State), s.marks()
		bundle = s.o.proof.Fallback(in)
	}
	res.Proof = bundle
	return res
}

func (s *session) finalize(res Result) {
	if res.OK {
		s.mark(proof.StageFinalize, proof.StatusPassed, string(res.Reason))
	} else {
		s.mark(proof.StageFinalize, proof.StatusFailed, string(res.Reason))
	}
}

func (s *session) marks() []proof.StageMark {
	out := make([]proof.StageMark, 0, len(s.stages))
	for _, st := range proof.Stages {
		if m, ok := s.stages[st]; ok {
			out = append(out, m)
		}
	}
	return out
}

// normalize recomputes the fingerprint so the loop never trusts the gate's
// own, fills in a missing verdict and makes evidence encodable. A report
// with a non-finite score is returned zeroed as NO_SHIP together with an
// error.
func normalize(r violation.Report) (violation.Report, error) {
	r.Violations = violation.Sort(r.Violations)
	for i := range r.Violations {
		r.Violations[i].Evidence = violation.EncodableEvidence(r.Violations[i].Evidence)
	}
	r.Fingerprint = violation.Fingerprint(r.Violations)
	if math.IsNaN(r.Score) || math.IsInf(r.Score, 0) {
		score := r.Score
		r.Score, r.Verdict = 0, violation.VerdictNoShip
		return r, fmt.Errorf("gate reported a non-finite score (%v)", score)
	}
	if r.Verdict == "" {
		r.Verdict = violation.VerdictNoShip
		if len(r.Violations) == 0 {
			r.Verdict = violation.VerdictShip
		}
	}
	return r, nil
}
