package pool

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"proxysupervisor/internal/logging"
)

// SweepOutcome classifies what happened to one worker during a sweep.
type SweepOutcome string

const (
	SweepRecovered  SweepOutcome = "recovered"   // a restart-and-check attempt succeeded within the sweep's budget
	SweepReplaced   SweepOutcome = "replaced"    // attempts exhausted or deadline hit; worker was deleted and a create was scheduled
	SweepMissing    SweepOutcome = "missing"     // the name is no longer in the registry
	SweepInProgress SweepOutcome = "in_progress" // the background worker loop already owns this repair
)

// SweepResult reports what the sweep did to a single worker, mirroring the
// `{container_name, status, attempts, error}` shape the distilled spec's
// scenarios assert on.
type SweepResult struct {
	Name     string
	Outcome  SweepOutcome
	Attempts int
	Err      error
}

// Sweep is the synchronous reconciliation pass (§4.F): it drives
// restart-and-check against every worker currently flagged in needsRestart,
// retrying each one up to Options.MaxRepairAttempts times, bounded overall
// by a single wall-clock deadline (Options.SweepDeadline). It blocks the
// caller until done and returns a full report — this is what operators call
// when they want an immediate, exhaustive answer instead of waiting on the
// background queue's eventual convergence.
//
// When the Supervisor runs in Background mode, schedule_restart has already
// handed each flagged name to the worker loop as a repair task (the
// permitted alternative the design notes call out: "enqueue a repair task
// instead" of purely deferring to sweep). Driving the same name from both
// places at once would mean two concurrent RestartAndCheck calls against the
// same underlying container, so Sweep skips — reporting in_progress — any
// name the worker loop has already claimed via pendingRepairs. With
// Background disabled (the mode the deterministic test scenarios in §8 run
// in), nothing drains the task queue, so Sweep claims and drives every
// flagged name itself; this is the path scenarios 3 and 4 exercise.
func (s *Supervisor) Sweep(ctx context.Context) []SweepResult {
	l := logging.WithComponent("pool/sweep")

	deadline := time.Now().Add(s.opts.SweepDeadline)
	sweepCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	s.mu.Lock()
	names := make([]string, 0, len(s.needsRestart))
	for name := range s.needsRestart {
		names = append(names, name)
	}
	background := s.opts.Background

	results := make([]SweepResult, 0, len(names))
	claimed := make([]string, 0, len(names))
	for _, name := range names {
		if background {
			if _, owned := s.pendingRepairs[name]; owned {
				results = append(results, SweepResult{Name: name, Outcome: SweepInProgress})
				continue
			}
		}
		s.pendingRepairs[name] = struct{}{}
		claimed = append(claimed, name)
	}
	s.mu.Unlock()

	for _, name := range claimed {
		results = append(results, s.sweepOne(sweepCtx, l, name, deadline))
	}

	return results
}

// sweepOne drives a single claimed name through up to MaxRepairAttempts
// restart-and-check attempts, stopping early on success or once the sweep's
// overall deadline is reached.
func (s *Supervisor) sweepOne(ctx context.Context, l zerolog.Logger, name string, deadline time.Time) SweepResult {
	s.mu.Lock()
	if _, ok := s.registry[name]; !ok {
		delete(s.pendingRepairs, name)
		s.mu.Unlock()
		return SweepResult{Name: name, Outcome: SweepMissing}
	}
	s.mu.Unlock()

	var lastErr error
	attempts := 0
	for attempts < s.opts.MaxRepairAttempts {
		if !time.Now().Before(deadline) {
			if lastErr == nil {
				lastErr = context.DeadlineExceeded
			}
			break
		}

		attempts++
		res, err := s.provisioner.RestartAndCheck(ctx, name)
		if err == nil && res.OK() {
			s.mu.Lock()
			s.storeValid(recordFromResult(res)) // also clears pendingRepairs/needsRestart
			s.mu.Unlock()
			s.publish("recovered", name)
			return SweepResult{Name: name, Outcome: SweepRecovered, Attempts: attempts}
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = errors.New(res.Message)
		}
		l.Warn().Str("name", name).Int("attempt", attempts).Err(lastErr).Msg("sweep: restart attempt failed")
	}

	s.mu.Lock()
	delete(s.pendingRepairs, name)
	s.mu.Unlock()
	s.scheduleReplace(name)
	return SweepResult{Name: name, Outcome: SweepReplaced, Attempts: attempts, Err: lastErr}
}
