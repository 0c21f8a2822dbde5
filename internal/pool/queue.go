package pool

import (
	"context"
	"time"

	"proxysupervisor/internal/logging"
)

// taskKind distinguishes the two kinds of background work the queue carries
// (§4.D). Both are driven by the same single consumer goroutine so that at
// most one Provisioner call is ever in flight for background maintenance,
// keeping provisioning load predictable regardless of how many workers need
// attention at once.
type taskKind int

const (
	taskRepair taskKind = iota
	taskCreate
)

// task is one unit of background work. For repair tasks, attempts counts
// prior failed restart attempts and is compared against
// Options.MaxRepairAttempts. Create tasks never give up, so their attempts
// field is unused and left at its zero value; tracking it would only invite
// a bound that the design deliberately does not have.
type task struct {
	kind     taskKind
	name     string
	attempts int
}

// enqueueRepairLocked marks name as pending repair and submits a repair task
// for it. It does not check for an already-pending repair; callers do.
// Must be called with mu held.
func (s *Supervisor) enqueueRepairLocked(name string, attempts int) {
	s.pendingRepairs[name] = struct{}{}
	go func() {
		s.tasks <- task{kind: taskRepair, name: name, attempts: attempts}
	}()
}

// enqueueCreateLocked submits a create task and records the commitment in
// pendingCreates. Must be called with mu held.
func (s *Supervisor) enqueueCreateLocked() {
	s.pendingCreates++
	go func() {
		s.tasks <- task{kind: taskCreate}
	}()
}

// workerLoop is the queue's single consumer. It runs for the lifetime of the
// Supervisor, processing one task at a time; a task that needs to be retried
// after a backoff schedules its own re-entry via time.AfterFunc rather than
// blocking the loop, so an in-progress backoff on one worker never delays
// attention to the rest of the queue.
func (s *Supervisor) workerLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		case t := <-s.tasks:
			switch t.kind {
			case taskRepair:
				s.handleRepairTask(t)
			case taskCreate:
				s.handleCreateTask(t)
			}
		}
	}
}

// handleRepairTask attempts to restart the named worker in place. On success
// the worker returns to the readiness index. On failure, if attempts remain
// under the configured ceiling, the task is resubmitted after RepairBackoff;
// once attempts are exhausted, the worker is escalated to a full replace
// (§4.D, "repair exhaustion").
func (s *Supervisor) handleRepairTask(t task) {
	l := logging.WithComponent("pool/worker-loop")

	res, err := s.provisioner.RestartAndCheck(context.Background(), t.name)
	if err == nil && res.OK() {
		s.mu.Lock()
		s.storeValid(recordFromResult(res)) // also clears pendingRepairs/needsRestart
		s.mu.Unlock()
		s.publish("recovered", t.name)
		return
	}

	l.Warn().Str("name", t.name).Int("attempts", t.attempts).Err(err).Msg("repair attempt failed")

	next := t.attempts + 1
	if next >= s.opts.MaxRepairAttempts {
		s.mu.Lock()
		delete(s.pendingRepairs, t.name)
		s.mu.Unlock()
		s.scheduleReplace(t.name)
		return
	}

	time.AfterFunc(s.opts.RepairBackoff, func() {
		select {
		case <-s.stopCh:
			return
		default:
		}
		s.mu.Lock()
		s.pendingRepairs[t.name] = struct{}{}
		s.mu.Unlock()
		s.tasks <- task{kind: taskRepair, name: t.name, attempts: next}
	})
}

// handleCreateTask provisions a brand new worker to replace lost capacity.
// Creates never give up: a failed attempt is unconditionally resubmitted
// after CreateBackoff, since abandoning would permanently shrink the pool
// below target size.
func (s *Supervisor) handleCreateTask(t task) {
	l := logging.WithComponent("pool/worker-loop")

	res, err := s.provisioner.Provision(context.Background())
	if err == nil && res.OK() {
		s.mu.Lock()
		s.pendingCreates--
		s.storeValid(recordFromResult(res))
		s.mu.Unlock()
		s.publish("valid", res.Name)
		return
	}

	l.Warn().Err(err).Str("message", res.Message).Msg("create attempt failed, retrying")

	time.AfterFunc(s.opts.CreateBackoff, func() {
		select {
		case <-s.stopCh:
			return
		default:
		}
		s.tasks <- task{kind: taskCreate}
	})
}

// scheduleReplace tears down a worker that could not be repaired and
// enqueues a create task to replace it. The delete is best-effort: even if
// the underlying container is already gone, the replacement still proceeds.
func (s *Supervisor) scheduleReplace(name string) {
	l := logging.WithComponent("pool/worker-loop")

	if _, err := s.provisioner.Delete(context.Background(), name); err != nil {
		l.Warn().Str("name", name).Err(err).Msg("replace: delete failed, proceeding anyway")
	}

	s.mu.Lock()
	s.removeFromQueue(name)
	delete(s.validSet, name)
	delete(s.needsRestart, name)
	delete(s.registry, name)
	s.enqueueCreateLocked()
	s.mu.Unlock()

	s.publish("replaced", name)
}

// ScheduleRestart is atomic from the caller's perspective (§4.E). It first,
// under lock, flags name invalid and moves it into needsRestart so it is
// immediately unacquirable; the actual restart is not performed here — by
// default it is left for the next Sweep, exactly as specified. When the
// Supervisor is running in Background mode there is a worker loop actively
// draining the task queue, so ScheduleRestart also hands the repair to it
// (the alternative the design notes explicitly permit: "could enqueue a
// repair task instead"), provided one isn't already pending for this name.
//
// After flagging, it releases the lock and returns a replacement: a
// currently-valid worker if one is available, otherwise a synchronously
// created one, otherwise NoAvailableWorker. Unknown names fail with
// NotFound.
func (s *Supervisor) ScheduleRestart(ctx context.Context, name string) (Record, error) {
	s.mu.Lock()
	rec, ok := s.registry[name]
	if !ok {
		s.mu.Unlock()
		return Record{}, errNotFound(name)
	}
	rec.State = StateInvalid
	delete(s.validSet, name)
	s.removeFromQueue(name)
	s.needsRestart[name] = struct{}{}

	_, alreadyPending := s.pendingRepairs[name]
	if s.opts.Background && !alreadyPending {
		s.enqueueRepairLocked(name, 0)
	}
	s.mu.Unlock()

	s.publish("invalid", name)

	if replacement, ok := s.Acquire(); ok {
		return replacement, nil
	}
	if replacement, err := s.CreateSync(ctx); err == nil {
		return replacement, nil
	} else {
		return Record{}, errNoAvailableWorker(err)
	}
}
