package pool

import (
	"context"
	"sync"
	"time"

	"proxysupervisor/internal/logging"
	"proxysupervisor/internal/provisioner"
)

// Event is published to any attached EventSink whenever the supervisor
// commits a worker state transition. Event delivery is best-effort and
// strictly observational (§4.I, §5) — it can never affect pool invariants.
type Event struct {
	Kind string // "valid" | "invalid" | "recovered" | "replaced" | "removed"
	Name string
	At   time.Time
}

// EventSink receives pool lifecycle events. Publish must not block.
type EventSink interface {
	Publish(Event)
}

// Options configures a Supervisor.
type Options struct {
	TargetSize       int
	MaxRepairAttempts int // default 3
	SweepDeadline     time.Duration // default 15s
	CreateBackoff     time.Duration // default 3s
	RepairBackoff     time.Duration // default 2s
	// Background controls whether Start launches the initial-fill filler and
	// worker loop goroutines. Tests that want synchronous control over
	// scheduling set this to false (§4.E).
	Background bool
}

func (o *Options) setDefaults() {
	if o.TargetSize <= 0 {
		o.TargetSize = 8
	}
	if o.MaxRepairAttempts <= 0 {
		o.MaxRepairAttempts = 3
	}
	if o.SweepDeadline <= 0 {
		o.SweepDeadline = 15 * time.Second
	}
	if o.CreateBackoff <= 0 {
		o.CreateBackoff = 3 * time.Second
	}
	if o.RepairBackoff <= 0 {
		o.RepairBackoff = 2 * time.Second
	}
}

// Supervisor is the pool supervisor facade (§4.E): it owns the registry, the
// readiness index, and the task queue, and is the sole mutator of all of
// them. Every field below is protected by mu; the only exception is the
// task queue channel itself, which is safe for concurrent send.
type Supervisor struct {
	provisioner provisioner.Provisioner
	opts        Options

	mu   sync.Mutex
	cond *sync.Cond

	registry map[string]*Record

	validQueue []string
	validSet   map[string]struct{}

	pendingRepairs map[string]struct{}
	pendingCreates int
	needsRestart   map[string]struct{}

	tasks chan task

	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}

	sink EventSink
}

// New creates a Supervisor bound to the given Provisioner. Call Start to
// begin background replenishment.
func New(p provisioner.Provisioner, opts Options) *Supervisor {
	opts.setDefaults()

	s := &Supervisor{
		provisioner:    p,
		opts:           opts,
		registry:       make(map[string]*Record),
		validSet:       make(map[string]struct{}),
		pendingRepairs: make(map[string]struct{}),
		needsRestart:   make(map[string]struct{}),
		tasks:          make(chan task, opts.TargetSize*2+16),
		stopCh:         make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// SetEventSink attaches the ops event hub (or any other sink). It is safe to
// call before Start; sink may be nil to disable publishing.
func (s *Supervisor) SetEventSink(sink EventSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

func (s *Supervisor) publish(kind, name string) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink == nil {
		return
	}
	sink.Publish(Event{Kind: kind, Name: name, At: time.Now()})
}

// Start is idempotent. On first call, if Options.Background is set, it
// launches the initial-fill filler and the worker loop as permanent
// background goroutines. With Background unset (used by tests), Start just
// records that the pool has started; callers fall back to CreateSync.
func (s *Supervisor) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	background := s.opts.Background
	s.mu.Unlock()

	if !background {
		return
	}

	go s.initialFill()
	go s.workerLoop()
}

// Stop halts the worker loop. It does not tear down existing workers.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

// initialFill keeps calling Provision synchronously, outside the task
// queue's backlog, until the valid count reaches target size (§4.E). It
// deliberately does not touch pendingCreates — that bookkeeping exists only
// to bound the task queue's commitments, and initial fill has no backlog to
// bound.
func (s *Supervisor) initialFill() {
	l := logging.WithComponent("pool/initial-fill")
	for {
		if s.countValid() >= s.opts.TargetSize {
			return
		}
		select {
		case <-s.stopCh:
			return
		default:
		}

		// No deadline is imposed here: per §5, the supervisor does not bound
		// Provisioner calls beyond what the Provisioner itself applies —
		// except inside Sweep, which has its own wall-clock budget.
		res, err := s.provisioner.Provision(context.Background())
		if err != nil || !res.OK() {
			l.Warn().Err(err).Str("message", res.Message).Msg("initial fill: provision failed, retrying")
			time.Sleep(s.opts.CreateBackoff)
			continue
		}

		s.mu.Lock()
		s.storeValid(recordFromResult(res))
		s.mu.Unlock()
		s.publish("valid", res.Name)
	}
}

func recordFromResult(res provisioner.Result) Record {
	return Record{
		Name:        res.Name,
		ContainerID: res.ContainerID,
		ProxyPort:   res.ProxyPort,
		ProxyURL:    res.ProxyURL,
		IPSeen:      res.IPSeen,
		State:       StateValid,
		LastUpdated: time.Now(),
	}
}

// countValid returns the number of workers currently valid.
func (s *Supervisor) countValid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.validSet)
}

// WaitUntilReady blocks the caller on the pool's condition variable until at
// least min workers are valid, or timeout elapses. Returns true if the
// condition was satisfied before the timeout.
func (s *Supervisor) WaitUntilReady(min int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	// A single deferred broadcast wakes every waiter once the deadline
	// passes, even if the valid count never reaches min, so the loop below
	// always terminates.
	timer := time.AfterFunc(timeout, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.validSet) < min {
		if !time.Now().Before(deadline) {
			return false
		}
		s.cond.Wait()
	}
	return true
}

// List returns a snapshot copy of the registry.
func (s *Supervisor) List() map[string]Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Record, len(s.registry))
	for name, rec := range s.registry {
		out[name] = *rec
	}
	return out
}

// CreateSync provisions a single worker synchronously, bypassing the task
// queue entirely. Tests that run with Options.Background false use this to
// build a pool deterministically, one call at a time, instead of racing the
// worker loop.
func (s *Supervisor) CreateSync(ctx context.Context) (Record, error) {
	res, err := s.provisioner.Provision(ctx)
	if err != nil {
		return Record{}, &Error{Kind: KindProvisionerFailed, Message: "provision failed", Cause: err}
	}
	if !res.OK() {
		return Record{}, &Error{Kind: KindProvisionerFailed, Message: res.Message}
	}

	rec := recordFromResult(res)
	s.mu.Lock()
	s.storeValid(rec)
	s.mu.Unlock()

	s.publish("valid", rec.Name)
	return rec, nil
}

// Remove permanently decommissions a worker: it is dropped from every piece
// of pool bookkeeping and — since it existed — a create task is scheduled to
// restore the target size (§4.E), before the Provisioner is ever asked to
// tear it down. The teardown itself is best-effort: once the bookkeeping
// mutation has committed, name is gone from the pool's perspective either
// way, so a Delete failure is logged and swallowed rather than surfaced as an
// error, matching scheduleReplace's own "delete failed, proceeding anyway"
// tolerance (queue.go).
func (s *Supervisor) Remove(ctx context.Context, name string) error {
	s.mu.Lock()
	if _, ok := s.registry[name]; !ok {
		s.mu.Unlock()
		return errNotFound(name)
	}
	s.removeFromQueue(name)
	delete(s.validSet, name)
	delete(s.needsRestart, name)
	delete(s.pendingRepairs, name)
	delete(s.registry, name)
	s.enqueueCreateLocked()
	s.mu.Unlock()

	if _, err := s.provisioner.Delete(ctx, name); err != nil {
		logging.WithComponent("pool").Warn().Str("name", name).Err(err).Msg("remove: delete failed, proceeding anyway")
	}

	s.publish("removed", name)
	return nil
}

// Reset wipes all in-memory bookkeeping without touching any
// already-running workers through the Provisioner, drains the task queue so
// stale tasks can't act on the wiped state, and schedules TargetSize fresh
// create tasks to bring the pool back up (§4.E).
func (s *Supervisor) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.registry = make(map[string]*Record)
	s.validQueue = nil
	s.validSet = make(map[string]struct{})
	s.pendingRepairs = make(map[string]struct{})
	s.pendingCreates = 0
	s.needsRestart = make(map[string]struct{})

drain:
	for {
		select {
		case <-s.tasks:
		default:
			break drain
		}
	}

	for i := 0; i < s.opts.TargetSize; i++ {
		s.enqueueCreateLocked()
	}
}
