package pool_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"proxysupervisor/internal/pool"
	"proxysupervisor/internal/provisioner"
)

// newSyncSupervisor returns a Supervisor running with Options.Background
// false: the mode §4.E documents as the one "used for tests", where
// scheduling falls back to synchronous create instead of racing a
// background worker loop, so the deterministic scenarios in §8 can assert
// on exact names and attempt counts.
func newSyncSupervisor(targetSize int) (*pool.Supervisor, *provisioner.Fake) {
	fake := provisioner.NewFake()
	sup := pool.New(fake, pool.Options{
		TargetSize:        targetSize,
		MaxRepairAttempts: 3,
		SweepDeadline:     2 * time.Second,
		CreateBackoff:     10 * time.Millisecond,
		RepairBackoff:     10 * time.Millisecond,
		Background:        false,
	})
	sup.Start()
	return sup, fake
}

func fillTo(t *testing.T, sup *pool.Supervisor, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := sup.CreateSync(context.Background()); err != nil {
			t.Fatalf("CreateSync: %v", err)
		}
	}
}

// Scenario 1: initial fill.
func TestInitialFillReachesTargetSize(t *testing.T) {
	sup, _ := newSyncSupervisor(2)
	fillTo(t, sup, 2)

	if !sup.WaitUntilReady(2, 5*time.Second) {
		t.Fatal("expected pool ready within timeout")
	}

	list := sup.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 workers, got %d", len(list))
	}
	for name, rec := range list {
		if rec.State != pool.StateValid {
			t.Errorf("worker %s: expected valid, got %s", name, rec.State)
		}
	}
}

func TestWaitUntilReadyTimesOutWhenUnderfilled(t *testing.T) {
	sup, _ := newSyncSupervisor(3)
	fillTo(t, sup, 1)

	if sup.WaitUntilReady(3, 50*time.Millisecond) {
		t.Fatal("expected timeout, pool never reaches target size without more creates")
	}
}

// Scenario 2: handout alternation.
func TestAcquireRoundRobin(t *testing.T) {
	sup, _ := newSyncSupervisor(2)
	fillTo(t, sup, 2) // w-1, w-2

	first, ok := sup.Acquire()
	if !ok {
		t.Fatal("expected a worker")
	}
	second, ok := sup.Acquire()
	if !ok {
		t.Fatal("expected a worker")
	}
	if first.Name == second.Name {
		t.Fatalf("expected distinct workers, got %s twice in a row", first.Name)
	}
	third, ok := sup.Acquire()
	if !ok || third.Name != first.Name {
		t.Fatalf("expected round-robin back to %s, got %+v", first.Name, third)
	}
	fourth, ok := sup.Acquire()
	if !ok || fourth.Name != second.Name {
		t.Fatalf("expected round-robin back to %s, got %+v", second.Name, fourth)
	}
}

func TestAcquireNeverReturnsInvalidRecord(t *testing.T) {
	sup, _ := newSyncSupervisor(2)
	fillTo(t, sup, 2)

	if _, err := sup.ScheduleRestart(context.Background(), "w-1"); err != nil {
		t.Fatalf("ScheduleRestart: %v", err)
	}

	for i := 0; i < 10; i++ {
		rec, ok := sup.Acquire()
		if !ok {
			continue
		}
		if rec.State != pool.StateValid {
			t.Fatalf("acquired non-valid record: %+v", rec)
		}
		if rec.Name == "w-1" {
			t.Fatalf("acquired the flagged worker w-1")
		}
	}
}

// Scenario 3: restart success path.
func TestScheduleRestartSuccessPath(t *testing.T) {
	sup, _ := newSyncSupervisor(2)
	fillTo(t, sup, 2) // w-1, w-2

	replacement, err := sup.ScheduleRestart(context.Background(), "w-1")
	if err != nil {
		t.Fatalf("ScheduleRestart: %v", err)
	}
	if replacement.Name != "w-2" {
		t.Fatalf("expected replacement w-2, got %s", replacement.Name)
	}
	if rec, ok := sup.Acquire(); ok && rec.Name == "w-1" {
		// w-1 must not be acquirable between flag and sweep; w-2 is the
		// only valid worker left.
		t.Fatalf("acquired the flagged worker w-1 before sweep")
	}

	results := sup.Sweep(context.Background())
	if len(results) != 1 {
		t.Fatalf("expected 1 sweep result, got %d: %+v", len(results), results)
	}
	r := results[0]
	if r.Name != "w-1" || r.Outcome != pool.SweepRecovered || r.Attempts != 1 {
		t.Fatalf("unexpected sweep result: %+v", r)
	}

	rec, ok := sup.List()["w-1"]
	if !ok || rec.State != pool.StateValid {
		t.Fatalf("expected w-1 valid after sweep, got %+v (ok=%v)", rec, ok)
	}
}

// Scenario 4: restart-failure replace path.
func TestScheduleRestartReplacePathOnRepeatedFailure(t *testing.T) {
	sup, fake := newSyncSupervisor(2)
	fillTo(t, sup, 2) // w-1, w-2
	fake.FailRestartAlways("w-1")

	replacement, err := sup.ScheduleRestart(context.Background(), "w-1")
	if err != nil {
		t.Fatalf("ScheduleRestart: %v", err)
	}
	if replacement.Name != "w-2" {
		t.Fatalf("expected replacement w-2, got %s", replacement.Name)
	}

	results := sup.Sweep(context.Background())
	if len(results) != 1 {
		t.Fatalf("expected 1 sweep result, got %d: %+v", len(results), results)
	}
	r := results[0]
	if r.Name != "w-1" || r.Outcome != pool.SweepReplaced || r.Attempts != 3 || r.Err == nil {
		t.Fatalf("unexpected sweep result: %+v", r)
	}

	if !fake.WasDeleted("w-1") {
		t.Error("expected w-1 to have been deleted")
	}
	if _, ok := sup.List()["w-1"]; ok {
		t.Error("expected w-1 removed from registry")
	}
}

// Scenario 5 (config mismatch) is exercised in internal/api, the layer that
// owns the static-configuration check (§6).

// Scenario 6: unknown worker restart.
func TestScheduleRestartUnknownWorker(t *testing.T) {
	sup, _ := newSyncSupervisor(1)

	_, err := sup.ScheduleRestart(context.Background(), "does-not-exist")
	if err == nil {
		t.Fatal("expected an error for an unknown worker")
	}
	var perr *pool.Error
	if !errors.As(err, &perr) || perr.Kind != pool.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestScheduleRestartIdempotent(t *testing.T) {
	sup, _ := newSyncSupervisor(3)
	fillTo(t, sup, 3) // w-1, w-2, w-3

	r1, err := sup.ScheduleRestart(context.Background(), "w-1")
	if err != nil {
		t.Fatalf("first ScheduleRestart: %v", err)
	}
	r2, err := sup.ScheduleRestart(context.Background(), "w-1")
	if err != nil {
		t.Fatalf("second ScheduleRestart: %v", err)
	}
	if r1.Name == "w-1" || r2.Name == "w-1" {
		t.Fatalf("replacement must never be the flagged worker itself: r1=%s r2=%s", r1.Name, r2.Name)
	}

	rec, ok := sup.List()["w-1"]
	if !ok || rec.State != pool.StateInvalid {
		t.Fatalf("expected w-1 still present and invalid, got %+v (ok=%v)", rec, ok)
	}
}

func TestRemoveSchedulesReplacementCreate(t *testing.T) {
	sup, fake := newSyncSupervisor(2)
	fillTo(t, sup, 2)

	if err := sup.Remove(context.Background(), "w-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := sup.List()["w-1"]; ok {
		t.Fatal("expected w-1 removed")
	}
	if !fake.WasDeleted("w-1") {
		t.Error("expected w-1 to have been deleted via the provisioner")
	}
	if err := sup.Remove(context.Background(), "w-1"); err == nil {
		t.Fatal("expected NotFound removing an already-removed worker")
	}
}

func TestRemoveToleratesProvisionerDeleteFailure(t *testing.T) {
	sup, fake := newSyncSupervisor(2)
	fillTo(t, sup, 2)
	fake.FailDeleteAlways("w-1")

	if err := sup.Remove(context.Background(), "w-1"); err != nil {
		t.Fatalf("expected Remove to tolerate a Delete failure, got %v", err)
	}
	if _, ok := sup.List()["w-1"]; ok {
		t.Fatal("expected w-1 removed from bookkeeping despite the Delete failure")
	}
	if !fake.WasDeleted("w-1") {
		t.Error("expected Delete to have been attempted")
	}
}

func TestResetClearsStateThenCanRefill(t *testing.T) {
	sup, _ := newSyncSupervisor(2)
	fillTo(t, sup, 2)

	sup.Reset()
	if len(sup.List()) != 0 {
		t.Fatalf("expected empty registry after Reset, got %+v", sup.List())
	}
	if _, ok := sup.Acquire(); ok {
		t.Fatal("expected no acquirable worker immediately after Reset")
	}

	fillTo(t, sup, 2)
	if !sup.WaitUntilReady(2, time.Second) {
		t.Fatal("expected pool ready again after refill")
	}
}
