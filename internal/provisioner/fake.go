package provisioner

import (
	"context"
	"fmt"
	"sync"
)

// Fake is a deterministic in-memory Provisioner used by tests and by
// `--provisioner=fake` runs that don't have a container runtime available.
// It hands out sequential names "w-1", "w-2", … and IPs "10.0.0.k", matching
// the scenarios in §8 of the specification exactly so tests can assert on
// concrete names.
type Fake struct {
	mu       sync.Mutex
	seq      int
	deleted  map[string]bool
	alwaysFailRestart map[string]bool
	failRestartTimes  map[string]int // remaining forced failures for RestartAndCheck(name)
	alwaysFailDelete  map[string]bool
}

// NewFake returns a ready-to-use Fake provisioner.
func NewFake() *Fake {
	return &Fake{
		deleted:           make(map[string]bool),
		alwaysFailRestart: make(map[string]bool),
		failRestartTimes:  make(map[string]int),
		alwaysFailDelete:  make(map[string]bool),
	}
}

// FailDeleteAlways makes every future Delete(name) call report an error,
// while still recording the name as torn down (mirroring a real provisioner
// whose teardown request fails after the container is already gone).
func (f *Fake) FailDeleteAlways(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alwaysFailDelete[name] = true
}

// Provision always succeeds, handing out the next sequential name/IP pair.
func (f *Fake) Provision(ctx context.Context) (Result, error) {
	f.mu.Lock()
	f.seq++
	n := f.seq
	f.mu.Unlock()

	name := fmt.Sprintf("w-%d", n)
	return Result{
		Status:      "ok",
		Name:        name,
		ContainerID: "c-" + name,
		ProxyPort:   20000 + n,
		ProxyURL:    fmt.Sprintf("http://127.0.0.1:%d", 20000+n),
		IPSeen:      fmt.Sprintf("10.0.0.%d", n),
	}, nil
}

// FailRestartAlways makes every future RestartAndCheck(name) call fail.
func (f *Fake) FailRestartAlways(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alwaysFailRestart[name] = true
}

// FailRestartTimes makes the next n calls to RestartAndCheck(name) fail,
// after which it succeeds again.
func (f *Fake) FailRestartTimes(name string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failRestartTimes[name] = n
}

// RestartAndCheck succeeds unless the name has been scripted to fail via
// FailRestartAlways or FailRestartTimes.
func (f *Fake) RestartAndCheck(ctx context.Context, name string) (Result, error) {
	f.mu.Lock()
	shouldFail := f.alwaysFailRestart[name]
	if n, ok := f.failRestartTimes[name]; ok && n > 0 {
		shouldFail = true
		f.failRestartTimes[name] = n - 1
	}
	f.mu.Unlock()

	if shouldFail {
		return Result{Status: "error", Name: name, Message: "fake: scripted restart failure"}, nil
	}

	f.mu.Lock()
	f.seq++
	n := f.seq
	f.mu.Unlock()

	return Result{
		Status:      "ok",
		Name:        name,
		ContainerID: "c-" + name,
		ProxyPort:   20000 + n,
		ProxyURL:    fmt.Sprintf("http://127.0.0.1:%d", 20000+n),
		IPSeen:      fmt.Sprintf("10.0.0.%d", n),
	}, nil
}

// Delete records the name as torn down and, unless scripted to fail via
// FailDeleteAlways, reports success.
func (f *Fake) Delete(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted[name] = true
	if f.alwaysFailDelete[name] {
		return false, fmt.Errorf("fake: scripted delete failure for %s", name)
	}
	return true, nil
}

// WasDeleted reports whether Delete has been called for name. Test-only.
func (f *Fake) WasDeleted(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleted[name]
}

var _ Provisioner = (*Fake)(nil)
