// Package provisioner implements the worker provisioner adapter (§4.A): the
// pluggable collaborator responsible for realizing and tearing down a single
// VPN-backed proxy worker. The pool supervisor only ever sees this
// interface — it never knows whether a worker is a real container or a
// faked one.
package provisioner

import "context"

// Result is the tagged record every provisioner operation returns. Status is
// "ok" or "error"; the supervisor treats anything else, or a non-nil error
// return, as a retryable failure and, on failure, reads only Message (for
// logs and error text), never the worker fields.
type Result struct {
	Status      string
	Name        string
	ContainerID string
	ProxyPort   int
	ProxyURL    string
	IPSeen      string
	Message     string
}

// OK reports whether a Result represents a successful provisioner call.
func (r Result) OK() bool { return r.Status == "ok" }

// Provisioner creates, validates, restarts, and destroys proxy workers. Each
// call is expected to construct whatever transient client state it needs
// (container runtime handle, HTTP client, …) rather than hold it across
// calls, so concurrent calls never share mutable adapter state (§5).
type Provisioner interface {
	// Provision creates a brand new worker and validates its egress IP.
	// Idempotent per call: every invocation creates a distinct worker.
	Provision(ctx context.Context) (Result, error)

	// RestartAndCheck restarts an existing worker in place and revalidates
	// its egress IP. It must leave the underlying resource either
	// running-and-validated or cleanly removable.
	RestartAndCheck(ctx context.Context, name string) (Result, error)

	// Delete tears down a worker. Failure is tolerated by callers — a
	// worker that cannot be cleanly deleted is still removed from the
	// registry.
	Delete(ctx context.Context, name string) (bool, error)
}
