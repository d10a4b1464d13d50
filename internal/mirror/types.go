// Package mirror maintains an in-memory reconstruction of a cluster's
// agents, frameworks and tasks from the operator's event stream, and fans
// out task changes to local subscribers.
package mirror

import (
	"net"

	mesos "github.com/mesos/mesos-go/api/v1/lib"
)

// Ref is the tagged sum spec.md's design notes ask for in place of
// overloaded nullability: either a resolved value, or the id of an entity
// not yet known locally. Zero value is an unresolved ref to the empty id,
// which is never produced by this package.
type Ref[T any] struct {
	value      T
	unresolved string
	isResolved bool
}

// Resolved wraps a known value.
func Resolved[T any](v T) Ref[T] {
	return Ref[T]{value: v, isResolved: true}
}

// Unresolved wraps the id of an entity not yet known locally.
func Unresolved[T any](id string) Ref[T] {
	return Ref[T]{unresolved: id}
}

// IsResolved reports whether the reference has been resolved to a value.
func (r Ref[T]) IsResolved() bool { return r.isResolved }

// Value returns the resolved value and true, or the zero value and false.
func (r Ref[T]) Value() (T, bool) {
	return r.value, r.isResolved
}

// UnresolvedID returns the id this reference is waiting on. Only
// meaningful when !IsResolved().
func (r Ref[T]) UnresolvedID() string { return r.unresolved }

// Agent is a worker node advertising a resolved hostname IP.
type Agent struct {
	ID mesos.AgentID
	IP net.IP
}

// Framework is a workload controller with an id and a human name.
type Framework struct {
	ID   mesos.FrameworkID
	Name string
}

// TaskState is the coarse state an ingested task can be in. Terminal states
// never persist in the Mirror's task table; reaching one removes the task.
type TaskState string

const (
	TaskPreparing TaskState = "preparing"
	TaskRunning   TaskState = "running"
	TaskKilling   TaskState = "killing"
	TaskTerminal  TaskState = "terminal"
)

// Runtime identifies the containerizer that launched a task.
type Runtime string

const (
	RuntimeUnknown Runtime = "unknown"
	RuntimeMesos   Runtime = "mesos"
	RuntimeDocker  Runtime = "docker"
)

// Protocol is a port's transport protocol; ports with anything else are
// discarded during normalization.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// Port is a normalized port entry, merged from PortMappings, VIP-labeled
// resource ports, and discovery-info ports.
type Port struct {
	Name     string
	HostPort *int32
	Port     *int32
	Protocol Protocol
	VIP      []string // sorted, deduped label list
}

// TaskKey identifies a task by the (FrameworkId, TaskRawId) pair spec.md
// names as the task's real identity.
type TaskKey struct {
	Framework mesos.FrameworkID
	Task      mesos.TaskID
}

// Task is the normalized record derived from a raw event object and the
// current agent/framework tables. Any field may be its zero value, meaning
// "not yet known"; zero values are never written over a prior non-zero
// value (see Normalize).
type Task struct {
	Key TaskKey

	Name      string
	Framework Ref[string]
	AgentIP   Ref[net.IP]
	TaskIP    []net.IP
	State     TaskState
	Healthy   *bool
	Ports     []Port
	Runtime   Runtime
}

// Waiting reports whether the task has at least one unresolved
// cross-reference and therefore belongs in the Mirror's waiting_tasks set.
func (t Task) Waiting() bool {
	return !t.Framework.IsResolved() || !t.AgentIP.IsResolved()
}

// FrameworkName returns the resolved framework name, or "" if still
// unresolved.
func (t Task) FrameworkName() string {
	name, _ := t.Framework.Value()
	return name
}

// AgentIPValue returns the resolved agent IP, or nil if still unresolved.
func (t Task) AgentIPValue() net.IP {
	ip, _ := t.AgentIP.Value()
	return ip
}
