package mirror

import "net"

// ingestTask normalizes raw against the task's prior state and the
// current agent/framework tables, then applies the result: terminal states
// are removed outright (spec.md §4.3), otherwise the task is stored and the
// waiting set updated, and a task_updated message is published unless the
// normalized task is unchanged from its prior value.
func (m *Mirror) ingestTask(raw rawTask, eventState string) {
	key := TaskKey{
		Framework: mesosFrameworkID(raw.FrameworkID.Value),
		Task:      mesosTaskID(raw.TaskID.Value),
	}

	m.mu.Lock()
	prior, existed := m.tasks[key]
	tables := Tables{Agents: m.agents, Frameworks: m.frameworks}
	next := Normalize(raw, eventState, prior, tables, m.logf)

	if next.State == TaskTerminal {
		wasWaiting := m.waiting[key]
		delete(m.tasks, key)
		delete(m.waiting, key)
		m.reportStats()
		m.mu.Unlock()

		// A task that was still waiting on a cross-reference never reached
		// a subscriber in the first place; nothing to retract.
		if existed && !wasWaiting {
			m.pubsub.publish(Message{Kind: MsgTaskUpdated, Task: next, Removed: true})
		}
		return
	}

	m.tasks[key] = next
	unchanged := existed && tasksEqual(prior, next)
	if next.Waiting() {
		m.waiting[key] = true
	} else {
		delete(m.waiting, key)
	}
	m.reportStats()
	m.mu.Unlock()

	if next.Waiting() || unchanged {
		return
	}
	m.pubsub.publish(Message{Kind: MsgTaskUpdated, Task: next})
}

// tasksEqual reports whether two normalized tasks are identical in every
// field a subscriber can observe, so unchanged TASK_UPDATED events don't
// generate redundant publishes.
func tasksEqual(a, b Task) bool {
	if a.Key != b.Key || a.Name != b.Name || a.State != b.State || a.Runtime != b.Runtime {
		return false
	}
	if a.FrameworkName() != b.FrameworkName() || a.Framework.IsResolved() != b.Framework.IsResolved() {
		return false
	}
	if !ipEqual(a.AgentIPValue(), b.AgentIPValue()) || a.AgentIP.IsResolved() != b.AgentIP.IsResolved() {
		return false
	}
	if (a.Healthy == nil) != (b.Healthy == nil) {
		return false
	}
	if a.Healthy != nil && *a.Healthy != *b.Healthy {
		return false
	}
	if len(a.TaskIP) != len(b.TaskIP) {
		return false
	}
	for i := range a.TaskIP {
		if !a.TaskIP[i].Equal(b.TaskIP[i]) {
			return false
		}
	}
	if len(a.Ports) != len(b.Ports) {
		return false
	}
	for i := range a.Ports {
		if !portEqual(a.Ports[i], b.Ports[i]) {
			return false
		}
	}
	return true
}

func ipEqual(a, b net.IP) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(b)
}

func portEqual(a, b Port) bool {
	if a.Name != b.Name || a.Protocol != b.Protocol {
		return false
	}
	if (a.Port == nil) != (b.Port == nil) || (a.Port != nil && *a.Port != *b.Port) {
		return false
	}
	if (a.HostPort == nil) != (b.HostPort == nil) || (a.HostPort != nil && *a.HostPort != *b.HostPort) {
		return false
	}
	if len(a.VIP) != len(b.VIP) {
		return false
	}
	for i := range a.VIP {
		if a.VIP[i] != b.VIP[i] {
			return false
		}
	}
	return true
}
