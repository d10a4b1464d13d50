package mirror

import (
	"net"
	"time"
)

// dispatchAction tells the Run loop which timers need attention as a
// result of processing one event. Timers themselves are owned by Run
// (streamOnce); handlers only decide when they should change.
type dispatchAction struct {
	rearmWatchdog  bool
	armAgentsTimer bool
	armTasksTimer  bool
}

// dispatch applies one decoded event to Mirror state, per the table in
// spec.md §4.2, and reports which timers the caller should (re)arm.
func (m *Mirror) dispatch(ev rawEvent) dispatchAction {
	switch ev.Type {
	case "SUBSCRIBED":
		return m.handleSubscribed(ev.Subscribed)

	case "HEARTBEAT":
		return dispatchAction{rearmWatchdog: true}

	case "TASK_ADDED":
		if ev.Task == nil {
			m.logf("W! [mirror] TASK_ADDED with no task payload")
			return dispatchAction{}
		}
		m.ingestTask(*ev.Task, "")
		return dispatchAction{}

	case "TASK_UPDATED":
		if ev.TaskUpdated == nil {
			m.logf("W! [mirror] TASK_UPDATED with no payload")
			return dispatchAction{}
		}
		m.ingestTask(ev.TaskUpdated.Task, ev.TaskUpdated.State)
		return dispatchAction{}

	case "FRAMEWORK_ADDED", "FRAMEWORK_UPDATED":
		if ev.Framework == nil {
			m.logf("W! [mirror] %s with no framework payload", ev.Type)
			return dispatchAction{}
		}
		m.upsertFramework(*ev.Framework)
		return dispatchAction{}

	case "FRAMEWORK_REMOVED":
		if ev.FrameworkID == nil {
			m.logf("W! [mirror] FRAMEWORK_REMOVED with no framework_id")
			return dispatchAction{}
		}
		m.removeFramework(ev.FrameworkID.Value)
		return dispatchAction{}

	case "AGENT_ADDED":
		if ev.Agent == nil {
			m.logf("W! [mirror] AGENT_ADDED with no agent payload")
			return dispatchAction{}
		}
		return m.addAgent(*ev.Agent)

	case "AGENT_REMOVED":
		if ev.AgentID == nil {
			m.logf("W! [mirror] AGENT_REMOVED with no agent_id")
			return dispatchAction{}
		}
		m.removeAgent(ev.AgentID.Value)
		return dispatchAction{}

	default:
		m.logf("I! [mirror] ignoring unknown event kind %q", ev.Type)
		return dispatchAction{}
	}
}

// handleSubscribed applies the SUBSCRIBED snapshot: heartbeat interval,
// recovered-agents set, and the full agent/framework/task tables, each
// via the same ingest path an incremental event would use.
func (m *Mirror) handleSubscribed(sub *rawSubscribed) dispatchAction {
	action := dispatchAction{rearmWatchdog: true}
	if sub == nil {
		m.logf("W! [mirror] SUBSCRIBED with no payload")
		return action
	}

	m.mu.Lock()
	m.heartbeatInterval = time.Duration(sub.HeartbeatIntervalSeconds * float64(time.Second))
	interval := m.heartbeatInterval
	m.recoveredAgents = map[string]bool{}
	for _, a := range sub.RecoveredAgents {
		m.recoveredAgents[a.ID.Value] = true
	}
	m.mu.Unlock()

	// Subscriber ack timeout tracks the heartbeat interval per spec.md §4.5.
	if interval > 0 {
		m.pubsub.setAckTimeout(interval / 3)
	}

	for _, a := range sub.Agents {
		m.addAgent(a)
	}
	for _, f := range sub.Frameworks {
		m.upsertFramework(f)
	}
	for _, t := range sub.Tasks {
		m.ingestTask(t, "")
	}

	m.mu.Lock()
	if m.phase == PhaseInit {
		m.phase = PhaseAwaitAgents
		if len(m.recoveredAgents) == 0 {
			// Fast path: no agents to wait on, skip straight to the
			// tasks-readiness window (spec.md §9 Open Questions).
			m.phase = PhaseAwaitTasks
			action.armTasksTimer = true
		} else {
			action.armAgentsTimer = true
		}
	}
	m.reportStats()
	m.mu.Unlock()

	return action
}

// addAgent resolves the agent's hostname (outside the state lock, since
// DNS resolution is a named suspension point in spec.md §5), records the
// agent, drops it from recovered_agents, and resolves any waiting tasks
// referencing it.
func (m *Mirror) addAgent(a rawAgentInfo) dispatchAction {
	ip := resolveHostname(a.Hostname, m.logf)

	m.mu.Lock()
	m.agents[a.ID.Value] = ip
	delete(m.recoveredAgents, a.ID.Value)
	resolved := m.resolveWaitingAgentLocked(a.ID.Value, ip)
	action := m.checkAgentsReadinessLocked()
	m.reportStats()
	m.mu.Unlock()

	m.publishUpdates(resolved)
	return action
}

func (m *Mirror) removeAgent(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, id)
	delete(m.recoveredAgents, id)
	m.reportStats()
}

func (m *Mirror) upsertFramework(f rawFrameworkInfo) {
	m.mu.Lock()
	m.frameworks[f.ID.Value] = f.Name
	resolved := m.resolveWaitingFrameworkLocked(f.ID.Value, f.Name)
	m.reportStats()
	m.mu.Unlock()

	m.publishUpdates(resolved)
}

func (m *Mirror) removeFramework(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Tasks retain their last-seen framework name (spec.md §4.2).
	delete(m.frameworks, id)
	m.reportStats()
}

// checkAgentsReadinessLocked exits the await_agents phase once
// recovered_agents has drained, per spec.md §4.4. Must be called with mu
// held.
func (m *Mirror) checkAgentsReadinessLocked() dispatchAction {
	if m.phase == PhaseAwaitAgents && len(m.recoveredAgents) == 0 {
		m.phase = PhaseAwaitTasks
		return dispatchAction{armTasksTimer: true}
	}
	return dispatchAction{}
}

// onAgentsReadinessTimeout is called by Run when the agents-readiness
// timer fires. Returns whether the tasks-readiness timer should now be
// armed.
func (m *Mirror) onAgentsReadinessTimeout() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseAwaitAgents {
		return false
	}
	m.phase = PhaseAwaitTasks
	m.reportStats()
	return true
}

// onTasksReadinessTimeout is called by Run when the tasks-readiness timer
// fires: the only way out of await_tasks, per spec.md §4.4.
func (m *Mirror) onTasksReadinessTimeout() {
	m.mu.Lock()
	if m.phase != PhaseAwaitTasks {
		m.mu.Unlock()
		return
	}
	m.phase = PhaseServe
	snap := m.snapshotLocked()
	m.reportStats()
	m.mu.Unlock()

	m.pubsub.publish(Message{Kind: MsgTasks, Snapshot: snap})
}

// resolveWaitingAgentLocked patches the agent_ip of every waiting task
// whose UnresolvedRef matches id, re-running the waiting check, and
// returns the tasks that are now fully resolved for the caller to publish
// once mu is released.
func (m *Mirror) resolveWaitingAgentLocked(id string, ip net.IP) []Task {
	if ip == nil {
		return nil
	}
	var resolved []Task
	for key := range m.waiting {
		t := m.tasks[key]
		if t.AgentIP.IsResolved() || t.AgentIP.UnresolvedID() != id {
			continue
		}
		t.AgentIP = Resolved(ip)
		m.tasks[key] = t
		if !t.Waiting() {
			delete(m.waiting, key)
			resolved = append(resolved, t)
		}
	}
	return resolved
}

func (m *Mirror) resolveWaitingFrameworkLocked(id, name string) []Task {
	var resolved []Task
	for key := range m.waiting {
		t := m.tasks[key]
		if t.Framework.IsResolved() || t.Framework.UnresolvedID() != id {
			continue
		}
		t.Framework = Resolved(name)
		m.tasks[key] = t
		if !t.Waiting() {
			delete(m.waiting, key)
			resolved = append(resolved, t)
		}
	}
	return resolved
}

// publishUpdates emits a task_updated message for each task, never under
// mu since publish blocks on subscriber acknowledgement.
func (m *Mirror) publishUpdates(tasks []Task) {
	for _, t := range tasks {
		m.pubsub.publish(Message{Kind: MsgTaskUpdated, Task: t})
	}
}

func resolveHostname(hostname string, logf logFunc) net.IP {
	if hostname == "" {
		return nil
	}
	if ip := net.ParseIP(hostname); ip != nil {
		return ip
	}
	addrs, err := net.LookupIP(hostname)
	if err != nil || len(addrs) == 0 {
		logf("W! [mirror] could not resolve agent hostname %q: %v", hostname, err)
		return nil
	}
	for _, addr := range addrs {
		if v4 := addr.To4(); v4 != nil {
			if len(addrs) > 1 {
				logf("W! [mirror] agent hostname %q resolved to multiple addresses, using first IPv4 %s", hostname, v4)
			}
			return v4
		}
	}
	logf("W! [mirror] agent hostname %q resolved to no IPv4 address", hostname)
	return nil
}
