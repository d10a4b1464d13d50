package mirror

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DominikDary/dcos-net/internal/config"
)

func testMirror() *Mirror {
	return New(config.Default(), nil)
}

func TestIngestTask_WaitingOnUnknownFramework(t *testing.T) {
	m := testMirror()
	m.ingestTask(rawTask{
		TaskID:      rawID{Value: "t1"},
		FrameworkID: rawID{Value: "fw1"},
		Name:        "app",
	}, "")

	key := TaskKey{Framework: mesosFrameworkID("fw1"), Task: mesosTaskID("t1")}
	m.mu.Lock()
	task, ok := m.tasks[key]
	waiting := m.waiting[key]
	m.mu.Unlock()

	require.True(t, ok)
	assert.True(t, waiting)
	assert.True(t, task.Waiting())

	snap := m.Poll()
	_, inSnapshot := snap[key]
	assert.False(t, inSnapshot, "waiting tasks must not appear in Poll")
}

func TestIngestTask_FrameworkResolutionPublishesUpdate(t *testing.T) {
	m := testMirror()
	h, err := m.Subscribe("tester")
	require.NoError(t, err)
	msgs, ok := m.Messages(h)
	require.True(t, ok)

	m.ingestTask(rawTask{
		TaskID:      rawID{Value: "t1"},
		FrameworkID: rawID{Value: "fw1"},
		Name:        "app",
	}, "")

	done := make(chan struct{})
	go func() {
		m.upsertFramework(rawFrameworkInfo{ID: rawID{Value: "fw1"}, Name: "marathon"})
		close(done)
	}()

	msg := <-msgs
	assert.Equal(t, MsgTaskUpdated, msg.Kind)
	assert.Equal(t, "marathon", msg.Task.FrameworkName())
	require.NoError(t, m.Next(h))
	<-done
}

func TestIngestTask_TerminalStateRemovesAndPublishesRemoval(t *testing.T) {
	m := testMirror()
	m.frameworks["fw1"] = "marathon"
	m.agents["agent1"] = net.ParseIP("10.0.0.1")

	h, err := m.Subscribe("tester")
	require.NoError(t, err)
	msgs, _ := m.Messages(h)

	done := make(chan struct{})
	go func() {
		m.ingestTask(rawTask{
			TaskID: rawID{Value: "t1"}, FrameworkID: rawID{Value: "fw1"}, AgentID: rawID{Value: "agent1"},
			Name: "app", State: "TASK_RUNNING",
		}, "")
		close(done)
	}()
	first := <-msgs
	require.NoError(t, m.Next(h))
	assert.False(t, first.Removed)
	<-done

	done = make(chan struct{})
	go func() {
		m.ingestTask(rawTask{
			TaskID: rawID{Value: "t1"}, FrameworkID: rawID{Value: "fw1"}, AgentID: rawID{Value: "agent1"},
			Name: "app",
		}, "TASK_FINISHED")
		close(done)
	}()

	removed := <-msgs
	require.NoError(t, m.Next(h))
	assert.True(t, removed.Removed)
	<-done

	key := TaskKey{Framework: mesosFrameworkID("fw1"), Task: mesosTaskID("t1")}
	m.mu.Lock()
	_, stillThere := m.tasks[key]
	m.mu.Unlock()
	assert.False(t, stillThere)
}

func TestIngestTask_UnchangedUpdateDoesNotPublish(t *testing.T) {
	m := testMirror()
	m.frameworks["fw1"] = "marathon"
	m.agents["agent1"] = net.ParseIP("10.0.0.1")

	raw := rawTask{
		TaskID: rawID{Value: "t1"}, FrameworkID: rawID{Value: "fw1"}, AgentID: rawID{Value: "agent1"},
		Name: "app", State: "TASK_RUNNING",
	}
	m.ingestTask(raw, "")

	h, err := m.Subscribe("tester")
	require.NoError(t, err)
	msgs, _ := m.Messages(h)

	m.ingestTask(raw, "")

	select {
	case msg := <-msgs:
		t.Fatalf("expected no publish for an unchanged update, got %+v", msg)
	default:
	}
}

func TestAddAgent_ResolvesWaitingTaskByIP(t *testing.T) {
	m := testMirror()
	m.frameworks["fw1"] = "marathon"

	m.ingestTask(rawTask{
		TaskID: rawID{Value: "t1"}, FrameworkID: rawID{Value: "fw1"}, AgentID: rawID{Value: "agent1"},
		Name: "app",
	}, "")

	h, err := m.Subscribe("tester")
	require.NoError(t, err)
	msgs, _ := m.Messages(h)

	done := make(chan struct{})
	go func() {
		m.addAgent(rawAgentInfo{ID: rawID{Value: "agent1"}, Hostname: "10.0.0.9"})
		close(done)
	}()

	msg := <-msgs
	assert.Equal(t, MsgTaskUpdated, msg.Kind)
	assert.True(t, msg.Task.AgentIPValue().Equal(net.ParseIP("10.0.0.9")))
	require.NoError(t, m.Next(h))
	<-done
}

func TestSubscribe_DuplicateOwnerRejected(t *testing.T) {
	m := testMirror()
	_, err := m.Subscribe("a")
	require.NoError(t, err)
	_, err = m.Subscribe("a")
	assert.ErrorIs(t, err, ErrAlreadySubscribed)
}

func TestPhaseTransitions_FastPathWithNoRecoveredAgents(t *testing.T) {
	m := testMirror()
	action := m.handleSubscribed(&rawSubscribed{HeartbeatIntervalSeconds: 15})

	assert.True(t, action.rearmWatchdog)
	assert.True(t, action.armTasksTimer)
	assert.False(t, action.armAgentsTimer)
	m.mu.Lock()
	phase := m.phase
	m.mu.Unlock()
	assert.Equal(t, PhaseAwaitTasks, phase)
}

func TestPhaseTransitions_WaitsForRecoveredAgents(t *testing.T) {
	m := testMirror()
	action := m.handleSubscribed(&rawSubscribed{
		HeartbeatIntervalSeconds: 15,
		RecoveredAgents:          []rawAgentInfo{{ID: rawID{Value: "agent1"}}},
	})

	assert.True(t, action.armAgentsTimer)
	m.mu.Lock()
	phase := m.phase
	m.mu.Unlock()
	assert.Equal(t, PhaseAwaitAgents, phase)

	// AGENT_ADDED for the recovered agent drains the set and transitions.
	action = m.addAgent(rawAgentInfo{ID: rawID{Value: "agent1"}, Hostname: "10.0.0.1"})
	assert.True(t, action.armTasksTimer)
	m.mu.Lock()
	phase = m.phase
	m.mu.Unlock()
	assert.Equal(t, PhaseAwaitTasks, phase)
}

func TestOnTasksReadinessTimeout_EntersServeAndPublishesSnapshot(t *testing.T) {
	m := testMirror()
	m.phase = PhaseAwaitTasks
	m.frameworks["fw1"] = "marathon"
	m.agents["agent1"] = net.ParseIP("10.0.0.1")
	m.ingestTask(rawTask{
		TaskID: rawID{Value: "t1"}, FrameworkID: rawID{Value: "fw1"}, AgentID: rawID{Value: "agent1"},
		Name: "app",
	}, "")

	h, err := m.Subscribe("tester")
	require.NoError(t, err)
	msgs, _ := m.Messages(h)

	done := make(chan struct{})
	go func() {
		m.onTasksReadinessTimeout()
		close(done)
	}()

	msg := <-msgs
	assert.Equal(t, MsgTasks, msg.Kind)
	assert.Len(t, msg.Snapshot, 1)
	require.NoError(t, m.Next(h))
	<-done

	m.mu.Lock()
	phase := m.phase
	m.mu.Unlock()
	assert.Equal(t, PhaseServe, phase)
}
