package dnsproj

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mesos "github.com/mesos/mesos-go/api/v1/lib"

	"github.com/DominikDary/dcos-net/internal/config"
	"github.com/DominikDary/dcos-net/internal/mirror"
	"github.com/DominikDary/dcos-net/internal/zonesink"
)

type fakeSource struct {
	msgCh chan mirror.Message
}

func newFakeSource() *fakeSource { return &fakeSource{msgCh: make(chan mirror.Message, 64)} }

func (f *fakeSource) Subscribe(string) (mirror.Handle, error) { return mirror.Handle{}, nil }
func (f *fakeSource) Unsubscribe(mirror.Handle)               {}
func (f *fakeSource) Messages(mirror.Handle) (<-chan mirror.Message, bool) {
	return f.msgCh, true
}
func (f *fakeSource) Next(mirror.Handle) error { return nil }

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.PushZoneTimeout = config.Duration{Duration: 50 * time.Millisecond}
	cfg.MastersTimeout = config.Duration{Duration: time.Hour} // disabled for these tests
	return cfg
}

func taskKey(fw, id string) mirror.TaskKey {
	return mirror.TaskKey{
		Framework: mesos.FrameworkID{Value: fw},
		Task:      mesos.TaskID{Value: id},
	}
}

func runProjector(t *testing.T, p *Projector) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestProjector_FullSnapshotBuildsRefcounts(t *testing.T) {
	src := newFakeSource()
	sink := &zonesink.MemorySink{}
	p := New(testConfig(), src, sink, nil)
	stop := runProjector(t, p)
	defer stop()

	task := mirror.Task{
		Key:       taskKey("fw1", "t1"),
		Name:      "my-app",
		Framework: mirror.Resolved("marathon"),
		AgentIP:   mirror.Resolved(net.ParseIP("10.0.0.1")),
		TaskIP:    []net.IP{net.ParseIP("10.0.0.1")},
	}
	src.msgCh <- mirror.Message{Kind: mirror.MsgTasks, Snapshot: map[mirror.TaskKey]mirror.Task{task.Key: task}}

	call := waitForCall(t, sink, 1)

	base := "my-app.marathon"
	for _, suffix := range []string{"agentip", "containerip", "autoip"} {
		name := base + "." + suffix + "." + p.domain
		require.Contains(t, call.RecordsByName, name)
		assert.Len(t, call.RecordsByName[name], 1, "record set for %s must not contain duplicates", name)
	}
}

func TestProjector_TerminalRemovalDecrementsRefcountSharedRecordSurvives(t *testing.T) {
	src := newFakeSource()
	sink := &zonesink.MemorySink{}
	p := New(testConfig(), src, sink, nil)
	stop := runProjector(t, p)
	defer stop()

	t1 := mirror.Task{
		Key: taskKey("fw1", "t1"), Name: "my-app", Framework: mirror.Resolved("marathon"),
		AgentIP: mirror.Resolved(net.ParseIP("10.0.0.1")), TaskIP: []net.IP{net.ParseIP("10.0.0.1")},
	}
	t2 := mirror.Task{
		Key: taskKey("fw1", "t2"), Name: "my-app", Framework: mirror.Resolved("marathon"),
		AgentIP: mirror.Resolved(net.ParseIP("10.0.0.1")), TaskIP: []net.IP{net.ParseIP("10.0.0.2")},
	}
	src.msgCh <- mirror.Message{Kind: mirror.MsgTasks, Snapshot: map[mirror.TaskKey]mirror.Task{t1.Key: t1, t2.Key: t2}}

	agentipName := "my-app.marathon.agentip." + p.domain
	first := waitForCall(t, sink, 1)
	require.Contains(t, first.RecordsByName, agentipName)
	require.Len(t, first.RecordsByName[agentipName], 1, "both tasks share the same agent IP record")

	// t1 goes terminal: its agentip contribution should be removed, but
	// since t2 shares the exact same record, the name entry survives.
	src.msgCh <- mirror.Message{Kind: mirror.MsgTaskUpdated, Task: t1, Removed: true}
	second := waitForCall(t, sink, 2)

	require.Contains(t, second.RecordsByName, agentipName)
	assert.Len(t, second.RecordsByName[agentipName], 1)
}

func TestProjector_DebounceCoalescesBurstIntoTwoPushes(t *testing.T) {
	src := newFakeSource()
	sink := &zonesink.MemorySink{}
	p := New(testConfig(), src, sink, nil)
	stop := runProjector(t, p)
	defer stop()

	src.msgCh <- mirror.Message{Kind: mirror.MsgTasks, Snapshot: map[mirror.TaskKey]mirror.Task{}}
	waitForCall(t, sink, 1)

	base := mirror.Task{
		Framework: mirror.Resolved("marathon"),
		AgentIP:   mirror.Resolved(net.ParseIP("10.0.0.1")),
	}
	for i := 0; i < 100; i++ {
		tk := taskKey("fw1", "burst")
		task := base
		task.Key = tk
		task.Name = "burst-app"
		task.TaskIP = []net.IP{net.ParseIP("10.0.0.1")}
		src.msgCh <- mirror.Message{Kind: mirror.MsgTaskUpdated, Task: task}
	}

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 2, sink.Len())
}

func TestProjector_EOSRetainsRecordsAndReconnectRebuildsCleanly(t *testing.T) {
	src := newFakeSource()
	sink := &zonesink.MemorySink{}
	p := New(testConfig(), src, sink, nil)
	stop := runProjector(t, p)
	defer stop()

	task := mirror.Task{
		Key: taskKey("fw1", "t1"), Name: "my-app", Framework: mirror.Resolved("marathon"),
		AgentIP: mirror.Resolved(net.ParseIP("10.0.0.1")),
	}
	agentipName := "my-app.marathon.agentip." + p.domain

	src.msgCh <- mirror.Message{Kind: mirror.MsgTasks, Snapshot: map[mirror.TaskKey]mirror.Task{task.Key: task}}
	first := waitForCall(t, sink, 1)
	require.Contains(t, first.RecordsByName, agentipName)

	src.msgCh <- mirror.Message{Kind: mirror.MsgEOS}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, sink.Len(), "eos must not itself push the zone")

	src.msgCh <- mirror.Message{Kind: mirror.MsgTasks, Snapshot: map[mirror.TaskKey]mirror.Task{task.Key: task}}
	second := waitForCall(t, sink, 2)

	require.Contains(t, second.RecordsByName, agentipName)
	assert.Len(t, second.RecordsByName[agentipName], 1)
}

// waitForCall blocks until the sink has recorded at least n calls and
// returns the nth one (1-indexed).
func waitForCall(t *testing.T, sink *zonesink.MemorySink, n int) zonesink.MemoryAssign {
	t.Helper()
	waitUntil(t, func() bool { return sink.Len() >= n })
	return sink.Snapshot()[n-1]
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
