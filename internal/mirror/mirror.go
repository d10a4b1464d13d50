package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/DominikDary/dcos-net/internal/config"
	"github.com/DominikDary/dcos-net/internal/framing"
)

// Phase is the Mirror's readiness level, monotone within a connection per
// spec.md §3/§4.4. It gates only the full-snapshot MsgTasks message, sent
// on entering serve; task_updated messages are published in every phase.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseAwaitAgents
	PhaseAwaitTasks
	PhaseServe
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseAwaitAgents:
		return "await_agents"
	case PhaseAwaitTasks:
		return "await_tasks"
	case PhaseServe:
		return "serve"
	default:
		return "unknown"
	}
}

// Connector establishes the long-lived streaming connection to the
// operator API. A 307 response must be surfaced as ErrNotLeader.
type Connector interface {
	Connect(ctx context.Context) (io.ReadCloser, error)
}

// ErrNotLeader signals the contacted master returned HTTP 307: not an
// error worth counting loudly, just a cue to retry silently after backoff.
var ErrNotLeader = fmt.Errorf("mirror: not leader")

// Mirror is the event-subscriber/state-reconstruction actor described in
// spec.md §4.2-§4.4. Its exported methods are safe for concurrent use;
// internally, all state mutation happens either under mu or from the
// single goroutine running Run, which is the practical Go rendering of
// the single-threaded-actor discipline spec.md §5 asks for.
type Mirror struct {
	cfg  *config.Config
	logf logFunc

	mu sync.Mutex

	agents          map[string]net.IP
	recoveredAgents map[string]bool
	frameworks      map[string]string
	tasks           map[TaskKey]Task
	waiting         map[TaskKey]bool

	phase             Phase
	heartbeatInterval time.Duration
	connected         bool

	onMetrics func(Stats)
	onBytes   func(n int)
	onMessage func(kind string)
	onFailure func(kind string)

	pubsub *pubsub
}

// Stats is a point-in-time summary of Mirror sizes, for wiring into
// Prometheus gauges (spec.md §6's agents_total/frameworks_total/etc).
type Stats struct {
	Agents, Frameworks, Tasks, WaitingTasks int
	Leader                                  bool
}

// New returns a Mirror with empty state, phase init.
func New(cfg *config.Config, logf logFunc) *Mirror {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &Mirror{
		cfg:             cfg,
		logf:            logf,
		agents:          map[string]net.IP{},
		recoveredAgents: map[string]bool{},
		frameworks:      map[string]string{},
		tasks:           map[TaskKey]Task{},
		waiting:         map[TaskKey]bool{},
		pubsub:          newPubsub(time.Second),
	}
}

// OnStats registers a callback invoked after every state mutation with a
// fresh Stats snapshot. Used to drive the metrics gauges named in
// spec.md §6 without coupling this package to a metrics library.
func (m *Mirror) OnStats(f func(Stats)) { m.onMetrics = f }

// OnBytes registers a callback invoked with the number of bytes read off
// the operator stream, for bytes_total.
func (m *Mirror) OnBytes(f func(n int)) { m.onBytes = f }

// OnMessage registers a callback invoked with each decoded event's type,
// for messages_total.
func (m *Mirror) OnMessage(f func(kind string)) { m.onMessage = f }

// OnFailure registers a callback invoked with a short failure kind on
// every connection-level failure, for failures_total.
func (m *Mirror) OnFailure(f func(kind string)) { m.onFailure = f }

// OnAckDuration registers a callback invoked after each per-subscriber
// publish acknowledgement wait, for pubsub_duration_seconds.
func (m *Mirror) OnAckDuration(f func(seconds float64)) { m.pubsub.onAckDurationHook(f) }

func (m *Mirror) reportStats() {
	if m.onMetrics == nil {
		return
	}
	m.onMetrics(Stats{
		Agents:       len(m.agents),
		Frameworks:   len(m.frameworks),
		Tasks:        len(m.tasks),
		WaitingTasks: len(m.waiting),
		Leader:       m.connected,
	})
}

// Subscribe registers a new subscriber. owner de-duplicates repeated
// subscriptions from the same logical caller.
func (m *Mirror) Subscribe(owner string) (Handle, error) {
	return m.pubsub.Subscribe(owner)
}

// Unsubscribe removes a subscription.
func (m *Mirror) Unsubscribe(h Handle) { m.pubsub.Unsubscribe(h) }

// Messages returns the channel a subscriber receives Messages on.
func (m *Mirror) Messages(h Handle) (<-chan Message, bool) { return m.pubsub.Messages(h) }

// Next acknowledges the most recently delivered message for h.
func (m *Mirror) Next(h Handle) error { return m.pubsub.Next(h) }

// IsLeader reports whether a stream is currently established.
func (m *Mirror) IsLeader() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Poll returns a one-shot snapshot of every published (non-waiting) task,
// for callers operating in pull mode instead of consuming the stream.
func (m *Mirror) Poll() map[TaskKey]Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Mirror) snapshotLocked() map[TaskKey]Task {
	snap := make(map[TaskKey]Task, len(m.tasks))
	for k, v := range m.tasks {
		if m.waiting[k] {
			continue
		}
		snap[k] = v
	}
	return snap
}

// Run drives the connection lifecycle until ctx is cancelled: connect,
// stream, decode, dispatch, and on any stream-ending condition (decode
// error, heartbeat timeout, connector error), back off and retry.
func (m *Mirror) Run(ctx context.Context, conn Connector) error {
	backoff := m.cfg.MesosReconnectTimeout.Duration
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	maxBackoff := m.cfg.MesosReconnectMaxTimeout.Duration
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		body, err := conn.Connect(ctx)
		if err != nil {
			if err != ErrNotLeader {
				m.logf("E! [mirror] connect failed: %v", err)
				m.reportFailure("connect")
			}
			if !sleepBackoff(ctx, jitter(backoff)) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff, maxBackoff)
			continue
		}

		backoff = m.cfg.MesosReconnectTimeout.Duration
		if backoff <= 0 {
			backoff = 2 * time.Second
		}

		m.resetForNewConnection()
		err = m.streamOnce(ctx, body)
		body.Close()
		m.endConnection()

		if err != nil {
			m.logf("W! [mirror] stream ended: %v", err)
			m.reportFailure("stream")
		}

		if !sleepBackoff(ctx, jitter(backoff)) {
			return ctx.Err()
		}
	}
}

func sleepBackoff(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		next = max
	}
	return next
}

func (m *Mirror) reportFailure(kind string) {
	if m.onFailure != nil {
		m.onFailure(kind)
	}
}

func (m *Mirror) resetForNewConnection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	m.phase = PhaseInit
	m.reportStats()
}

func (m *Mirror) endConnection() {
	m.mu.Lock()
	wasConnected := m.connected
	m.connected = false
	m.phase = PhaseInit
	m.reportStats()
	m.mu.Unlock()

	if wasConnected {
		m.pubsub.publish(Message{Kind: MsgEOS})
	}
}

// streamOnce reads body until it ends or the heartbeat watchdog fires,
// feeding frames through the Framing Decoder and dispatching each event.
func (m *Mirror) streamOnce(ctx context.Context, body io.Reader) error {
	dec := framing.New()
	frames := make(chan json.RawMessage, 16)
	readErrCh := make(chan error, 1)

	go func() {
		defer close(frames)
		buf := make([]byte, 32*1024)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				if m.onBytes != nil {
					m.onBytes(n)
				}
				fs, decErr := dec.Feed(buf[:n])
				for _, f := range fs {
					frames <- f
				}
				if decErr != nil {
					readErrCh <- decErr
					return
				}
			}
			if err != nil {
				if err == io.EOF {
					readErrCh <- nil
				} else {
					readErrCh <- err
				}
				return
			}
		}
	}()

	watchdog := time.NewTimer(m.currentWatchdog())
	defer watchdog.Stop()

	agentsTimer := time.NewTimer(time.Hour)
	agentsTimer.Stop()
	defer agentsTimer.Stop()
	var agentsTimerC <-chan time.Time

	tasksTimer := time.NewTimer(time.Hour)
	tasksTimer.Stop()
	defer tasksTimer.Stop()
	var tasksTimerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-watchdog.C:
			return fmt.Errorf("mirror: heartbeat watchdog expired")

		case <-agentsTimerC:
			agentsTimerC = nil
			if m.onAgentsReadinessTimeout() {
				resetTimer(tasksTimer, m.cfg.MesosTasksReadinessTimeout.Duration)
				tasksTimerC = tasksTimer.C
			}

		case <-tasksTimerC:
			tasksTimerC = nil
			m.onTasksReadinessTimeout()

		case frame, ok := <-frames:
			if !ok {
				continue
			}
			var ev rawEvent
			if err := json.Unmarshal(frame, &ev); err != nil {
				m.reportFailure("decode")
				return fmt.Errorf("mirror: %w", framing.ErrBadFormat)
			}
			if m.onMessage != nil {
				m.onMessage(ev.Type)
			}
			action := m.dispatch(ev)
			if action.rearmWatchdog {
				resetTimer(watchdog, m.currentWatchdog())
			}
			if action.armAgentsTimer {
				d := m.cfg.MesosAgentsReadinessTimeout.Duration
				if d <= 0 {
					d = 10 * time.Minute
				}
				resetTimer(agentsTimer, d)
				agentsTimerC = agentsTimer.C
			}
			if action.armTasksTimer {
				agentsTimerC = nil
				agentsTimer.Stop()
				d := m.cfg.MesosTasksReadinessTimeout.Duration
				if d <= 0 {
					d = 10 * time.Second
				}
				resetTimer(tasksTimer, d)
				tasksTimerC = tasksTimer.C
			}

		case err := <-readErrCh:
			return err
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (m *Mirror) currentWatchdog() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.heartbeatInterval <= 0 {
		return 3 * 15 * time.Second // conservative default until SUBSCRIBED
	}
	return 3 * m.heartbeatInterval
}
