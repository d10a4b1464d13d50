// Package dnsproj implements the DNS Projector: a second actor,
// independently scheduled from the Mirror, that turns the Mirror's task
// stream into a reference-counted record set and pushes it to a
// key-value sink on a debounced schedule.
package dnsproj

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/DominikDary/dcos-net/internal/config"
	"github.com/DominikDary/dcos-net/internal/dns"
	"github.com/DominikDary/dcos-net/internal/mirror"
	"github.com/DominikDary/dcos-net/internal/zonesink"
)

// logFunc matches log.Printf's signature.
type logFunc func(format string, args ...interface{})

// Source is the subset of *mirror.Mirror the Projector depends on,
// narrowed to an interface so it can be driven by a fake in tests.
type Source interface {
	Subscribe(owner string) (mirror.Handle, error)
	Unsubscribe(h mirror.Handle)
	Messages(h mirror.Handle) (<-chan mirror.Message, bool)
	Next(h mirror.Handle) error
}

// Projector is the reference-counted record set described in spec's
// §4.7: task_rrs/rr_refcount/rr_by_name, rebuilt wholesale on a full
// snapshot and diff-applied on every incremental update, pushed to Sink
// no more than once per PushZoneTimeout.
type Projector struct {
	cfg    *config.Config
	logf   logFunc
	source Source
	sink   zonesink.Sink

	domain      string
	nameservers []string
	leaderIP    net.IP
	zoneName    string

	rrOwners   map[string][]dns.Record
	rrRefcount map[dns.Record]int
	rrByName   map[string]map[dns.Record]struct{}

	rev        int
	armedRev   int
	timerArmed bool
}

// New returns a Projector with empty state.
func New(cfg *config.Config, source Source, sink zonesink.Sink, logf logFunc) *Projector {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	leaderIP := net.ParseIP(cfg.LeaderIP)
	return &Projector{
		cfg:         cfg,
		logf:        logf,
		source:      source,
		sink:        sink,
		domain:      cfg.DCOSDomain,
		nameservers: cfg.MesosResolvers,
		leaderIP:    leaderIP,
		zoneName:    cfg.ZoneName,
		rrOwners:    map[string][]dns.Record{},
		rrRefcount:  map[dns.Record]int{},
		rrByName:    map[string]map[dns.Record]struct{}{},
	}
}

// pushDecision is what onChange/onPushTimerFired tell Run to do with the
// real timer.
type pushDecision struct {
	pushNow  bool
	armTimer bool
}

// onChange implements spec's debounce revision counter exactly: push
// immediately the first time a timer isn't already armed; otherwise just
// bump the revision for the armed timer to notice when it fires.
func (p *Projector) onChange() pushDecision {
	if !p.timerArmed {
		p.rev++
		p.armedRev = p.rev
		p.timerArmed = true
		return pushDecision{pushNow: true, armTimer: true}
	}
	p.rev++
	return pushDecision{}
}

// onPushTimerFired implements the "carrying revFired" half of the
// debounce: if changes accumulated since the timer was armed, push once
// more and re-arm; otherwise the timer simply clears.
func (p *Projector) onPushTimerFired() pushDecision {
	if p.armedRev < p.rev {
		p.armedRev = p.rev
		return pushDecision{pushNow: true, armTimer: true}
	}
	p.timerArmed = false
	return pushDecision{}
}

// Run subscribes to source and drives the Projector until ctx is
// cancelled or the subscription is closed out from under it.
func (p *Projector) Run(ctx context.Context) error {
	h, err := p.source.Subscribe("dnsproj")
	if err != nil {
		return fmt.Errorf("dnsproj: subscribe: %w", err)
	}
	defer p.source.Unsubscribe(h)

	msgs, ok := p.source.Messages(h)
	if !ok {
		return errors.New("dnsproj: subscription vanished immediately")
	}

	mastersInterval := p.cfg.MastersTimeout.Duration
	if mastersInterval <= 0 {
		mastersInterval = 5 * time.Second
	}
	pushInterval := p.cfg.PushZoneTimeout.Duration
	if pushInterval <= 0 {
		pushInterval = time.Second
	}

	mastersTimer := time.NewTimer(time.Hour)
	mastersTimer.Stop()
	defer mastersTimer.Stop()
	var mastersTimerC <-chan time.Time

	pushTimer := time.NewTimer(time.Hour)
	pushTimer.Stop()
	defer pushTimer.Stop()
	var pushTimerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-msgs:
			if !ok {
				return errors.New("dnsproj: subscription closed")
			}

			var changed bool
			switch msg.Kind {
			case mirror.MsgTasks:
				p.handleFull(msg.Snapshot)
				if err := p.pushZone(ctx); err != nil {
					p.logf("E! [dnsproj] push failed: %v", err)
				}
				p.rev++
				p.armedRev = p.rev
				p.timerArmed = true
				resetTimer(pushTimer, pushInterval)
				pushTimerC = pushTimer.C
				resetTimer(mastersTimer, mastersInterval)
				mastersTimerC = mastersTimer.C

			case mirror.MsgTaskUpdated:
				owner := taskOwner(msg.Task.Key)
				var recs []dns.Record
				if !msg.Removed {
					recs = dns.BuildTaskRecords(taskInput(msg.Task), p.domain)
				}
				changed = p.applyRecordSet(owner, recs)

			case mirror.MsgEOS:
				mastersTimerC = nil
				mastersTimer.Stop()
				pushTimerC = nil
				pushTimer.Stop()
				p.timerArmed = false
			}

			if err := p.source.Next(h); err != nil {
				p.logf("W! [dnsproj] ack failed: %v", err)
			}

			if changed {
				d := p.onChange()
				if d.pushNow {
					if err := p.pushZone(ctx); err != nil {
						p.logf("E! [dnsproj] push failed: %v", err)
					}
				}
				if d.armTimer {
					resetTimer(pushTimer, pushInterval)
					pushTimerC = pushTimer.C
				}
			}

		case <-mastersTimerC:
			resetTimer(mastersTimer, mastersInterval)
			mastersTimerC = mastersTimer.C
			if p.refreshMasters() {
				d := p.onChange()
				if d.pushNow {
					if err := p.pushZone(ctx); err != nil {
						p.logf("E! [dnsproj] push failed: %v", err)
					}
				}
				if d.armTimer {
					resetTimer(pushTimer, pushInterval)
					pushTimerC = pushTimer.C
				}
			}

		case <-pushTimerC:
			pushTimerC = nil
			d := p.onPushTimerFired()
			if d.pushNow {
				if err := p.pushZone(ctx); err != nil {
					p.logf("E! [dnsproj] push failed: %v", err)
				}
			}
			if d.armTimer {
				resetTimer(pushTimer, pushInterval)
				pushTimerC = pushTimer.C
			}
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

// handleFull rebuilds every record from scratch: baseline, masters (kept
// empty until the next refresh tick resolves it), and every task in the
// snapshot, with refcounts and the name index reconstructed alongside.
func (p *Projector) handleFull(snapshot map[mirror.TaskKey]mirror.Task) {
	p.rrOwners = map[string][]dns.Record{}
	p.rrRefcount = map[dns.Record]int{}
	p.rrByName = map[string]map[dns.Record]struct{}{}

	p.applyRecordSet("baseline", dns.BaselineRecords(p.domain, p.nameservers, p.leaderIP))
	for key, task := range snapshot {
		p.applyRecordSet(taskOwner(key), dns.BuildTaskRecords(taskInput(task), p.domain))
	}
}

func (p *Projector) refreshMasters() bool {
	var ips []net.IP
	for _, s := range p.cfg.MesosResolvers {
		ip := net.ParseIP(s)
		if ip == nil {
			p.logf("W! [dnsproj] invalid mesos_resolvers entry %q", s)
			continue
		}
		ips = append(ips, ip)
	}
	records := dns.ARecords(fmt.Sprintf("master.%s", p.domain), ips)
	return p.applyRecordSet("masters", records)
}

// applyRecordSet diffs newRecords against owner's previous contribution,
// updating rr_refcount and rr_by_name, and reports whether anything
// changed. An empty newRecords removes owner entirely.
func (p *Projector) applyRecordSet(owner string, newRecords []dns.Record) bool {
	prior := p.rrOwners[owner]
	if recordsEqual(prior, newRecords) {
		return false
	}

	for _, r := range prior {
		p.rrRefcount[r]--
		if p.rrRefcount[r] <= 0 {
			delete(p.rrRefcount, r)
			if set, ok := p.rrByName[r.Name]; ok {
				delete(set, r)
				if len(set) == 0 {
					delete(p.rrByName, r.Name)
				}
			}
		}
	}

	for _, r := range newRecords {
		p.rrRefcount[r]++
		if p.rrByName[r.Name] == nil {
			p.rrByName[r.Name] = map[dns.Record]struct{}{}
		}
		p.rrByName[r.Name][r] = struct{}{}
	}

	if len(newRecords) == 0 {
		delete(p.rrOwners, owner)
	} else {
		p.rrOwners[owner] = newRecords
	}
	return true
}

func (p *Projector) pushZone(ctx context.Context) error {
	byName := make(map[string][]dns.Record, len(p.rrByName))
	for name, set := range p.rrByName {
		records := make([]dns.Record, 0, len(set))
		for r := range set {
			records = append(records, r)
		}
		byName[name] = dns.Canonicalize(records)
	}
	return p.sink.Assign(ctx, p.zoneName, byName, time.Now().UnixMilli())
}

func taskOwner(key mirror.TaskKey) string {
	return "task:" + key.Framework.Value + "/" + key.Task.Value
}

func taskInput(t mirror.Task) dns.TaskInput {
	hasHostPort := false
	for _, port := range t.Ports {
		if port.HostPort != nil {
			hasHostPort = true
			break
		}
	}
	return dns.TaskInput{
		Name:        t.Name,
		Framework:   t.FrameworkName(),
		AgentIP:     t.AgentIPValue(),
		TaskIPs:     t.TaskIP,
		HasHostPort: hasHostPort,
	}
}

func recordsEqual(a, b []dns.Record) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
