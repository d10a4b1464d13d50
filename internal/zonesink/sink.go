// Package zonesink publishes a projected zone to a key-value backing
// store. Assign is idempotent and keyed by zone name, last-writer-wins,
// matching the transactional-put idiom estuary-flow's catalog package
// uses for its own etcd-backed state.
package zonesink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/DominikDary/dcos-net/internal/dns"
)

// Sink is the outbound interface the DNS Projector pushes a rebuilt zone
// through.
type Sink interface {
	Assign(ctx context.Context, zone string, recordsByName map[string][]dns.Record, wallclockMs int64) error
}

// wireRecord is the JSON-serializable form stored at each zone key.
type wireRecord struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

type wirePayload struct {
	WallclockMs int64                   `json:"wallclock_ms"`
	Records     map[string][]wireRecord `json:"records"`
}

// EtcdSink stores the zone under a single key, root+zone, as one JSON
// document per assign call — the simplest payload that's still
// idempotent and last-writer-wins under concurrent assigns, which is all
// the sink contract requires.
type EtcdSink struct {
	client *clientv3.Client
	root   string
}

// NewEtcdSink returns a Sink backed by an existing etcd client. root is
// prefixed to every zone key, e.g. "/dcos-dns/zones/".
func NewEtcdSink(client *clientv3.Client, root string) *EtcdSink {
	return &EtcdSink{client: client, root: root}
}

func (s *EtcdSink) Assign(ctx context.Context, zone string, recordsByName map[string][]dns.Record, wallclockMs int64) error {
	payload := wirePayload{WallclockMs: wallclockMs, Records: map[string][]wireRecord{}}
	for name, records := range recordsByName {
		wire := make([]wireRecord, 0, len(records))
		for _, r := range records {
			wire = append(wire, wireRecord{Name: r.Name, Type: string(r.Type), Value: r.Value})
		}
		payload.Records[name] = wire
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("zonesink: marshal zone %s: %w", zone, err)
	}

	key := s.root + zone
	_, err = s.client.Do(ctx, clientv3.OpPut(key, string(body)))
	if err != nil {
		return fmt.Errorf("zonesink: put zone %s: %w", zone, err)
	}
	return nil
}

// MemorySink is an in-process Sink used by tests and by callers wiring up
// the Projector without a live etcd cluster. Safe for concurrent use: the
// Projector calls Assign from its own goroutine while a test goroutine
// inspects recorded calls through Snapshot/Len.
type MemorySink struct {
	mu    sync.Mutex
	calls []MemoryAssign
}

// MemoryAssign records one Assign invocation for later assertions.
type MemoryAssign struct {
	Zone          string
	RecordsByName map[string][]dns.Record
	WallclockMs   int64
}

func (s *MemorySink) Assign(_ context.Context, zone string, recordsByName map[string][]dns.Record, wallclockMs int64) error {
	cp := make(map[string][]dns.Record, len(recordsByName))
	for k, v := range recordsByName {
		cp[k] = append([]dns.Record{}, v...)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, MemoryAssign{Zone: zone, RecordsByName: cp, WallclockMs: wallclockMs})
	return nil
}

// Len reports how many Assign calls have been recorded so far.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// Snapshot returns a copy of every Assign call recorded so far, in order.
func (s *MemorySink) Snapshot() []MemoryAssign {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]MemoryAssign(nil), s.calls...)
}
