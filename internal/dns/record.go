// Package dns builds the DNS records a normalized task or cluster-wide
// fact projects into a zone, per the synthetic-name scheme described for
// dcos-dns-style service discovery.
package dns

import (
	"fmt"
	"net"
	"sort"
	"strings"
)

// RRType is the subset of record types this projector ever emits.
type RRType string

const (
	TypeA    RRType = "A"
	TypeAAAA RRType = "AAAA"
	TypeNS   RRType = "NS"
	TypeSOA  RRType = "SOA"
)

// Record is a single resource record in canonical form: lowercased name,
// normalized IP text for A/AAAA. Two Records with equal fields are the
// same record for refcounting purposes, so canonicalization on
// construction is what makes map-keying by Record sound (spec's "Record
// identity" design note).
type Record struct {
	Name  string
	Type  RRType
	Value string
}

func (r Record) String() string {
	return fmt.Sprintf("%s %s %s", r.Name, r.Type, r.Value)
}

func aRecord(name string, ip net.IP) (Record, bool) {
	if ip == nil {
		return Record{}, false
	}
	if v4 := ip.To4(); v4 != nil {
		return Record{Name: name, Type: TypeA, Value: v4.String()}, true
	}
	return Record{Name: name, Type: TypeAAAA, Value: ip.String()}, true
}

// NormalizeLabel lowercases s and replaces every character that isn't a
// DNS label character (ASCII alphanumeric or hyphen) with a hyphen.
func NormalizeLabel(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

// TaskInput is the subset of a normalized task the record builder needs;
// kept decoupled from package mirror's Task so this package has no
// dependency on the mirror actor's internals.
type TaskInput struct {
	Name        string
	Framework   string
	AgentIP     net.IP
	TaskIPs     []net.IP
	HasHostPort bool
}

// BuildTaskRecords implements spec's agentip/containerip/autoip synthetic
// names under domain: missing inputs simply omit the affected record set,
// never produce a zero-value record.
func BuildTaskRecords(in TaskInput, domain string) []Record {
	n := NormalizeLabel(in.Name)
	f := NormalizeLabel(in.Framework)
	if n == "" || f == "" {
		return nil
	}
	base := fmt.Sprintf("%s.%s", n, f)

	var records []Record

	if rec, ok := aRecord(fmt.Sprintf("%s.agentip.%s", base, domain), in.AgentIP); ok {
		records = append(records, rec)
	}

	containerName := fmt.Sprintf("%s.containerip.%s", base, domain)
	for _, ip := range in.TaskIPs {
		if rec, ok := aRecord(containerName, ip); ok {
			records = append(records, rec)
		}
	}

	autoName := fmt.Sprintf("%s.autoip.%s", base, domain)
	switch {
	case in.HasHostPort && in.AgentIP != nil:
		if rec, ok := aRecord(autoName, in.AgentIP); ok {
			records = append(records, rec)
		}
	case len(in.TaskIPs) > 0:
		for _, ip := range in.TaskIPs {
			if rec, ok := aRecord(autoName, ip); ok {
				records = append(records, rec)
			}
		}
	case in.AgentIP != nil:
		if rec, ok := aRecord(autoName, in.AgentIP); ok {
			records = append(records, rec)
		}
	}

	return Canonicalize(records)
}

// BaselineRecords returns the zone-wide records that are always present
// regardless of task state: NS, SOA, and leader.<domain>.
func BaselineRecords(domain string, nameservers []string, leaderIP net.IP) []Record {
	var records []Record

	soaName := strings.TrimSuffix(domain, ".") + "."
	mname := "ns.dcos.thisdcos.directory."
	if len(nameservers) > 0 {
		mname = nameservers[0] + "."
	}
	records = append(records, Record{
		Name: soaName,
		Type: TypeSOA,
		Value: fmt.Sprintf("%s hostmaster.%s 1 60 60 1800 5", mname, soaName),
	})

	for _, ns := range nameservers {
		records = append(records, Record{Name: soaName, Type: TypeNS, Value: ns + "."})
	}

	if rec, ok := aRecord(fmt.Sprintf("leader.%s", domain), leaderIP); ok {
		records = append(records, rec)
	}

	return Canonicalize(records)
}

// ARecords builds one A/AAAA record per ip under name, skipping nils, and
// returns them in canonical order. Used for record sets that are a flat
// list of addresses under one name, such as master.<domain>.
func ARecords(name string, ips []net.IP) []Record {
	var out []Record
	for _, ip := range ips {
		if rec, ok := aRecord(name, ip); ok {
			out = append(out, rec)
		}
	}
	return Canonicalize(out)
}

// Canonicalize sorts records into a deterministic order so that two
// record sets built from the same logical input compare equal regardless
// of map/slice iteration order upstream.
func Canonicalize(records []Record) []Record {
	out := append([]Record{}, records...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Value < out[j].Value
	})
	return out
}
