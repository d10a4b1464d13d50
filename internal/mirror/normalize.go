package mirror

import (
	"net"
	"sort"
	"strings"
)

// Tables is the slice of Mirror state the normalizer needs to resolve
// cross-references: the current agent IP and framework name tables.
type Tables struct {
	Agents     map[string]net.IP // keyed by AgentID.Value
	Frameworks map[string]string // keyed by FrameworkID.Value
}

// logFunc matches the signature of log.Printf, so callers can pass it
// directly.
type logFunc func(format string, args ...interface{})

// Normalize derives a canonical Task from a raw wire object, the task's
// prior state (zero value if this is the first sighting), and the current
// agent/framework tables. eventState is the event-level state carried by
// TASK_UPDATED, which is authoritative over any state embedded in the
// task's own status; it is empty for TASK_ADDED and the SUBSCRIBED
// snapshot.
//
// Per spec.md §4.3: any field extractor that fails is logged and the
// field retains its prior value; empty/absent values never overwrite a
// prior non-empty value, so repeated partial updates merge additively.
func Normalize(raw rawTask, eventState string, prior Task, tables Tables, logf logFunc) Task {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}

	t := prior
	t.Key = TaskKey{
		Framework: mesosFrameworkID(raw.FrameworkID.Value),
		Task:      mesosTaskID(raw.TaskID.Value),
	}

	if raw.FrameworkID.Value != "" {
		t.Framework = resolveFramework(raw.FrameworkID.Value, tables)
	}
	if raw.AgentID.Value != "" {
		t.AgentIP = resolveAgent(raw.AgentID.Value, tables)
	}

	t.Name = safeField(logf, "name", t.Name, func() string {
		if raw.Name == "" {
			return t.Name
		}
		return raw.Name
	})

	latest := latestStatus(raw.Statuses)

	t.Runtime = safeField(logf, "runtime", t.Runtime, func() Runtime {
		return extractRuntime(raw, t.Runtime)
	})

	t.TaskIP = safeField(logf, "task_ip", t.TaskIP, func() []net.IP {
		return extractTaskIPs(latest, t.TaskIP)
	})

	t.State = safeField(logf, "state", t.State, func() TaskState {
		return extractState(raw, eventState, latest, t.State)
	})

	t.Healthy = safeField(logf, "healthy", t.Healthy, func() *bool {
		return extractHealthy(raw, latest, t.Healthy)
	})

	t.Ports = safeField(logf, "ports", t.Ports, func() []Port {
		fresh := mergePorts(append(append(
			extractPortMappings(raw, latest),
			extractResourcePorts(raw)...),
			extractDiscoveryPorts(raw)...))

		merged := mergePorts(append(append([]Port{}, t.Ports...), fresh...))

		if agentIP := t.AgentIPValue(); agentIP != nil &&
			t.State != TaskPreparing && t.State != TaskTerminal &&
			len(t.TaskIP) == 1 && t.TaskIP[0].Equal(agentIP) {
			merged = collapseHostNetworking(merged)
		}
		return merged
	})

	return t
}

// safeField runs compute and returns its result, or prior if compute
// panics; a panic is logged rather than propagated, matching spec.md's
// "per-field exception: logged, field retains prior value" policy.
func safeField[T any](logf logFunc, name string, prior T, compute func() T) (result T) {
	result = prior
	defer func() {
		if r := recover(); r != nil {
			logf("E! [mirror] error extracting task field %q: %v", name, r)
			result = prior
		}
	}()
	result = compute()
	return
}

func resolveFramework(id string, tables Tables) Ref[string] {
	if id == "" {
		return Unresolved[string]("")
	}
	if name, ok := tables.Frameworks[id]; ok {
		return Resolved(name)
	}
	return Unresolved[string](id)
}

func resolveAgent(id string, tables Tables) Ref[net.IP] {
	if id == "" {
		return Unresolved[net.IP]("")
	}
	if ip, ok := tables.Agents[id]; ok {
		return Resolved(ip)
	}
	return Unresolved[net.IP](id)
}

// latestStatus returns the status with the highest timestamp, or nil if
// there are none.
func latestStatus(statuses []rawStatus) *rawStatus {
	if len(statuses) == 0 {
		return nil
	}
	sorted := append([]rawStatus{}, statuses...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp > sorted[j].Timestamp
	})
	return &sorted[0]
}

func extractRuntime(raw rawTask, prior Runtime) Runtime {
	if raw.Container == nil || raw.Container.Type == "" {
		return prior
	}
	switch raw.Container.Type {
	case "MESOS":
		return RuntimeMesos
	case "DOCKER":
		return RuntimeDocker
	default:
		return RuntimeUnknown
	}
}

func extractTaskIPs(latest *rawStatus, prior []net.IP) []net.IP {
	if latest == nil || latest.ContainerStatus == nil {
		return prior
	}

	var ips []net.IP
	for _, ni := range latest.ContainerStatus.NetworkInfos {
		for _, addr := range ni.IPAddresses {
			ip := net.ParseIP(addr.IPAddress)
			if ip == nil {
				continue // strictly parsed; drop unparseable
			}
			ips = append(ips, ip)
		}
	}

	if len(ips) == 0 {
		return prior
	}
	return ips
}

var terminalStates = map[string]bool{
	"TASK_FINISHED":        true,
	"TASK_FAILED":          true,
	"TASK_KILLED":          true,
	"TASK_LOST":            true,
	"TASK_ERROR":           true,
	"TASK_DROPPED":         true,
	"TASK_GONE":            true,
	"TASK_GONE_BY_OPERATOR": true,
}

func mapState(raw string) TaskState {
	switch {
	case raw == "TASK_RUNNING":
		return TaskRunning
	case raw == "TASK_KILLING":
		return TaskKilling
	case terminalStates[raw]:
		return TaskTerminal
	default:
		return TaskPreparing
	}
}

func extractState(raw rawTask, eventState string, latest *rawStatus, prior TaskState) TaskState {
	s := eventState
	if s == "" && latest != nil {
		s = latest.State
	}
	if s == "" {
		s = raw.State
	}
	if s == "" {
		if prior == "" {
			return TaskPreparing
		}
		return prior
	}
	return mapState(s)
}

func extractHealthy(raw rawTask, latest *rawStatus, prior *bool) *bool {
	if latest != nil && latest.Healthy != nil {
		v := *latest.Healthy
		return &v
	}
	if raw.HealthCheck != nil {
		v := false
		return &v
	}
	return prior
}

// extractPortMappings implements spec.md's PortMappings source: MESOS
// containers read network-info port mappings from the latest container
// status (pod networking), falling back to the task's own container
// network infos; DOCKER containers read container.docker.port_mappings.
func extractPortMappings(raw rawTask, latest *rawStatus) []Port {
	if raw.Container == nil {
		return nil
	}

	switch raw.Container.Type {
	case "DOCKER":
		if raw.Container.Docker == nil {
			return nil
		}
		return portsFromMappings(raw.Container.Docker.PortMappings)
	case "MESOS":
		if latest != nil && latest.ContainerStatus != nil {
			if ports := portsFromNetworkInfos(latest.ContainerStatus.NetworkInfos); len(ports) > 0 {
				return ports
			}
		}
		return portsFromNetworkInfos(raw.Container.NetworkInfos)
	default:
		return nil
	}
}

func portsFromMappings(mappings []rawPortMapping) []Port {
	var ports []Port
	for _, m := range mappings {
		proto := Protocol(strings.ToLower(m.Protocol))
		if proto != ProtocolTCP && proto != ProtocolUDP {
			continue
		}
		hp, cp := m.HostPort, m.Port
		ports = append(ports, Port{
			HostPort: &hp,
			Port:     &cp,
			Protocol: proto,
		})
	}
	return ports
}

func portsFromNetworkInfos(infos []rawNetworkInfo) []Port {
	var mappings []rawPortMapping
	for _, ni := range infos {
		mappings = append(mappings, ni.PortMappings...)
	}
	return portsFromMappings(mappings)
}

// extractResourcePorts implements spec.md's VIP-labeled resource-port
// source: expand the "ports" resource into an ordered port list, then for
// each vip_port<N> label select the Nth port.
func extractResourcePorts(raw rawTask) []Port {
	var ordered []int64
	for _, r := range raw.Resources {
		if r.Name != "ports" {
			continue
		}
		switch r.Type {
		case "RANGES":
			if r.Ranges == nil {
				continue
			}
			for _, rg := range r.Ranges.Range {
				for v := rg.Begin; v <= rg.End; v++ {
					ordered = append(ordered, v)
				}
			}
		case "SCALAR":
			if r.Scalar != nil {
				ordered = append(ordered, int64(r.Scalar.Value))
			}
		}
	}

	if raw.Labels == nil || len(ordered) == 0 {
		return nil
	}

	var ports []Port
	for _, kv := range raw.Labels.Labels {
		if !strings.HasPrefix(kv.Key, "vip_port") {
			continue
		}
		idxStr := strings.TrimPrefix(kv.Key, "vip_port")
		idx, err := atoiStrict(idxStr)
		if err != nil || idx < 0 || idx >= len(ordered) {
			continue
		}

		proto, label, ok := parseVIPValue(kv.Value)
		if !ok {
			continue
		}

		hp := int32(ordered[idx])
		ports = append(ports, Port{
			HostPort: &hp,
			Protocol: proto,
			VIP:      []string{label},
		})
	}
	return ports
}

func parseVIPValue(v string) (Protocol, string, bool) {
	switch {
	case strings.HasPrefix(v, "tcp://"):
		return ProtocolTCP, strings.TrimPrefix(v, "tcp://"), true
	case strings.HasPrefix(v, "udp://"):
		return ProtocolUDP, strings.TrimPrefix(v, "udp://"), true
	default:
		return "", "", false
	}
}

func atoiStrict(s string) (int, error) {
	if s == "" {
		return 0, errNotANumber
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errNotANumber
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// extractDiscoveryPorts implements spec.md's discovery-info port source.
func extractDiscoveryPorts(raw rawTask) []Port {
	if raw.Discovery == nil || raw.Discovery.Ports == nil {
		return nil
	}

	var ports []Port
	for _, dp := range raw.Discovery.Ports.Ports {
		proto := Protocol(strings.ToLower(dp.Protocol))
		if proto != ProtocolTCP && proto != ProtocolUDP {
			continue
		}

		name := dp.Name
		if name == "" {
			name = "default"
		}

		p := Port{Name: name, Protocol: proto}
		n := dp.Number

		scope, _ := dp.Labels.get("network-scope")
		switch scope {
		case "container":
			p.Port = &n
		case "host":
			p.HostPort = &n
		default:
			p.Port = &n
		}

		if dp.Labels != nil {
			var vips []string
			for _, kv := range dp.Labels.Labels {
				if strings.HasPrefix(kv.Key, "VIP") || strings.HasPrefix(kv.Key, "vip") {
					vips = append(vips, kv.Value)
				}
			}
			p.VIP = dedupSorted(vips)
		}

		ports = append(ports, p)
	}
	return ports
}

func dedupSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	sort.Strings(in)
	out := in[:0:0]
	var last string
	first := true
	for _, v := range in {
		if first || v != last {
			out = append(out, v)
			last = v
			first = false
		}
	}
	return out
}

// mergePorts applies spec.md's port merge rule: two ports match iff same
// protocol AND (same port OR same host_port); matches merge field-by-field
// with VIP lists unioned.
func mergePorts(ports []Port) []Port {
	var result []Port
	for _, p := range ports {
		idx := -1
		for i := range result {
			if portsMatch(result[i], p) {
				idx = i
				break
			}
		}
		if idx < 0 {
			result = append(result, p)
			continue
		}
		result[idx] = mergePortFields(result[idx], p)
	}
	return result
}

func portsMatch(a, b Port) bool {
	if a.Protocol != b.Protocol {
		return false
	}
	if a.Port != nil && b.Port != nil && *a.Port == *b.Port {
		return true
	}
	if a.HostPort != nil && b.HostPort != nil && *a.HostPort == *b.HostPort {
		return true
	}
	return false
}

func mergePortFields(a, b Port) Port {
	out := a
	if out.Name == "" {
		out.Name = b.Name
	}
	if out.Port == nil {
		out.Port = b.Port
	}
	if out.HostPort == nil {
		out.HostPort = b.HostPort
	}
	out.VIP = dedupSorted(append(append([]string{}, a.VIP...), b.VIP...))
	return out
}

// collapseHostNetworking implements spec.md's host-port collapsing: when a
// task shares its agent's IP (host networking), host_port is the only port
// that matters, so it is moved into port and duplicates are merged.
func collapseHostNetworking(ports []Port) []Port {
	type key struct {
		proto Protocol
		port  int32
	}
	order := []key{}
	grouped := map[key]Port{}

	for _, p := range ports {
		np := p
		if np.HostPort != nil {
			v := *np.HostPort
			np.Port = &v
			np.HostPort = nil
		}
		var portVal int32
		if np.Port != nil {
			portVal = *np.Port
		}
		k := key{proto: np.Protocol, port: portVal}
		if existing, ok := grouped[k]; ok {
			grouped[k] = mergePortFields(existing, np)
		} else {
			grouped[k] = np
			order = append(order, k)
		}
	}

	out := make([]Port, 0, len(order))
	for _, k := range order {
		out = append(out, grouped[k])
	}
	return out
}
