package mirror

// wire.go defines the raw JSON shapes decoded off the operator event
// stream, matching the field paths named in spec.md §4.2/§4.3. Every field
// is optional, so a partial object decodes with the missing fields left at
// their zero value. A field of the wrong JSON type fails the unmarshal of
// the whole event, which streamOnce treats as fatal to the connection.

type rawID struct {
	Value string `json:"value"`
}

type rawLabel struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type rawLabels struct {
	Labels []rawLabel `json:"labels"`
}

func (l *rawLabels) get(key string) (string, bool) {
	if l == nil {
		return "", false
	}
	for _, kv := range l.Labels {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

type rawAgentInfo struct {
	ID       rawID  `json:"id"`
	Hostname string `json:"hostname"`
}

type rawFrameworkInfo struct {
	ID   rawID  `json:"id"`
	Name string `json:"name"`
}

type rawIPAddress struct {
	IPAddress string `json:"ip_address"`
}

type rawNetworkInfo struct {
	IPAddresses  []rawIPAddress   `json:"ip_addresses"`
	PortMappings []rawPortMapping `json:"port_mappings,omitempty"`
}

type rawContainerStatus struct {
	NetworkInfos []rawNetworkInfo `json:"network_infos"`
}

type rawStatus struct {
	State           string              `json:"state"`
	Healthy         *bool               `json:"healthy,omitempty"`
	Timestamp       float64             `json:"timestamp"`
	ContainerStatus *rawContainerStatus `json:"container_status,omitempty"`
}

type rawPortMapping struct {
	HostPort int32  `json:"host_port"`
	Port     int32  `json:"container_port"`
	Protocol string `json:"protocol"`
}

type rawDockerInfo struct {
	PortMappings []rawPortMapping `json:"port_mappings"`
}

type rawContainerInfo struct {
	Type         string           `json:"type"` // "MESOS" | "DOCKER"
	Docker       *rawDockerInfo   `json:"docker,omitempty"`
	NetworkInfos []rawNetworkInfo `json:"network_infos,omitempty"`
}

type rawRange struct {
	Begin int64 `json:"begin"`
	End   int64 `json:"end"`
}

type rawRanges struct {
	Range []rawRange `json:"range"`
}

type rawScalar struct {
	Value float64 `json:"value"`
}

type rawResource struct {
	Name   string     `json:"name"`
	Type   string     `json:"type"` // "RANGES" | "SCALAR"
	Ranges *rawRanges `json:"ranges,omitempty"`
	Scalar *rawScalar `json:"scalar,omitempty"`
}

type rawDiscoveryPort struct {
	Name     string     `json:"name,omitempty"`
	Number   int32      `json:"number"`
	Protocol string     `json:"protocol,omitempty"`
	Labels   *rawLabels `json:"labels,omitempty"`
}

type rawDiscoveryPorts struct {
	Ports []rawDiscoveryPort `json:"ports"`
}

type rawDiscoveryInfo struct {
	Ports *rawDiscoveryPorts `json:"ports,omitempty"`
}

// rawTask is the shape of a task object as it appears embedded in
// TASK_ADDED/TASK_UPDATED events and the SUBSCRIBED snapshot.
type rawTask struct {
	Name        string            `json:"name"`
	TaskID      rawID             `json:"task_id"`
	FrameworkID rawID             `json:"framework_id"`
	AgentID     rawID             `json:"agent_id"`
	State       string            `json:"state,omitempty"`
	HealthCheck *struct{}         `json:"health_check,omitempty"`
	Container   *rawContainerInfo `json:"container,omitempty"`
	Resources   []rawResource     `json:"resources,omitempty"`
	Discovery   *rawDiscoveryInfo `json:"discovery,omitempty"`
	Labels      *rawLabels        `json:"labels,omitempty"`
	Statuses    []rawStatus       `json:"statuses,omitempty"`
}

// rawTaskUpdated carries the event-level state that overrides whatever
// state is embedded in the task's latest status (spec.md §4.2).
type rawTaskUpdated struct {
	State string  `json:"state"`
	Task  rawTask `json:"task"`
}

// rawSubscribed is the SUBSCRIBED snapshot: the heartbeat interval plus the
// full agent/framework/task tables as they stand at connect time.
type rawSubscribed struct {
	HeartbeatIntervalSeconds float64            `json:"heartbeat_interval_seconds"`
	RecoveredAgents          []rawAgentInfo     `json:"recovered_agents"`
	Agents                   []rawAgentInfo     `json:"agents"`
	Frameworks               []rawFrameworkInfo `json:"frameworks"`
	Tasks                    []rawTask          `json:"tasks"`
}

// rawEvent is the envelope every decoded frame is unmarshaled into; exactly
// one of the pointer fields matching Type is populated.
type rawEvent struct {
	Type string `json:"type"`

	Subscribed       *rawSubscribed    `json:"subscribed,omitempty"`
	Task             *rawTask          `json:"task,omitempty"`
	TaskUpdated      *rawTaskUpdated   `json:"task_updated,omitempty"`
	Framework        *rawFrameworkInfo `json:"framework,omitempty"`
	FrameworkID      *rawID            `json:"framework_id,omitempty"`
	Agent            *rawAgentInfo     `json:"agent,omitempty"`
	AgentID          *rawID            `json:"agent_id,omitempty"`
}
