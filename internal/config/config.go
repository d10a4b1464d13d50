// Package config loads the dcos-dns core's configuration from TOML,
// following the struct-tag/sample-config convention used throughout
// dcos-telegraf's plugins.
package config

import (
	"time"

	"github.com/BurntSushi/toml"
)

// DCOSDomain is the zone name constant named in the specification.
const DCOSDomain = "dcos.thisdcos.directory"

// Config carries every tunable named in the specification, each with its
// documented default.
type Config struct {
	MesosMasters []string `toml:"mesos_masters"`

	MesosReconnectTimeout       Duration `toml:"mesos_reconnect_timeout"`
	MesosReconnectMaxTimeout    Duration `toml:"mesos_reconnect_max_timeout"`
	MesosAgentsReadinessTimeout Duration `toml:"mesos_agents_readiness_timeout"`
	MesosTasksReadinessTimeout  Duration `toml:"mesos_tasks_readiness_timeout"`
	MastersTimeout              Duration `toml:"masters_timeout"`
	PushZoneTimeout             Duration `toml:"push_zone_timeout"`

	MesosResolvers []string `toml:"mesos_resolvers"`
	DCOSDomain     string   `toml:"dcos_domain"`

	LeaderIP string `toml:"leader_ip"`

	CACertificatePath string `toml:"ca_certificate_path"`
	IamConfigPath     string `toml:"iam_config_path"`

	EtcdEndpoints []string `toml:"etcd_endpoints"`
	ZoneName      string   `toml:"zone_name"`

	MetricsListen string `toml:"metrics_listen"`
}

var sampleConfig = `
  ## Mesos masters to issue the operator SUBSCRIBE call against, in order.
  mesos_masters = ["leader.mesos:5050"]

  ## Reconnect backoff bounds.
  mesos_reconnect_timeout = "2s"
  mesos_reconnect_max_timeout = "30s"

  ## Readiness windows before the mirror publishes its full task snapshot.
  ## Individual task updates are published to subscribers in every phase.
  mesos_agents_readiness_timeout = "10m"
  mesos_tasks_readiness_timeout = "10s"

  ## Master-record refresh period and zone push debounce.
  masters_timeout = "5s"
  push_zone_timeout = "1s"

  ## Master IPs published under master.<domain>.
  mesos_resolvers = []
  dcos_domain = "dcos.thisdcos.directory"

  ## This node's IP, published as leader.<domain>.
  leader_ip = ""

  ## Optional IAM configuration (DC/OS).
  # ca_certificate_path = "/run/dcos/pki/CA/ca-bundle.crt"
  # iam_config_path = "/run/dcos/etc/dcos-dns/service_account.json"

  ## etcd cluster backing the published zone.
  etcd_endpoints = ["http://127.0.0.1:2379"]
  zone_name = "dcos-dns"

  ## Address for the Prometheus metrics endpoint.
  metrics_listen = ":9969"
`

// SampleConfig returns the default configuration block, in the idiom
// telegraf plugins use to document themselves.
func SampleConfig() string {
	return sampleConfig
}

// Default returns a Config populated with every named default from the
// specification.
func Default() *Config {
	return &Config{
		MesosReconnectTimeout:       Duration{2000 * time.Millisecond},
		MesosReconnectMaxTimeout:    Duration{30000 * time.Millisecond},
		MesosAgentsReadinessTimeout: Duration{600000 * time.Millisecond},
		MesosTasksReadinessTimeout:  Duration{10000 * time.Millisecond},
		MastersTimeout:              Duration{5000 * time.Millisecond},
		PushZoneTimeout:             Duration{1000 * time.Millisecond},
		DCOSDomain:                  DCOSDomain,
		ZoneName:                    "dcos-dns",
		MetricsListen:               ":9969",
	}
}

// Load reads and decodes a TOML configuration file, starting from
// Default() so unset fields keep their documented defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	_ = meta // undecoded keys are intentionally ignored, as in telegraf's loader
	return cfg, nil
}
