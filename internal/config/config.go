package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

type Config struct {
	Service   ServiceConfig           `koanf:"service"`
	Router    RouterConfig            `koanf:"router"`
	Peers     map[string]PeerConfig   `koanf:"peers"`
	Damping   map[string]DampingSpec  `koanf:"damping"`
	Aggregate map[string]AggregateSpec `koanf:"aggregate"`
	Fanout    FanoutConfig            `koanf:"fanout"`
	Postgres  PostgresConfig          `koanf:"postgres"`
	Audit     AuditConfig             `koanf:"audit"`
	EventFeed EventFeedConfig         `koanf:"eventfeed"`
}

// RouterConfig identifies the local speaker. RouterID and ClusterID are
// dotted-quad strings packed into big-endian uint32 ids when the pipeline
// is built.
type RouterConfig struct {
	LocalAS   uint32 `koanf:"local_as"`
	RouterID  string `koanf:"router_id"`
	ClusterID string `koanf:"cluster_id"`
}

// PeerConfig describes one configured peering, keyed by an operator-chosen
// name under peers.<name> (e.g. peers.transit-a).
type PeerConfig struct {
	Address           string `koanf:"address"`
	ASN               uint32 `koanf:"asn"`
	Type              string `koanf:"type"` // ebgp, ibgp, ibgp-client, ebgp-confed
	DirectlyConnected bool   `koanf:"directly_connected"`
	LocalNextHop      string `koanf:"local_next_hop"`
	ConfederationPeer bool   `koanf:"confederation_peer"`
	AFI               string `koanf:"afi"`  // ipv4, ipv6
	SAFI              string `koanf:"safi"` // unicast, multicast
	// QueueCap overrides fanout.default_queue_cap for this peer's branch.
	// 0 inherits the table default, which may itself be 0 (uncapped).
	QueueCap int `koanf:"branch_queue_cap"`
}

// DampingSpec configures RFC 2439 flap damping for one AFI/SAFI pipeline,
// keyed under damping.<afi>-<safi> (e.g. damping.ipv4-unicast).
type DampingSpec struct {
	HalfLifeSeconds      int     `koanf:"half_life_seconds"`
	Penalty              float64 `koanf:"penalty"`
	CutoffThreshold      float64 `koanf:"cutoff_threshold"`
	ReuseThreshold       float64 `koanf:"reuse_threshold"`
	MaxSuppressSeconds   int     `koanf:"max_suppress_seconds"`
}

// AggregateSpec defines one configured covering aggregate, keyed under
// aggregate.<prefix-with-underscores-for-dots-and-slash>.
type AggregateSpec struct {
	Prefix                string `koanf:"prefix"`
	SuppressMoreSpecifics bool   `koanf:"suppress_more_specifics"`
}

// FanoutConfig tunes the shared output queue. DefaultQueueCap of 0
// means uncapped; a peer may override it via PeerConfig.QueueCap.
type FanoutConfig struct {
	DefaultQueueCap     int `koanf:"default_queue_cap"`
	WakeDeadlineSeconds int `koanf:"wake_deadline_seconds"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

// AuditConfig gates the optional diagnostic sink that records dump and
// fanout event sequences. Off by default: most deployments run the
// in-memory pipeline without a database dependency.
type AuditConfig struct {
	Enabled         bool   `koanf:"enabled"`
	BatchSize       int    `koanf:"batch_size"`
	FlushIntervalMs int    `koanf:"flush_interval_ms"`
	RetentionDays   int    `koanf:"retention_days"`
	Timezone        string `koanf:"timezone"`
	Compress        bool   `koanf:"compress"`
}

// EventFeedConfig gates the optional franz-go producer that republishes
// DecisionTable winner transitions for downstream consumers. Fanout push
// events are not published.
type EventFeedConfig struct {
	Enabled  bool       `koanf:"enabled"`
	Brokers  []string   `koanf:"brokers"`
	ClientID string     `koanf:"client_id"`
	Topic    string     `koanf:"topic"`
	TLS      TLSConfig  `koanf:"tls"`
	SASL     SASLConfig `koanf:"sasl"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: BGPCORE_ROUTER__LOCAL_AS → router.local_as
	if err := k.Load(env.Provider("BGPCORE_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "BGPCORE_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "bgpcored-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Router: RouterConfig{
			ClusterID: "",
		},
		Fanout: FanoutConfig{
			DefaultQueueCap:     0,
			WakeDeadlineSeconds: 1200,
		},
		Postgres: PostgresConfig{
			MaxConns: 20,
			MinConns: 2,
		},
		Audit: AuditConfig{
			BatchSize:       500,
			FlushIntervalMs: 500,
			RetentionDays:   14,
			Timezone:        "UTC",
			Compress:        true,
		},
		EventFeed: EventFeedConfig{
			ClientID: "bgpcored",
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.EventFeed.Brokers) == 1 && strings.Contains(cfg.EventFeed.Brokers[0], ",") {
		cfg.EventFeed.Brokers = strings.Split(cfg.EventFeed.Brokers[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Router.LocalAS == 0 {
		return fmt.Errorf("config: router.local_as is required")
	}
	if c.Router.RouterID == "" {
		return fmt.Errorf("config: router.router_id is required")
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if c.Fanout.DefaultQueueCap < 0 {
		return fmt.Errorf("config: fanout.default_queue_cap must be >= 0 (got %d)", c.Fanout.DefaultQueueCap)
	}
	if c.Fanout.WakeDeadlineSeconds <= 0 {
		return fmt.Errorf("config: fanout.wake_deadline_seconds must be > 0 (got %d)", c.Fanout.WakeDeadlineSeconds)
	}
	for name, p := range c.Peers {
		if p.Address == "" {
			return fmt.Errorf("config: peers.%s.address is required", name)
		}
		if p.ASN == 0 {
			return fmt.Errorf("config: peers.%s.asn is required", name)
		}
	}
	for key, d := range c.Damping {
		if d.HalfLifeSeconds <= 0 {
			return fmt.Errorf("config: damping.%s.half_life_seconds must be > 0", key)
		}
		if d.CutoffThreshold <= d.ReuseThreshold {
			return fmt.Errorf("config: damping.%s.cutoff_threshold must exceed reuse_threshold", key)
		}
	}
	for key, a := range c.Aggregate {
		if a.Prefix == "" {
			return fmt.Errorf("config: aggregate.%s.prefix is required", key)
		}
	}
	if c.Postgres.MaxConns <= 0 && c.Audit.Enabled {
		return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
	}
	if c.Postgres.MinConns < 0 {
		return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
	}
	if c.Audit.Enabled {
		if c.Postgres.DSN == "" {
			return fmt.Errorf("config: postgres.dsn is required when audit.enabled is true")
		}
		if c.Audit.BatchSize <= 0 {
			return fmt.Errorf("config: audit.batch_size must be > 0 (got %d)", c.Audit.BatchSize)
		}
		if c.Audit.FlushIntervalMs <= 0 {
			return fmt.Errorf("config: audit.flush_interval_ms must be > 0 (got %d)", c.Audit.FlushIntervalMs)
		}
		if c.Audit.RetentionDays <= 0 {
			return fmt.Errorf("config: audit.retention_days must be > 0 (got %d)", c.Audit.RetentionDays)
		}
		if _, err := time.LoadLocation(c.Audit.Timezone); err != nil {
			return fmt.Errorf("config: audit.timezone is invalid: %w", err)
		}
	}
	if c.EventFeed.Enabled {
		if len(c.EventFeed.Brokers) == 0 {
			return fmt.Errorf("config: eventfeed.brokers is required when eventfeed.enabled is true")
		}
		if c.EventFeed.Topic == "" {
			return fmt.Errorf("config: eventfeed.topic is required when eventfeed.enabled is true")
		}
	}
	return nil
}

// BuildTLSConfig creates a *tls.Config from TLS settings. Returns nil if TLS is disabled.
func BuildTLSConfig(t TLSConfig) (*tls.Config, error) {
	if !t.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if t.CAFile != "" {
		caPEM, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if t.CertFile != "" && t.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from SASL settings. Returns nil if SASL is disabled.
func BuildSASLMechanism(s SASLConfig) sasl.Mechanism {
	if !s.Enabled {
		return nil
	}
	switch strings.ToUpper(s.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: s.Username, Pass: s.Password}.AsMechanism()
	default:
		return nil
	}
}
