package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			InstanceID:             "test",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Router: RouterConfig{
			LocalAS:  65001,
			RouterID: "198.51.100.1",
		},
		Peers: map[string]PeerConfig{
			"transit-a": {Address: "198.51.100.2", ASN: 65002, Type: "ebgp"},
		},
		Damping: map[string]DampingSpec{
			"ipv4-unicast": {
				HalfLifeSeconds: 900,
				Penalty:         1000,
				CutoffThreshold: 3000,
				ReuseThreshold:  750,
			},
		},
		Aggregate: map[string]AggregateSpec{
			"198_51_100_0_24": {Prefix: "198.51.100.0/24"},
		},
		Fanout: FanoutConfig{
			DefaultQueueCap:     4096,
			WakeDeadlineSeconds: 60,
		},
		Postgres: PostgresConfig{
			MaxConns: 10,
			MinConns: 2,
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidate_NoLocalAS(t *testing.T) {
	cfg := validConfig()
	cfg.Router.LocalAS = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing local_as")
	}
}

func TestValidate_NoRouterID(t *testing.T) {
	cfg := validConfig()
	cfg.Router.RouterID = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing router_id")
	}
}

func TestValidate_PeerMissingAddress(t *testing.T) {
	cfg := validConfig()
	cfg.Peers["transit-a"] = PeerConfig{ASN: 65002}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for peer missing address")
	}
}

func TestValidate_PeerMissingASN(t *testing.T) {
	cfg := validConfig()
	cfg.Peers["transit-a"] = PeerConfig{Address: "198.51.100.2"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for peer missing asn")
	}
}

func TestValidate_DampingCutoffBelowReuse(t *testing.T) {
	cfg := validConfig()
	cfg.Damping["ipv4-unicast"] = DampingSpec{HalfLifeSeconds: 900, CutoffThreshold: 100, ReuseThreshold: 750}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for cutoff_threshold <= reuse_threshold")
	}
}

func TestValidate_AggregateMissingPrefix(t *testing.T) {
	cfg := validConfig()
	cfg.Aggregate["198_51_100_0_24"] = AggregateSpec{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for aggregate missing prefix")
	}
}

func TestValidate_FanoutQueueCapZeroIsUncapped(t *testing.T) {
	cfg := validConfig()
	cfg.Fanout.DefaultQueueCap = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default_queue_cap = 0 (uncapped) to be valid, got: %v", err)
	}
}

func TestValidate_FanoutQueueCapNegative(t *testing.T) {
	cfg := validConfig()
	cfg.Fanout.DefaultQueueCap = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for fanout.default_queue_cap < 0")
	}
}

func TestValidate_ShutdownTimeoutZero(t *testing.T) {
	cfg := validConfig()
	cfg.Service.ShutdownTimeoutSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for shutdown_timeout_seconds = 0")
	}
}

func TestValidate_AuditEnabledRequiresDSN(t *testing.T) {
	cfg := validConfig()
	cfg.Audit.Enabled = true
	cfg.Audit.BatchSize = 500
	cfg.Audit.FlushIntervalMs = 500
	cfg.Audit.RetentionDays = 14
	cfg.Audit.Timezone = "UTC"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for audit.enabled without postgres.dsn")
	}
}

func TestValidate_AuditEnabledInvalidTimezone(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.DSN = "postgres://localhost/test"
	cfg.Audit.Enabled = true
	cfg.Audit.BatchSize = 500
	cfg.Audit.FlushIntervalMs = 500
	cfg.Audit.RetentionDays = 14
	cfg.Audit.Timezone = "Not/A/Real/Zone"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid audit timezone")
	}
}

func TestValidate_EventFeedEnabledRequiresBrokers(t *testing.T) {
	cfg := validConfig()
	cfg.EventFeed.Enabled = true
	cfg.EventFeed.Topic = "bgpcore.events"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for eventfeed.enabled without brokers")
	}
}

func writeMinimalYAML(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	data := `
router:
  local_as: 65001
  router_id: "198.51.100.1"
peers:
  transit-a:
    address: "198.51.100.2"
    asn: 65002
    type: ebgp
`
	if err := os.WriteFile(p, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_EnvOverrideLogLevel(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("BGPCORE_SERVICE__LOG_LEVEL", "debug")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Service.LogLevel != "debug" {
		t.Errorf("expected log_level 'debug' from env, got %q", cfg.Service.LogLevel)
	}
}

func TestLoad_EnvOverrideLocalAS(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("BGPCORE_ROUTER__LOCAL_AS", "65055")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Router.LocalAS != 65055 {
		t.Errorf("expected local_as 65055 from env, got %d", cfg.Router.LocalAS)
	}
}

func TestLoad_EnvEmptyRouterIDFailsValidation(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("BGPCORE_ROUTER__ROUTER_ID", "")

	_, err := Load(p)
	if err == nil {
		t.Fatal("expected validation error for empty router_id via env")
	}
}
