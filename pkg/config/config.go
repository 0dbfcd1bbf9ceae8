// Package config loads the amqpd server configuration from TOML with
// AMQPD_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ericogr/amqp-plug/pkg/amqp"
	"github.com/pelletier/go-toml/v2"
)

// Duration is a time.Duration written as a Go duration string ("5s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the top-level configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Adapter AdapterConfig `toml:"adapter"`
	Broker  BrokerConfig  `toml:"broker"`
	Metrics MetricsConfig `toml:"metrics"`
	Log     LogConfig     `toml:"log"`
}

type ServerConfig struct {
	Listen string `toml:"listen"`

	// Transport is "net" (goroutine per connection) or "gnet" (event loops).
	Transport        string   `toml:"transport"`
	Multicore        bool     `toml:"multicore"`
	Engine           string   `toml:"engine"`
	TLSCert          string   `toml:"tls_cert"`
	TLSKey           string   `toml:"tls_key"`
	HandshakeTimeout Duration `toml:"handshake_timeout"`
}

type AdapterConfig struct {
	CreditGrant       uint32   `toml:"credit_grant"`
	ReplenishRatio    float64  `toml:"replenish_ratio"`
	MaxPendingWrites  int      `toml:"max_pending_writes"`
	WriteDrainTimeout Duration `toml:"write_drain_timeout"`
	FeedTimeout       Duration `toml:"feed_timeout"`
	IdleTimeout       Duration `toml:"idle_timeout"`
}

type BrokerConfig struct {
	// Kind is one of memory, journal, mongo, upstream.
	Kind string `toml:"kind"`

	// Destinations are declared at startup.
	Destinations []string       `toml:"destinations"`
	Capacity     int            `toml:"capacity"`
	Journal      JournalConfig  `toml:"journal"`
	Mongo        MongoConfig    `toml:"mongo"`
	Upstream     UpstreamConfig `toml:"upstream"`
}

type JournalConfig struct {
	Dir           string   `toml:"dir"`
	Fsync         string   `toml:"fsync"`
	FsyncInterval Duration `toml:"fsync_interval"`
}

type MongoConfig struct {
	URI              string   `toml:"uri"`
	Database         string   `toml:"database"`
	OperationTimeout Duration `toml:"operation_timeout"`
}

type UpstreamConfig struct {
	URL            string   `toml:"url"`
	User           string   `toml:"user"`
	Pass           string   `toml:"pass"`
	TLS            bool     `toml:"tls"`
	FailurePolicy  string   `toml:"failure_policy"`
	ReconnectDelay Duration `toml:"reconnect_delay"`
}

type MetricsConfig struct {
	// Addr serves /metrics when set.
	Addr string `toml:"addr"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

var (
	Transports      = []string{"net", "gnet"}
	BrokerKinds     = []string{"memory", "journal", "mongo", "upstream"}
	FailurePolicies = []string{"close", "reconnect", "enqueue"}
	LogFormats      = []string{"json", "console"}
)

// Default returns built-in defaults.
func Default() Config {
	a := amqp.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Listen:           ":5672",
			Transport:        "net",
			HandshakeTimeout: Duration{30 * time.Second},
		},
		Adapter: AdapterConfig{
			CreditGrant:       a.CreditGrant,
			ReplenishRatio:    a.ReplenishRatio,
			MaxPendingWrites:  a.MaxPendingWrites,
			WriteDrainTimeout: Duration{a.WriteDrainTimeout},
			FeedTimeout:       Duration{a.FeedTimeout},
			IdleTimeout:       Duration{a.IdleTimeout},
		},
		Broker: BrokerConfig{
			Kind:     "memory",
			Capacity: 1024,
			Journal:  JournalConfig{Fsync: "interval", FsyncInterval: Duration{5 * time.Millisecond}},
			Mongo:    MongoConfig{Database: "amqpd", OperationTimeout: Duration{5 * time.Second}},
			Upstream: UpstreamConfig{FailurePolicy: "close", ReconnectDelay: Duration{5 * time.Second}},
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads path over the defaults and applies the environment. An empty
// path yields the defaults plus the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	}
	if err := FromEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// AMQP returns the adapter settings as an amqp.Config.
func (c Config) AMQP() amqp.Config {
	return amqp.Config{
		CreditGrant:       c.Adapter.CreditGrant,
		ReplenishRatio:    c.Adapter.ReplenishRatio,
		MaxPendingWrites:  c.Adapter.MaxPendingWrites,
		WriteDrainTimeout: c.Adapter.WriteDrainTimeout.Duration,
		FeedTimeout:       c.Adapter.FeedTimeout.Duration,
		IdleTimeout:       c.Adapter.IdleTimeout.Duration,
	}
}

func oneOf(field, v string, allowed []string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("%s %q invalid (allowed: %s)", field, v, strings.Join(allowed, ", "))
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.Listen) == "" {
		return fmt.Errorf("server.listen is required")
	}
	if err := oneOf("server.transport", c.Server.Transport, Transports); err != nil {
		return err
	}
	if c.Server.Engine == "" {
		return fmt.Errorf("server.engine is required")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}
	if c.Server.TLSCert != "" && c.Server.Transport == "gnet" {
		return fmt.Errorf("tls is not supported by the gnet transport")
	}
	if err := c.AMQP().Validate(); err != nil {
		return fmt.Errorf("adapter: %w", err)
	}
	if err := oneOf("broker.kind", c.Broker.Kind, BrokerKinds); err != nil {
		return err
	}
	switch c.Broker.Kind {
	case "memory":
		if c.Broker.Capacity <= 0 {
			return fmt.Errorf("broker.capacity must be positive")
		}
	case "journal":
		if c.Broker.Journal.Dir == "" {
			return fmt.Errorf("broker.journal.dir is required")
		}
		if err := oneOf("broker.journal.fsync", c.Broker.Journal.Fsync, []string{"always", "interval", "never"}); err != nil {
			return err
		}
	case "mongo":
		if c.Broker.Mongo.URI == "" || c.Broker.Mongo.Database == "" {
			return fmt.Errorf("broker.mongo.uri and broker.mongo.database are required")
		}
	case "upstream":
		if c.Broker.Upstream.URL == "" {
			return fmt.Errorf("broker.upstream.url is required")
		}
		if err := oneOf("broker.upstream.failure_policy", c.Broker.Upstream.FailurePolicy, FailurePolicies); err != nil {
			return err
		}
	}
	if c.Log.Level != "" {
		if _, err := parseLevel(c.Log.Level); err != nil {
			return err
		}
	}
	return oneOf("log.format", c.Log.Format, LogFormats)
}
