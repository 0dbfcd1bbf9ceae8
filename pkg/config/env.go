package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "AMQPD_"

// FromEnv overlays AMQPD_* environment variables onto cfg. Unlike the file,
// a malformed value is an error.
func FromEnv(cfg *Config) error {
	str := func(name string, dst *string) {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}
	var errs []string
	boolean := func(name string, dst *bool) {
		if v := os.Getenv(envPrefix + name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", envPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	integer := func(name string, dst *int) {
		if v := os.Getenv(envPrefix + name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *Duration) {
		if v := os.Getenv(envPrefix + name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", envPrefix, name, err))
				return
			}
			dst.Duration = d
		}
	}

	str("LISTEN", &cfg.Server.Listen)
	str("TRANSPORT", &cfg.Server.Transport)
	boolean("MULTICORE", &cfg.Server.Multicore)
	str("ENGINE", &cfg.Server.Engine)
	str("TLS_CERT", &cfg.Server.TLSCert)
	str("TLS_KEY", &cfg.Server.TLSKey)

	if v := os.Getenv(envPrefix + "CREDIT_GRANT"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%sCREDIT_GRANT: %v", envPrefix, err))
		} else {
			cfg.Adapter.CreditGrant = uint32(n)
		}
	}
	if v := os.Getenv(envPrefix + "REPLENISH_RATIO"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%sREPLENISH_RATIO: %v", envPrefix, err))
		} else {
			cfg.Adapter.ReplenishRatio = f
		}
	}
	integer("MAX_PENDING_WRITES", &cfg.Adapter.MaxPendingWrites)
	duration("WRITE_DRAIN_TIMEOUT", &cfg.Adapter.WriteDrainTimeout)
	duration("FEED_TIMEOUT", &cfg.Adapter.FeedTimeout)
	duration("IDLE_TIMEOUT", &cfg.Adapter.IdleTimeout)

	str("BROKER", &cfg.Broker.Kind)
	if v := os.Getenv(envPrefix + "DESTINATIONS"); v != "" {
		cfg.Broker.Destinations = nil
		for _, p := range strings.Split(v, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				cfg.Broker.Destinations = append(cfg.Broker.Destinations, p)
			}
		}
	}
	integer("CAPACITY", &cfg.Broker.Capacity)
	str("JOURNAL_DIR", &cfg.Broker.Journal.Dir)
	str("JOURNAL_FSYNC", &cfg.Broker.Journal.Fsync)
	str("MONGO_URI", &cfg.Broker.Mongo.URI)
	str("MONGO_DATABASE", &cfg.Broker.Mongo.Database)
	str("UPSTREAM_URL", &cfg.Broker.Upstream.URL)
	str("UPSTREAM_USER", &cfg.Broker.Upstream.User)
	str("UPSTREAM_PASS", &cfg.Broker.Upstream.Pass)
	str("UPSTREAM_FAILURE_POLICY", &cfg.Broker.Upstream.FailurePolicy)

	str("METRICS_ADDR", &cfg.Metrics.Addr)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)

	if len(errs) > 0 {
		return fmt.Errorf("environment: %s", strings.Join(errs, "; "))
	}
	return nil
}
