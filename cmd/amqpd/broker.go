package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ericogr/amqp-plug/pkg/amqp"
	"github.com/ericogr/amqp-plug/pkg/amqp/upstream"
	"github.com/ericogr/amqp-plug/pkg/broker/journal"
	"github.com/ericogr/amqp-plug/pkg/broker/memory"
	"github.com/ericogr/amqp-plug/pkg/broker/mongostore"
	"github.com/ericogr/amqp-plug/pkg/config"
)

// openBroker builds the configured broker, declares the configured
// destinations and returns a function releasing it.
func openBroker(ctx context.Context, cfg config.BrokerConfig) (amqp.Broker, func(), error) {
	switch cfg.Kind {
	case "memory":
		b := memory.New(cfg.Capacity)
		for _, d := range cfg.Destinations {
			if err := b.Declare(d); err != nil {
				return nil, nil, err
			}
		}
		return b, func() {}, nil

	case "journal":
		mode, err := journal.ParseFsyncMode(cfg.Journal.Fsync)
		if err != nil {
			return nil, nil, err
		}
		b, err := journal.Open(journal.Options{
			DataDir:       cfg.Journal.Dir,
			Fsync:         mode,
			FsyncInterval: cfg.Journal.FsyncInterval.Duration,
		})
		if err != nil {
			return nil, nil, err
		}
		for _, d := range cfg.Destinations {
			if err := b.Declare(d); err != nil {
				b.Close()
				return nil, nil, err
			}
		}
		return b, func() { b.Close() }, nil

	case "mongo":
		cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		b, err := mongostore.Connect(cctx, mongostore.Options{
			URI:              cfg.Mongo.URI,
			Database:         cfg.Mongo.Database,
			AppName:          "amqpd",
			OperationTimeout: cfg.Mongo.OperationTimeout.Duration,
		})
		if err != nil {
			return nil, nil, err
		}
		closer := func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			b.Close(dctx)
		}
		for _, d := range cfg.Destinations {
			if err := b.Declare(cctx, d); err != nil {
				closer()
				return nil, nil, err
			}
		}
		return b, closer, nil

	case "upstream":
		policy, err := failurePolicy(cfg.Upstream.FailurePolicy)
		if err != nil {
			return nil, nil, err
		}
		// destinations are the upstream broker's queues and are not declared here
		b := upstream.NewBroker(upstream.Config{
			URL:            cfg.Upstream.URL,
			TLS:            cfg.Upstream.TLS,
			DefaultUser:    cfg.Upstream.User,
			DefaultPass:    cfg.Upstream.Pass,
			FailurePolicy:  policy,
			ReconnectDelay: cfg.Upstream.ReconnectDelay.Duration,
		})
		return b, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown broker kind %q", cfg.Kind)
}

func failurePolicy(s string) (upstream.FailurePolicy, error) {
	switch s {
	case "", "close":
		return upstream.FailCloseSession, nil
	case "reconnect":
		return upstream.FailReconnect, nil
	case "enqueue":
		return upstream.FailEnqueue, nil
	}
	return 0, fmt.Errorf("unknown failure policy %q", s)
}
