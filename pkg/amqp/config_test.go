package amqp

import (
	"errors"
	"fmt"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cases := map[string]func(*Config){
		"zero grant":       func(c *Config) { c.CreditGrant = 0 },
		"zero ratio":       func(c *Config) { c.ReplenishRatio = 0 },
		"ratio above one":  func(c *Config) { c.ReplenishRatio = 1.5 },
		"negative pending": func(c *Config) { c.MaxPendingWrites = -1 },
		"no drain timeout": func(c *Config) { c.WriteDrainTimeout = 0 },
		"no feed timeout":  func(c *Config) { c.FeedTimeout = 0 },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestReplenishThreshold(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.replenishThreshold(); got != 250 {
		t.Fatalf("threshold %d want 250", got)
	}
	cfg.CreditGrant = 1
	if got := cfg.replenishThreshold(); got != 1 {
		t.Fatalf("threshold %d want 1", got)
	}
}

func TestConditionFor(t *testing.T) {
	err := withCondition(CondNotFound, fmt.Errorf("%w: q", ErrAddressDoesNotExist))
	c := conditionFor(fmt.Errorf("attach: %w", err), CondIllegalState)
	if c.Name != CondNotFound || c.Description != "address does not exist: q" {
		t.Fatalf("condition %v", c)
	}
	if !errors.Is(err, ErrAddressDoesNotExist) {
		t.Fatalf("condition error does not unwrap")
	}
	c = conditionFor(errors.New("boom"), CondInternalError)
	if c.Name != CondInternalError || c.Description != "boom" {
		t.Fatalf("default condition %v", c)
	}
}

func TestGuardRecoversPanic(t *testing.T) {
	err := guard(EventLinkFlow, func() error { panic("bad flow") })
	if err == nil {
		t.Fatalf("panic not converted to error")
	}
}
