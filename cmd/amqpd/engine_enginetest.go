//go:build enginetest

package main

// Building with -tags enginetest registers the scripted engine so the
// server can be run without a real protocol engine.
import _ "github.com/ericogr/amqp-plug/pkg/amqp/enginetest"
