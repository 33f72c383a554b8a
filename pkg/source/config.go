// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package source

import (
	"time"

	"github.com/Thermoquad/pakstat/pkg/pakbus"
)

// Defaults
const (
	DefaultNeighbor       = 1
	DefaultPollInterval   = 10 * time.Second
	DefaultRetryInterval  = 30 * time.Second
	DefaultReconnectDelay = 30 * time.Second
	DefaultTranTimeout    = 10 * time.Second
	DefaultMaxRetries     = 3

	// terminalPollInterval is how often an idle terminal asks for output
	terminalPollInterval = time.Second
	// recordPoolSize bounds the idle records kept by each data request
	recordPoolSize = 64
)

// Config holds source settings
type Config struct {
	// Address is this node's PakBus address
	Address uint16
	// Neighbor is the datalogger's PakBus address
	Neighbor     uint16
	SecurityCode uint16

	// PollInterval is the time between collection ticks
	PollInterval time.Duration
	// RetryInterval is the delay before errored subscriptions are retried
	RetryInterval time.Duration
	// ReconnectDelay is the delay before a failed connection is attempted again
	ReconnectDelay time.Duration
	// TranTimeout is the response timeout for each command
	TranTimeout time.Duration
	// MaxRetries bounds the retries of a failed collection command
	MaxRetries int

	// Compatible decides whether two subscriptions may share one collection.
	// Nil selects DefaultCompatible.
	Compatible CompatibleFunc
	// Store persists collection progress across runs. Nil disables it.
	Store StateStore
}

func (c Config) withDefaults() Config {
	if c.Address == 0 {
		c.Address = pakbus.DefaultAddress
	}
	if c.Neighbor == 0 {
		c.Neighbor = DefaultNeighbor
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.TranTimeout <= 0 {
		c.TranTimeout = DefaultTranTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.Compatible == nil {
		c.Compatible = DefaultCompatible
	}
	return c
}
