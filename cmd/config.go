// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v2"

	"github.com/Thermoquad/pakstat/pkg/source"
)

// stationConfig is the YAML station file
//
//	port: /dev/ttyUSB0
//	node: 1
//	security_code: 1234
//	poll_interval: 30s
//	state: /var/lib/pakstat/cr1000.cbor
//	subscriptions:
//	  - table: Hourly
//	    start: at-offset
//	    offset: 24
//	  - table: Status
//	    column: Batt_Volt
type stationConfig struct {
	Port     string `yaml:"port"`
	Baud     int    `yaml:"baud"`
	TCP      string `yaml:"tcp"`
	URL      string `yaml:"url"`
	Username string `yaml:"username"`

	Node         uint16 `yaml:"node"`
	MyNode       uint16 `yaml:"my_node"`
	SecurityCode uint16 `yaml:"security_code"`

	PollInterval   time.Duration `yaml:"poll_interval"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	TranTimeout    time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries"`

	// State is the collection state file
	State string `yaml:"state"`

	Subscriptions []subscriptionConfig `yaml:"subscriptions"`
}

// subscriptionConfig is one standing collection request
type subscriptionConfig struct {
	Table    string        `yaml:"table"`
	Column   string        `yaml:"column"`
	Start    string        `yaml:"start"`
	Backfill time.Duration `yaml:"backfill"`
	Record   uint32        `yaml:"record"`
	Offset   uint32        `yaml:"offset"`
	Begin    string        `yaml:"begin"`
	End      string        `yaml:"end"`
}

func loadStationConfig(path string) (*stationConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read station file: %w", err)
	}
	var c stationConfig
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return nil, fmt.Errorf("unable to parse station file %s: %w", path, err)
	}
	for i, sub := range c.Subscriptions {
		if _, err := sub.request(); err != nil {
			return nil, fmt.Errorf("subscription %d: %w", i+1, err)
		}
	}
	return &c, nil
}

// applyFlags fills the connection globals. A flag given on the command line
// wins; otherwise the station file value is used when present.
func (c *stationConfig) applyFlags(fs *pflag.FlagSet) {
	pickString(fs, "port", &portName, c.Port)
	pickString(fs, "tcp", &tcpAddr, c.TCP)
	pickString(fs, "url", &wsURL, c.URL)
	pickString(fs, "username", &wsUsername, c.Username)
	if !fs.Changed("baud") && c.Baud != 0 {
		baudRate = c.Baud
	}
	pickUint16(fs, "node", &neighborAddr, c.Node)
	pickUint16(fs, "my-node", &myAddr, c.MyNode)
	pickUint16(fs, "security-code", &securityCode, c.SecurityCode)
}

func pickString(fs *pflag.FlagSet, name string, dst *string, fromFile string) {
	if !fs.Changed(name) && fromFile != "" {
		*dst = fromFile
	}
}

func pickUint16(fs *pflag.FlagSet, name string, dst *uint16, fromFile uint16) {
	if !fs.Changed(name) && fromFile != 0 {
		*dst = fromFile
	}
}

// sourceConfig returns the engine settings for this station
func (c *stationConfig) sourceConfig() source.Config {
	return source.Config{
		Address:        myAddr,
		Neighbor:       neighborAddr,
		SecurityCode:   securityCode,
		PollInterval:   c.PollInterval,
		RetryInterval:  c.RetryInterval,
		ReconnectDelay: c.ReconnectDelay,
		TranTimeout:    c.TranTimeout,
		MaxRetries:     c.MaxRetries,
	}
}

var startPolicies = map[string]source.StartPolicy{
	"":                   source.StartNewest,
	"newest":             source.StartNewest,
	"relative-to-newest": source.StartRelativeToNewest,
	"at-record":          source.StartAtRecord,
	"at-offset":          source.StartAtOffset,
	"date-range":         source.StartDateRange,
}

func parseStartPolicy(name string) (source.StartPolicy, error) {
	p, ok := startPolicies[name]
	if !ok {
		return 0, fmt.Errorf("unknown start policy %q", name)
	}
	return p, nil
}

// parseTime accepts RFC 3339 or the datalogger's "2006-01-02 15:04:05" form
// in local time. Empty input is the zero time.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q", s)
}

// request builds the subscription. The sink is set by the caller.
func (s subscriptionConfig) request() (*source.Request, error) {
	if s.Table == "" {
		return nil, fmt.Errorf("table name is required")
	}
	policy, err := parseStartPolicy(s.Start)
	if err != nil {
		return nil, err
	}
	begin, err := parseTime(s.Begin)
	if err != nil {
		return nil, err
	}
	end, err := parseTime(s.End)
	if err != nil {
		return nil, err
	}
	if policy == source.StartDateRange && begin.IsZero() {
		return nil, fmt.Errorf("date-range needs a begin time")
	}
	return &source.Request{
		Table:    s.Table,
		Column:   s.Column,
		Start:    policy,
		Backfill: s.Backfill,
		Record:   s.Record,
		Offset:   s.Offset,
		Begin:    begin,
		End:      end,
	}, nil
}
