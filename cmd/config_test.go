// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/pakstat/pkg/source"
)

const stationYAML = `
tcp: logger.example:6785
node: 7
security_code: 1234
poll_interval: 30s
timeout: 5s
state: /tmp/station.cbor
subscriptions:
  - table: Hourly
    start: at-offset
    offset: 24
  - table: Status
    column: Batt_Volt
  - table: Daily
    start: date-range
    begin: "2024-05-01"
    end: "2024-05-08T00:00:00Z"
`

func writeStation(t *testing.T, text string) string {
	path := filepath.Join(t.TempDir(), "station.yaml")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
	return path
}

func TestLoadStationConfig(t *testing.T) {
	c, err := loadStationConfig(writeStation(t, stationYAML))
	require.NoError(t, err)

	require.Equal(t, "logger.example:6785", c.TCP)
	require.Equal(t, uint16(7), c.Node)
	require.Equal(t, 30*time.Second, c.PollInterval)
	require.Equal(t, 5*time.Second, c.TranTimeout)
	require.Len(t, c.Subscriptions, 3)

	hourly, err := c.Subscriptions[0].request()
	require.NoError(t, err)
	require.Equal(t, source.StartAtOffset, hourly.Start)
	require.Equal(t, uint32(24), hourly.Offset)

	status, err := c.Subscriptions[1].request()
	require.NoError(t, err)
	require.Equal(t, source.StartNewest, status.Start)
	require.Equal(t, "Batt_Volt", status.Column)

	daily, err := c.Subscriptions[2].request()
	require.NoError(t, err)
	require.Equal(t, source.StartDateRange, daily.Start)
	require.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.Local), daily.Begin)
	require.True(t, daily.End.Equal(time.Date(2024, 5, 8, 0, 0, 0, 0, time.UTC)))
}

func TestLoadStationConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "nodes: 3\n"},
		{"bad policy", "subscriptions:\n  - table: A\n    start: oldest\n"},
		{"missing table", "subscriptions:\n  - column: X\n"},
		{"date range without begin", "subscriptions:\n  - table: A\n    start: date-range\n"},
		{"bad time", "subscriptions:\n  - table: A\n    start: date-range\n    begin: yesterday\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadStationConfig(writeStation(t, tt.yaml))
			require.Error(t, err)
		})
	}

	_, err := loadStationConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestStationConfig_FlagsOverrideFile(t *testing.T) {
	defer func(port, tcp string, node, code uint16) {
		portName, tcpAddr, neighborAddr, securityCode = port, tcp, node, code
	}(portName, tcpAddr, neighborAddr, securityCode)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.StringVar(&portName, "port", "", "")
	fs.StringVar(&tcpAddr, "tcp", "", "")
	fs.StringVar(&wsURL, "url", "", "")
	fs.StringVar(&wsUsername, "username", "", "")
	fs.IntVar(&baudRate, "baud", 115200, "")
	fs.Uint16Var(&neighborAddr, "node", 1, "")
	fs.Uint16Var(&myAddr, "my-node", 4094, "")
	fs.Uint16Var(&securityCode, "security-code", 0, "")
	require.NoError(t, fs.Parse([]string{"--node", "9"}))

	c := &stationConfig{TCP: "10.0.0.2:6785", Node: 7, SecurityCode: 1234}
	c.applyFlags(fs)

	require.Equal(t, "10.0.0.2:6785", tcpAddr)
	require.Equal(t, uint16(9), neighborAddr, "flag wins over file")
	require.Equal(t, uint16(1234), securityCode)
	require.Equal(t, uint16(4094), myAddr)

	cfg := c.sourceConfig()
	require.Equal(t, uint16(9), cfg.Neighbor)
	require.Equal(t, uint16(1234), cfg.SecurityCode)
}

func TestParseTime(t *testing.T) {
	zero, err := parseTime("")
	require.NoError(t, err)
	require.True(t, zero.IsZero())

	got, err := parseTime("2024-05-01 10:30:00")
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 5, 1, 10, 30, 0, 0, time.Local), got)

	got, err = parseTime("2024-05-01T10:30:00+02:00")
	require.NoError(t, err)
	require.True(t, got.Equal(time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)))

	_, err = parseTime("05/01/2024")
	require.Error(t, err)
}

func TestLocalName(t *testing.T) {
	require.Equal(t, "prog.cr1x", localName("CPU:prog.cr1x"))
	require.Equal(t, "a.dat", localName("CRD:logs/a.dat"))
	require.Equal(t, "plain.txt", localName("plain.txt"))
}
