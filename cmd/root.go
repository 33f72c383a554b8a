// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Serial connection flags
	portName string
	baudRate int

	// TCP connection flags
	tcpAddr string

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// PakBus flags
	neighborAddr uint16
	myAddr       uint16
	securityCode uint16

	verbose    bool
	configPath string

	station *stationConfig
	logger  = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "pakstat",
	Short: "PakBus Datalogger Collection Tool",
	Long: `Pakstat - A CLI tool for collecting data from PakBus dataloggers.

Reads table definitions, collects records, sets values, transfers files, and
manages the clock of a datalogger speaking BMP5 over a PakBus link.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 115200]
  TCP:       --tcp host:6785
  WebSocket: --url ws://host/path [--username user]

Station settings (addresses, security code, intervals, subscriptions) can be
kept in a YAML file passed with --config. Flags override the file.

For WebSocket authentication, the password is read from the PAKSTAT_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version:           "1.0.0",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 115200, "Baud rate (serial only)")

	// TCP connection flags
	rootCmd.PersistentFlags().StringVar(&tcpAddr, "tcp", "", "TCP address of the datalogger (host:port)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	// PakBus flags
	rootCmd.PersistentFlags().Uint16Var(&neighborAddr, "node", 1, "PakBus address of the datalogger")
	rootCmd.PersistentFlags().Uint16Var(&myAddr, "my-node", 4094, "PakBus address of this computer")
	rootCmd.PersistentFlags().Uint16Var(&securityCode, "security-code", 0, "Datalogger security code")

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log protocol activity")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML station file")
}

// setup builds the logger and merges the station file under the flags
func setup(cmd *cobra.Command, args []string) error {
	l, err := newLogger(verbose)
	if err != nil {
		return err
	}
	logger = l

	station = &stationConfig{}
	if configPath != "" {
		station, err = loadStationConfig(configPath)
		if err != nil {
			return err
		}
	}
	station.applyFlags(cmd.Flags())
	return nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
