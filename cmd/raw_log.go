// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/pakstat/pkg/pakbus"
)

var (
	errorsOnly    bool
	statsInterval int
)

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display raw PakBus frames in human-readable format",
	Long: `Continuously decode and display PakBus frames as they arrive.

Nothing is sent; use this beside another PakBus client or on a tapped line.
Each frame is shown with timestamp, link state or message type, addresses,
and a hex dump of the message body. Frames with a bad signature are reported.

With --errors-only, only frames that fail to decode are shown. A statistics
summary is printed every --stats-interval seconds (0 disables it).

Supports serial, TCP, and WebSocket connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
	rawLogCmd.Flags().BoolVar(&errorsOnly, "errors-only", false, "Show only frames that fail to decode")
	rawLogCmd.Flags().IntVar(&statsInterval, "stats-interval", 0, "Statistics summary interval (seconds)")
}

func runRawLog(cmd *cobra.Command, args []string) error {
	// Open connection (serial, TCP, or WebSocket)
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("Pakstat - Raw Frame Log\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	decoder := pakbus.NewDecoder()
	traffic := pakbus.NewTraffic(time.Now())
	lastSummary := time.Now()
	buf := make([]byte, 1024)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			// For WebSocket and TCP connections, a read error usually means
			// the connection is permanently closed - exit gracefully
			if errors.Is(err, ErrConnectionClosed) || isClosed(err) {
				fmt.Printf("Connection closed\n")
				fmt.Print(traffic.Summary(time.Now()))
				return nil
			}
			logger.Warn("read error", zap.Error(err))
			continue
		}

		decoder.Write(buf[:n])
		for {
			packet, err := decoder.Next()
			if packet == nil && err == nil {
				break
			}
			now := time.Now()
			traffic.Update(now, packet, err)
			if err != nil {
				fmt.Printf("[%s] \033[1;31mDECODE ERROR:\033[0m %v\n", now.Format("15:04:05.000"), err)
				continue
			}
			if !errorsOnly {
				fmt.Print(pakbus.FormatPacket(packet))
			}
		}

		if statsInterval > 0 && time.Since(lastSummary) >= time.Duration(statsInterval)*time.Second {
			fmt.Print(traffic.Summary(time.Now()))
			lastSummary = time.Now()
		}
	}
}
