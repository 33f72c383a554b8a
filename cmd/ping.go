// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/pakstat/pkg/pakbus"
)

var (
	pingTimeout int
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Test the link by ringing the datalogger",
	Long: `Send a PakBus ring to the datalogger and wait for it to answer.

Bytes that do not form a valid frame are ignored. Any valid frame from the
datalogger's address counts as an answer; the ring is repeated every two
seconds until the timeout.

Exit codes:
  0 - Datalogger answered before timeout
  1 - Timeout reached without an answer
  2 - Connection error

Useful for checking cabling, baud rate, and PakBus addresses.`,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().IntVar(&pingTimeout, "timeout", 10, "Timeout in seconds to wait for an answer")
}

func runPing(cmd *cobra.Command, args []string) error {
	// Open connection (serial, TCP, or WebSocket)
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Pakstat - Ping\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n", pingTimeout)
	fmt.Printf("Ringing node %d from %d...\n\n", neighborAddr, myAddr)

	ring := pakbus.MustEncodePacket(pakbus.NewControlPacket(pakbus.LinkRing, neighborAddr, myAddr))
	offline := pakbus.MustEncodePacket(pakbus.NewControlPacket(pakbus.LinkOffline, neighborAddr, myAddr))

	// Channel for packet reception
	packetChan := make(chan *pakbus.Packet, 1)
	errChan := make(chan error, 1)

	// Reader goroutine
	go func() {
		decoder := pakbus.NewDecoder()
		buf := make([]byte, 256)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				errChan <- err
				return
			}

			decoder.Write(buf[:n])
			for {
				packet, decodeErr := decoder.Next()
				if decodeErr != nil {
					// Ignore bad frames
					continue
				}
				if packet == nil {
					break
				}
				if packet.SrcPhy == neighborAddr {
					if skipped := decoder.Skipped(); skipped > 0 {
						fmt.Printf("(skipped %d invalid bytes before sync)\n", skipped)
					}
					packetChan <- packet
					return
				}
			}
		}
	}()

	start := time.Now()
	deadline := time.After(time.Duration(pingTimeout) * time.Second)
	ticker := time.NewTicker(pakbus.DefaultRingTimeout)
	defer ticker.Stop()

	if _, err := conn.Write(ring); err != nil {
		fmt.Fprintf(os.Stderr, "Write error: %v\n", err)
		os.Exit(2)
	}

	// Wait for packet or timeout
	for {
		select {
		case packet := <-packetChan:
			conn.Write(offline)
			fmt.Printf("SUCCESS: Node %d answered in %s\n", packet.SrcPhy, time.Since(start).Round(time.Millisecond))
			if packet.Control {
				fmt.Printf("  Link State: %s\n", pakbus.FormatLinkState(packet.LinkState))
			} else {
				fmt.Printf("  Message: %s %s\n", pakbus.FormatProtocol(packet.Proto), pakbus.FormatMessageType(packet.Proto, packet.MsgType))
			}
			os.Exit(0)

		case <-ticker.C:
			if _, err := conn.Write(ring); err != nil {
				fmt.Fprintf(os.Stderr, "Write error: %v\n", err)
				os.Exit(2)
			}

		case err := <-errChan:
			fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
			os.Exit(2)

		case <-deadline:
			fmt.Fprintf(os.Stderr, "TIMEOUT: No answer from node %d within %d seconds\n", neighborAddr, pingTimeout)
			os.Exit(1)
		}
	}
}
