// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Pakstat - PakBus Datalogger Collection Tool
//
// A CLI tool for reading table definitions, collecting records, and managing
// files and settings on dataloggers that speak BMP5 over PakBus.

package main

import (
	"os"

	"github.com/Thermoquad/pakstat/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
