// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package bmp5 implements the BMP5 application protocol carried over PakBus.
//
// It covers the command and response bodies used to collect table data and
// to manage a datalogger (clock, programming statistics, set values, file
// transfer, file control, terminal, and access level), the binary table
// definition file (TDF) that describes every table and field, and the record
// layout used to decode collected data into typed values.
//
// All multi-byte integers are big-endian unless a data type says otherwise.
package bmp5

import "github.com/Thermoquad/pakstat/pkg/pakbus"

// Command message types
const (
	MsgCollectData  = 0x09
	MsgTerminal     = 0x0B
	MsgAccessLevel  = 0x0C
	MsgClock        = 0x17
	MsgProgStats    = 0x18
	MsgSetValues    = 0x1B
	MsgFileDownload = 0x1C // send a file to the datalogger
	MsgFileUpload   = 0x1D // receive a file from the datalogger
	MsgFileControl  = 0x1E
)

// Response message types
const (
	MsgCollectDataResp  = 0x89
	MsgTerminalResp     = 0x8B
	MsgAccessLevelResp  = 0x8C
	MsgClockResp        = 0x97
	MsgProgStatsResp    = 0x98
	MsgSetValuesResp    = 0x9B
	MsgFileDownloadResp = 0x9C
	MsgFileUploadResp   = 0x9D
	MsgFileControlResp  = 0x9E
)

// ResponseType returns the message type a datalogger answers cmd with
func ResponseType(cmd uint8) uint8 {
	return cmd | 0x80
}

// MsgPleaseWait is sent by a datalogger that needs more time to respond
const MsgPleaseWait = pakbus.MsgPleaseWait

// Response codes shared by most commands
const (
	RespComplete         = 0
	RespPermissionDenied = 1
)

// Collect data response codes
const (
	CollectOK             = 0
	CollectPermission     = 1
	CollectNoResources    = 2
	CollectInvalidTableDf = 7
)

// Set values response codes
const (
	SetValueOK            = 0
	SetValuePermission    = 1
	SetValueInvalidName   = 16
	SetValueUnsupported   = 17
	SetValueOutOfBounds   = 18
	SetValueReadOnlyField = 19
)

// File transfer response codes
const (
	FileOK             = 0
	FilePermission     = 1
	FileStorageFull    = 2
	FileInvalidName    = 3
	FileBusy           = 4
	FileInvalidOffset  = 9
	FileNameTooLong    = 13
	FileNotAccessible  = 14
	FileOutOfSequence  = 15
	FileTransferFailed = 16
)

// File control commands
const (
	FileCmdCompileRun       = 1
	FileCmdRunOnPowerUp     = 2
	FileCmdHide             = 3
	FileCmdDelete           = 4
	FileCmdFormat           = 5
	FileCmdCompileNoKeep    = 6
	FileCmdStop             = 7
	FileCmdStopDelete       = 8
	FileCmdMakeOS           = 9
	FileCmdCompileNoPowerUp = 10
	FileCmdPause            = 11
	FileCmdResume           = 12
	FileCmdStopDeleteRun    = 13
	FileCmdStopDeleteRunAll = 14
	FileCmdRename           = 19
)

// Pseudo files served by every datalogger
const (
	TableDefsFile = ".TDF"
	DirectoryFile = ".DIR"
)

// SwathOverhead is the header allowance subtracted from the link's maximum
// body length when sizing a file transfer fragment
const SwathOverhead = 24

// MaxFieldList is the largest number of field numbers sent in one collect command
const MaxFieldList = 64

func init() {
	names := map[uint8]string{
		MsgCollectData:      "COLLECT_DATA",
		MsgCollectDataResp:  "COLLECT_DATA_RESPONSE",
		MsgTerminal:         "TERMINAL",
		MsgTerminalResp:     "TERMINAL_RESPONSE",
		MsgAccessLevel:      "ACCESS_LEVEL",
		MsgAccessLevelResp:  "ACCESS_LEVEL_RESPONSE",
		MsgClock:            "CLOCK",
		MsgClockResp:        "CLOCK_RESPONSE",
		MsgProgStats:        "PROGRAM_STATS",
		MsgProgStatsResp:    "PROGRAM_STATS_RESPONSE",
		MsgSetValues:        "SET_VALUES",
		MsgSetValuesResp:    "SET_VALUES_RESPONSE",
		MsgFileDownload:     "FILE_DOWNLOAD",
		MsgFileDownloadResp: "FILE_DOWNLOAD_RESPONSE",
		MsgFileUpload:       "FILE_UPLOAD",
		MsgFileUploadResp:   "FILE_UPLOAD_RESPONSE",
		MsgFileControl:      "FILE_CONTROL",
		MsgFileControlResp:  "FILE_CONTROL_RESPONSE",
	}
	for t, name := range names {
		pakbus.RegisterMessageName(t, name)
	}
}
