// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package source

import (
	"errors"

	"github.com/Thermoquad/pakstat/pkg/bmp5"
	"github.com/Thermoquad/pakstat/pkg/pakbus"
)

// Source errors
var (
	ErrPermissionDenied = errors.New("source: permission denied")
	ErrNotConnected     = errors.New("source: not connected")
	ErrStopped          = errors.New("source: stopped")
)

// Failure is the reason a data subscription stopped
type Failure int

// Failure values
const (
	FailureUnknown Failure = iota
	FailureServerSecurity
	FailureConnection
	FailureInvalidTable
	FailureInvalidColumn
	FailurePacketTooLarge
)

func (f Failure) String() string {
	switch f {
	case FailureServerSecurity:
		return "server security"
	case FailureConnection:
		return "connection failed"
	case FailureInvalidTable:
		return "invalid table name"
	case FailureInvalidColumn:
		return "invalid column name"
	case FailurePacketTooLarge:
		return "packet too large"
	default:
		return "unknown"
	}
}

// failureFromCollectCode maps a collect data response code
func failureFromCollectCode(code byte) Failure {
	switch code {
	case bmp5.CollectPermission:
		return FailureServerSecurity
	case bmp5.CollectNoResources:
		return FailureConnection
	case bmp5.CollectInvalidTableDf:
		return FailureInvalidTable
	}
	return FailureUnknown
}

// Outcome is the result of a one-shot operation
type Outcome int

// Outcome values
const (
	OutcomeSuccess Outcome = iota
	OutcomeUnknown
	OutcomeLinkFailed
	OutcomePermissionDenied
	OutcomeInvalidTable
	OutcomeInvalidColumn
	OutcomeInvalidValue
	OutcomeUnsupported
	OutcomeOutOfBounds
	OutcomeReadOnly
	OutcomeInvalidFileName
	OutcomeStorageFull
	OutcomeFileBusy
	OutcomeFileNotAccessible
	OutcomeNoMatch
	OutcomeAborted
	OutcomePacketTooLarge
)

var outcomeNames = map[Outcome]string{
	OutcomeSuccess:           "success",
	OutcomeUnknown:           "unknown failure",
	OutcomeLinkFailed:        "communication failed",
	OutcomePermissionDenied:  "permission denied",
	OutcomeInvalidTable:      "invalid table name",
	OutcomeInvalidColumn:     "invalid column name",
	OutcomeInvalidValue:      "invalid value",
	OutcomeUnsupported:       "unsupported",
	OutcomeOutOfBounds:       "out of bounds",
	OutcomeReadOnly:          "read only",
	OutcomeInvalidFileName:   "invalid file name",
	OutcomeStorageFull:       "storage full",
	OutcomeFileBusy:          "file busy",
	OutcomeFileNotAccessible: "file not accessible",
	OutcomeNoMatch:           "no matching file",
	OutcomeAborted:           "aborted",
	OutcomePacketTooLarge:    "packet too large",
}

func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return "unknown failure"
}

// Err returns nil for success and an error carrying the outcome otherwise
func (o Outcome) Err() error {
	if o == OutcomeSuccess {
		return nil
	}
	return &OutcomeError{Outcome: o}
}

// OutcomeError wraps a failed outcome as an error
type OutcomeError struct {
	Outcome Outcome
}

func (e *OutcomeError) Error() string {
	return "source: " + e.Outcome.String()
}

// outcomeFromFailure maps a link failure
func outcomeFromFailure(f pakbus.Failure) Outcome {
	switch f {
	case pakbus.FailureUnsupported:
		return OutcomeUnsupported
	case pakbus.FailurePacketTooBig:
		return OutcomePacketTooLarge
	default:
		return OutcomeLinkFailed
	}
}

func outcomeFromSetValueCode(code byte) Outcome {
	switch code {
	case bmp5.SetValueOK:
		return OutcomeSuccess
	case bmp5.SetValuePermission:
		return OutcomePermissionDenied
	case bmp5.SetValueInvalidName:
		return OutcomeInvalidColumn
	case bmp5.SetValueUnsupported:
		return OutcomeUnsupported
	case bmp5.SetValueOutOfBounds:
		return OutcomeOutOfBounds
	case bmp5.SetValueReadOnlyField:
		return OutcomeReadOnly
	}
	return OutcomeUnknown
}

func outcomeFromFileCode(code byte) Outcome {
	switch code {
	case bmp5.FileOK:
		return OutcomeSuccess
	case bmp5.FilePermission:
		return OutcomePermissionDenied
	case bmp5.FileStorageFull:
		return OutcomeStorageFull
	case bmp5.FileInvalidName, bmp5.FileNameTooLong:
		return OutcomeInvalidFileName
	case bmp5.FileBusy:
		return OutcomeFileBusy
	case bmp5.FileNotAccessible:
		return OutcomeFileNotAccessible
	}
	return OutcomeUnknown
}

func outcomeFromCode(code byte) Outcome {
	switch code {
	case bmp5.RespComplete:
		return OutcomeSuccess
	case bmp5.RespPermissionDenied:
		return OutcomePermissionDenied
	}
	return OutcomeUnknown
}
