// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package source

import (
	"fmt"
	"time"

	"github.com/Thermoquad/pakstat/pkg/bmp5"
)

// StartPolicy decides where a new subscription begins collecting
type StartPolicy int

// Start policies
const (
	// StartNewest delivers only the newest record on each poll
	StartNewest StartPolicy = iota
	// StartRelativeToNewest backfills Backfill worth of records before the newest
	StartRelativeToNewest
	// StartAtRecord begins at record number Record
	StartAtRecord
	// StartAtOffset begins Offset records before the newest
	StartAtOffset
	// StartDateRange collects records stamped between Begin and End.
	// A zero End keeps collecting new records as they arrive.
	StartDateRange
)

func (p StartPolicy) String() string {
	switch p {
	case StartNewest:
		return "newest"
	case StartRelativeToNewest:
		return "relative-to-newest"
	case StartAtRecord:
		return "at-record"
	case StartAtOffset:
		return "at-offset"
	case StartDateRange:
		return "date-range"
	}
	return fmt.Sprintf("policy%d", int(p))
}

// Sink receives the results of a subscription. Methods are called on the
// source's loop. Records are owned by the source and are only valid for the
// duration of the call; use Record.Clone to keep one.
type Sink interface {
	// OnRecords delivers records not delivered before. more is true when
	// further records are expected in the same poll.
	OnRecords(req *Request, records []*bmp5.Record, more bool)
	// OnFailure reports that the subscription stopped. Errored
	// subscriptions are retried automatically.
	OnFailure(req *Request, f Failure)
}

type requestState int

const (
	requestPending requestState = iota
	requestActive
	requestErrored
	requestSatisfied
	requestRemoved
)

// Request is a standing subscription to one table
type Request struct {
	Table string
	// Column selects one field or element, such as "Batt" or "Temp(2)".
	// Empty selects every field.
	Column string

	Start    StartPolicy
	Backfill time.Duration
	Record   uint32
	Offset   uint32
	Begin    time.Time
	End      time.Time

	Sink Sink

	state  requestState
	op     *opDataRequest
	values []int
}

// ValueIndexes returns the positions, within each delivered record, of the
// values this request selected
func (r *Request) ValueIndexes() []int {
	return r.values
}

// Satisfied reports whether a bounded date range has been fully delivered
func (r *Request) Satisfied() bool {
	return r.state == requestSatisfied
}

func (r *Request) String() string {
	col := r.Column
	if col == "" {
		col = "*"
	}
	return r.Table + "." + col
}

// CompatibleFunc reports whether req can share the collection started for first
type CompatibleFunc func(first, req *Request) bool

// DefaultCompatible accepts requests with the same table and start policy
func DefaultCompatible(first, req *Request) bool {
	return first.Table == req.Table &&
		first.Start == req.Start &&
		first.Backfill == req.Backfill &&
		first.Record == req.Record &&
		first.Offset == req.Offset &&
		first.Begin.Equal(req.Begin) &&
		first.End.Equal(req.End)
}
