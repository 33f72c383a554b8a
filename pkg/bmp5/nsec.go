// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bmp5

import "time"

// Epoch is the zero point of every datalogger time stamp
var Epoch = time.Date(1990, time.January, 1, 0, 0, 0, 0, time.UTC)

// NSec is a datalogger time: seconds and nanoseconds since Epoch.
// It is also used for signed intervals.
type NSec struct {
	Sec  int32
	Nsec int32
}

// NSecFromTime converts t to datalogger time
func NSecFromTime(t time.Time) NSec {
	d := t.Sub(Epoch)
	return NSecFromDuration(d)
}

// NSecFromDuration converts an interval
func NSecFromDuration(d time.Duration) NSec {
	sec := d / time.Second
	nsec := d % time.Second
	if nsec < 0 {
		sec--
		nsec += time.Second
	}
	return NSec{Sec: int32(sec), Nsec: int32(nsec)}
}

// Time returns the absolute time in UTC
func (n NSec) Time() time.Time {
	return Epoch.Add(n.Duration())
}

// Duration returns the value as an interval
func (n NSec) Duration() time.Duration {
	return time.Duration(n.Sec)*time.Second + time.Duration(n.Nsec)
}

// IsZero reports whether both parts are zero
func (n NSec) IsZero() bool {
	return n.Sec == 0 && n.Nsec == 0
}
