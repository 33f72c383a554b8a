// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package ranges provides an interval set over unsigned 32-bit integers.
//
// The set is kept as a sorted slice of inclusive ranges. Ranges never overlap
// and are never adjacent: any two ranges that touch are merged on insert.
// It is used to track which record numbers have been collected from a table
// and which are still to be requested.
package ranges

import (
	"fmt"
	"sort"
	"strings"
)

// Range is an inclusive range of values [Begin, End]
type Range struct {
	Begin uint32
	End   uint32
}

// Size returns the number of values in the range
func (r Range) Size() uint64 {
	return uint64(r.End) - uint64(r.Begin) + 1
}

// Contains reports whether v lies within the range
func (r Range) Contains(v uint32) bool {
	return v >= r.Begin && v <= r.End
}

func (r Range) String() string {
	if r.Begin == r.End {
		return fmt.Sprintf("%d", r.Begin)
	}
	return fmt.Sprintf("%d-%d", r.Begin, r.End)
}

// RangeList is a merged, non-overlapping set of ranges.
// The zero value is an empty set ready for use.
type RangeList struct {
	ranges []Range
}

// New creates a set holding the given ranges
func New(rs ...Range) *RangeList {
	l := &RangeList{}
	for _, r := range rs {
		l.AddRange(r.Begin, r.End)
	}
	return l
}

// Single creates a set holding the inclusive range [begin, end]
func Single(begin, end uint32) *RangeList {
	l := &RangeList{}
	l.AddRange(begin, end)
	return l
}

// Clone returns an independent copy of the set
func (l *RangeList) Clone() *RangeList {
	c := &RangeList{ranges: make([]Range, len(l.ranges))}
	copy(c.ranges, l.ranges)
	return c
}

// Ranges returns a copy of the stored ranges in ascending order
func (l *RangeList) Ranges() []Range {
	out := make([]Range, len(l.ranges))
	copy(out, l.ranges)
	return out
}

// Len returns the number of disjoint ranges
func (l *RangeList) Len() int {
	return len(l.ranges)
}

// Empty reports whether the set holds no values
func (l *RangeList) Empty() bool {
	return len(l.ranges) == 0
}

// Clear removes every value
func (l *RangeList) Clear() {
	l.ranges = l.ranges[:0]
}

// SetSize returns the number of values held
func (l *RangeList) SetSize() uint64 {
	var n uint64
	for _, r := range l.ranges {
		n += r.Size()
	}
	return n
}

// Min returns the smallest value, or false if the set is empty
func (l *RangeList) Min() (uint32, bool) {
	if len(l.ranges) == 0 {
		return 0, false
	}
	return l.ranges[0].Begin, true
}

// Max returns the largest value, or false if the set is empty
func (l *RangeList) Max() (uint32, bool) {
	if len(l.ranges) == 0 {
		return 0, false
	}
	return l.ranges[len(l.ranges)-1].End, true
}

// Front returns the lowest range, or false if the set is empty
func (l *RangeList) Front() (Range, bool) {
	if len(l.ranges) == 0 {
		return Range{}, false
	}
	return l.ranges[0], true
}

// IsElement reports whether v lies in some stored range
func (l *RangeList) IsElement(v uint32) bool {
	i := sort.Search(len(l.ranges), func(i int) bool { return l.ranges[i].End >= v })
	return i < len(l.ranges) && l.ranges[i].Begin <= v
}

// Add inserts a single value
func (l *RangeList) Add(v uint32) {
	l.AddRange(v, v)
}

// AddRange inserts the inclusive range [begin, end], merging with any range
// it overlaps or touches. The bounds may be given in either order.
func (l *RangeList) AddRange(begin, end uint32) {
	if begin > end {
		begin, end = end, begin
	}

	// First range that could merge: its End+1 >= begin
	lo := sort.Search(len(l.ranges), func(i int) bool {
		return uint64(l.ranges[i].End)+1 >= uint64(begin)
	})
	// One past the last range that could merge: its Begin <= end+1
	hi := lo
	for hi < len(l.ranges) && uint64(l.ranges[hi].Begin) <= uint64(end)+1 {
		hi++
	}

	merged := Range{Begin: begin, End: end}
	if lo < hi {
		if l.ranges[lo].Begin < merged.Begin {
			merged.Begin = l.ranges[lo].Begin
		}
		if l.ranges[hi-1].End > merged.End {
			merged.End = l.ranges[hi-1].End
		}
	}

	out := make([]Range, 0, len(l.ranges)-(hi-lo)+1)
	out = append(out, l.ranges[:lo]...)
	out = append(out, merged)
	out = append(out, l.ranges[hi:]...)
	l.ranges = out
}

// Remove deletes a single value
func (l *RangeList) Remove(v uint32) {
	l.RemoveRange(v, v)
}

// RemoveRange deletes every value in the inclusive range [begin, end]
func (l *RangeList) RemoveRange(begin, end uint32) {
	if begin > end {
		begin, end = end, begin
	}
	out := make([]Range, 0, len(l.ranges)+1)
	for _, r := range l.ranges {
		if r.End < begin || r.Begin > end {
			out = append(out, r)
			continue
		}
		if r.Begin < begin {
			out = append(out, Range{Begin: r.Begin, End: begin - 1})
		}
		if r.End > end {
			out = append(out, Range{Begin: end + 1, End: r.End})
		}
	}
	l.ranges = out
}

// RemoveBelow deletes every value smaller than v
func (l *RangeList) RemoveBelow(v uint32) {
	if v == 0 {
		return
	}
	l.RemoveRange(0, v-1)
}

// Union adds every value of other to the set
func (l *RangeList) Union(other *RangeList) {
	for _, r := range other.ranges {
		l.AddRange(r.Begin, r.End)
	}
}

// Difference returns a new set holding the values of l that are not in other
func (l *RangeList) Difference(other *RangeList) *RangeList {
	out := l.Clone()
	for _, r := range other.ranges {
		out.RemoveRange(r.Begin, r.End)
	}
	return out
}

// Intersect returns a new set holding the values of l inside [begin, end]
func (l *RangeList) Intersect(begin, end uint32) *RangeList {
	if begin > end {
		begin, end = end, begin
	}
	out := &RangeList{}
	for _, r := range l.ranges {
		if r.End < begin || r.Begin > end {
			continue
		}
		b, e := r.Begin, r.End
		if b < begin {
			b = begin
		}
		if e > end {
			e = end
		}
		out.ranges = append(out.ranges, Range{Begin: b, End: e})
	}
	return out
}

// Equal reports whether both sets hold the same values
func (l *RangeList) Equal(other *RangeList) bool {
	if len(l.ranges) != len(other.ranges) {
		return false
	}
	for i := range l.ranges {
		if l.ranges[i] != other.ranges[i] {
			return false
		}
	}
	return true
}

func (l *RangeList) String() string {
	parts := make([]string, len(l.ranges))
	for i, r := range l.ranges {
		parts[i] = r.String()
	}
	return "[" + strings.Join(parts, ",") + "]"
}
