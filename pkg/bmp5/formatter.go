// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bmp5

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// FormatTable renders a table definition and its fields
func FormatTable(t *Table) string {
	var b strings.Builder
	interval := "event driven"
	if t.FixedInterval() {
		interval = t.Interval.String()
	}
	fmt.Fprintf(&b, "Table %d: %s (size=%d, interval=%s, time=%s, sig=0x%04X)\n",
		t.Number, t.Name, t.Size, interval, t.TimeType, t.Signature)
	for _, p := range t.Pieces {
		ro := ""
		if p.ReadOnly {
			ro = " ro"
		}
		dims := ""
		if len(p.Dims) > 0 {
			parts := make([]string, len(p.Dims))
			for i, d := range p.Dims {
				parts[i] = fmt.Sprint(d)
			}
			dims = "[" + strings.Join(parts, "][") + "]"
		}
		fmt.Fprintf(&b, "  %3d %-20s %-8s%s%s", p.Number, p.Name+dims, p.Type, ro, formatUnits(p.Units))
		if p.Process != "" {
			fmt.Fprintf(&b, " %s", p.Process)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func formatUnits(u string) string {
	if u == "" {
		return ""
	}
	return " (" + u + ")"
}

// FormatValue renders a decoded value for display
func FormatValue(v any) string {
	switch val := v.(type) {
	case float64:
		if math.IsNaN(val) {
			return "NAN"
		}
		if math.IsInf(val, 0) {
			if val > 0 {
				return "INF"
			}
			return "-INF"
		}
		return fmt.Sprintf("%g", val)
	case time.Time:
		return val.Format("2006-01-02 15:04:05.000")
	case string:
		return fmt.Sprintf("%q", val)
	default:
		return fmt.Sprint(val)
	}
}

// FormatRecord renders a record on one line: number, time, then name=value pairs
func FormatRecord(r *Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s", r.Number, r.Time.Format("2006-01-02 15:04:05.000"))
	for i, vd := range r.Desc.Values {
		v, err := r.Value(i)
		if err != nil {
			fmt.Fprintf(&b, " %s=<%v>", vd.Name, err)
			continue
		}
		fmt.Fprintf(&b, " %s=%s", vd.Name, FormatValue(v))
	}
	return b.String()
}

// FormatProgStats renders programming statistics
func FormatProgStats(s *ProgStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "OS Version:      %s (sig 0x%04X)\n", s.OSVersion, s.OSSignature)
	fmt.Fprintf(&b, "Serial Number:   %s\n", s.SerialNumber)
	if s.Model != "" {
		fmt.Fprintf(&b, "Model:           %s\n", s.Model)
	}
	if s.StationName != "" {
		fmt.Fprintf(&b, "Station:         %s\n", s.StationName)
	}
	fmt.Fprintf(&b, "Program:         %s (sig 0x%04X, %s)\n", s.ProgramName, s.ProgramSig, CompileStateName(s.CompileState))
	fmt.Fprintf(&b, "Power-up:        %s\n", s.PowerUpProgram)
	fmt.Fprintf(&b, "Compiled:        %s\n", s.CompileTime.Time().Format(time.RFC3339))
	if s.CompileResult != "" {
		fmt.Fprintf(&b, "Compile Result:  %s\n", s.CompileResult)
	}
	return b.String()
}

var attributeNames = map[byte]string{
	AttrRunning:    "running",
	AttrRunPowerUp: "run-on-power-up",
	AttrReadOnly:   "read-only",
	AttrHidden:     "hidden",
	AttrPaused:     "paused",
}

// FormatDirEntry renders one directory entry
func FormatDirEntry(e *DirEntry) string {
	var attrs []string
	for _, a := range e.Attributes {
		if name, ok := attributeNames[a]; ok {
			attrs = append(attrs, name)
		} else {
			attrs = append(attrs, fmt.Sprintf("attr%d", a))
		}
	}
	return fmt.Sprintf("%-28s %10d  %-19s  %s", e.Name, e.Size, e.LastUpdate, strings.Join(attrs, ","))
}
