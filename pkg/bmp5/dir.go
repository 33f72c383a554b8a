// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bmp5

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// DirVersion is the directory listing format written by current operating systems
const DirVersion = 1

// File attributes reported in a directory listing
const (
	AttrRunning     = 1
	AttrRunPowerUp  = 2
	AttrReadOnly    = 3
	AttrHidden      = 4
	AttrPaused      = 5
	maxDirAttribute = 12
)

// lastUpdateLayout is the format of a directory entry's last update time
const lastUpdateLayout = "2006-01-02 15:04:05"

// DirEntry is one file in the datalogger directory
type DirEntry struct {
	Name       string
	Size       uint32
	LastUpdate string
	Attributes []byte
}

// Has reports whether the entry carries attribute a
func (e *DirEntry) Has(a byte) bool {
	for _, v := range e.Attributes {
		if v == a {
			return true
		}
	}
	return false
}

// Modified parses the last update time. Entries without a valid time
// return the zero time.
func (e *DirEntry) Modified() time.Time {
	t, err := time.Parse(lastUpdateLayout, strings.TrimSpace(e.LastUpdate))
	if err != nil {
		return time.Time{}
	}
	return t
}

// Match reports whether the base name of the entry matches a glob pattern.
// A pattern may name a device ("CPU:*.dat").
func (e *DirEntry) Match(pattern string) bool {
	name, pat := e.Name, pattern
	if i := strings.IndexByte(pat, ':'); i >= 0 {
		if !strings.EqualFold(deviceOf(name), pat[:i]) {
			return false
		}
		pat = pat[i+1:]
	}
	if i := strings.IndexByte(name, ':'); i >= 0 {
		name = name[i+1:]
	}
	ok, err := path.Match(strings.ToLower(pat), strings.ToLower(name))
	return err == nil && ok
}

func deviceOf(name string) string {
	if i := strings.IndexByte(name, ':'); i >= 0 {
		return name[:i]
	}
	return ""
}

// ParseDir decodes a directory listing read from the .DIR pseudo file
func ParseDir(data []byte) ([]DirEntry, error) {
	r := NewReader(data)
	version := r.Byte()
	if r.Err() != nil {
		return nil, r.Err()
	}
	if version != DirVersion {
		return nil, fmt.Errorf("%w: directory version %d", ErrUnsupportedVersion, version)
	}
	var entries []DirEntry
	for r.Remaining() > 0 {
		name := r.ASCIIZ()
		if name == "" {
			break
		}
		e := DirEntry{Name: name, Size: r.Uint32(), LastUpdate: r.ASCIIZ()}
		for i := 0; i <= maxDirAttribute; i++ {
			a := r.Byte()
			if a == 0 {
				break
			}
			e.Attributes = append(e.Attributes, a)
		}
		if r.Err() != nil {
			return nil, fmt.Errorf("entry %q: %w", name, r.Err())
		}
		entries = append(entries, e)
	}
	return entries, r.Err()
}

// MarshalDir encodes a directory listing
func MarshalDir(entries []DirEntry) []byte {
	w := NewWriter(64 * (len(entries) + 1))
	w.Byte(DirVersion)
	for _, e := range entries {
		w.ASCIIZ(e.Name).Uint32(e.Size).ASCIIZ(e.LastUpdate).Write(e.Attributes).Byte(0)
	}
	return w.Byte(0).Bytes()
}

// FormatLastUpdate formats t the way a directory entry stores it
func FormatLastUpdate(t time.Time) string {
	return t.Format(lastUpdateLayout)
}
