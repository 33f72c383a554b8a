// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bmp5

import "time"

// Command and response bodies for the management messages. Each type has a
// Marshal method and a Parse function so both ends of a link can be built
// from the same definitions.

// SecurityCommand is a command that carries only the security code.
// It is used for programming statistics and access level checks.
type SecurityCommand struct {
	SecurityCode uint16
}

func (c *SecurityCommand) Marshal() []byte {
	return NewWriter(2).Uint16(c.SecurityCode).Bytes()
}

func ParseSecurityCommand(body []byte) (*SecurityCommand, error) {
	r := NewReader(body)
	c := &SecurityCommand{SecurityCode: r.Uint16()}
	return c, r.Err()
}

// ProgStats describes the datalogger operating system and running program
type ProgStats struct {
	OSVersion      string
	OSSignature    uint16
	SerialNumber   string
	PowerUpProgram string
	CompileState   byte
	ProgramName    string
	ProgramSig     uint16
	CompileTime    NSec
	CompileResult  string
	StationName    string
	Model          string
}

// Compile states
const (
	CompileNoProgram = 0
	CompileRunning   = 1
	CompileError     = 2
	CompileStopped   = 3
)

// CompileStateName returns a readable compile state
func CompileStateName(s byte) string {
	switch s {
	case CompileNoProgram:
		return "no program"
	case CompileRunning:
		return "running"
	case CompileError:
		return "compile error"
	case CompileStopped:
		return "stopped"
	}
	return "unknown"
}

// ProgStatsResponse answers a programming statistics command
type ProgStatsResponse struct {
	Code  byte
	Stats ProgStats
}

func (p *ProgStatsResponse) Marshal() []byte {
	w := NewWriter(128).Byte(p.Code)
	if p.Code != RespComplete {
		return w.Bytes()
	}
	s := &p.Stats
	w.ASCIIZ(s.OSVersion).Uint16(s.OSSignature).ASCIIZ(s.SerialNumber)
	w.ASCIIZ(s.PowerUpProgram).Byte(s.CompileState).ASCIIZ(s.ProgramName)
	w.Uint16(s.ProgramSig).NSec(s.CompileTime).ASCIIZ(s.CompileResult)
	w.ASCIIZ(s.StationName).ASCIIZ(s.Model)
	return w.Bytes()
}

// ParseProgStatsResponse decodes the response. Station name and model are
// optional and only present on newer operating systems.
func ParseProgStatsResponse(body []byte) (*ProgStatsResponse, error) {
	r := NewReader(body)
	p := &ProgStatsResponse{Code: r.Byte()}
	if p.Code != RespComplete || r.Err() != nil {
		return p, r.Err()
	}
	s := &p.Stats
	s.OSVersion = r.ASCIIZ()
	s.OSSignature = r.Uint16()
	s.SerialNumber = r.ASCIIZ()
	s.PowerUpProgram = r.ASCIIZ()
	s.CompileState = r.Byte()
	s.ProgramName = r.ASCIIZ()
	s.ProgramSig = r.Uint16()
	s.CompileTime = r.NSec()
	s.CompileResult = r.ASCIIZ()
	if r.Err() != nil {
		return nil, r.Err()
	}
	if r.Remaining() > 0 {
		s.StationName = r.ASCIIZ()
	}
	if r.Remaining() > 0 {
		s.Model = r.ASCIIZ()
	}
	return p, r.Err()
}

// FileUploadCommand reads a fragment of a file from the datalogger
type FileUploadCommand struct {
	SecurityCode uint16
	FileName     string
	Close        bool
	Offset       uint32
	Swath        uint16
}

func (c *FileUploadCommand) Marshal() []byte {
	return NewWriter(16 + len(c.FileName)).
		Uint16(c.SecurityCode).ASCIIZ(c.FileName).Byte(boolByte(c.Close)).
		Uint32(c.Offset).Uint16(c.Swath).Bytes()
}

func ParseFileUploadCommand(body []byte) (*FileUploadCommand, error) {
	r := NewReader(body)
	c := &FileUploadCommand{
		SecurityCode: r.Uint16(),
		FileName:     r.ASCIIZ(),
		Close:        r.Byte() != 0,
		Offset:       r.Uint32(),
		Swath:        r.Uint16(),
	}
	return c, r.Err()
}

// FileUploadResponse carries a fragment of the file
type FileUploadResponse struct {
	Code   byte
	Offset uint32
	Data   []byte
}

func (p *FileUploadResponse) Marshal() []byte {
	return NewWriter(8 + len(p.Data)).Byte(p.Code).Uint32(p.Offset).Write(p.Data).Bytes()
}

func ParseFileUploadResponse(body []byte) (*FileUploadResponse, error) {
	r := NewReader(body)
	p := &FileUploadResponse{Code: r.Byte()}
	if p.Code != FileOK {
		return p, r.Err()
	}
	p.Offset = r.Uint32()
	p.Data = r.Rest()
	return p, r.Err()
}

// FileDownloadCommand writes a fragment of a file to the datalogger
type FileDownloadCommand struct {
	SecurityCode uint16
	FileName     string
	Attribute    byte
	Close        bool
	Offset       uint32
	Data         []byte
}

func (c *FileDownloadCommand) Marshal() []byte {
	return NewWriter(16 + len(c.FileName) + len(c.Data)).
		Uint16(c.SecurityCode).ASCIIZ(c.FileName).Byte(c.Attribute).
		Byte(boolByte(c.Close)).Uint32(c.Offset).Write(c.Data).Bytes()
}

func ParseFileDownloadCommand(body []byte) (*FileDownloadCommand, error) {
	r := NewReader(body)
	c := &FileDownloadCommand{
		SecurityCode: r.Uint16(),
		FileName:     r.ASCIIZ(),
		Attribute:    r.Byte(),
		Close:        r.Byte() != 0,
		Offset:       r.Uint32(),
	}
	c.Data = r.Rest()
	return c, r.Err()
}

// FileDownloadResponse acknowledges a fragment
type FileDownloadResponse struct {
	Code   byte
	Offset uint32
}

func (p *FileDownloadResponse) Marshal() []byte {
	return NewWriter(5).Byte(p.Code).Uint32(p.Offset).Bytes()
}

func ParseFileDownloadResponse(body []byte) (*FileDownloadResponse, error) {
	r := NewReader(body)
	p := &FileDownloadResponse{Code: r.Byte()}
	if r.Remaining() >= 4 {
		p.Offset = r.Uint32()
	}
	return p, r.Err()
}

// FileControlCommand runs a file command such as compile, stop, or delete
type FileControlCommand struct {
	SecurityCode uint16
	FileName     string
	Command      byte
	FileName2    string
}

func (c *FileControlCommand) Marshal() []byte {
	return NewWriter(8 + len(c.FileName) + len(c.FileName2)).
		Uint16(c.SecurityCode).ASCIIZ(c.FileName).Byte(c.Command).ASCIIZ(c.FileName2).Bytes()
}

func ParseFileControlCommand(body []byte) (*FileControlCommand, error) {
	r := NewReader(body)
	c := &FileControlCommand{
		SecurityCode: r.Uint16(),
		FileName:     r.ASCIIZ(),
		Command:      r.Byte(),
	}
	if r.Remaining() > 0 {
		c.FileName2 = r.ASCIIZ()
	}
	return c, r.Err()
}

// FileControlResponse reports the outcome and how long to wait before
// talking to the datalogger again
type FileControlResponse struct {
	Code    byte
	HoldOff time.Duration
}

func (p *FileControlResponse) Marshal() []byte {
	return NewWriter(3).Byte(p.Code).Uint16(uint16(p.HoldOff / time.Second)).Bytes()
}

func ParseFileControlResponse(body []byte) (*FileControlResponse, error) {
	r := NewReader(body)
	p := &FileControlResponse{Code: r.Byte()}
	if r.Remaining() >= 2 {
		p.HoldOff = time.Duration(r.Uint16()) * time.Second
	}
	return p, r.Err()
}

// ClockCommand reads the datalogger clock and adjusts it by Adjust
type ClockCommand struct {
	SecurityCode uint16
	Adjust       NSec
}

func (c *ClockCommand) Marshal() []byte {
	return NewWriter(10).Uint16(c.SecurityCode).NSec(c.Adjust).Bytes()
}

func ParseClockCommand(body []byte) (*ClockCommand, error) {
	r := NewReader(body)
	c := &ClockCommand{SecurityCode: r.Uint16(), Adjust: r.NSec()}
	return c, r.Err()
}

// ClockResponse carries the clock value before any adjustment
type ClockResponse struct {
	Code byte
	Time NSec
}

func (p *ClockResponse) Marshal() []byte {
	return NewWriter(9).Byte(p.Code).NSec(p.Time).Bytes()
}

func ParseClockResponse(body []byte) (*ClockResponse, error) {
	r := NewReader(body)
	p := &ClockResponse{Code: r.Byte()}
	if p.Code == RespComplete {
		p.Time = r.NSec()
	}
	return p, r.Err()
}

// SetValuesCommand writes values to a table field
type SetValuesCommand struct {
	SecurityCode uint16
	Table        string
	Type         DataType
	Field        string
	Swath        uint16
	Data         []byte
}

func (c *SetValuesCommand) Marshal() []byte {
	return NewWriter(16 + len(c.Table) + len(c.Field) + len(c.Data)).
		Uint16(c.SecurityCode).ASCIIZ(c.Table).Byte(byte(c.Type)).
		ASCIIZ(c.Field).Uint16(c.Swath).Write(c.Data).Bytes()
}

func ParseSetValuesCommand(body []byte) (*SetValuesCommand, error) {
	r := NewReader(body)
	c := &SetValuesCommand{
		SecurityCode: r.Uint16(),
		Table:        r.ASCIIZ(),
		Type:         DataType(r.Byte()),
		Field:        r.ASCIIZ(),
		Swath:        r.Uint16(),
	}
	c.Data = r.Rest()
	return c, r.Err()
}

// CodeResponse is a response that carries only an outcome code
type CodeResponse struct {
	Code byte
}

func (p *CodeResponse) Marshal() []byte {
	return []byte{p.Code}
}

func ParseCodeResponse(body []byte) (*CodeResponse, error) {
	r := NewReader(body)
	p := &CodeResponse{Code: r.Byte()}
	return p, r.Err()
}

// TerminalCommand sends keystrokes to the datalogger terminal
type TerminalCommand struct {
	SecurityCode uint16
	TermID       byte
	Data         []byte
}

func (c *TerminalCommand) Marshal() []byte {
	return NewWriter(3 + len(c.Data)).Uint16(c.SecurityCode).Byte(c.TermID).Write(c.Data).Bytes()
}

func ParseTerminalCommand(body []byte) (*TerminalCommand, error) {
	r := NewReader(body)
	c := &TerminalCommand{SecurityCode: r.Uint16(), TermID: r.Byte()}
	c.Data = r.Rest()
	return c, r.Err()
}

// TerminalResponse carries terminal output
type TerminalResponse struct {
	Code   byte
	TermID byte
	Data   []byte
}

func (p *TerminalResponse) Marshal() []byte {
	return NewWriter(2 + len(p.Data)).Byte(p.Code).Byte(p.TermID).Write(p.Data).Bytes()
}

func ParseTerminalResponse(body []byte) (*TerminalResponse, error) {
	r := NewReader(body)
	p := &TerminalResponse{Code: r.Byte()}
	if r.Remaining() > 0 {
		p.TermID = r.Byte()
		p.Data = r.Rest()
	}
	return p, r.Err()
}

// Access levels reported by the datalogger
const (
	AccessNone      = 0
	AccessReadOnly  = 1
	AccessReadWrite = 2
	AccessAll       = 3
)

// AccessLevelName returns a readable access level
func AccessLevelName(level byte) string {
	switch level {
	case AccessNone:
		return "none"
	case AccessReadOnly:
		return "read-only"
	case AccessReadWrite:
		return "read-write"
	case AccessAll:
		return "all"
	}
	return "unknown"
}

// AccessLevelResponse reports the access granted to the security code
type AccessLevelResponse struct {
	Code  byte
	Level byte
}

func (p *AccessLevelResponse) Marshal() []byte {
	return []byte{p.Code, p.Level}
}

func ParseAccessLevelResponse(body []byte) (*AccessLevelResponse, error) {
	r := NewReader(body)
	p := &AccessLevelResponse{Code: r.Byte()}
	if r.Remaining() > 0 {
		p.Level = r.Byte()
	}
	return p, r.Err()
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
