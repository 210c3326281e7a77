// Package wire implements the framing of the device link: Firmata style
// sysex frames, 7-bit packing, the scheduler sub-protocol opcodes and the
// parsing of everything the device sends back.
package wire

import (
	"errors"
	"fmt"
)

// Framing bytes.
const (
	StartSysex      byte = 0xF0
	EndSysex        byte = 0xF7
	SchedulerData   byte = 0x7B
	StringData      byte = 0x71
	ReportFirmware  byte = 0x79
	ProtocolVersion byte = 0xF9
	DigitalMessage  byte = 0x90
	AnalogMessage   byte = 0xE0

	// Scheduler sub-protocol markers.
	MarkerCommand      byte = 0x7F
	MarkerAck          byte = 0x7E
	MarkerNotification byte = 0x01
)

var ErrMalformed = errors.New("wire: malformed message")

// ---------------------------------------------------------------------------
// Executor opcodes
// ---------------------------------------------------------------------------

// Op is an executor command of the scheduler sub-protocol.
type Op byte

const (
	OpDeclareMethod    Op = 1
	OpSetMethodTokens  Op = 2
	OpLoadIl           Op = 3
	OpStartTask        Op = 4
	OpResetExecutor    Op = 5
	OpKillTask         Op = 6
	OpMethodSignature  Op = 7
	OpClassDeclaration Op = 8
	OpConstantData     Op = 9
)

var opNames = map[Op]string{
	OpDeclareMethod:    "DeclareMethod",
	OpSetMethodTokens:  "SetMethodTokens",
	OpLoadIl:           "LoadIl",
	OpStartTask:        "StartTask",
	OpResetExecutor:    "ResetExecutor",
	OpKillTask:         "KillTask",
	OpMethodSignature:  "MethodSignature",
	OpClassDeclaration: "ClassDeclaration",
	OpConstantData:     "ConstantData",
}

func (o Op) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return fmt.Sprintf("Op(%d)", byte(o))
}

// NackCode says why the device refused a command.
type NackCode byte

const (
	NackBusy            NackCode = 1
	NackInvalidArgument NackCode = 2
	NackOutOfMemory     NackCode = 3
)

func (c NackCode) String() string {
	switch c {
	case NackBusy:
		return "busy"
	case NackInvalidArgument:
		return "invalid arguments"
	case NackOutOfMemory:
		return "out of memory"
	}
	return fmt.Sprintf("code %d", byte(c))
}

// NackError is returned when the device answers a command with a Nack.
type NackError struct {
	Op   Op
	Code NackCode
}

func (e *NackError) Error() string {
	return fmt.Sprintf("wire: device rejected %s: %s", e.Op, e.Code)
}

// ---------------------------------------------------------------------------
// 7-bit packing
// ---------------------------------------------------------------------------

// AppendSplit appends a full byte as two 7-bit groups, low first.
func AppendSplit(b []byte, v byte) []byte {
	return append(b, v&0x7F, v>>7)
}

// AppendUint14 appends a value below 1<<14 as two 7-bit groups.
func AppendUint14(b []byte, v int) []byte {
	return append(b, byte(v)&0x7F, byte(v>>7)&0x7F)
}

// AppendUint32 appends a 32-bit value as five 7-bit groups.
func AppendUint32(b []byte, v uint32) []byte {
	for i := 0; i < 5; i++ {
		b = append(b, byte(v)&0x7F)
		v >>= 7
	}
	return b
}

// Split decodes a byte packed by AppendSplit.
func Split(lo, hi byte) byte {
	return lo&0x7F | hi<<7
}

// Uint14 decodes a value packed by AppendUint14.
func Uint14(b []byte) int {
	return int(b[0]&0x7F) | int(b[1]&0x7F)<<7
}

// Uint32 decodes a value packed by AppendUint32.
func Uint32(b []byte) uint32 {
	var v uint32
	for i := 4; i >= 0; i-- {
		v = v<<7 | uint32(b[i]&0x7F)
	}
	return v
}

// Unsplit decodes a run of split byte pairs.
func Unsplit(b []byte) []byte {
	out := make([]byte, len(b)/2)
	for i := range out {
		out[i] = Split(b[2*i], b[2*i+1])
	}
	return out
}

// ---------------------------------------------------------------------------
// Outbound frames
// ---------------------------------------------------------------------------

// Frame is one encoded outbound message.
type Frame struct {
	Op   Op
	Desc string
	Data []byte
	// Ack is set when the device acknowledges the frame.
	Ack bool
}

func (f Frame) String() string {
	if f.Desc == "" {
		return f.Op.String()
	}
	return f.Op.String() + " " + f.Desc
}

// Message assembles the body of a scheduler command.
type Message struct {
	op   Op
	body []byte
}

// NewMessage starts a command frame for op.
func NewMessage(op Op) *Message {
	return &Message{op: op, body: make([]byte, 0, 32)}
}

// Byte appends a full byte as a split pair.
func (m *Message) Byte(v byte) *Message {
	m.body = AppendSplit(m.body, v)
	return m
}

// Raw appends a value that already fits in 7 bits.
func (m *Message) Raw(v byte) *Message {
	m.body = append(m.body, v&0x7F)
	return m
}

// Uint14 appends a 14-bit value.
func (m *Message) Uint14(v int) *Message {
	m.body = AppendUint14(m.body, v)
	return m
}

// Uint32 appends a 32-bit value.
func (m *Message) Uint32(v uint32) *Message {
	m.body = AppendUint32(m.body, v)
	return m
}

// Bytes appends data as split pairs.
func (m *Message) Bytes(data []byte) *Message {
	for _, v := range data {
		m.body = AppendSplit(m.body, v)
	}
	return m
}

// Encode returns the complete sysex frame.
func (m *Message) Encode() []byte {
	out := make([]byte, 0, len(m.body)+5)
	out = append(out, StartSysex, SchedulerData, MarkerCommand, byte(m.op))
	out = append(out, m.body...)
	return append(out, EndSysex)
}

// Frame wraps the encoded message with a description.
func (m *Message) Frame(desc string, ack bool) Frame {
	return Frame{Op: m.op, Desc: desc, Data: m.Encode(), Ack: ack}
}

// StartTask builds the frame that starts the method in slot with the
// given argument words.
func StartTask(slot int, args []uint32) Frame {
	m := NewMessage(OpStartTask).Uint14(slot).Raw(byte(len(args)))
	for _, a := range args {
		m.Uint32(a)
	}
	return m.Frame(fmt.Sprintf("slot %d", slot), true)
}

// KillTask builds the frame that aborts the task running in slot.
func KillTask(slot int) Frame {
	return NewMessage(OpKillTask).Uint14(slot).Frame(fmt.Sprintf("slot %d", slot), true)
}

// ResetExecutor builds the frame that clears all device-side state.
func ResetExecutor(force bool) Frame {
	var flag byte
	if force {
		flag = 1
	}
	return NewMessage(OpResetExecutor).Raw(flag).Frame("", true)
}

// QueryFirmware builds the REPORT_FIRMWARE request.
func QueryFirmware() []byte {
	return []byte{StartSysex, ReportFirmware, EndSysex}
}
