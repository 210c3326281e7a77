// Package linktest provides an in-memory executor device for tests. It
// records every command frame it receives and answers the way firmware
// does: an Ack per command, or a Nack for opcodes told to fail.
package linktest

import (
	"bufio"
	"io"
	"net"
	"sync"

	"github.com/chazu/crossload/wire"
)

// Command is one scheduler command received by the device.
type Command struct {
	Op   wire.Op
	Body []byte
	Raw  []byte
}

// Device is the far end of an in-memory link.
type Device struct {
	conn net.Conn

	mu       sync.Mutex
	writeMu  sync.Mutex
	commands []Command
	nacks    map[wire.Op]wire.NackCode
	silent   map[wire.Op]bool
	onCmd    func(Command)
	firmware wire.Firmware

	done chan struct{}
}

// New starts a device and returns it with the host side of the connection.
func New() (*Device, io.ReadWriteCloser) {
	host, dev := net.Pipe()
	d := &Device{
		conn:     dev,
		nacks:    make(map[wire.Op]wire.NackCode),
		silent:   make(map[wire.Op]bool),
		firmware: wire.Firmware{Major: 1, Minor: 0, Name: "linktest"},
		done:     make(chan struct{}),
	}
	go d.serve()
	return d, host
}

// Close shuts the device end down.
func (d *Device) Close() error {
	err := d.conn.Close()
	<-d.done
	return err
}

// Reject makes the device answer op with a Nack carrying code.
func (d *Device) Reject(op wire.Op, code wire.NackCode) {
	d.mu.Lock()
	d.nacks[op] = code
	d.mu.Unlock()
}

// Ignore makes the device never answer op.
func (d *Device) Ignore(op wire.Op) {
	d.mu.Lock()
	d.silent[op] = true
	d.mu.Unlock()
}

// OnCommand installs a hook run after each command is recorded and
// answered.
func (d *Device) OnCommand(fn func(Command)) {
	d.mu.Lock()
	d.onCmd = fn
	d.mu.Unlock()
}

// SetFirmware sets the REPORT_FIRMWARE answer.
func (d *Device) SetFirmware(f wire.Firmware) {
	d.mu.Lock()
	d.firmware = f
	d.mu.Unlock()
}

// Commands returns a copy of every command received so far.
func (d *Device) Commands() []Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Command(nil), d.commands...)
}

// Count returns how many commands with op were received.
func (d *Device) Count(op wire.Op) int {
	n := 0
	for _, c := range d.Commands() {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Reset forgets recorded commands.
func (d *Device) Reset() {
	d.mu.Lock()
	d.commands = nil
	d.mu.Unlock()
}

// Notify sends a scheduler notification to the host.
func (d *Device) Notify(n wire.Notification) error {
	return d.send(wire.EncodeNotification(n))
}

// SendString sends a STRING_DATA frame, the way firmware reports errors.
func (d *Device) SendString(s string) error {
	return d.send(wire.EncodeString(s))
}

// SendDigital sends a digital port change.
func (d *Device) SendDigital(port, value int) error {
	return d.send([]byte{wire.DigitalMessage | byte(port&0x0F), byte(value) & 0x7F, byte(value>>7) & 0x7F})
}

func (d *Device) send(data []byte) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	_, err := d.conn.Write(data)
	return err
}

func (d *Device) serve() {
	defer close(d.done)
	r := bufio.NewReader(d.conn)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return
		}
		if b != wire.StartSysex {
			continue
		}
		raw := []byte{b}
		for b != wire.EndSysex {
			if b, err = r.ReadByte(); err != nil {
				return
			}
			raw = append(raw, b)
		}
		d.handle(raw)
	}
}

func (d *Device) handle(raw []byte) {
	if len(raw) == 3 && raw[1] == wire.ReportFirmware {
		d.mu.Lock()
		fw := d.firmware
		d.mu.Unlock()
		d.send(wire.EncodeFirmware(fw))
		return
	}
	op, body, err := wire.ParseCommand(raw)
	if err != nil {
		return
	}
	cmd := Command{Op: op, Body: append([]byte(nil), body...), Raw: raw}

	d.mu.Lock()
	d.commands = append(d.commands, cmd)
	code, nack := d.nacks[op]
	silent := d.silent[op]
	hook := d.onCmd
	d.mu.Unlock()

	switch {
	case silent, op == wire.OpConstantData:
	case nack:
		d.send(wire.EncodeNack(op, code))
	default:
		d.send(wire.EncodeAck(op))
	}
	if hook != nil {
		hook(cmd)
	}
}
