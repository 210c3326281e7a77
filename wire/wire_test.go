package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestPacking(t *testing.T) {
	b := AppendUint32(nil, 0xDEADBEEF)
	if len(b) != 5 {
		t.Fatalf("AppendUint32: got %d bytes, want 5", len(b))
	}
	for _, v := range b {
		if v > 0x7F {
			t.Errorf("group 0x%02X has the high bit set", v)
		}
	}
	if got := Uint32(b); got != 0xDEADBEEF {
		t.Errorf("Uint32: got 0x%X, want 0xDEADBEEF", got)
	}

	if got := Uint14(AppendUint14(nil, 16383)); got != 16383 {
		t.Errorf("Uint14: got %d, want 16383", got)
	}
	if got := AppendSplit(nil, 0xFF); !bytes.Equal(got, []byte{0x7F, 0x01}) {
		t.Errorf("AppendSplit(0xFF): got % X", got)
	}
	if got := Unsplit(AppendSplit(AppendSplit(nil, 0x80), 0x41)); !bytes.Equal(got, []byte{0x80, 0x41}) {
		t.Errorf("Unsplit: got % X", got)
	}
}

func TestMessage_Encode(t *testing.T) {
	got := NewMessage(OpDeclareMethod).Uint14(3).Uint32(0x21).Byte(0x88).Encode()
	want := []byte{
		0xF0, 0x7B, 0x7F, 0x01,
		0x03, 0x00,
		0x21, 0x00, 0x00, 0x00, 0x00,
		0x08, 0x01,
		0xF7,
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Encode:\n got % X\nwant % X", got, want)
	}

	op, body, err := ParseCommand(got)
	if err != nil {
		t.Fatal(err)
	}
	if op != OpDeclareMethod || len(body) != len(want)-5 {
		t.Errorf("ParseCommand: got %s with %d body bytes", op, len(body))
	}
	if _, _, err := ParseCommand([]byte{0xF0, 0x71, 0xF7}); !errors.Is(err, ErrMalformed) {
		t.Errorf("ParseCommand(non-command): got %v, want ErrMalformed", err)
	}
}

func TestStartTask_Frame(t *testing.T) {
	f := StartTask(3, []uint32{42, 0xFFFFFFFF})
	op, body, err := ParseCommand(f.Data)
	if err != nil {
		t.Fatal(err)
	}
	if op != OpStartTask || !f.Ack {
		t.Errorf("StartTask: got op %s ack %v", op, f.Ack)
	}
	if Uint14(body) != 3 || body[2] != 2 {
		t.Errorf("slot/argc: got %d/%d", Uint14(body), body[2])
	}
	if Uint32(body[3:]) != 42 || Uint32(body[8:]) != 0xFFFFFFFF {
		t.Errorf("args: got %d and 0x%X", Uint32(body[3:]), Uint32(body[8:]))
	}
}

func TestDecoder_Stream(t *testing.T) {
	var stream bytes.Buffer
	stream.Write([]byte{0x00, 0x42}) // line noise
	stream.Write(EncodeAck(OpLoadIl))
	stream.Write([]byte{0x92, 0x05, 0x01})
	stream.Write(EncodeNotification(Notification{Slot: 200, State: StateStopped, Words: []uint32{42, 7}}))
	stream.Write(EncodeNack(OpStartTask, NackBusy))
	stream.Write(EncodeString("Exception: boom"))
	stream.Write([]byte{0xE3, 0x7F, 0x07})
	stream.Write(EncodeFirmware(Firmware{Major: 2, Minor: 6, Name: "exec.ino"}))

	d := NewDecoder(&stream)
	next := func() Inbound {
		t.Helper()
		in, err := d.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		return in
	}

	if in := next(); in.Kind != InAck || in.Op != OpLoadIl {
		t.Errorf("ack: got %+v", in)
	}
	if in := next(); in.Kind != InDigital || in.Port != 2 || in.Value != 0x85 {
		t.Errorf("digital: got %+v", in)
	}
	in := next()
	if in.Kind != InNotification {
		t.Fatalf("notification: got kind %d", in.Kind)
	}
	n := in.Notification
	if n.Slot != 200 || n.State != StateStopped || len(n.Words) != 2 || n.Words[0] != 42 || n.Words[1] != 7 {
		t.Errorf("notification: got %+v", n)
	}
	in = next()
	if in.Kind != InNack || in.Op != OpStartTask || in.Code != NackBusy {
		t.Errorf("nack: got %+v", in)
	}
	if in := next(); in.Kind != InString || in.Text != "Exception: boom" {
		t.Errorf("string: got %+v", in)
	}
	if in := next(); in.Kind != InAnalog || in.Port != 3 || in.Value != 0x3FF {
		t.Errorf("analog: got %+v", in)
	}
	if in := next(); in.Kind != InFirmware || in.Firmware.Name != "exec.ino" || in.Firmware.Major != 2 {
		t.Errorf("firmware: got %+v", in)
	}
	if _, err := d.Next(); err != io.EOF {
		t.Errorf("end of stream: got %v, want EOF", err)
	}
}

func TestParseSysex_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"empty", nil},
		{"short ack", []byte{SchedulerData, MarkerAck}},
		{"short nack", []byte{SchedulerData, MarkerCommand, 0x04}},
		{"truncated words", []byte{SchedulerData, MarkerNotification, 3, 0, 0, 2, 1, 2, 3}},
		{"unknown marker", []byte{SchedulerData, 0x33}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseSysex(tt.frame); !errors.Is(err, ErrMalformed) {
				t.Errorf("got %v, want ErrMalformed", err)
			}
		})
	}
}

func TestNackError(t *testing.T) {
	var err error = &NackError{Op: OpLoadIl, Code: NackOutOfMemory}
	var nack *NackError
	if !errors.As(err, &nack) || nack.Code != NackOutOfMemory {
		t.Fatalf("errors.As: got %v", err)
	}
	if got := err.Error(); got != "wire: device rejected LoadIl: out of memory" {
		t.Errorf("Error: got %q", got)
	}
}
