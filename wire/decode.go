package wire

import (
	"bufio"
	"fmt"
	"io"
)

// MaxSysex bounds the size of one inbound sysex frame.
const MaxSysex = 4096

// TaskState is the state a scheduler notification reports.
type TaskState byte

const (
	StateStopped TaskState = 0
	StateAborted TaskState = 1
	StateRunning TaskState = 2
	StateKilled  TaskState = 3
)

func (s TaskState) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateAborted:
		return "Aborted"
	case StateRunning:
		return "Running"
	case StateKilled:
		return "Killed"
	}
	return fmt.Sprintf("State(%d)", byte(s))
}

// InboundKind classifies a decoded inbound message.
type InboundKind uint8

const (
	InAck InboundKind = iota + 1
	InNack
	InNotification
	InString
	InFirmware
	InDigital
	InAnalog
	InVersion
	InOther
)

// Notification is a scheduler state report for one slot.
type Notification struct {
	Slot  int
	State TaskState
	Words []uint32
}

// Firmware is the answer to QueryFirmware.
type Firmware struct {
	Major, Minor int
	Name         string
}

// Inbound is one decoded message from the device. Which fields are set
// depends on Kind.
type Inbound struct {
	Kind         InboundKind
	Op           Op
	Code         NackCode
	Notification Notification
	Text         string
	Firmware     Firmware
	Port         int
	Value        int
}

// Decoder splits the inbound byte stream into messages.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next message. Bytes outside any recognized message are
// skipped. ErrMalformed is returned for frames that cannot be parsed; the
// stream stays usable after it.
func (d *Decoder) Next() (Inbound, error) {
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			return Inbound{}, err
		}
		switch {
		case b == StartSysex:
			frame, err := d.sysex()
			if err != nil {
				return Inbound{}, err
			}
			return ParseSysex(frame)

		case b&0xF0 == DigitalMessage, b&0xF0 == AnalogMessage:
			data, err := d.data(2)
			if err != nil {
				return Inbound{}, err
			}
			kind := InDigital
			if b&0xF0 == AnalogMessage {
				kind = InAnalog
			}
			return Inbound{Kind: kind, Port: int(b & 0x0F), Value: Uint14(data)}, nil

		case b == ProtocolVersion:
			data, err := d.data(2)
			if err != nil {
				return Inbound{}, err
			}
			return Inbound{Kind: InVersion, Firmware: Firmware{Major: int(data[0]), Minor: int(data[1])}}, nil
		}
	}
}

func (d *Decoder) data(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// sysex reads up to and excluding the terminating EndSysex.
func (d *Decoder) sysex() ([]byte, error) {
	var frame []byte
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == EndSysex {
			return frame, nil
		}
		if len(frame) >= MaxSysex {
			return nil, fmt.Errorf("%w: sysex exceeds %d bytes", ErrMalformed, MaxSysex)
		}
		frame = append(frame, b)
	}
}

// ParseSysex decodes the body of one sysex frame, without the start and
// end bytes.
func ParseSysex(frame []byte) (Inbound, error) {
	if len(frame) == 0 {
		return Inbound{}, fmt.Errorf("%w: empty sysex", ErrMalformed)
	}
	body := frame[1:]
	switch frame[0] {
	case SchedulerData:
		return parseScheduler(body)

	case StringData:
		return Inbound{Kind: InString, Text: string(Unsplit(body))}, nil

	case ReportFirmware:
		if len(body) < 2 {
			return Inbound{}, fmt.Errorf("%w: short firmware report", ErrMalformed)
		}
		return Inbound{Kind: InFirmware, Firmware: Firmware{
			Major: int(body[0]),
			Minor: int(body[1]),
			Name:  string(Unsplit(body[2:])),
		}}, nil
	}
	return Inbound{Kind: InOther, Op: Op(frame[0])}, nil
}

func parseScheduler(body []byte) (Inbound, error) {
	if len(body) < 1 {
		return Inbound{}, fmt.Errorf("%w: empty scheduler message", ErrMalformed)
	}
	switch body[0] {
	case MarkerAck:
		if len(body) < 2 {
			return Inbound{}, fmt.Errorf("%w: short ack", ErrMalformed)
		}
		return Inbound{Kind: InAck, Op: Op(body[1])}, nil

	case MarkerCommand:
		if len(body) < 3 {
			return Inbound{}, fmt.Errorf("%w: short nack", ErrMalformed)
		}
		return Inbound{Kind: InNack, Op: Op(body[1]), Code: NackCode(body[2])}, nil

	case MarkerNotification:
		if len(body) < 5 {
			return Inbound{}, fmt.Errorf("%w: short notification", ErrMalformed)
		}
		n := Notification{
			Slot:  Uint14(body[1:3]),
			State: TaskState(body[3]),
		}
		argc := int(body[4])
		words := body[5:]
		if len(words) < 5*argc {
			return Inbound{}, fmt.Errorf("%w: notification for slot %d declares %d words, has %d bytes",
				ErrMalformed, n.Slot, argc, len(words))
		}
		for i := 0; i < argc; i++ {
			n.Words = append(n.Words, Uint32(words[5*i:]))
		}
		return Inbound{Kind: InNotification, Notification: n}, nil
	}
	return Inbound{}, fmt.Errorf("%w: unknown scheduler marker 0x%02X", ErrMalformed, body[0])
}

// ---------------------------------------------------------------------------
// Device side encoders, used by fakes and tests
// ---------------------------------------------------------------------------

// EncodeAck builds the reply acknowledging op.
func EncodeAck(op Op) []byte {
	return []byte{StartSysex, SchedulerData, MarkerAck, byte(op), EndSysex}
}

// EncodeNack builds the reply rejecting op.
func EncodeNack(op Op, code NackCode) []byte {
	return []byte{StartSysex, SchedulerData, MarkerCommand, byte(op), byte(code), EndSysex}
}

// EncodeNotification builds a scheduler state report.
func EncodeNotification(n Notification) []byte {
	out := []byte{StartSysex, SchedulerData, MarkerNotification}
	out = AppendUint14(out, n.Slot)
	out = append(out, byte(n.State)&0x7F, byte(len(n.Words))&0x7F)
	for _, w := range n.Words {
		out = AppendUint32(out, w)
	}
	return append(out, EndSysex)
}

// EncodeString builds a STRING_DATA frame.
func EncodeString(s string) []byte {
	out := []byte{StartSysex, StringData}
	for i := 0; i < len(s); i++ {
		out = AppendSplit(out, s[i])
	}
	return append(out, EndSysex)
}

// EncodeFirmware builds a REPORT_FIRMWARE reply.
func EncodeFirmware(f Firmware) []byte {
	out := []byte{StartSysex, ReportFirmware, byte(f.Major) & 0x7F, byte(f.Minor) & 0x7F}
	for i := 0; i < len(f.Name); i++ {
		out = AppendSplit(out, f.Name[i])
	}
	return append(out, EndSysex)
}

// ParseCommand splits an outbound command frame into its opcode and body.
// It is the device-side counterpart of Message.Encode.
func ParseCommand(frame []byte) (Op, []byte, error) {
	if len(frame) < 5 || frame[0] != StartSysex || frame[1] != SchedulerData ||
		frame[2] != MarkerCommand || frame[len(frame)-1] != EndSysex {
		return 0, nil, fmt.Errorf("%w: not a scheduler command", ErrMalformed)
	}
	return Op(frame[3]), frame[4 : len(frame)-1], nil
}
