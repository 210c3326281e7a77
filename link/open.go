package link

import (
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// DefaultBaud is the serial speed the executor firmware uses.
const DefaultBaud = 115200

// Open connects to a device. A port of the form tcp://host:port dials a
// serial-over-network bridge; anything else is opened as a local serial
// device at the given baud rate.
func Open(port string, baud int) (io.ReadWriteCloser, error) {
	if addr, ok := strings.CutPrefix(port, "tcp://"); ok {
		conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
		if err != nil {
			return nil, fmt.Errorf("link: dial %s: %w", addr, err)
		}
		return conn, nil
	}
	if baud <= 0 {
		baud = DefaultBaud
	}
	return openSerial(port, baud)
}
