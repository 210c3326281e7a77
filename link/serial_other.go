//go:build !linux

package link

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// Only Linux gets termios speed control; elsewhere the port keeps the
// speed the OS configured.
func openSerial(path string, baud int) (io.ReadWriteCloser, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("link: open %s: %w", path, err)
	}
	if _, err := term.MakeRaw(int(f.Fd())); err != nil {
		f.Close()
		return nil, fmt.Errorf("link: raw mode on %s: %w", path, err)
	}
	if baud != DefaultBaud {
		log.Warningf("baud rate %d not applied on this platform", baud)
	}
	return f, nil
}
