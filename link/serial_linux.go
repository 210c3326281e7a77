//go:build linux

package link

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

var baudRates = map[int]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
	460800: unix.B460800,
	921600: unix.B921600,
}

func openSerial(path string, baud int) (io.ReadWriteCloser, error) {
	speed, ok := baudRates[baud]
	if !ok {
		return nil, fmt.Errorf("link: unsupported baud rate %d", baud)
	}
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("link: open %s: %w", path, err)
	}
	fd := int(f.Fd())
	if _, err := term.MakeRaw(fd); err != nil {
		f.Close()
		return nil, fmt.Errorf("link: raw mode on %s: %w", path, err)
	}

	tio, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("link: get termios on %s: %w", path, err)
	}
	tio.Cflag &^= unix.CBAUD | unix.CSTOPB | unix.CRTSCTS
	tio.Cflag |= speed | unix.CLOCAL | unix.CREAD
	tio.Ispeed = speed
	tio.Ospeed = speed
	// Block until at least one byte arrives.
	tio.Cc[unix.VMIN] = 1
	tio.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, tio); err != nil {
		f.Close()
		return nil, fmt.Errorf("link: set %d baud on %s: %w", baud, path, err)
	}
	log.Infof("opened %s at %d baud", path, baud)
	return f, nil
}
