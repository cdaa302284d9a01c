package main

import (
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/pkg/term"
	"github.com/pkg/term/termios"
	"golang.org/x/sys/unix"
)

// SerialLine is the host-side end of the wire: 8 data bits, one stop
// bit, even parity, raw mode, with a 500ms per-read inactivity timer.
// Reads and writes are fully blocking over the requested byte count.
type SerialLine struct {
	t *term.Term
}

// acceptedBauds are the only rates the bootloader's UART will run at.
// Anything else fails before the device is opened.
var acceptedBauds = map[int]bool{
	1200: true, 1800: true, 2400: true, 4800: true, 9600: true,
	19200: true, 38400: true, 57600: true, 115200: true, 230400: true,
}

// OpenSerialLine opens device at the given baud rate, configured for
// the bootloader's expected framing. An unsupported baud rate is
// reported as ErrArgument; any other failure returns ErrOpen wrapping
// the underlying cause.
func OpenSerialLine(device string, baud int) (*SerialLine, error) {
	if !acceptedBauds[baud] {
		return nil, fmt.Errorf("%w: unsupported baud rate %d", ErrArgument, baud)
	}

	t, err := term.Open(device, term.Speed(baud), term.RawMode)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to open %q: %v", ErrOpen, device, err)
	}

	sl := &SerialLine{t: t}
	if err := sl.configure(); err != nil {
		t.Close()
		return nil, fmt.Errorf("%w: unable to configure %q: %v", ErrOpen, device, err)
	}
	return sl, nil
}

// configure applies the 8E1/raw/VMIN=0,VTIME=5 attrs that term.RawMode
// alone does not set, mirroring serial.c's serialOpen in
// _examples/original_source/serial.c.
func (s *SerialLine) configure() error {
	fd := s.t.Fd()

	var attr termios.Termios
	if err := termios.Tcgetattr(fd, &attr); err != nil {
		return err
	}

	attr.Cflag &^= syscall.CSTOPB
	attr.Cflag |= syscall.PARENB
	attr.Cflag &^= syscall.PARODD
	attr.Cc[syscall.VMIN] = 0
	attr.Cc[syscall.VTIME] = 5 // 500ms inactivity timer.

	if err := termios.Tcsetattr(fd, termios.TCSANOW, &attr); err != nil {
		return err
	}
	return nil
}

// Read blocks until exactly len(p) bytes have been transferred or a
// non-recoverable error (including the VTIME inactivity timeout on a
// short read) occurs.
func (s *SerialLine) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		m, err := s.t.Read(p[n:])
		n += m
		if err != nil {
			return n, err
		}
		if m == 0 {
			return n, io.ErrUnexpectedEOF
		}
	}
	return n, nil
}

// Write blocks until all of p has been transmitted or a
// non-recoverable error occurs.
func (s *SerialLine) Write(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		m, err := s.t.Write(p[n:])
		n += m
		if err != nil {
			return n, err
		}
		if m == 0 {
			return n, io.ErrClosedPipe
		}
	}
	return n, nil
}

// SetDTR asserts or deasserts the modem DTR line, which on this family
// of boards is wired to the target's reset or BOOT0 pin.
func (s *SerialLine) SetDTR(assert bool) error {
	fd := int(s.t.Fd())

	status, err := unix.IoctlGetInt(fd, unix.TIOCMGET)
	if err != nil {
		return fmt.Errorf("TIOCMGET: %w", err)
	}
	if assert {
		status |= unix.TIOCM_DTR
	} else {
		status &^= unix.TIOCM_DTR
	}
	if err := unix.IoctlSetPointerInt(fd, unix.TIOCMSET, status); err != nil {
		return fmt.Errorf("TIOCMSET: %w", err)
	}
	return nil
}

// PulseDTR drives the "enter bootloader" sequence: assert, settle,
// deassert, settle.
func (s *SerialLine) PulseDTR(settle time.Duration) error {
	if err := s.SetDTR(true); err != nil {
		return err
	}
	time.Sleep(settle)
	if err := s.SetDTR(false); err != nil {
		return err
	}
	time.Sleep(settle)
	return nil
}

// Close releases the underlying file descriptor.
func (s *SerialLine) Close() error {
	return s.t.Close()
}
