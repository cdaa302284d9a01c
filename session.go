package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"zappem.net/pub/debug/xcrc32"
)

const (
	maxHandshakeRetries = 10
	dtrSettle           = 10 * time.Millisecond
	writeChunkSize      = 256
)

// sessionState names the linear progression of a programming run:
// Init -> DtrPulse -> Handshake -> Identified -> (Erased? -> Writing?
// -> Verified?) -> Ran? -> Done. It exists for logging/diagnostics;
// any step's failure is terminal, so nothing ever transitions
// backward.
type sessionState int

const (
	stateInit sessionState = iota
	stateDtrPulsed
	stateHandshook
	stateIdentified
	stateErased
	stateWritten
	stateVerified
	stateRan
)

func (s sessionState) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateDtrPulsed:
		return "dtr-pulsed"
	case stateHandshook:
		return "handshook"
	case stateIdentified:
		return "identified"
	case stateErased:
		return "erased"
	case stateWritten:
		return "written"
	case stateVerified:
		return "verified"
	case stateRan:
		return "ran"
	default:
		return "unknown"
	}
}

// serialDevice is what a Session needs from the transport: a blocking
// read/write contract plus DTR control and teardown. *SerialLine
// satisfies it; tests substitute a fake so the state machine can be
// exercised without a real device.
type serialDevice interface {
	io.Reader
	io.Writer
	PulseDTR(settle time.Duration) error
	Close() error
}

// Session owns the serial handle and device profile for the lifetime
// of one programming run.
type Session struct {
	line    serialDevice
	codec   *codec
	out     io.Writer
	debug   bool
	state   sessionState
	version versionInfo
	profile Profile
}

// NewSession wraps an already-open serial line. Progress and status
// text go to out (typically os.Stdout).
func NewSession(line serialDevice, debug bool, out io.Writer) *Session {
	return &Session{
		line:  line,
		codec: newCodec(line, debug),
		out:   out,
		debug: debug,
		state: stateInit,
	}
}

// Connect drives the target into bootloader mode and performs the
// handshake: assert DTR, settle, deassert, settle, then send the entry
// byte 0x7F up to maxHandshakeRetries times until ACK.
func (s *Session) Connect() error {
	if err := s.line.PulseDTR(dtrSettle); err != nil {
		return fmt.Errorf("%w: dtr pulse: %v", ErrOpen, err)
	}
	s.state = stateDtrPulsed

	for attempt := 1; attempt <= maxHandshakeRetries; attempt++ {
		if _, err := s.line.Write([]byte{entryByte}); err == nil && s.codec.recvAck() == nil {
			s.state = stateHandshook
			return nil
		}
	}
	return fmt.Errorf("%w: STM32 not detected after %d retries", ErrLink, maxHandshakeRetries)
}

// Identify runs GET_VERSION + GET_ID and populates the session's
// profile from the device table.
func (s *Session) Identify() error {
	info, err := s.codec.getVersion()
	if err != nil {
		return err
	}
	s.version = info

	if !info.commands[CmdGetID] {
		return fmt.Errorf("%w: target does not support GET_ID", ErrUnsupportedDevice)
	}
	id, err := s.codec.getID()
	if err != nil {
		return err
	}
	profile, err := lookupProfile(id)
	if err != nil {
		return err
	}
	s.profile = profile
	s.state = stateIdentified

	major, minor := info.version>>4, info.version&0x0F
	log.Printf("Bootloader version %d.%d detected.", major, minor)
	return nil
}

// Erase runs the erase step: a full mass erase if requested (falling
// back to a full-range per-page erase if the mass-erase exchange
// NACKs), or else - if a write was requested without an explicit
// erase - exactly the pages the image needs, starting at page 0. Mass
// erase takes precedence when both are requested.
func (s *Session) Erase(fullErase bool, writeRequested bool, buf *SparseBuffer) error {
	if !fullErase && !writeRequested {
		return nil
	}

	classic := s.version.commands[CmdErase]
	extended := s.version.commands[CmdExtendedErase]
	if !classic && !extended {
		return fmt.Errorf("%w: target does not support any known erase command", ErrUnsupportedDevice)
	}

	if buf != nil {
		log.Printf("Erasing (image crc32=%08x).", crcOf(buf))
	}

	if fullErase {
		ok, err := s.codec.massErase(classic, extended)
		if err != nil {
			return err
		}
		s.animateMassErase()
		if ok {
			s.state = stateErased
			return nil
		}
		totalPages := (s.profile.FlashEnd - s.profile.FlashBegin) / s.profile.PageSize
		if err := s.erasePageRange(classic, extended, 0, int(totalPages)); err != nil {
			return err
		}
		s.state = stateErased
		return nil
	}

	var imageSize uint64
	if buf != nil {
		imageSize = buf.Size()
	}
	pages := int((imageSize + uint64(s.profile.PageSize) - 1) / uint64(s.profile.PageSize))
	if err := s.erasePageRange(classic, extended, 0, pages); err != nil {
		return err
	}
	s.state = stateErased
	return nil
}

// animateMassErase sleeps out the erase delay in 100 steps, redrawing
// a cosmetic progress bar each step (a mass erase gives no real
// completion signal until the final ACK).
func (s *Session) animateMassErase() {
	step := s.profile.EraseDelay / 100
	for i := 1; i <= 100; i++ {
		time.Sleep(step)
		s.renderProgress("erase", i)
	}
	fmt.Fprintln(s.out)
}

// erasePageRange erases the whole range in a single page-erase exchange
// (classic ERASE when supported, else EXTENDED_ERASE) and then draws the
// erase bar once at 100%. The range is not split into several
// exchanges, so it must fit within the chosen command's page limits.
func (s *Session) erasePageRange(classic, extended bool, first, count int) error {
	if count == 0 {
		return nil
	}
	var err error
	if classic {
		err = s.codec.erasePages(first, count)
	} else {
		err = s.codec.erasePagesExtended(first, count)
	}
	if err != nil {
		return err
	}
	s.renderProgress("erase", 100)
	fmt.Fprintln(s.out)
	return nil
}

// Write streams buf through WRITE_MEM in writeChunkSize-byte pieces,
// sleeping the device's write delay between issues and reporting
// percent-of-total progress.
func (s *Session) Write(buf *SparseBuffer) error {
	if !s.version.commands[CmdWriteMem] {
		return fmt.Errorf("%w: target does not support WRITE_MEM", ErrUnsupportedDevice)
	}
	total := buf.Size()
	if total == 0 {
		return nil
	}

	buf.Rewind()
	var written uint64
	for {
		block := buf.Read(writeChunkSize)
		if len(block.Data) == 0 {
			break
		}
		if err := s.codec.writeMem(uint32(block.Offset), block.Data); err != nil {
			return err
		}
		time.Sleep(s.profile.WriteDelay)

		written += uint64(len(block.Data))
		s.renderProgress("write", int(written*100/total))
	}
	fmt.Fprintln(s.out)
	s.state = stateWritten

	log.Printf("Wrote %d bytes, crc32=%08x.", total, crcOf(buf))
	return nil
}

// crcOf computes the CRC32 of everything currently stored in buf,
// leaving the read cursor rewound afterward. Used for ambient
// integrity logging around erase/write/verify.
func crcOf(buf *SparseBuffer) uint32 {
	buf.Rewind()
	data := make([]byte, 0, buf.Size())
	for {
		block := buf.Read(0)
		if len(block.Data) == 0 {
			break
		}
		data = append(data, block.Data...)
	}
	_, crc := xcrc32.NewCRC32(data)
	buf.Rewind()
	return crc
}

// Verify rewinds buf and re-reads each written block from the target,
// aborting with ErrVerifyMismatch on the first differing byte.
func (s *Session) Verify(buf *SparseBuffer) error {
	if !s.version.commands[CmdReadMem] {
		return fmt.Errorf("%w: target does not support READ_MEM", ErrUnsupportedDevice)
	}
	total := buf.Size()
	buf.Rewind()
	var checked uint64
	for {
		block := buf.Read(writeChunkSize)
		if len(block.Data) == 0 {
			break
		}
		got, err := s.codec.readMem(uint32(block.Offset), len(block.Data))
		if err != nil {
			return err
		}
		for i := range block.Data {
			if got[i] != block.Data[i] {
				return fmt.Errorf("%w: byte at address 0x%08x: got 0x%02x, want 0x%02x",
					ErrVerifyMismatch, block.Offset+uint64(i), got[i], block.Data[i])
			}
		}
		checked += uint64(len(block.Data))
		if total > 0 {
			s.renderProgress("verify", int(checked*100/total))
		}
	}
	fmt.Fprintln(s.out)
	s.state = stateVerified
	log.Printf("Verified %d bytes, crc32=%08x.", total, crcOf(buf))
	return nil
}

// Go issues CMD_GO at the device's flash base.
func (s *Session) Go() error {
	if !s.version.commands[CmdGo] {
		return fmt.Errorf("%w: target does not support GO", ErrUnsupportedDevice)
	}
	if err := s.codec.goAddr(s.profile.FlashBegin); err != nil {
		return err
	}
	s.state = stateRan
	return nil
}

// Close releases the underlying serial line.
func (s *Session) Close() error {
	return s.line.Close()
}

// renderProgress redraws a 70-column percentage bar in place with a
// carriage return.
func (s *Session) renderProgress(label string, percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	const barWidth = 70
	filled := barWidth * percent / 100
	bar := make([]byte, barWidth)
	for i := range bar {
		if i < filled {
			bar[i] = '='
		} else {
			bar[i] = ' '
		}
	}
	fmt.Fprintf(s.out, "\r%-6s [%s] %3d%%", label, string(bar), percent)
	if f, ok := s.out.(*os.File); ok {
		f.Sync()
	}
}
