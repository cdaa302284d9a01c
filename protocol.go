package main

import (
	"encoding/binary"
	"fmt"

	"zappem.net/pub/debug/xxd"
)

// ack is the single byte the target sends to acknowledge a frame; any
// other value read where an ACK is expected is a NACK/failure.
const ack = 0x79

// entryByte is transmitted repeatedly during the handshake.
const entryByte = 0x7F

// Command is one of the twelve known 8-bit bootloader command codes.
type Command byte

const (
	CmdGetVersion     Command = 0x00
	CmdGetReadStatus  Command = 0x01
	CmdGetID          Command = 0x02
	CmdReadMem        Command = 0x11
	CmdGo             Command = 0x21
	CmdWriteMem       Command = 0x31
	CmdErase          Command = 0x43
	CmdExtendedErase  Command = 0x44
	CmdWriteProtect   Command = 0x63
	CmdWriteUnprotect Command = 0x73
	CmdReadProtect    Command = 0x82
	CmdReadUnprotect  Command = 0x92
)

// wire is the minimal interface the codec needs from a serial line;
// it lets tests substitute an in-memory fake for *SerialLine.
type wire interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// codec drives the framing primitives and per-command exchanges of the
// bootloader protocol against a wire. It is stateless: every method
// takes whatever parameters it needs and holds no fields of its own
// besides the wire and an optional frame tracer.
type codec struct {
	w     wire
	debug bool
}

func newCodec(w wire, debug bool) *codec {
	return &codec{w: w, debug: debug}
}

func (c *codec) trace(label string, data []byte) {
	if !c.debug {
		return
	}
	fmt.Printf("-- %s --\n", label)
	xxd.Print(0, data)
}

// recvAck reads one byte and reports whether it was the ACK byte.
func (c *codec) recvAck() error {
	var b [1]byte
	if _, err := c.w.Read(b[:]); err != nil {
		return fmt.Errorf("%w: reading ack: %v", ErrProtocol, err)
	}
	if b[0] != ack {
		return fmt.Errorf("%w: got 0x%02x, want ack 0x%02x", ErrProtocol, b[0], ack)
	}
	return nil
}

// sendByte transmits {b, b^0xFF} and awaits ACK.
func (c *codec) sendByte(b byte) error {
	frame := []byte{b, b ^ 0xFF}
	c.trace("sendByte", frame)
	if _, err := c.w.Write(frame); err != nil {
		return fmt.Errorf("%w: writing byte: %v", ErrProtocol, err)
	}
	return c.recvAck()
}

// sendAddr transmits the four big-endian bytes of a 4-byte-aligned
// address followed by their XOR, and awaits ACK.
func (c *codec) sendAddr(addr uint32) error {
	if addr%4 != 0 {
		return fmt.Errorf("%w: address 0x%08x is not 4-byte aligned", ErrProtocol, addr)
	}
	var frame [5]byte
	binary.BigEndian.PutUint32(frame[:4], addr)
	frame[4] = frame[0] ^ frame[1] ^ frame[2] ^ frame[3]
	c.trace("sendAddr", frame[:])
	if _, err := c.w.Write(frame[:]); err != nil {
		return fmt.Errorf("%w: writing address: %v", ErrProtocol, err)
	}
	return c.recvAck()
}

// sendBlock transmits a 1..256-byte payload padded to a multiple of 4
// with 0xFF, length-prefixed as (padded length - 1), followed by a
// single XOR checksum over the length byte, payload, and padding.
func (c *codec) sendBlock(payload []byte) error {
	if len(payload) == 0 || len(payload) > 256 {
		return fmt.Errorf("%w: block length %d out of range 1..256", ErrProtocol, len(payload))
	}
	padding := (4 - (len(payload) % 4)) % 4
	n := byte(len(payload) + padding - 1)

	frame := make([]byte, 0, 1+len(payload)+padding+1)
	frame = append(frame, n)
	frame = append(frame, payload...)
	for i := 0; i < padding; i++ {
		frame = append(frame, 0xFF)
	}
	var checksum byte
	for _, b := range frame {
		checksum ^= b
	}
	frame = append(frame, checksum)

	c.trace("sendBlock", frame)
	if _, err := c.w.Write(frame); err != nil {
		return fmt.Errorf("%w: writing block: %v", ErrProtocol, err)
	}
	return c.recvAck()
}

// sendU16 transmits v high-byte-first and folds both bytes into *chk.
func (c *codec) sendU16(v uint16, chk *byte) error {
	b := [2]byte{byte(v >> 8), byte(v)}
	*chk ^= b[0] ^ b[1]
	if _, err := c.w.Write(b[:]); err != nil {
		return fmt.Errorf("%w: writing u16: %v", ErrProtocol, err)
	}
	return nil
}

// versionInfo is what GET_VERSION reports: the bootloader version byte
// and the set of command codes the device claims to support.
type versionInfo struct {
	version  byte
	commands map[Command]bool
}

// getVersion runs CMD_GET_VERSION: send the command, read the command
// count, the version byte, then exactly that many command codes (the
// original's documented behavior: n codes, never n+1), then the
// trailing ACK. Unknown codes are silently ignored.
func (c *codec) getVersion() (versionInfo, error) {
	if err := c.sendByte(byte(CmdGetVersion)); err != nil {
		return versionInfo{}, err
	}
	var n [1]byte
	if _, err := c.w.Read(n[:]); err != nil {
		return versionInfo{}, fmt.Errorf("%w: reading command count: %v", ErrProtocol, err)
	}
	var ver [1]byte
	if _, err := c.w.Read(ver[:]); err != nil {
		return versionInfo{}, fmt.Errorf("%w: reading bootloader version: %v", ErrProtocol, err)
	}

	commands := make(map[Command]bool)
	for i := 0; i < int(n[0]); i++ {
		var code [1]byte
		if _, err := c.w.Read(code[:]); err != nil {
			return versionInfo{}, fmt.Errorf("%w: reading command code %d: %v", ErrProtocol, i, err)
		}
		if _, ok := commandIndex[Command(code[0])]; ok {
			commands[Command(code[0])] = true
		}
	}
	if err := c.recvAck(); err != nil {
		return versionInfo{}, err
	}
	return versionInfo{version: ver[0], commands: commands}, nil
}

// getID runs CMD_GET_ID: send the command, read the length byte
// (which must be 1, meaning "2 bytes follow"), then the 2-byte
// big-endian product ID, then ACK.
func (c *codec) getID() (uint16, error) {
	if err := c.sendByte(byte(CmdGetID)); err != nil {
		return 0, err
	}
	var length [1]byte
	if _, err := c.w.Read(length[:]); err != nil {
		return 0, fmt.Errorf("%w: reading id length: %v", ErrProtocol, err)
	}
	if length[0] != 1 {
		return 0, fmt.Errorf("%w: unexpected id length byte %d, want 1", ErrProtocol, length[0])
	}
	var idBytes [2]byte
	if _, err := c.w.Read(idBytes[:]); err != nil {
		return 0, fmt.Errorf("%w: reading id: %v", ErrProtocol, err)
	}
	if err := c.recvAck(); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(idBytes[:]), nil
}

// writeMem issues WRITE_MEM for one block: addr must be 4-byte
// aligned and len(data) must be in 1..256.
func (c *codec) writeMem(addr uint32, data []byte) error {
	if err := c.sendByte(byte(CmdWriteMem)); err != nil {
		return err
	}
	if err := c.sendAddr(addr); err != nil {
		return err
	}
	return c.sendBlock(data)
}

// readMem issues READ_MEM for one block and returns exactly length
// bytes; there is no trailing ACK on this command.
func (c *codec) readMem(addr uint32, length int) ([]byte, error) {
	if length < 1 || length > 256 {
		return nil, fmt.Errorf("%w: read length %d out of range 1..256", ErrProtocol, length)
	}
	if err := c.sendByte(byte(CmdReadMem)); err != nil {
		return nil, err
	}
	if err := c.sendAddr(addr); err != nil {
		return nil, err
	}
	if err := c.sendByte(byte(length - 1)); err != nil {
		return nil, err
	}
	data := make([]byte, length)
	if _, err := c.w.Read(data); err != nil {
		return nil, fmt.Errorf("%w: reading memory: %v", ErrProtocol, err)
	}
	return data, nil
}

// erasePages issues the classic ERASE command for pages
// [first, first+count). Both first and first+count-1 must be <= 255.
func (c *codec) erasePages(first, count int) error {
	if first > 255 || first+count-1 > 255 {
		return fmt.Errorf("%w: page range [%d,%d) exceeds classic ERASE's 255-page limit", ErrProtocol, first, first+count)
	}
	if err := c.sendByte(byte(CmdErase)); err != nil {
		return err
	}
	frame := make([]byte, 0, 1+count)
	frame = append(frame, byte(count-1))
	for i := 0; i < count; i++ {
		frame = append(frame, byte(first+i))
	}
	var checksum byte
	for _, b := range frame {
		checksum ^= b
	}
	frame = append(frame, checksum)
	if _, err := c.w.Write(frame); err != nil {
		return fmt.Errorf("%w: writing erase frame: %v", ErrProtocol, err)
	}
	return c.recvAck()
}

// erasePagesExtended issues EXTENDED_ERASE for pages
// [first, first+count). count must be <= 0xFFF0.
func (c *codec) erasePagesExtended(first, count int) error {
	if count > 0xFFF0 {
		return fmt.Errorf("%w: extended erase count %d exceeds 0xFFF0", ErrProtocol, count)
	}
	if err := c.sendByte(byte(CmdExtendedErase)); err != nil {
		return err
	}
	var chk byte
	if err := c.sendU16(uint16(count-1), &chk); err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		if err := c.sendU16(uint16(first+i), &chk); err != nil {
			return err
		}
	}
	if _, err := c.w.Write([]byte{chk}); err != nil {
		return fmt.Errorf("%w: writing extended erase checksum: %v", ErrProtocol, err)
	}
	return c.recvAck()
}

// massErase tries the single-exchange global erase (classic or
// extended, whichever the device supports), returning whether it
// succeeded. A false return (with nil error) signals that the caller
// should fall back to a per-page erase; a non-nil error means the
// command byte was not acknowledged, a write failed, or the device
// supports neither erase command.
func (c *codec) massErase(classic, extended bool) (bool, error) {
	switch {
	case classic:
		if err := c.sendByte(byte(CmdErase)); err != nil {
			return false, err
		}
		if _, err := c.w.Write([]byte{0xFF, 0x00}); err != nil {
			return false, fmt.Errorf("%w: writing mass erase selector: %v", ErrProtocol, err)
		}
	case extended:
		if err := c.sendByte(byte(CmdExtendedErase)); err != nil {
			return false, err
		}
		if _, err := c.w.Write([]byte{0xFF, 0xFF, 0x00}); err != nil {
			return false, fmt.Errorf("%w: writing mass erase selector: %v", ErrProtocol, err)
		}
	default:
		return false, fmt.Errorf("%w: device supports neither ERASE nor EXTENDED_ERASE", ErrUnsupportedDevice)
	}
	if err := c.recvAck(); err != nil {
		return false, nil // NACK: caller falls back to per-page erase.
	}
	return true, nil
}

// goAddr issues CMD_GO at addr. sendAddr's own ACK wait completes the
// exchange; there is no further traffic to wait for once the target
// has jumped to firmware.
func (c *codec) goAddr(addr uint32) error {
	if err := c.sendByte(byte(CmdGo)); err != nil {
		return err
	}
	return c.sendAddr(addr)
}
