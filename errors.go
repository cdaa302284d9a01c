package main

import "errors"

// The six observable error kinds a programming run can fail with. Call
// sites wrap one of these with fmt.Errorf("%w: ...", sentinel) so main
// can recover the kind with errors.Is while still reporting a specific
// message.
var (
	ErrArgument          = errors.New("argument error")
	ErrOpen              = errors.New("open error")
	ErrLink              = errors.New("link error")
	ErrProtocol          = errors.New("protocol error")
	ErrUnsupportedDevice = errors.New("unsupported device")
	ErrVerifyMismatch    = errors.New("verification mismatch")
)

func isUnsupportedDevice(err error) bool { return errors.Is(err, ErrUnsupportedDevice) }
