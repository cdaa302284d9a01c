// Command stm32sprog talks to the built-in UART bootloader found on
// STM32 microcontrollers: it can erase flash, write a raw firmware
// image, verify the write by reading it back, and jump to the loaded
// firmware.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
)

const (
	defaultDevice = "/dev/ttyUSB0"
	defaultBaud   = 115200
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: stm32sprog OPTIONS

OPTIONS:
  -b BAUD    Set the baud rate. (%d)
  -d DEVICE  Communicate using DEVICE. (%s)
  -e         Erase the target device.
  -h         Print this help.
  -r         Run the firmware on the device.
  -v         Verify the write process.
  -w FILE    Write the raw binary FILE to the target device.

`, defaultBaud, defaultDevice)
}

func main() {
	log.SetFlags(0)
	os.Exit(run(os.Args[1:]))
}

// run implements the CLI surface and returns the process exit code, so
// main stays a one-line os.Exit wrapper.
func run(args []string) int {
	fs := flag.NewFlagSet("stm32sprog", flag.ContinueOnError)
	fs.Usage = usage

	baud := fs.Int("b", defaultBaud, "baud rate")
	device := fs.String("d", defaultDevice, "serial device")
	erase := fs.Bool("e", false, "erase the target device")
	doRun := fs.Bool("r", false, "run the firmware on the device")
	verify := fs.Bool("v", false, "verify the write process")
	file := fs.String("w", "", "write the raw binary FILE to the target device")
	debug := fs.Bool("debug", false, "trace protocol frames")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "Too many arguments.")
		usage()
		return 1
	}
	if !*erase && !*doRun && *file == "" {
		fmt.Fprintln(os.Stderr, "No actions specified.")
		usage()
		return 1
	}
	if *verify && *file == "" {
		fmt.Fprintln(os.Stderr, "Verification requires write.")
		usage()
		return 1
	}

	return program(*device, *baud, *erase, *doRun, *verify, *file, *debug)
}

// program runs the connect/identify/erase/write/verify/go sequence,
// logs a message naming the first step that fails, and returns 1 in
// that case (0 on success).
func program(device string, baud int, erase, runFirmware, verify bool, file string, debug bool) int {
	var buf *SparseBuffer
	if file != "" {
		loaded, _, err := ReadFirmware(file, FormatAuto)
		if err != nil {
			log.Printf("Error opening file %q: %v", file, err)
			return 1
		}
		loaded.Shift(int64(flashBegin))
		buf = loaded
	}

	line, err := OpenSerialLine(device, baud)
	if err != nil {
		log.Printf("Unable to open device %q: %v", device, err)
		return 1
	}

	sess := NewSession(line, debug, os.Stdout)
	defer sess.Close()

	if err := sess.Connect(); err != nil {
		log.Println("STM32 not detected.")
		return 1
	}
	if err := sess.Identify(); err != nil {
		log.Printf("Device not supported: %v", err)
		return 1
	}

	if err := sess.Erase(erase, file != "", buf); err != nil {
		log.Printf("Unable to erase flash: %v", err)
		return 1
	}

	if buf != nil {
		if err := sess.Write(buf); err != nil {
			log.Printf("Unable to write flash: %v", err)
			return 1
		}
		if verify {
			if err := sess.Verify(buf); err != nil {
				if errors.Is(err, ErrVerifyMismatch) {
					log.Printf("Flash verification failed: %v", err)
				} else {
					log.Printf("Unable to verify flash: %v", err)
				}
				return 1
			}
		}
	}

	if runFirmware {
		if err := sess.Go(); err != nil {
			log.Printf("Unable to start firmware: %v", err)
			return 1
		}
	}

	return 0
}
