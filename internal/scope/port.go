package scope

import (
	"time"

	"go.bug.st/serial"
)

// SerialPort is the subset of serial.Port the driver touches. Demo mode and
// tests substitute their own implementations.
type SerialPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// SerialPortFactory opens a port at path with the given line mode.
type SerialPortFactory func(path string, mode *serial.Mode) (SerialPort, error)

// DefaultSerialPortFactory opens a real serial port.
func DefaultSerialPortFactory(path string, mode *serial.Mode) (SerialPort, error) {
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// PortSettings are the line parameters for an OS3000 link. The instrument
// always runs 8 data bits, no parity, no flow control.
type PortSettings struct {
	Path        string
	BaudRate    int
	TwoStopBits bool
}

// SupportedBaudRates lists the rates the instrument's DIP switches offer.
var SupportedBaudRates = []int{300, 600, 1200, 2400, 4800, 9600}

// ValidBaudRate reports whether the instrument can be driven at rate.
func ValidBaudRate(rate int) bool {
	for _, r := range SupportedBaudRates {
		if r == rate {
			return true
		}
	}
	return false
}

func (s PortSettings) mode() *serial.Mode {
	stopBits := serial.OneStopBit
	if s.TwoStopBits {
		stopBits = serial.TwoStopBits
	}
	return &serial.Mode{
		BaudRate: s.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: stopBits,
	}
}
