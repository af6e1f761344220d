package relay

import (
	"fmt"

	"go.bug.st/serial"

	"github.com/RatAcad/bpodacademy/internal/logging"
)

// Open dials the relay device on a physical serial port and wraps it in
// a Link. The locator is the platform port name (/dev/ttyUSB0, COM3); a
// non-positive baud rate falls back to the protocol default.
func Open(locator string, baudRate int, logger *logging.Logger) (*Link, error) {
	port, err := serial.Open(locator, portMode(baudRate))
	if err != nil {
		return nil, fmt.Errorf("open relay port %s: %w", locator, err)
	}
	return NewLink(port, logger), nil
}

func portMode(baudRate int) *serial.Mode {
	if baudRate <= 0 {
		baudRate = BaudRate
	}
	return &serial.Mode{BaudRate: baudRate}
}
