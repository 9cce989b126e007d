package transport

import (
	"fmt"

	"go.bug.st/serial"
)

// parityOf maps the Framing's string parity to go.bug.st/serial's enum.
func parityOf(p string) serial.Parity {
	switch p {
	case "odd":
		return serial.OddParity
	case "even":
		return serial.EvenParity
	default:
		return serial.NoParity
	}
}

func stopBitsOf(n int) serial.StopBits {
	switch n {
	case 2:
		return serial.TwoStopBits
	default:
		return serial.OneStopBit
	}
}

// OpenSerialPort is the OpenFunc for the real go.bug.st/serial driver. It is
// the only place this module touches physical hardware.
func OpenSerialPort(portPath string, baud int, f Framing) (SerialPort, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: f.DataBits,
		Parity:   parityOf(f.Parity),
		StopBits: stopBitsOf(f.StopBits),
	}
	port, err := serial.Open(portPath, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", portPath, err)
	}
	return port, nil
}
