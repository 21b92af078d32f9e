package device

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// DefaultPollInterval bounds how long a serial read waits for data.
const DefaultPollInterval = 50 * time.Millisecond

// SerialOpener returns a StreamOpener backed by a real serial port whose
// reads return after at most poll.
func SerialOpener(poll time.Duration) StreamOpener {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return func(port string, baud int) (ByteStream, error) {
		if port == "" {
			return nil, &ConnectionError{Device: "serial", Err: fmt.Errorf("no port configured")}
		}
		p, err := serial.Open(port, &serial.Mode{BaudRate: baud})
		if err != nil {
			return nil, &ConnectionError{Device: "serial", Addr: port, Err: err}
		}
		if err := p.SetReadTimeout(poll); err != nil {
			if cerr := p.Close(); cerr != nil {
				// Best-effort close after failed setup.
				_ = cerr
			}
			return nil, &ConnectionError{Device: "serial", Addr: port, Err: fmt.Errorf("failed to set read timeout: %w", err)}
		}
		return p, nil
	}
}

// ListPorts returns the serial ports visible to the host.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	return ports, nil
}
