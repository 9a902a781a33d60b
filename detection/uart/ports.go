package uart

import (
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
)

// portInfo describes one serial port discovered on the host.
type portInfo struct {
	// Path is the OS device path (e.g. "/dev/ttyACM0", "COM3").
	Path string
	// VIDPID is "VID:PID" in upper-case hex for USB ports, empty otherwise.
	VIDPID string
	// Product is the USB product string when the OS exposes one.
	Product string
	// Serial is the USB serial number when present.
	Serial string
	// IsUSB reports whether the port sits behind a USB adapter.
	IsUSB bool
}

// listPorts enumerates serial ports on the host. It is a variable so
// tests can swap in synthetic port tables.
var listPorts = func() ([]portInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	ports := make([]portInfo, 0, len(details))
	for _, d := range details {
		port := portInfo{
			Path:  d.Name,
			IsUSB: d.IsUSB,
		}
		if d.IsUSB {
			port.VIDPID = strings.ToUpper(d.VID) + ":" + strings.ToUpper(d.PID)
			port.Product = d.Product
			port.Serial = d.SerialNumber
		}
		ports = append(ports, port)
	}
	return ports, nil
}
