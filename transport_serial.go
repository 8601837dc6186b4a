package rosserial

import (
	"fmt"
	"net"
	"time"

	"go.bug.st/serial"
)

// DefaultBaudRate is used when a serial configuration does not name one.
const DefaultBaudRate = 57600

// SerialConfig describes a serial device endpoint.
type SerialConfig struct {
	// Port is the device path, e.g. /dev/ttyUSB0 or COM3.
	Port string

	// BaudRate is the line speed. Zero selects DefaultBaudRate.
	BaudRate int
}

// SerialConn adapts an open serial port to the Conn interface so a
// session can run over it like over any socket.
type SerialConn struct {
	port serial.Port
	addr serialAddr
}

// OpenSerial opens a serial port for a device session.
func OpenSerial(config SerialConfig) (*SerialConn, error) {
	if config.Port == "" {
		return nil, fmt.Errorf("no serial port path provided")
	}

	baud := config.BaudRate
	if baud <= 0 {
		baud = DefaultBaudRate
	}

	port, err := serial.Open(config.Port, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", config.Port, err)
	}

	return &SerialConn{port: port, addr: serialAddr(config.Port)}, nil
}

// Read reads data from the serial port.
func (c *SerialConn) Read(b []byte) (int, error) {
	return c.port.Read(b)
}

// Write writes data to the serial port.
func (c *SerialConn) Write(b []byte) (int, error) {
	return c.port.Write(b)
}

// Close closes the serial port.
func (c *SerialConn) Close() error {
	return c.port.Close()
}

// LocalAddr returns the device path as the local address.
func (c *SerialConn) LocalAddr() net.Addr {
	return c.addr
}

// RemoteAddr returns the device path as the remote address.
func (c *SerialConn) RemoteAddr() net.Addr {
	return c.addr
}

// SetDeadline sets the read deadline; serial ports have no write
// deadline.
func (c *SerialConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

// SetReadDeadline sets the read timeout on the port.
func (c *SerialConn) SetReadDeadline(t time.Time) error {
	if t.IsZero() {
		return c.port.SetReadTimeout(serial.NoTimeout)
	}
	return c.port.SetReadTimeout(time.Until(t))
}

// SetWriteDeadline is not supported on serial ports.
func (c *SerialConn) SetWriteDeadline(_ time.Time) error {
	return nil
}

type serialAddr string

func (a serialAddr) Network() string { return "serial" }
func (a serialAddr) String() string  { return string(a) }
