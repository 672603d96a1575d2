package serial

import (
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// Device-open failure conditions, distinguished so callers can report them
// separately instead of retrying blindly.
var (
	ErrPortNotFound     = errors.New("port not found")
	ErrPortBusy         = errors.New("port busy")
	ErrPermissionDenied = errors.New("permission denied")
)

// ErrInvalidParams flags malformed line parameters before any device I/O.
var ErrInvalidParams = errors.New("invalid line parameters")

// DefaultReadTimeout keeps blocking reads short so read loops can observe
// cancellation between iterations.
const DefaultReadTimeout = 500 * time.Millisecond

// Port is the device-level surface the connection manager drives. The
// go.bug.st/serial port satisfies it directly; tests substitute scripted
// fakes.
type Port interface {
	io.ReadWriteCloser

	SetDTR(dtr bool) error
	SetRTS(rts bool) error
	SetReadTimeout(t time.Duration) error
}

// Opener opens a device with the given line parameters. The production
// opener is Open; tests inject their own.
type Opener func(device string, params LineParams) (Port, error)

// LineParams carries the serial line configuration for one connection.
type LineParams struct {
	BaudRate int     `json:"baud_rate"`
	DataBits int     `json:"data_bits"`
	Parity   string  `json:"parity"`    // none, even, odd, mark, space
	StopBits float64 `json:"stop_bits"` // 1, 1.5, 2
}

// DefaultLineParams returns the standard Arduino serial configuration.
func DefaultLineParams(baudRate int) LineParams {
	if baudRate == 0 {
		baudRate = 115200
	}
	return LineParams{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   "none",
		StopBits: 1,
	}
}

// Mode translates the parameters into a go.bug.st serial mode, rejecting
// malformed values before any device is touched.
func (p LineParams) Mode() (*serial.Mode, error) {
	if p.BaudRate <= 0 {
		return nil, fmt.Errorf("%w: baud rate %d", ErrInvalidParams, p.BaudRate)
	}

	mode := &serial.Mode{
		BaudRate: p.BaudRate,
		DataBits: p.DataBits,
	}
	if p.DataBits == 0 {
		mode.DataBits = 8
	} else if p.DataBits < 5 || p.DataBits > 8 {
		return nil, fmt.Errorf("%w: data bits %d", ErrInvalidParams, p.DataBits)
	}

	switch p.Parity {
	case "", "none":
		mode.Parity = serial.NoParity
	case "even":
		mode.Parity = serial.EvenParity
	case "odd":
		mode.Parity = serial.OddParity
	case "mark":
		mode.Parity = serial.MarkParity
	case "space":
		mode.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("%w: parity %q", ErrInvalidParams, p.Parity)
	}

	switch p.StopBits {
	case 0, 1:
		mode.StopBits = serial.OneStopBit
	case 1.5:
		mode.StopBits = serial.OnePointFiveStopBits
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("%w: stop bits %v", ErrInvalidParams, p.StopBits)
	}

	return mode, nil
}

// Open opens a real serial device and applies the default read timeout.
// Open failures are classified into the sentinel conditions above.
func Open(device string, params LineParams) (Port, error) {
	mode, err := params.Mode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, classifyOpenError(device, err)
	}

	if err := port.SetReadTimeout(DefaultReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", device, err)
	}

	return port, nil
}

// classifyOpenError maps go.bug.st port errors onto the sentinel open
// failures so the connection manager can surface distinct conditions.
func classifyOpenError(device string, err error) error {
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortNotFound:
			return fmt.Errorf("%w: %s", ErrPortNotFound, device)
		case serial.PortBusy:
			return fmt.Errorf("%w: %s", ErrPortBusy, device)
		case serial.PermissionDenied:
			return fmt.Errorf("%w: %s", ErrPermissionDenied, device)
		}
	}
	return fmt.Errorf("failed to open %s: %w", device, err)
}
