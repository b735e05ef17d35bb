package ranging

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Frames from serial ultrasonic modules (JSN-SR04T mode 5, A02YYUW) are
// four bytes: 0xFF header, distance high byte, low byte, checksum, in millimeters.
const (
	frameHeader  = 0xFF
	triggerByte  = 0x55
	frameSize    = 4
	minValidMM   = 1
	defaultBaud  = 9600
	readDeadline = 40 * time.Millisecond
)

// Port is the subset of serial.Port used by SerialRangefinder.
// It lets tests substitute an in-memory port.
type Port interface {
	io.ReadWriter
	io.Closer
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// PortOptions describes the serial connection for one rangefinder. The
// modules only speak 8N1, so the baud rate is the one line setting.
type PortOptions struct {
	Path     string `yaml:"path"`
	BaudRate int    `yaml:"baud_rate"`
}

// Normalize validates the options and applies the module's default baud rate.
func (o PortOptions) Normalize() (PortOptions, error) {
	if o.Path == "" {
		return o, fmt.Errorf("serial path is required")
	}
	if o.BaudRate < 0 {
		return o, fmt.Errorf("invalid baud rate %d", o.BaudRate)
	}
	if o.BaudRate == 0 {
		o.BaudRate = defaultBaud
	}
	return o, nil
}

// SerialMode converts the options into an 8N1 go.bug.st/serial mode.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	return &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: 8,
		StopBits: serial.OneStopBit,
		Parity:   serial.NoParity,
	}, nil
}

// SerialRangefinder drives a UART ultrasonic module in triggered mode:
// each Measure writes a trigger byte and waits for one distance frame.
type SerialRangefinder struct {
	mu   sync.Mutex
	port Port
	path string
}

// OpenSerial opens the serial port described by opts.
func OpenSerial(opts PortOptions) (*SerialRangefinder, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(opts.Path, mode)
	if err != nil {
		return nil, fmt.Errorf("open rangefinder %s: %w", opts.Path, err)
	}
	return NewSerialRangefinder(port, opts.Path), nil
}

// NewSerialRangefinder wraps an already opened port.
func NewSerialRangefinder(port Port, path string) *SerialRangefinder {
	return &SerialRangefinder{port: port, path: path}
}

// Measure triggers one reading and returns it in centimeters.
func (s *SerialRangefinder) Measure(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	window := readDeadline
	if dl, ok := ctx.Deadline(); ok {
		window = time.Until(dl)
		if window <= 0 {
			return 0, ErrTimeout
		}
	}

	if err := s.port.ResetInputBuffer(); err != nil {
		return 0, fmt.Errorf("%s: reset input: %w", s.path, err)
	}
	if err := s.port.SetReadTimeout(window); err != nil {
		return 0, fmt.Errorf("%s: set read timeout: %w", s.path, err)
	}
	if _, err := s.port.Write([]byte{triggerByte}); err != nil {
		return 0, fmt.Errorf("%s: trigger: %w", s.path, err)
	}

	frame, err := s.readFrame(ctx)
	if err != nil {
		return 0, err
	}
	mm, err := decodeFrame(frame)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", s.path, err)
	}
	if mm < minValidMM {
		return 0, ErrTimeout
	}
	return float64(mm) / 10, nil
}

// readFrame scans for a header byte then reads the rest of the frame.
// A zero-length read means the port timed out.
func (s *SerialRangefinder) readFrame(ctx context.Context) ([frameSize]byte, error) {
	var frame [frameSize]byte
	buf := make([]byte, 1)
	n := 0
	for n < frameSize {
		if ctx.Err() != nil {
			return frame, ErrTimeout
		}
		got, err := s.port.Read(buf)
		if err != nil {
			return frame, fmt.Errorf("%s: read: %w", s.path, err)
		}
		if got == 0 {
			return frame, ErrTimeout
		}
		if n == 0 && buf[0] != frameHeader {
			continue
		}
		frame[n] = buf[0]
		n++
	}
	return frame, nil
}

// decodeFrame validates the checksum and returns the distance in millimeters.
func decodeFrame(f [frameSize]byte) (int, error) {
	if f[0] != frameHeader {
		return 0, fmt.Errorf("bad frame header 0x%02x", f[0])
	}
	sum := byte(int(f[0]) + int(f[1]) + int(f[2]))
	if sum != f[3] {
		return 0, fmt.Errorf("checksum mismatch: got 0x%02x, want 0x%02x", f[3], sum)
	}
	return int(f[1])<<8 | int(f[2]), nil
}

// Close releases the serial port.
func (s *SerialRangefinder) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port.Close()
}
