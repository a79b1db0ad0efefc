package hardware

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
)

const maxLine = 256

// SerialTagReader is a [TagReader] for readers that report each tag as one
// text line on a serial port (the common UART/USB RFID modules). Lines are
// trimmed; empty lines are ignored.
type SerialTagReader struct {
	port serial.Port
	buf  []byte
	tmp  []byte
}

// OpenSerialTagReader opens the serial device at path.
func OpenSerialTagReader(path string, baud int) (*SerialTagReader, error) {
	if baud <= 0 {
		baud = 9600
	}
	port, err := serial.Open(path, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("hardware: open tag reader %q: %w", path, err)
	}
	return &SerialTagReader{port: port, tmp: make([]byte, 64)}, nil
}

// ReadUID implements [TagReader].
func (r *SerialTagReader) ReadUID(ctx context.Context, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		if line, ok := r.nextLine(); ok {
			return line, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 || ctx.Err() != nil {
			return "", nil
		}
		if err := r.port.SetReadTimeout(remaining); err != nil {
			return "", fmt.Errorf("hardware: tag reader timeout: %w", err)
		}
		n, err := r.port.Read(r.tmp)
		if err != nil {
			return "", fmt.Errorf("hardware: tag reader read: %w", err)
		}
		r.buf = append(r.buf, r.tmp[:n]...)
		if len(r.buf) > maxLine {
			r.buf = append(r.buf[:0], r.buf[len(r.buf)-maxLine:]...)
		}
	}
}

func (r *SerialTagReader) nextLine() (string, bool) {
	for {
		i := bytes.IndexAny(r.buf, "\r\n")
		if i < 0 {
			return "", false
		}
		line := strings.TrimSpace(string(r.buf[:i]))
		r.buf = r.buf[i+1:]
		if line != "" {
			return line, true
		}
	}
}

// Close closes the serial port.
func (r *SerialTagReader) Close() error { return r.port.Close() }
