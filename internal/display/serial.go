package display

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"go.bug.st/serial"
)

// Serial writes status codes to the indicator over a serial line.
//
// Show never blocks: a single writer goroutine sends the most recent status
// and intermediate statuses that were superseded before being written are
// skipped. Consecutive duplicates are written once.
type Serial struct {
	w       io.WriteCloser
	pending chan Status
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// OpenSerial opens the indicator's serial device.
func OpenSerial(path string, baud int) (*Serial, error) {
	if baud <= 0 {
		baud = 115200
	}
	port, err := serial.Open(path, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("display: open %q: %w", path, err)
	}
	return NewSerial(port), nil
}

// NewSerial starts a Serial writing to w.
func NewSerial(w io.WriteCloser) *Serial {
	s := &Serial{
		w:       w,
		pending: make(chan Status, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Show implements [Display].
func (s *Serial) Show(st Status) {
	for {
		select {
		case s.pending <- st:
			return
		default:
		}
		select {
		case <-s.pending:
		default:
		}
	}
}

func (s *Serial) run() {
	defer close(s.done)
	last := Status(-1)
	write := func(st Status) {
		if st == last {
			return
		}
		if _, err := s.w.Write([]byte{st.Code()}); err != nil {
			slog.Warn("display: write failed", "status", st.String(), "err", err)
			return
		}
		last = st
	}
	for {
		select {
		case st := <-s.pending:
			write(st)
		case <-s.stop:
			select {
			case st := <-s.pending:
				write(st)
			default:
			}
			return
		}
	}
}

// Close writes any pending status, stops the writer and closes the port.
func (s *Serial) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		<-s.done
		err = s.w.Close()
	})
	return err
}
