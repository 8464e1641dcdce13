package terminal

import (
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"termbridge/internal/metrics"
)

const (
	readBufSize = 32 * 1024
	// drainTimeout bounds how long a session waits, after the child exits,
	// for output still queued in the PTY. Background jobs holding the
	// terminal open would otherwise keep it alive.
	drainTimeout = 2 * time.Second
)

// ErrClosed is returned by Write after the session has been closed.
var ErrClosed = errors.New("terminal session closed")

// Sink receives output chunks in order. Each chunk is valid UTF-8 unless the
// child itself wrote invalid bytes. Sink may block; a non-nil error stops the
// output pump and closes the session.
type Sink func(chunk []byte) error

// Session pumps a PTY's output to a Sink and forwards input and resizes to it.
type Session struct {
	pty  PTY
	sink Sink
	log  *zap.Logger

	mu   sync.Mutex
	cols uint16
	rows uint16

	closeOnce sync.Once
	closed    chan struct{}
	readDone  chan struct{}
	done      chan struct{}
	exitCode  int
}

// Start begins pumping p's output to sink. p must already have the given
// size.
func Start(p PTY, cols, rows uint16, sink Sink, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Session{
		pty:      p,
		sink:     sink,
		log:      log,
		cols:     cols,
		rows:     rows,
		closed:   make(chan struct{}),
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
		exitCode: -1,
	}
	go s.readLoop()
	go s.waitLoop()
	return s
}

func (s *Session) readLoop() {
	defer close(s.readDone)

	buf := make([]byte, readBufSize)
	var pending []byte
	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			chunk := append(pending, buf[:n]...)
			ready, rest := splitUTF8(chunk)
			pending = append([]byte(nil), rest...)
			if len(ready) > 0 {
				if sinkErr := s.emit(ready); sinkErr != nil {
					s.log.Debug("output sink closed", zap.Error(sinkErr))
					go s.Close()
					return
				}
			}
		}
		if err != nil {
			if len(pending) > 0 {
				s.emit(pending)
			}
			return
		}
	}
}

func (s *Session) emit(chunk []byte) error {
	metrics.PTYOutput(len(chunk))
	return s.sink(chunk)
}

func (s *Session) waitLoop() {
	code, err := s.pty.Wait()
	if err != nil {
		s.log.Warn("wait for shell", zap.Error(err))
	}

	timer := time.NewTimer(drainTimeout)
	select {
	case <-s.readDone:
	case <-s.closed:
	case <-timer.C:
		s.log.Debug("output still open after shell exit")
	}
	timer.Stop()

	s.mu.Lock()
	s.exitCode = code
	s.mu.Unlock()

	s.Close()
	close(s.done)
}

// Write delivers input bytes to the shell.
func (s *Session) Write(data []byte) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	_, err := s.pty.Write(data)
	return err
}

// Resize applies a new window size. Dimensions outside 1..65535 are refused
// and leave the session unchanged; Resize reports whether it applied.
func (s *Session) Resize(cols, rows int) bool {
	if !validDim(cols) || !validDim(rows) {
		return false
	}
	select {
	case <-s.closed:
		return false
	default:
	}
	if err := s.pty.Resize(uint16(cols), uint16(rows)); err != nil {
		s.log.Debug("resize failed", zap.Int("cols", cols), zap.Int("rows", rows), zap.Error(err))
		return false
	}
	s.mu.Lock()
	s.cols, s.rows = uint16(cols), uint16(rows)
	s.mu.Unlock()
	return true
}

func validDim(n int) bool {
	return n >= 1 && n <= 0xFFFF
}

// Size returns the last applied window size.
func (s *Session) Size() (cols, rows uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Pid returns the shell's process id.
func (s *Session) Pid() int {
	return s.pty.Pid()
}

// Close kills the shell and releases the PTY. It is safe to call any number of
// times from any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if err := s.pty.Kill(); err != nil {
			s.log.Debug("kill shell", zap.Error(err))
		}
		s.pty.Close()
	})
}

// Done is closed once the shell has exited and its output has been drained.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ExitCode is the shell's exit status, or -1 if it was killed. It is only
// meaningful after Done is closed.
func (s *Session) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// splitUTF8 splits b before a trailing incomplete UTF-8 sequence so that the
// sequence can be completed by the next read.
func splitUTF8(b []byte) (complete, rest []byte) {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				return b[:i], b[i:]
			}
			break
		}
	}
	return b, nil
}
