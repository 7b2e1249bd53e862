package conn

import (
	"net"
	"sync"
)

type chunk struct {
	data []byte
	err  error
}

// session is one live socket. Only the reader goroutine calls Read; everything
// else happens on the core loop.
type session struct {
	id string
	nc net.Conn

	in   chan chunk
	done chan struct{}
	once sync.Once

	// out holds the unwritten tail of the frame being sent.
	out []byte
}

func newSession(id string, nc net.Conn) *session {
	return &session{
		id:   id,
		nc:   nc,
		in:   make(chan chunk, maxChunksPerTick*2),
		done: make(chan struct{}),
	}
}

// read pumps socket reads into in until the socket fails or the session is
// closed. wake is called after every delivered chunk.
func (s *session) read(wake func()) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.nc.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			select {
			case s.in <- chunk{data: data}:
				wake()
			case <-s.done:
				return
			}
		}
		if err != nil {
			select {
			case s.in <- chunk{err: err}:
				wake()
			case <-s.done:
			}
			return
		}
	}
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.nc.Close()
	})
}
