package conn

import "bytes"

// framer splits a byte stream into '\n' terminated frames with trailing '\r'
// removed. Frames longer than max are dropped; a line that overflows before
// its terminator arrives is discarded up to the next '\n'.
type framer struct {
	max        int
	buf        []byte
	discarding bool
}

func newFramer(max int) *framer {
	return &framer{max: max}
}

func (f *framer) reset() {
	f.buf = f.buf[:0]
	f.discarding = false
}

// push feeds data. emit receives a private copy of each frame and returns
// false to abandon the rest of data. drop is told the size of each oversize
// frame.
func (f *framer) push(data []byte, emit func(frame []byte) bool, drop func(size int)) {
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			if f.discarding {
				return
			}
			f.buf = append(f.buf, data...)
			// +1 leaves room for the '\r' of a CRLF split across reads.
			if len(f.buf) > f.max+1 {
				drop(len(f.buf))
				f.buf = f.buf[:0]
				f.discarding = true
			}
			return
		}

		part := data[:i]
		data = data[i+1:]
		if f.discarding {
			f.discarding = false
			continue
		}

		line := part
		if len(f.buf) > 0 {
			f.buf = append(f.buf, part...)
			line = f.buf
		}
		line = bytes.TrimRight(line, "\r")
		size := len(line)
		frame := append([]byte(nil), line...)
		f.buf = f.buf[:0]

		if size == 0 {
			continue
		}
		if size > f.max {
			drop(size)
			continue
		}
		if !emit(frame) {
			return
		}
	}
}
