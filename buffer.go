package modbus

import "io"

// frameBuffer is the reusable decode buffer of a transport. It is sized to
// the maximum frame length once and refilled for every incoming frame, so
// decoding allocates nothing per message. Access is serialized by the
// transport's read mutex.
type frameBuffer struct {
	data  []byte
	valid int // number of bytes holding the current frame
	pos   int // read cursor
}

func newFrameBuffer(size int) *frameBuffer {
	return &frameBuffer{data: make([]byte, size)}
}

// set marks the first n bytes as the current frame and rewinds the cursor.
func (b *frameBuffer) set(n int) {
	b.valid = n
	b.pos = 0
}

// Read implements io.Reader over the current frame.
func (b *frameBuffer) Read(p []byte) (int, error) {
	if b.pos >= b.valid {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:b.valid])
	b.pos += n
	return n, nil
}
