package buffer

import (
	"github.com/valyala/bytebufferpool"
)

// BufferPool hands out fixed-capacity read buffers backed by
// valyala/bytebufferpool. The classifier and the control channel reader
// borrow one per read and return it once the bytes have been consumed, so
// short-lived connections do not allocate a fresh slice each time.
type BufferPool struct {
	pool       *bytebufferpool.Pool
	bufferSize int
}

// NewBufferPool creates a pool whose buffers hold at least bufferSize bytes.
func NewBufferPool(bufferSize int) *BufferPool {
	if bufferSize <= 0 {
		bufferSize = 512
	}
	return &BufferPool{
		bufferSize: bufferSize,
		pool:       &bytebufferpool.Pool{},
	}
}

// Size returns the capacity every buffer from Get is guaranteed to have.
func (bp *BufferPool) Size() int {
	return bp.bufferSize
}

// Get returns a buffer whose B slice has length Size(), ready to be passed
// to Read. Callers trim B to the number of bytes actually read.
func (bp *BufferPool) Get() *bytebufferpool.ByteBuffer {
	buf := bp.pool.Get()
	buf.Reset()
	if cap(buf.B) < bp.bufferSize {
		buf.B = make([]byte, bp.bufferSize)
	}
	buf.B = buf.B[:bp.bufferSize]
	return buf
}

// Put returns a buffer to the pool. Nil buffers are ignored.
func (bp *BufferPool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		bp.pool.Put(buf)
	}
}
