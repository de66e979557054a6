package api

import (
	"bytes"
	"sync"
)

// bufferPool reuses request-body buffers across the many concurrent
// generation and scoring calls a stage makes.
var bufferPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

func getBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// putBuffer returns a buffer to the pool. Oversized buffers are dropped so
// one huge prompt batch does not pin memory for the rest of the run.
func putBuffer(buf *bytes.Buffer) {
	const maxBufferSize = 16 * 1024 // 16KB
	if buf.Cap() <= maxBufferSize {
		bufferPool.Put(buf)
	}
}
