package log

import (
	"bytes"
	"sync"
)

// maxPooledBuffer bounds the buffers kept for reuse; a single huge
// record must not pin its memory for the life of the process.
const maxPooledBuffer = 64 << 10

var bufPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

func getBuffer() *bytes.Buffer {
	bf := bufPool.Get().(*bytes.Buffer)
	bf.Reset()
	return bf
}

func freeBuffer(bf *bytes.Buffer) {
	if bf.Cap() > maxPooledBuffer {
		return
	}

	bufPool.Put(bf)
}
