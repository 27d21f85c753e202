package executor

import "sync"

// boundedBuffer is an io.Writer keeping only the newest max bytes.
// A runaway command can write forever without growing memory; the
// oldest output is dropped and the result marked truncated.
type boundedBuffer struct {
	mu        sync.Mutex
	max       int
	buf       []byte
	truncated bool
}

func newBoundedBuffer(max int) *boundedBuffer {
	return &boundedBuffer{max: max}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if n >= b.max {
		if n > b.max || len(b.buf) > 0 {
			b.truncated = true
		}
		b.buf = append(b.buf[:0], p[n-b.max:]...)
		return n, nil
	}

	if overflow := len(b.buf) + n - b.max; overflow > 0 {
		b.buf = b.buf[overflow:]
		b.truncated = true
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

// String returns the captured output, prefixed with a marker when
// older bytes were dropped.
func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return "[output truncated]\n" + string(b.buf)
	}
	return string(b.buf)
}
