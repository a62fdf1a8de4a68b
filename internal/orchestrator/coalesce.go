package orchestrator

import (
	"sync"
	"time"
)

// coalescer buffers streaming fragments and emits bounded chunks:
// either when the buffer reaches chunkBytes or when linger elapses
// with data pending. Chunk boundaries carry no semantic meaning.
type coalescer struct {
	chunkBytes int
	linger     time.Duration
	emit       func(chunk string) error

	mu     sync.Mutex
	buf    []byte
	timer  *time.Timer
	err    error
	closed bool
}

func newCoalescer(chunkBytes int, linger time.Duration, emit func(string) error) *coalescer {
	if chunkBytes <= 0 {
		chunkBytes = 512
	}
	if linger <= 0 {
		linger = 50 * time.Millisecond
	}
	return &coalescer{chunkBytes: chunkBytes, linger: linger, emit: emit}
}

// Write appends a fragment, flushing full chunks immediately. The
// first emit error sticks and fails all later writes, which propagates
// cancellation back into the producing stream.
func (c *coalescer) Write(fragment string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if c.closed {
		return nil
	}

	c.buf = append(c.buf, fragment...)
	for len(c.buf) >= c.chunkBytes {
		chunk := string(c.buf[:c.chunkBytes])
		c.buf = c.buf[c.chunkBytes:]
		if err := c.emit(chunk); err != nil {
			c.err = err
			return err
		}
	}

	if len(c.buf) > 0 {
		c.armTimerLocked()
	} else if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	return nil
}

// Abort discards buffered fragments and stops the linger timer without
// emitting, used when the producing stream failed mid-flight.
func (c *coalescer) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.buf = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Close flushes any remainder and stops the linger timer. Safe to call
// once after the stream ends.
func (c *coalescer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.err != nil {
		return c.err
	}
	return c.flushLocked()
}

func (c *coalescer) armTimerLocked() {
	if c.timer != nil {
		return
	}
	c.timer = time.AfterFunc(c.linger, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.timer = nil
		if c.err != nil || c.closed {
			return
		}
		if err := c.flushLocked(); err != nil {
			c.err = err
		}
	})
}

func (c *coalescer) flushLocked() error {
	for len(c.buf) > 0 {
		n := len(c.buf)
		if n > c.chunkBytes {
			n = c.chunkBytes
		}
		chunk := string(c.buf[:n])
		c.buf = c.buf[n:]
		if err := c.emit(chunk); err != nil {
			return err
		}
	}
	return nil
}
