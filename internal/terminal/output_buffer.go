package terminal

import (
	"bytes"
	"sync"
	"time"
)

// OutputBuffer coalesces PTY output before fan-out (16ms / 8KB default).
// Watchers still observe chunks in production order; coalescing only merges
// adjacent chunks so a burst of single-byte reads does not become a burst of
// WebSocket frames.
type OutputBuffer struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	maxBytes int
	interval time.Duration
	emit     func([]byte)

	ticker  *time.Ticker
	stopCh  chan struct{}
	once    sync.Once
	stopped bool
}

// NewOutputBuffer creates an OutputBuffer delivering to emit.
func NewOutputBuffer(interval time.Duration, maxBytes int, emit func([]byte)) *OutputBuffer {
	if interval <= 0 {
		interval = 16 * time.Millisecond
	}
	if maxBytes <= 0 {
		maxBytes = 8 * 1024
	}
	if emit == nil {
		emit = func([]byte) {}
	}
	return &OutputBuffer{
		maxBytes: maxBytes,
		interval: interval,
		emit:     emit,
		stopCh:   make(chan struct{}),
	}
}

// Start starts the periodic flush loop.
func (o *OutputBuffer) Start() {
	o.mu.Lock()
	if o.ticker != nil || o.stopped {
		o.mu.Unlock()
		return
	}
	o.ticker = time.NewTicker(o.interval)
	ticker := o.ticker
	o.mu.Unlock()

	go func() {
		for {
			select {
			case <-o.stopCh:
				return
			case <-ticker.C:
				o.Flush()
			}
		}
	}()
}

// Write appends bytes and flushes when the size threshold is reached.
func (o *OutputBuffer) Write(data []byte) {
	if len(data) == 0 {
		return
	}
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.buf.Write(data)
	shouldFlush := o.buf.Len() >= o.maxBytes
	o.mu.Unlock()
	if shouldFlush {
		o.Flush()
	}
}

// Flush delivers any pending bytes immediately. emit runs under the buffer
// lock so the ticker and threshold paths can never deliver out of order;
// emit must not call back into the buffer.
func (o *OutputBuffer) Flush() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.buf.Len() == 0 {
		return
	}
	raw := append([]byte(nil), o.buf.Bytes()...)
	o.buf.Reset()
	o.emit(raw)
}

// Stop halts the loop and flushes pending data.
func (o *OutputBuffer) Stop() {
	o.once.Do(func() {
		close(o.stopCh)
	})

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return
	}
	o.stopped = true
	if o.ticker != nil {
		o.ticker.Stop()
		o.ticker = nil
	}
	if o.buf.Len() > 0 {
		pending := append([]byte(nil), o.buf.Bytes()...)
		o.buf.Reset()
		o.emit(pending)
	}
}
