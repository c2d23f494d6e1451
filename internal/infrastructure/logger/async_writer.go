package logger

import (
	"io"
	"sync"
	"sync/atomic"
)

// AsyncWriter is a zapcore.WriteSyncer that hands entries to a background
// goroutine through a bounded queue. When the queue is full the entry is
// dropped and counted.
type AsyncWriter struct {
	out     io.Writer
	queue   chan []byte
	flush   chan chan struct{}
	done    chan struct{}
	dropped atomic.Int64
	once    sync.Once
}

func NewAsyncWriter(out io.Writer, size int) *AsyncWriter {
	if size <= 0 {
		size = 1024
	}
	w := &AsyncWriter{
		out:   out,
		queue: make(chan []byte, size),
		flush: make(chan chan struct{}),
		done:  make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *AsyncWriter) run() {
	defer close(w.done)
	for {
		select {
		case p, ok := <-w.queue:
			if !ok {
				return
			}
			w.out.Write(p)
		case ack := <-w.flush:
			w.drain()
			close(ack)
		}
	}
}

func (w *AsyncWriter) drain() {
	for {
		select {
		case p, ok := <-w.queue:
			if !ok {
				return
			}
			w.out.Write(p)
		default:
			return
		}
	}
}

// Write copies p, since zap reuses its buffers, and never blocks.
func (w *AsyncWriter) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	select {
	case w.queue <- buf:
	default:
		w.dropped.Add(1)
	}
	return len(p), nil
}

// Sync blocks until everything queued so far has been written.
func (w *AsyncWriter) Sync() error {
	ack := make(chan struct{})
	select {
	case w.flush <- ack:
		<-ack
	case <-w.done:
	}
	if s, ok := w.out.(interface{ Sync() error }); ok {
		return s.Sync()
	}
	return nil
}

// Dropped reports how many entries were lost to a full queue.
func (w *AsyncWriter) Dropped() int64 {
	return w.dropped.Load()
}

// Close flushes the queue and stops the writer. Writes after Close panic.
func (w *AsyncWriter) Close() error {
	w.once.Do(func() {
		close(w.queue)
		<-w.done
	})
	return nil
}
