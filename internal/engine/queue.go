package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
)

// inputQueue is the bounded FIFO of encoded request lines feeding the
// engine's stdin. Many goroutines push; run is the single writer.
type inputQueue struct {
	lines     chan string
	closed    chan struct{}
	closeOnce sync.Once
}

func newInputQueue(size int) *inputQueue {
	if size < 1 {
		size = 1
	}
	return &inputQueue{
		lines:  make(chan string, size),
		closed: make(chan struct{}),
	}
}

// Push enqueues line, blocking while the queue is full.
func (q *inputQueue) Push(ctx context.Context, line string) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}
	select {
	case q.lines <- line:
		return nil
	case <-q.closed:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the writer. The writer sends one blank line to the engine,
// which tells it to exit, and returns. Lines still queued are dropped.
func (q *inputQueue) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
}

// run writes queued lines to w in submission order, flushing after each,
// until Close is called or a write fails.
func (q *inputQueue) run(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for {
		// Prefer shutdown over queued work once Close has been called.
		select {
		case <-q.closed:
			return writeLine(bw, "")
		default:
		}

		select {
		case <-q.closed:
			return writeLine(bw, "")
		case line := <-q.lines:
			if err := writeLine(bw, line); err != nil {
				return err
			}
		}
	}
}

func writeLine(bw *bufio.Writer, line string) error {
	if _, err := bw.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("write engine input: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush engine input: %w", err)
	}
	return nil
}
