package engine

import (
	"fmt"
	"sync"
	"time"
)

// Request is a single batch submitted to the engine.
type Request struct {
	Prompt    string
	N         int // parallel sequences, >= 1
	MaxTokens int // per-sequence token budget, >= 1
}

// validate checks the request. maxParallel of 0 disables the upper bound on N.
func (r Request) validate(maxParallel int) error {
	if r.N < 1 {
		return fmt.Errorf("%w: n must be at least 1", ErrInvalidRequest)
	}
	if maxParallel > 0 && r.N > maxParallel {
		return fmt.Errorf("%w: n must be at most %d", ErrInvalidRequest, maxParallel)
	}
	if r.MaxTokens < 1 {
		return fmt.Errorf("%w: max_tokens must be at least 1", ErrInvalidRequest)
	}
	return nil
}

// StreamEvent is delivered on a Stream's channel. Exactly one of Event or
// Err is meaningful; an event with a non-nil Err is always the last one.
type StreamEvent struct {
	Event Event
	Err   error
}

// Stream is the lazy view of one in-flight batch.
type Stream struct {
	ID      string
	Created time.Time
	Model   string
	N       int

	// Events yields protocol events up to and including Done, or a final
	// StreamEvent carrying an error. It is closed afterwards.
	Events <-chan StreamEvent

	stop     chan struct{}
	stopOnce sync.Once
}

// Close abandons the stream. Undelivered events are dropped and Events is
// closed; the engine's output for the batch is still drained.
func (s *Stream) Close() {
	if s.stop == nil {
		return
	}
	s.stopOnce.Do(func() { close(s.stop) })
}

// SequenceResult is the final text of one generated sequence.
type SequenceResult struct {
	Index        int
	Text         string
	FinishReason string
	StopText     string // matched stop string, set only for FinishStop
	Tokens       int
}

// Completion is the aggregate result of a non-streaming request.
type Completion struct {
	ID      string
	Created time.Time
	Model   string

	// Sequences is ordered by arrival of their final text, which is not
	// necessarily index order.
	Sequences []SequenceResult
}
