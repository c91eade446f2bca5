package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

func newRequestID() string {
	return "cmpl-" + uuid.NewString()
}

// Stream submits req and returns a lazy view of the batch's events.
//
// Requests are admitted one at a time: the output stream carries no request
// identifier, so a request is written to the engine only after the previous
// one has observed Done. Engine output is read regardless of how fast the
// caller consumes Events, and the next request is admitted as soon as Done
// arrives. Events the caller has not taken are held for it until ctx ends
// or Close is called. After the batch ends they are kept for at most
// RequestTimeout without a read.
func (e *Engine) Stream(ctx context.Context, req Request) (*Stream, error) {
	if err := req.validate(e.opts.MaxParallel); err != nil {
		return nil, err
	}
	line, err := EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	switch e.State() {
	case StateDown:
		return nil, e.downErr()
	case StateInit, StateLoading:
		return nil, ErrNotReady
	}

	admitCtx, cancel := context.WithTimeout(ctx, e.opts.AdmitTimeout)
	defer cancel()
	if err := e.admit.Acquire(admitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: waited %s for earlier requests", ErrBusy, e.opts.AdmitTimeout)
	}
	if e.State() == StateDown {
		e.admit.Release(1)
		return nil, e.downErr()
	}

	id := newRequestID()
	e.flight.begin(id)
	e.discardStale()

	if err := e.input.Push(ctx, line); err != nil {
		e.release()
		if errors.Is(err, ErrQueueClosed) {
			return nil, e.downErr()
		}
		return nil, err
	}
	e.logger.Debug("request submitted", "request_id", id, "n", req.N, "max_tokens", req.MaxTokens)

	events := make(chan StreamEvent)
	stream := &Stream{
		ID:      id,
		Created: time.Now(),
		Model:   e.modelName,
		N:       req.N,
		Events:  events,
		stop:    make(chan struct{}),
	}
	go e.pump(ctx, id, req.N, events, stream.stop)
	return stream, nil
}

// release returns the dispatcher to Idle and admits the next request.
func (e *Engine) release() {
	e.flight.end()
	e.admit.Release(1)
}

// discardStale drops payload left over from the previous batch, such as
// trailing diagnostics printed after Done.
func (e *Engine) discardStale() {
	for {
		select {
		case line, ok := <-e.lines:
			if !ok {
				return
			}
			e.logger.Debug("discarding stale engine output", "line", line)
		default:
			return
		}
	}
}

// pump reads the output channel for one request until Done or engine exit,
// translating lines into events for the caller. Reading the engine never
// waits on the caller: events queue in pending, and the slot is released
// as soon as the batch ends. Delivery stops when the caller goes away or
// stalls for RequestTimeout after the batch has ended.
func (e *Engine) pump(ctx context.Context, id string, n int, out chan<- StreamEvent, stop <-chan struct{}) {
	logger := e.logger.With("request_id", id)

	var (
		pending   []StreamEvent
		draining  = true // batch output not yet finished
		accepting = true // events are still queued for the caller
		open      = true // out not yet closed
		timedOut  bool
	)
	queue := func(ev StreamEvent) {
		if accepting {
			pending = append(pending, ev)
		}
	}
	abandon := func(reason string) {
		if accepting || len(pending) > 0 {
			logger.Info(reason, "undelivered", len(pending), "draining", draining)
		}
		pending = nil
		accepting = false
	}

	idle := time.NewTimer(e.opts.RequestTimeout)
	defer idle.Stop()
	stall := time.NewTimer(e.opts.RequestTimeout)
	stall.Stop()
	defer stall.Stop()

	finish := func() {
		draining = false
		accepting = false
		e.release()
		stall.Reset(e.opts.RequestTimeout)
	}

	for draining || open {
		if open && !accepting && len(pending) == 0 {
			close(out)
			open = false
			continue
		}

		var (
			send   chan<- StreamEvent
			next   StreamEvent
			lines  <-chan string
			idleC  <-chan time.Time
			stallC <-chan time.Time
			done   <-chan struct{}
			closed <-chan struct{}
		)
		if open {
			done, closed = ctx.Done(), stop
			if len(pending) > 0 {
				send, next = out, pending[0]
			}
		}
		if draining {
			lines = e.lines
			if !timedOut {
				idleC = idle.C
			}
		} else if len(pending) > 0 {
			stallC = stall.C
		}

		select {
		case send <- next:
			pending[0] = StreamEvent{}
			pending = pending[1:]
			stall.Reset(e.opts.RequestTimeout)
		case <-done:
			abandon("caller went away, draining remaining engine output")
		case <-closed:
			abandon("stream closed, draining remaining engine output")
		case <-stallC:
			abandon("caller stopped reading, dropping undelivered events")
		case <-idleC:
			logger.Warn("no engine output within request timeout", "timeout", e.opts.RequestTimeout)
			queue(StreamEvent{Err: fmt.Errorf("%w: no output for %s", ErrTimeout, e.opts.RequestTimeout)})
			accepting = false
			timedOut = true
		case line, ok := <-lines:
			if !ok {
				queue(StreamEvent{Err: e.downErr()})
				finish()
				continue
			}
			if !timedOut {
				idle.Reset(e.opts.RequestTimeout)
			}

			ev, err := ParseLine(line)
			if err != nil {
				if strings.TrimSpace(line) != "" {
					logger.Debug("ignoring engine output", "error", err)
				}
				continue
			}
			switch ev.Kind {
			case EventPrompt:
				logger.Debug("engine accepted prompt", "bytes", len(ev.Text))
				continue
			case EventStream, EventStop, EventSequence:
				if ev.Index < 0 || ev.Index >= n {
					logger.Warn("dropping event with out of range index", "kind", ev.Kind.String(), "index", ev.Index, "n", n)
					continue
				}
			case EventStart, EventDone:
				if ev.Count != n {
					logger.Warn("engine batch size differs from request", "kind", ev.Kind.String(), "count", ev.Count, "n", n)
				}
			}

			queue(StreamEvent{Event: ev})
			if ev.Kind == EventDone {
				logger.Debug("request complete")
				finish()
			}
		}
	}
}

// Complete submits req and waits for the whole batch, returning one result
// per sequence.
func (e *Engine) Complete(ctx context.Context, req Request) (*Completion, error) {
	stream, err := e.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return Collect(ctx, stream)
}

// Collect drains stream into a Completion. Sequence text comes from
// Sequence events in arrival order; an index without one (the engine only
// prints them for n > 1) falls back to its concatenated Stream text.
func Collect(ctx context.Context, stream *Stream) (*Completion, error) {
	defer stream.Close()

	var (
		order    []int
		seen     = make(map[int]bool)
		text     = make(map[int]string)
		streamed = make(map[int]*strings.Builder)
		stops    = make(map[int]Event)
	)

	done := false
	for !done {
		var (
			sev StreamEvent
			ok  bool
		)
		select {
		case sev, ok = <-stream.Events:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if !ok {
			return nil, fmt.Errorf("%w: stream ended before completion", ErrEngineDown)
		}
		if sev.Err != nil {
			return nil, sev.Err
		}

		ev := sev.Event
		switch ev.Kind {
		case EventStream:
			b := streamed[ev.Index]
			if b == nil {
				b = &strings.Builder{}
				streamed[ev.Index] = b
			}
			b.WriteString(ev.Text)
		case EventStop:
			stops[ev.Index] = ev
		case EventSequence:
			if !seen[ev.Index] {
				seen[ev.Index] = true
				order = append(order, ev.Index)
			}
			text[ev.Index] = ev.Text
		case EventDone:
			done = true
		}
	}

	for i := 0; i < stream.N; i++ {
		if seen[i] {
			continue
		}
		if b := streamed[i]; b != nil {
			text[i] = b.String()
		}
		seen[i] = true
		order = append(order, i)
	}

	result := &Completion{
		ID:        stream.ID,
		Created:   stream.Created,
		Model:     stream.Model,
		Sequences: make([]SequenceResult, 0, len(order)),
	}
	for _, idx := range order {
		seq := SequenceResult{
			Index:        idx,
			Text:         text[idx],
			FinishReason: FinishLength,
		}
		if stop, ok := stops[idx]; ok {
			seq.FinishReason = stop.FinishReason()
			seq.Tokens = stop.Length
			if stop.HitStop {
				seq.StopText = stop.Text
			}
		}
		result.Sequences = append(result.Sequences, seq)
	}
	return result, nil
}
