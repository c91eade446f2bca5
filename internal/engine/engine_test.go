package engine

import (
	"bufio"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProcess stands in for the engine's stdin and stdout.
type fakeProcess struct {
	t      *testing.T
	input  chan string // lines the engine wrote to stdin
	stdout *io.PipeWriter
}

func (p *fakeProcess) emit(lines ...string) {
	p.t.Helper()
	for _, line := range lines {
		_, err := io.WriteString(p.stdout, line+"\n")
		require.NoError(p.t, err)
	}
}

func (p *fakeProcess) nextInput() string {
	p.t.Helper()
	select {
	case line := <-p.input:
		return line
	case <-time.After(2 * time.Second):
		p.t.Fatal("no input line written to engine")
		return ""
	}
}

func (p *fakeProcess) assertNoInput(wait time.Duration) {
	p.t.Helper()
	select {
	case line := <-p.input:
		p.t.Fatalf("unexpected input line %q", line)
	case <-time.After(wait):
	}
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *fakeProcess) {
	t.Helper()
	if opts.ModelPath == "" {
		opts.ModelPath = "/models/test-7b.gguf"
	}
	e := New(opts, discardLogger())

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	p := &fakeProcess{t: t, input: make(chan string, 16), stdout: outW}
	go func() {
		r := bufio.NewReader(inR)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			p.input <- line[:len(line)-1]
		}
	}()

	e.attach(inW, outR)
	t.Cleanup(func() {
		e.Close()
		outW.Close()
		inR.Close()
	})
	return e, p
}

func readyEngine(t *testing.T, opts Options) (*Engine, *fakeProcess) {
	t.Helper()
	e, p := newTestEngine(t, opts)
	p.emit("llm_load_tensors: offloaded 33/33 layers to GPU", "INPUT:")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.WaitReady(ctx))
	return e, p
}

func collectEvents(t *testing.T, s *Stream) []StreamEvent {
	t.Helper()
	var out []StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestEngineStartupStates(t *testing.T) {
	e, p := newTestEngine(t, Options{})
	assert.Equal(t, StateInit, e.State())
	assert.ErrorIs(t, e.CheckReady(), ErrNotReady)

	p.emit("LOADING")
	assert.Eventually(t, func() bool { return e.State() == StateLoading }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, e.CheckReady(), ErrNotReady)

	p.emit("llm_load_tensors: more loading output", "INPUT:")
	assert.Eventually(t, func() bool { return e.State() == StateReady }, 2*time.Second, 5*time.Millisecond)
	assert.NoError(t, e.CheckReady())
	assert.Equal(t, "test-7b.gguf", e.ModelName())
	assert.Equal(t, "/models/test-7b.gguf", e.ModelPath())
	assert.Equal(t, 8, e.MaxParallel())
}

func TestEngineStreamBatch(t *testing.T) {
	e, p := readyEngine(t, Options{})

	stream, err := e.Stream(context.Background(), Request{Prompt: "Hi there", N: 2, MaxTokens: 16})
	require.NoError(t, err)
	assert.Regexp(t, `^cmpl-[0-9a-f-]{36}$`, stream.ID)
	assert.Equal(t, "test-7b.gguf", stream.Model)
	assert.Equal(t, 2, stream.N)

	assert.Equal(t, "Hi%20there||2||16", p.nextInput())

	p.emit(
		"START:2",
		"STREAM0:he",
		"STREAM1:wo",
		"STOP0:%0A:3:0",
		"STOP1:.:5:1",
		"DONE:2",
		"INPUT:",
	)

	events := collectEvents(t, stream)
	require.Len(t, events, 6)
	for _, ev := range events {
		require.NoError(t, ev.Err)
	}
	assert.Equal(t, Event{Kind: EventStart, Count: 2}, events[0].Event)
	assert.Equal(t, Event{Kind: EventStream, Index: 0, Text: "he"}, events[1].Event)
	assert.Equal(t, Event{Kind: EventStream, Index: 1, Text: "wo"}, events[2].Event)
	assert.Equal(t, Event{Kind: EventStop, Index: 0, Text: "\n", Length: 3}, events[3].Event)
	assert.Equal(t, Event{Kind: EventStop, Index: 1, Text: ".", Length: 5, HitStop: true}, events[4].Event)
	assert.Equal(t, Event{Kind: EventDone, Count: 2}, events[5].Event)

	assert.Eventually(t, func() bool { return e.State() == StateReady }, 2*time.Second, 5*time.Millisecond)
}

func TestEngineCompleteUsesSequenceText(t *testing.T) {
	e, p := readyEngine(t, Options{})

	result := make(chan *Completion, 1)
	go func() {
		c, err := e.Complete(context.Background(), Request{Prompt: "p", N: 2, MaxTokens: 8})
		assert.NoError(t, err)
		result <- c
	}()

	p.nextInput()
	p.emit(
		"PROMPT:p",
		"START:2",
		"STREAM0:a",
		"STREAM1:b",
		"STREAM7:ignored",
		"STOP1:.:1:1",
		"STOP0:2:0",
		"SEQUENCE1:b.",
		"SEQUENCE0:a%20x",
		"DONE:2",
		"INPUT:",
	)

	var c *Completion
	select {
	case c = <-result:
	case <-time.After(5 * time.Second):
		t.Fatal("Complete did not return")
	}
	require.NotNil(t, c)
	require.Len(t, c.Sequences, 2)

	assert.Equal(t, SequenceResult{Index: 1, Text: "b.", FinishReason: FinishStop, StopText: ".", Tokens: 1}, c.Sequences[0])
	assert.Equal(t, SequenceResult{Index: 0, Text: "a x", FinishReason: FinishLength, Tokens: 2}, c.Sequences[1])
}

func TestEngineCompleteFallsBackToStreamText(t *testing.T) {
	e, p := readyEngine(t, Options{})

	result := make(chan *Completion, 1)
	go func() {
		c, err := e.Complete(context.Background(), Request{Prompt: "p", N: 1, MaxTokens: 8})
		assert.NoError(t, err)
		result <- c
	}()

	p.nextInput()
	p.emit("START:1", "STREAM0:Hello", "STREAM0:%2C%20world", "STOP0:%0A:4:1", "DONE:1", "INPUT:")

	c := <-result
	require.NotNil(t, c)
	require.Len(t, c.Sequences, 1)
	assert.Equal(t, "Hello, world", c.Sequences[0].Text)
	assert.Equal(t, FinishStop, c.Sequences[0].FinishReason)
	assert.Equal(t, "\n", c.Sequences[0].StopText)
}

func TestEngineCompleteLengthFinishHasNoStopText(t *testing.T) {
	e, p := readyEngine(t, Options{})

	result := make(chan *Completion, 1)
	go func() {
		c, err := e.Complete(context.Background(), Request{Prompt: "p", N: 1, MaxTokens: 3})
		assert.NoError(t, err)
		result <- c
	}()

	p.nextInput()
	p.emit("START:1", "STREAM0:one%0A", "STOP0:%0A:3:0", "DONE:1", "INPUT:")

	c := <-result
	require.NotNil(t, c)
	require.Len(t, c.Sequences, 1)
	assert.Equal(t, FinishLength, c.Sequences[0].FinishReason)
	assert.Empty(t, c.Sequences[0].StopText)
}

func TestEngineSerializesRequests(t *testing.T) {
	e, p := readyEngine(t, Options{})

	var wg sync.WaitGroup
	results := make(map[string]string)
	var mu sync.Mutex
	for _, prompt := range []string{"alpha", "beta"} {
		wg.Add(1)
		go func(prompt string) {
			defer wg.Done()
			c, err := e.Complete(context.Background(), Request{Prompt: prompt, N: 1, MaxTokens: 4})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			results[prompt] = c.Sequences[0].Text
			mu.Unlock()
		}(prompt)
	}

	answer := func() {
		line := p.nextInput()
		req, err := DecodeRequest(line)
		require.NoError(t, err)

		// The second request must not reach the engine while this batch runs.
		p.assertNoInput(50 * time.Millisecond)
		p.emit("START:1", "STREAM0:"+EncodeText(req.Prompt+"-out"), "STOP0:1:1", "DONE:1", "INPUT:")
	}
	answer()
	answer()

	wg.Wait()
	assert.Equal(t, map[string]string{"alpha": "alpha-out", "beta": "beta-out"}, results)
}

func TestEngineRejectsWhenNotReady(t *testing.T) {
	e, p := newTestEngine(t, Options{})

	_, err := e.Stream(context.Background(), Request{Prompt: "x", N: 1, MaxTokens: 1})
	assert.ErrorIs(t, err, ErrNotReady)
	p.assertNoInput(30 * time.Millisecond)
}

func TestEngineRejectsInvalidRequest(t *testing.T) {
	e, p := readyEngine(t, Options{MaxParallel: 2})

	_, err := e.Stream(context.Background(), Request{Prompt: "x", N: 3, MaxTokens: 1})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = e.Stream(context.Background(), Request{Prompt: "x", N: 1, MaxTokens: 0})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	p.assertNoInput(30 * time.Millisecond)
}

func TestEngineDiscardsIdleOutput(t *testing.T) {
	e, p := newTestEngine(t, Options{})
	p.emit("STREAM0:stale", "DONE:1", "INPUT:")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.WaitReady(ctx))

	stream, err := e.Stream(context.Background(), Request{Prompt: "x", N: 1, MaxTokens: 1})
	require.NoError(t, err)
	p.nextInput()
	p.emit("START:1", "STREAM0:fresh", "STOP0:1:0", "DONE:1", "INPUT:")

	events := collectEvents(t, stream)
	require.Len(t, events, 4)
	assert.Equal(t, "fresh", events[1].Event.Text)
}

func TestEngineDownMidRequest(t *testing.T) {
	e, p := readyEngine(t, Options{})

	stream, err := e.Stream(context.Background(), Request{Prompt: "x", N: 1, MaxTokens: 4})
	require.NoError(t, err)
	p.nextInput()
	p.emit("START:1", "STREAM0:partial")
	require.NoError(t, p.stdout.Close())

	events := collectEvents(t, stream)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.ErrorIs(t, last.Err, ErrEngineDown)

	assert.Eventually(t, func() bool { return e.State() == StateDown }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, e.Err(), ErrEngineDown)
	select {
	case <-e.Done():
	default:
		t.Fatal("Done not closed after engine went down")
	}

	_, err = e.Stream(context.Background(), Request{Prompt: "y", N: 1, MaxTokens: 1})
	assert.ErrorIs(t, err, ErrEngineDown)
	assert.ErrorIs(t, e.CheckReady(), ErrEngineDown)
}

func TestEngineRequestTimeoutKeepsDraining(t *testing.T) {
	e, p := readyEngine(t, Options{RequestTimeout: 200 * time.Millisecond})

	stream, err := e.Stream(context.Background(), Request{Prompt: "slow", N: 1, MaxTokens: 4})
	require.NoError(t, err)
	p.nextInput()

	events := collectEvents(t, stream)
	require.Len(t, events, 1)
	assert.ErrorIs(t, events[0].Err, ErrTimeout)

	// The late output still belongs to the timed out request and must not
	// leak into the next one.
	p.emit("START:1", "STREAM0:late", "STOP0:1:0", "DONE:1", "INPUT:")

	next, err := e.Stream(context.Background(), Request{Prompt: "next", N: 1, MaxTokens: 4})
	require.NoError(t, err)
	assert.Equal(t, "next||1||4", p.nextInput())
	p.emit("START:1", "STREAM0:on%20time", "STOP0:2:1", "DONE:1", "INPUT:")

	got := collectEvents(t, next)
	require.Len(t, got, 4)
	assert.Equal(t, "on time", got[1].Event.Text)
}

func TestEngineCancelledCallerReleasesSlot(t *testing.T) {
	e, p := readyEngine(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := e.Stream(ctx, Request{Prompt: "a", N: 1, MaxTokens: 4})
	require.NoError(t, err)
	p.nextInput()
	p.emit("START:1")
	first := <-stream.Events
	require.NoError(t, first.Err)
	cancel()

	p.emit("STREAM0:x", "STREAM0:y", "STOP0:2:0", "DONE:1", "INPUT:")

	result := make(chan *Completion, 1)
	go func() {
		c, err := e.Complete(context.Background(), Request{Prompt: "b", N: 1, MaxTokens: 4})
		assert.NoError(t, err)
		result <- c
	}()
	assert.Equal(t, "b||1||4", p.nextInput())
	p.emit("START:1", "STREAM0:z", "STOP0:1:0", "DONE:1", "INPUT:")

	select {
	case c := <-result:
		require.NotNil(t, c)
		assert.Equal(t, "z", c.Sequences[0].Text)
	case <-time.After(5 * time.Second):
		t.Fatal("second request did not complete")
	}
}

func TestEngineIdleCallerDoesNotBlockNextRequest(t *testing.T) {
	e, p := readyEngine(t, Options{QueueSize: 4})

	stream, err := e.Stream(context.Background(), Request{Prompt: "a", N: 1, MaxTokens: 64})
	require.NoError(t, err)
	p.nextInput()

	p.emit("START:1")
	first := <-stream.Events
	require.NoError(t, first.Err)
	assert.Equal(t, EventStart, first.Event.Kind)

	var lines []string
	for i := 0; i < 40; i++ {
		lines = append(lines, "STREAM0:t")
	}
	p.emit(append(lines, "STOP0:40:0", "DONE:1", "INPUT:")...)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result := make(chan *Completion, 1)
	go func() {
		c, err := e.Complete(ctx, Request{Prompt: "b", N: 1, MaxTokens: 4})
		assert.NoError(t, err)
		result <- c
	}()
	assert.Equal(t, "b||1||4", p.nextInput())
	p.emit("START:1", "STREAM0:z", "STOP0:1:0", "DONE:1", "INPUT:")

	select {
	case c := <-result:
		require.NotNil(t, c)
		assert.Equal(t, "z", c.Sequences[0].Text)
	case <-time.After(5 * time.Second):
		t.Fatal("second request did not complete")
	}

	// The first caller still gets everything it has not read yet.
	rest := collectEvents(t, stream)
	require.Len(t, rest, 42)
	assert.Equal(t, EventStop, rest[40].Event.Kind)
	assert.Equal(t, EventDone, rest[41].Event.Kind)
}

func TestEngineStreamClose(t *testing.T) {
	e, p := readyEngine(t, Options{})

	stream, err := e.Stream(context.Background(), Request{Prompt: "a", N: 1, MaxTokens: 4})
	require.NoError(t, err)
	p.nextInput()
	stream.Close()
	stream.Close()

	assert.Empty(t, collectEvents(t, stream), "closed stream delivers nothing")

	p.emit("START:1", "STREAM0:x", "STOP0:1:0", "DONE:1", "INPUT:")

	result := make(chan *Completion, 1)
	go func() {
		c, err := e.Complete(context.Background(), Request{Prompt: "b", N: 1, MaxTokens: 4})
		assert.NoError(t, err)
		result <- c
	}()
	assert.Equal(t, "b||1||4", p.nextInput())
	p.emit("START:1", "STREAM0:y", "STOP0:1:0", "DONE:1", "INPUT:")

	select {
	case c := <-result:
		require.NotNil(t, c)
		assert.Equal(t, "y", c.Sequences[0].Text)
	case <-time.After(5 * time.Second):
		t.Fatal("request after a closed stream did not complete")
	}
}

func TestEngineStartRequiresModel(t *testing.T) {
	e := New(Options{}, discardLogger())
	err := e.Start(context.Background())
	assert.Error(t, err)
}
