package apiclient

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"

	"github.com/the-crypt-keeper/llama-srb-api/pkg/api"
)

// StreamEvent is one parsed server-sent event.
type StreamEvent struct {
	Chunk *api.CompletionChunk
	Done  bool
	Err   error
}

// ParseSSEStream reads an SSE stream and sends parsed events to a channel.
// The channel is closed when the stream ends or an error occurs. An error
// envelope sent mid-stream is delivered as an *APIError.
func ParseSSEStream(r io.Reader) <-chan StreamEvent {
	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

		for scanner.Scan() {
			data, ok := strings.CutPrefix(scanner.Text(), "data: ")
			if !ok {
				continue
			}

			if data == api.DoneSentinel {
				ch <- StreamEvent{Done: true}
				return
			}

			var envelope struct {
				api.CompletionChunk
				Error *api.ErrorDetail `json:"error"`
			}
			if err := json.Unmarshal([]byte(data), &envelope); err != nil {
				ch <- StreamEvent{Err: err}
				return
			}
			if envelope.Error != nil {
				ch <- StreamEvent{Err: &APIError{Code: envelope.Error.Code, Message: envelope.Error.Message}}
				return
			}
			chunk := envelope.CompletionChunk
			ch <- StreamEvent{Chunk: &chunk}
		}

		if err := scanner.Err(); err != nil {
			ch <- StreamEvent{Err: err}
			return
		}
		ch <- StreamEvent{Err: io.ErrUnexpectedEOF}
	}()
	return ch
}

// AccumulateResponse collects streaming chunks into a CompletionResponse
// with one choice per sequence index, in index order.
func AccumulateResponse(events <-chan StreamEvent) (*api.CompletionResponse, error) {
	var (
		resp    api.CompletionResponse
		texts   = make(map[int]*strings.Builder)
		choices = make(map[int]*api.CompletionChoice)
		done    bool
	)
	choice := func(index int) *api.CompletionChoice {
		c, ok := choices[index]
		if !ok {
			c = &api.CompletionChoice{Index: index}
			choices[index] = c
			texts[index] = &strings.Builder{}
		}
		return c
	}

	for ev := range events {
		if ev.Err != nil {
			return nil, ev.Err
		}
		if ev.Done {
			done = true
			break
		}
		if ev.Chunk == nil {
			continue
		}
		if resp.ID == "" {
			resp.ID = ev.Chunk.ID
			resp.Object = ev.Chunk.Object
			resp.Created = ev.Chunk.Created
			resp.Model = ev.Chunk.Model
		}
		for _, cc := range ev.Chunk.Choices {
			c := choice(cc.Index)
			if cc.Text != nil {
				texts[cc.Index].WriteString(*cc.Text)
			}
			if cc.FinishReason != nil {
				c.FinishReason = *cc.FinishReason
			}
			if cc.StopReason != nil {
				c.StopReason = cc.StopReason
			}
		}
	}
	if !done {
		return nil, errors.New("stream ended before [DONE]")
	}

	indexes := make([]int, 0, len(choices))
	for idx := range choices {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		c := choices[idx]
		c.Text = texts[idx].String()
		resp.Choices = append(resp.Choices, *c)
	}
	return &resp, nil
}
