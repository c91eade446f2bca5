package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/the-crypt-keeper/llama-srb-api/internal/engine"
	"github.com/the-crypt-keeper/llama-srb-api/pkg/api"
)

// DefaultMaxTokens is used when a request does not set max_tokens.
const DefaultMaxTokens = 256

const maxBodyBytes = 8 << 20

// CompletionsHandler handles POST /v1/completions.
type CompletionsHandler struct {
	Engine    Engine
	Logger    *slog.Logger
	MaxTokens int // default per-sequence budget; DefaultMaxTokens when zero
}

func (h *CompletionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.logger()

	// Rejected before the body is read so nothing reaches the engine.
	if err := h.Engine.CheckReady(); err != nil {
		writeEngineError(w, logger, err)
		return
	}

	var req api.CompletionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_request", "failed to parse request body: "+err.Error())
		return
	}

	ereq := engine.Request{Prompt: req.Prompt, N: 1, MaxTokens: h.MaxTokens}
	if ereq.MaxTokens <= 0 {
		ereq.MaxTokens = DefaultMaxTokens
	}
	if req.N != nil {
		ereq.N = *req.N
	}
	if req.MaxTokens != nil {
		ereq.MaxTokens = *req.MaxTokens
	}

	if req.Stream {
		h.handleStream(w, r, ereq)
	} else {
		h.handleComplete(w, r, ereq)
	}
}

func (h *CompletionsHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h *CompletionsHandler) handleComplete(w http.ResponseWriter, r *http.Request, req engine.Request) {
	c, err := h.Engine.Complete(r.Context(), req)
	if err != nil {
		writeEngineError(w, h.logger(), err)
		return
	}

	resp := api.CompletionResponse{
		ID:      c.ID,
		Object:  api.ObjectTextCompletion,
		Created: c.Created.Unix(),
		Model:   c.Model,
		Choices: make([]api.CompletionChoice, 0, len(c.Sequences)),
		Usage:   &api.Usage{},
	}
	for _, seq := range c.Sequences {
		choice := api.CompletionChoice{
			Index:        seq.Index,
			Text:         seq.Text,
			FinishReason: seq.FinishReason,
		}
		if seq.FinishReason == engine.FinishStop && seq.StopText != "" {
			choice.StopReason = api.StringPtr(seq.StopText)
		}
		resp.Choices = append(resp.Choices, choice)
		resp.Usage.CompletionTokens += seq.Tokens
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *CompletionsHandler) handleStream(w http.ResponseWriter, r *http.Request, req engine.Request) {
	stream, err := h.Engine.Stream(r.Context(), req)
	if err != nil {
		writeEngineError(w, h.logger(), err)
		return
	}
	defer stream.Close()
	logger := h.logger().With("request_id", stream.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	rc.Flush()

	for sev := range stream.Events {
		if sev.Err != nil {
			_, body := classifyError(sev.Err)
			logger.Warn("completion stream failed", "error", sev.Err)
			writeEvent(w, body)
			rc.Flush()
			return
		}

		ev := sev.Event
		var err error
		switch ev.Kind {
		case engine.EventStream:
			err = writeEvent(w, chunk(stream, api.ChunkChoice{
				Index: ev.Index,
				Text:  api.StringPtr(ev.Text),
			}))
		case engine.EventStop:
			choice := api.ChunkChoice{
				Index:        ev.Index,
				FinishReason: api.StringPtr(ev.FinishReason()),
			}
			if ev.HitStop && ev.Text != "" {
				choice.StopReason = api.StringPtr(ev.Text)
			}
			err = writeEvent(w, chunk(stream, choice))
		case engine.EventDone:
			err = writeData(w, api.DoneSentinel)
		default:
			continue
		}
		if err != nil {
			// The engine keeps running the batch; closing the stream leaves
			// the rest of its output to be drained.
			logger.Info("client went away mid stream", "error", err)
			return
		}
		rc.Flush()
	}
}

func chunk(s *engine.Stream, choice api.ChunkChoice) api.CompletionChunk {
	return api.CompletionChunk{
		ID:      s.ID,
		Object:  api.ObjectTextCompletion,
		Created: s.Created.Unix(),
		Model:   s.Model,
		Choices: []api.ChunkChoice{choice},
	}
}

func writeEvent(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeData(w, string(data))
}

func writeData(w io.Writer, data string) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
