package handlers

import (
	"context"

	"github.com/the-crypt-keeper/llama-srb-api/internal/engine"
)

// Engine is the part of *engine.Engine the HTTP layer uses.
type Engine interface {
	State() engine.State
	CheckReady() error
	ModelPath() string
	ModelName() string
	MaxParallel() int
	Stream(ctx context.Context, req engine.Request) (*engine.Stream, error)
	Complete(ctx context.Context, req engine.Request) (*engine.Completion, error)
}
