package engine

import "time"

// Options configures how the engine subprocess is launched and served.
type Options struct {
	// Binary is the path or name of the batched inference executable.
	Binary string

	// ModelPath is passed to the engine with -m.
	ModelPath string

	// MaxParallel is the maximum number of parallel sequences (-np). Requests
	// asking for more are rejected.
	MaxParallel int

	// CtxSize is the context window size in tokens (-c).
	CtxSize int

	// GPULayers is the number of layers to offload to GPU (-ngl).
	GPULayers int

	// SplitMode selects how the model is split across GPUs (-sm).
	SplitMode string

	// FlashAttention enables flash attention (-fa).
	FlashAttention bool

	// ExtraArgs are appended to the command line verbatim.
	ExtraArgs []string

	// LoadingMarker is a substring identifying the engine's model loading
	// output. A line that is exactly "LOADING" is always recognised.
	LoadingMarker string

	// QueueSize bounds the input and output channels.
	QueueSize int

	// RequestTimeout is how long a request may go without any engine output.
	RequestTimeout time.Duration

	// AdmitTimeout is how long a request may wait for earlier requests to
	// finish before it is rejected as busy.
	AdmitTimeout time.Duration

	// ShutdownGrace is how long Close waits for the engine to exit after the
	// shutdown line before signalling it.
	ShutdownGrace time.Duration
}

// DefaultOptions returns Options matching the engine's usual launch line.
func DefaultOptions() Options {
	return Options{
		Binary:         "build/llama-batched",
		MaxParallel:    8,
		CtxSize:        8192,
		GPULayers:      99,
		SplitMode:      "row",
		FlashAttention: true,
		LoadingMarker:  "llm_load_tensors",
		QueueSize:      64,
		RequestTimeout: 5 * time.Minute,
		AdmitTimeout:   10 * time.Minute,
		ShutdownGrace:  5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Binary == "" {
		o.Binary = d.Binary
	}
	if o.MaxParallel <= 0 {
		o.MaxParallel = d.MaxParallel
	}
	if o.CtxSize <= 0 {
		o.CtxSize = d.CtxSize
	}
	if o.SplitMode == "" {
		o.SplitMode = d.SplitMode
	}
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.AdmitTimeout <= 0 {
		o.AdmitTimeout = d.AdmitTimeout
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = d.ShutdownGrace
	}
	return o
}
