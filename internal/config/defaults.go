package config

// Default returns a Config populated with the values used when no config
// file is present.
func Default() Config {
	return Config{
		Server: Server{
			Host:             "0.0.0.0",
			Port:             9090,
			DefaultMaxTokens: 256,
		},
		Engine: Engine{
			Binary:                "build/llama-batched",
			Parallel:              8,
			CtxSize:               8192,
			GPULayers:             99,
			SplitMode:             "row",
			FlashAttention:        true,
			LoadingMarker:         "llm_load_tensors",
			RequestTimeoutSeconds: 300,
			AdmitTimeoutSeconds:   600,
			ShutdownGraceSeconds:  5,
			QueueSize:             64,
		},
		Logging: Logging{
			Level:  "info",
			Format: "auto",
		},
	}
}
