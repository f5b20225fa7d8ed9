package main

import "github.com/asrstream/gateway/internal/env"

// config holds the process-tuning knobs: pool sizes, the external engine
// address, and where the server-global hotword/beam file lives. Deployment
// values come from environment overrides (internal/env), matching the
// teacher's loadConfig/envStr-style config loading.
type config struct {
	port string

	// engineURL is the base address of the external ASR inference service.
	// Empty means run against the in-memory fake engine, so the gateway is
	// runnable without a live ASR backend (spec.md §1 "opaque handles").
	engineURL        string
	engineHTTPPool   int
	ioPoolSize       int // N_io (spec.md §4.H)
	decoderPoolSize  int // N_dec (spec.md §4.H)
	laneQueueDepth   int
	hotwordsFilePath string
}

func loadConfig() config {
	return config{
		port:             env.Str("GATEWAY_PORT", "10095"),
		engineURL:        env.Str("ENGINE_URL", ""),
		engineHTTPPool:   env.Int("ENGINE_HTTP_POOL_SIZE", 50),
		ioPoolSize:       env.Int("IO_POOL_SIZE", 200),
		decoderPoolSize:  env.Int("DECODER_POOL_SIZE", 8),
		laneQueueDepth:   env.Int("LANE_QUEUE_DEPTH", 64),
		hotwordsFilePath: env.Str("HOTWORDS_FILE", "hotwords.yaml"),
	}
}
