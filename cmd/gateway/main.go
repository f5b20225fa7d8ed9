package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/asrstream/gateway/internal/engine"
	"github.com/asrstream/gateway/internal/hotwords"
	"github.com/asrstream/gateway/internal/workerpool"
	"github.com/asrstream/gateway/internal/ws"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg := loadConfig()

	srvHotwords, err := hotwords.LoadServerConfig(cfg.hotwordsFilePath)
	if err != nil {
		slog.Error("load server hotwords/beam config", "path", cfg.hotwordsFilePath, "error", err)
		os.Exit(1)
	}
	slog.Info("server hotwords loaded", "path", cfg.hotwordsFilePath, "count", len(srvHotwords.Hotwords))

	var eng engine.Engine
	if cfg.engineURL != "" {
		eng = engine.NewHTTPEngine(cfg.engineURL, cfg.engineHTTPPool)
		slog.Info("using http engine", "url", cfg.engineURL)
	} else {
		slog.Warn("ENGINE_URL not set, running against the in-memory fake engine")
		eng = &engine.Fake{}
	}

	decoderPool := workerpool.NewDecoderPool(cfg.decoderPoolSize, cfg.laneQueueDepth)
	ioPool := workerpool.NewIOPool(cfg.ioPoolSize)

	handler := ws.NewHandler(eng, decoderPool, ioPool, srvHotwords, slog.Default())

	mux := http.NewServeMux()
	registerRoutes(mux, handler)

	addr := ":" + cfg.port
	srv := &http.Server{Addr: addr, Handler: mux}

	go awaitShutdown(srv)

	slog.Info("gateway starting", "addr", addr, "io_pool", cfg.ioPoolSize, "decoder_pool", cfg.decoderPoolSize)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}

	slog.Info("gateway stopped")
}

// awaitShutdown blocks until SIGINT/SIGTERM, then drains the HTTP server
// with a 10-second limit. srv.Shutdown neither closes nor waits for
// hijacked connections, so upgraded WebSocket sessions are not drained by
// it; they end when their socket closes or the process exits.
func awaitShutdown(srv *http.Server) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Warn("graceful shutdown incomplete", "error", err)
	}
}
