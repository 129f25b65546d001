package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Brownie44l1/knee-cdss/internal/config"
	"github.com/Brownie44l1/knee-cdss/internal/ensemble"
	"github.com/Brownie44l1/knee-cdss/internal/fetch"
	"github.com/Brownie44l1/knee-cdss/internal/handlers"
	"github.com/Brownie44l1/knee-cdss/internal/logging"
	"github.com/Brownie44l1/knee-cdss/internal/model"
	"github.com/Brownie44l1/knee-cdss/internal/saliency"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logger.Sync()

	logger.Infow("starting", "service", handlers.ServiceName, "version", handlers.Version)

	rt, err := model.NewRuntime(cfg.Runtime, logger)
	if err != nil {
		logger.Fatalw("failed to initialize model runtime", "error", err)
	}
	defer rt.Close()

	registry := model.Load(cfg.Models, rt, model.ONNXLoader(rt, logger), logger)
	defer registry.Close()

	var heatmaps ensemble.Heatmapper
	if !cfg.Inference.DisableHeatmap {
		heatmaps = saliency.New(cfg.Inference.HeatmapWeight)
	}
	saliencyTasks := make([]model.Task, 0, len(cfg.Inference.SaliencyTasks))
	for _, name := range cfg.Inference.SaliencyTasks {
		task, ok := model.ParseTask(name)
		if !ok {
			logger.Warnw("ignoring unknown saliency task", "task", name)
			continue
		}
		saliencyTasks = append(saliencyTasks, task)
	}
	cacheSize := 0
	if cfg.Cache.Enabled {
		cacheSize = cfg.Cache.Size
	}

	engine, err := ensemble.New(registry, heatmaps, ensemble.Options{
		InputSize:     cfg.Inference.InputSize,
		SaliencyTasks: saliencyTasks,
		CacheSize:     cacheSize,
	}, logger)
	if err != nil {
		logger.Fatalw("failed to build inference engine", "error", err)
	}

	handler := handlers.NewHandler(engine, fetch.New(cfg.Fetch, logger), registry, cfg.Server.MaxUploadMB, logger)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler.Routes(cfg.Server.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	loaded := make([]string, 0, len(model.Tasks))
	for _, t := range registry.Loaded() {
		loaded = append(loaded, string(t))
	}
	logger.Infow("server starting",
		"addr", addr,
		"device", registry.Device(),
		"models", strings.Join(loaded, ","),
		"endpoints", []string{"GET /", "GET /health", "POST /analyze", "POST /analyze/upload"})

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalw("server failed", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Infow("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorw("graceful shutdown failed", "error", err)
	}
}
