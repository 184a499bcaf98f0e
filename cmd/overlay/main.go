package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/overlay/internal/bridge"
	"github.com/GriffinCanCode/overlay/internal/host"
	"github.com/GriffinCanCode/overlay/internal/infrastructure/config"
	"github.com/GriffinCanCode/overlay/internal/infrastructure/logging"
)

func main() {
	// Parse flags
	server := flag.String("server", "", "URL to load instead of CONTENT_ROOT/index.html")
	debug := flag.Bool("debug", false, "Enable debug logging")
	surfaceMode := flag.String("surface", "", "Content surface: headless or remote (overrides SURFACE_MODE)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] CONTENT_ROOT [KEY=VALUE ...]\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	contentRoot := flag.Arg(0)

	var args []bridge.KeyValue
	for _, arg := range flag.Args()[1:] {
		kv, err := bridge.ParseKeyValue(arg)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		args = append(args, kv)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *surfaceMode != "" {
		cfg.Surface.Mode = *surfaceMode
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
			os.Exit(1)
		}
	}
	if *debug {
		cfg.Logging.Level = "debug"
		cfg.Logging.Development = true
	}

	// Initialize logger
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	content, path, err := config.LoadContent(contentRoot)
	if err != nil {
		if errors.Is(err, config.ErrNoContentConfig) {
			logger.Fatal("Content root has no config file", zap.String("content_root", contentRoot))
		}
		logger.Fatal("Invalid content config", zap.String("path", path), zap.Error(err))
	}
	logger.Info("Loaded content config", zap.String("path", path), zap.String("title", content.Title))

	h, err := host.New(cfg, content, host.Options{
		ContentRoot: contentRoot,
		Server:      *server,
		Args:        args,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create host", zap.Error(err))
	}
	if token := h.Token(); token != "" {
		logger.Info("Remote surface ready",
			zap.String("socket", cfg.SurfaceSocket()),
			zap.String("token_env", host.TokenEnv),
		)
	}

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := h.Run(ctx); err != nil {
		logger.Error("Host error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("Shut down gracefully")
}
