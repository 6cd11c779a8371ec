package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/miko-core/internal/audio"
	"github.com/loqalabs/miko-core/internal/config"
	"github.com/loqalabs/miko-core/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath   string
		showVersion  bool
		listDevices  bool
		outputDevice int
		noConsole    bool
	)

	flag.StringVar(&configPath, "config", "miko.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.BoolVar(&listDevices, "list-devices", false, "List audio devices and exit")
	flag.IntVar(&outputDevice, "output-device", -1, "Save this output device index before starting")
	flag.BoolVar(&noConsole, "no-console", false, "Run without the interactive console")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, loadErr := config.Load(configPath)
	// Logs go to stderr; stdout belongs to the console.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.Telemetry.LogLevel)}))
	switch {
	case errors.Is(loadErr, config.ErrConfigNotFound):
		logger.Warn("config file not found, using defaults", slog.String("path", configPath))
	case loadErr != nil:
		logger.Error("failed to load config", slog.String("error", loadErr.Error()))
		os.Exit(1)
	}

	if listDevices {
		if err := printDevices(logger); err != nil {
			logger.Error("failed to list devices", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	if outputDevice >= 0 {
		store, err := audio.OpenSelectionStore(cfg.AudioDevices.SelectionPath, audio.Selection{})
		if err == nil {
			err = store.SetOutput(&outputDevice)
		}
		if err != nil {
			logger.Error("failed to save output device", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	opts := []runtime.Option{runtime.WithConfigPath(configPath)}
	if !noConsole {
		opts = append(opts, runtime.WithConsole(os.Stdin, os.Stdout))
	}
	rt := runtime.New(cfg, logger, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func printDevices(logger *slog.Logger) error {
	host, err := audio.NewMalgoHost(logger)
	if err != nil {
		return err
	}
	defer host.Close()
	catalog := audio.NewCatalog(host)

	outputs, err := catalog.OutputDevices()
	if err != nil {
		return err
	}
	inputs, err := catalog.InputDevices()
	if err != nil {
		return err
	}
	for _, group := range []struct {
		title   string
		devices []audio.Device
	}{{"Output devices", outputs}, {"Input devices", inputs}} {
		fmt.Printf("%s:\n", group.title)
		for _, d := range group.devices {
			marker := ""
			if d.IsDefault {
				marker = " (default)"
			}
			fmt.Printf("  %d: %s%s\n", d.Index, d.Name, marker)
		}
	}
	return nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
