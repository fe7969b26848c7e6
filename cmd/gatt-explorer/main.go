// Command gatt-explorer scans every local Bluetooth LE adapter, connects to
// each peripheral it finds, and prints the peripheral's GATT services and
// characteristics.
//
// Usage:
//
//	gatt-explorer [-config path] [-init-config]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/chaz8081/gatt-explorer/internal/ble"
	"github.com/chaz8081/gatt-explorer/internal/ble/bluez"
	"github.com/chaz8081/gatt-explorer/internal/config"
	"github.com/chaz8081/gatt-explorer/internal/explore"
	"github.com/chaz8081/gatt-explorer/internal/report"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/gatt-explorer/config.yaml)")
	initConfig := flag.Bool("init-config", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
			return
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	reporter, err := report.New(cfg.Output.Format)
	if err != nil {
		log.Fatalf("report: %v", err)
	}
	quiet := cfg.Output.Format == "json"

	manager, closeManager := newManager(cfg, logger)
	defer closeManager()

	scanner := ble.NewScanner(ble.ScanOptions{
		Window:       cfg.Scan.Window,
		MinDevices:   cfg.Scan.MinDevices,
		PollInterval: cfg.Scan.PollInterval,
	}, logger)
	session := ble.NewSession(reporter, ble.SessionOptions{
		DisconnectOnDiscoverFailure: cfg.Session.DisconnectOnDiscoverFailure,
		Quiet:                       quiet,
	}, logger)
	runner := explore.NewRunner(manager, scanner, session, os.Stdout, explore.Options{
		Filter: ble.ScanFilter{
			ServiceUUIDs: cfg.Scan.Filter.ServiceUUIDs,
			NamePattern:  cfg.Scan.Filter.NamePattern,
		},
		StopScan: cfg.Scan.StopScan,
		Workers:  cfg.Session.Workers,
		Quiet:    quiet,
	}, logger)

	// Signal handling: cancelling shortens the scan window and aborts
	// in-flight radio calls.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sum, err := runner.Run(ctx)
	if err != nil {
		closeManager()
		log.Fatalf("Bluetooth unavailable: %v", err)
	}
	logger.Debug("[RUN] summary", "run", sum.RunID, "peripherals", sum.Peripherals, "failed", sum.Failed)
}

// newManager picks the BLE backend. "auto" uses BlueZ on Linux and the
// tinygo adapter everywhere else.
func newManager(cfg *config.Config, logger *slog.Logger) (ble.Manager, func()) {
	backend := cfg.Backend
	if backend == "auto" {
		backend = "tinygo"
		if runtime.GOOS == "linux" {
			backend = "bluez"
		}
	}
	logger.Debug("backend selected", "backend", backend)

	if backend == "bluez" {
		m := bluez.NewManager(bluez.Options{ServicesTimeout: cfg.Session.ServicesTimeout}, logger)
		return m, func() {
			if err := m.Close(); err != nil {
				logger.Debug("[BLUEZ] close failed", "error", err)
			}
		}
	}
	return ble.NewTinyGoManager(logger), func() {}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	return config.Default(), nil
}
