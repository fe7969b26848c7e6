// Command test-scan is a manual test for adapter discovery. It scans every
// adapter for the given window and lists what was observed, without
// connecting to anything.
//
// Usage:
//
//	go run ./cmd/test-scan [--backend bluez|tinygo] [--window 5s] [--name ^Sensor]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/chaz8081/gatt-explorer/internal/ble"
	"github.com/chaz8081/gatt-explorer/internal/ble/bluez"
)

func main() {
	backend := flag.String("backend", "bluez", "BLE backend: bluez or tinygo")
	window := flag.Duration("window", 5*time.Second, "how long to scan")
	name := flag.String("name", "", "only list peripherals whose name matches this pattern")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var manager ble.Manager
	switch *backend {
	case "bluez":
		m := bluez.NewManager(bluez.DefaultOptions(), logger)
		defer m.Close()
		manager = m
	case "tinygo":
		manager = ble.NewTinyGoManager(logger)
	default:
		fmt.Printf("Error: unknown backend %q\n", *backend)
		return
	}

	ctx := context.Background()
	adapters, err := manager.Adapters(ctx)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if len(adapters) == 0 {
		fmt.Println("No adapters.")
		return
	}

	scanner := ble.NewScanner(ble.ScanOptions{Window: *window}, logger)
	filter := ble.ScanFilter{NamePattern: *name}
	for _, a := range adapters {
		info, err := a.Info(ctx)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}
		fmt.Printf("Scanning %s for %s...\n", info, *window)

		peripherals, err := scanner.Scan(ctx, a, filter)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}
		for i, p := range peripherals {
			printPeripheral(ctx, os.Stdout, i+1, p)
		}
		if err := a.StopScan(ctx); err != nil {
			fmt.Printf("Error stopping scan: %v\n", err)
		}
		fmt.Printf("%d peripheral(s)\n", len(peripherals))
	}

	fmt.Println("\nDone!")
}

// printPeripheral writes one listing line for p.
func printPeripheral(ctx context.Context, w io.Writer, n int, p ble.Peripheral) {
	props, err := p.Properties(ctx)
	if err != nil {
		fmt.Fprintf(w, "  %2d. %s (properties: %v)\n", n, p.ID(), err)
		return
	}
	connected, err := p.IsConnected(ctx)
	if err != nil {
		fmt.Fprintf(w, "  %2d. %s (connection state: %v)\n", n, props.Address, err)
		return
	}
	fmt.Fprintf(w, "  %2d. %s  %-24s rssi=%d connected=%t\n", n, props.Address, props.DisplayName(), props.RSSI, connected)
}
