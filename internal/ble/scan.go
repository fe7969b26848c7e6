package ble

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ScanOptions configures how long a scan observes advertisements.
type ScanOptions struct {
	Window       time.Duration // observation window (default 3s)
	MinDevices   int           // stop early once this many peripherals are cached; 0 disables
	PollInterval time.Duration // cache poll period while MinDevices is set (default 250ms)
}

// DefaultScanOptions returns the fixed 3 second observation window.
func DefaultScanOptions() ScanOptions {
	return ScanOptions{
		Window:       3 * time.Second,
		PollInterval: 250 * time.Millisecond,
	}
}

// Scanner starts discovery on an adapter and collects what it observed.
type Scanner struct {
	opts   ScanOptions
	logger *slog.Logger
}

// NewScanner creates a Scanner. Zero option fields take their defaults.
func NewScanner(opts ScanOptions, logger *slog.Logger) *Scanner {
	def := DefaultScanOptions()
	if opts.Window <= 0 {
		opts.Window = def.Window
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{opts: opts, logger: logger}
}

// Scan starts discovery with filter, waits for the observation window to
// close, and returns the adapter's peripheral cache verbatim. The scan is
// left running; callers that want it stopped call adapter.StopScan.
//
// The window closes when the first of these happens: Window elapses,
// MinDevices peripherals are cached, or ctx is done.
func (s *Scanner) Scan(ctx context.Context, adapter Adapter, filter ScanFilter) ([]Peripheral, error) {
	if err := adapter.StartScan(ctx, filter); err != nil {
		return nil, fmt.Errorf("ble: start scan: %w", err)
	}
	s.logger.Debug("[SCAN] started", "window", s.opts.Window, "min_devices", s.opts.MinDevices)

	s.wait(ctx, adapter)

	peripherals, err := adapter.Peripherals(ctx)
	if err != nil {
		return nil, fmt.Errorf("ble: list peripherals: %w", err)
	}
	s.logger.Debug("[SCAN] window closed", "peripherals", len(peripherals))
	return peripherals, nil
}

// wait blocks until the observation window closes.
func (s *Scanner) wait(ctx context.Context, adapter Adapter) {
	window := time.NewTimer(s.opts.Window)
	defer window.Stop()

	var poll <-chan time.Time
	if s.opts.MinDevices > 0 {
		ticker := time.NewTicker(s.opts.PollInterval)
		defer ticker.Stop()
		poll = ticker.C
	}

	for {
		select {
		case <-window.C:
			return
		case <-ctx.Done():
			// Cancellation only shortens the window; the cache is still read.
			return
		case <-poll:
			peripherals, err := adapter.Peripherals(ctx)
			if err != nil {
				s.logger.Warn("[SCAN] poll failed", "error", err)
				continue
			}
			if len(peripherals) >= s.opts.MinDevices {
				s.logger.Debug("[SCAN] device threshold reached", "count", len(peripherals))
				return
			}
		}
	}
}
