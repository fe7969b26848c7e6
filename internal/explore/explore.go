// Package explore drives the full discovery pipeline: enumerate adapters,
// scan each one, and run a session for every peripheral found.
package explore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/gatt-explorer/internal/ble"
)

// Options configures a Runner.
type Options struct {
	Filter   ble.ScanFilter
	StopScan bool // issue StopScan once an adapter's peripherals are done
	Workers  int  // sessions run at once per adapter; <= 1 is sequential
	Quiet    bool // suppress progress lines on the output writer
}

// Summary counts what a run did.
type Summary struct {
	RunID       string
	Adapters    int // adapters that were scanned successfully
	Peripherals int
	Enumerated  int // sessions that enumerated services
	Failed      int // sessions that ended with an error
}

// Runner owns one pass of the pipeline. Peripherals are fully independent:
// no state crosses from one session to the next.
type Runner struct {
	manager ble.Manager
	scanner *ble.Scanner
	session *ble.Session
	out     io.Writer
	opts    Options
	logger  *slog.Logger
}

// NewRunner creates a Runner writing its report to out.
func NewRunner(manager ble.Manager, scanner *ble.Scanner, session *ble.Session, out io.Writer, opts Options, logger *slog.Logger) *Runner {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		manager: manager,
		scanner: scanner,
		session: session,
		out:     out,
		opts:    opts,
		logger:  logger,
	}
}

// Run executes the pipeline once. The only error it returns is a failure to
// list adapters, which means the Bluetooth subsystem is unusable; every other
// failure is reported on the output and skipped.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	sum := Summary{RunID: newRunID(time.Now())}
	log := r.logger.With("run", sum.RunID)

	adapters, err := r.manager.Adapters(ctx)
	if err != nil {
		return sum, fmt.Errorf("explore: list adapters: %w", err)
	}
	if len(adapters) == 0 {
		fmt.Fprintln(r.progress(), "No bluetooth adapters found.")
		log.Info("[RUN] no adapters")
		return sum, nil
	}

	for _, a := range adapters {
		r.runAdapter(ctx, log, a, &sum)
	}
	log.Info("[RUN] finished",
		"adapters", sum.Adapters,
		"peripherals", sum.Peripherals,
		"enumerated", sum.Enumerated,
		"failed", sum.Failed)
	return sum, nil
}

func (r *Runner) progress() io.Writer {
	if r.opts.Quiet {
		return io.Discard
	}
	return r.out
}

// runAdapter scans one adapter and runs its sessions. Adapter failures are
// reported and end processing of this adapter only.
func (r *Runner) runAdapter(ctx context.Context, log *slog.Logger, a ble.Adapter, sum *Summary) {
	w := r.progress()

	info, err := a.Info(ctx)
	if err != nil {
		fmt.Fprintf(w, "Cannot get adapter information: %v. Skipping this adapter.\n", err)
		log.Warn("[RUN] adapter info failed", "error", err)
		return
	}
	log = log.With("adapter", info)
	fmt.Fprintf(w, "Starting scan on %s\n", info)

	peripherals, err := r.scanner.Scan(ctx, a, r.opts.Filter)
	if r.opts.StopScan {
		defer func() {
			if err := a.StopScan(ctx); err != nil {
				log.Debug("[RUN] stop scan failed", "error", err)
			}
		}()
	}
	if err != nil {
		fmt.Fprintf(w, "Cannot scan adapter %s: %v. Skipping this adapter.\n", info, err)
		log.Warn("[RUN] scan failed", "error", err)
		return
	}
	sum.Adapters++

	if len(peripherals) == 0 {
		fmt.Fprintln(w, "No peripherals found.")
		return
	}
	log.Debug("[RUN] peripherals found", "count", len(peripherals))

	for _, res := range r.runSessions(ctx, peripherals) {
		sum.Peripherals++
		if res.Enumerated() {
			sum.Enumerated++
		}
		if res.Err != nil {
			sum.Failed++
		}
	}
}

// runSessions runs one session per peripheral. With a single worker the
// sessions run strictly one after another and stream to the output. With
// more, each session writes to its own buffer and buffers are flushed in
// discovery order once all sessions are done.
func (r *Runner) runSessions(ctx context.Context, peripherals []ble.Peripheral) []ble.Result {
	results := make([]ble.Result, len(peripherals))
	if r.opts.Workers <= 1 {
		for i, p := range peripherals {
			results[i] = r.session.Run(ctx, p, r.out)
		}
		return results
	}

	bufs := make([]bytes.Buffer, len(peripherals))
	var g errgroup.Group
	g.SetLimit(r.opts.Workers)
	for i, p := range peripherals {
		g.Go(func() error {
			results[i] = r.session.Run(ctx, p, &bufs[i])
			return nil
		})
	}
	g.Wait()

	for i := range bufs {
		r.out.Write(bufs[i].Bytes())
	}
	return results
}

func newRunID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
