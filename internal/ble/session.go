package ble

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

// State is a step of the peripheral session lifecycle.
type State int

const (
	StateDiscovered State = iota
	StatePropertiesRead
	StateAlreadyConnected
	StateNewlyConnected
	StateConnectFailed
	StateServicesEnumerated
	StateReported
	StateSessionEnded
)

var stateNames = [...]string{
	StateDiscovered:         "Discovered",
	StatePropertiesRead:     "PropertiesRead",
	StateAlreadyConnected:   "AlreadyConnected",
	StateNewlyConnected:     "NewlyConnected",
	StateConnectFailed:      "ConnectFailed",
	StateServicesEnumerated: "ServicesEnumerated",
	StateReported:           "Reported",
	StateSessionEnded:       "SessionEnded",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Reporter renders an enumerated GATT topology. Rendering never aborts a
// session, so it has no error result.
type Reporter interface {
	Report(w io.Writer, props PeripheralProperties, services []Service)
}

// Result is the transcript of one session.
type Result struct {
	Properties PeripheralProperties
	States     []State   // every state visited, in order
	Services   []Service // nil unless enumeration succeeded
	// Disconnected is true when this session issued a successful Disconnect.
	Disconnected bool
	// Err is the error that ended the session early, or the disconnect error.
	Err error
}

// Visited reports whether the session passed through st.
func (r *Result) Visited(st State) bool {
	for _, s := range r.States {
		if s == st {
			return true
		}
	}
	return false
}

// Enumerated reports whether the session enumerated the peripheral's services.
func (r *Result) Enumerated() bool {
	return r.Visited(StateServicesEnumerated)
}

func (r *Result) visit(st State) {
	r.States = append(r.States, st)
}

// SessionOptions configures the session lifecycle.
type SessionOptions struct {
	// DisconnectOnDiscoverFailure issues a best-effort Disconnect when service
	// discovery fails on a link this session opened. Links that were already
	// up before the session are never touched.
	DisconnectOnDiscoverFailure bool
	// Quiet suppresses progress lines so that only reporter output reaches
	// the writer.
	Quiet bool
}

// Session drives one peripheral through connect, enumerate and disconnect.
// A Session holds no per-peripheral state and may be reused; Run must not be
// called concurrently for the same Peripheral.
type Session struct {
	reporter Reporter
	opts     SessionOptions
	logger   *slog.Logger
}

// NewSession creates a Session that hands enumerated topologies to reporter.
// Panics if reporter is nil (programmer error).
func NewSession(reporter Reporter, opts SessionOptions, logger *slog.Logger) *Session {
	if reporter == nil {
		panic("ble: NewSession called with nil reporter")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{reporter: reporter, opts: opts, logger: logger}
}

// Run processes p and writes progress lines and the topology report to out.
// Every failure is reported on out once and ends the session; none is
// returned to the caller other than through Result.Err.
//
// Connection state is queried from p at each decision point instead of being
// remembered, since the link can drop at any moment.
func (s *Session) Run(ctx context.Context, p Peripheral, out io.Writer) Result {
	w := out
	if s.opts.Quiet {
		w = io.Discard
	}
	var r Result
	r.visit(StateDiscovered)
	log := s.logger.With("peripheral", p.ID())

	props, err := p.Properties(ctx)
	if err != nil {
		fmt.Fprintf(w, "Cannot get peripheral properties: %v. Skipping this peripheral.\n", err)
		return s.end(log, &r, fmt.Errorf("ble: read properties: %w", err))
	}
	r.Properties = props
	connected, err := p.IsConnected(ctx)
	if err != nil {
		fmt.Fprintf(w, "Cannot check if peripheral %s is connected: %v. Skipping this peripheral.\n", props.Address, err)
		return s.end(log, &r, fmt.Errorf("ble: read connection state: %w", err))
	}
	r.visit(StatePropertiesRead)

	name := props.DisplayName()
	fmt.Fprintf(w, "Peripheral %s (address: %s) is connected: %t.\n", name, props.Address, connected)

	if connected {
		r.visit(StateAlreadyConnected)
	} else {
		fmt.Fprintf(w, "Connecting to peripheral %s (address: %s)\n", name, props.Address)
		if err := p.Connect(ctx); err != nil {
			r.visit(StateConnectFailed)
			fmt.Fprintf(w, "Error connecting to peripheral %s: %v. Skipping this peripheral.\n", name, err)
			return s.end(log, &r, fmt.Errorf("ble: connect: %w", err))
		}
		r.visit(StateNewlyConnected)
	}

	connected, err = p.IsConnected(ctx)
	if err != nil {
		fmt.Fprintf(w, "Cannot check if peripheral %s is connected: %v.\n", name, err)
		return s.end(log, &r, fmt.Errorf("ble: re-check connection state: %w", err))
	}
	fmt.Fprintf(w, "Peripheral %s is connected (again): %t.\n", name, connected)

	if err := p.DiscoverServices(ctx); err != nil {
		fmt.Fprintf(w, "Cannot discover services for peripheral %s: %v.\n", name, err)
		if s.opts.DisconnectOnDiscoverFailure && r.Visited(StateNewlyConnected) {
			if derr := p.Disconnect(ctx); derr != nil {
				log.Warn("[SESSION] cleanup disconnect failed", "error", derr)
			} else {
				r.Disconnected = true
			}
		}
		return s.end(log, &r, fmt.Errorf("ble: discover services: %w", err))
	}
	fmt.Fprintf(w, "Discovering services for peripheral %s.\n", name)
	r.Services = p.Services()
	r.visit(StateServicesEnumerated)

	s.reporter.Report(out, props, r.Services)
	r.visit(StateReported)

	// Unreachable in practice when false: discovery needs a live link.
	if connected {
		fmt.Fprintf(w, "Was connected but now disconnecting from peripheral %s\n", name)
		if err := p.Disconnect(ctx); err != nil {
			fmt.Fprintf(w, "Error disconnecting from peripheral %s: %v.\n", name, err)
			return s.end(log, &r, fmt.Errorf("ble: disconnect: %w", err))
		}
		r.Disconnected = true
	}
	return s.end(log, &r, nil)
}

func (s *Session) end(log *slog.Logger, r *Result, err error) Result {
	r.Err = err
	r.visit(StateSessionEnded)
	if err != nil {
		log.Warn("[SESSION] ended early", "address", r.Properties.Address, "states", r.States, "error", err)
	} else {
		log.Debug("[SESSION] ended", "address", r.Properties.Address, "states", r.States)
	}
	return *r
}
