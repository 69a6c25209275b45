// Package daemon brings a node from process start to serving and back down.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/arohanajit/hashmapd/internal/async"
	"github.com/arohanajit/hashmapd/internal/failure"
	"github.com/arohanajit/hashmapd/internal/metrics"
)

// Options are the daemon's own settings.
type Options struct {
	// StartNativeTransport makes Start serve clients. When false the
	// transport can still be started with StartNativeTransport.
	StartNativeTransport bool
	// PIDFile is written by Activate and removed by Destroy when set.
	PIDFile string
	// DiskFailurePolicy is one of stop, die or ignore.
	DiskFailurePolicy string
	// Version is logged with the system information.
	Version string
}

// Daemon drives the node lifecycle
type Daemon struct {
	deps      Deps
	opts      Options
	logger    *zap.Logger
	clock     clock.Clock
	sequencer *Sequencer
	scheduler *async.Scheduler

	mu              sync.Mutex
	state           State
	failed          bool
	setupCompleted  bool
	released        bool
	pidWritten      bool
	interrupted     bool
	printedToStderr bool
	outcomes        []StageOutcome
	sink            *failure.Sink
	rpcServer       RPCServer
	nativeTransport NativeTransport
}

// New creates a daemon in the Created state.
func New(deps Deps, opts Options) (*Daemon, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Stdout == nil {
		deps.Stdout = os.Stdout
	}
	if deps.Stderr == nil {
		deps.Stderr = os.Stderr
	}
	if deps.Terminate == nil {
		deps.Terminate = os.Exit
	}
	if opts.DiskFailurePolicy == "" {
		opts.DiskFailurePolicy = DiskPolicyStop
	}

	logger := deps.Logger.Named("daemon")
	d := &Daemon{
		deps:      deps,
		opts:      opts,
		logger:    logger,
		clock:     deps.Clock,
		sequencer: NewSequencer(deps.Clock, deps.Logger),
		scheduler: async.NewScheduler(deps.Clock, deps.Logger),
		state:     StateCreated,
	}
	metrics.GetMetrics().SetLifecycleState(int(StateCreated))
	return d, nil
}

// State returns the current lifecycle state.
func (d *Daemon) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Outcomes returns the stage outcomes recorded by Init.
func (d *Daemon) Outcomes() []StageOutcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]StageOutcome, len(d.outcomes))
	copy(out, d.outcomes)
	return out
}

// SetupCompleted reports whether every bootstrap stage has run.
func (d *Daemon) SetupCompleted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setupCompleted
}

// CompleteSetup marks setup as done. It is the last bootstrap stage.
func (d *Daemon) CompleteSetup() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setupCompleted = true
}

// transition must be called with d.mu held.
func (d *Daemon) transition(next State) error {
	if !d.state.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.state, next)
	}
	d.logger.Debug("Lifecycle transition",
		zap.Stringer("from", d.state),
		zap.Stringer("to", next))
	d.state = next
	metrics.GetMetrics().SetLifecycleState(int(next))
	return nil
}

// Init runs the bootstrap sequence. A fatal stage failure is returned as a
// *failure.ExitDirective and leaves the daemon in the Initializing state.
func (d *Daemon) Init(ctx context.Context, args []string) error {
	d.mu.Lock()
	if d.state != StateCreated {
		d.mu.Unlock()
		return ErrAlreadyInitialized
	}
	if err := d.transition(StateInitializing); err != nil {
		d.mu.Unlock()
		return err
	}
	d.mu.Unlock()

	d.logger.Info("Initializing node", zap.Strings("args", args), zap.String("version", d.opts.Version))
	stages := d.Stages()
	if err := ValidateOrder(stages); err != nil {
		d.markFailed(nil)
		return &failure.ExitDirective{
			Code:           failure.ExitUnexpected,
			Message:        "Invalid bootstrap sequence",
			Cause:          err,
			EmitStackTrace: true,
		}
	}

	outcomes, directive := d.sequencer.Run(ctx, stages)
	if directive != nil {
		d.markFailed(outcomes)
		return directive
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.outcomes = outcomes
	if err := d.transition(StateRunning); err != nil {
		return err
	}
	d.logger.Info("Node initialized", zap.Int("stages", len(outcomes)))
	return nil
}

func (d *Daemon) markFailed(outcomes []StageOutcome) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outcomes = outcomes
	d.failed = true
}

// Start serves clients on the native transport when configured to.
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case StateRunning:
	case StateTransportActive:
		if d.nativeTransport != nil && d.nativeTransport.IsRunning() {
			d.logger.Info("Native transport already running")
			return nil
		}
	default:
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidTransition, d.state)
	}

	if !d.opts.StartNativeTransport {
		d.logger.Info("Not starting native transport as requested. " +
			"Call StartNativeTransport or set START_NATIVE_TRANSPORT=true to enable it")
		return nil
	}
	if err := d.startNativeTransportLocked(); err != nil {
		return err
	}
	d.deps.Membership.SetRPCReady(true)
	return nil
}

// StartNativeTransport starts the native transport. It fails until setup has
// constructed the transports.
func (d *Daemon) StartNativeTransport() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.nativeTransport == nil {
		return ErrNotInitialized
	}
	return d.startNativeTransportLocked()
}

func (d *Daemon) startNativeTransportLocked() error {
	if d.nativeTransport == nil {
		return ErrNotInitialized
	}
	if err := d.nativeTransport.Start(); err != nil {
		return fmt.Errorf("start native transport: %w", err)
	}
	if d.state == StateRunning {
		return d.transition(StateTransportActive)
	}
	return nil
}

// StopNativeTransport stops the native transport if it was constructed.
func (d *Daemon) StopNativeTransport() error {
	d.mu.Lock()
	nt := d.nativeTransport
	d.mu.Unlock()
	if nt == nil {
		return nil
	}
	return nt.Stop()
}

// IsNativeTransportRunning reports whether the native transport serves
// clients.
func (d *Daemon) IsNativeTransportRunning() bool {
	d.mu.Lock()
	nt := d.nativeTransport
	d.mu.Unlock()
	return nt != nil && nt.IsRunning()
}

// Stop stops client-facing servers and marks the node not ready for RPC.
// Storage and membership keep running. Calling Stop more than once is safe.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	switch d.state {
	case StateCreated:
		err := d.transition(StateStopped)
		d.mu.Unlock()
		return err
	case StateInitializing:
		failed := d.failed
		d.mu.Unlock()
		if failed {
			return nil
		}
		return ErrSetupInProgress
	case StateRunning, StateTransportActive:
	default:
		d.mu.Unlock()
		return nil
	}
	if err := d.transition(StateStopping); err != nil {
		d.mu.Unlock()
		return err
	}
	rpc, native := d.rpcServer, d.nativeTransport
	d.mu.Unlock()

	d.logger.Info("Stopping client transports")
	var errs error
	if rpc != nil {
		errs = multierr.Append(errs, rpc.Stop())
	}
	if native != nil {
		errs = multierr.Append(errs, native.Destroy())
	}
	d.deps.Membership.SetRPCReady(false)

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.transition(StateStopped); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// Destroy releases in-process resources. It is valid without Stop and safe
// to call more than once; only a stopped daemon becomes Destroyed.
func (d *Daemon) Destroy() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case StateDestroyed:
		return nil
	case StateInitializing:
		if !d.failed {
			return ErrSetupInProgress
		}
		err := d.releaseLocked()
		d.state = StateDestroyed
		metrics.GetMetrics().SetLifecycleState(int(StateDestroyed))
		return err
	case StateCreated:
		if err := d.transition(StateStopped); err != nil {
			return err
		}
	}

	err := d.releaseLocked()
	if d.state == StateStopped {
		err = multierr.Append(err, d.transition(StateDestroyed))
	}
	return err
}

func (d *Daemon) releaseLocked() error {
	if d.released {
		return nil
	}
	d.released = true

	d.scheduler.Close()
	var errs error
	errs = multierr.Append(errs, d.deps.SystemKeyspace.Close())
	if d.pidWritten {
		errs = multierr.Append(errs, removePIDFile(d.opts.PIDFile))
		d.pidWritten = false
	}
	if d.sink != nil {
		failure.Uninstall(d.sink)
		d.sink = nil
	}
	failure.SetFSErrorHandler(nil)
	failure.SetCorruptDataHandler(nil)
	d.logger.Info("Released node resources")
	return errs
}

// Activate runs Init, writes the PID file and calls Start. Any failure
// prints a short report and terminates the process.
func (d *Daemon) Activate(ctx context.Context, args []string) error {
	initErr := d.Init(ctx, args)
	if err := d.interruptedErr(); err != nil {
		return err
	}
	if initErr != nil {
		return d.abort(initErr)
	}
	if d.opts.PIDFile != "" {
		if err := writePIDFile(d.opts.PIDFile); err != nil {
			return d.abort(err)
		}
		d.mu.Lock()
		d.pidWritten = true
		d.mu.Unlock()
	}
	if err := d.interruptedErr(); err != nil {
		d.removeWrittenPIDFile()
		return err
	}
	if err := d.Start(); err != nil {
		return d.abort(err)
	}
	return nil
}

// Interrupt aborts an activation still in progress after the process
// received sig. It reports and terminates like a fatal stage failure; a
// concurrent Activate returns without terminating a second time.
func (d *Daemon) Interrupt(sig os.Signal) *failure.ExitDirective {
	d.mu.Lock()
	d.interrupted = true
	d.mu.Unlock()
	d.logger.Warn("Received signal during startup", zap.String("signal", sig.String()))
	return d.abort(&failure.ExitDirective{
		Code:    failure.ExitUnexpected,
		Message: "Startup interrupted",
		Cause:   fmt.Errorf("received signal %s", sig),
	})
}

func (d *Daemon) interruptedErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.interrupted {
		return nil
	}
	return ErrInterrupted
}

func (d *Daemon) abort(err error) *failure.ExitDirective {
	var directive *failure.ExitDirective
	if !errors.As(err, &directive) {
		directive = &failure.ExitDirective{
			Code:           failure.ExitUnexpected,
			Message:        "Exception encountered during startup",
			Cause:          err,
			EmitStackTrace: true,
		}
		d.logger.Error(directive.Message, zap.Error(err), zap.Stack("stacktrace"))
	}
	cause := directive.Cause
	if cause == nil {
		cause = directive
	}

	fmt.Fprintf(d.deps.Stdout, "Exception (%T) encountered during startup: %s\n", cause, cause.Error())

	d.removeWrittenPIDFile()
	d.mu.Lock()
	printed := d.printedToStderr
	d.mu.Unlock()
	var cfgErr *failure.ConfigurationError
	if !printed && errors.As(cause, &cfgErr) && !cfgErr.LogStackTrace {
		fmt.Fprintln(d.deps.Stderr, cfgErr.Message)
	}

	d.deps.Terminate(directive.Code)
	return directive
}

func (d *Daemon) removeWrittenPIDFile() {
	d.mu.Lock()
	written := d.pidWritten
	d.pidWritten = false
	d.mu.Unlock()
	if !written {
		return
	}
	if err := removePIDFile(d.opts.PIDFile); err != nil {
		d.logger.Warn("Failed to remove pid file", zap.String("path", d.opts.PIDFile), zap.Error(err))
	}
}

// Deactivate stops and then destroys the daemon.
func (d *Daemon) Deactivate() error {
	return multierr.Append(d.Stop(), d.Destroy())
}
