package daemon

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/arohanajit/hashmapd/internal/async"
	"github.com/arohanajit/hashmapd/internal/cluster"
	"github.com/arohanajit/hashmapd/internal/failure"
	"github.com/arohanajit/hashmapd/internal/metrics"
)

const viewRebuildTask = "view-rebuild"

// Stages returns the bootstrap sequence bound to d.
func (d *Daemon) Stages() []Stage {
	steps := []struct {
		name   string
		action func(ctx context.Context) error
		policy failure.Policy
	}{
		{StageInstallFSErrorHandler, d.installFSErrorHandler, failure.Fatal(failure.ExitUnexpected)},
		{StageLogSystemInfo, d.logSystemInfo, failure.Warn()},
		{StageStartupChecks, d.runStartupChecks, failure.FatalCarried()},
		{StageMigrateDataDirs, d.migrateDataDirs, failure.Fatal(failure.ExitWrongDiskState)},
		{StagePersistLocalMetadata, d.deps.SystemKeyspace.PersistLocalMetadata, failure.Fatal(failure.ExitUnexpected)},
		{StageInstallErrorSink, d.installErrorSink, failure.Fatal(failure.ExitUnexpected)},
		{StageMigrateLegacySchema, d.migrateLegacySchema, failure.Fatal(failure.ExitUnexpected)},
		{StagePopulateTokenMetadata, d.deps.TokenMetadata.PopulateTokenMetadata, failure.Fatal(failure.ExitUnexpected)},
		{StageLoadSchema, d.deps.Schema.LoadFromDisk, failure.Fatal(failure.ExitUnexpected)},
		{StageScrubDataDirectories, d.scrubDataDirectories, failure.FatalCarried()},
		{StageMarkKeyspacesInitialized, d.markKeyspacesInitialized, failure.Fatal(failure.ExitUnexpected)},
		{StageOpenKeyspaces, d.openKeyspaces, failure.Fatal(failure.ExitUnexpected)},
		{StageLoadSavedCaches, d.loadSavedCaches, failure.Warn()},
		{StageRegisterGCObserver, d.registerGCObserver, failure.Warn()},
		{StageReplayCommitLog, d.replayCommitLog, failure.Fatal(failure.ExitUnexpected)},
		{StageRepopulateTokenMetadata, d.deps.TokenMetadata.PopulateTokenMetadata, failure.Fatal(failure.ExitUnexpected)},
		{StageMigrateLegacyHints, d.migrateLegacyHints, failure.Fatal(failure.ExitUnexpected)},
		{StageFinishStartup, d.deps.SystemKeyspace.FinishStartup, failure.Fatal(failure.ExitUnexpected)},
		{StagePreloadPreparedStatements, d.preloadPreparedStatements, failure.Warn()},
		{StageInitMembership, d.initMembership, failure.FatalOnConfiguration(failure.ExitWrongMachineState)},
		{StageScheduleViewRebuild, d.scheduleViewRebuild, failure.Fatal(failure.ExitUnexpected)},
		{StageWaitForGossipSettle, d.waitForGossipSettle, failure.Fatal(failure.ExitUnexpected)},
		{StageEnableAutoCompaction, d.enableAutoCompaction, failure.Fatal(failure.ExitUnexpected)},
		{StageConstructTransports, d.constructTransports, failure.Fatal(failure.ExitUnexpected)},
		{StageCompleteSetup, d.completeSetup, failure.Fatal(failure.ExitUnexpected)},
	}

	stages := make([]Stage, len(steps))
	for i, s := range steps {
		stages[i] = Stage{Name: s.name, Ordinal: i + 1, Action: s.action, Policy: s.policy}
	}
	return stages
}

func (d *Daemon) installFSErrorHandler(ctx context.Context) error {
	handler := NewDiskFailureHandler(d.opts.DiskFailurePolicy, d, d.deps.Terminate, d.deps.Logger)
	failure.SetFSErrorHandler(handler)
	failure.SetCorruptDataHandler(handler)
	if d.deps.Security != nil {
		if err := d.deps.Security.Restrict(); err != nil {
			return fmt.Errorf("restrict process permissions: %w", err)
		}
	}
	return nil
}

func (d *Daemon) logSystemInfo(ctx context.Context) error {
	return LogSystemInfo(d.logger, d.opts.Version)
}

func (d *Daemon) runStartupChecks(ctx context.Context) error {
	for _, check := range d.deps.StartupChecks {
		d.logger.Debug("Running startup check", zap.String("check", check.Name()))
		if err := check.Execute(ctx); err != nil {
			var startupErr *failure.StartupError
			if errors.As(err, &startupErr) {
				return err
			}
			return &failure.StartupError{
				Code:    failure.ExitWrongMachineState,
				Message: "Startup check " + check.Name() + " failed",
				Cause:   err,
			}
		}
	}
	return nil
}

func (d *Daemon) migrateDataDirs(ctx context.Context) error {
	snapshotted, err := d.deps.SystemKeyspace.SnapshotOnVersionChange(ctx)
	if err != nil {
		return err
	}
	if !snapshotted {
		return nil
	}
	d.logger.Info("Version changed, migrating data directories")
	return d.deps.SystemKeyspace.MigrateDataDirs(ctx)
}

func (d *Daemon) installErrorSink(ctx context.Context) error {
	inspector := NewStabilityInspector(d.deps.Terminate, d.deps.Logger)
	sink := failure.NewSink(d.deps.Logger, inspector, nil, nil)
	if err := failure.Install(sink); err != nil {
		return err
	}
	d.mu.Lock()
	d.sink = sink
	d.mu.Unlock()
	return nil
}

func (d *Daemon) migrateLegacySchema(ctx context.Context) error {
	if d.deps.SchemaMigrator == nil {
		return nil
	}
	return d.deps.SchemaMigrator.Migrate(ctx)
}

func (d *Daemon) scrubDataDirectories(ctx context.Context) error {
	for _, ks := range d.deps.Schema.NonSystemKeyspaces() {
		for _, def := range d.deps.Schema.TablesAndViews(ks) {
			if err := d.deps.Keyspaces.ScrubDataDirectories(def); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Daemon) markKeyspacesInitialized(ctx context.Context) error {
	d.deps.Keyspaces.SetInitialized()
	return nil
}

func (d *Daemon) openKeyspaces(ctx context.Context) error {
	for _, ks := range d.deps.Schema.Keyspaces() {
		stores, err := d.deps.Keyspaces.Open(ks)
		if err != nil {
			return fmt.Errorf("open keyspace %s: %w", ks, err)
		}
		for _, store := range stores {
			store.DisableAutoCompaction()
		}
	}
	return nil
}

func (d *Daemon) loadSavedCaches(ctx context.Context) error {
	if d.deps.Caches == nil {
		return nil
	}
	caches := d.deps.Caches.Caches()
	loaders := make([]async.Loader[int], len(caches))
	for i, c := range caches {
		loaders[i] = c.LoadSaved
	}

	results, err := async.JoinAll(ctx, loaders...)
	m := metrics.GetMetrics()
	for _, r := range results {
		name := caches[r.Index].Name()
		if r.Err != nil {
			continue
		}
		m.SetCacheEntriesLoaded(name, r.Value)
		d.logger.Info("Loaded saved cache", zap.String("cache", name), zap.Int("entries", r.Value))
	}
	return err
}

func (d *Daemon) registerGCObserver(ctx context.Context) error {
	if d.deps.GCObserver == nil {
		return nil
	}
	return d.deps.GCObserver.Register()
}

func (d *Daemon) replayCommitLog(ctx context.Context) error {
	n, err := d.deps.CommitLog.RecoverSegmentsOnDisk(ctx)
	if err != nil {
		return &failure.StartupError{
			Code:    failure.ExitUnexpected,
			Message: "Unexpected error replaying commit log",
			Cause:   err,
		}
	}
	metrics.GetMetrics().AddMutationsReplayed(n)
	d.logger.Info("Commit log replayed", zap.Int("mutations", n))
	return nil
}

func (d *Daemon) migrateLegacyHints(ctx context.Context) error {
	for _, m := range d.deps.LegacyMigrators {
		if err := m.Migrate(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) preloadPreparedStatements(ctx context.Context) error {
	if d.deps.PreparedStatements == nil {
		return nil
	}
	n, err := d.deps.PreparedStatements.PreloadPreparedStatements(ctx)
	if err != nil {
		return err
	}
	metrics.GetMetrics().SetPreparedStatementsLoaded(n)
	return nil
}

func (d *Daemon) initMembership(ctx context.Context) error {
	d.deps.Membership.RegisterDaemon(d)
	err := d.deps.Membership.InitServer(ctx)
	var cfgErr *failure.ConfigurationError
	if errors.As(err, &cfgErr) {
		fmt.Fprintf(d.deps.Stderr, "%s\nFatal configuration error; unable to start server.  See log for stacktrace.\n", cfgErr.Message)
		d.mu.Lock()
		d.printedToStderr = true
		d.mu.Unlock()
	}
	return err
}

func (d *Daemon) scheduleViewRebuild(ctx context.Context) error {
	if d.deps.Views == nil {
		return nil
	}
	d.scheduler.Schedule(viewRebuildTask, d.deps.Membership.RingDelay(), d.deps.Views.BuildAllViews)
	return nil
}

func (d *Daemon) waitForGossipSettle(ctx context.Context) error {
	async.NewSettleGate(d.deps.Membership.BroadcastAddress(), d.deps.Membership, d.deps.Logger).Settle()
	return nil
}

func (d *Daemon) enableAutoCompaction(ctx context.Context) error {
	var errs error
	for _, store := range d.deps.Keyspaces.ColumnFamilies() {
		if err := store.Reload(); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if store.CompactionShouldBeEnabled() {
			store.EnableAutoCompaction()
		}
	}
	return errs
}

func (d *Daemon) constructTransports(ctx context.Context) error {
	rpc, err := d.deps.NewRPCServer()
	if err != nil {
		return fmt.Errorf("construct rpc server: %w", err)
	}
	native, err := d.deps.NewNativeTransport()
	if err != nil {
		return fmt.Errorf("construct native transport: %w", err)
	}
	d.mu.Lock()
	d.rpcServer = rpc
	d.nativeTransport = native
	d.mu.Unlock()
	return nil
}

func (d *Daemon) completeSetup(ctx context.Context) error {
	d.CompleteSetup()
	return nil
}

var (
	_ cluster.DaemonHandle = (*Daemon)(nil)
	_ Stopper              = (*Daemon)(nil)
)
