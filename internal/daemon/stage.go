package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/arohanajit/hashmapd/internal/failure"
	"github.com/arohanajit/hashmapd/internal/metrics"
)

// Stage names in execution order.
const (
	StageInstallFSErrorHandler     = "install-fs-error-handler"
	StageLogSystemInfo             = "log-system-info"
	StageStartupChecks             = "startup-checks"
	StageMigrateDataDirs           = "migrate-data-dirs"
	StagePersistLocalMetadata      = "persist-local-metadata"
	StageInstallErrorSink          = "install-error-sink"
	StageMigrateLegacySchema       = "migrate-legacy-schema"
	StagePopulateTokenMetadata     = "populate-token-metadata"
	StageLoadSchema                = "load-schema"
	StageScrubDataDirectories      = "scrub-data-directories"
	StageMarkKeyspacesInitialized  = "mark-keyspaces-initialized"
	StageOpenKeyspaces             = "open-keyspaces"
	StageLoadSavedCaches           = "load-saved-caches"
	StageRegisterGCObserver        = "register-gc-observer"
	StageReplayCommitLog           = "replay-commit-log"
	StageRepopulateTokenMetadata   = "repopulate-token-metadata"
	StageMigrateLegacyHints        = "migrate-legacy-hints-and-batches"
	StageFinishStartup             = "finish-startup"
	StagePreloadPreparedStatements = "preload-prepared-statements"
	StageInitMembership            = "init-membership"
	StageScheduleViewRebuild       = "schedule-view-rebuild"
	StageWaitForGossipSettle       = "wait-for-gossip-settle"
	StageEnableAutoCompaction      = "enable-auto-compaction"
	StageConstructTransports       = "construct-transports"
	StageCompleteSetup             = "complete-setup"
)

// Stage is one step of the bootstrap sequence.
type Stage struct {
	Name    string
	Ordinal int
	Action  func(ctx context.Context) error
	Policy  failure.Policy
}

// StageOutcome records how a stage went.
type StageOutcome struct {
	StageName string
	Ordinal   int
	Success   bool
	Cause     error
	Duration  time.Duration
}

// orderingConstraints lists stages that must run strictly before others.
var orderingConstraints = [][]string{
	{StagePersistLocalMetadata, StageInstallErrorSink, StageMigrateLegacySchema},
	{StageLoadSchema, StageScrubDataDirectories, StageMarkKeyspacesInitialized, StageOpenKeyspaces},
	{StageInitMembership, StageScheduleViewRebuild, StageWaitForGossipSettle, StageEnableAutoCompaction},
	{StageConstructTransports, StageCompleteSetup},
}

// ValidateOrder checks that ordinals are 1..n in slice order, that names are
// unique and that every ordering constraint holds.
func ValidateOrder(stages []Stage) error {
	position := make(map[string]int, len(stages))
	for i, s := range stages {
		if s.Ordinal != i+1 {
			return fmt.Errorf("%w: stage %s has ordinal %d at position %d", ErrStageOrder, s.Name, s.Ordinal, i+1)
		}
		if _, dup := position[s.Name]; dup {
			return fmt.Errorf("%w: duplicate stage %s", ErrStageOrder, s.Name)
		}
		position[s.Name] = s.Ordinal
	}
	for _, chain := range orderingConstraints {
		for i := 1; i < len(chain); i++ {
			before, okBefore := position[chain[i-1]]
			after, okAfter := position[chain[i]]
			if !okBefore || !okAfter {
				return fmt.Errorf("%w: %s and %s must both be present", ErrStageOrder, chain[i-1], chain[i])
			}
			if before >= after {
				return fmt.Errorf("%w: %s must run before %s", ErrStageOrder, chain[i-1], chain[i])
			}
		}
	}
	return nil
}

// Sequencer runs stages one after another on the calling goroutine.
type Sequencer struct {
	clock  clock.Clock
	logger *zap.Logger
}

// NewSequencer creates a sequencer.
func NewSequencer(clk clock.Clock, logger *zap.Logger) *Sequencer {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sequencer{clock: clk, logger: logger.Named("bootstrap")}
}

// Run executes stages in order. It stops at the first stage whose failure
// is classified fatal and returns the outcomes so far plus the directive.
func (s *Sequencer) Run(ctx context.Context, stages []Stage) ([]StageOutcome, *failure.ExitDirective) {
	outcomes := make([]StageOutcome, 0, len(stages))
	m := metrics.GetMetrics()

	for _, stage := range stages {
		s.logger.Debug("Starting stage",
			zap.String("stage", stage.Name),
			zap.Int("ordinal", stage.Ordinal),
			zap.Bool("fatal", stage.Policy.IsFatal()))
		start := s.clock.Now()
		err := s.execute(ctx, stage)
		outcome := StageOutcome{
			StageName: stage.Name,
			Ordinal:   stage.Ordinal,
			Success:   err == nil,
			Cause:     err,
			Duration:  s.clock.Since(start),
		}
		outcomes = append(outcomes, outcome)

		fields := []zap.Field{
			zap.String("stage", stage.Name),
			zap.Int("ordinal", stage.Ordinal),
			zap.Duration("took", outcome.Duration),
		}
		decision, directive := failure.Classify(stage.Name, err, stage.Policy)
		m.ObserveStage(stage.Name, decision.String(), outcome.Duration.Seconds())

		switch decision {
		case failure.DecisionContinue:
			s.logger.Debug("Stage completed", fields...)
		case failure.DecisionWarn:
			s.logger.Warn("Stage failed, continuing", append(fields, zap.Error(err))...)
		case failure.DecisionExit:
			fields = append(fields, zap.Int("exit_code", directive.Code), zap.Error(err))
			if directive.EmitStackTrace {
				fields = append(fields, zap.Stack("stacktrace"))
			}
			s.logger.Error(directive.Message, fields...)
			return outcomes, directive
		}
	}
	return outcomes, nil
}

// execute runs one stage, turning a panic into a failure of that stage.
func (s *Sequencer) execute(ctx context.Context, stage Stage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = fmt.Errorf("panic: %w", e)
				return
			}
			err = &failure.PanicError{Value: r}
		}
	}()
	if stage.Action == nil {
		return nil
	}
	return stage.Action(ctx)
}
