// Package coordinator implements TaskCoordinator: it orchestrates one
// task execution end to end, wiring StagingBuffer, ScanWorker,
// CompressionWorker and the shared TapeWriter together, enforcing the
// per-template execution lock, the schedule/tape prechecks, and the
// resume/restart/auto semantics manual runs can request.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tapebackarr/tapebackarr/internal/compressionworker"
	"github.com/tapebackarr/tapebackarr/internal/logging"
	"github.com/tapebackarr/tapebackarr/internal/metastore"
	"github.com/tapebackarr/tapebackarr/internal/models"
	"github.com/tapebackarr/tapebackarr/internal/notifications"
	"github.com/tapebackarr/tapebackarr/internal/pipeline"
	"github.com/tapebackarr/tapebackarr/internal/scanworker"
	"github.com/tapebackarr/tapebackarr/internal/scheduler"
	"github.com/tapebackarr/tapebackarr/internal/staging"
)

// staleLockWindow is the execution-lock staleness threshold: a running
// execution older than this is treated as abandoned rather than genuinely
// in progress, mirroring the scheduler's own 24h run timeout.
const staleLockWindow = 24 * time.Hour

// Mode selects resume/restart/auto semantics for a manual run.
type Mode string

const (
	ModeAuto    Mode = "auto"
	ModeResume  Mode = "resume"
	ModeRestart Mode = "restart"
)

// TapeOps is the subset of tape.Service TaskCoordinator calls directly,
// outside of archive writes (which go through the shared ArchiveSink).
type TapeOps interface {
	ErasePreserveLabel(ctx context.Context, useCurrentYearMonth bool) error
}

// Options carries a run_task call's inputs (spec's Control API table).
type Options struct {
	Mode        Mode
	Manual      bool
	ForceRescan bool
}

// Result is what RunTask reports once the execution has started (or been
// skipped); it does not block for the execution's completion.
type Result struct {
	TaskID  int64
	Skipped bool
}

type execState struct {
	templateID int64
	taskID     int64
	setID      int64
	startedAt  time.Time
	cancel     context.CancelFunc
	done       chan struct{}
}

// Coordinator holds the shared, process-lifetime collaborators every
// execution is built from. The scanner, compressor and tape sink are
// stateless and reused across executions; StagingBuffer and the worker
// goroutines are constructed fresh per execution.
type Coordinator struct {
	store      *metastore.Store
	scanner    scanworker.Scanner
	compressor compressionworker.Compressor
	archiveSink compressionworker.ArchiveSink
	tapeOps    TapeOps
	notifier   *notifications.Dispatcher
	logger     *logging.Logger

	maxFileSize       int64
	scanUpdateInterval time.Duration
	stagingCfg        staging.Config
	compressCfg       compressionworker.Config

	mu         sync.Mutex
	byTemplate map[int64]*execState
	byTask     map[int64]*execState
}

// New constructs a Coordinator. stagingCfg and compressCfg are used as
// given for every execution, except that compressCfg.MaxFileSize is always
// replaced by maxFileSize.
func New(store *metastore.Store, scanner scanworker.Scanner, compressor compressionworker.Compressor,
	archiveSink compressionworker.ArchiveSink, tapeOps TapeOps, notifier *notifications.Dispatcher,
	logger *logging.Logger, maxFileSize int64, scanUpdateInterval time.Duration,
	stagingCfg staging.Config, compressCfg compressionworker.Config) *Coordinator {
	return &Coordinator{
		store:              store,
		scanner:            scanner,
		compressor:         compressor,
		archiveSink:        archiveSink,
		tapeOps:            tapeOps,
		notifier:           notifier,
		logger:             logger,
		maxFileSize:        maxFileSize,
		scanUpdateInterval: scanUpdateInterval,
		stagingCfg:         stagingCfg,
		compressCfg:        compressCfg,
		byTemplate:         make(map[int64]*execState),
		byTask:             make(map[int64]*execState),
	}
}

// RunTask executes the 8-step contract for templateID. It returns once the
// execution has been started (workers are running in background
// goroutines); callers that want completion should poll GetTaskStatus.
func (c *Coordinator) RunTask(ctx context.Context, templateID int64, opts Options) (Result, error) {
	template, err := c.store.GetTaskStatus(ctx, templateID)
	if err != nil {
		return Result{}, err
	}

	if skip, err := c.acquireLock(templateID); err != nil {
		return Result{}, err
	} else if skip {
		return Result{Skipped: true}, nil
	}

	if !opts.Manual {
		// Step 2: FULL backups scheduled onto tape get their tape erased
		// (preserving the physical label) before anything else runs.
		if template.Type == models.TaskTypeFull && template.TapeID != nil {
			if err := c.tapeOps.ErasePreserveLabel(ctx, true); err != nil {
				c.releaseLock(templateID)
				return Result{}, pipeline.Transient(fmt.Errorf("erase preserve label: %w", err))
			}
		}

		// Step 3: schedule-period precheck, skipped for manual runs by
		// definition. The tape-label precheck below applies to every run.
		if skip, err := c.precheckPeriod(ctx, template); err != nil {
			c.releaseLock(templateID)
			return Result{}, err
		} else if skip {
			c.releaseLock(templateID)
			return Result{Skipped: true}, nil
		}
	}

	if template.TapeID != nil {
		if err := c.precheckTapeLabel(ctx, template); err != nil {
			c.releaseLock(templateID)
			return Result{}, err
		}
	}

	// Step 4 begins only once every precheck has passed, so a rejected
	// run never leaves behind an orphaned task/set row.
	taskID, setID, resuming, err := c.resolveExecution(ctx, template, opts)
	if err != nil {
		c.releaseLock(templateID)
		return Result{}, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	st := &execState{
		templateID: templateID,
		taskID:     taskID,
		setID:      setID,
		startedAt:  time.Now(),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	c.mu.Lock()
	c.byTemplate[templateID] = st
	c.byTask[taskID] = st
	c.mu.Unlock()

	if err := c.store.MarkTaskRunning(runCtx, taskID); err != nil {
		c.finishLock(st)
		return Result{}, err
	}

	go c.execute(runCtx, st, template, resuming)

	return Result{TaskID: taskID}, nil
}

// CancelTask signals the execution's cancel token and returns once the
// signal has been delivered; it does not block for workers to stop.
func (c *Coordinator) CancelTask(taskID int64) error {
	c.mu.Lock()
	st, ok := c.byTask[taskID]
	c.mu.Unlock()
	if !ok {
		return pipeline.ErrNotFound
	}
	st.cancel()
	return nil
}

func (c *Coordinator) acquireLock(templateID int64) (skip bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.byTemplate[templateID]
	if !ok {
		return false, nil
	}
	if time.Since(existing.startedAt) > staleLockWindow {
		c.logger.Warn("execution lock stale, proceeding with a new run", map[string]interface{}{
			"template_id": templateID,
			"stale_since": existing.startedAt,
		})
		delete(c.byTemplate, templateID)
		delete(c.byTask, existing.taskID)
		return false, nil
	}
	if isSameDay(existing.startedAt, time.Now()) {
		return true, nil
	}
	return false, nil
}

func (c *Coordinator) releaseLock(templateID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.byTemplate[templateID]; ok {
		delete(c.byTemplate, templateID)
		delete(c.byTask, st.taskID)
	}
}

func (c *Coordinator) finishLock(st *execState) {
	c.mu.Lock()
	// Only remove the map entries if they still point at this exact
	// execution: a newer execution for the same template may already have
	// replaced them (the stale-lock-override path in acquireLock).
	if cur, ok := c.byTemplate[st.templateID]; ok && cur == st {
		delete(c.byTemplate, st.templateID)
	}
	if cur, ok := c.byTask[st.taskID]; ok && cur == st {
		delete(c.byTask, st.taskID)
	}
	c.mu.Unlock()
	close(st.done)
}

func isSameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// precheckPeriod rejects the run if the template's schedule period has not
// elapsed since its last success (daily/weekly/monthly/yearly idempotency,
// derived from the cron expression itself rather than a hardcoded unit).
func (c *Coordinator) precheckPeriod(ctx context.Context, template *models.BackupTask) (skip bool, err error) {
	if template.ScheduleCron == "" {
		return false, nil
	}
	last, err := c.store.LastSuccessfulCompletion(ctx, template.ID)
	if err != nil {
		return false, err
	}
	if last == nil {
		return false, nil
	}
	next, err := scheduler.NextAfter(template.ScheduleCron, *last)
	if err != nil {
		// An unparseable schedule can't gate the run; let it proceed
		// rather than wedge the template forever.
		return false, nil
	}
	if next.After(time.Now()) {
		return true, nil
	}
	return false, nil
}

// precheckTapeLabel rejects the run if the target tape's label_month does
// not match the current period, notifying the operator on mismatch.
func (c *Coordinator) precheckTapeLabel(ctx context.Context, template *models.BackupTask) error {
	tape, err := c.store.GetTape(ctx, *template.TapeID)
	if err != nil {
		return err
	}
	currentMonth := time.Now().Format("2006-01")
	if tape.LabelMonth != "" && tape.LabelMonth != currentMonth {
		if c.notifier != nil {
			_ = c.notifier.Dispatch(ctx, notifications.TapeLabelMismatch(template.Name, currentMonth, tape.Label))
		}
		return fmt.Errorf("tape %q labeled for %s, expected %s: %w", tape.Label, tape.LabelMonth, currentMonth, pipeline.ErrPreconditionFailed)
	}
	return nil
}

// resolveExecution implements the resume/restart/auto semantics, returning
// the task and set to run against.
func (c *Coordinator) resolveExecution(ctx context.Context, template *models.BackupTask, opts Options) (taskID, setID int64, resuming bool, err error) {
	latest, err := c.store.FindLatestExecution(ctx, template.ID)
	if err != nil {
		return 0, 0, false, err
	}
	incomplete := latest != nil && latest.Status != models.TaskStatusCompleted

	mode := opts.Mode
	if mode == "" {
		mode = ModeAuto
	}

	switch mode {
	case ModeResume:
		if !incomplete {
			return c.freshExecution(ctx, template)
		}
		set, err := c.store.BackupSetForTask(ctx, latest.ID)
		if err != nil || set == nil {
			return c.freshExecution(ctx, template)
		}
		return latest.ID, set.ID, true, nil

	case ModeRestart:
		if incomplete {
			set, err := c.store.BackupSetForTask(ctx, latest.ID)
			if err == nil && set != nil {
				if err := c.store.ClearBackupFilesForSet(ctx, set.ID); err != nil {
					return 0, 0, false, err
				}
				return latest.ID, set.ID, false, nil
			}
		}
		return c.freshExecution(ctx, template)

	default: // ModeAuto
		if incomplete {
			set, err := c.store.BackupSetForTask(ctx, latest.ID)
			if err == nil && set != nil {
				return latest.ID, set.ID, true, nil
			}
		}
		return c.freshExecution(ctx, template)
	}
}

func (c *Coordinator) freshExecution(ctx context.Context, template *models.BackupTask) (taskID, setID int64, resuming bool, err error) {
	taskID, err = c.store.CreateTaskFromTemplate(ctx, template.ID)
	if err != nil {
		return 0, 0, false, err
	}
	set, err := c.store.CreateBackupSet(ctx, taskID, newSetID(template.ID), template.TapeID)
	if err != nil {
		return 0, 0, false, err
	}
	return taskID, set.ID, false, nil
}

func newSetID(templateID int64) string {
	return fmt.Sprintf("%s_%06d", time.Now().Format("2006-01"), templateID%1000000)
}

// execute runs steps 4-8 of the execution contract for one started
// execution: start the pipeline, await scan+compress drain, finalize.
func (c *Coordinator) execute(ctx context.Context, st *execState, template *models.BackupTask, resuming bool) {
	defer c.finishLock(st)

	logger := c.logger
	logger.Info("execution starting", map[string]interface{}{
		"task_id": st.taskID, "set_id": st.setID, "template_id": st.templateID, "resuming": resuming,
	})

	stagingCfg := c.stagingCfg
	buf := staging.New(c.store, st.setID, stagingCfg, logger)
	buf.Start(ctx)

	scan := scanworker.New(c.scanner, c.store, buf, logger, c.maxFileSize, c.scanUpdateInterval)
	compressCfg := c.compressCfg
	compressCfg.MaxFileSize = c.maxFileSize
	comp := compressionworker.New(c.store, c.compressor, c.archiveSink, logger, compressCfg)

	var wg sync.WaitGroup
	var scanErr, compErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, scanErr = scan.Run(ctx, &models.BackupTask{ID: st.taskID, SourcePaths: template.SourcePaths, ExcludePatterns: template.ExcludePatterns}, st.setID)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		compErr = comp.Run(ctx, st.taskID, st.setID)
	}()

	wg.Wait()

	if _, err := buf.Stop(context.Background()); err != nil {
		logger.Error("staging buffer flush failed at execution end", map[string]interface{}{"task_id": st.taskID, "error": err.Error()})
	}

	finalErr := scanErr
	if finalErr == nil {
		finalErr = compErr
	}

	switch {
	case ctx.Err() != nil && finalErr == nil:
		c.finalize(st, models.BackupSetStatusCancelled, models.TaskStatusCancelled, "")
	case finalErr != nil:
		logger.Error("execution failed", map[string]interface{}{"task_id": st.taskID, "error": finalErr.Error(), "kind": pipeline.Classify(finalErr).String()})
		c.finalize(st, models.BackupSetStatusFailed, models.TaskStatusFailed, finalErr.Error())
		if c.notifier != nil {
			_ = c.notifier.Dispatch(context.Background(), notifications.TaskFailed(template.Name, finalErr.Error()))
		}
	default:
		c.finalize(st, models.BackupSetStatusCompleted, models.TaskStatusCompleted, "")
		if c.notifier != nil {
			status, err := c.store.GetTaskStatus(context.Background(), st.taskID)
			if err == nil {
				_ = c.notifier.Dispatch(context.Background(), notifications.TaskCompleted(template.Name, status.ProcessedFiles, status.ProcessedBytes))
			}
		}
	}
}

func (c *Coordinator) finalize(st *execState, setStatus models.BackupSetStatus, taskStatus models.TaskStatus, errMessage string) {
	bgCtx := context.Background()
	if err := c.store.FinalizeBackupSet(bgCtx, st.setID, setStatus); err != nil {
		c.logger.Error("finalize backup set failed", map[string]interface{}{"set_id": st.setID, "error": err.Error()})
	}
	if err := c.store.MarkTaskTerminal(bgCtx, st.taskID, taskStatus, errMessage); err != nil {
		c.logger.Error("mark task terminal failed", map[string]interface{}{"task_id": st.taskID, "error": err.Error()})
	}
}
