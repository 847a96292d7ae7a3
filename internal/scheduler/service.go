package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/tapebackarr/tapebackarr/internal/database"
	"github.com/tapebackarr/tapebackarr/internal/logging"
	"github.com/tapebackarr/tapebackarr/internal/models"

	"github.com/robfig/cron/v3"
)

// JobRunner runs one scheduled execution of a template.
type JobRunner func(ctx context.Context, template *models.BackupTask) error

// Service manages cron-driven template scheduling.
type Service struct {
	db        *database.DB
	logger    *logging.Logger
	cron      *cron.Cron
	jobRunner JobRunner
	mu        sync.RWMutex
	entries   map[int64]cron.EntryID
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewService creates a new scheduler service.
func NewService(db *database.DB, logger *logging.Logger, jobRunner JobRunner) *Service {
	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		db:        db,
		logger:    logger,
		cron:      cron.New(cron.WithSeconds()),
		jobRunner: jobRunner,
		entries:   make(map[int64]cron.EntryID),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start starts the scheduler.
func (s *Service) Start() error {
	s.logger.Info("starting scheduler", nil)

	if err := s.loadTemplates(); err != nil {
		return err
	}

	s.cron.Start()
	go s.updateNextRuns()

	return nil
}

// Stop stops the scheduler.
func (s *Service) Stop() {
	s.logger.Info("stopping scheduler", nil)
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// loadTemplates loads every cron-scheduled template from the database.
func (s *Service) loadTemplates() error {
	rows, err := s.db.Query(`
		SELECT id, name, type, schedule_cron
		FROM backup_tasks WHERE is_template = 1 AND schedule_cron IS NOT NULL AND schedule_cron != ''
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var t models.BackupTask
		if err := rows.Scan(&t.ID, &t.Name, &t.Type, &t.ScheduleCron); err != nil {
			s.logger.Warn("failed to scan template", map[string]interface{}{"error": err.Error()})
			continue
		}

		if err := s.scheduleTemplate(&t); err != nil {
			s.logger.Warn("failed to schedule template", map[string]interface{}{
				"template_id": t.ID,
				"error":       err.Error(),
			})
		}
	}

	return nil
}

// scheduleTemplate adds a template to the cron scheduler, replacing any
// prior entry for the same template id.
func (s *Service) scheduleTemplate(template *models.BackupTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, exists := s.entries[template.ID]; exists {
		s.cron.Remove(entryID)
		delete(s.entries, template.ID)
	}

	if template.ScheduleCron == "" {
		return nil
	}

	templateCopy := *template

	entryID, err := s.cron.AddFunc(template.ScheduleCron, func() {
		s.runTemplate(&templateCopy)
	})
	if err != nil {
		return err
	}

	s.entries[template.ID] = entryID

	s.logger.Info("scheduled template", map[string]interface{}{
		"template_id": template.ID,
		"name":        template.Name,
		"schedule":    template.ScheduleCron,
	})

	return nil
}

// runTemplate executes one scheduled run of a template. The 24h timeout
// doubles as TaskCoordinator's own staleness threshold for the
// per-template execution lock: a run that is still "in progress" past this
// window is treated as abandoned rather than genuinely running.
func (s *Service) runTemplate(template *models.BackupTask) {
	s.logger.Info("running scheduled template", map[string]interface{}{
		"template_id": template.ID,
		"name":        template.Name,
	})

	ctx, cancel := context.WithTimeout(s.ctx, 24*time.Hour)
	defer cancel()

	if err := s.jobRunner(ctx, template); err != nil {
		s.logger.Error("scheduled template run failed", map[string]interface{}{
			"template_id": template.ID,
			"error":       err.Error(),
		})
	}

	s.db.Exec("UPDATE backup_tasks SET last_run_at = CURRENT_TIMESTAMP WHERE id = ?", template.ID)
}

// AddJob adds or updates a template's schedule.
func (s *Service) AddJob(template *models.BackupTask) error {
	return s.scheduleTemplate(template)
}

// RemoveJob removes a template from the scheduler.
func (s *Service) RemoveJob(templateID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, exists := s.entries[templateID]; exists {
		s.cron.Remove(entryID)
		delete(s.entries, templateID)
		s.logger.Info("removed template from scheduler", map[string]interface{}{"template_id": templateID})
	}
}

// GetNextRun returns the next scheduled run time for a template.
func (s *Service) GetNextRun(templateID int64) *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if entryID, exists := s.entries[templateID]; exists {
		entry := s.cron.Entry(entryID)
		if !entry.Next.IsZero() {
			return &entry.Next
		}
	}
	return nil
}

// updateNextRuns periodically persists next-run times for every scheduled
// template.
func (s *Service) updateNextRuns() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			for templateID, entryID := range s.entries {
				entry := s.cron.Entry(entryID)
				if !entry.Next.IsZero() {
					s.db.Exec("UPDATE backup_tasks SET next_run_at = ? WHERE id = ?", entry.Next, templateID)
				}
			}
			s.mu.RUnlock()
		}
	}
}

// ReloadJobs reloads every template's schedule from the database.
func (s *Service) ReloadJobs() error {
	s.mu.Lock()
	for templateID, entryID := range s.entries {
		s.cron.Remove(entryID)
		delete(s.entries, templateID)
	}
	s.mu.Unlock()

	return s.loadTemplates()
}

// ListScheduledJobs returns info about every scheduled template.
func (s *Service) ListScheduledJobs() []map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []map[string]interface{}
	for templateID, entryID := range s.entries {
		entry := s.cron.Entry(entryID)
		jobs = append(jobs, map[string]interface{}{
			"template_id": templateID,
			"next_run":    entry.Next,
			"prev_run":    entry.Prev,
		})
	}

	return jobs
}

// ParseCron validates a cron expression.
func ParseCron(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}

var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextAfter returns the next occurrence of expr strictly after t. Used by
// TaskCoordinator's period-idempotency precheck to decide whether a
// schedule's period has elapsed since its last successful completion.
func NextAfter(expr string, t time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(t), nil
}
