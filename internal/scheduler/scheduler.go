package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// catchupAllCap bounds the number of fires a single catchup_all tick
// may issue for one schedule, per SPEC_FULL.md §9's pinned answer to
// spec.md §4.F's "bounded by a safety cap" clause.
const catchupAllCap = 1000

// SessionFactory creates a session and returns immediately without
// waiting for it to run to completion, per spec.md §4.F's
// "createSession" action.
type SessionFactory interface {
	CreateSession(ctx context.Context, taskText string) (sessionID string, status string, err error)
}

// EventAppender is the subset of the journal the scheduler needs for
// its own lifecycle events and the emitEvent action.
type EventAppender interface {
	Append(ctx context.Context, sessionID, eventType string, payload map[string]any) error
}

// Config configures a Scheduler.
type Config struct {
	Store          Store
	SessionFactory SessionFactory
	Journal        EventAppender
	Logger         *slog.Logger

	// TickInterval is how often due schedules are scanned. Default 60s
	// per spec.md §4.F.
	TickInterval time.Duration
	// MaxConcurrentJobs bounds how many due schedules fire in parallel
	// per tick. Default 5.
	MaxConcurrentJobs int
	// MissedGracePeriod is how far next_run_at may lag now before the
	// missed-run policy engages.
	MissedGracePeriod time.Duration

	Now func() time.Time
}

func sanitizeConfig(cfg Config) Config {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 60 * time.Second
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 5
	}
	if cfg.MissedGracePeriod <= 0 {
		cfg.MissedGracePeriod = cfg.TickInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "scheduler")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}

// Scheduler is the durable, time-triggered job engine of spec.md §4.F.
type Scheduler struct {
	cfg Config

	sem chan struct{}
	wg  sync.WaitGroup

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	inFlight map[string]bool
}

// New constructs a Scheduler. Store must be non-nil.
func New(cfg Config) *Scheduler {
	cfg = sanitizeConfig(cfg)
	return &Scheduler{
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.MaxConcurrentJobs),
		inFlight: make(map[string]bool),
	}
}

// Start begins the tick loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Tick(ctx); err != nil {
					s.cfg.Logger.Error("tick reported journal errors", "error", err)
				}
			}
		}
	}()
	return nil
}

// Stop cancels the tick loop and waits for in-flight ticks to drain.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick scans for due schedules and fires up to MaxConcurrentJobs of
// them concurrently, returning the count it fired. Exported so tests
// and a manual "run now" admin action can drive it directly. The
// returned error joins every journal-append failure observed across
// this tick's fired schedules, per spec.md §7's Fatal propagation
// policy; Tick waits for all of them before returning so the caller
// sees a complete picture rather than a partial one.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.cfg.Now()
	schedules, err := s.cfg.Store.List(ctx)
	if err != nil {
		s.cfg.Logger.Warn("list schedules failed", "error", err)
		return 0, nil
	}

	var tickWG sync.WaitGroup
	var errsMu sync.Mutex
	var errs []error

	fired := 0
	for _, sched := range schedules {
		if sched.Status != StatusActive || sched.NextRunAt == nil || now.Before(*sched.NextRunAt) {
			continue
		}

		s.mu.Lock()
		if s.inFlight[sched.ScheduleID] {
			s.mu.Unlock()
			continue
		}
		s.inFlight[sched.ScheduleID] = true
		s.mu.Unlock()

		select {
		case s.sem <- struct{}{}:
		default:
			s.mu.Lock()
			delete(s.inFlight, sched.ScheduleID)
			s.mu.Unlock()
			continue
		}

		fired++
		s.wg.Add(1)
		tickWG.Add(1)
		go func(sched *Schedule) {
			defer s.wg.Done()
			defer tickWG.Done()
			defer func() { <-s.sem }()
			defer func() {
				s.mu.Lock()
				delete(s.inFlight, sched.ScheduleID)
				s.mu.Unlock()
			}()
			if ferr := s.fire(ctx, sched, now); ferr != nil {
				errsMu.Lock()
				errs = append(errs, ferr)
				errsMu.Unlock()
			}
		}(sched)
	}
	tickWG.Wait()
	return fired, errors.Join(errs...)
}

// fire runs the full missed-policy / execute / bookkeeping sequence of
// spec.md §4.F step 1-6 for one due schedule, returning any journal
// append failure encountered along the way.
func (s *Scheduler) fire(ctx context.Context, sched *Schedule, now time.Time) error {
	lag := now.Sub(*sched.NextRunAt)
	if lag > s.cfg.MissedGracePeriod {
		switch sched.Options.MissedPolicy {
		case MissedSkip:
			return s.advanceAndSkip(ctx, sched, now)
		case MissedCatchupAll:
			return s.fireCatchupAll(ctx, sched, now)
		case MissedCatchupOne:
			// Fall through to a single fire, then advance below.
		}
	}
	return s.fireOnce(ctx, sched, now)
}

func (s *Scheduler) advanceAndSkip(ctx context.Context, sched *Schedule, now time.Time) error {
	next, ok, err := sched.Trigger.Next(now)
	s.applyNextRun(ctx, sched, next, ok, err)
	return nil
}

func (s *Scheduler) fireCatchupAll(ctx context.Context, sched *Schedule, now time.Time) error {
	var errs []error
	cursor := *sched.NextRunAt
	count := 0
	for !cursor.After(now) && count < catchupAllCap {
		errs = append(errs, s.emit(ctx, "scheduler.job_triggered", sched, nil))
		err := s.execute(ctx, sched)
		errs = append(errs, s.recordOutcome(ctx, sched, err, now))
		if sched.Status != StatusActive {
			return errors.Join(errs...)
		}
		next, ok, nextErr := sched.Trigger.Next(cursor)
		if nextErr != nil || !ok {
			s.applyNextRun(ctx, sched, next, ok, nextErr)
			return errors.Join(errs...)
		}
		cursor = next
		count++
	}
	if count >= catchupAllCap && !cursor.After(now) {
		s.cfg.Logger.Warn("catchup_all hit its safety cap with occurrences still pending",
			"schedule_id", sched.ScheduleID, "cap", catchupAllCap)
	}
	s.applyNextRun(ctx, sched, cursor, true, nil)
	return errors.Join(errs...)
}

func (s *Scheduler) fireOnce(ctx context.Context, sched *Schedule, now time.Time) error {
	emitErr := s.emit(ctx, "scheduler.job_triggered", sched, nil)
	err := s.execute(ctx, sched)
	recErr := s.recordOutcome(ctx, sched, err, now)
	if sched.Status != StatusActive {
		return errors.Join(emitErr, recErr)
	}
	next, ok, nextErr := sched.Trigger.Next(now)
	s.applyNextRun(ctx, sched, next, ok, nextErr)
	return errors.Join(emitErr, recErr)
}

func (s *Scheduler) execute(ctx context.Context, sched *Schedule) error {
	switch sched.Action.Kind {
	case ActionCreateSession:
		if s.cfg.SessionFactory == nil {
			return errors.New("session factory not configured")
		}
		sessionID, _, err := s.cfg.SessionFactory.CreateSession(ctx, sched.Action.TaskText)
		if err != nil {
			return err
		}
		sched.LastSessionID = sessionID
		return nil
	case ActionEmitEvent:
		if s.cfg.Journal == nil {
			return errors.New("journal not configured")
		}
		return s.cfg.Journal.Append(ctx, sched.Action.SessionID, sched.Action.EventType, sched.Action.Payload)
	default:
		return fmt.Errorf("action type %s not implemented", sched.Action.Kind)
	}
}

func (s *Scheduler) recordOutcome(ctx context.Context, sched *Schedule, err error, now time.Time) error {
	var emitErr error
	sched.LastRunAt = &now
	if err != nil {
		sched.FailureCount++
		sched.LastError = err.Error()
		emitErr = s.emit(ctx, "scheduler.job_failed", sched, map[string]any{"error": err.Error()})
		if sched.Options.MaxFailures > 0 && sched.FailureCount >= sched.Options.MaxFailures {
			sched.Status = StatusFailed
			sched.NextRunAt = nil
		}
	} else {
		sched.RunCount++
		sched.FailureCount = 0
		sched.LastError = ""
		emitErr = s.emit(ctx, "scheduler.job_completed", sched, nil)
	}
	sched.UpdatedAt = now
	if uerr := s.cfg.Store.Update(ctx, sched); uerr != nil {
		s.cfg.Logger.Warn("schedule update failed", "schedule_id", sched.ScheduleID, "error", uerr)
	}
	return emitErr
}

// applyNextRun recomputes and persists next_run_at, handling
// completion (one-shot triggers) and delete_after_run.
func (s *Scheduler) applyNextRun(ctx context.Context, sched *Schedule, next time.Time, ok bool, err error) {
	if err != nil {
		sched.Status = StatusFailed
		sched.LastError = err.Error()
		sched.NextRunAt = nil
	} else if !ok {
		sched.Status = StatusCompleted
		sched.NextRunAt = nil
	} else {
		sched.NextRunAt = &next
	}
	sched.UpdatedAt = s.cfg.Now()

	if sched.Options.DeleteAfterRun && (sched.Status == StatusCompleted || sched.Trigger.Kind == TriggerAt) {
		if derr := s.cfg.Store.Delete(ctx, sched.ScheduleID); derr != nil {
			s.cfg.Logger.Warn("schedule delete failed", "schedule_id", sched.ScheduleID, "error", derr)
		}
		return
	}
	if uerr := s.cfg.Store.Update(ctx, sched); uerr != nil {
		s.cfg.Logger.Warn("schedule update failed", "schedule_id", sched.ScheduleID, "error", uerr)
	}
}

// emit appends a scheduler lifecycle event to the journal. Per
// spec.md §7, a configured journal's append failures are Fatal; the
// returned error propagates up through fire to Tick instead of being
// silently discarded.
func (s *Scheduler) emit(ctx context.Context, eventType string, sched *Schedule, extra map[string]any) error {
	if s.cfg.Journal == nil {
		return nil
	}
	payload := map[string]any{"schedule_id": sched.ScheduleID, "name": sched.Name}
	for k, v := range extra {
		payload[k] = v
	}
	if err := s.cfg.Journal.Append(ctx, "", eventType, payload); err != nil {
		return fmt.Errorf("scheduler: journal append %s for schedule %s: %w", eventType, sched.ScheduleID, err)
	}
	return nil
}

// CreateSchedule validates the trigger, computes the first
// next_run_at, and persists the schedule.
func (s *Scheduler) CreateSchedule(ctx context.Context, name string, trigger Trigger, action Action, opts Options) (*Schedule, error) {
	trigger, err := NewTrigger(trigger)
	if err != nil {
		return nil, err
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = DefaultOptions().MaxFailures
	}
	if opts.MissedPolicy == "" {
		opts.MissedPolicy = DefaultOptions().MissedPolicy
	}

	now := s.cfg.Now()
	next, ok, err := trigger.Next(now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no next run scheduled")
	}

	sched := &Schedule{
		ScheduleID: uuid.NewString(),
		Name:       name,
		Trigger:    trigger,
		Action:     action,
		Options:    opts,
		Status:     StatusActive,
		NextRunAt:  &next,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.cfg.Store.Create(ctx, sched); err != nil {
		return nil, err
	}
	return sched, nil
}

// UpdateSchedule replaces a schedule's trigger/action/options,
// recomputing next_run_at from the new trigger.
func (s *Scheduler) UpdateSchedule(ctx context.Context, id string, trigger Trigger, action Action, opts Options) (*Schedule, error) {
	existing, err := s.cfg.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("schedule %s not found", id)
	}
	trigger, err = NewTrigger(trigger)
	if err != nil {
		return nil, err
	}
	now := s.cfg.Now()
	next, ok, err := trigger.Next(now)
	if err != nil {
		return nil, err
	}
	existing.Trigger = trigger
	existing.Action = action
	existing.Options = opts
	existing.UpdatedAt = now
	if ok {
		existing.NextRunAt = &next
	} else {
		existing.NextRunAt = nil
		existing.Status = StatusCompleted
	}
	if err := s.cfg.Store.Update(ctx, existing); err != nil {
		return nil, err
	}
	return existing, nil
}

// DeleteSchedule removes a schedule.
func (s *Scheduler) DeleteSchedule(ctx context.Context, id string) error {
	return s.cfg.Store.Delete(ctx, id)
}

// PauseSchedule transitions a schedule to paused, excluding it from
// Tick until resumed.
func (s *Scheduler) PauseSchedule(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, StatusPaused)
}

// ResumeSchedule transitions a paused schedule back to active,
// recomputing next_run_at from now.
func (s *Scheduler) ResumeSchedule(ctx context.Context, id string) error {
	sched, err := s.cfg.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sched == nil {
		return fmt.Errorf("schedule %s not found", id)
	}
	now := s.cfg.Now()
	next, ok, err := sched.Trigger.Next(now)
	if err != nil {
		return err
	}
	sched.Status = StatusActive
	if ok {
		sched.NextRunAt = &next
	} else {
		sched.NextRunAt = nil
	}
	sched.UpdatedAt = now
	return s.cfg.Store.Update(ctx, sched)
}

func (s *Scheduler) setStatus(ctx context.Context, id string, status Status) error {
	sched, err := s.cfg.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sched == nil {
		return fmt.Errorf("schedule %s not found", id)
	}
	sched.Status = status
	sched.UpdatedAt = s.cfg.Now()
	return s.cfg.Store.Update(ctx, sched)
}

// ListSchedules returns all schedules.
func (s *Scheduler) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	return s.cfg.Store.List(ctx)
}

// GetSchedule returns a schedule by id, or nil if not found.
func (s *Scheduler) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	return s.cfg.Store.Get(ctx, id)
}
