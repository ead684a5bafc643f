// Package scheduler fires cron triggers that execute sequences.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/actseq/internal/engine"
	"github.com/rendis/actseq/internal/logging"
	"github.com/rendis/actseq/internal/scope"
	"github.com/rendis/actseq/pkg/schema"
)

// Frame keys added to every triggered execution.
const (
	KeyTriggerID   = "triggerId"
	KeyScheduledAt = "scheduledAt"
)

// DefaultInterval is how often due triggers are checked. Cron resolution is
// one minute, so anything shorter than that never skips a slot.
const DefaultInterval = 15 * time.Second

// Executor runs a sequence. Satisfied by *engine.Interpreter.
type Executor interface {
	Execute(ctx context.Context, sequenceID string, frame *scope.Frame) (*engine.Result, error)
}

// Config configures a Scheduler.
type Config struct {
	Interval time.Duration        // 0 = DefaultInterval
	Appender engine.EventAppender // receives trigger_fired events; nil = none
	Logger   *slog.Logger
	Now      func() time.Time
}

// Status is a trigger's schedule and last outcome.
type Status struct {
	schema.TriggerDecl
	NextRunAt     time.Time  `json:"next_run_at"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

type trigger struct {
	decl     schema.TriggerDecl
	schedule cron.Schedule
	next     time.Time
	last     *time.Time
	status   string
}

// Scheduler keeps registered triggers in memory and runs the due ones on
// every tick.
type Scheduler struct {
	exec     Executor
	parser   cron.Parser
	appender engine.EventAppender
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	triggers map[string]*trigger
	inflight map[string]struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(exec Executor, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Scheduler{
		exec:     exec,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		appender: cfg.Appender,
		logger:   logging.Discard(cfg.Logger),
		interval: cfg.Interval,
		now:      cfg.Now,
		triggers: make(map[string]*trigger),
		inflight: make(map[string]struct{}),
	}
}

// AddTrigger registers a trigger; its first run is the next cron slot after now.
func (s *Scheduler) AddTrigger(t schema.TriggerDecl) error {
	if t.ID == "" || t.Sequence == "" {
		return schema.NewError(schema.ErrCodeValidation, "trigger requires id and sequence")
	}
	sched, err := s.parser.Parse(t.Cron)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid cron expression %q", t.Cron).
			WithPath("/cron").WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.triggers[t.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "trigger %q already registered", t.ID)
	}
	s.triggers[t.ID] = &trigger{decl: t, schedule: sched, next: sched.Next(s.now())}
	return nil
}

// RemoveTrigger unregisters a trigger and reports whether it existed.
func (s *Scheduler) RemoveTrigger(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.triggers[id]
	delete(s.triggers, id)
	return ok
}

// Triggers returns every trigger's status, sorted by id.
func (s *Scheduler) Triggers() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.triggers))
	for _, id := range slices.Sorted(maps.Keys(s.triggers)) {
		t := s.triggers[id]
		out = append(out, Status{TriggerDecl: t.decl, NextRunAt: t.next, LastRunAt: t.last, LastRunStatus: t.status})
	}
	return out
}

// NextRun computes the next slot of a cron expression after from.
func (s *Scheduler) NextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return sched.Next(from), nil
}

// Start launches the background loop. It ticks once immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.loop(loopCtx, done)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Stop cancels the loop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("scheduler stopped")
}

// Tick runs every trigger whose next run is not after now, in id order.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []string
	for id, t := range s.triggers {
		if !t.next.After(now) {
			due = append(due, id)
		}
	}
	s.mu.Unlock()
	slices.Sort(due)

	for _, id := range due {
		if ctx.Err() != nil {
			return
		}
		if err := s.run(ctx, id, now); err != nil {
			s.logger.ErrorContext(ctx, "trigger failed",
				slog.String("trigger", id),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Fire runs a trigger immediately, outside its schedule.
func (s *Scheduler) Fire(ctx context.Context, id string) error {
	return s.run(ctx, id, s.now())
}

func (s *Scheduler) run(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	t, ok := s.triggers[id]
	if !ok {
		s.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "trigger %q is not registered", id)
	}
	if _, busy := s.inflight[id]; busy {
		s.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "trigger %q is already running", id)
	}
	s.inflight[id] = struct{}{}
	decl := t.decl
	s.mu.Unlock()

	frame := scope.CreateScope(scope.New(decl.Context), map[string]any{
		KeyTriggerID:   decl.ID,
		KeyScheduledAt: now.Format(time.RFC3339),
	})
	s.logger.InfoContext(ctx, "trigger fired",
		slog.String("trigger", decl.ID),
		slog.String("sequence", decl.Sequence),
	)
	res, err := s.exec.Execute(ctx, decl.Sequence, frame)

	status := "success"
	if err != nil {
		status = "error"
	}
	s.emit(ctx, decl, res, status, err)

	s.mu.Lock()
	delete(s.inflight, id)
	if t, ok := s.triggers[id]; ok {
		t.last = &now
		t.status = status
		t.next = t.schedule.Next(now)
	}
	s.mu.Unlock()
	return err
}

func (s *Scheduler) emit(ctx context.Context, decl schema.TriggerDecl, res *engine.Result, status string, runErr error) {
	if s.appender == nil {
		return
	}
	body := map[string]any{"trigger": decl.ID, "cron": decl.Cron, "status": status}
	if runErr != nil {
		body["error"] = runErr.Error()
	}
	payload, _ := json.Marshal(body)
	e := &schema.Event{SequenceID: decl.Sequence, Type: schema.EventTriggerFired, Payload: payload}
	if res != nil {
		e.ExecutionID = res.ExecutionID
	}
	if err := s.appender.AppendEvent(ctx, e); err != nil {
		s.logger.WarnContext(ctx, "trigger event not recorded", slog.String("error", err.Error()))
	}
}
