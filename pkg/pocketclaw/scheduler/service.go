package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/bus"
)

const (
	// DefaultTick bounds how long the loop sleeps between due checks.
	DefaultTick = time.Second

	// DefaultJobTimeout caps a single firing.
	DefaultJobTimeout = 5 * time.Minute
)

// JobHandler runs a job's payload and returns the agent's answer. It is
// called directly, not through the bus.
type JobHandler func(ctx context.Context, job *Job) (string, error)

// Publisher delivers job results; *bus.MessageBus implements it.
type Publisher interface {
	PublishOutbound(msg bus.OutboundMessage) error
}

// Option configures a Service.
type Option func(*Service)

// WithTick overrides the maximum sleep between due checks.
func WithTick(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithJobTimeout overrides the per-firing timeout.
func WithJobTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.jobTimeout = d
		}
	}
}

// WithClock injects the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Status summarizes the service for the status command.
type Status struct {
	Running    bool
	Jobs       int
	Enabled    int
	NextWakeAt time.Time
}

// Service owns the job list, its persistence and the firing loop.
type Service struct {
	store     JobStore
	handler   JobHandler
	publisher Publisher
	logger    *slog.Logger

	tick       time.Duration
	jobTimeout time.Duration
	now        func() time.Time

	mu      sync.Mutex
	jobs    []*Job
	loaded  bool
	running map[string]bool

	wake    chan struct{}
	started bool
	cancel  context.CancelFunc
	loopWG  sync.WaitGroup
	runWG   sync.WaitGroup
}

// NewService creates a scheduler. publisher may be nil when no job delivers.
func NewService(store JobStore, handler JobHandler, publisher Publisher, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:      store,
		handler:    handler,
		publisher:  publisher,
		logger:     logger.With("component", "scheduler"),
		tick:       DefaultTick,
		jobTimeout: DefaultJobTimeout,
		now:        time.Now,
		running:    make(map[string]bool),
		wake:       make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetHandler replaces the job handler. Used when the agent is built after
// the scheduler, since the agent's cron tool needs the scheduler first.
func (s *Service) SetHandler(h JobHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// ensureLoaded reads the store once. Caller holds s.mu.
func (s *Service) ensureLoaded() {
	if s.loaded {
		return
	}
	s.loaded = true
	if s.store == nil {
		return
	}
	jobs, err := s.store.Load()
	if err != nil {
		s.logger.Error("failed to load jobs", "error", err)
		return
	}
	s.jobs = jobs
}

// persist writes the whole list. Caller holds s.mu.
func (s *Service) persist() {
	if s.store == nil {
		return
	}
	if err := s.store.Save(s.jobs); err != nil {
		s.logger.Error("failed to persist jobs", "error", err)
	}
}

func (s *Service) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) find(id string) (int, *Job) {
	for i, j := range s.jobs {
		if j.ID == id {
			return i, j
		}
	}
	return -1, nil
}

// AddJob validates, stores and arms a new job.
func (s *Service) AddJob(name string, sched Schedule, payload Payload, deleteAfterRun bool) (*Job, error) {
	if err := sched.Validate(); err != nil {
		return nil, err
	}
	if payload.Kind == "" {
		payload.Kind = PayloadAgentTurn
	}
	if payload.Message == "" {
		return nil, fmt.Errorf("job message is required")
	}

	now := s.now()
	job := &Job{
		ID:             uuid.New().String()[:8],
		Name:           name,
		Enabled:        true,
		Schedule:       sched,
		Payload:        payload,
		CreatedAtMs:    now.UnixMilli(),
		UpdatedAtMs:    now.UnixMilli(),
		DeleteAfterRun: deleteAfterRun,
	}
	job.State.NextRunAtMs = msPtr(sched.Next(now))

	s.mu.Lock()
	s.ensureLoaded()
	s.jobs = append(s.jobs, job)
	s.persist()
	out := job.Clone()
	s.mu.Unlock()

	s.poke()
	s.logger.Info("job added", "id", job.ID, "name", name, "schedule", sched.Describe())
	return out, nil
}

// RemoveJob deletes a job. Reports whether it existed.
func (s *Service) RemoveJob(id string) bool {
	s.mu.Lock()
	s.ensureLoaded()
	i, _ := s.find(id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
	s.persist()
	s.mu.Unlock()

	s.poke()
	s.logger.Info("job removed", "id", id)
	return true
}

// EnableJob toggles a job and rearms it when enabled.
func (s *Service) EnableJob(id string, enabled bool) (*Job, error) {
	s.mu.Lock()
	defer s.poke()
	defer s.mu.Unlock()

	s.ensureLoaded()
	_, job := s.find(id)
	if job == nil {
		return nil, fmt.Errorf("job %q not found", id)
	}
	now := s.now()
	job.Enabled = enabled
	job.UpdatedAtMs = now.UnixMilli()
	if enabled {
		job.State.NextRunAtMs = msPtr(job.Schedule.Next(now))
	} else {
		job.State.NextRunAtMs = nil
	}
	s.persist()
	return job.Clone(), nil
}

// GetJob returns a copy of one job.
func (s *Service) GetJob(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	_, job := s.find(id)
	if job == nil {
		return nil, false
	}
	return job.Clone(), true
}

// ListJobs returns copies ordered by next run; unscheduled jobs sort last.
func (s *Service) ListJobs(includeDisabled bool) []*Job {
	s.mu.Lock()
	s.ensureLoaded()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if !includeDisabled && !j.Enabled {
			continue
		}
		out = append(out, j.Clone())
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(a, b int) bool {
		na, nb := out[a].State.NextRunAtMs, out[b].State.NextRunAtMs
		switch {
		case na == nil:
			return false
		case nb == nil:
			return true
		default:
			return *na < *nb
		}
	})
	return out
}

// Status reports counts and the next wake time.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	st := Status{Running: s.started, Jobs: len(s.jobs)}
	for _, j := range s.jobs {
		if !j.Enabled {
			continue
		}
		st.Enabled++
		if next := j.NextRun(); !next.IsZero() && (st.NextWakeAt.IsZero() || next.Before(st.NextWakeAt)) {
			st.NextWakeAt = next
		}
	}
	return st
}

// RunJob fires a job immediately and waits for it. A disabled job only runs
// with force. Reports whether the job ran.
func (s *Service) RunJob(ctx context.Context, id string, force bool) (bool, error) {
	s.mu.Lock()
	s.ensureLoaded()
	_, job := s.find(id)
	if job == nil {
		s.mu.Unlock()
		return false, fmt.Errorf("job %q not found", id)
	}
	if !job.Enabled && !force {
		s.mu.Unlock()
		return false, nil
	}
	if s.running[id] {
		s.mu.Unlock()
		return false, fmt.Errorf("job %q is already running", id)
	}
	s.advance(job, s.now())
	s.running[id] = true
	snapshot := job.Clone()
	s.persist()
	s.mu.Unlock()

	s.execute(ctx, snapshot)
	return true, nil
}

// Start loads the store and runs the firing loop until Stop or ctx ends.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.ensureLoaded()
	now := s.now()
	for _, j := range s.jobs {
		// Recurring jobs missed while stopped rearm from now instead of
		// replaying; "at" jobs keep their time and fire on the first tick.
		if !j.Enabled {
			continue
		}
		missed := j.State.NextRunAtMs != nil && *j.State.NextRunAtMs < now.UnixMilli()
		if j.State.NextRunAtMs == nil || (missed && j.Schedule.Kind != KindAt) {
			j.State.NextRunAtMs = msPtr(j.Schedule.Next(now))
		}
	}
	s.persist()
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true
	count := len(s.jobs)
	s.mu.Unlock()

	s.loopWG.Add(1)
	go func() {
		defer s.loopWG.Done()
		s.loop(loopCtx)
	}()

	s.logger.Info("scheduler started", "jobs", count, "tick", s.tick)
	return nil
}

// Stop ends the loop and waits for in-flight jobs.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.started = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.loopWG.Wait()

	done := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		s.logger.Warn("scheduler stop timed out waiting for jobs")
	}
	s.logger.Info("scheduler stopped")
}

func (s *Service) loop(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		s.fireDue(ctx)
		timer.Reset(s.nextWait())
	}
}

// nextWait is the time until the earliest due job, capped at the tick.
func (s *Service) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	wait := s.tick
	now := s.now()
	for _, j := range s.jobs {
		if !j.Enabled || s.running[j.ID] {
			continue
		}
		if next := j.NextRun(); !next.IsZero() {
			if d := next.Sub(now); d < wait {
				wait = d
			}
		}
	}
	if wait < 10*time.Millisecond {
		wait = 10 * time.Millisecond
	}
	return wait
}

// fireDue advances and persists every due job, then runs each one in its
// own goroutine. A job still running from its previous firing is left due.
func (s *Service) fireDue(ctx context.Context) {
	s.mu.Lock()
	now := s.now()
	var due []*Job
	// advance may remove one-shot jobs from s.jobs, so walk a copy.
	for _, j := range append([]*Job(nil), s.jobs...) {
		if !j.Enabled || s.running[j.ID] {
			continue
		}
		next := j.NextRun()
		if next.IsZero() || next.After(now) {
			continue
		}
		s.advance(j, now)
		s.running[j.ID] = true
		due = append(due, j.Clone())
	}
	if len(due) > 0 {
		s.persist()
	}
	s.mu.Unlock()

	for _, job := range due {
		s.runWG.Add(1)
		go func(job *Job) {
			defer s.runWG.Done()
			s.execute(ctx, job)
		}(job)
	}
}

// advance computes the next firing before the job runs. One-shot jobs are
// disabled or removed. Caller holds s.mu.
func (s *Service) advance(j *Job, now time.Time) {
	last := now.UnixMilli()
	j.State.LastRunAtMs = &last
	j.UpdatedAtMs = last

	if j.Schedule.Kind == KindAt {
		j.State.NextRunAtMs = nil
		if j.DeleteAfterRun {
			if i, _ := s.find(j.ID); i >= 0 {
				s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			}
			return
		}
		j.Enabled = false
		return
	}

	// Next is computed from the firing time, which is at or past the
	// previous due time, so scheduled firings always move forward.
	j.State.NextRunAtMs = msPtr(j.Schedule.Next(now))
}

// execute runs the handler under the job timeout and records the outcome.
// Delivery happens only when the payload asks for it.
func (s *Service) execute(ctx context.Context, job *Job) {
	var (
		result string
		runErr error
	)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled job panicked", "id", job.ID, "panic", r)
			runErr = fmt.Errorf("panic: %v", r)
		}
		s.finish(job.ID, runErr)
	}()

	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler == nil {
		runErr = fmt.Errorf("no handler configured")
		return
	}

	s.logger.Info("executing scheduled job", "id", job.ID, "name", job.Name)

	runCtx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()

	start := time.Now()
	result, runErr = handler(runCtx, job)
	duration := time.Since(start)

	if runErr != nil {
		s.logger.Error("scheduled job failed", "id", job.ID, "error", runErr, "duration", duration)
		return
	}
	s.logger.Info("scheduled job completed", "id", job.ID, "result_len", len(result), "duration", duration)

	if !job.Payload.Deliver || result == "" {
		return
	}
	if job.Payload.Channel == "" || job.Payload.To == "" {
		runErr = fmt.Errorf("delivery requested but no target channel/chat")
		s.logger.Warn("cannot deliver job result", "id", job.ID)
		return
	}
	if s.publisher == nil {
		runErr = fmt.Errorf("delivery requested but no publisher configured")
		return
	}
	if err := s.publisher.PublishOutbound(bus.OutboundMessage{
		Channel: job.Payload.Channel,
		ChatID:  job.Payload.To,
		Content: result,
	}); err != nil {
		runErr = fmt.Errorf("delivering result: %w", err)
		s.logger.Error("failed to deliver job result", "id", job.ID, "error", err)
	}
}

// finish releases the running guard and records the last status, unless the
// job was removed while it ran.
func (s *Service) finish(id string, runErr error) {
	s.mu.Lock()
	defer s.poke()
	defer s.mu.Unlock()

	delete(s.running, id)
	_, job := s.find(id)
	if job == nil {
		return
	}
	if runErr != nil {
		job.State.LastStatus = "error"
		job.State.LastError = runErr.Error()
	} else {
		job.State.LastStatus = "ok"
		job.State.LastError = ""
	}
	job.UpdatedAtMs = s.now().UnixMilli()
	s.persist()
}
