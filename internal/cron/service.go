// Package cron runs the gateway's housekeeping jobs on robfig/cron schedules.
package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	rcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Func is the body of a job. The returned summary is logged.
type Func func(ctx context.Context) (string, error)

type JobState struct {
	LastRunAt  time.Time `json:"lastRunAt"`
	LastStatus string    `json:"lastStatus,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
	Runs       int       `json:"runs"`
}

// Job is a named schedule. Schedule uses the six-field form with seconds.
type Job struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Schedule string   `json:"schedule"`
	Enabled  bool     `json:"enabled"`
	State    JobState `json:"state"`

	fn Func
}

type Service struct {
	mu       sync.Mutex
	jobs     []*Job
	cron     *rcron.Cron
	entryMap map[string]rcron.EntryID // job ID -> cron entry ID
	runCtx   context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		entryMap: make(map[string]rcron.EntryID),
		logger:   logger.Named("cron"),
		now:      time.Now,
		runCtx:   context.Background(),
	}
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})

	s.mu.Lock()
	if s.cron != nil {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("start cron: already running")
	}
	s.runCtx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh
	s.cron = rcron.New(rcron.WithSeconds())
	for _, job := range s.jobs {
		if job.Enabled {
			s.registerJob(job)
		}
	}
	n := len(s.jobs)
	s.cron.Start()
	s.mu.Unlock()

	s.logger.Info("started", zap.Int("jobs", n))

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	return nil
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cron != nil
}

// registerJob must be called with s.mu held.
func (s *Service) registerJob(job *Job) {
	id := job.ID
	entryID, err := s.cron.AddFunc(job.Schedule, func() {
		s.executeJob(id)
	})
	if err != nil {
		s.logger.Warn("register failed", zap.String("job", job.Name), zap.String("schedule", job.Schedule), zap.Error(err))
		return
	}
	s.entryMap[job.ID] = entryID
}

func (s *Service) executeJob(id string) {
	s.mu.Lock()
	job := s.find(id)
	if job == nil || job.fn == nil {
		s.mu.Unlock()
		return
	}
	fn, name, ctx := job.fn, job.Name, s.runCtx
	s.mu.Unlock()

	s.logger.Debug("running", zap.String("job", name))
	summary, err := fn(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	job = s.find(id)
	if job == nil {
		return
	}
	job.State.LastRunAt = s.now()
	job.State.Runs++
	if err != nil {
		job.State.LastStatus = "error"
		job.State.LastError = err.Error()
		s.logger.Warn("job failed", zap.String("job", name), zap.Error(err))
		return
	}
	job.State.LastStatus = "ok"
	job.State.LastError = ""
	if summary != "" {
		s.logger.Info("job done", zap.String("job", name), zap.String("result", truncate(summary, 100)))
	}
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	c := s.cron
	s.cancel = nil
	s.stopCh = nil
	s.cron = nil
	for id := range s.entryMap {
		delete(s.entryMap, id)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stopCh != nil {
		close(stopCh)
	}
	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			s.logger.Warn("stop timeout waiting for running jobs")
		}
		s.logger.Info("stopped")
	}
}

// AddJob validates schedule and registers fn under name. Jobs added while
// the service runs are scheduled immediately.
func (s *Service) AddJob(name, schedule string, fn Func) (Job, error) {
	if fn == nil {
		return Job{}, fmt.Errorf("add job %s: nil func", name)
	}
	if _, err := rcron.NewParser(rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor).Parse(schedule); err != nil {
		return Job{}, fmt.Errorf("add job %s: parse schedule %q: %w", name, schedule, err)
	}

	job := &Job{
		ID:       uuid.NewString(),
		Name:     name,
		Schedule: schedule,
		Enabled:  true,
		fn:       fn,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	if s.cron != nil {
		s.registerJob(job)
	}
	return *job, nil
}

// RunNow executes a job synchronously outside its schedule.
func (s *Service) RunNow(id string) error {
	s.mu.Lock()
	job := s.find(id)
	s.mu.Unlock()
	if job == nil {
		return fmt.Errorf("job %s not found", id)
	}
	s.executeJob(id)
	return nil
}

func (s *Service) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, job := range s.jobs {
		if job.ID != id {
			continue
		}
		s.unregister(id)
		s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
		return true
	}
	return false
}

func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, len(s.jobs))
	for i, job := range s.jobs {
		out[i] = *job
		out[i].fn = nil
	}
	return out
}

func (s *Service) EnableJob(id string, enabled bool) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := s.find(id)
	if job == nil {
		return Job{}, fmt.Errorf("job %s not found", id)
	}
	job.Enabled = enabled
	if s.cron != nil {
		if enabled {
			if _, ok := s.entryMap[id]; !ok {
				s.registerJob(job)
			}
		} else {
			s.unregister(id)
		}
	}
	out := *job
	out.fn = nil
	return out, nil
}

func (s *Service) find(id string) *Job {
	for _, job := range s.jobs {
		if job.ID == id {
			return job
		}
	}
	return nil
}

func (s *Service) unregister(id string) {
	if entryID, ok := s.entryMap[id]; ok {
		if s.cron != nil {
			s.cron.Remove(entryID)
		}
		delete(s.entryMap, id)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
