// Package jobs runs queued pipeline jobs on a fixed pool of workers and
// enqueues scheduled runs.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"nbaattend/db"
	"nbaattend/metrics"
	"nbaattend/pipeline"
	"nbaattend/utils"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type Runner interface {
	Run(ctx context.Context, kind pipeline.Kind, jobID string) ([]pipeline.Output, error)
}

type Worker struct {
	Id     int
	isIdle atomic.Bool

	runner  Runner
	metrics *metrics.Recorder
	logger  *zap.SugaredLogger
}

func NewWorker(id int, runner Runner, rec *metrics.Recorder, logger *zap.SugaredLogger) *Worker {
	w := &Worker{Id: id, runner: runner, metrics: rec, logger: logger}
	w.isIdle.Store(true)
	return w
}

func (w *Worker) IsIdle() bool {
	return w.isIdle.Load()
}

// DoYourJob runs job to completion and records its final state.
func (w *Worker) DoYourJob(ctx context.Context, job *db.Job) {
	defer w.isIdle.Store(true)
	defer func() {
		if w.metrics != nil {
			w.metrics.JobFinished(job.Kind, job.State)
		}
	}()

	kind, err := pipeline.ParseKind(job.Kind)
	if err != nil {
		w.fail(job, err)
		return
	}

	w.logger.Infof("worker %d starting %s job %s", w.Id, job.Kind, job.Id)
	start := time.Now()
	if _, err := w.runner.Run(ctx, kind, job.Id); err != nil {
		w.fail(job, err)
		return
	}

	job.State = db.JobFinished
	if err := db.UpdateJob(job); err != nil {
		w.logger.Error(utils.ErrorWithTrace(err))
		return
	}
	w.logger.Infof("worker %d finished %s job %s in %s", w.Id, job.Kind, job.Id, time.Since(start).Round(time.Millisecond))
}

func (w *Worker) fail(job *db.Job, err error) {
	details := fmt.Errorf("WorkerID: %d\n\tJob: %s (%s)\n\tError: %s", w.Id, job.Id, job.Kind, err.Error())
	w.logger.Error(details.Error())
	if err := job.OhNo(details); err != nil {
		w.logger.Error(err)
	}
}

type Scheduler struct {
	Id           int
	MaxWorkers   int
	PollInterval time.Duration
	Workers      []*Worker

	logger *zap.SugaredLogger
	wg     sync.WaitGroup
}

func NewScheduler(id int, maxWorkers int, pollInterval time.Duration, runner Runner, rec *metrics.Recorder, logger *zap.SugaredLogger) *Scheduler {
	s := Scheduler{
		Id:           id,
		MaxWorkers:   maxWorkers,
		PollInterval: pollInterval,
		Workers:      make([]*Worker, 0, maxWorkers),
		logger:       logger,
	}
	for i := range maxWorkers {
		s.Workers = append(s.Workers, NewWorker(i, runner, rec, logger))
	}
	return &s
}

// Start polls the queue until ctx is cancelled, then waits for running jobs.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll hands at most one pending job to an idle worker. It reports whether a
// job was started.
func (s *Scheduler) Poll(ctx context.Context) bool {
	w := s.GetIdleWorker()
	if w == nil {
		return false
	}
	w.isIdle.Store(false)

	job, err := db.SelectJobForUpdate()
	if errors.Is(err, db.ErrQueueEmpty) {
		w.isIdle.Store(true)
		return false
	} else if err != nil {
		w.isIdle.Store(true)
		s.logger.Error(utils.ErrorWithTrace(err))
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		w.DoYourJob(ctx, job)
	}()
	return true
}

// Wait blocks until every job started by Poll has finished. It is for callers
// that drive Poll themselves; it must not race with Start, which already
// waits before it returns.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) GetIdleWorker() *Worker {
	for _, w := range s.Workers {
		if w.IsIdle() {
			return w
		}
	}
	return nil
}

// StalledJobsJanitor requeues RUNNING jobs that have not moved for
// staleMinutes, checking every interval.
func StalledJobsJanitor(ctx context.Context, interval time.Duration, staleMinutes int, logger *zap.SugaredLogger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.ResetStaleJobs(staleMinutes)
			if err != nil {
				logger.Error(err)
				continue
			}
			if n > 0 {
				logger.Warnf("requeued %d stalled jobs", n)
			}
		}
	}
}

// Enqueue adds one pending job per kind and returns the new jobs.
func Enqueue(kinds ...pipeline.Kind) ([]*db.Job, error) {
	jobs := make([]*db.Job, 0, len(kinds))
	for _, k := range kinds {
		job := db.NewJob(string(k))
		if err := db.InsertJob(job); err != nil {
			return jobs, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// NewCron returns a started cron that enqueues every pipeline on schedule.
func NewCron(schedule string, logger *zap.SugaredLogger) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		jobs, err := Enqueue(pipeline.Kinds...)
		if err != nil {
			logger.Errorf("scheduled enqueue failed: %v", err)
			return
		}
		logger.Infof("scheduled run enqueued %d jobs", len(jobs))
	})
	if err != nil {
		return nil, fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	c.Start()
	return c, nil
}
