package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"nbaattend/config"
	"nbaattend/db"
	"nbaattend/metrics"
	"nbaattend/pipeline"

	"go.uber.org/zap/zaptest"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	prev := config.DatabaseFile
	config.DatabaseFile = filepath.Join(t.TempDir(), "jobs.db")
	t.Cleanup(func() { config.DatabaseFile = prev })
	if err := db.SetupDatabase(); err != nil {
		t.Fatal(err)
	}
	if err := db.RunMigrations(); err != nil {
		t.Fatal(err)
	}
}

type fakeRunner struct {
	mu   sync.Mutex
	runs []pipeline.Kind
	fail map[pipeline.Kind]bool
}

func (f *fakeRunner) Run(ctx context.Context, kind pipeline.Kind, jobID string) ([]pipeline.Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, kind)
	if f.fail[kind] {
		return nil, errors.New("seatgeek returned status 401")
	}
	return []pipeline.Output{{Name: string(kind)}}, nil
}

func TestSchedulerRunsQueuedJobs(t *testing.T) {
	setupTestDB(t)

	queued, err := Enqueue(pipeline.KindAttendance, pipeline.KindPopularity)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	runner := &fakeRunner{fail: map[pipeline.Kind]bool{pipeline.KindPopularity: true}}
	s := NewScheduler(0, 2, 0, runner, metrics.NewRecorder(), zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	if !s.Poll(ctx) || !s.Poll(ctx) {
		t.Fatal("expected both jobs to start")
	}
	if s.Poll(ctx) {
		t.Error("no idle worker or job should remain")
	}
	s.Wait()

	if len(runner.runs) != 2 {
		t.Errorf("runner saw %v", runner.runs)
	}
	done, err := db.SelectJobByID(queued[0].Id)
	if err != nil || done.State != db.JobFinished {
		t.Errorf("attendance job = %+v, %v", done, err)
	}
	failed, err := db.SelectJobByID(queued[1].Id)
	if err != nil || failed.State != db.JobError || failed.ErrorDetails == "" {
		t.Errorf("popularity job = %+v, %v", failed, err)
	}
	if s.GetIdleWorker() == nil {
		t.Error("workers should be idle after their jobs finish")
	}
}

type blockingRunner struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingRunner) Run(ctx context.Context, kind pipeline.Kind, jobID string) ([]pipeline.Output, error) {
	close(b.started)
	<-b.release
	return []pipeline.Output{{Name: string(kind)}}, nil
}

func TestStartWaitsForRunningJobs(t *testing.T) {
	setupTestDB(t)

	queued, err := Enqueue(pipeline.KindGameIDs)
	if err != nil {
		t.Fatal(err)
	}
	runner := &blockingRunner{started: make(chan struct{}), release: make(chan struct{})}
	s := NewScheduler(0, 1, 5*time.Millisecond, runner, nil, zaptest.NewLogger(t).Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(stopped)
	}()

	select {
	case <-runner.started:
	case <-time.After(5 * time.Second):
		t.Fatal("queued job never started")
	}
	cancel()

	select {
	case <-stopped:
		t.Fatal("Start returned while a job was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(runner.release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after the job finished")
	}
	done, err := db.SelectJobByID(queued[0].Id)
	if err != nil || done.State != db.JobFinished {
		t.Errorf("job = %+v, %v", done, err)
	}
}

func TestWorkerRejectsUnknownKind(t *testing.T) {
	setupTestDB(t)

	job := db.NewJob("highlights")
	if err := db.InsertJob(job); err != nil {
		t.Fatal(err)
	}
	runner := &fakeRunner{}
	w := NewWorker(0, runner, nil, zaptest.NewLogger(t).Sugar())
	w.DoYourJob(context.Background(), job)

	got, _ := db.SelectJobByID(job.Id)
	if got.State != db.JobError || len(runner.runs) != 0 {
		t.Errorf("unknown kind job = %+v, runs = %v", got, runner.runs)
	}
}

func TestNewCronRejectsBadSpec(t *testing.T) {
	if _, err := NewCron("every day", zaptest.NewLogger(t).Sugar()); err == nil {
		t.Error("expected an error for a malformed schedule")
	}
	c, err := NewCron("0 6 * * *", zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Stop()
	if len(c.Entries()) != 1 {
		t.Errorf("cron has %d entries", len(c.Entries()))
	}
}
