package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"nbaattend/config"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	prev := config.DatabaseFile
	config.DatabaseFile = filepath.Join(t.TempDir(), "test.db")
	t.Cleanup(func() { config.DatabaseFile = prev })

	if err := SetupDatabase(); err != nil {
		t.Fatalf("SetupDatabase: %v", err)
	}
	if err := RunMigrations(); err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	setupTestDB(t)
	if err := RunMigrations(); err != nil {
		t.Fatalf("second RunMigrations: %v", err)
	}
}

func TestJobQueue(t *testing.T) {
	setupTestDB(t)

	if _, err := SelectJobForUpdate(); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("empty queue: got %v, want ErrQueueEmpty", err)
	}

	first := NewJob("attendance")
	second := NewJob("gameids")
	for _, j := range []*Job{first, second} {
		if err := InsertJob(j); err != nil {
			t.Fatalf("InsertJob: %v", err)
		}
	}

	claimed, err := SelectJobForUpdate()
	if err != nil {
		t.Fatalf("SelectJobForUpdate: %v", err)
	}
	if claimed.Id != first.Id || claimed.State != JobRunning || claimed.Kind != "attendance" {
		t.Errorf("claimed %+v, want the oldest pending job", claimed)
	}

	next, err := SelectJobForUpdate()
	if err != nil || next.Id != second.Id {
		t.Fatalf("second claim = %+v, %v", next, err)
	}
	if _, err := SelectJobForUpdate(); !errors.Is(err, ErrQueueEmpty) {
		t.Errorf("queue should be drained, got %v", err)
	}

	if err := next.OhNo(errors.New("stats service unreachable")); err != nil {
		t.Fatalf("OhNo: %v", err)
	}
	got, err := SelectJobByID(second.Id)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != JobError || got.ErrorDetails != "stats service unreachable" {
		t.Errorf("failed job = %+v", got)
	}

	counts, err := CountJobs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts["attendance"][JobRunning] != 1 || counts["gameids"][JobError] != 1 {
		t.Errorf("CountJobs = %v", counts)
	}

	if _, err := SelectJobByID("nope"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("unknown id: got %v", err)
	}
	if err := UpdateJob(&Job{Id: "nope", State: JobFinished}); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("update unknown id: got %v", err)
	}
}

func TestResetStaleJobs(t *testing.T) {
	setupTestDB(t)

	job := NewJob("popularity")
	if err := InsertJob(job); err != nil {
		t.Fatal(err)
	}
	if _, err := SelectJobForUpdate(); err != nil {
		t.Fatal(err)
	}

	n, err := ResetStaleJobs(30)
	if err != nil || n != 0 {
		t.Fatalf("fresh job reset: n=%d err=%v", n, err)
	}

	conn, err := open()
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Exec(`UPDATE jobs SET updated_at = datetime('now', '-2 hours') WHERE id = ?`, job.Id); err != nil {
		t.Fatal(err)
	}

	n, err = ResetStaleJobs(30)
	if err != nil || n != 1 {
		t.Fatalf("stale job reset: n=%d err=%v", n, err)
	}
	got, _ := SelectJobByID(job.Id)
	if got.State != JobPending {
		t.Errorf("stale job state = %s, want PENDING", got.State)
	}
}

func TestTeamFetchesAndArtifacts(t *testing.T) {
	setupTestDB(t)

	job := NewJob("gameids")
	if err := InsertJob(job); err != nil {
		t.Fatal(err)
	}
	fetches := []TeamFetch{
		{JobID: job.Id, TeamID: 1610612766, TeamName: "Charlotte Bobcats / Charlotte Hornets", State: "SUCCEEDED", Attempts: 1, Games: 3000, ElapsedMs: 812},
		{JobID: job.Id, TeamID: 1610612748, TeamName: "Miami Heat", State: "EXHAUSTED", Attempts: 3, LastError: "timeout", ElapsedMs: 6200},
	}
	if err := InsertTeamFetches(fetches); err != nil {
		t.Fatalf("InsertTeamFetches: %v", err)
	}
	got, err := SelectTeamFetches(job.Id)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].TeamID != 1610612748 || got[0].LastError != "timeout" || got[1].Games != 3000 {
		t.Errorf("SelectTeamFetches = %+v", got)
	}

	for _, a := range []Artifact{
		{JobID: sql.NullString{String: job.Id, Valid: true}, Name: "get_game_ids.json", Location: "/tmp/a", Bytes: 10},
		{Name: "get_game_ids.json", Location: "/tmp/b", Bytes: 20},
		{Name: "seatgeek_api_data.json", Location: "/tmp/c", Bytes: 5},
	} {
		if err := InsertArtifact(a); err != nil {
			t.Fatalf("InsertArtifact: %v", err)
		}
	}
	latest, err := SelectLatestArtifacts()
	if err != nil {
		t.Fatal(err)
	}
	if len(latest) != 2 || latest[0].Location != "/tmp/b" || latest[1].Name != "seatgeek_api_data.json" {
		t.Errorf("SelectLatestArtifacts = %+v", latest)
	}
}
