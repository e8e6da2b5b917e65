package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"

	"nbaattend/config"
	"nbaattend/utils"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrations embed.FS

var ErrQueueEmpty = errors.New("QUEUE EMPTY")
var ErrJobNotFound = errors.New("job not found")

const (
	JobPending  = "PENDING"
	JobRunning  = "RUNNING"
	JobFinished = "FINISHED"
	JobError    = "ERROR"
)

type Job struct {
	Id           string `db:"id" json:"id"`
	Kind         string `db:"kind" json:"kind"`
	State        string `db:"state" json:"state"`
	ErrorDetails string `db:"error_details" json:"error_details"`
	CreatedAt    string `db:"created_at" json:"created_at"`
	UpdatedAt    string `db:"updated_at" json:"updated_at"`
}

func NewJob(kind string) *Job {
	return &Job{
		Id:    uuid.NewString(),
		Kind:  kind,
		State: JobPending,
	}
}

// OhNo marks the job as failed with err's text.
func (j *Job) OhNo(err error) error {
	j.State = JobError
	j.ErrorDetails = err.Error()
	if err := UpdateJob(j); err != nil {
		return utils.ErrorWithTrace(err)
	}
	return nil
}

// TeamFetch is the final outcome of fetching one team's game log during a job.
type TeamFetch struct {
	JobID     string `db:"job_id" json:"job_id"`
	TeamID    int    `db:"team_id" json:"team_id"`
	TeamName  string `db:"team_name" json:"team_name"`
	State     string `db:"state" json:"state"`
	Attempts  int    `db:"attempts" json:"attempts"`
	Games     int    `db:"games" json:"games"`
	Cached    bool   `db:"cached" json:"cached"`
	LastError string `db:"last_error" json:"last_error"`
	ElapsedMs int64  `db:"elapsed_ms" json:"elapsed_ms"`
}

type Artifact struct {
	ID        int64          `db:"id"`
	JobID     sql.NullString `db:"job_id"`
	Name      string         `db:"name"`
	Location  string         `db:"location"`
	Bytes     int            `db:"bytes"`
	CreatedAt string         `db:"created_at"`
}

func dsn() string {
	return config.DatabaseFile + "?_txlock=immediate&_busy_timeout=5000&_foreign_keys=on"
}

func open() (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite3", dsn())
	if err != nil {
		return nil, utils.ErrorWithTrace(err)
	}
	return db, nil
}

func SetupDatabase() error {
	_, err := os.Stat(config.DatabaseFile)
	if os.IsNotExist(err) {
		file, err := os.Create(config.DatabaseFile)
		if err != nil {
			return utils.ErrorWithTrace(err)
		}
		file.Close()
	} else if err != nil {
		return utils.ErrorWithTrace(err)
	}
	return nil
}

func RunMigrations() error {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return utils.ErrorWithTrace(err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, "sqlite3://"+config.DatabaseFile)
	if err != nil {
		return utils.ErrorWithTrace(err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return utils.ErrorWithTrace(err)
	}
	return nil
}

func InsertJob(job *Job) error {
	db, err := open()
	if err != nil {
		return err
	}
	defer db.Close()

	query := `
		INSERT INTO jobs (id, kind, state, error_details)
		VALUES (:id, :kind, :state, :error_details)
	`
	if _, err := db.NamedExec(query, job); err != nil {
		return utils.ErrorWithTrace(err)
	}
	return nil
}

// SelectJobForUpdate claims the oldest pending job by moving it to RUNNING.
// It returns ErrQueueEmpty when nothing is pending.
func SelectJobForUpdate() (*Job, error) {
	db, err := open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	query := `
		UPDATE jobs SET state = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = (
			SELECT id FROM jobs WHERE state = ? ORDER BY created_at, rowid LIMIT 1
		)
		RETURNING *
	`
	job := Job{}
	err = db.Get(&job, query, JobRunning, JobPending)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQueueEmpty
	}
	if err != nil {
		return nil, utils.ErrorWithTrace(err)
	}
	return &job, nil
}

func UpdateJob(job *Job) error {
	db, err := open()
	if err != nil {
		return err
	}
	defer db.Close()

	query := `
		UPDATE jobs SET state = :state, error_details = :error_details, updated_at = CURRENT_TIMESTAMP
		WHERE id = :id
	`
	res, err := db.NamedExec(query, job)
	if err != nil {
		return utils.ErrorWithTrace(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, job.Id)
	}
	return nil
}

func SelectJobByID(id string) (*Job, error) {
	db, err := open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	job := Job{}
	err = db.Get(&job, `SELECT * FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, utils.ErrorWithTrace(err)
	}
	return &job, nil
}

// ResetStaleJobs returns RUNNING jobs untouched for longer than minutes to
// the queue, e.g. after the process died mid-job.
func ResetStaleJobs(minutes int) (int64, error) {
	db, err := open()
	if err != nil {
		return 0, err
	}
	defer db.Close()

	query := `
		UPDATE jobs SET state = ?, updated_at = CURRENT_TIMESTAMP
		WHERE state = ? AND updated_at < datetime('now', ?)
	`
	res, err := db.Exec(query, JobPending, JobRunning, fmt.Sprintf("-%d minutes", minutes))
	if err != nil {
		return 0, utils.ErrorWithTrace(err)
	}
	return res.RowsAffected()
}

// CountJobs groups job counts by kind, then state.
func CountJobs(ctx context.Context) (map[string]map[string]int, error) {
	db, err := open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows := []struct {
		Kind  string `db:"kind"`
		State string `db:"state"`
		N     int    `db:"n"`
	}{}
	if err := db.SelectContext(ctx, &rows, `SELECT kind, state, COUNT(*) AS n FROM jobs GROUP BY kind, state`); err != nil {
		return nil, utils.ErrorWithTrace(err)
	}
	out := map[string]map[string]int{}
	for _, r := range rows {
		if out[r.Kind] == nil {
			out[r.Kind] = map[string]int{}
		}
		out[r.Kind][r.State] = r.N
	}
	return out, nil
}

func InsertTeamFetches(fetches []TeamFetch) error {
	if len(fetches) == 0 {
		return nil
	}
	db, err := open()
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.Beginx()
	if err != nil {
		return utils.ErrorWithTrace(err)
	}
	defer tx.Rollback()

	query := `
		REPLACE INTO team_fetches (
			job_id, team_id, team_name, state, attempts, games, cached, last_error, elapsed_ms
		) VALUES (
			:job_id, :team_id, :team_name, :state, :attempts, :games, :cached, :last_error, :elapsed_ms
		)
	`
	for _, f := range fetches {
		if _, err := tx.NamedExec(query, f); err != nil {
			return utils.ErrorWithTrace(err)
		}
	}
	return tx.Commit()
}

func SelectTeamFetches(jobID string) ([]TeamFetch, error) {
	db, err := open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	fetches := []TeamFetch{}
	if err := db.Select(&fetches, `SELECT * FROM team_fetches WHERE job_id = ? ORDER BY team_id`, jobID); err != nil {
		return nil, utils.ErrorWithTrace(err)
	}
	return fetches, nil
}

func InsertArtifact(a Artifact) error {
	db, err := open()
	if err != nil {
		return err
	}
	defer db.Close()

	query := `
		INSERT INTO artifacts (job_id, name, location, bytes)
		VALUES (:job_id, :name, :location, :bytes)
	`
	if _, err := db.NamedExec(query, a); err != nil {
		return utils.ErrorWithTrace(err)
	}
	return nil
}

// SelectLatestArtifacts returns the newest upload of each artifact name.
func SelectLatestArtifacts() ([]Artifact, error) {
	db, err := open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	query := `
		SELECT * FROM artifacts WHERE id IN (
			SELECT MAX(id) FROM artifacts GROUP BY name
		) ORDER BY name
	`
	artifacts := []Artifact{}
	if err := db.Select(&artifacts, query); err != nil {
		return nil, utils.ErrorWithTrace(err)
	}
	return artifacts, nil
}
