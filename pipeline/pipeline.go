// Package pipeline builds the published artifacts: scraped attendance, team
// popularity, attendance enriched with game ids, and the per-game stat tables.
package pipeline

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"nbaattend/attendance"
	"nbaattend/db"
	"nbaattend/enrich"
	"nbaattend/gamestats"
	"nbaattend/metrics"
	"nbaattend/seatgeek"
	"nbaattend/storage"
	"nbaattend/teams"
	"nbaattend/utils"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Kind string

const (
	KindAttendance Kind = "attendance"
	KindPopularity Kind = "popularity"
	KindGameIDs    Kind = "gameids"
	KindGameStats  Kind = "gamestats"
)

// Kinds lists every pipeline in the order a full run executes them.
var Kinds = []Kind{KindAttendance, KindPopularity, KindGameIDs, KindGameStats}

var ErrUnknownKind = errors.New("unknown pipeline kind")

func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

const (
	AttendanceFile = "nba_attendance_data.json"
	PopularityFile = "seatgeek_api_data.json"
	GameIDsFile    = "get_game_ids.json"
)

const (
	jsonType = "application/json"
	csvType  = "text/csv"
)

// Output is one artifact produced by a run.
type Output struct {
	Name        string
	Location    string
	ContentType string
	Data        []byte
}

type AttendanceSource interface {
	Attendance(ctx context.Context, years []int, months []string) (attendance.Document, error)
}

type EventSource interface {
	Events(ctx context.Context) ([]seatgeek.Event, error)
}

type StatsSource interface {
	Collect(ctx context.Context, teamIDs []int, seasons []string) (home, away []gamestats.Row, err error)
}

// Ledger records what a run produced.
type Ledger interface {
	ArtifactSaved(a db.Artifact) error
	TeamsFetched(fetches []db.TeamFetch) error
}

// DBLedger writes to the sqlite database.
type DBLedger struct{}

func (DBLedger) ArtifactSaved(a db.Artifact) error         { return db.InsertArtifact(a) }
func (DBLedger) TeamsFetched(fetches []db.TeamFetch) error { return db.InsertTeamFetches(fetches) }

type Pipeline struct {
	Attendance AttendanceSource
	Events     EventSource
	Stats      StatsSource
	Scheduler  *enrich.Scheduler
	Registry   *teams.Registry
	Store      storage.ArtifactStore
	Ledger     Ledger
	Metrics    *metrics.Recorder
	Logger     *zap.SugaredLogger

	Years        []int
	Months       []string
	StatsSeasons []string
}

// Run executes one pipeline. jobID may be empty for runs outside the queue.
func (p *Pipeline) Run(ctx context.Context, kind Kind, jobID string) ([]Output, error) {
	switch kind {
	case KindAttendance:
		out, err := p.RunAttendance(ctx, jobID)
		return []Output{out}, err
	case KindPopularity:
		out, err := p.RunPopularity(ctx, jobID)
		return []Output{out}, err
	case KindGameIDs:
		out, err := p.RunGameIDs(ctx, jobID)
		return []Output{out}, err
	case KindGameStats:
		return p.RunGameStats(ctx, jobID)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// RunAll executes every pipeline in order, continuing past failures.
func (p *Pipeline) RunAll(ctx context.Context, jobID string) error {
	var errs []error
	for _, k := range Kinds {
		if _, err := p.Run(ctx, k, jobID); err != nil {
			p.Logger.Errorf("%s pipeline failed: %v", k, err)
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) save(ctx context.Context, jobID, name, contentType string, data []byte) (Output, error) {
	loc, err := p.Store.Put(ctx, name, data, contentType)
	if err != nil {
		return Output{}, err
	}
	p.Logger.Infof("saved %s (%d bytes) to %s", name, len(data), loc)
	if p.Metrics != nil {
		p.Metrics.ArtifactWritten(name)
	}
	if p.Ledger != nil {
		a := db.Artifact{Name: name, Location: loc, Bytes: len(data)}
		if jobID != "" {
			a.JobID = sql.NullString{String: jobID, Valid: true}
		}
		if err := p.Ledger.ArtifactSaved(a); err != nil {
			p.Logger.Warnf("failed to record artifact %s: %v", name, err)
		}
	}
	return Output{Name: name, Location: loc, ContentType: contentType, Data: data}, nil
}

func (p *Pipeline) scrapeAttendance(ctx context.Context, jobID string) (attendance.Document, Output, error) {
	p.Logger.Info("scraping attendance data")
	doc, err := p.Attendance.Attendance(ctx, p.Years, p.Months)
	if err != nil {
		return nil, Output{}, utils.ErrorWithTrace(err)
	}
	data, err := attendance.Encode(doc)
	if err != nil {
		return nil, Output{}, utils.ErrorWithTrace(err)
	}
	out, err := p.save(ctx, jobID, AttendanceFile, jsonType, data)
	if err != nil {
		return nil, Output{}, err
	}
	return doc, out, nil
}

func (p *Pipeline) RunAttendance(ctx context.Context, jobID string) (Output, error) {
	_, out, err := p.scrapeAttendance(ctx, jobID)
	return out, err
}

func (p *Pipeline) RunPopularity(ctx context.Context, jobID string) (Output, error) {
	events, err := p.Events.Events(ctx)
	if err != nil {
		return Output{}, err
	}
	ranking := seatgeek.Popularity(events)
	p.Logger.Infof("ranked %d performers from %d events", len(ranking), len(events))
	data, err := json.Marshal(ranking)
	if err != nil {
		return Output{}, utils.ErrorWithTrace(err)
	}
	return p.save(ctx, jobID, PopularityFile, jsonType, data)
}

// loadAttendance reads the stored attendance artifact, scraping a fresh one
// when none exists yet.
func (p *Pipeline) loadAttendance(ctx context.Context, jobID string) (attendance.Document, error) {
	data, err := p.Store.Get(ctx, AttendanceFile)
	if errors.Is(err, storage.ErrNotFound) {
		doc, _, err := p.scrapeAttendance(ctx, jobID)
		return doc, err
	}
	if err != nil {
		return nil, err
	}
	doc, err := attendance.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", attendance.ErrInputRead, AttendanceFile, err)
	}
	return doc, nil
}

func (p *Pipeline) RunGameIDs(ctx context.Context, jobID string) (Output, error) {
	doc, err := p.loadAttendance(ctx, jobID)
	if err != nil {
		return Output{}, err
	}
	merged, report, outcomes := enrich.Enrich(ctx, p.Scheduler, p.Registry, doc)
	if p.Metrics != nil {
		p.Metrics.Merged(report)
	}
	if p.Ledger != nil && jobID != "" {
		if err := p.Ledger.TeamsFetched(TeamFetches(jobID, outcomes)); err != nil {
			p.Logger.Warnf("failed to record team fetches: %v", err)
		}
	}
	data, err := attendance.Encode(merged)
	if err != nil {
		return Output{}, fmt.Errorf("%w: %w", attendance.ErrOutputWrite, err)
	}
	return p.save(ctx, jobID, GameIDsFile, jsonType, data)
}

func (p *Pipeline) RunGameStats(ctx context.Context, jobID string) ([]Output, error) {
	home, away, err := p.Stats.Collect(ctx, p.Registry.IDs(), p.StatsSeasons)
	if err != nil {
		return nil, err
	}
	if len(home) == 0 || len(away) == 0 {
		return nil, errors.New("no game stats collected")
	}

	outputs := make([]Output, 0, 2)
	for _, side := range []struct {
		name string
		rows []gamestats.Row
		home bool
	}{
		{gamestats.HomeFile, home, true},
		{gamestats.AwayFile, away, false},
	} {
		var buf bytes.Buffer
		if err := gamestats.WriteCSV(&buf, side.rows, side.home); err != nil {
			return nil, err
		}
		out, err := p.save(ctx, jobID, side.name, csvType, buf.Bytes())
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

// TeamFetches converts scheduler outcomes to database rows.
func TeamFetches(jobID string, outcomes []enrich.Outcome) []db.TeamFetch {
	fetches := make([]db.TeamFetch, 0, len(outcomes))
	for _, o := range outcomes {
		f := db.TeamFetch{
			JobID:     jobID,
			TeamID:    o.TeamID,
			TeamName:  o.Name,
			State:     o.State.String(),
			Attempts:  o.Attempts,
			Games:     o.Games,
			Cached:    o.Cached,
			ElapsedMs: o.Elapsed.Milliseconds(),
		}
		if o.Err != nil {
			f.LastError = o.Err.Error()
		}
		fetches = append(fetches, f)
	}
	return fetches
}
