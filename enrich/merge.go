package enrich

import (
	"context"
	"fmt"

	"nbaattend/attendance"
	"nbaattend/teams"
)

// Miss is a record whose date had no entry in its team's lookup.
type Miss struct {
	Team string
	Date string
}

type MergeReport struct {
	Matched      int
	UnknownTeams []string
	Unmatched    []Miss
}

// Warnings renders the report's data-quality findings as errors wrapping
// ErrUnknownTeam or ErrNoMatchForDate, in document order.
func (r MergeReport) Warnings() []error {
	out := make([]error, 0, len(r.UnknownTeams)+len(r.Unmatched))
	for _, t := range r.UnknownTeams {
		out = append(out, fmt.Errorf("%w: skipping %s", ErrUnknownTeam, t))
	}
	for _, m := range r.Unmatched {
		out = append(out, fmt.Errorf("%w: %s on %s", ErrNoMatchForDate, m.Team, m.Date))
	}
	return out
}

// Merge attaches game ids from res onto a copy of doc, matching each record
// by exact date against its own team's lookup. Teams missing from reg are
// copied untouched. doc is never modified, so merging the same inputs twice
// gives the same document.
func Merge(doc attendance.Document, reg *teams.Registry, res Result) (attendance.Document, MergeReport) {
	out := doc.Clone()
	report := MergeReport{}

	for _, team := range out.Teams() {
		id, ok := reg.Lookup(team)
		if !ok {
			report.UnknownTeams = append(report.UnknownTeams, team)
			continue
		}
		lookup := res[id]
		records := out[team]
		for i := range records {
			gameID, found := lookup[records[i].Date]
			if !found {
				report.Unmatched = append(report.Unmatched, Miss{Team: team, Date: records[i].Date})
				continue
			}
			records[i].GameID = attendance.String(gameID)
			report.Matched++
		}
	}
	return out, report
}

// Enrich runs the scheduler for every registry team and merges the fetched
// lookups onto doc. Merge only starts once every fetch has finished.
func Enrich(ctx context.Context, s *Scheduler, reg *teams.Registry, doc attendance.Document) (attendance.Document, MergeReport, []Outcome) {
	res, outcomes := s.Schedule(ctx, reg)

	log := s.logger()
	log.Info("adding game ids to attendance records")
	merged, report := Merge(doc, reg, res)
	for _, w := range report.Warnings() {
		log.Warn(w.Error())
	}
	log.Infof("matched %d of %d records, %d unmatched, %d unknown teams",
		report.Matched, doc.Len(), len(report.Unmatched), len(report.UnknownTeams))
	return merged, report, outcomes
}
