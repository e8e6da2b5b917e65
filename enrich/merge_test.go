package enrich

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"nbaattend/attendance"
	"nbaattend/teams"

	"go.uber.org/zap/zaptest"
)

func TestMergeAttachesIDsByExactDate(t *testing.T) {
	reg := mustRegistry(t, teams.Team{Name: "Team A", ID: 1})
	doc := attendance.Document{"Team A": {
		{Date: "2023-01-01", Attendance: attendance.Int(18000)},
		{Date: "2023-01-03"},
	}}
	res := Result{1: {"2023-01-01": "G1", "2023-01-02": "G2"}}

	out, report := Merge(doc, reg, res)

	if got := out["Team A"][0].GameID; got == nil || *got != "G1" {
		t.Errorf("first record GameID = %v, want G1", got)
	}
	if out["Team A"][1].GameID != nil {
		t.Errorf("unmatched record should keep no GameID")
	}
	if report.Matched != 1 || len(report.Unmatched) != 1 || report.Unmatched[0] != (Miss{Team: "Team A", Date: "2023-01-03"}) {
		t.Errorf("unexpected report %+v", report)
	}
	if doc["Team A"][0].GameID != nil {
		t.Errorf("input document was modified")
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	reg := mustRegistry(t, teams.Team{Name: "Team A", ID: 1}, teams.Team{Name: "Team B", ID: 2})
	doc := attendance.Document{
		"Team A": {{Date: "2023-01-01"}, {Date: "2023-01-05"}},
		"Team B": {{Date: "2023-01-02"}},
	}
	res := Result{1: {"2023-01-01": "G1"}, 2: {"2023-01-02": "G2"}}

	once, _ := Merge(doc, reg, res)
	twice, _ := Merge(once, reg, res)
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("merging twice changed the document:\n%v\n%v", once, twice)
	}
}

func TestMergeSkipsUnknownTeams(t *testing.T) {
	reg := mustRegistry(t, teams.Team{Name: "Team A", ID: 1})
	doc := attendance.Document{
		"Team A":         {{Date: "2023-01-01"}},
		"Seattle Sonics": {{Date: "2007-11-02", Attendance: attendance.Int(12000)}},
	}
	res := Result{1: {"2023-01-01": "G1"}}

	out, report := Merge(doc, reg, res)

	if !reflect.DeepEqual(out["Seattle Sonics"], doc["Seattle Sonics"]) {
		t.Errorf("unknown team records should pass through unchanged")
	}
	if !reflect.DeepEqual(report.UnknownTeams, []string{"Seattle Sonics"}) {
		t.Errorf("UnknownTeams = %v", report.UnknownTeams)
	}
	warnings := report.Warnings()
	if len(warnings) != 1 || !errors.Is(warnings[0], ErrUnknownTeam) {
		t.Errorf("warnings = %v", warnings)
	}
}

func TestMergeAliasSharesLookup(t *testing.T) {
	reg := mustRegistry(t,
		teams.Team{Name: "Charlotte Hornets", ID: 1610612766},
		teams.Team{Name: "Charlotte Bobcats", ID: 1610612766},
	)
	doc := attendance.Document{
		"Charlotte Bobcats": {{Date: "2013-10-30"}},
		"Charlotte Hornets": {{Date: "2023-10-25"}},
	}
	res := Result{1610612766: {"2013-10-30": "0021300010", "2023-10-25": "0022300061"}}

	out, report := Merge(doc, reg, res)

	if *out["Charlotte Bobcats"][0].GameID != "0021300010" || *out["Charlotte Hornets"][0].GameID != "0022300061" {
		t.Errorf("alias names did not both resolve: %+v", out)
	}
	if report.Matched != 2 {
		t.Errorf("Matched = %d, want 2", report.Matched)
	}
}

func TestMergeKeepsExistingIDWhenUnmatched(t *testing.T) {
	reg := mustRegistry(t, teams.Team{Name: "Team A", ID: 1})
	doc := attendance.Document{"Team A": {{Date: "2023-01-01", GameID: attendance.String("OLD")}}}

	out, report := Merge(doc, reg, Result{1: {}})

	if *out["Team A"][0].GameID != "OLD" {
		t.Errorf("existing GameID should be left alone")
	}
	if len(report.Warnings()) != 1 || !errors.Is(report.Warnings()[0], ErrNoMatchForDate) {
		t.Errorf("expected a no-match warning, got %v", report.Warnings())
	}
}

func TestEnrichTwoTeamsOneExhausted(t *testing.T) {
	reg := mustRegistry(t, teams.Team{Name: "Team A", ID: 1}, teams.Team{Name: "Team B", ID: 2})
	f := newFakeFetcher(func(teamID, call int) ([]GameLogEntry, error) {
		if teamID == 2 {
			return nil, errors.New("connection reset")
		}
		return []GameLogEntry{{Date: "2023-01-01", GameID: "G1"}}, nil
	})
	s := NewScheduler(f, 1, 2, 5*time.Millisecond, time.Second, zaptest.NewLogger(t).Sugar())

	doc := attendance.Document{
		"Team A": {{Date: "2023-01-01"}},
		"Team B": {{Date: "2023-01-01"}},
	}
	out, report, outcomes := Enrich(context.Background(), s, reg, doc)

	if got := out["Team A"][0].GameID; got == nil || *got != "G1" {
		t.Errorf("Team A GameID = %v, want G1", got)
	}
	if out["Team B"][0].GameID != nil {
		t.Errorf("Team B should have no GameID")
	}
	if f.maxInFlight != 1 {
		t.Errorf("max in flight = %d, want 1", f.maxInFlight)
	}
	if f.callsFor(1) != 1 || f.callsFor(2) != 2 {
		t.Errorf("calls = %v", f.calls)
	}
	if outcomes[1].State != Exhausted || outcomes[1].Elapsed < s.Backoff(1) {
		t.Errorf("Team B outcome %s after %s", outcomes[1].State, outcomes[1].Elapsed)
	}
	if report.Matched != 1 || len(report.Unmatched) != 1 {
		t.Errorf("unexpected report %+v", report)
	}
}
