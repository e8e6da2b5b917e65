package analysis

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"nbaattend/attendance"
	"nbaattend/gamestats"
	"nbaattend/pipeline"
	"nbaattend/seatgeek"
	"nbaattend/storage"
	"nbaattend/teams"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Inputs are the stored artifacts the dashboard reads. Any of them may be
// missing.
type Inputs struct {
	Attendance attendance.Document
	Enriched   attendance.Document
	Popularity seatgeek.Ranking
	Home       []gamestats.Row
	Away       []gamestats.Row
}

// Load reads every artifact from store. Artifacts that are missing or fail
// to decode are reported and left empty.
func Load(ctx context.Context, store storage.ArtifactStore) (Inputs, []error) {
	var in Inputs
	var errs []error
	get := func(name string, decode func([]byte) error) {
		data, err := store.Get(ctx, name)
		if err == nil {
			err = decode(data)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	get(pipeline.AttendanceFile, func(b []byte) (err error) {
		in.Attendance, err = attendance.Decode(b)
		return err
	})
	get(pipeline.GameIDsFile, func(b []byte) (err error) {
		in.Enriched, err = attendance.Decode(b)
		return err
	})
	get(pipeline.PopularityFile, func(b []byte) error {
		return json.Unmarshal(b, &in.Popularity)
	})
	get(gamestats.HomeFile, func(b []byte) (err error) {
		in.Home, err = gamestats.ReadCSV(bytes.NewReader(b))
		return err
	})
	get(gamestats.AwayFile, func(b []byte) (err error) {
		in.Away, err = gamestats.ReadCSV(bytes.NewReader(b))
		return err
	})
	return in, errs
}

type Dashboard struct {
	Filter      Filter
	Teams       []string
	Conferences []string
	Divisions   []string
	Unmapped    []string
	Games       int

	TeamSeasons []TeamSeasonRate
	Venue       VenueSplit
	Buckets     []Bucket
	Popularity  PopularityReport
	WinModel    *Fit
	VenueRates  []TeamVenueRates
	Effect      AttendanceEffect

	Warnings []string
}

// Build computes every view. The attendance views respect f; the box score
// models always use every row.
func Build(in Inputs, reg *teams.Registry, f Filter) Dashboard {
	all, unmapped := Games(in.Attendance, reg)
	games := f.Apply(all)
	d := Dashboard{
		Filter:   f,
		Unmapped: unmapped,
		Games:    len(games),
	}
	d.Teams, d.Conferences, d.Divisions = options(all)

	if len(games) == 0 {
		d.Warnings = append(d.Warnings, "No games match the current filters.")
	} else {
		d.TeamSeasons = HomeWinRateByTeamSeason(games)
		d.Venue = HomeVsAway(games)
		d.Buckets = AttendanceBuckets(games)
	}

	base := games
	if len(base) == 0 {
		base = all
	}
	d.Popularity = PopularityVsHomeWin(base, in.Popularity.Scores(), reg)
	if len(d.Popularity.Teams) == 0 {
		d.Warnings = append(d.Warnings, "No teams have popularity scores available.")
	}

	if len(in.Home) > 0 && len(in.Away) > 0 {
		fit, err := WinModel(in.Home, in.Away)
		if err != nil {
			d.Warnings = append(d.Warnings, "Win model: "+err.Error())
		}
		d.WinModel = fit
		d.VenueRates = VenueRatesByTeam(in.Home, in.Away)
	}
	eff, err := AttendanceEffectByTeam(in.Home, in.Enriched)
	if err != nil {
		d.Warnings = append(d.Warnings, "Attendance effect: "+err.Error())
	}
	d.Effect = eff
	return d
}

func options(games []Game) (teamNames, conferences, divisions []string) {
	seen := map[string]bool{}
	add := func(dst *[]string, kind, v string) {
		if v == "" || seen[kind+v] {
			return
		}
		seen[kind+v] = true
		*dst = append(*dst, v)
	}
	for _, g := range games {
		add(&teamNames, "t", g.Canonical)
		add(&conferences, "c", g.Conference)
		add(&divisions, "d", g.Division)
	}
	sort.Strings(teamNames)
	sort.Strings(conferences)
	sort.Strings(divisions)
	return teamNames, conferences, divisions
}
