package analysis

import (
	"fmt"
	"math"
	"sort"

	"nbaattend/attendance"
	"nbaattend/gamestats"
)

// WinFactors are the predictors of the win model besides HOME.
var WinFactors = []string{
	"FGM", "FGA", "FG3M", "FG3A", "FTM", "FTA", "REB", "AST", "STL", "BLK", "TOV", "PF",
	"EFGP", "TOVP", "FTR",
}

// factor returns a predictor value for row. The ratio columns are scaled to
// percentage points.
func factor(r gamestats.Row, name string) float64 {
	switch name {
	case "EFGP":
		return r.EFGP * 100
	case "TOVP":
		return r.TOVP * 100
	case "FTR":
		return r.FTR * 100
	}
	v, ok := r.Box[name]
	if !ok {
		return math.NaN()
	}
	return v
}

// WinModel fits WIN ~ HOME + WinFactors over the home and away game rows.
// Rows with any missing value are dropped.
func WinModel(home, away []gamestats.Row) (*Fit, error) {
	names := append([]string{"HOME"}, WinFactors...)
	cols := make([][]float64, len(names))
	var y []float64

	add := func(r gamestats.Row, isHome float64) {
		vals := make([]float64, len(names))
		vals[0] = isHome
		for j, f := range WinFactors {
			v := factor(r, f)
			if math.IsNaN(v) {
				return
			}
			vals[j+1] = v
		}
		for j, v := range vals {
			cols[j] = append(cols[j], v)
		}
		y = append(y, float64(r.Win))
	}
	for _, r := range home {
		add(r, 1)
	}
	for _, r := range away {
		add(r, 0)
	}
	return Logit("WIN", names, cols, y)
}

type TeamVenueRates struct {
	TeamID       int
	Abbreviation string
	Home         float64
	Away         float64
	Advantage    float64
}

// VenueRatesByTeam averages each team's home and away win rates across its
// game rows. Teams missing from either side are left out. Rows are ordered
// by home win rate, lowest first.
func VenueRatesByTeam(home, away []gamestats.Row) []TeamVenueRates {
	homeMean := meanBy(home, func(r gamestats.Row) float64 { return r.VenueWinRate })
	awayMean := meanBy(away, func(r gamestats.Row) float64 { return r.VenueWinRate })
	abbr := map[int]string{}
	for _, r := range away {
		if _, ok := abbr[r.TeamID]; !ok {
			abbr[r.TeamID] = r.TeamAbbreviation
		}
	}

	out := make([]TeamVenueRates, 0, len(homeMean))
	for id, h := range homeMean {
		a, ok := awayMean[id]
		if !ok {
			continue
		}
		out = append(out, TeamVenueRates{TeamID: id, Abbreviation: abbr[id], Home: h, Away: a, Advantage: h - a})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Home != out[j].Home {
			return out[i].Home < out[j].Home
		}
		return out[i].TeamID < out[j].TeamID
	})
	return out
}

func meanBy(rows []gamestats.Row, v func(gamestats.Row) float64) map[int]float64 {
	sum := map[int]float64{}
	n := map[int]int{}
	for _, r := range rows {
		x := v(r)
		if math.IsNaN(x) {
			continue
		}
		sum[r.TeamID] += x
		n[r.TeamID]++
	}
	out := make(map[int]float64, len(sum))
	for id, s := range sum {
		out[id] = s / float64(n[id])
	}
	return out
}

type TeamAttendanceEffect struct {
	TeamID        int
	SeasonWinRate float64
	HomeWinRate   float64
	Attendance    float64
	// WinRateDiff is HomeWinRate minus SeasonWinRate.
	WinRateDiff float64
}

type AttendanceEffect struct {
	Teams []TeamAttendanceEffect
	// Fit is WINRATE_DIFF ~ Attendance, nil when Teams is empty or every
	// team has the same attendance.
	Fit *Fit
}

// AttendanceEffectByTeam joins the home game rows with the enriched
// attendance document on game id and regresses each team's home win rate
// surplus on its mean attendance.
func AttendanceEffectByTeam(home []gamestats.Row, enriched attendance.Document) (AttendanceEffect, error) {
	crowd := map[string]int{}
	for _, team := range enriched.Teams() {
		for _, r := range enriched[team] {
			if r.GameID == nil || r.Attendance == nil {
				continue
			}
			crowd[*r.GameID] = *r.Attendance
		}
	}

	type agg struct {
		season, home, att float64
		n                 int
	}
	byTeam := map[int]*agg{}
	for _, r := range home {
		att, ok := crowd[r.GameID]
		if !ok || math.IsNaN(r.SeasonWinRate) || math.IsNaN(r.VenueWinRate) {
			continue
		}
		a := byTeam[r.TeamID]
		if a == nil {
			a = &agg{}
			byTeam[r.TeamID] = a
		}
		a.season += r.SeasonWinRate
		a.home += r.VenueWinRate
		a.att += float64(att)
		a.n++
	}

	var eff AttendanceEffect
	for id, a := range byTeam {
		n := float64(a.n)
		t := TeamAttendanceEffect{
			TeamID:        id,
			SeasonWinRate: round3(a.season / n),
			HomeWinRate:   round3(a.home / n),
			Attendance:    round3(a.att / n),
		}
		t.WinRateDiff = round3(t.HomeWinRate - t.SeasonWinRate)
		eff.Teams = append(eff.Teams, t)
	}
	sort.Slice(eff.Teams, func(i, j int) bool {
		if eff.Teams[i].WinRateDiff != eff.Teams[j].WinRateDiff {
			return eff.Teams[i].WinRateDiff > eff.Teams[j].WinRateDiff
		}
		return eff.Teams[i].TeamID < eff.Teams[j].TeamID
	})

	att := make([]float64, len(eff.Teams))
	diff := make([]float64, len(eff.Teams))
	for i, t := range eff.Teams {
		att[i], diff[i] = t.Attendance, t.WinRateDiff
	}
	if constant(att) {
		return eff, fmt.Errorf("%w: empty or constant attendance across %d teams", ErrInsufficientData, len(att))
	}
	fit, err := OLS("WINRATE_DIFF", []string{"Attendance"}, [][]float64{att}, diff)
	if err != nil {
		return eff, err
	}
	eff.Fit = fit
	return eff, nil
}

func round3(x float64) float64 {
	return math.Round(x*1000) / 1000
}
