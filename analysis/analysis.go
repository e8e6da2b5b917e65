// Package analysis computes the home-court advantage views shown on the
// dashboard from the pipeline artifacts.
package analysis

import (
	"math"
	"slices"
	"sort"
	"time"

	"nbaattend/attendance"
	"nbaattend/teams"
)

// Game is one home game from the attendance document with its team name
// resolved to the current franchise.
type Game struct {
	Team       string
	Canonical  string
	Conference string
	Division   string
	Date       time.Time
	Attendance *int
	Points     *int
	HomeWin    *bool
	GameID     *string
}

// Season is the year a season starts in: games from July onwards belong to
// that year's season, earlier games to the previous one.
func Season(d time.Time) int {
	if d.Month() >= time.July {
		return d.Year()
	}
	return d.Year() - 1
}

func (g Game) Season() int {
	return Season(g.Date)
}

// Games flattens doc. Records whose date does not parse are dropped. The
// second return lists team names with no conference on record.
func Games(doc attendance.Document, reg *teams.Registry) ([]Game, []string) {
	var games []Game
	unmapped := map[string]bool{}
	for _, team := range doc.Teams() {
		canonical := reg.Canonical(team)
		meta, ok := reg.Meta(team)
		if !ok {
			unmapped[team] = true
		}
		for _, r := range doc[team] {
			d, err := time.Parse(time.DateOnly, r.Date)
			if err != nil {
				continue
			}
			games = append(games, Game{
				Team:       team,
				Canonical:  canonical,
				Conference: meta.Conference,
				Division:   meta.Division,
				Date:       d,
				Attendance: r.Attendance,
				Points:     r.Points,
				HomeWin:    r.HomeWin,
				GameID:     r.GameID,
			})
		}
	}
	names := make([]string, 0, len(unmapped))
	for n := range unmapped {
		names = append(names, n)
	}
	sort.Strings(names)
	return games, names
}

// Filter narrows the games a view is computed over. Empty fields match
// everything.
type Filter struct {
	Teams         []string
	Conferences   []string
	Divisions     []string
	From, To      time.Time
	MinAttendance int
}

func (f Filter) Match(g Game) bool {
	if len(f.Teams) > 0 && !slices.Contains(f.Teams, g.Canonical) {
		return false
	}
	if len(f.Conferences) > 0 && !slices.Contains(f.Conferences, g.Conference) {
		return false
	}
	if len(f.Divisions) > 0 && !slices.Contains(f.Divisions, g.Division) {
		return false
	}
	if !f.From.IsZero() && g.Date.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && g.Date.After(f.To) {
		return false
	}
	if f.MinAttendance > 0 && (g.Attendance == nil || *g.Attendance < f.MinAttendance) {
		return false
	}
	return true
}

func (f Filter) Apply(games []Game) []Game {
	out := make([]Game, 0, len(games))
	for _, g := range games {
		if f.Match(g) {
			out = append(out, g)
		}
	}
	return out
}

// rate is a running mean of 0/1 outcomes. Games with no result are ignored.
type rate struct {
	wins, games int
}

func (r *rate) add(win *bool) {
	if win == nil {
		return
	}
	r.games++
	if *win {
		r.wins++
	}
}

func (r rate) value() float64 {
	if r.games == 0 {
		return math.NaN()
	}
	return float64(r.wins) / float64(r.games)
}

type TeamSeasonRate struct {
	Season      int
	Team        string
	HomeWinRate float64
	Games       int
}

// HomeWinRateByTeamSeason groups games by season and canonical team, ordered
// by season then team.
func HomeWinRateByTeamSeason(games []Game) []TeamSeasonRate {
	type key struct {
		season int
		team   string
	}
	rates := map[key]*rate{}
	for _, g := range games {
		k := key{g.Season(), g.Canonical}
		if rates[k] == nil {
			rates[k] = &rate{}
		}
		rates[k].add(g.HomeWin)
	}
	out := make([]TeamSeasonRate, 0, len(rates))
	for k, r := range rates {
		if r.games == 0 {
			continue
		}
		out = append(out, TeamSeasonRate{Season: k.season, Team: k.team, HomeWinRate: r.value(), Games: r.games})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Season != out[j].Season {
			return out[i].Season < out[j].Season
		}
		return out[i].Team < out[j].Team
	})
	return out
}

// VenueSplit compares the home win rate with the away rate implied by it.
type VenueSplit struct {
	Home  float64
	Away  float64
	Games int
}

func HomeVsAway(games []Game) VenueSplit {
	var r rate
	for _, g := range games {
		r.add(g.HomeWin)
	}
	if r.games == 0 {
		return VenueSplit{Home: math.NaN(), Away: math.NaN()}
	}
	home := r.value()
	return VenueSplit{Home: home, Away: 1 - home, Games: r.games}
}

type Bucket struct {
	Label   string
	Low     float64
	High    float64
	Games   int
	WinRate float64
}

var (
	quartileLabels = []string{"Small", "Mid-Small", "Mid-Large", "Large"}
	halfLabels     = []string{"Small", "Large"}
)

// AttendanceBuckets splits games into attendance quartiles and reports the
// home win rate in each. With fewer than four distinct attendance figures
// the games are split in halves instead. Games without attendance are left
// out.
func AttendanceBuckets(games []Game) []Bucket {
	var values []float64
	distinct := map[int]bool{}
	for _, g := range games {
		if g.Attendance != nil {
			values = append(values, float64(*g.Attendance))
			distinct[*g.Attendance] = true
		}
	}
	if len(values) == 0 {
		return nil
	}
	sort.Float64s(values)

	labels := quartileLabels
	if len(distinct) < len(quartileLabels) {
		labels = halfLabels
	}
	edges := quantileEdges(values, len(labels))
	if !strictlyIncreasing(edges) && len(labels) > len(halfLabels) {
		labels = halfLabels
		edges = quantileEdges(values, len(labels))
	}
	if !strictlyIncreasing(edges) {
		labels = []string{"All"}
		edges = []float64{values[0], values[len(values)-1]}
	}

	rates := make([]rate, len(labels))
	for _, g := range games {
		if g.Attendance == nil {
			continue
		}
		rates[bucketOf(edges, float64(*g.Attendance))].add(g.HomeWin)
	}
	out := make([]Bucket, len(labels))
	for i, l := range labels {
		out[i] = Bucket{Label: l, Low: edges[i], High: edges[i+1], Games: rates[i].games, WinRate: rates[i].value()}
	}
	return out
}

// quantileEdges returns q+1 cut points over sorted values using linear
// interpolation between order statistics.
func quantileEdges(sorted []float64, q int) []float64 {
	edges := make([]float64, q+1)
	for i := range edges {
		pos := float64(i) / float64(q) * float64(len(sorted)-1)
		lo := int(math.Floor(pos))
		hi := int(math.Ceil(pos))
		edges[i] = sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
	}
	return edges
}

func strictlyIncreasing(xs []float64) bool {
	for i := 1; i < len(xs); i++ {
		if xs[i] <= xs[i-1] {
			return false
		}
	}
	return true
}

// bucketOf places v in the interval (edges[i], edges[i+1]]; the first
// interval also includes its lower edge.
func bucketOf(edges []float64, v float64) int {
	for i := 1; i < len(edges)-1; i++ {
		if v <= edges[i] {
			return i - 1
		}
	}
	return len(edges) - 2
}

type TeamPopularity struct {
	Team       string
	Attendance float64
	WinRate    float64
	Popularity float64
}

type PopularityReport struct {
	Teams []TeamPopularity
	// Fit is WinRate ~ Popularity, nil when there are too few teams or every
	// team has the same score.
	Fit *Fit
}

// PopularityVsHomeWin joins each team's mean attendance and home win rate
// with its popularity score. Teams without a score are left out.
func PopularityVsHomeWin(games []Game, scores map[string]int, reg *teams.Registry) PopularityReport {
	canonScores := make(map[string]int, len(scores))
	for name, s := range scores {
		canonScores[reg.Canonical(name)] = s
	}

	type agg struct {
		att  float64
		n    int
		wins rate
	}
	byTeam := map[string]*agg{}
	for _, g := range games {
		a := byTeam[g.Canonical]
		if a == nil {
			a = &agg{}
			byTeam[g.Canonical] = a
		}
		if g.Attendance != nil {
			a.att += float64(*g.Attendance)
			a.n++
		}
		a.wins.add(g.HomeWin)
	}

	var rep PopularityReport
	for team, a := range byTeam {
		score, ok := canonScores[team]
		if !ok {
			continue
		}
		tp := TeamPopularity{Team: team, Attendance: math.NaN(), WinRate: a.wins.value(), Popularity: float64(score)}
		if a.n > 0 {
			tp.Attendance = a.att / float64(a.n)
		}
		rep.Teams = append(rep.Teams, tp)
	}
	sort.Slice(rep.Teams, func(i, j int) bool {
		if rep.Teams[i].Popularity != rep.Teams[j].Popularity {
			return rep.Teams[i].Popularity > rep.Teams[j].Popularity
		}
		return rep.Teams[i].Team < rep.Teams[j].Team
	})

	var pop, win []float64
	for _, t := range rep.Teams {
		if !math.IsNaN(t.WinRate) {
			pop = append(pop, t.Popularity)
			win = append(win, t.WinRate)
		}
	}
	if !constant(pop) {
		if fit, err := OLS("WinRate", []string{"Popularity"}, [][]float64{pop}, win); err == nil {
			rep.Fit = fit
		}
	}
	return rep
}

func constant(xs []float64) bool {
	for _, x := range xs[min(1, len(xs)):] {
		if x != xs[0] {
			return false
		}
	}
	return true
}
