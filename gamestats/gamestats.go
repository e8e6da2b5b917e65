// Package gamestats builds the per-game box score tables used by the
// dashboard: one row per team game, split into home and away games, with
// season and venue win rates and the four-factor style ratios.
package gamestats

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"nbaattend/nba"
	"nbaattend/utils"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	HomeFile = "all_nba_game_data_home.csv"
	AwayFile = "all_nba_game_data_away.csv"
)

// BoxColumns are the counting and percentage stats carried on every row.
var BoxColumns = []string{
	"FGM", "FGA", "FG_PCT", "FG3M", "FG3A", "FG3_PCT", "FTM", "FTA", "FT_PCT",
	"OREB", "DREB", "REB", "AST", "TOV", "STL", "BLK", "PF", "PTS",
}

type Row struct {
	Season           string
	TeamID           int
	TeamAbbreviation string
	TeamName         string
	GameID           string
	GameDate         string
	Matchup          string
	WL               string
	Box              map[string]float64

	SeasonWinRate float64
	Win           int
	Home          bool
	Opp           string
	EFGP          float64
	TOVP          float64
	FTR           float64
	// VenueWinRate is the team's home win rate on home rows and its away
	// win rate on away rows, for the same season.
	VenueWinRate float64
}

// Date is the game day as YYYY-MM-DD.
func (r Row) Date() string {
	if len(r.GameDate) >= 10 {
		return r.GameDate[:10]
	}
	return r.GameDate
}

func round3(x float64) float64 {
	return math.Round(x*1000) / 1000
}

func val(p *float64) float64 {
	if p == nil {
		return math.NaN()
	}
	return *p
}

func str(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// Derive turns one team-season of game logs into home and away rows.
func Derive(logs []nba.TeamGameLog) (home, away []Row) {
	if len(logs) == 0 {
		return nil, nil
	}
	rows := make([]Row, 0, len(logs))
	wins := 0
	for _, g := range logs {
		box := map[string]float64{
			"FGM": val(g.FGM), "FGA": val(g.FGA), "FG_PCT": val(g.FGPct),
			"FG3M": val(g.FG3M), "FG3A": val(g.FG3A), "FG3_PCT": val(g.FG3Pct),
			"FTM": val(g.FTM), "FTA": val(g.FTA), "FT_PCT": val(g.FTPct),
			"OREB": val(g.OREB), "DREB": val(g.DREB), "REB": val(g.REB),
			"AST": val(g.AST), "TOV": val(g.TOV), "STL": val(g.STL),
			"BLK": val(g.BLK), "PF": val(g.PF), "PTS": val(g.PTS),
		}
		matchup := str(g.Matchup)
		r := Row{
			Season:           str(g.SeasonYear),
			TeamAbbreviation: str(g.TeamAbbreviation),
			TeamName:         str(g.TeamName),
			GameID:           str(g.GameID),
			GameDate:         str(g.GameDate),
			Matchup:          matchup,
			WL:               str(g.WL),
			Box:              box,
			Home:             strings.Contains(matchup, "vs."),
			EFGP:             (box["FGM"] + 0.5*box["FG3M"]) / box["FGA"],
			TOVP:             box["TOV"] / (box["FGA"] + 0.44*box["FTA"] + box["TOV"]),
			FTR:              box["FTA"] / box["FGA"],
		}
		if g.TeamID != nil {
			r.TeamID = int(*g.TeamID)
		}
		if len(matchup) >= 3 {
			r.Opp = matchup[len(matchup)-3:]
		}
		if r.WL == "W" {
			r.Win = 1
			wins++
		}
		rows = append(rows, r)
	}

	seasonRate := round3(float64(wins) / float64(len(rows)))
	homeWins, awayWins := 0, 0
	for i := range rows {
		rows[i].SeasonWinRate = seasonRate
		if rows[i].Home {
			home = append(home, rows[i])
			homeWins += rows[i].Win
		} else {
			away = append(away, rows[i])
			awayWins += rows[i].Win
		}
	}
	for i := range home {
		home[i].VenueWinRate = round3(float64(homeWins) / float64(len(home)))
	}
	for i := range away {
		away[i].VenueWinRate = round3(float64(awayWins) / float64(len(away)))
	}
	return home, away
}

// LogSource is the slice of the stats client the collector needs.
type LogSource interface {
	TeamGameLogs(ctx context.Context, teamID int, season, seasonType string) ([]nba.TeamGameLog, error)
}

type Collector struct {
	Source      LogSource
	SeasonTypes []string
	Logger      *zap.SugaredLogger

	limiter *rate.Limiter
}

// NewCollector paces team-season requests at perSecond.
func NewCollector(source LogSource, seasonTypes []string, perSecond float64, logger *zap.SugaredLogger) *Collector {
	return &Collector{
		Source:      source,
		SeasonTypes: seasonTypes,
		Logger:      logger,
		limiter:     rate.NewLimiter(rate.Limit(perSecond), 1),
	}
}

// Collect walks every team and season. A team-season that fails or has no
// home or no away games is logged and left out.
func (c *Collector) Collect(ctx context.Context, teamIDs []int, seasons []string) (home, away []Row, err error) {
	total := len(teamIDs) * len(seasons) * len(c.SeasonTypes)
	done := 0
	for _, id := range teamIDs {
		for _, season := range seasons {
			for _, st := range c.SeasonTypes {
				if err := c.limiter.Wait(ctx); err != nil {
					return nil, nil, utils.ErrorWithTrace(err)
				}
				done++
				logs, err := c.Source.TeamGameLogs(ctx, id, season, st)
				if err != nil {
					c.Logger.Warnf("error fetching data for team %d season %s: %v", id, season, err)
					continue
				}
				h, a := Derive(logs)
				if len(h) == 0 || len(a) == 0 {
					c.Logger.Warnf("team %d season %s has no home or no away games, skipping", id, season)
					continue
				}
				home = append(home, h...)
				away = append(away, a...)
				if done%50 == 0 {
					c.Logger.Infof("fetched %d of %d team seasons", done, total)
				}
			}
		}
	}
	c.Logger.Infof("collected %d home and %d away games", len(home), len(away))
	return home, away, nil
}

func header(homeSide bool) []string {
	h := []string{"SEASON_YEAR", "TEAM_ID", "TEAM_ABBREVIATION", "TEAM_NAME", "GAME_ID", "GAME_DATE", "MATCHUP", "WL"}
	h = append(h, BoxColumns...)
	h = append(h, "SEASON_WINRATE", "WIN", "HOME", "OPP", "EFGP", "TOVP", "FTR")
	if homeSide {
		return append(h, "HOME_WINRATE")
	}
	return append(h, "AWAY_WINRATE")
}

func formatFloat(x float64) string {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return ""
	}
	return strconv.FormatFloat(x, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	if s == "" {
		return math.NaN()
	}
	x, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return x
}

// WriteCSV writes rows with the home or away header. Missing and undefined
// values are written as empty cells.
func WriteCSV(w io.Writer, rows []Row, homeSide bool) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header(homeSide)); err != nil {
		return utils.ErrorWithTrace(err)
	}
	for _, r := range rows {
		rec := []string{r.Season, strconv.Itoa(r.TeamID), r.TeamAbbreviation, r.TeamName, r.GameID, r.GameDate, r.Matchup, r.WL}
		for _, col := range BoxColumns {
			rec = append(rec, formatFloat(r.Box[col]))
		}
		home := "False"
		if r.Home {
			home = "True"
		}
		rec = append(rec,
			formatFloat(r.SeasonWinRate), strconv.Itoa(r.Win), home, r.Opp,
			formatFloat(r.EFGP), formatFloat(r.TOVP), formatFloat(r.FTR), formatFloat(r.VenueWinRate),
		)
		if err := cw.Write(rec); err != nil {
			return utils.ErrorWithTrace(err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV reads a table written by WriteCSV, locating columns by header so
// either side's file is accepted.
func ReadCSV(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	records, err := cr.ReadAll()
	if err != nil {
		return nil, utils.ErrorWithTrace(err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("empty game stats table")
	}
	idx := map[string]int{}
	for i, h := range records[0] {
		idx[h] = i
	}
	venueCol := "HOME_WINRATE"
	if _, ok := idx[venueCol]; !ok {
		venueCol = "AWAY_WINRATE"
	}
	for _, required := range []string{"TEAM_ID", "GAME_ID", "WIN", "HOME", venueCol} {
		if _, ok := idx[required]; !ok {
			return nil, fmt.Errorf("game stats table missing column %s", required)
		}
	}

	get := func(rec []string, col string) string {
		i, ok := idx[col]
		if !ok || i >= len(rec) {
			return ""
		}
		return rec[i]
	}
	rows := make([]Row, 0, len(records)-1)
	for _, rec := range records[1:] {
		teamID, _ := strconv.Atoi(get(rec, "TEAM_ID"))
		win, _ := strconv.Atoi(get(rec, "WIN"))
		box := make(map[string]float64, len(BoxColumns))
		for _, col := range BoxColumns {
			box[col] = parseFloat(get(rec, col))
		}
		rows = append(rows, Row{
			Season:           get(rec, "SEASON_YEAR"),
			TeamID:           teamID,
			TeamAbbreviation: get(rec, "TEAM_ABBREVIATION"),
			TeamName:         get(rec, "TEAM_NAME"),
			GameID:           get(rec, "GAME_ID"),
			GameDate:         get(rec, "GAME_DATE"),
			Matchup:          get(rec, "MATCHUP"),
			WL:               get(rec, "WL"),
			Box:              box,
			SeasonWinRate:    parseFloat(get(rec, "SEASON_WINRATE")),
			Win:              win,
			Home:             get(rec, "HOME") == "True",
			Opp:              get(rec, "OPP"),
			EFGP:             parseFloat(get(rec, "EFGP")),
			TOVP:             parseFloat(get(rec, "TOVP")),
			FTR:              parseFloat(get(rec, "FTR")),
			VenueWinRate:     parseFloat(get(rec, venueCol)),
		})
	}
	return rows, nil
}
