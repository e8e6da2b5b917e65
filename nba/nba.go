package nba

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"nbaattend/utils"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client talks to the stats.nba.com endpoints used by the pipeline. Requests
// are paced by a shared limiter; the service throttles bursts aggressively.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(5), 3),
	}
}

func initNBAReq(ctx context.Context, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Accept", "application/json")
	req.Header.Add("Referer", "https://www.nba.com/")
	req.Header.Add("Origin", "https://www.nba.com")
	req.Header.Add("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	return req, nil
}

type statsResp struct {
	ResultSets []resultSet `json:"resultSets"`
}

type resultSet struct {
	Name    string          `json:"name"`
	Headers []string        `json:"headers"`
	RowSet  [][]interface{} `json:"rowSet"`
}

// columns maps each requested header to its index in the row set.
func (rs resultSet) columns(names ...string) (map[string]int, error) {
	idx := make(map[string]int, len(rs.Headers))
	for i, h := range rs.Headers {
		idx[h] = i
	}
	out := make(map[string]int, len(names))
	for _, n := range names {
		i, ok := idx[n]
		if !ok {
			return nil, fmt.Errorf("result set %q missing column %s", rs.Name, n)
		}
		out[n] = i
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values) (*resultSet, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, utils.ErrorWithTrace(err)
	}
	req, err := initNBAReq(ctx, c.baseURL+"/stats/"+endpoint+"?"+params.Encode())
	if err != nil {
		return nil, utils.ErrorWithTrace(err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, utils.ErrorWithTrace(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, utils.ErrorWithTrace(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, utils.ErrorWithTrace(fmt.Errorf("%s returned status %d", endpoint, resp.StatusCode))
	}

	unmarshalledBody := statsResp{}
	if err := json.Unmarshal(body, &unmarshalledBody); err != nil {
		return nil, utils.ErrorWithTrace(err)
	}
	if len(unmarshalledBody.ResultSets) == 0 {
		return nil, utils.ErrorWithTrace(fmt.Errorf("%s returned no result sets", endpoint))
	}
	return &unmarshalledBody.ResultSets[0], nil
}

type LeagueGameFinderGame struct {
	SeasonID         *string
	TeamID           *float64
	TeamAbbreviation *string
	TeamName         *string
	GameID           *string
	GameDate         *string
	Matchup          *string
	WL               *string
	PTS              *float64
}

// LeagueGameFinder returns every game on record for a team across all
// seasons. The service applies no season filter when none is given.
func (c *Client) LeagueGameFinder(ctx context.Context, teamID int) ([]LeagueGameFinderGame, error) {
	params := url.Values{}
	params.Set("PlayerOrTeam", "T")
	params.Set("LeagueID", "00")
	params.Set("TeamID", strconv.Itoa(teamID))

	rs, err := c.get(ctx, "leaguegamefinder", params)
	if err != nil {
		return nil, err
	}
	col, err := rs.columns("SEASON_ID", "TEAM_ID", "TEAM_ABBREVIATION", "TEAM_NAME",
		"GAME_ID", "GAME_DATE", "MATCHUP", "WL", "PTS")
	if err != nil {
		return nil, utils.ErrorWithTrace(err)
	}

	games := make([]LeagueGameFinderGame, 0, len(rs.RowSet))
	for _, raw := range rs.RowSet {
		if len(raw) < len(rs.Headers) {
			return nil, utils.ErrorWithTrace(fmt.Errorf("short row in leaguegamefinder: %d of %d columns", len(raw), len(rs.Headers)))
		}
		games = append(games, LeagueGameFinderGame{
			SeasonID:         maybe[string](raw[col["SEASON_ID"]]),
			TeamID:           maybe[float64](raw[col["TEAM_ID"]]),
			TeamAbbreviation: maybe[string](raw[col["TEAM_ABBREVIATION"]]),
			TeamName:         maybe[string](raw[col["TEAM_NAME"]]),
			GameID:           maybe[string](raw[col["GAME_ID"]]),
			GameDate:         maybe[string](raw[col["GAME_DATE"]]),
			Matchup:          maybe[string](raw[col["MATCHUP"]]),
			WL:               maybe[string](raw[col["WL"]]),
			PTS:              maybe[float64](raw[col["PTS"]]),
		})
	}
	return games, nil
}

type TeamGameLog struct {
	SeasonYear       *string
	TeamID           *float64
	TeamAbbreviation *string
	TeamName         *string
	GameID           *string
	GameDate         *string
	Matchup          *string
	WL               *string
	FGM              *float64
	FGA              *float64
	FGPct            *float64
	FG3M             *float64
	FG3A             *float64
	FG3Pct           *float64
	FTM              *float64
	FTA              *float64
	FTPct            *float64
	OREB             *float64
	DREB             *float64
	REB              *float64
	AST              *float64
	TOV              *float64
	STL              *float64
	BLK              *float64
	PF               *float64
	PTS              *float64
}

var teamGameLogColumns = []string{
	"SEASON_YEAR", "TEAM_ID", "TEAM_ABBREVIATION", "TEAM_NAME", "GAME_ID", "GAME_DATE",
	"MATCHUP", "WL", "FGM", "FGA", "FG_PCT", "FG3M", "FG3A", "FG3_PCT", "FTM", "FTA",
	"FT_PCT", "OREB", "DREB", "REB", "AST", "TOV", "STL", "BLK", "PF", "PTS",
}

// TeamGameLogs returns one team's box score lines for a season and season
// type, e.g. ("2023-24", "Regular Season").
func (c *Client) TeamGameLogs(ctx context.Context, teamID int, season, seasonType string) ([]TeamGameLog, error) {
	if utils.IsInvalidSeason(season) {
		return nil, utils.ErrorWithTrace(fmt.Errorf("invalid season provided: %s", season))
	}
	params := url.Values{}
	params.Set("LeagueID", "00")
	params.Set("TeamID", strconv.Itoa(teamID))
	params.Set("Season", season)
	params.Set("SeasonType", seasonType)

	rs, err := c.get(ctx, "teamgamelogs", params)
	if err != nil {
		return nil, err
	}
	col, err := rs.columns(teamGameLogColumns...)
	if err != nil {
		return nil, utils.ErrorWithTrace(err)
	}

	logs := make([]TeamGameLog, 0, len(rs.RowSet))
	for _, raw := range rs.RowSet {
		if len(raw) < len(rs.Headers) {
			return nil, utils.ErrorWithTrace(fmt.Errorf("short row in teamgamelogs: %d of %d columns", len(raw), len(rs.Headers)))
		}
		f := func(name string) *float64 { return maybe[float64](raw[col[name]]) }
		s := func(name string) *string { return maybe[string](raw[col[name]]) }
		logs = append(logs, TeamGameLog{
			SeasonYear:       s("SEASON_YEAR"),
			TeamID:           f("TEAM_ID"),
			TeamAbbreviation: s("TEAM_ABBREVIATION"),
			TeamName:         s("TEAM_NAME"),
			GameID:           s("GAME_ID"),
			GameDate:         s("GAME_DATE"),
			Matchup:          s("MATCHUP"),
			WL:               s("WL"),
			FGM:              f("FGM"),
			FGA:              f("FGA"),
			FGPct:            f("FG_PCT"),
			FG3M:             f("FG3M"),
			FG3A:             f("FG3A"),
			FG3Pct:           f("FG3_PCT"),
			FTM:              f("FTM"),
			FTA:              f("FTA"),
			FTPct:            f("FT_PCT"),
			OREB:             f("OREB"),
			DREB:             f("DREB"),
			REB:              f("REB"),
			AST:              f("AST"),
			TOV:              f("TOV"),
			STL:              f("STL"),
			BLK:              f("BLK"),
			PF:               f("PF"),
			PTS:              f("PTS"),
		})
	}
	return logs, nil
}

func maybe[T any](x any) *T {
	if x, ok := x.(T); ok {
		return &x
	}
	return nil
}
