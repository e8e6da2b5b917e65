package enrich

import (
	"context"
	"errors"
	"fmt"

	"nbaattend/nba"
)

var (
	ErrTeamExhausted  = errors.New("team exhausted all fetch attempts")
	ErrUnknownTeam    = errors.New("unknown team")
	ErrNoMatchForDate = errors.New("no game id for date")
)

// GameLogEntry is one game from a team's history.
type GameLogEntry struct {
	Date   string
	GameID string
}

// TeamLookup maps a game date (YYYY-MM-DD) to the stats service game id.
type TeamLookup map[string]string

// Result holds one lookup per registry team id. An empty lookup means every
// fetch attempt for that team failed.
type Result map[int]TeamLookup

// GameLogFetcher retrieves a team's full game history in one call. It must
// not retry on its own.
type GameLogFetcher interface {
	FetchGameLog(ctx context.Context, teamID int) ([]GameLogEntry, error)
}

// FetchError is a single failed attempt. It is transient: the scheduler
// retries until the attempt budget is spent.
type FetchError struct {
	TeamID  int
	Attempt int
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch game log for team %d (attempt %d): %v", e.TeamID, e.Attempt, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NBAFetcher reads game logs from the stats.nba.com league game finder.
type NBAFetcher struct {
	Client *nba.Client
}

func (f NBAFetcher) FetchGameLog(ctx context.Context, teamID int) ([]GameLogEntry, error) {
	games, err := f.Client.LeagueGameFinder(ctx, teamID)
	if err != nil {
		return nil, err
	}
	entries := make([]GameLogEntry, 0, len(games))
	for _, g := range games {
		if g.GameDate == nil || g.GameID == nil {
			continue
		}
		entries = append(entries, GameLogEntry{Date: *g.GameDate, GameID: *g.GameID})
	}
	return entries, nil
}

// BuildLookup indexes entries by date. When two games share a date the later
// entry wins; the number of overwritten entries is returned.
func BuildLookup(entries []GameLogEntry) (TeamLookup, int) {
	lookup := make(TeamLookup, len(entries))
	dupes := 0
	for _, e := range entries {
		if _, exists := lookup[e.Date]; exists {
			dupes++
		}
		lookup[e.Date] = e.GameID
	}
	return lookup, dupes
}
