package scrape

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

const schedulePage = `<!DOCTYPE html>
<html><body>
<table id="schedule">
<thead><tr><th data-stat="date_game">Date</th></tr></thead>
<tbody>
<tr>
  <th data-stat="date_game"><a href="#">Tue, Oct 24, 2023</a></th>
  <td data-stat="game_start_time">7:30p</td>
  <td data-stat="visitor_team_name"><a href="#">Los Angeles Lakers</a></td>
  <td data-stat="visitor_pts">107</td>
  <td data-stat="home_team_name"><a href="#">Denver Nuggets</a></td>
  <td data-stat="home_pts">119</td>
  <td data-stat="attendance">19,842</td>
</tr>
<tr class="thead"><th data-stat="date_game">Date</th></tr>
<tr>
  <th data-stat="date_game"><a href="#">Wed, Oct 25, 2023</a></th>
  <td data-stat="visitor_team_name"><a href="#">Boston Celtics</a></td>
  <td data-stat="visitor_pts">108</td>
  <td data-stat="home_team_name"><a href="#">New York Knicks</a></td>
  <td data-stat="home_pts">104</td>
  <td data-stat="attendance">19,812</td>
</tr>
<tr>
  <th data-stat="date_game"><a href="#">Sat, Apr 13, 2024</a></th>
  <td data-stat="visitor_team_name"><a href="#">Boston Celtics</a></td>
  <td data-stat="visitor_pts"></td>
  <td data-stat="home_team_name"><a href="#">Denver Nuggets</a></td>
  <td data-stat="home_pts"></td>
  <td data-stat="attendance"></td>
</tr>
<tr><th data-stat="date_game">Playoffs</th></tr>
</tbody>
</table>
</body></html>`

func TestParseSchedule(t *testing.T) {
	games, err := ParseSchedule(strings.NewReader(schedulePage))
	if err != nil {
		t.Fatalf("ParseSchedule: %v", err)
	}
	if len(games) != 3 {
		t.Fatalf("got %d games, want 3: %+v", len(games), games)
	}

	g := games[0]
	if g.Date != "2023-10-24" || g.Visitor != "Los Angeles Lakers" || g.Home != "Denver Nuggets" {
		t.Errorf("unexpected first game %+v", g)
	}
	if *g.VisitorPts != 107 || *g.HomePts != 119 || *g.Attendance != 19842 {
		t.Errorf("unexpected counts in %+v", g)
	}

	unplayed := games[2]
	if unplayed.HomePts != nil || unplayed.VisitorPts != nil || unplayed.Attendance != nil {
		t.Errorf("empty cells should be nil: %+v", unplayed)
	}
}

func TestParseScheduleMissingTable(t *testing.T) {
	if _, err := ParseSchedule(strings.NewReader("<html><body><p>blocked</p></body></html>")); err == nil {
		t.Error("expected an error for a page without a schedule table")
	}
}

func TestBuildDocument(t *testing.T) {
	games, err := ParseSchedule(strings.NewReader(schedulePage))
	if err != nil {
		t.Fatal(err)
	}
	doc := BuildDocument(games)

	nuggets := doc["Denver Nuggets"]
	if len(nuggets) != 2 {
		t.Fatalf("Denver Nuggets has %d records, want 2", len(nuggets))
	}
	if !*nuggets[0].HomeWin || *nuggets[0].Points != 119 {
		t.Errorf("unexpected record %+v", nuggets[0])
	}
	if string(nuggets[0].Extra["AwayTeam"]) != `"Los Angeles Lakers"` {
		t.Errorf("AwayTeam = %s", nuggets[0].Extra["AwayTeam"])
	}
	if nuggets[1].HomeWin != nil {
		t.Errorf("HomeWin should be nil without scores")
	}
	if *doc["New York Knicks"][0].HomeWin {
		t.Errorf("Knicks lost at home")
	}
}

func newTestScraper(t *testing.T, url string) *Scraper {
	s := NewScraper(url, time.Millisecond, zaptest.NewLogger(t).Sugar())
	s.backoffUnit = time.Millisecond
	return s
}

func TestSeasonsSkipsMissingAndFailingPages(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/leagues/NBA_2024_games-october.html":
			fmt.Fprint(w, schedulePage)
		case "/leagues/NBA_2024_games-november.html":
			w.WriteHeader(http.StatusForbidden)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	games, err := newTestScraper(t, srv.URL).Seasons(context.Background(), []int{2024}, []string{"october", "november", "december"})
	if err != nil {
		t.Fatalf("Seasons: %v", err)
	}
	if len(games) != 3 {
		t.Errorf("got %d games, want 3", len(games))
	}
	if hits.Load() != 3 {
		t.Errorf("server saw %d requests, want 3", hits.Load())
	}
}

func TestFetchRetriesThrottledPages(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, schedulePage)
	}))
	defer srv.Close()

	games, err := newTestScraper(t, srv.URL).SchedulePage(context.Background(), 2024, "october")
	if err != nil {
		t.Fatalf("SchedulePage: %v", err)
	}
	if len(games) != 3 || hits.Load() != 3 {
		t.Errorf("got %d games after %d requests", len(games), hits.Load())
	}
}

func TestFetchGivesUpAfterRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestScraper(t, srv.URL).SchedulePage(context.Background(), 2024, "october")
	statusErr, ok := err.(*StatusError)
	if !ok || statusErr.Status != http.StatusBadGateway {
		t.Fatalf("expected a 502 StatusError, got %v", err)
	}
	if hits.Load() != 3 {
		t.Errorf("server saw %d requests, want 3", hits.Load())
	}
}

func TestParseCount(t *testing.T) {
	tests := []struct {
		in   string
		want *int
	}{
		{"18,997", intPtr(18997)},
		{"104", intPtr(104)},
		{"", nil},
		{"n/a", nil},
	}
	for _, tt := range tests {
		got := parseCount(tt.in)
		if (got == nil) != (tt.want == nil) || (got != nil && *got != *tt.want) {
			t.Errorf("parseCount(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func intPtr(v int) *int { return &v }
