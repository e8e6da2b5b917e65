package gamestats

import (
	"bytes"
	"context"
	"errors"
	"math"
	"testing"

	"nbaattend/nba"

	"go.uber.org/zap/zaptest"
)

func f(v float64) *float64 { return &v }
func s(v string) *string   { return &v }

func gameLog(gameID, matchup, wl string) nba.TeamGameLog {
	return nba.TeamGameLog{
		SeasonYear: s("2023-24"),
		TeamID:     f(1610612743),
		GameID:     s(gameID),
		GameDate:   s("2023-10-24T00:00:00"),
		Matchup:    s(matchup),
		WL:         s(wl),
		FGM:        f(40),
		FGA:        f(80),
		FG3M:       f(10),
		FTA:        f(20),
		TOV:        f(12),
		PTS:        f(110),
	}
}

func TestDerive(t *testing.T) {
	logs := []nba.TeamGameLog{
		gameLog("1", "DEN vs. LAL", "W"),
		gameLog("2", "DEN @ LAL", "L"),
		gameLog("3", "DEN vs. BOS", "L"),
		gameLog("4", "DEN @ BOS", "W"),
		gameLog("5", "DEN vs. MIA", "W"),
	}
	home, away := Derive(logs)

	if len(home) != 3 || len(away) != 2 {
		t.Fatalf("got %d home and %d away rows", len(home), len(away))
	}
	h := home[0]
	if h.Opp != "LAL" || !h.Home || h.Win != 1 || h.TeamID != 1610612743 {
		t.Errorf("unexpected home row %+v", h)
	}
	if h.SeasonWinRate != 0.6 || h.VenueWinRate != 0.667 || away[0].VenueWinRate != 0.5 {
		t.Errorf("win rates season=%v home=%v away=%v", h.SeasonWinRate, h.VenueWinRate, away[0].VenueWinRate)
	}
	if h.EFGP != 0.5625 || h.FTR != 0.25 {
		t.Errorf("EFGP=%v FTR=%v", h.EFGP, h.FTR)
	}
	wantTOVP := 12 / (80 + 0.44*20 + 12)
	if math.Abs(h.TOVP-wantTOVP) > 1e-12 {
		t.Errorf("TOVP=%v, want %v", h.TOVP, wantTOVP)
	}
	if h.Date() != "2023-10-24" {
		t.Errorf("Date() = %s", h.Date())
	}
}

type fakeSource struct {
	calls int
	fail  map[string]bool
}

func (src *fakeSource) TeamGameLogs(ctx context.Context, teamID int, season, seasonType string) ([]nba.TeamGameLog, error) {
	src.calls++
	if src.fail[season] {
		return nil, errors.New("timeout")
	}
	if season == "2019-20" {
		return []nba.TeamGameLog{gameLog("9", "DEN vs. LAL", "W")}, nil
	}
	return []nba.TeamGameLog{gameLog("1", "DEN vs. LAL", "W"), gameLog("2", "DEN @ LAL", "L")}, nil
}

func TestCollectSkipsFailedSeasons(t *testing.T) {
	src := &fakeSource{fail: map[string]bool{"2022-23": true}}
	c := NewCollector(src, []string{"Regular Season"}, 1000, zaptest.NewLogger(t).Sugar())

	home, away, err := c.Collect(context.Background(), []int{1, 2}, []string{"2019-20", "2022-23", "2023-24"})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if src.calls != 6 {
		t.Errorf("calls = %d, want 6", src.calls)
	}
	if len(home) != 2 || len(away) != 2 {
		t.Errorf("got %d home and %d away rows, want 2 and 2", len(home), len(away))
	}
}

func TestCSVRoundTrip(t *testing.T) {
	home, away := Derive([]nba.TeamGameLog{
		gameLog("0022300061", "DEN vs. LAL", "W"),
		gameLog("0022300062", "DEN @ LAL", "L"),
	})
	home[0].Box["FT_PCT"] = math.NaN()

	var buf bytes.Buffer
	if err := WriteCSV(&buf, home, true); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	rows, err := ReadCSV(&buf)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows", len(rows))
	}
	r := rows[0]
	if r.GameID != "0022300061" || !r.Home || r.Win != 1 || r.VenueWinRate != 1 || r.Box["PTS"] != 110 {
		t.Errorf("unexpected row %+v", r)
	}
	if !math.IsNaN(r.Box["FT_PCT"]) {
		t.Errorf("missing value should read back as NaN")
	}

	buf.Reset()
	if err := WriteCSV(&buf, away, false); err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("AWAY_WINRATE")) {
		t.Errorf("away table should carry AWAY_WINRATE")
	}
	rows, err = ReadCSV(&buf)
	if err != nil || len(rows) != 1 || rows[0].Home {
		t.Errorf("away round trip failed: %v %+v", err, rows)
	}
}

func TestReadCSVRejectsForeignTables(t *testing.T) {
	if _, err := ReadCSV(bytes.NewBufferString("a,b\n1,2\n")); err == nil {
		t.Error("expected an error for a table without game stat columns")
	}
}
