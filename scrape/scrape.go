// Package scrape collects home game attendance from basketball-reference
// monthly schedule pages.
package scrape

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nbaattend/attendance"
	"nbaattend/utils"

	"github.com/PuerkitoBio/goquery"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/time/rate"
)

var ErrPageNotFound = errors.New("schedule page not found")

// StatusError is a page that answered with an unusable HTTP status.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.URL, e.Status)
}

const scheduleDateLayout = "Mon, Jan 2, 2006"

// Game is one row of a schedule table. Scores and attendance are nil for
// games that have not been played or were not reported.
type Game struct {
	Date       string
	Visitor    string
	VisitorPts *int
	Home       string
	HomePts    *int
	Attendance *int
}

type Scraper struct {
	baseURL     string
	httpClient  *http.Client
	limiter     *rate.Limiter
	retries     int
	backoffUnit time.Duration
	logger      *zap.SugaredLogger
}

// NewScraper paces requests to one per interval. The site blocks clients
// that go faster than roughly one page every few seconds.
func NewScraper(baseURL string, interval time.Duration, logger *zap.SugaredLogger) *Scraper {
	return &Scraper{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		limiter:     rate.NewLimiter(rate.Every(interval), 1),
		retries:     3,
		backoffUnit: 2 * time.Second,
		logger:      logger,
	}
}

func initScheduleReq(ctx context.Context, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Add("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36")
	req.Header.Add("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Add("Accept-Language", "en-US,en;q=0.5")
	return req, nil
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// fetch returns the body of url, retrying throttled and server errors.
func (s *Scraper) fetch(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for n := 1; n <= s.retries; n++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, utils.ErrorWithTrace(err)
		}
		req, err := initScheduleReq(ctx, url)
		if err != nil {
			return nil, utils.ErrorWithTrace(err)
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return nil, utils.ErrorWithTrace(err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, utils.ErrorWithTrace(err)
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return body, nil
		case resp.StatusCode == http.StatusNotFound:
			return nil, ErrPageNotFound
		case !retryable(resp.StatusCode):
			return nil, &StatusError{URL: url, Status: resp.StatusCode}
		}

		lastErr = &StatusError{URL: url, Status: resp.StatusCode}
		if n < s.retries {
			select {
			case <-time.After(time.Duration(n) * s.backoffUnit):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

// SchedulePage scrapes one month of a season. year is the calendar year the
// season ends in.
func (s *Scraper) SchedulePage(ctx context.Context, year int, month string) ([]Game, error) {
	url := fmt.Sprintf("%s/leagues/NBA_%d_games-%s.html", s.baseURL, year, month)
	body, err := s.fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	return ParseSchedule(bytes.NewReader(body))
}

// Seasons scrapes every month of every year. Missing pages and pages that
// end on a bad status are logged and skipped; any other error stops the
// scrape.
func (s *Scraper) Seasons(ctx context.Context, years []int, months []string) ([]Game, error) {
	games := make([]Game, 0, 1230*len(years))
	for _, year := range years {
		yearCount := 0
		for _, month := range months {
			page, err := s.SchedulePage(ctx, year, month)
			if errors.Is(err, ErrPageNotFound) {
				s.logger.Warnf("page not found: year=%d, month=%s", year, month)
				continue
			}
			var statusErr *StatusError
			if errors.As(err, &statusErr) {
				s.logger.Errorf("HTTP %d for year=%d, month=%s", statusErr.Status, year, month)
				continue
			}
			if err != nil {
				return nil, err
			}
			s.logger.Infof("fetched year=%d, month=%s: %d games", year, month, len(page))
			yearCount += len(page)
			games = append(games, page...)
		}
		s.logger.Infof("completed year %d: %d games", year, yearCount)
	}
	s.logger.Infof("scraping complete: %d total games", len(games))
	return games, nil
}

// Attendance scrapes the given seasons and groups the games by home team.
func (s *Scraper) Attendance(ctx context.Context, years []int, months []string) (attendance.Document, error) {
	games, err := s.Seasons(ctx, years, months)
	if err != nil {
		return nil, err
	}
	return BuildDocument(games), nil
}

// ParseSchedule extracts the rows of the #schedule table. Rows whose date
// does not parse (repeated header rows, notes) are dropped.
func ParseSchedule(r io.Reader) ([]Game, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, utils.ErrorWithTrace(err)
	}
	doc := goquery.NewDocumentFromNode(root)
	table := doc.Find("table#schedule")
	if table.Length() == 0 {
		return nil, utils.ErrorWithTrace(errors.New("no schedule table on page"))
	}

	games := []Game{}
	table.Find("tbody tr").Each(func(i int, row *goquery.Selection) {
		if row.HasClass("thead") {
			return
		}
		cell := func(stat string) string {
			return strings.TrimSpace(row.Find(fmt.Sprintf(`[data-stat="%s"]`, stat)).First().Text())
		}
		date, err := time.Parse(scheduleDateLayout, cell("date_game"))
		if err != nil {
			return
		}
		games = append(games, Game{
			Date:       date.Format("2006-01-02"),
			Visitor:    cell("visitor_team_name"),
			VisitorPts: parseCount(cell("visitor_pts")),
			Home:       cell("home_team_name"),
			HomePts:    parseCount(cell("home_pts")),
			Attendance: parseCount(cell("attendance")),
		})
	})
	return games, nil
}

// parseCount reads integers such as "18,997". Empty or malformed cells are nil.
func parseCount(s string) *int {
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &n
}

// BuildDocument groups games by home team, keeping scrape order within a
// team. Points are the home team's; HomeWin is nil unless both scores exist.
func BuildDocument(games []Game) attendance.Document {
	doc := attendance.Document{}
	for _, g := range games {
		if g.Home == "" {
			continue
		}
		rec := attendance.Record{
			Date:       g.Date,
			Attendance: g.Attendance,
			Points:     g.HomePts,
		}
		if g.HomePts != nil && g.VisitorPts != nil {
			rec.HomeWin = attendance.Bool(*g.HomePts > *g.VisitorPts)
		}
		if g.Visitor != "" {
			away, _ := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(g.Visitor)
			rec.Extra = map[string]jsoniter.RawMessage{"AwayTeam": away}
		}
		doc[g.Home] = append(doc[g.Home], rec)
	}
	return doc
}
