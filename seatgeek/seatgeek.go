// Package seatgeek ranks NBA teams by SeatGeek performer popularity.
package seatgeek

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"nbaattend/utils"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// NBATaxonomy is SeatGeek's taxonomy id for NBA games.
const NBATaxonomy = "1030100"

const perPage = 100
const maxPages = 20

// Performers that show up in NBA preseason listings but are not NBA teams.
var excluded = map[string]bool{
	"Hapoel Jerusalem B.C.": true,
	"Guangzhou Loong Lions": true,
}

type Performer struct {
	Name       string  `json:"name"`
	Popularity float64 `json:"popularity"`
}

type Event struct {
	ID         int         `json:"id"`
	Title      string      `json:"title"`
	Performers []Performer `json:"performers"`
}

type eventsResp struct {
	Events []Event `json:"events"`
	Meta   struct {
		Total   int `json:"total"`
		Page    int `json:"page"`
		PerPage int `json:"per_page"`
	} `json:"meta"`
}

type Client struct {
	baseURL    string
	clientID   string
	secret     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewClient(baseURL, clientID, secret string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		clientID:   clientID,
		secret:     secret,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(2), 1),
	}
}

// Events lists every upcoming NBA event, following pages until the reported
// total is reached.
func (c *Client) Events(ctx context.Context) ([]Event, error) {
	if c.clientID == "" {
		return nil, fmt.Errorf("seatgeek client id is not configured")
	}
	events := []Event{}
	for page := 1; page <= maxPages; page++ {
		resp, err := c.eventsPage(ctx, page)
		if err != nil {
			return nil, err
		}
		events = append(events, resp.Events...)
		if len(resp.Events) == 0 || len(events) >= resp.Meta.Total {
			break
		}
	}
	return events, nil
}

func (c *Client) eventsPage(ctx context.Context, page int) (*eventsResp, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, utils.ErrorWithTrace(err)
	}
	params := url.Values{}
	params.Set("client_id", c.clientID)
	params.Set("client_secret", c.secret)
	params.Set("taxonomies.id", NBATaxonomy)
	params.Set("per_page", strconv.Itoa(perPage))
	params.Set("page", strconv.Itoa(page))

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/2/events?"+params.Encode(), nil)
	if err != nil {
		return nil, utils.ErrorWithTrace(err)
	}
	req.Header.Add("Accept", "application/json")

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
		return nil, fmt.Errorf("seatgeek events returned status %d; check the client id and secret", resp.StatusCode)
	}

	out := eventsResp{}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, utils.ErrorWithTrace(err)
	}
	return &out, nil
}

type TeamPopularity struct {
	Name  string
	Score int
}

// Ranking is ordered from most to least popular and serializes as a JSON
// object whose keys keep that order.
type Ranking []TeamPopularity

// Popularity averages each performer's popularity across events and
// truncates the average to an integer.
func Popularity(events []Event) Ranking {
	sums := map[string]float64{}
	counts := map[string]int{}
	for _, e := range events {
		for _, p := range e.Performers {
			if excluded[p.Name] {
				continue
			}
			sums[p.Name] += p.Popularity
			counts[p.Name]++
		}
	}

	ranking := make(Ranking, 0, len(sums))
	for name, sum := range sums {
		ranking = append(ranking, TeamPopularity{Name: name, Score: int(sum / float64(counts[name]))})
	}
	sort.Slice(ranking, func(i, j int) bool {
		if ranking[i].Score != ranking[j].Score {
			return ranking[i].Score > ranking[j].Score
		}
		return ranking[i].Name < ranking[j].Name
	})
	return ranking
}

// Scores returns the ranking as a name to score map.
func (r Ranking) Scores() map[string]int {
	out := make(map[string]int, len(r))
	for _, t := range r {
		out[t.Name] = t.Score
	}
	return out
}

func (r Ranking) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, t := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(t.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.WriteString(strconv.Itoa(t.Score))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an ordered object back, keeping key order.
func (r *Ranking) UnmarshalJSON(data []byte) error {
	iter := jsoniter.ParseBytes(json, data)
	out := Ranking{}
	iter.ReadMapCB(func(it *jsoniter.Iterator, name string) bool {
		out = append(out, TeamPopularity{Name: name, Score: it.ReadInt()})
		return true
	})
	if iter.Error != nil && iter.Error != io.EOF {
		return iter.Error
	}
	*r = out
	return nil
}
