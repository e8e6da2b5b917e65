// Package attendance models the per-team attendance document exchanged
// between the scraper, the game id enrichment and the dashboard:
//
//	{"Boston Celtics": [{"Date": "2023-10-25", "Attendance": 19156, "Points": 108, "HomeWin": true}, ...]}
package attendance

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrInputRead   = errors.New("attendance: unable to read input document")
	ErrOutputWrite = errors.New("attendance: unable to write output document")
)

// Record is one home game. Absent values stay nil and are written as null,
// except GameID which is omitted until enrichment fills it. Keys the pipeline
// does not know about are carried through untouched.
type Record struct {
	Date       string
	Attendance *int
	Points     *int
	HomeWin    *bool
	GameID     *string
	Extra      map[string]jsoniter.RawMessage
}

// Document maps a home team display name to its games in date order.
type Document map[string][]Record

var knownKeys = map[string]bool{
	"Date": true, "Attendance": true, "Points": true, "HomeWin": true, "GameID": true,
}

func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	write := func(key string, v interface{}) error {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.WriteString(strconv.Quote(key))
		buf.WriteByte(':')
		buf.Write(b)
		return nil
	}
	if err := write("Date", r.Date); err != nil {
		return nil, err
	}
	if err := write("Attendance", r.Attendance); err != nil {
		return nil, err
	}
	if err := write("Points", r.Points); err != nil {
		return nil, err
	}
	if err := write("HomeWin", r.HomeWin); err != nil {
		return nil, err
	}
	if r.GameID != nil {
		if err := write("GameID", *r.GameID); err != nil {
			return nil, err
		}
	}
	keys := make([]string, 0, len(r.Extra))
	for k := range r.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := write(k, r.Extra[k]); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (r *Record) UnmarshalJSON(data []byte) error {
	raw := map[string]jsoniter.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Record{}
	for _, f := range []struct {
		key string
		dst interface{}
	}{
		{"Date", &r.Date},
		{"Attendance", &r.Attendance},
		{"Points", &r.Points},
		{"HomeWin", &r.HomeWin},
	} {
		if err := decodeField(raw[f.key], f.dst); err != nil {
			return fmt.Errorf("%s: %w", f.key, err)
		}
	}
	if v := raw["GameID"]; !isNull(v) {
		id, err := decodeGameID(v)
		if err != nil {
			return fmt.Errorf("GameID: %w", err)
		}
		r.GameID = id
	}
	for k, v := range raw {
		if knownKeys[k] {
			continue
		}
		if r.Extra == nil {
			r.Extra = map[string]jsoniter.RawMessage{}
		}
		if isNull(v) {
			v = jsoniter.RawMessage("null")
		}
		r.Extra[k] = v
	}
	return nil
}

// isNull reports whether v is absent or JSON null. The decoder hands back a
// nil RawMessage for null values.
func isNull(v jsoniter.RawMessage) bool {
	return len(v) == 0 || string(v) == "null"
}

func decodeField(v jsoniter.RawMessage, dst interface{}) error {
	if isNull(v) {
		return nil
	}
	return json.Unmarshal(v, dst)
}

// decodeGameID accepts the id as a JSON string or number.
func decodeGameID(v jsoniter.RawMessage) (*string, error) {
	var s *string
	if err := json.Unmarshal(v, &s); err == nil {
		return s, nil
	}
	var n jsoniter.Number
	if err := json.Unmarshal(v, &n); err != nil {
		return nil, err
	}
	str := n.String()
	return &str, nil
}

// Clone deep-copies the record.
func (r Record) Clone() Record {
	c := Record{Date: r.Date}
	if r.Attendance != nil {
		v := *r.Attendance
		c.Attendance = &v
	}
	if r.Points != nil {
		v := *r.Points
		c.Points = &v
	}
	if r.HomeWin != nil {
		v := *r.HomeWin
		c.HomeWin = &v
	}
	if r.GameID != nil {
		v := *r.GameID
		c.GameID = &v
	}
	if r.Extra != nil {
		c.Extra = make(map[string]jsoniter.RawMessage, len(r.Extra))
		for k, v := range r.Extra {
			c.Extra[k] = append(jsoniter.RawMessage(nil), v...)
		}
	}
	return c
}

func (d Document) Clone() Document {
	out := make(Document, len(d))
	for team, records := range d {
		cp := make([]Record, len(records))
		for i, r := range records {
			cp[i] = r.Clone()
		}
		out[team] = cp
	}
	return out
}

// Teams returns the document's team names in sorted order.
func (d Document) Teams() []string {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d Document) Len() int {
	n := 0
	for _, records := range d {
		n += len(records)
	}
	return n
}

func Decode(data []byte) (Document, error) {
	doc := Document{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func Encode(doc Document) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}

// Load reads a document from path. Every failure wraps ErrInputRead.
func Load(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInputRead, err)
	}
	doc, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInputRead, path, err)
	}
	return doc, nil
}

// Save writes doc to path. Every failure wraps ErrOutputWrite.
func Save(path string, doc Document) error {
	data, err := Encode(doc)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOutputWrite, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("%w: %w", ErrOutputWrite, err)
	}
	return nil
}

func Int(v int) *int          { return &v }
func Bool(v bool) *bool       { return &v }
func String(v string) *string { return &v }
