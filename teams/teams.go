// Package teams holds the registry of tracked NBA franchises. A Registry is
// built once at startup and only read afterwards.
package teams

import (
	"fmt"
	"sort"
)

type Team struct {
	Name string
	ID   int
}

type Meta struct {
	Conference string
	Division   string
}

type Registry struct {
	byName    map[string]int
	byID      map[int][]string
	ids       []int
	canonical map[string]string
	meta      map[string]Meta
}

// New builds a registry from entries. Several names may share an id
// (relocated or renamed franchises); the same name may not appear twice.
func New(entries []Team) (*Registry, error) {
	r := &Registry{
		byName:    make(map[string]int, len(entries)),
		byID:      make(map[int][]string, len(entries)),
		canonical: map[string]string{},
		meta:      map[string]Meta{},
	}
	for _, t := range entries {
		if t.Name == "" {
			return nil, fmt.Errorf("team with id %d has no name", t.ID)
		}
		if t.ID <= 0 {
			return nil, fmt.Errorf("team %q has invalid id %d", t.Name, t.ID)
		}
		if _, exists := r.byName[t.Name]; exists {
			return nil, fmt.Errorf("duplicate team name %q", t.Name)
		}
		r.byName[t.Name] = t.ID
		if _, exists := r.byID[t.ID]; !exists {
			r.ids = append(r.ids, t.ID)
		}
		r.byID[t.ID] = append(r.byID[t.ID], t.Name)
	}
	sort.Ints(r.ids)
	return r, nil
}

// Default returns the registry of the 30 current franchises plus the legacy
// names still found in historical schedules.
func Default() *Registry {
	entries := make([]Team, 0, len(franchises)+len(aliases))
	for name, f := range franchises {
		entries = append(entries, Team{Name: name, ID: f.id})
	}
	for alias, current := range aliases {
		entries = append(entries, Team{Name: alias, ID: franchises[current].id})
	}
	r, err := New(entries)
	if err != nil {
		panic(err)
	}
	for name, f := range franchises {
		r.canonical[name] = name
		r.meta[name] = f.meta
	}
	for alias, current := range aliases {
		r.canonical[alias] = current
	}
	return r
}

func (r *Registry) Lookup(name string) (int, bool) {
	id, ok := r.byName[name]
	return id, ok
}

// IDs returns every distinct team id in ascending order.
func (r *Registry) IDs() []int {
	out := make([]int, len(r.ids))
	copy(out, r.ids)
	return out
}

// Teams returns every entry, aliases included, ordered by name.
func (r *Registry) Teams() []Team {
	out := make([]Team, 0, len(r.byName))
	for name, id := range r.byName {
		out = append(out, Team{Name: name, ID: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) NamesFor(id int) []string {
	names := r.byID[id]
	out := make([]string, len(names))
	copy(out, names)
	sort.Strings(out)
	return out
}

// Canonical maps a legacy name to the current franchise name. Unknown names
// are returned unchanged.
func (r *Registry) Canonical(name string) string {
	if c, ok := r.canonical[name]; ok {
		return c
	}
	return name
}

func (r *Registry) Meta(name string) (Meta, bool) {
	m, ok := r.meta[r.Canonical(name)]
	return m, ok
}

func (r *Registry) Len() int {
	return len(r.byName)
}

type franchise struct {
	id   int
	meta Meta
}

var franchises = map[string]franchise{
	"Atlanta Hawks":          {1610612737, Meta{"Eastern", "Southeast"}},
	"Boston Celtics":         {1610612738, Meta{"Eastern", "Atlantic"}},
	"Cleveland Cavaliers":    {1610612739, Meta{"Eastern", "Central"}},
	"New Orleans Pelicans":   {1610612740, Meta{"Western", "Southwest"}},
	"Chicago Bulls":          {1610612741, Meta{"Eastern", "Central"}},
	"Dallas Mavericks":       {1610612742, Meta{"Western", "Southwest"}},
	"Denver Nuggets":         {1610612743, Meta{"Western", "Northwest"}},
	"Golden State Warriors":  {1610612744, Meta{"Western", "Pacific"}},
	"Houston Rockets":        {1610612745, Meta{"Western", "Southwest"}},
	"Los Angeles Clippers":   {1610612746, Meta{"Western", "Pacific"}},
	"Los Angeles Lakers":     {1610612747, Meta{"Western", "Pacific"}},
	"Miami Heat":             {1610612748, Meta{"Eastern", "Southeast"}},
	"Milwaukee Bucks":        {1610612749, Meta{"Eastern", "Central"}},
	"Minnesota Timberwolves": {1610612750, Meta{"Western", "Northwest"}},
	"Brooklyn Nets":          {1610612751, Meta{"Eastern", "Atlantic"}},
	"New York Knicks":        {1610612752, Meta{"Eastern", "Atlantic"}},
	"Orlando Magic":          {1610612753, Meta{"Eastern", "Southeast"}},
	"Indiana Pacers":         {1610612754, Meta{"Eastern", "Central"}},
	"Philadelphia 76ers":     {1610612755, Meta{"Eastern", "Atlantic"}},
	"Phoenix Suns":           {1610612756, Meta{"Western", "Pacific"}},
	"Portland Trail Blazers": {1610612757, Meta{"Western", "Northwest"}},
	"Sacramento Kings":       {1610612758, Meta{"Western", "Pacific"}},
	"San Antonio Spurs":      {1610612759, Meta{"Western", "Southwest"}},
	"Oklahoma City Thunder":  {1610612760, Meta{"Western", "Northwest"}},
	"Toronto Raptors":        {1610612761, Meta{"Eastern", "Atlantic"}},
	"Utah Jazz":              {1610612762, Meta{"Western", "Northwest"}},
	"Memphis Grizzlies":      {1610612763, Meta{"Western", "Southwest"}},
	"Washington Wizards":     {1610612764, Meta{"Eastern", "Southeast"}},
	"Detroit Pistons":        {1610612765, Meta{"Eastern", "Central"}},
	"Charlotte Hornets":      {1610612766, Meta{"Eastern", "Southeast"}},
}

var aliases = map[string]string{
	"Charlotte Bobcats":   "Charlotte Hornets",
	"New Orleans Hornets": "New Orleans Pelicans",
	"LA Clippers":         "Los Angeles Clippers",
}
