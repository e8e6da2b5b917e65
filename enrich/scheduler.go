package enrich

import (
	"context"
	"fmt"
	"strings"
	"time"

	"nbaattend/teams"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// State is where a team sits in the fetch lifecycle:
// Pending -> InFlight -> {Succeeded, Retrying, Exhausted}, Retrying -> InFlight.
type State int

const (
	Pending State = iota
	InFlight
	Retrying
	Succeeded
	Exhausted
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case InFlight:
		return "IN_FLIGHT"
	case Retrying:
		return "RETRYING"
	case Succeeded:
		return "SUCCEEDED"
	case Exhausted:
		return "EXHAUSTED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Outcome is the terminal record for one team.
type Outcome struct {
	TeamID   int
	Name     string
	State    State
	Attempts int
	Games    int
	Cached   bool
	Err      error
	Elapsed  time.Duration

	lookup TeamLookup
}

// Observer receives scheduler events. Calls come from worker goroutines and
// may be concurrent.
type Observer interface {
	OnAttemptFailed(name string, err *FetchError)
	OnTeamDone(o Outcome)
}

// LookupCache short-circuits fetches for teams whose lookup is already known.
type LookupCache interface {
	GetLookup(ctx context.Context, teamID int) (TeamLookup, bool, error)
	SetLookup(ctx context.Context, teamID int, lookup TeamLookup) error
}

// Attempt is the typed outcome of one fetch call.
type Attempt struct {
	Lookup TeamLookup
	Dupes  int
	Err    *FetchError
}

// releaseGrace bounds how long a timed-out fetch may keep its slot.
const releaseGrace = 250 * time.Millisecond

type Scheduler struct {
	Fetcher        GameLogFetcher
	Concurrency    int
	Retries        int
	BackoffUnit    time.Duration
	AttemptTimeout time.Duration
	Cache          LookupCache
	Observers      []Observer
	Logger         *zap.SugaredLogger

	sleep func(ctx context.Context, d time.Duration) error
}

func NewScheduler(fetcher GameLogFetcher, concurrency, retries int, backoffUnit, attemptTimeout time.Duration, logger *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		Fetcher:        fetcher,
		Concurrency:    concurrency,
		Retries:        retries,
		BackoffUnit:    backoffUnit,
		AttemptTimeout: attemptTimeout,
		Logger:         logger,
	}
}

// Backoff is the wait before the attempt following attempt n (1-indexed).
func (s *Scheduler) Backoff(n int) time.Duration {
	return time.Duration(2*n) * s.BackoffUnit
}

// Schedule fetches a lookup for every distinct team id in reg, with at most
// Concurrency fetches in flight. It returns once every team has either
// succeeded or exhausted its retries; the result has one entry per id.
func (s *Scheduler) Schedule(ctx context.Context, reg *teams.Registry) (Result, []Outcome) {
	log := s.logger()
	ids := reg.IDs()
	outcomes := make([]Outcome, len(ids))

	limit := s.Concurrency
	if limit < 1 {
		limit = 1
	}
	g := errgroup.Group{}
	g.SetLimit(limit)

	log.Infof("fetching game logs for %d teams (concurrency %d, %d attempts each)", len(ids), limit, s.retries())
	for i, id := range ids {
		name := strings.Join(reg.NamesFor(id), " / ")
		outcomes[i] = Outcome{TeamID: id, Name: name, State: Pending}
		g.Go(func() error {
			outcomes[i] = s.runTeam(ctx, id, name)
			return nil
		})
	}
	_ = g.Wait()

	result := make(Result, len(ids))
	exhausted := 0
	for _, o := range outcomes {
		if o.lookup == nil {
			o.lookup = TeamLookup{}
		}
		result[o.TeamID] = o.lookup
		if o.State == Exhausted {
			exhausted++
		}
	}
	log.Infof("fetched game logs: %d succeeded, %d exhausted", len(ids)-exhausted, exhausted)
	return result, outcomes
}

func (s *Scheduler) runTeam(ctx context.Context, teamID int, name string) (out Outcome) {
	log := s.logger()
	start := time.Now()
	out = Outcome{TeamID: teamID, Name: name, State: InFlight}
	defer func() {
		out.Elapsed = time.Since(start)
		for _, o := range s.Observers {
			o.OnTeamDone(out)
		}
	}()

	if s.Cache != nil {
		lookup, ok, err := s.Cache.GetLookup(ctx, teamID)
		if err != nil {
			log.Warnf("lookup cache read failed for %s: %v", name, err)
		} else if ok {
			out.State, out.Cached, out.lookup, out.Games = Succeeded, true, lookup, len(lookup)
			return out
		}
	}

	retries := s.retries()
	for n := 1; n <= retries; n++ {
		if ctx.Err() != nil {
			out.Err = fmt.Errorf("%w: %w", ErrTeamExhausted, ctx.Err())
			break
		}
		out.State = InFlight
		out.Attempts = n
		a := s.attempt(ctx, teamID, n)
		if a.Err == nil {
			out.State, out.lookup, out.Games, out.Err = Succeeded, a.Lookup, len(a.Lookup), nil
			if a.Dupes > 0 {
				log.Warnf("%s: %d games share a date with another game, keeping the later id", name, a.Dupes)
			}
			if s.Cache != nil {
				if err := s.Cache.SetLookup(ctx, teamID, a.Lookup); err != nil {
					log.Warnf("lookup cache write failed for %s: %v", name, err)
				}
			}
			return out
		}

		out.Err = a.Err
		log.Warnf("error fetching %s (attempt %d/%d): %v", name, n, retries, a.Err.Err)
		for _, o := range s.Observers {
			o.OnAttemptFailed(name, a.Err)
		}
		if n == retries {
			break
		}
		out.State = Retrying
		if err := s.wait(ctx, s.Backoff(n)); err != nil {
			out.Err = fmt.Errorf("%w: %w", ErrTeamExhausted, err)
			break
		}
	}

	out.State = Exhausted
	out.lookup = TeamLookup{}
	if out.Err == nil {
		out.Err = ErrTeamExhausted
	} else if _, ok := out.Err.(*FetchError); ok {
		out.Err = fmt.Errorf("%w: %w", ErrTeamExhausted, out.Err)
	}
	log.Warnf("failed to fetch %s after %d attempts, its records will have no game id", name, out.Attempts)
	return out
}

// attempt runs one fetch bounded by AttemptTimeout. The fetch runs on its
// own goroutine. Once the deadline passes the call keeps its slot for at
// most releaseGrace, so a fetcher that honours its context is never counted
// twice while one that ignores it cannot hold the slot forever.
func (s *Scheduler) attempt(ctx context.Context, teamID, n int) Attempt {
	if s.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.AttemptTimeout)
		defer cancel()
	}

	type fetched struct {
		entries []GameLogEntry
		err     error
	}
	done := make(chan fetched, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fetched{err: fmt.Errorf("fetcher panicked: %v", r)}
			}
		}()
		entries, err := s.Fetcher.FetchGameLog(ctx, teamID)
		done <- fetched{entries: entries, err: err}
	}()

	select {
	case f := <-done:
		if f.err != nil {
			return Attempt{Err: &FetchError{TeamID: teamID, Attempt: n, Err: f.err}}
		}
		lookup, dupes := BuildLookup(f.entries)
		return Attempt{Lookup: lookup, Dupes: dupes}
	case <-ctx.Done():
		t := time.NewTimer(releaseGrace)
		defer t.Stop()
		select {
		case <-done:
		case <-t.C:
			s.logger().Warnf("fetch for team %d ignored its deadline, releasing its slot", teamID)
		}
		return Attempt{Err: &FetchError{TeamID: teamID, Attempt: n, Err: ctx.Err()}}
	}
}

func (s *Scheduler) wait(ctx context.Context, d time.Duration) error {
	if s.sleep != nil {
		return s.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) retries() int {
	if s.Retries < 1 {
		return 1
	}
	return s.Retries
}

func (s *Scheduler) logger() *zap.SugaredLogger {
	if s.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return s.Logger
}
