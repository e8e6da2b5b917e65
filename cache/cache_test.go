package cache

import (
	"context"
	"testing"
	"time"

	"nbaattend/enrich"
	"nbaattend/teams"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"
)

func newTestCache(t *testing.T, ttl time.Duration) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	r, err := NewRedis("redis://"+srv.Addr()+"/0", ttl)
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r, srv
}

func TestLookupRoundTrip(t *testing.T) {
	r, srv := newTestCache(t, time.Hour)
	ctx := context.Background()

	if _, ok, err := r.GetLookup(ctx, 1610612738); err != nil || ok {
		t.Fatalf("empty cache: ok=%v err=%v", ok, err)
	}

	want := enrich.TeamLookup{"2023-10-25": "0022300061"}
	if err := r.SetLookup(ctx, 1610612738, want); err != nil {
		t.Fatalf("SetLookup: %v", err)
	}
	if ttl := srv.TTL(Key(1610612738)); ttl != time.Hour {
		t.Errorf("TTL = %s, want 1h", ttl)
	}
	got, ok, err := r.GetLookup(ctx, 1610612738)
	if err != nil || !ok || got["2023-10-25"] != "0022300061" {
		t.Errorf("GetLookup = %v, %v, %v", got, ok, err)
	}

	srv.FastForward(2 * time.Hour)
	if _, ok, err := r.GetLookup(ctx, 1610612738); err != nil || ok {
		t.Errorf("expired entry: ok=%v err=%v", ok, err)
	}
}

func TestGetLookupRejectsEmptyEntry(t *testing.T) {
	r, srv := newTestCache(t, time.Hour)
	if err := srv.Set(Key(1), "{}"); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := r.GetLookup(context.Background(), 1); err == nil || ok {
		t.Errorf("empty cached lookup should not be served, ok=%v err=%v", ok, err)
	}
}

func TestInvalidate(t *testing.T) {
	r, srv := newTestCache(t, time.Hour)
	ctx := context.Background()
	for _, id := range []int{1, 2, 3} {
		if err := r.SetLookup(ctx, id, enrich.TeamLookup{"2023-01-01": "G"}); err != nil {
			t.Fatal(err)
		}
	}

	if err := r.Invalidate(ctx); err != nil {
		t.Errorf("Invalidate with no ids: %v", err)
	}
	if err := r.Invalidate(ctx, 1, 2); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if srv.Exists(Key(1)) || srv.Exists(Key(2)) || !srv.Exists(Key(3)) {
		t.Errorf("keys left = %v", srv.Keys())
	}
}

func TestSchedulerUsesRedis(t *testing.T) {
	r, srv := newTestCache(t, time.Hour)
	if err := srv.Set(Key(1), `{"2023-01-01":"CACHED"}`); err != nil {
		t.Fatal(err)
	}

	reg, err := teams.New([]teams.Team{{Name: "Team A", ID: 1}, {Name: "Team B", ID: 2}})
	if err != nil {
		t.Fatal(err)
	}
	fetcher := fetcherFunc(func(ctx context.Context, teamID int) ([]enrich.GameLogEntry, error) {
		if teamID == 1 {
			t.Errorf("team 1 should be served from cache")
		}
		return []enrich.GameLogEntry{{Date: "2023-01-02", GameID: "G2"}}, nil
	})
	s := enrich.NewScheduler(fetcher, 2, 1, time.Millisecond, time.Second, zaptest.NewLogger(t).Sugar())
	s.Cache = r

	res, _ := s.Schedule(context.Background(), reg)
	if res[1]["2023-01-01"] != "CACHED" || res[2]["2023-01-02"] != "G2" {
		t.Errorf("result = %v", res)
	}
	if !srv.Exists(Key(2)) {
		t.Error("fetched lookup should be written back")
	}
}

type fetcherFunc func(ctx context.Context, teamID int) ([]enrich.GameLogEntry, error)

func (f fetcherFunc) FetchGameLog(ctx context.Context, teamID int) ([]enrich.GameLogEntry, error) {
	return f(ctx, teamID)
}

func TestKey(t *testing.T) {
	if got := Key(1610612752); got != "nbaattend:gamelog:1610612752" {
		t.Errorf("Key() = %s", got)
	}
}

func TestCodec(t *testing.T) {
	in := enrich.TeamLookup{"2023-10-25": "0022300061", "2023-10-27": "0022300075"}
	data, err := encode(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 2 || out["2023-10-25"] != "0022300061" {
		t.Errorf("decode = %v", out)
	}

	tests := []struct {
		name string
		data string
	}{
		{"empty object", `{}`},
		{"not json", `nope`},
		{"wrong shape", `[1,2]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decode([]byte(tt.data)); err == nil {
				t.Errorf("decode(%s) should fail", tt.data)
			}
		})
	}
}

func TestNewRedisRejectsBadURL(t *testing.T) {
	if _, err := NewRedis("not a url", time.Hour); err == nil {
		t.Error("expected an error for a malformed url")
	}
}

func TestUnreachableServerReportsErrors(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	r := New(client, time.Hour)
	defer r.Close()

	ctx := context.Background()
	if _, ok, err := r.GetLookup(ctx, 1); err == nil || ok {
		t.Errorf("GetLookup should fail without a server, got ok=%v err=%v", ok, err)
	}
	if err := r.SetLookup(ctx, 1, enrich.TeamLookup{"2023-10-25": "G"}); err == nil {
		t.Error("SetLookup should fail without a server")
	}
}
