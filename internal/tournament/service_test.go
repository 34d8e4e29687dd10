package tournament

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/park285/cheese-chess-server/internal/domain"
	"github.com/park285/cheese-chess-server/internal/rating"
	"github.com/park285/cheese-chess-server/internal/session"
)

type standingsLog struct {
	mu   sync.Mutex
	sent []*Tournament
}

func (l *standingsLog) PublishStandings(_ context.Context, t *Tournament) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, t)
	return nil
}

type env struct {
	clock   *clockwork.FakeClock
	store   rating.Store
	reg     *session.Registry
	svc     *Service
	saved   Store
	publish *standingsLog
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		clock:   clockwork.NewFakeClock(),
		store:   rating.NewMemoryStore(),
		saved:   NewMemoryStore(),
		publish: &standingsLog{},
	}
	ratings := rating.NewService(e.store, rating.WithClock(e.clock))
	e.reg = session.NewRegistry(session.Deps{Clock: e.clock, Ratings: ratings})
	e.svc = NewService(e.reg, ratings,
		WithClock(e.clock),
		WithStore(e.saved),
		WithStandingsPublisher(e.publish),
	)
	e.reg.SetTournamentReporter(e.svc)
	t.Cleanup(func() {
		e.reg.Close()
		e.svc.Close()
	})
	return e
}

func (e *env) seed(t *testing.T, bucket domain.Bucket, ratings map[string]float64) {
	t.Helper()
	for id, r := range ratings {
		rec := domain.NewRatingRecord(id, bucket)
		rec.Rating = r
		if err := e.store.Put(context.Background(), rec); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func (e *env) create(t *testing.T, rounds int, players ...string) *Tournament {
	t.Helper()
	tc, _ := domain.ParseTimeControl("5+0")
	tr, err := e.svc.Create(context.Background(), Config{Name: "Friday Blitz", TimeControl: tc, TotalRounds: rounds, ForfeitAfter: time.Hour})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, p := range players {
		if err := e.svc.Register(context.Background(), tr.ID, p); err != nil {
			t.Fatalf("register %s: %v", p, err)
		}
	}
	return tr
}

func (e *env) waitFor(t *testing.T, id string, cond func(*Tournament) bool) *Tournament {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		tr, err := e.svc.Get(id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if cond(tr) {
			return tr
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached; tournament = %+v", tr)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// finish ends the pairing's game through the live session.
func (e *env) finish(t *testing.T, p *Pairing, result domain.Result) {
	t.Helper()
	s, err := e.reg.Get(p.GameID)
	if err != nil {
		t.Fatalf("game %s: %v", p.GameID, err)
	}
	ctx := context.Background()
	switch result {
	case domain.ResultWhiteWins:
		err = s.Resign(ctx, p.BlackID)
	case domain.ResultBlackWins:
		err = s.Resign(ctx, p.WhiteID)
	case domain.ResultDraw:
		if err = s.OfferDraw(ctx, p.WhiteID); err == nil {
			err = s.AcceptDraw(ctx, p.BlackID)
		}
	}
	if err != nil {
		t.Fatalf("finish %s: %v", p.GameID, err)
	}
}

func boards(tr *Tournament, round int) []*Pairing {
	var out []*Pairing
	for _, p := range tr.roundPairings(round) {
		if !p.IsBye() {
			out = append(out, p)
		}
	}
	return out
}

func TestStart_FivePlayersRoundOne(t *testing.T) {
	e := newEnv(t)
	e.seed(t, domain.BucketBlitz, map[string]float64{"p1": 1900, "p2": 1800, "p3": 1700, "p4": 1600, "p5": 1500})
	tr := e.create(t, 3, "p3", "p5", "p1", "p4", "p2")

	if err := e.svc.Start(context.Background(), tr.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	got, _ := e.svc.Get(tr.ID)
	if got.Status != StatusActive || got.CurrentRound != 1 {
		t.Fatalf("status = %s round = %d", got.Status, got.CurrentRound)
	}
	r1 := got.roundPairings(1)
	if len(r1) != 3 || len(boards(got, 1)) != 2 {
		t.Fatalf("round 1 = %+v", r1)
	}
	var bye string
	for _, p := range r1 {
		if p.IsBye() {
			bye = p.WhiteID
		} else if p.GameID == "" {
			t.Fatalf("board without game: %+v", p)
		}
	}
	if bye != "p5" || !got.Participants["p5"].HasHadBye || got.Participants["p5"].Score != 1 {
		t.Fatalf("bye = %q, p5 = %+v", bye, got.Participants["p5"])
	}
	if e.reg.Count() != 2 {
		t.Fatalf("live games = %d", e.reg.Count())
	}

	if err := e.svc.Register(context.Background(), tr.ID, "late"); !errors.Is(err, domain.ErrTournamentClosed) {
		t.Fatalf("late register: %v", err)
	}
}

func TestTournament_RunsToCompletion(t *testing.T) {
	e := newEnv(t)
	e.seed(t, domain.BucketBlitz, map[string]float64{"p1": 1900, "p2": 1800, "p3": 1700, "p4": 1600})
	tr := e.create(t, 2, "p1", "p2", "p3", "p4")
	if err := e.svc.Start(context.Background(), tr.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	cur, _ := e.svc.Get(tr.ID)
	for _, p := range boards(cur, 1) {
		e.finish(t, p, domain.ResultWhiteWins)
	}
	cur = e.waitFor(t, tr.ID, func(x *Tournament) bool { return x.CurrentRound == 2 })

	r2 := boards(cur, 2)
	if len(r2) != 2 {
		t.Fatalf("round 2 = %+v", r2)
	}
	for _, p := range r2 {
		if cur.Participants[p.WhiteID].Faced(p.BlackID) {
			t.Fatalf("repeat pairing %s-%s", p.WhiteID, p.BlackID)
		}
	}
	for _, p := range r2 {
		result := domain.ResultDraw
		if p.WhiteID == "p1" || p.BlackID == "p1" {
			result = domain.ResultWhiteWins
			if p.BlackID == "p1" {
				result = domain.ResultBlackWins
			}
		}
		e.finish(t, p, result)
	}
	final := e.waitFor(t, tr.ID, func(x *Tournament) bool { return x.Status == StatusCompleted })

	want := []string{"p1", "p3", "p2", "p4"}
	for i, s := range final.Standings {
		if s.UserID != want[i] || s.Rank != i+1 {
			t.Fatalf("standings = %+v", final.Standings)
		}
	}
	if final.Participants["p3"].Buchholz != 2.5 || final.Participants["p4"].Buchholz != 1.5 {
		t.Fatalf("buchholz p3=%v p4=%v", final.Participants["p3"].Buchholz, final.Participants["p4"].Buchholz)
	}
	for id, p := range final.Participants {
		if p.GamesPlayed != 2 || len(p.History) != 2 {
			t.Fatalf("%s history = %+v", id, p.History)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		e.publish.mu.Lock()
		n := len(e.publish.sent)
		e.publish.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("standings published %d times", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec, _, _ := e.store.Get(context.Background(), "p1", domain.BucketBlitz)
	if rec.GamesPlayed != 2 {
		t.Fatalf("tournament games should be rated; p1 played %d", rec.GamesPlayed)
	}
}

func TestRecordResult_IgnoresDuplicatesAndUnknownGames(t *testing.T) {
	e := newEnv(t)
	tr := e.create(t, 1, "a", "b")
	if err := e.svc.Start(context.Background(), tr.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.svc.RecordResult(context.Background(), "nope", domain.ResultDraw); !errors.Is(err, domain.ErrPairingNotFound) {
		t.Fatalf("unknown game: %v", err)
	}
	cur, _ := e.svc.Get(tr.ID)
	p := boards(cur, 1)[0]
	e.finish(t, p, domain.ResultWhiteWins)
	done := e.waitFor(t, tr.ID, func(x *Tournament) bool { return x.Status == StatusCompleted })
	if err := e.svc.RecordResult(context.Background(), p.GameID, domain.ResultBlackWins); err != nil && !errors.Is(err, domain.ErrPairingNotFound) {
		t.Fatalf("late duplicate: %v", err)
	}
	again, _ := e.svc.Get(tr.ID)
	if again.Participants[p.WhiteID].Score != done.Participants[p.WhiteID].Score {
		t.Fatalf("duplicate result changed the score")
	}
}

func TestSweepForfeits_SingleSide(t *testing.T) {
	e := newEnv(t)
	tr := e.create(t, 1, "a", "b")
	if err := e.svc.Start(context.Background(), tr.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	e.clock.Advance(2 * time.Hour)
	e.svc.TouchActivity("a")
	e.svc.SweepForfeits(context.Background())

	got, _ := e.svc.Get(tr.ID)
	p := boards(got, 1)[0]
	if !p.IsForfeited || len(p.ForfeitedBy) != 1 || p.ForfeitedBy[0] != "b" {
		t.Fatalf("pairing = %+v", p)
	}
	if got.Participants["a"].Score != 1 || got.Participants["b"].ConsecutiveForfeits != 1 {
		t.Fatalf("participants = %+v %+v", got.Participants["a"], got.Participants["b"])
	}
	if got.Status != StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if e.reg.Busy("a", domain.BucketBlitz) || e.reg.Busy("b", domain.BucketBlitz) {
		t.Fatalf("forfeited game still live")
	}
}

func TestSweepForfeits_BothIdleWithdrawsAfterTwo(t *testing.T) {
	e := newEnv(t)
	tr := e.create(t, 3, "a", "b")
	if err := e.svc.Start(context.Background(), tr.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	e.clock.Advance(2 * time.Hour)
	e.svc.SweepForfeits(context.Background())
	mid, _ := e.svc.Get(tr.ID)
	if mid.CurrentRound != 2 || mid.Participants["a"].GamesPlayed != 1 {
		t.Fatalf("after first sweep: round %d, a = %+v", mid.CurrentRound, mid.Participants["a"])
	}
	if r := boards(mid, 1)[0].Result; r != domain.ResultDoubleForfeit {
		t.Fatalf("round 1 result = %q", r)
	}

	e.clock.Advance(2 * time.Hour)
	e.svc.SweepForfeits(context.Background())
	end, _ := e.svc.Get(tr.ID)
	if end.Status != StatusCompleted {
		t.Fatalf("status = %s", end.Status)
	}
	for _, id := range []string{"a", "b"} {
		p := end.Participants[id]
		if !p.IsWithdrawn || p.ConsecutiveForfeits != 2 || p.GamesPlayed != 2 || p.Score != 0 {
			t.Fatalf("%s = %+v", id, p)
		}
	}
}

func TestRegister_Rules(t *testing.T) {
	e := newEnv(t)
	tc, _ := domain.ParseTimeControl("3+2")
	tr, err := e.svc.Create(context.Background(), Config{Name: "Small", TimeControl: tc, TotalRounds: 1, MaxPlayers: 2})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tr.Slug == "" || tr.Slug[:5] != "small" {
		t.Fatalf("slug = %q", tr.Slug)
	}
	ctx := context.Background()
	if err := e.svc.Start(ctx, tr.ID); !errors.Is(err, domain.ErrNotEnoughPlayers) {
		t.Fatalf("start empty: %v", err)
	}
	_ = e.svc.Register(ctx, tr.ID, "a")
	if err := e.svc.Register(ctx, tr.ID, "a"); !errors.Is(err, domain.ErrAlreadyRegistered) {
		t.Fatalf("duplicate: %v", err)
	}
	_ = e.svc.Register(ctx, tr.ID, "b")
	if err := e.svc.Register(ctx, tr.ID, "c"); !errors.Is(err, domain.ErrTournamentFull) {
		t.Fatalf("full: %v", err)
	}
	if err := e.svc.Withdraw(ctx, tr.ID, "b"); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if err := e.svc.Register(ctx, tr.ID, "c"); err != nil {
		t.Fatalf("register after withdraw: %v", err)
	}
	if _, err := e.svc.Get("missing"); !errors.Is(err, domain.ErrTournamentNotFound) {
		t.Fatalf("missing: %v", err)
	}
}

type stalledStore struct {
	Store
	release chan struct{}
	mu      sync.Mutex
	saves   int
}

func (s *stalledStore) SaveTournament(ctx context.Context, t *Tournament) error {
	<-s.release
	s.mu.Lock()
	s.saves++
	s.mu.Unlock()
	return s.Store.SaveTournament(ctx, t)
}

func TestSlowStoreDoesNotHoldTournament(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ratings := rating.NewService(rating.NewMemoryStore(), rating.WithClock(clock))
	reg := session.NewRegistry(session.Deps{Clock: clock, Ratings: ratings})
	defer reg.Close()
	store := &stalledStore{Store: NewMemoryStore(), release: make(chan struct{})}
	svc := NewService(reg, ratings, WithClock(clock), WithStore(store))

	tc, _ := domain.ParseTimeControl("5+0")
	tr, err := svc.Create(context.Background(), Config{Name: "Crowded", TimeControl: tc, TotalRounds: 1})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 400; i++ {
			if err := svc.Register(context.Background(), tr.ID, fmt.Sprintf("p%03d", i)); err != nil {
				t.Errorf("register %d: %v", i, err)
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("registrations stalled behind the store")
	}
	got, err := svc.Get(tr.ID)
	if err != nil || len(got.Participants) != 400 {
		t.Fatalf("get = %d participants, %v", len(got.Participants), err)
	}

	close(store.release)
	svc.Close()
	saved, err := store.LoadTournaments(context.Background())
	if err != nil || len(saved) != 1 || len(saved[0].Participants) != 400 {
		t.Fatalf("saved = %+v, %v", saved, err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.saves > 3 {
		t.Fatalf("saves = %d, want pending snapshots coalesced", store.saves)
	}
}
