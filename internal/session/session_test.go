package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/park285/cheese-chess-server/internal/domain"
	"github.com/park285/cheese-chess-server/internal/rating"
	"github.com/park285/cheese-chess-server/internal/rules"
	"github.com/park285/cheese-chess-server/pkg/chessdto"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
	over   chan chessdto.GameOver
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{over: make(chan chessdto.GameOver, 8)}
}

func (p *recordingPublisher) Publish(_ string, msgType string, payload any) {
	p.mu.Lock()
	p.events = append(p.events, msgType)
	p.mu.Unlock()
	if msgType == chessdto.TypeGameOver {
		p.over <- payload.(chessdto.GameOver)
	}
}

func (p *recordingPublisher) count(msgType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e == msgType {
			n++
		}
	}
	return n
}

type memGames struct {
	mu    sync.Mutex
	saved []*domain.GameRecord
}

func (m *memGames) SaveGame(_ context.Context, rec *domain.GameRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, rec)
	return nil
}

func (m *memGames) all() []*domain.GameRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.GameRecord(nil), m.saved...)
}

type memReporter struct {
	mu      sync.Mutex
	results map[string]domain.Result
}

func (m *memReporter) RecordResult(_ context.Context, gameID string, result domain.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.results == nil {
		m.results = map[string]domain.Result{}
	}
	m.results[gameID] = result
	return nil
}

type fixture struct {
	clock *clockwork.FakeClock
	pub   *recordingPublisher
	games *memGames
	reg   *Registry
}

func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
	t.Helper()
	f := &fixture{
		clock: clockwork.NewFakeClock(),
		pub:   newRecordingPublisher(),
		games: &memGames{},
	}
	deps := Deps{
		Clock:           f.clock,
		Publisher:       f.pub,
		Games:           f.games,
		ReconnectWindow: time.Minute,
		TickInterval:    100 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&deps)
	}
	f.reg = NewRegistry(deps)
	t.Cleanup(f.reg.Close)
	return f
}

func (f *fixture) start(t *testing.T, spec Spec) *Session {
	t.Helper()
	s, err := f.reg.Create(spec)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ctx := context.Background()
	if _, err := s.Join(ctx, spec.WhiteID); err != nil {
		t.Fatalf("join white: %v", err)
	}
	if _, err := s.Join(ctx, spec.BlackID); err != nil {
		t.Fatalf("join black: %v", err)
	}
	return s
}

func (f *fixture) waitOver(t *testing.T) chessdto.GameOver {
	t.Helper()
	select {
	case over := <-f.pub.over:
		return over
	case <-time.After(2 * time.Second):
		t.Fatalf("game did not settle")
	}
	return chessdto.GameOver{}
}

func tc(t *testing.T, raw string) domain.TimeControl {
	t.Helper()
	v, err := domain.ParseTimeControl(raw)
	if err != nil {
		t.Fatalf("time control %q: %v", raw, err)
	}
	return v
}

func TestMove_WrongSideLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, nil)
	s := f.start(t, Spec{WhiteID: "w", BlackID: "b", TimeControl: tc(t, "3+2")})
	ctx := context.Background()

	before, _ := s.Snapshot(ctx)
	if _, err := s.Move(ctx, "b", "e7e5"); !errors.Is(err, domain.ErrNotYourTurn) {
		t.Fatalf("expected NOT_YOUR_TURN, got %v", err)
	}
	if _, err := s.Move(ctx, "spectator", "e2e4"); !errors.Is(err, domain.ErrNotYourTurn) {
		t.Fatalf("spectator move: expected NOT_YOUR_TURN, got %v", err)
	}
	if _, err := s.Move(ctx, "w", "e2e5"); !errors.Is(err, domain.ErrIllegalMove) {
		t.Fatalf("expected ILLEGAL_MOVE, got %v", err)
	}
	after, _ := s.Snapshot(ctx)
	if after.FEN != before.FEN || len(after.MovesUCI) != 0 || after.Turn != "white" {
		t.Fatalf("state changed: %+v", after)
	}
}

func TestMove_AddsIncrementAfterCharging(t *testing.T) {
	f := newFixture(t, nil)
	s := f.start(t, Spec{WhiteID: "w", BlackID: "b", TimeControl: tc(t, "3+2")})
	ctx := context.Background()

	f.clock.Advance(5 * time.Second)
	mv, err := s.Move(ctx, "w", "e4")
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if mv.Move != "e2e4" || mv.SAN != "e4" {
		t.Fatalf("unexpected notation: %+v", mv)
	}
	if mv.Clocks.WhiteMs != 177_000 || mv.Clocks.BlackMs != 180_000 {
		t.Fatalf("clocks = %+v", mv.Clocks)
	}
	if mv.Turn != "black" || mv.Ply != 1 {
		t.Fatalf("turn/ply = %s/%d", mv.Turn, mv.Ply)
	}
}

func TestClock_DoesNotRunUntilBothJoin(t *testing.T) {
	f := newFixture(t, nil)
	s, err := f.reg.Create(Spec{WhiteID: "w", BlackID: "b", TimeControl: tc(t, "1+0"), TournamentID: "t1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ctx := context.Background()
	if _, err := s.Join(ctx, "w"); err != nil {
		t.Fatalf("join: %v", err)
	}
	f.clock.Advance(10 * time.Minute)
	st, _ := s.Snapshot(ctx)
	if st.Status != string(domain.StatusActive) || st.ClockRunning || st.Clocks.WhiteMs != 60_000 {
		t.Fatalf("clock ran before both joined: %+v", st)
	}
}

func TestDrawProtocol(t *testing.T) {
	f := newFixture(t, nil)
	s := f.start(t, Spec{WhiteID: "w", BlackID: "b", TimeControl: tc(t, "5+0")})
	ctx := context.Background()

	if err := s.AcceptDraw(ctx, "b"); !errors.Is(err, domain.ErrNoDrawOffer) {
		t.Fatalf("accept without offer: %v", err)
	}
	if err := s.OfferDraw(ctx, "w"); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if err := s.OfferDraw(ctx, "w"); err != nil {
		t.Fatalf("repeat offer: %v", err)
	}
	if f.pub.count(chessdto.TypeDrawOffered) != 1 {
		t.Fatalf("repeat offer should be a no-op")
	}
	if err := s.AcceptDraw(ctx, "w"); !errors.Is(err, domain.ErrNoDrawOffer) {
		t.Fatalf("self accept: %v", err)
	}
	// a move withdraws the standing offer
	if _, err := s.Move(ctx, "w", "e4"); err != nil {
		t.Fatalf("move: %v", err)
	}
	if err := s.AcceptDraw(ctx, "b"); !errors.Is(err, domain.ErrNoDrawOffer) {
		t.Fatalf("offer survived a move: %v", err)
	}
	if err := s.OfferDraw(ctx, "b"); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if err := s.DeclineDraw(ctx, "w"); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if err := s.OfferDraw(ctx, "w"); err != nil {
		t.Fatalf("offer: %v", err)
	}
	// crossing offer counts as acceptance
	if err := s.OfferDraw(ctx, "b"); err != nil {
		t.Fatalf("crossing offer: %v", err)
	}
	over := f.waitOver(t)
	if over.Result != string(domain.ResultDraw) || over.Reason != string(domain.ReasonDrawAgreement) {
		t.Fatalf("game over = %+v", over)
	}
	if _, err := s.Move(ctx, "b", "e5"); !errors.Is(err, domain.ErrGameAlreadyOver) {
		t.Fatalf("move after end: %v", err)
	}
}

func TestTimeout_LosesOnFlag(t *testing.T) {
	f := newFixture(t, nil)
	s := f.start(t, Spec{WhiteID: "w", BlackID: "b", TimeControl: tc(t, "1+0")})

	f.clock.Advance(61 * time.Second)
	_, err := s.Move(context.Background(), "w", "e4")
	if !errors.Is(err, domain.ErrGameAlreadyOver) {
		t.Fatalf("move after flag: %v", err)
	}
	over := f.waitOver(t)
	if over.Result != string(domain.ResultBlackWins) || over.Reason != string(domain.ReasonTimeout) {
		t.Fatalf("game over = %+v", over)
	}
	st, err := s.Snapshot(context.Background())
	if err != nil || st.Clocks.WhiteMs != 0 {
		t.Fatalf("final snapshot = %+v, %v", st, err)
	}
}

func TestDisconnect_AbandonmentSettlesOnce(t *testing.T) {
	f := newFixture(t, nil)
	s := f.start(t, Spec{WhiteID: "w", BlackID: "b", TimeControl: tc(t, "10+0")})
	ctx := context.Background()

	if err := s.Disconnect(ctx, "b"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	// a second disconnect does not open another window
	if err := s.Disconnect(ctx, "w"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	f.clock.Advance(time.Minute)
	over := f.waitOver(t)
	if over.Result != string(domain.ResultWhiteWins) || over.Reason != string(domain.ReasonAbandonment) {
		t.Fatalf("game over = %+v", over)
	}
	f.clock.Advance(5 * time.Minute)
	if n := len(f.games.all()); n != 1 {
		t.Fatalf("saved %d records, want 1", n)
	}
	deadline := time.Now().Add(2 * time.Second)
	for f.reg.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session not evicted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDisconnect_ReconnectCancelsWindow(t *testing.T) {
	f := newFixture(t, nil)
	s := f.start(t, Spec{WhiteID: "w", BlackID: "b", TimeControl: tc(t, "10+0")})
	ctx := context.Background()

	if err := s.Disconnect(ctx, "w"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	f.clock.Advance(30 * time.Second)
	st, err := s.Join(ctx, "w")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if st.DisconnectedSide != "" {
		t.Fatalf("window not cleared: %+v", st)
	}
	f.clock.Advance(2 * time.Minute)
	st, _ = s.Snapshot(ctx)
	if st.Status != string(domain.StatusActive) {
		t.Fatalf("game ended after reconnect: %+v", st)
	}
	if f.pub.count(chessdto.TypeOpponentBack) != 1 {
		t.Fatalf("missing reconnect event")
	}
}

func TestNoShow_JoinedSideWins(t *testing.T) {
	f := newFixture(t, nil)
	s, err := f.reg.Create(Spec{WhiteID: "w", BlackID: "b", TimeControl: tc(t, "5+0"), Rated: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Join(context.Background(), "b"); err != nil {
		t.Fatalf("join: %v", err)
	}
	f.clock.Advance(time.Minute)
	over := f.waitOver(t)
	if over.Result != string(domain.ResultBlackWins) || over.Reason != string(domain.ReasonAbandonment) {
		t.Fatalf("game over = %+v", over)
	}
}

func TestCheckmate_SettlesRatingAndTournament(t *testing.T) {
	reporter := &memReporter{}
	ratings := rating.NewService(rating.NewMemoryStore())
	f := newFixture(t, func(d *Deps) {
		d.Ratings = ratings
		d.Tournament = reporter
	})
	s := f.start(t, Spec{WhiteID: "w", BlackID: "b", TimeControl: tc(t, "3+0"), Rated: true, TournamentID: "t1", Round: 2})
	ctx := context.Background()

	for i, mv := range []string{"f3", "e5", "g4", "Qh4#"} {
		player := "w"
		if i%2 == 1 {
			player = "b"
		}
		if _, err := s.Move(ctx, player, mv); err != nil {
			t.Fatalf("move %s: %v", mv, err)
		}
	}
	over := f.waitOver(t)
	if over.Result != string(domain.ResultBlackWins) || over.Reason != string(domain.ReasonCheckmate) {
		t.Fatalf("game over = %+v", over)
	}
	if len(over.RatingChanges) != 2 || over.RatingChanges[1].Delta <= 0 {
		t.Fatalf("rating changes = %+v", over.RatingChanges)
	}
	recs := f.games.all()
	if len(recs) != 1 || recs[0].BlackAfter <= recs[0].BlackBefore {
		t.Fatalf("records = %+v", recs)
	}
	if !strings.Contains(recs[0].PGN, "2. g4 Qh4# 0-1") || !strings.Contains(recs[0].PGN, `[Round "2"]`) {
		t.Fatalf("pgn = %s", recs[0].PGN)
	}
	reporter.mu.Lock()
	got := reporter.results[s.ID()]
	reporter.mu.Unlock()
	if got != domain.ResultBlackWins {
		t.Fatalf("tournament result = %q", got)
	}
	rec, _ := ratings.Lookup(ctx, "b", domain.BucketBlitz)
	if rec.GamesPlayed != 1 {
		t.Fatalf("games played = %d", rec.GamesPlayed)
	}
}

func TestAbort_SkipsRatingAndTournament(t *testing.T) {
	reporter := &memReporter{}
	ratings := rating.NewService(rating.NewMemoryStore())
	f := newFixture(t, func(d *Deps) {
		d.Ratings = ratings
		d.Tournament = reporter
	})
	s := f.start(t, Spec{WhiteID: "w", BlackID: "b", TimeControl: tc(t, "3+0"), Rated: true, TournamentID: "t1", Round: 1})

	if err := f.reg.Abort(context.Background(), s.ID(), domain.ResultWhiteWins); err != nil {
		t.Fatalf("abort: %v", err)
	}
	over := f.waitOver(t)
	if over.Reason != string(domain.ReasonForfeit) || len(over.RatingChanges) != 0 {
		t.Fatalf("game over = %+v", over)
	}
	reporter.mu.Lock()
	defer reporter.mu.Unlock()
	if len(reporter.results) != 0 {
		t.Fatalf("forfeit reported to tournament")
	}
}

func TestMove_ConcurrentSubmissionsApplyOnce(t *testing.T) {
	f := newFixture(t, nil)
	s := f.start(t, Spec{WhiteID: "w", BlackID: "b", TimeControl: tc(t, "5+0")})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Move(context.Background(), "w", "e2e4")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	ok := 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrNotYourTurn):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("applied %d times", ok)
	}
}

func TestRegistry_BusyPerBucket(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.reg.Create(Spec{WhiteID: "a", BlackID: "b", TimeControl: tc(t, "3+2")}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.reg.Create(Spec{WhiteID: "c", BlackID: "a", TimeControl: tc(t, "3+0")}); !errors.Is(err, domain.ErrPlayerBusy) {
		t.Fatalf("expected PLAYER_BUSY, got %v", err)
	}
	if _, err := f.reg.Create(Spec{WhiteID: "a", BlackID: "c", TimeControl: tc(t, "10+0")}); err != nil {
		t.Fatalf("rapid game should be allowed: %v", err)
	}
	if _, err := f.reg.Create(Spec{WhiteID: "x", BlackID: "x", TimeControl: tc(t, "10+0")}); !errors.Is(err, domain.ErrBadRequest) {
		t.Fatalf("self game: %v", err)
	}
	if len(f.reg.ActiveFor("a")) != 2 || f.reg.Count() != 2 {
		t.Fatalf("registry bookkeeping off")
	}
}

func TestMove_RejectedTurnLeavesClocks(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.TickInterval = time.Hour })
	s := f.start(t, Spec{WhiteID: "w", BlackID: "b", TimeControl: tc(t, "3+0")})
	ctx := context.Background()

	f.clock.Advance(7 * time.Second)
	for _, who := range []string{"b", "spectator"} {
		if _, err := s.Move(ctx, who, "e7e5"); !errors.Is(err, domain.ErrNotYourTurn) {
			t.Fatalf("%s: %v", who, err)
		}
	}
	var white, black time.Duration
	_ = s.do(ctx, func() error {
		white, black = s.whiteLeft, s.blackLeft
		return nil
	})
	if white != 3*time.Minute || black != 3*time.Minute {
		t.Fatalf("clocks moved on a rejected move: %v/%v", white, black)
	}
	mv, err := s.Move(ctx, "w", "e2e4")
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if mv.Clocks.WhiteMs != 173_000 {
		t.Fatalf("white clock = %d", mv.Clocks.WhiteMs)
	}
}

type positionEngine string

func (p positionEngine) NewBoard() rules.Board {
	b, err := rules.BoardFromFEN(string(p))
	if err != nil {
		panic(err)
	}
	return b
}

func TestStalemate_EndsInDraw(t *testing.T) {
	reporter := &memReporter{}
	f := newFixture(t, func(d *Deps) {
		d.Engine = positionEngine("7k/8/6K1/8/8/8/5Q2/8 w - - 0 1")
		d.Tournament = reporter
	})
	s := f.start(t, Spec{WhiteID: "w", BlackID: "b", TimeControl: tc(t, "3+0"), TournamentID: "t1", Round: 1})

	if _, err := s.Move(context.Background(), "w", "Qf7"); err != nil {
		t.Fatalf("move: %v", err)
	}
	over := f.waitOver(t)
	if over.Result != string(domain.ResultDraw) || over.Reason != string(domain.ReasonStalemate) {
		t.Fatalf("game over = %+v", over)
	}
	reporter.mu.Lock()
	defer reporter.mu.Unlock()
	if reporter.results[s.ID()] != domain.ResultDraw {
		t.Fatalf("tournament result = %q", reporter.results[s.ID()])
	}
}
