package challenge

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/park285/cheese-chess-server/internal/domain"
	"github.com/park285/cheese-chess-server/internal/session"
)

func newTestManager(t *testing.T) (*Manager, *session.Registry, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	reg := session.NewRegistry(session.Deps{Clock: clock})
	t.Cleanup(reg.Close)
	return NewManager(reg, WithClock(clock), WithColorSource(func() bool { return false })), reg, clock
}

func TestCreateAcceptStartsGame(t *testing.T) {
	m, reg, _ := newTestManager(t)
	ch, err := m.Create("u1", "u2", ColorBlack, "3+2", true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got, ok := m.Pending("u2"); !ok || got.ID != ch.ID {
		t.Fatalf("Pending = %+v, %v", got, ok)
	}

	acc, sess, err := m.Accept("u2", ch.ID)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if acc.Status != StatusAccepted || acc.GameID != sess.ID() {
		t.Fatalf("accepted = %+v", acc)
	}
	white, black := sess.Players()
	if white != "u2" || black != "u1" {
		t.Fatalf("colors = %s/%s, challenger asked for black", white, black)
	}
	if !sess.Spec().Rated || reg.Count() != 1 {
		t.Fatalf("spec = %+v, live = %d", sess.Spec(), reg.Count())
	}
	if _, ok := m.Pending("u2"); ok {
		t.Fatalf("challenge still pending after accept")
	}
}

func TestRandomColorUsesSource(t *testing.T) {
	m, _, _ := newTestManager(t)
	ch, _ := m.Create("u1", "u2", ParseColorChoice("?"), "5+0", false)
	_, sess, err := m.Accept("u2", ch.ID)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if white, _ := sess.Players(); white != "u2" {
		t.Fatalf("white = %s", white)
	}
}

func TestCreateRules(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, err := m.Create("u1", "u1", ColorWhite, "3+2", true); !errors.Is(err, domain.ErrSelfChallenge) {
		t.Fatalf("self: %v", err)
	}
	if _, err := m.Create("u1", "u2", ColorWhite, "bogus", true); !errors.Is(err, domain.ErrInvalidTimeControl) {
		t.Fatalf("time control: %v", err)
	}
	if _, err := m.Create("u1", "u2", ColorWhite, "3+2", true); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := m.Create("u3", "u2", ColorWhite, "3+2", true); !errors.Is(err, domain.ErrAlreadyPending) {
		t.Fatalf("second: %v", err)
	}
}

func TestDeclineAndWrongTarget(t *testing.T) {
	m, reg, _ := newTestManager(t)
	ch, _ := m.Create("u1", "u2", ColorWhite, "3+2", true)
	if _, _, err := m.Accept("u3", ch.ID); !errors.Is(err, domain.ErrChallengeNotFound) {
		t.Fatalf("wrong target: %v", err)
	}
	dec, err := m.Decline("u2", ch.ID)
	if err != nil || dec.Status != StatusDeclined {
		t.Fatalf("Decline = %+v, %v", dec, err)
	}
	if _, _, err := m.Accept("u2", ch.ID); !errors.Is(err, domain.ErrChallengeNotFound) {
		t.Fatalf("accept after decline: %v", err)
	}
	if reg.Count() != 0 {
		t.Fatalf("declined challenge started a game")
	}
}

func TestExpiry(t *testing.T) {
	m, _, clock := newTestManager(t)
	ch, _ := m.Create("u1", "u2", ColorWhite, "3+2", true)
	clock.Advance(DefaultTTL + time.Second)

	if _, _, err := m.Accept("u2", ch.ID); !errors.Is(err, domain.ErrChallengeNotFound) {
		t.Fatalf("expired accept: %v", err)
	}
	if _, err := m.Create("u3", "u2", ColorWhite, "3+2", true); err != nil {
		t.Fatalf("new challenge after expiry: %v", err)
	}
	expired := m.Sweep()
	if len(expired) != 1 || expired[0].ID != ch.ID || expired[0].Status != StatusExpired {
		t.Fatalf("Sweep = %+v", expired)
	}
}
