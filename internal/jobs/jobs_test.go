package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/park285/cheese-chess-server/internal/challenge"
)

type counter struct{ n atomic.Int64 }

func (c *counter) Sweep()                        { c.n.Add(1) }
func (c *counter) SweepForfeits(context.Context) { c.n.Add(1) }

type expiring struct{ sent atomic.Bool }

func (e *expiring) Sweep() []challenge.Challenge {
	if e.sent.Swap(true) {
		return nil
	}
	return []challenge.Challenge{{ID: "c1", TargetID: "u2"}}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartRunsEveryJob(t *testing.T) {
	mm, forfeits := &counter{}, &counter{}
	var expired atomic.Value
	s, err := Start(
		Config{MatchInterval: 10 * time.Millisecond, ForfeitInterval: 10 * time.Millisecond, ChallengeInterval: 10 * time.Millisecond},
		Deps{
			Matchmaking: mm,
			Tournaments: forfeits,
			Challenges:  &expiring{},
			OnExpired:   func(ch challenge.Challenge) { expired.Store(ch.ID) },
		},
	)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitUntil(t, func() bool { return mm.n.Load() >= 2 && forfeits.n.Load() >= 2 && expired.Load() != nil })
	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := expired.Load().(string); got != "c1" {
		t.Fatalf("expired = %q", got)
	}
}

func TestStartSkipsUnconfiguredJobs(t *testing.T) {
	mm := &counter{}
	s, err := Start(Config{}, Deps{Matchmaking: mm})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if jobs := s.sched.Jobs(); len(jobs) != 0 {
		t.Fatalf("jobs = %d", len(jobs))
	}
	_ = s.Shutdown()
}
