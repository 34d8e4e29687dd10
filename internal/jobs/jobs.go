// Package jobs runs the periodic maintenance passes on a gocron scheduler.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/park285/cheese-chess-server/internal/challenge"
	"github.com/park285/cheese-chess-server/internal/obslog"
)

type MatchSweeper interface {
	Sweep()
}

type ForfeitSweeper interface {
	SweepForfeits(ctx context.Context)
}

type ChallengeSweeper interface {
	Sweep() []challenge.Challenge
}

type Config struct {
	MatchInterval     time.Duration
	ForfeitInterval   time.Duration
	ChallengeInterval time.Duration
}

type Deps struct {
	Matchmaking MatchSweeper
	Tournaments ForfeitSweeper
	Challenges  ChallengeSweeper
	// OnExpired is told about each challenge the sweep expired.
	OnExpired func(challenge.Challenge)
}

type Scheduler struct {
	sched gocron.Scheduler
	stop  context.CancelFunc
}

// Start registers every job whose dependency and interval are set and
// starts the scheduler. Runs of the same job never overlap.
func Start(cfg Config, deps Deps, opts ...gocron.SchedulerOption) (*Scheduler, error) {
	sched, err := gocron.NewScheduler(opts...)
	if err != nil {
		return nil, fmt.Errorf("new scheduler: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{sched: sched, stop: cancel}

	if deps.Matchmaking != nil && cfg.MatchInterval > 0 {
		if err := s.add("mm_sweep", cfg.MatchInterval, deps.Matchmaking.Sweep); err != nil {
			return nil, err
		}
	}
	if deps.Tournaments != nil && cfg.ForfeitInterval > 0 {
		if err := s.add("forfeit_sweep", cfg.ForfeitInterval, func() { deps.Tournaments.SweepForfeits(ctx) }); err != nil {
			return nil, err
		}
	}
	if deps.Challenges != nil && cfg.ChallengeInterval > 0 {
		err := s.add("challenge_sweep", cfg.ChallengeInterval, func() {
			for _, ch := range deps.Challenges.Sweep() {
				obslog.L().Info("challenge_expired", zap.String("challenge_id", ch.ID), zap.String("target_id", ch.TargetID))
				if deps.OnExpired != nil {
					deps.OnExpired(ch)
				}
			}
		})
		if err != nil {
			return nil, err
		}
	}
	sched.Start()
	return s, nil
}

func (s *Scheduler) add(name string, every time.Duration, fn func()) error {
	_, err := s.sched.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(fn),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		s.stop()
		_ = s.sched.Shutdown()
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	obslog.L().Info("job_scheduled", zap.String("job", name), zap.Duration("every", every))
	return nil
}

// Shutdown cancels in-flight sweeps and waits for running jobs to return.
func (s *Scheduler) Shutdown() error {
	s.stop()
	return s.sched.Shutdown()
}
