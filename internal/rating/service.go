// Package rating implements Glicko-2 updates and their settlement against a store.
package rating

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/cheese-chess-server/internal/domain"
	"github.com/park285/cheese-chess-server/internal/keylock"
	"github.com/park285/cheese-chess-server/internal/obslog"
)

// Service reads, updates and writes rating records. Settlement for one
// player in one bucket is serialized by a keyed lock held across the
// fetch-compute-write sequence.
type Service struct {
	store Store
	locks *keylock.Map
	clock clockwork.Clock
}

type Option func(*Service)

func WithClock(c clockwork.Clock) Option { return func(s *Service) { s.clock = c } }

func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store, locks: keylock.New(), clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Lookup returns the player's record in bucket, or the starting record.
func (s *Service) Lookup(ctx context.Context, playerID string, bucket domain.Bucket) (domain.RatingRecord, error) {
	rec, found, err := s.store.Get(ctx, playerID, bucket)
	if err != nil {
		return domain.RatingRecord{}, fmt.Errorf("rating lookup %s/%s: %w", playerID, bucket, err)
	}
	if !found {
		return domain.NewRatingRecord(playerID, bucket), nil
	}
	return rec, nil
}

// ApplyResult settles one rated game. A double forfeit carries no rating information
// and is rejected.
func (s *Service) ApplyResult(ctx context.Context, bucket domain.Bucket, whiteID, blackID string, result domain.Result) (white, black domain.RatingChange, err error) {
	var scoreWhite float64
	switch result {
	case domain.ResultWhiteWins:
		scoreWhite = 1
	case domain.ResultBlackWins:
		scoreWhite = 0
	case domain.ResultDraw:
		scoreWhite = 0.5
	default:
		return white, black, fmt.Errorf("%w: unrated result %q", domain.ErrBadRequest, result)
	}

	unlock := s.locks.LockAll(lockKey(whiteID, bucket), lockKey(blackID, bucket))
	defer unlock()

	wr, err := s.Lookup(ctx, whiteID, bucket)
	if err != nil {
		return white, black, err
	}
	br, err := s.Lookup(ctx, blackID, bucket)
	if err != nil {
		return white, black, err
	}

	nw, nb := Update(estimateOf(wr), estimateOf(br), scoreWhite)
	now := s.clock.Now()
	wNext := apply(wr, nw, now)
	bNext := apply(br, nb, now)

	if err := s.store.Put(ctx, wNext); err != nil {
		return white, black, fmt.Errorf("rating write %s: %w", whiteID, err)
	}
	if err := s.store.Put(ctx, bNext); err != nil {
		return white, black, fmt.Errorf("rating write %s: %w", blackID, err)
	}

	white, black = change(wr, wNext), change(br, bNext)
	obslog.L().Info("rating_update",
		zap.String("bucket", string(bucket)),
		zap.String("white_id", whiteID),
		zap.String("black_id", blackID),
		zap.String("result", string(result)),
		zap.Float64("white_delta", white.Delta),
		zap.Float64("black_delta", black.Delta),
	)
	return white, black, nil
}

func estimateOf(r domain.RatingRecord) Estimate {
	return Estimate{Rating: r.Rating, RD: r.RD, Volatility: r.Volatility}
}

func apply(r domain.RatingRecord, e Estimate, now time.Time) domain.RatingRecord {
	r.Rating, r.RD, r.Volatility = e.Rating, e.RD, e.Volatility
	r.GamesPlayed++
	r.UpdatedAt = now
	return r
}

func change(before, after domain.RatingRecord) domain.RatingChange {
	return domain.RatingChange{
		PlayerID: before.PlayerID,
		Bucket:   before.Bucket,
		Before:   before.Rating,
		After:    after.Rating,
		RDBefore: before.RD,
		RDAfter:  after.RD,
		Delta:    after.Rating - before.Rating,
	}
}

func lockKey(playerID string, bucket domain.Bucket) string {
	return string(bucket) + "|" + playerID
}
