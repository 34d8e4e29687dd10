package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/park285/cheese-chess-server/internal/domain"
	"github.com/park285/cheese-chess-server/internal/obslog"
	"github.com/park285/cheese-chess-server/pkg/chessdto"
)

// settle runs once, on the session goroutine, after the loop exits with a
// completed game. Durability failures are logged; later steps still run.
func (r *Registry) settle(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), r.deps.SettleTimeout)
	defer cancel()

	log := obslog.L().With(zap.String("game_id", s.spec.ID))
	rec := s.record()

	var changes []domain.RatingChange
	if s.spec.Rated && r.deps.Ratings != nil && rec.Result != domain.ResultDoubleForfeit && rec.Reason != domain.ReasonForfeit {
		w, b, err := r.deps.Ratings.ApplyResult(ctx, s.bucket, rec.WhiteID, rec.BlackID, rec.Result)
		if err != nil {
			log.Error("settle_rating_failed", zap.Error(err))
		} else {
			changes = []domain.RatingChange{w, b}
			rec.WhiteBefore, rec.WhiteAfter = w.Before, w.After
			rec.BlackBefore, rec.BlackAfter = b.Before, b.After
		}
	}

	if r.deps.Games != nil {
		if err := r.deps.Games.SaveGame(ctx, rec); err != nil {
			log.Error("settle_save_failed", zap.Error(err))
		}
	}
	if r.deps.Archive != nil {
		if err := r.deps.Archive.ArchivePGN(ctx, rec); err != nil {
			log.Warn("settle_archive_failed", zap.Error(err))
		}
	}
	if t := r.tournament(); t != nil && rec.TournamentID != "" && rec.Reason != domain.ReasonForfeit {
		if err := t.RecordResult(ctx, rec.ID, rec.Result); err != nil {
			log.Error("settle_tournament_failed", zap.Error(err))
		}
	}
	if r.deps.Results != nil {
		if err := r.deps.Results.PublishGameResult(ctx, rec, changes); err != nil {
			log.Warn("settle_publish_failed", zap.Bool("retryable", domain.IsRetryable(err)), zap.Error(err))
		}
	}

	over := chessdto.GameOver{GameID: rec.ID, Result: string(rec.Result), Reason: string(rec.Reason)}
	for _, c := range changes {
		over.RatingChanges = append(over.RatingChanges, chessdto.RatingChange{
			PlayerID: c.PlayerID, Before: c.Before, After: c.After, Delta: c.Delta,
		})
	}
	r.deps.Publisher.Publish(rec.ID, chessdto.TypeGameOver, over)

	if r.deps.Snapshots != nil {
		if f := s.final.Load(); f != nil {
			r.deps.Snapshots.Finish(*f)
		}
	}
	r.evict(s)
	r.deps.Metrics.GameFinished(string(rec.Reason))
	log.Info("game_settled",
		zap.String("result", string(rec.Result)),
		zap.String("reason", string(rec.Reason)),
		zap.Int("ratings", len(changes)),
	)
}

// record builds the persisted form. Only called after the loop has exited.
func (s *Session) record() *domain.GameRecord {
	rec := &domain.GameRecord{
		ID:           s.spec.ID,
		WhiteID:      s.spec.WhiteID,
		BlackID:      s.spec.BlackID,
		TimeControl:  s.spec.TimeControl.String(),
		Bucket:       s.bucket,
		Rated:        s.spec.Rated,
		TournamentID: s.spec.TournamentID,
		Round:        s.spec.Round,
		Result:       s.result,
		Reason:       s.reason,
		FEN:          s.board.FEN(),
		MovesUCI:     s.board.MovesUCI(),
		MovesSAN:     s.board.MovesSAN(),
		StartedAt:    s.startedAt,
		EndedAt:      s.endedAt,
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = s.createdAt
	}
	rec.PGN = BuildPGN(rec)
	return rec
}
