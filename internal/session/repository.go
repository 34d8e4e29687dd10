package session

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/park285/cheese-chess-server/internal/domain"
)

const gamesSchema = `CREATE TABLE IF NOT EXISTS games (
    game_id       TEXT PRIMARY KEY,
    white_id      TEXT NOT NULL,
    black_id      TEXT NOT NULL,
    time_control  TEXT NOT NULL,
    bucket        TEXT NOT NULL,
    rated         BOOLEAN NOT NULL,
    tournament_id TEXT NOT NULL DEFAULT '',
    round         INTEGER NOT NULL DEFAULT 0,
    result        TEXT NOT NULL,
    reason        TEXT NOT NULL,
    final_fen     TEXT NOT NULL,
    moves_uci     JSONB NOT NULL,
    moves_san     JSONB NOT NULL,
    pgn           TEXT NOT NULL,
    white_before  DOUBLE PRECISION,
    white_after   DOUBLE PRECISION,
    black_before  DOUBLE PRECISION,
    black_after   DOUBLE PRECISION,
    started_at    TIMESTAMPTZ NOT NULL,
    ended_at      TIMESTAMPTZ NOT NULL,
    duration_ms   BIGINT NOT NULL
)`

// Repository persists completed games with lib/pq.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, gamesSchema)
	return err
}

// SaveGame upserts a completed game.
func (r *Repository) SaveGame(ctx context.Context, g *domain.GameRecord) error {
	if r == nil || r.db == nil || g == nil {
		return nil
	}
	movesUCI, err := json.Marshal(g.MovesUCI)
	if err != nil {
		return err
	}
	movesSAN, err := json.Marshal(g.MovesSAN)
	if err != nil {
		return err
	}
	duration := g.EndedAt.Sub(g.StartedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}

	q := `INSERT INTO games (
        game_id, white_id, black_id, time_control, bucket, rated,
        tournament_id, round, result, reason, final_fen,
        moves_uci, moves_san, pgn,
        white_before, white_after, black_before, black_after,
        started_at, ended_at, duration_ms
      ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21
      ) ON CONFLICT (game_id) DO UPDATE SET
        result=EXCLUDED.result,
        reason=EXCLUDED.reason,
        final_fen=EXCLUDED.final_fen,
        moves_uci=EXCLUDED.moves_uci,
        moves_san=EXCLUDED.moves_san,
        pgn=EXCLUDED.pgn,
        white_before=EXCLUDED.white_before,
        white_after=EXCLUDED.white_after,
        black_before=EXCLUDED.black_before,
        black_after=EXCLUDED.black_after,
        ended_at=EXCLUDED.ended_at,
        duration_ms=EXCLUDED.duration_ms`

	_, err = r.db.ExecContext(ctx, q,
		g.ID, g.WhiteID, g.BlackID, g.TimeControl, string(g.Bucket), g.Rated,
		g.TournamentID, g.Round, string(g.Result), string(g.Reason), g.FEN,
		string(movesUCI), string(movesSAN), g.PGN,
		nullRating(g.WhiteBefore), nullRating(g.WhiteAfter), nullRating(g.BlackBefore), nullRating(g.BlackAfter),
		g.StartedAt, g.EndedAt, duration,
	)
	return err
}

// nullRating stores unrated games with NULL rating columns.
func nullRating(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: v != 0}
}
