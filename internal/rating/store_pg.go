package rating

import (
	"context"
	"database/sql"
	"errors"

	"github.com/park285/cheese-chess-server/internal/domain"
)

const ratingSchema = `CREATE TABLE IF NOT EXISTS player_ratings (
    player_id    TEXT NOT NULL,
    bucket       TEXT NOT NULL,
    rating       DOUBLE PRECISION NOT NULL,
    rd           DOUBLE PRECISION NOT NULL,
    volatility   DOUBLE PRECISION NOT NULL,
    games_played INTEGER NOT NULL DEFAULT 0,
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (player_id, bucket)
)`

type pgStore struct {
	db *sql.DB
}

// NewPostgresStore returns a Store over the player_ratings table.
func NewPostgresStore(db *sql.DB) Store {
	return &pgStore{db: db}
}

// EnsureSchema creates player_ratings when missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, ratingSchema)
	return err
}

func (r *pgStore) Get(ctx context.Context, playerID string, bucket domain.Bucket) (domain.RatingRecord, bool, error) {
	rec := domain.RatingRecord{PlayerID: playerID, Bucket: bucket}
	err := r.db.QueryRowContext(ctx,
		`SELECT rating, rd, volatility, games_played, updated_at
           FROM player_ratings WHERE player_id = $1 AND bucket = $2`,
		playerID, string(bucket),
	).Scan(&rec.Rating, &rec.RD, &rec.Volatility, &rec.GamesPlayed, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RatingRecord{}, false, nil
	}
	if err != nil {
		return domain.RatingRecord{}, false, err
	}
	return rec, true, nil
}

func (r *pgStore) Put(ctx context.Context, rec domain.RatingRecord) error {
	q := `INSERT INTO player_ratings (
        player_id, bucket, rating, rd, volatility, games_played, updated_at
      ) VALUES ($1,$2,$3,$4,$5,$6,$7)
      ON CONFLICT (player_id, bucket) DO UPDATE SET
        rating=EXCLUDED.rating,
        rd=EXCLUDED.rd,
        volatility=EXCLUDED.volatility,
        games_played=EXCLUDED.games_played,
        updated_at=EXCLUDED.updated_at`
	_, err := r.db.ExecContext(ctx, q,
		rec.PlayerID, string(rec.Bucket),
		rec.Rating, rec.RD, rec.Volatility, rec.GamesPlayed, rec.UpdatedAt,
	)
	return err
}
