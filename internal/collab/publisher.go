package collab

import (
	"context"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/park285/cheese-chess-server/internal/domain"
	"github.com/park285/cheese-chess-server/internal/tournament"
)

type GameResult struct {
	GameID        string                `json:"gameId"`
	WhiteID       string                `json:"whiteId"`
	BlackID       string                `json:"blackId"`
	TimeControl   string                `json:"timeControl"`
	Bucket        domain.Bucket         `json:"bucket"`
	Rated         bool                  `json:"rated"`
	TournamentID  string                `json:"tournamentId,omitempty"`
	Round         int                   `json:"round,omitempty"`
	Result        domain.Result         `json:"result"`
	Reason        domain.Reason         `json:"reason"`
	Moves         int                   `json:"moves"`
	PGN           string                `json:"pgn"`
	RatingChanges []domain.RatingChange `json:"ratingChanges,omitempty"`
	EndedAt       time.Time             `json:"endedAt"`
}

type StandingsReport struct {
	TournamentID string                `json:"tournamentId"`
	Slug         string                `json:"slug"`
	Name         string                `json:"name"`
	Rounds       int                   `json:"rounds"`
	CompletedAt  time.Time             `json:"completedAt"`
	Standings    []tournament.Standing `json:"standings"`
}

// Publisher posts settlement events. Both calls retry on transient failure
// and carry an idempotency key derived from the event, so a retried or
// replayed delivery is recognisable downstream.
type Publisher struct {
	c *Client
}

func NewPublisher(c *Client) *Publisher { return &Publisher{c: c} }

func (p *Publisher) PublishGameResult(ctx context.Context, rec *domain.GameRecord, changes []domain.RatingChange) error {
	body := GameResult{
		GameID:        rec.ID,
		WhiteID:       rec.WhiteID,
		BlackID:       rec.BlackID,
		TimeControl:   rec.TimeControl,
		Bucket:        rec.Bucket,
		Rated:         rec.Rated,
		TournamentID:  rec.TournamentID,
		Round:         rec.Round,
		Result:        rec.Result,
		Reason:        rec.Reason,
		Moves:         len(rec.MovesUCI),
		PGN:           rec.PGN,
		RatingChanges: changes,
		EndedAt:       rec.EndedAt,
	}
	return p.c.do(ctx, call{
		op:     "game result",
		method: fasthttp.MethodPost,
		path:   "/games/results",
		key:    GameResultKey(rec.ID),
		body:   body,
	})
}

func (p *Publisher) PublishStandings(ctx context.Context, t *tournament.Tournament) error {
	body := StandingsReport{
		TournamentID: t.ID,
		Slug:         t.Slug,
		Name:         t.Name,
		Rounds:       t.CurrentRound,
		CompletedAt:  t.CompletedAt,
		Standings:    t.Standings,
	}
	return p.c.do(ctx, call{
		op:     "standings",
		method: fasthttp.MethodPost,
		path:   "/tournaments/standings",
		key:    StandingsKey(t.ID, t.CurrentRound),
		body:   body,
	})
}

// GameResultKey identifies the one result event of a game.
func GameResultKey(gameID string) string { return "game-result:" + gameID }

// StandingsKey identifies the standings of a tournament after round.
func StandingsKey(tournamentID string, round int) string {
	return "standings:" + tournamentID + ":" + strconv.Itoa(round)
}
