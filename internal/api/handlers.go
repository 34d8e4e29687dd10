package api

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/park285/cheese-chess-server/internal/domain"
	"github.com/park285/cheese-chess-server/internal/obslog"
	"github.com/park285/cheese-chess-server/internal/tournament"
)

type createTournamentRequest struct {
	Name         string `json:"name"`
	TimeControl  string `json:"timeControl"`
	TotalRounds  int    `json:"totalRounds"`
	MaxPlayers   int    `json:"maxPlayers"`
	ForfeitHours int    `json:"forfeitHours"`
}

// tournamentView adds the wire form of the time control.
type tournamentView struct {
	*tournament.Tournament
	TimeControl  string `json:"timeControl"`
	Bucket       string `json:"bucket"`
	ForfeitHours int    `json:"forfeitHours"`
}

func viewOf(t *tournament.Tournament) tournamentView {
	return tournamentView{
		Tournament:   t,
		TimeControl:  t.TimeControl.String(),
		Bucket:       string(t.TimeControl.Bucket()),
		ForfeitHours: int(t.ForfeitAfter / time.Hour),
	}
}

func (s *Server) health(c *fiber.Ctx) error {
	live := 0
	if s.deps.Games != nil {
		live = s.deps.Games.Count()
	}
	return c.JSON(fiber.Map{"status": "ok", "activeGames": live})
}

func (s *Server) listTournaments(c *fiber.Ctx) error {
	list := s.deps.Tournaments.List()
	out := make([]tournamentView, 0, len(list))
	for _, t := range list {
		out = append(out, viewOf(t))
	}
	return c.JSON(out)
}

func (s *Server) createTournament(c *fiber.Ctx) error {
	var req createTournamentRequest
	if err := c.BodyParser(&req); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBadRequest, err)
	}
	tc, err := domain.ParseTimeControl(req.TimeControl)
	if err != nil {
		return err
	}
	if req.ForfeitHours < 0 {
		return fmt.Errorf("%w: forfeitHours must not be negative", domain.ErrBadRequest)
	}
	ctx, cancel := s.ctx(c)
	defer cancel()
	t, err := s.deps.Tournaments.Create(ctx, tournament.Config{
		Name:         req.Name,
		TimeControl:  tc,
		TotalRounds:  req.TotalRounds,
		MaxPlayers:   req.MaxPlayers,
		ForfeitAfter: time.Duration(req.ForfeitHours) * time.Hour,
	})
	if err != nil {
		return err
	}
	obslog.L().Info("api_tournament_create", zap.String("tournament_id", t.ID), zap.String("by", playerOf(c)))
	return c.Status(fiber.StatusCreated).JSON(viewOf(t))
}

func (s *Server) getTournament(c *fiber.Ctx) error {
	t, err := s.deps.Tournaments.Get(c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(viewOf(t))
}

func (s *Server) register(c *fiber.Ctx) error {
	ctx, cancel := s.ctx(c)
	defer cancel()
	if err := s.deps.Tournaments.Register(ctx, c.Params("id"), playerOf(c)); err != nil {
		return err
	}
	return s.getTournament(c)
}

func (s *Server) withdraw(c *fiber.Ctx) error {
	ctx, cancel := s.ctx(c)
	defer cancel()
	if err := s.deps.Tournaments.Withdraw(ctx, c.Params("id"), playerOf(c)); err != nil {
		return err
	}
	return s.getTournament(c)
}

func (s *Server) start(c *fiber.Ctx) error {
	ctx, cancel := s.ctx(c)
	defer cancel()
	if err := s.deps.Tournaments.Start(ctx, c.Params("id")); err != nil {
		return err
	}
	return s.getTournament(c)
}

func (s *Server) standings(c *fiber.Ctx) error {
	rows, err := s.deps.Tournaments.Standings(c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(rows)
}

// getGame serves a live session first, then the last stored snapshot.
func (s *Server) getGame(c *fiber.Ctx) error {
	id := c.Params("id")
	ctx, cancel := s.ctx(c)
	defer cancel()
	sess, err := s.deps.Games.Get(id)
	if err == nil {
		st, serr := sess.Snapshot(ctx)
		if serr != nil {
			return serr
		}
		return c.JSON(st)
	}
	if !errors.Is(err, domain.ErrGameNotFound) || s.deps.Finished == nil {
		return err
	}
	st, lerr := s.deps.Finished.Load(ctx, id)
	if lerr != nil {
		return fmt.Errorf("load snapshot %s: %w", id, lerr)
	}
	if st == nil {
		return domain.ErrGameNotFound
	}
	return c.JSON(st)
}

// playerGames lists the live games a player is seated in. The Redis index
// also covers games held by other instances.
func (s *Server) playerGames(c *fiber.Ctx) error {
	playerID := c.Params("id")
	seen := map[string]struct{}{}
	for _, g := range s.deps.Games.ActiveFor(playerID) {
		seen[g.ID()] = struct{}{}
	}
	if s.deps.Index != nil {
		ctx, cancel := s.ctx(c)
		defer cancel()
		ids, err := s.deps.Index.GamesOf(ctx, playerID)
		if err != nil {
			return fmt.Errorf("game index %s: %w", playerID, err)
		}
		for _, id := range ids {
			seen[id] = struct{}{}
		}
	}
	games := make([]string, 0, len(seen))
	for id := range seen {
		games = append(games, id)
	}
	sort.Strings(games)
	return c.JSON(fiber.Map{"playerId": playerID, "games": games})
}

func (s *Server) rating(c *fiber.Ctx) error {
	bucket, ok := domain.ParseBucket(strings.ToLower(c.Params("bucket")))
	if !ok {
		return fmt.Errorf("%w: unknown bucket %q", domain.ErrBadRequest, c.Params("bucket"))
	}
	ctx, cancel := s.ctx(c)
	defer cancel()
	rec, err := s.deps.Ratings.Lookup(ctx, c.Params("id"), bucket)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"playerId":    rec.PlayerID,
		"bucket":      rec.Bucket,
		"rating":      rec.Rating,
		"rd":          rec.RD,
		"volatility":  rec.Volatility,
		"gamesPlayed": rec.GamesPlayed,
		"provisional": rec.Provisional(),
	})
}

func (s *Server) queues(c *fiber.Ctx) error {
	return c.JSON(s.deps.Queues.Sizes())
}
