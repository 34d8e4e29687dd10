// Package api serves the REST surface: tournaments, games, ratings,
// matchmaking queues, health and metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/park285/cheese-chess-server/internal/domain"
	"github.com/park285/cheese-chess-server/internal/msgcat"
	"github.com/park285/cheese-chess-server/internal/obslog"
	"github.com/park285/cheese-chess-server/internal/session"
	"github.com/park285/cheese-chess-server/internal/tournament"
	"github.com/park285/cheese-chess-server/pkg/chessdto"
)

const localsPlayer = "player_id"

type Tournaments interface {
	Create(ctx context.Context, cfg tournament.Config) (*tournament.Tournament, error)
	Get(id string) (*tournament.Tournament, error)
	List() []*tournament.Tournament
	Register(ctx context.Context, id, userID string) error
	Withdraw(ctx context.Context, id, userID string) error
	Start(ctx context.Context, id string) error
	Standings(id string) ([]tournament.Standing, error)
}

type Games interface {
	Get(gameID string) (*session.Session, error)
	ActiveFor(playerID string) []*session.Session
	Count() int
}

// GameIndex lists the games a player is seated in across restarts.
type GameIndex interface {
	GamesOf(ctx context.Context, userID string) ([]string, error)
}

// FinishedGames serves the last snapshot of games no longer live.
type FinishedGames interface {
	Load(ctx context.Context, gameID string) (*chessdto.GameState, error)
}

type Ratings interface {
	Lookup(ctx context.Context, playerID string, bucket domain.Bucket) (domain.RatingRecord, error)
}

type Queues interface {
	Sizes() map[string]int
}

// Identifier resolves the caller from gateway headers or a bearer token.
type Identifier interface {
	Resolve(userHeader, authorization, queryToken string) (string, error)
}

type Deps struct {
	Tournaments Tournaments
	Games       Games
	Finished    FinishedGames
	Index       GameIndex
	Ratings     Ratings
	Queues      Queues
	Identity    Identifier
	Catalog     *msgcat.Catalog
	Metrics     http.Handler
	Timeout     time.Duration
}

type Server struct {
	deps Deps
	app  *fiber.App
}

func New(deps Deps) *Server {
	if deps.Catalog == nil {
		deps.Catalog = msgcat.MustDefault()
	}
	if deps.Timeout <= 0 {
		deps.Timeout = 5 * time.Second
	}
	s := &Server{deps: deps}
	s.app = fiber.New(fiber.Config{
		AppName:               "cheese-chess-server",
		DisableStartupMessage: true,
		Immutable:             true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler:          s.handleError,
	})
	s.app.Use(recover.New())
	s.routes()
	return s
}

func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen(addr string) error { return s.app.Listen(addr) }

func (s *Server) Shutdown(ctx context.Context) error { return s.app.ShutdownWithContext(ctx) }

func (s *Server) routes() {
	s.app.Get("/healthz", s.health)
	if s.deps.Metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(s.deps.Metrics))
	}

	api := s.app.Group("/api")
	api.Get("/tournaments", s.listTournaments)
	api.Get("/tournaments/:id", s.getTournament)
	api.Get("/tournaments/:id/standings", s.standings)
	api.Get("/games/:id", s.getGame)
	api.Get("/players/:id/games", s.playerGames)
	api.Get("/players/:id/ratings/:bucket", s.rating)
	api.Get("/matchmaking/queues", s.queues)

	player := s.requirePlayer()
	api.Post("/tournaments", player, s.createTournament)
	api.Post("/tournaments/:id/register", player, s.register)
	api.Post("/tournaments/:id/withdraw", player, s.withdraw)
	api.Post("/tournaments/:id/start", player, s.start)
}

// requirePlayer stores the caller's id in locals or rejects with 401.
func (s *Server) requirePlayer() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if s.deps.Identity == nil {
			return domain.ErrNotAuthenticated
		}
		id, err := s.deps.Identity.Resolve(c.Get("X-User-Id"), c.Get(fiber.HeaderAuthorization), c.Query("token"))
		if err != nil {
			return err
		}
		c.Locals(localsPlayer, id)
		return c.Next()
	}
}

func playerOf(c *fiber.Ctx) string {
	id, _ := c.Locals(localsPlayer).(string)
	return id
}

func (s *Server) ctx(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), s.deps.Timeout)
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code := strings.ToUpper(strings.ReplaceAll(http.StatusText(fe.Code), " ", "_"))
		return c.Status(fe.Code).JSON(chessdto.DomainError{Code: code, Message: fe.Message})
	}
	code := domain.CodeOf(err)
	status := statusOf(code)
	if status >= fiber.StatusInternalServerError {
		obslog.L().Error("api_request_failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
	}
	return c.Status(status).JSON(chessdto.DomainError{
		Code:      code,
		Message:   s.deps.Catalog.Error(code, nil),
		Retryable: status >= fiber.StatusInternalServerError || errors.Is(err, context.DeadlineExceeded),
	})
}

func statusOf(code string) int {
	switch code {
	case "NOT_AUTHENTICATED":
		return fiber.StatusUnauthorized
	case "NOT_PARTICIPANT":
		return fiber.StatusForbidden
	case "TOURNAMENT_NOT_FOUND", "GAME_NOT_FOUND", "PAIRING_NOT_FOUND", "CHALLENGE_NOT_FOUND":
		return fiber.StatusNotFound
	case "BAD_REQUEST", "INVALID_TIME_CONTROL", "ILLEGAL_MOVE", "SELF_CHALLENGE":
		return fiber.StatusBadRequest
	case "TOURNAMENT_FULL", "ALREADY_REGISTERED", "TOURNAMENT_CLOSED", "NOT_ENOUGH_PLAYERS",
		"PLAYER_BUSY", "ALREADY_PENDING", "GAME_ALREADY_OVER", "NOT_YOUR_TURN", "NO_DRAW_OFFER":
		return fiber.StatusConflict
	default:
		return fiber.StatusInternalServerError
	}
}
