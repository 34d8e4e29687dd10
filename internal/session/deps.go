package session

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/park285/cheese-chess-server/internal/domain"
	"github.com/park285/cheese-chess-server/internal/rules"
	"github.com/park285/cheese-chess-server/pkg/chessdto"
)

// Publisher fans session events out to subscribers of a game.
// Implementations must not block.
type Publisher interface {
	Publish(gameID, msgType string, payload any)
}

// RatingUpdater settles a rated game for both players.
type RatingUpdater interface {
	ApplyResult(ctx context.Context, bucket domain.Bucket, whiteID, blackID string, result domain.Result) (domain.RatingChange, domain.RatingChange, error)
}

// GameStore persists completed games.
type GameStore interface {
	SaveGame(ctx context.Context, rec *domain.GameRecord) error
}

// Archiver stores the PGN of completed games.
type Archiver interface {
	ArchivePGN(ctx context.Context, rec *domain.GameRecord) error
}

// TournamentReporter receives results of tournament games.
type TournamentReporter interface {
	RecordResult(ctx context.Context, gameID string, result domain.Result) error
}

// ResultPublisher pushes results to outside consumers.
type ResultPublisher interface {
	PublishGameResult(ctx context.Context, rec *domain.GameRecord, changes []domain.RatingChange) error
}

// SnapshotStore keeps live game snapshots outside the process. Save and
// Finish are asynchronous.
type SnapshotStore interface {
	Save(state chessdto.GameState)
	Finish(state chessdto.GameState)
	Load(ctx context.Context, gameID string) (*chessdto.GameState, error)
}

// Metrics observes session lifecycle.
type Metrics interface {
	GameStarted()
	GameFinished(reason string)
	MoveApplied()
}

// Deps is shared by every session created from one registry.
type Deps struct {
	Engine     rules.Engine
	Clock      clockwork.Clock
	Publisher  Publisher
	Ratings    RatingUpdater
	Games      GameStore
	Archive    Archiver
	Results    ResultPublisher
	Snapshots  SnapshotStore
	Metrics    Metrics
	Tournament TournamentReporter

	TickInterval    time.Duration
	ReconnectWindow time.Duration
	SettleTimeout   time.Duration
}

func (d *Deps) defaults() {
	if d.Engine == nil {
		d.Engine = rules.Chess{}
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Publisher == nil {
		d.Publisher = nopPublisher{}
	}
	if d.Metrics == nil {
		d.Metrics = nopMetrics{}
	}
	if d.TickInterval <= 0 {
		d.TickInterval = 100 * time.Millisecond
	}
	if d.ReconnectWindow <= 0 {
		d.ReconnectWindow = 60 * time.Second
	}
	if d.SettleTimeout <= 0 {
		d.SettleTimeout = 10 * time.Second
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, string, any) {}

type nopMetrics struct{}

func (nopMetrics) GameStarted()        {}
func (nopMetrics) GameFinished(string) {}
func (nopMetrics) MoveApplied()        {}
