// Package matchmaking pairs waiting players of the same time control into games.
package matchmaking

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/cheese-chess-server/internal/domain"
	"github.com/park285/cheese-chess-server/internal/keylock"
	"github.com/park285/cheese-chess-server/internal/obslog"
	"github.com/park285/cheese-chess-server/internal/session"
)

// RatingSource supplies the rating estimate used for queue ordering.
type RatingSource interface {
	Lookup(ctx context.Context, playerID string, bucket domain.Bucket) (domain.RatingRecord, error)
}

// GameCreator starts matched games.
type GameCreator interface {
	Create(spec session.Spec) (*session.Session, error)
	Busy(playerID string, bucket domain.Bucket) bool
}

// Match is a created game.
type Match struct {
	GameID      string
	TimeControl domain.TimeControl
	White       Request
	Black       Request
}

// Notifier is told about every match.
type Notifier interface {
	Matched(m Match)
}

// Metrics observes the queues.
type Metrics interface {
	MatchMade()
	QueueSize(timeControl string, n int)
}

type Option func(*Service)

func WithClock(c clockwork.Clock) Option   { return func(s *Service) { s.clock = c } }
func WithNotifier(n Notifier) Option       { return func(s *Service) { s.notifier = n } }
func WithMetrics(m Metrics) Option         { return func(s *Service) { s.metrics = m } }
func WithColorSource(f func() bool) Option { return func(s *Service) { s.whiteFirst = f } }

// Service owns one queue per time control. Each queue has its own lock;
// a player's enqueue and dequeue are serialized by a per-player lock.
type Service struct {
	cfg        Config
	clock      clockwork.Clock
	ratings    RatingSource
	games      GameCreator
	notifier   Notifier
	metrics    Metrics
	whiteFirst func() bool
	players    *keylock.Map

	mu     sync.Mutex
	queues map[string]*queue
	where  map[string]string
}

func NewService(cfg Config, ratings RatingSource, games GameCreator, opts ...Option) *Service {
	s := &Service{
		cfg:        cfg,
		clock:      clockwork.NewRealClock(),
		ratings:    ratings,
		games:      games,
		whiteFirst: func() bool { return rand.IntN(2) == 0 },
		players:    keylock.New(),
		queues:     make(map[string]*queue),
		where:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue places playerID in the queue for rawTC, replacing any entry it
// already holds in another queue.
func (s *Service) Enqueue(ctx context.Context, playerID, rawTC string) (Request, error) {
	playerID = strings.TrimSpace(playerID)
	if playerID == "" {
		return Request{}, domain.ErrNotAuthenticated
	}
	tc, err := domain.ParseTimeControl(rawTC)
	if err != nil {
		return Request{}, err
	}
	bucket := tc.Bucket()
	if s.games.Busy(playerID, bucket) {
		return Request{}, domain.ErrPlayerBusy
	}

	unlock := s.players.Lock(playerID)
	defer unlock()

	rec, err := s.ratings.Lookup(ctx, playerID, bucket)
	if err != nil {
		return Request{}, fmt.Errorf("matchmaking rating: %w", err)
	}
	if err := s.removeLocked(playerID); err != nil {
		return Request{}, err
	}

	req := &Request{PlayerID: playerID, Rating: rec.Rating, TimeControl: tc, EnqueuedAt: s.clock.Now()}
	q := s.queueFor(tc)
	s.mu.Lock()
	s.where[playerID] = q.key
	s.mu.Unlock()

	q.mu.Lock()
	q.insertLocked(req)
	pairs := q.takePairsLocked(s.clock.Now(), s.cfg)
	q.mu.Unlock()

	obslog.L().Info("mm_enqueue",
		zap.String("player_id", playerID),
		zap.String("time_control", q.key),
		zap.Float64("rating", req.Rating),
	)
	s.start(q, pairs)
	return *req, nil
}

// Dequeue removes the player's entry. It reports whether one existed.
func (s *Service) Dequeue(playerID string) bool {
	unlock := s.players.Lock(playerID)
	defer unlock()
	s.mu.Lock()
	key, ok := s.where[playerID]
	q := s.queues[key]
	s.mu.Unlock()
	if !ok || q == nil {
		return false
	}
	q.mu.Lock()
	_, removed := q.removeLocked(playerID)
	q.mu.Unlock()
	s.clearWhere(playerID, key)
	if removed {
		s.reportSize(q)
		obslog.L().Info("mm_dequeue", zap.String("player_id", playerID), zap.String("time_control", key))
	}
	return removed
}

// removeLocked drops any prior entry. An entry that vanished from its queue
// was taken by a concurrent matching pass.
func (s *Service) removeLocked(playerID string) error {
	s.mu.Lock()
	key, ok := s.where[playerID]
	q := s.queues[key]
	s.mu.Unlock()
	if !ok || q == nil {
		return nil
	}
	q.mu.Lock()
	_, removed := q.removeLocked(playerID)
	q.mu.Unlock()
	s.clearWhere(playerID, key)
	if !removed {
		return domain.ErrPlayerBusy
	}
	return nil
}

// Sweep reruns the matching pass over every queue so waiting requests gain
// their wait bonus and patience.
func (s *Service) Sweep() {
	s.mu.Lock()
	list := make([]*queue, 0, len(s.queues))
	for _, q := range s.queues {
		list = append(list, q)
	}
	s.mu.Unlock()
	now := s.clock.Now()
	for _, q := range list {
		q.mu.Lock()
		pairs := q.takePairsLocked(now, s.cfg)
		q.mu.Unlock()
		s.start(q, pairs)
	}
}

// Sizes reports the number of waiting players per time control.
func (s *Service) Sizes() map[string]int {
	s.mu.Lock()
	list := make([]*queue, 0, len(s.queues))
	for _, q := range s.queues {
		list = append(list, q)
	}
	s.mu.Unlock()
	out := make(map[string]int, len(list))
	for _, q := range list {
		out[q.key] = q.size()
	}
	return out
}

// Waiting returns the time control the player is queued for.
func (s *Service) Waiting(playerID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.where[playerID]
	return key, ok
}

func (s *Service) queueFor(tc domain.TimeControl) *queue {
	key := tc.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[key]
	if !ok {
		q = newQueue(tc)
		s.queues[key] = q
	}
	return q
}

func (s *Service) clearWhere(playerID, key string) {
	s.mu.Lock()
	if s.where[playerID] == key {
		delete(s.where, playerID)
	}
	s.mu.Unlock()
}

// start creates games for pairs taken from q. It runs without the queue lock.
func (s *Service) start(q *queue, pairs [][2]*Request) {
	for _, p := range pairs {
		s.clearWhere(p[0].PlayerID, q.key)
		s.clearWhere(p[1].PlayerID, q.key)

		white, black := p[0], p[1]
		if !s.whiteFirst() {
			white, black = black, white
		}
		sess, err := s.games.Create(session.Spec{
			WhiteID:     white.PlayerID,
			BlackID:     black.PlayerID,
			TimeControl: q.tc,
			Rated:       true,
		})
		if err != nil {
			obslog.L().Warn("mm_create_failed",
				zap.String("white_id", white.PlayerID),
				zap.String("black_id", black.PlayerID),
				zap.Error(err),
			)
			s.requeue(q, white, black)
			continue
		}
		m := Match{GameID: sess.ID(), TimeControl: q.tc, White: *white, Black: *black}
		obslog.L().Info("mm_match",
			zap.String("game_id", m.GameID),
			zap.String("white_id", white.PlayerID),
			zap.String("black_id", black.PlayerID),
			zap.Float64("gap", white.Rating-black.Rating),
		)
		if s.metrics != nil {
			s.metrics.MatchMade()
		}
		if s.notifier != nil {
			s.notifier.Matched(m)
		}
	}
	s.reportSize(q)
}

// requeue puts back the players of a failed pair who are still free,
// keeping their original arrival time.
func (s *Service) requeue(q *queue, reqs ...*Request) {
	bucket := q.tc.Bucket()
	for _, r := range reqs {
		if s.games.Busy(r.PlayerID, bucket) {
			continue
		}
		s.mu.Lock()
		if _, queued := s.where[r.PlayerID]; queued {
			s.mu.Unlock()
			continue
		}
		s.where[r.PlayerID] = q.key
		s.mu.Unlock()
		q.mu.Lock()
		q.insertLocked(r)
		q.mu.Unlock()
	}
}

func (s *Service) reportSize(q *queue) {
	if s.metrics != nil {
		s.metrics.QueueSize(q.key, q.size())
	}
}
