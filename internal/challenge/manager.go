// Package challenge holds direct challenges between two players until the
// target accepts, declines or lets them expire.
package challenge

import (
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/cheese-chess-server/internal/domain"
	"github.com/park285/cheese-chess-server/internal/obslog"
	"github.com/park285/cheese-chess-server/internal/session"
)

const DefaultTTL = 5 * time.Minute

// GameCreator starts the game of an accepted challenge.
type GameCreator interface {
	Create(spec session.Spec) (*session.Session, error)
	Busy(playerID string, bucket domain.Bucket) bool
}

type Option func(*Manager)

func WithClock(c clockwork.Clock) Option   { return func(m *Manager) { m.clock = c } }
func WithTTL(d time.Duration) Option       { return func(m *Manager) { m.ttl = d } }
func WithColorSource(f func() bool) Option { return func(m *Manager) { m.whiteFirst = f } }

type Manager struct {
	games      GameCreator
	clock      clockwork.Clock
	ttl        time.Duration
	whiteFirst func() bool

	mu sync.Mutex
	// targetID -> challenges addressed to it, oldest first
	byTarget map[string][]*Challenge
	byID     map[string]*Challenge
}

func NewManager(games GameCreator, opts ...Option) *Manager {
	m := &Manager{
		games:      games,
		clock:      clockwork.NewRealClock(),
		ttl:        DefaultTTL,
		whiteFirst: func() bool { return rand.IntN(2) == 0 },
		byTarget:   make(map[string][]*Challenge),
		byID:       make(map[string]*Challenge),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create records a pending challenge. A target holds at most one pending
// challenge at a time.
func (m *Manager) Create(challengerID, targetID string, color ColorChoice, rawTC string, rated bool) (Challenge, error) {
	challengerID = strings.TrimSpace(challengerID)
	targetID = strings.TrimSpace(targetID)
	if challengerID == "" {
		return Challenge{}, domain.ErrNotAuthenticated
	}
	if targetID == "" {
		return Challenge{}, domain.ErrBadRequest
	}
	if challengerID == targetID {
		return Challenge{}, domain.ErrSelfChallenge
	}
	tc, err := domain.ParseTimeControl(rawTC)
	if err != nil {
		return Challenge{}, err
	}
	if m.games.Busy(challengerID, tc.Bucket()) {
		return Challenge{}, domain.ErrPlayerBusy
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	list := m.byTarget[targetID]
	if latestPending(list, now) != nil {
		return Challenge{}, domain.ErrAlreadyPending
	}
	ch := &Challenge{
		ID:           uuid.NewString(),
		ChallengerID: challengerID,
		TargetID:     targetID,
		Color:        color,
		TimeControl:  tc,
		Rated:        rated,
		Status:       StatusPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.ttl),
	}
	m.byTarget[targetID] = append(list, ch)
	m.byID[ch.ID] = ch
	obslog.L().Info("challenge_create",
		zap.String("challenge_id", ch.ID),
		zap.String("challenger_id", challengerID),
		zap.String("target_id", targetID),
		zap.String("time_control", tc.String()),
	)
	return *ch, nil
}

// Accept starts the game for a pending challenge addressed to targetID.
func (m *Manager) Accept(targetID, challengeID string) (Challenge, *session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, err := m.pendingLocked(targetID, challengeID)
	if err != nil {
		return Challenge{}, nil, err
	}
	white, black := ch.ChallengerID, ch.TargetID
	switch ch.Color {
	case ColorBlack:
		white, black = black, white
	case ColorRandom:
		if !m.whiteFirst() {
			white, black = black, white
		}
	}
	sess, err := m.games.Create(session.Spec{
		WhiteID:     white,
		BlackID:     black,
		TimeControl: ch.TimeControl,
		Rated:       ch.Rated,
	})
	if err != nil {
		return Challenge{}, nil, err
	}
	ch.Status = StatusAccepted
	ch.GameID = sess.ID()
	m.dropLocked(ch)
	obslog.L().Info("challenge_accept", zap.String("challenge_id", ch.ID), zap.String("game_id", ch.GameID))
	return *ch, sess, nil
}

// Decline resolves a pending challenge without a game.
func (m *Manager) Decline(targetID, challengeID string) (Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, err := m.pendingLocked(targetID, challengeID)
	if err != nil {
		return Challenge{}, err
	}
	ch.Status = StatusDeclined
	m.dropLocked(ch)
	obslog.L().Info("challenge_decline", zap.String("challenge_id", ch.ID))
	return *ch, nil
}

// Pending returns the challenge currently waiting on targetID.
func (m *Manager) Pending(targetID string) (Challenge, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch := latestPending(m.byTarget[targetID], m.clock.Now()); ch != nil {
		return *ch, true
	}
	return Challenge{}, false
}

// Sweep drops expired challenges and returns them.
func (m *Manager) Sweep() []Challenge {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	var out []Challenge
	for _, ch := range m.byID {
		if ch.Status == StatusPending && !now.Before(ch.ExpiresAt) {
			ch.Status = StatusExpired
			out = append(out, *ch)
			m.dropLocked(ch)
		}
	}
	return out
}

func (m *Manager) pendingLocked(targetID, challengeID string) (*Challenge, error) {
	ch, ok := m.byID[challengeID]
	if !ok || ch.TargetID != targetID {
		return nil, domain.ErrChallengeNotFound
	}
	if ch.Status != StatusPending || !m.clock.Now().Before(ch.ExpiresAt) {
		return nil, domain.ErrChallengeNotFound
	}
	return ch, nil
}

func (m *Manager) dropLocked(ch *Challenge) {
	delete(m.byID, ch.ID)
	list := m.byTarget[ch.TargetID]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(m.byTarget, ch.TargetID)
	} else {
		m.byTarget[ch.TargetID] = list
	}
}

func latestPending(list []*Challenge, now time.Time) *Challenge {
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Status == StatusPending && now.Before(list[i].ExpiresAt) {
			return list[i]
		}
	}
	return nil
}
