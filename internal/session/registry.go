package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/cheese-chess-server/internal/domain"
	"github.com/park285/cheese-chess-server/internal/obslog"
)

// Registry owns every live session.
type Registry struct {
	deps Deps

	mu       sync.RWMutex
	sessions map[string]*Session
	byPlayer map[string]map[string]*Session
	reporter TournamentReporter
}

func NewRegistry(deps Deps) *Registry {
	deps.defaults()
	return &Registry{
		deps:     deps,
		sessions: make(map[string]*Session),
		byPlayer: make(map[string]map[string]*Session),
		reporter: deps.Tournament,
	}
}

// SetTournamentReporter wires the tournament service after construction.
func (r *Registry) SetTournamentReporter(t TournamentReporter) {
	r.mu.Lock()
	r.reporter = t
	r.mu.Unlock()
}

func (r *Registry) tournament() TournamentReporter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reporter
}

// Create starts a session. A player may hold at most one active game per
// rating bucket.
func (r *Registry) Create(spec Spec) (*Session, error) {
	spec.WhiteID = strings.TrimSpace(spec.WhiteID)
	spec.BlackID = strings.TrimSpace(spec.BlackID)
	if spec.WhiteID == "" || spec.BlackID == "" || spec.WhiteID == spec.BlackID {
		return nil, fmt.Errorf("%w: invalid participants", domain.ErrBadRequest)
	}
	if spec.TimeControl.Base <= 0 {
		return nil, domain.ErrInvalidTimeControl
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	bucket := spec.TimeControl.Bucket()

	r.mu.Lock()
	if _, exists := r.sessions[spec.ID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: duplicate game id", domain.ErrBadRequest)
	}
	for _, p := range []string{spec.WhiteID, spec.BlackID} {
		if r.busyLocked(p, bucket) {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", domain.ErrPlayerBusy, p)
		}
	}
	s := newSession(r, spec)
	r.sessions[spec.ID] = s
	r.index(spec.WhiteID, s)
	r.index(spec.BlackID, s)
	r.mu.Unlock()

	r.deps.Metrics.GameStarted()
	obslog.L().Info("game_create",
		zap.String("game_id", spec.ID),
		zap.String("white_id", spec.WhiteID),
		zap.String("black_id", spec.BlackID),
		zap.String("time_control", spec.TimeControl.String()),
		zap.String("bucket", string(bucket)),
		zap.Bool("rated", spec.Rated),
		zap.String("tournament_id", spec.TournamentID),
	)
	s.persist(s.stateLocked())
	go s.run()
	return s, nil
}

func (r *Registry) index(playerID string, s *Session) {
	m := r.byPlayer[playerID]
	if m == nil {
		m = make(map[string]*Session)
		r.byPlayer[playerID] = m
	}
	m[s.spec.ID] = s
}

// busyLocked ignores finished sessions that are still settling, so a
// tournament can pair the next round from inside settlement.
func (r *Registry) busyLocked(playerID string, bucket domain.Bucket) bool {
	for _, s := range r.byPlayer[playerID] {
		if s.bucket != bucket {
			continue
		}
		select {
		case <-s.done:
			continue
		default:
			return true
		}
	}
	return false
}

// Get returns the live session for gameID.
func (r *Registry) Get(gameID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[gameID]
	if !ok {
		return nil, domain.ErrGameNotFound
	}
	return s, nil
}

// ActiveFor lists the player's live sessions.
func (r *Registry) ActiveFor(playerID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byPlayer[playerID]))
	for _, s := range r.byPlayer[playerID] {
		out = append(out, s)
	}
	return out
}

// Busy reports whether the player has a live game in bucket.
func (r *Registry) Busy(playerID string, bucket domain.Bucket) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.busyLocked(playerID, bucket)
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Abort ends gameID with result and reason Forfeit. It returns once the
// session no longer counts as busy.
func (r *Registry) Abort(ctx context.Context, gameID string, result domain.Result) error {
	s, err := r.Get(gameID)
	if err != nil {
		return err
	}
	if err := s.Abort(ctx, result); err != nil {
		return err
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops every session loop without settling.
func (r *Registry) Close() {
	r.mu.Lock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.sessions = make(map[string]*Session)
	r.byPlayer = make(map[string]map[string]*Session)
	r.mu.Unlock()
	for _, s := range list {
		s.shutdown()
		<-s.done
	}
}

func (r *Registry) evict(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.spec.ID]; ok && cur == s {
		delete(r.sessions, s.spec.ID)
	}
	for _, p := range []string{s.spec.WhiteID, s.spec.BlackID} {
		if m := r.byPlayer[p]; m != nil {
			delete(m, s.spec.ID)
			if len(m) == 0 {
				delete(r.byPlayer, p)
			}
		}
	}
}
