package tournament

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/cheese-chess-server/internal/domain"
	"github.com/park285/cheese-chess-server/internal/obslog"
	"github.com/park285/cheese-chess-server/internal/session"
)

const defaultForfeitAfter = 24 * time.Hour

// GameCreator starts and aborts tournament games.
type GameCreator interface {
	Create(spec session.Spec) (*session.Session, error)
	Busy(playerID string, bucket domain.Bucket) bool
	Abort(ctx context.Context, gameID string, result domain.Result) error
}

// RatingSource supplies the seeding rating at registration.
type RatingSource interface {
	Lookup(ctx context.Context, playerID string, bucket domain.Bucket) (domain.RatingRecord, error)
}

// StandingsPublisher receives final standings.
type StandingsPublisher interface {
	PublishStandings(ctx context.Context, t *Tournament) error
}

type Metrics interface {
	RoundGenerated()
	Forfeit()
}

type Option func(*Service)

func WithClock(c clockwork.Clock) Option                 { return func(s *Service) { s.clock = c } }
func WithStore(st Store) Option                          { return func(s *Service) { s.store = st } }
func WithStandingsPublisher(p StandingsPublisher) Option { return func(s *Service) { s.publisher = p } }
func WithMetrics(m Metrics) Option                       { return func(s *Service) { s.metrics = m } }
func WithForfeitAfter(d time.Duration) Option            { return func(s *Service) { s.forfeitAfter = d } }

type entry struct {
	mu sync.Mutex
	t  *Tournament
}

// Service serializes all work on one tournament behind that tournament's
// lock. Different tournaments proceed independently.
type Service struct {
	clock     clockwork.Clock
	games     GameCreator
	ratings   RatingSource
	store     Store
	publisher StandingsPublisher
	metrics   Metrics
	writer    *writer

	forfeitAfter time.Duration

	mu          sync.RWMutex
	tournaments map[string]*entry
	byGame      map[string]string
	byPlayer    map[string]map[string]struct{}
}

func NewService(games GameCreator, ratings RatingSource, opts ...Option) *Service {
	s := &Service{
		clock:        clockwork.NewRealClock(),
		games:        games,
		ratings:      ratings,
		forfeitAfter: defaultForfeitAfter,
		tournaments:  make(map[string]*entry),
		byGame:       make(map[string]string),
		byPlayer:     make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = NewMemoryStore()
	}
	s.writer = newWriter(s.store)
	return s
}

// Close flushes pending snapshot writes.
func (s *Service) Close() { s.writer.close() }

// Restore loads persisted tournaments into memory.
func (s *Service) Restore(ctx context.Context) error {
	list, err := s.store.LoadTournaments(ctx)
	if err != nil {
		return fmt.Errorf("load tournaments: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range list {
		s.tournaments[t.ID] = &entry{t: t}
		for _, p := range t.Pairings {
			if p.GameID != "" && !p.Result.Decided() {
				s.byGame[p.GameID] = t.ID
			}
		}
		for id := range t.Participants {
			s.indexPlayerLocked(id, t.ID)
		}
	}
	obslog.L().Info("tournament_restore", zap.Int("count", len(list)))
	return nil
}

// Create records a new tournament in Upcoming.
func (s *Service) Create(ctx context.Context, cfg Config) (*Tournament, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" || cfg.TotalRounds < 1 || cfg.MaxPlayers < 0 {
		return nil, fmt.Errorf("%w: name and at least one round are required", domain.ErrBadRequest)
	}
	if cfg.TimeControl.Base <= 0 {
		return nil, domain.ErrInvalidTimeControl
	}
	if cfg.ForfeitAfter <= 0 {
		cfg.ForfeitAfter = s.forfeitAfter
	}
	id := uuid.NewString()
	t := &Tournament{
		ID:           id,
		Slug:         slug.Make(name) + "-" + id[:8],
		Name:         name,
		TimeControl:  cfg.TimeControl,
		TotalRounds:  cfg.TotalRounds,
		MaxPlayers:   cfg.MaxPlayers,
		ForfeitAfter: cfg.ForfeitAfter,
		Status:       StatusUpcoming,
		Participants: make(map[string]*Participant),
		CreatedAt:    s.clock.Now(),
	}
	s.mu.Lock()
	s.tournaments[id] = &entry{t: t}
	s.mu.Unlock()
	s.writer.enqueue(t.clone())
	obslog.L().Info("tournament_create",
		zap.String("tournament_id", id),
		zap.String("slug", t.Slug),
		zap.String("time_control", t.TimeControl.String()),
		zap.Int("rounds", t.TotalRounds),
	)
	return t.clone(), nil
}

// Get returns a copy of the tournament.
func (s *Service) Get(id string) (*Tournament, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.t.clone(), nil
}

// List returns copies of every tournament, newest first.
func (s *Service) List() []*Tournament {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.tournaments))
	for _, e := range s.tournaments {
		entries = append(entries, e)
	}
	s.mu.RUnlock()
	out := make([]*Tournament, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.t.clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (s *Service) Register(ctx context.Context, id, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.ErrNotAuthenticated
	}
	e, err := s.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.t
	if t.Status != StatusUpcoming {
		return domain.ErrTournamentClosed
	}
	if _, ok := t.Participants[userID]; ok {
		return domain.ErrAlreadyRegistered
	}
	if t.MaxPlayers > 0 && len(t.Participants) >= t.MaxPlayers {
		return domain.ErrTournamentFull
	}
	rec, err := s.ratings.Lookup(ctx, userID, t.TimeControl.Bucket())
	if err != nil {
		return fmt.Errorf("tournament seeding rating: %w", err)
	}
	now := s.clock.Now()
	t.Participants[userID] = &Participant{
		UserID:         userID,
		Rating:         rec.Rating,
		LastActivityAt: now,
		RegisteredAt:   now,
	}
	s.mu.Lock()
	s.indexPlayerLocked(userID, id)
	s.mu.Unlock()
	s.writer.enqueue(t.clone())
	obslog.L().Info("tournament_register", zap.String("tournament_id", id), zap.String("player_id", userID))
	return nil
}

func (s *Service) Withdraw(_ context.Context, id, userID string) error {
	e, err := s.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.t
	if t.Status != StatusUpcoming {
		return domain.ErrTournamentClosed
	}
	if _, ok := t.Participants[userID]; !ok {
		return fmt.Errorf("%w: not registered", domain.ErrBadRequest)
	}
	delete(t.Participants, userID)
	s.mu.Lock()
	if m := s.byPlayer[userID]; m != nil {
		delete(m, id)
		if len(m) == 0 {
			delete(s.byPlayer, userID)
		}
	}
	s.mu.Unlock()
	s.writer.enqueue(t.clone())
	obslog.L().Info("tournament_withdraw", zap.String("tournament_id", id), zap.String("player_id", userID))
	return nil
}

// Start moves the tournament to Active and pairs round 1.
func (s *Service) Start(ctx context.Context, id string) error {
	e, err := s.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	t := e.t
	if t.Status != StatusUpcoming {
		e.mu.Unlock()
		return domain.ErrTournamentClosed
	}
	if t.activeCount() < 2 {
		e.mu.Unlock()
		return domain.ErrNotEnoughPlayers
	}
	t.Status = StatusActive
	t.StartedAt = s.clock.Now()
	t.CurrentRound = 1
	s.generateRoundLocked(t)
	done := s.advanceLocked(t)
	snap := t.clone()
	e.mu.Unlock()

	s.writer.enqueue(snap)
	if done {
		s.publishStandings(ctx, snap)
	}
	return nil
}

// RecordResult applies the result of a tournament game. A pairing that
// already has a result is left unchanged.
func (s *Service) RecordResult(ctx context.Context, gameID string, result domain.Result) error {
	if _, ok := domain.ParseResult(string(result)); !ok {
		return fmt.Errorf("%w: result %q", domain.ErrBadRequest, result)
	}
	s.mu.RLock()
	tid, ok := s.byGame[gameID]
	s.mu.RUnlock()
	if !ok {
		return domain.ErrPairingNotFound
	}
	e, err := s.entry(tid)
	if err != nil {
		return err
	}

	e.mu.Lock()
	t := e.t
	var p *Pairing
	for _, cand := range t.Pairings {
		if cand.GameID == gameID {
			p = cand
			break
		}
	}
	if p == nil {
		e.mu.Unlock()
		return domain.ErrPairingNotFound
	}
	if p.Result.Decided() {
		e.mu.Unlock()
		return nil
	}
	s.applyLocked(t, p, result, nil)
	s.forgetGame(gameID)
	done := s.advanceLocked(t)
	snap := t.clone()
	e.mu.Unlock()

	obslog.L().Info("tournament_result",
		zap.String("tournament_id", tid),
		zap.String("game_id", gameID),
		zap.Int("round", p.Round),
		zap.String("result", string(result)),
	)
	s.writer.enqueue(snap)
	if done {
		s.publishStandings(ctx, snap)
	}
	return nil
}

// TouchActivity marks userID active in every tournament it plays in.
func (s *Service) TouchActivity(userID string) {
	s.mu.RLock()
	var entries []*entry
	for tid := range s.byPlayer[userID] {
		if e, ok := s.tournaments[tid]; ok {
			entries = append(entries, e)
		}
	}
	s.mu.RUnlock()
	now := s.clock.Now()
	for _, e := range entries {
		e.mu.Lock()
		if p, ok := e.t.Participants[userID]; ok && e.t.Status != StatusCompleted {
			p.LastActivityAt = now
		}
		e.mu.Unlock()
	}
}

// Standings returns the current ranking; final once Completed.
func (s *Service) Standings(id string) ([]Standing, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.t.Status == StatusCompleted {
		return append([]Standing(nil), e.t.Standings...), nil
	}
	return computeStandings(e.t), nil
}

// SweepForfeits resolves pairings older than the tournament's forfeit window
// whose players have gone quiet.
func (s *Service) SweepForfeits(ctx context.Context) {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.tournaments))
	for _, e := range s.tournaments {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	now := s.clock.Now()
	for _, e := range entries {
		e.mu.Lock()
		t := e.t
		if t.Status != StatusActive {
			e.mu.Unlock()
			continue
		}
		cutoff := now.Add(-t.ForfeitAfter)
		changed := false
		for _, p := range t.roundPairings(t.CurrentRound) {
			if p.IsBye() || p.Result.Decided() || p.CreatedAt.After(cutoff) {
				continue
			}
			w, b := t.Participants[p.WhiteID], t.Participants[p.BlackID]
			whiteIdle := w.LastActivityAt.Before(cutoff)
			blackIdle := b.LastActivityAt.Before(cutoff)
			var result domain.Result
			var by []string
			switch {
			case whiteIdle && blackIdle:
				result, by = domain.ResultDoubleForfeit, []string{p.WhiteID, p.BlackID}
			case whiteIdle:
				result, by = domain.ResultBlackWins, []string{p.WhiteID}
			case blackIdle:
				result, by = domain.ResultWhiteWins, []string{p.BlackID}
			default:
				continue
			}
			s.applyLocked(t, p, result, by)
			if p.GameID != "" {
				s.forgetGame(p.GameID)
				// the live game must be gone before the next round pairs these players
				err := s.games.Abort(ctx, p.GameID, result)
				if err != nil && !errors.Is(err, domain.ErrGameNotFound) && !errors.Is(err, domain.ErrGameAlreadyOver) {
					obslog.L().Warn("tournament_abort_failed", zap.String("game_id", p.GameID), zap.Error(err))
				}
			}
			changed = true
			if s.metrics != nil {
				s.metrics.Forfeit()
			}
			obslog.L().Info("tournament_forfeit",
				zap.String("tournament_id", t.ID),
				zap.Int("round", p.Round),
				zap.Strings("forfeited_by", by),
				zap.String("result", string(result)),
			)
		}
		if !changed {
			e.mu.Unlock()
			continue
		}
		done := s.advanceLocked(t)
		snap := t.clone()
		e.mu.Unlock()

		s.writer.enqueue(snap)
		if done {
			s.publishStandings(ctx, snap)
		}
	}
}

// applyLocked scores p. forfeitedBy lists the players who forfeited it.
func (s *Service) applyLocked(t *Tournament, p *Pairing, result domain.Result, forfeitedBy []string) {
	p.Result = result
	p.IsForfeited = len(forfeitedBy) > 0
	p.ForfeitedBy = forfeitedBy
	forfeited := make(map[string]bool, len(forfeitedBy))
	for _, id := range forfeitedBy {
		forfeited[id] = true
	}
	sides := []struct {
		id, opp string
		color   domain.Color
	}{
		{p.WhiteID, p.BlackID, domain.White},
		{p.BlackID, p.WhiteID, domain.Black},
	}
	for _, side := range sides {
		part, ok := t.Participants[side.id]
		if !ok {
			continue
		}
		part.Score += result.ScoreFor(side.color)
		part.GamesPlayed++
		part.History = append(part.History, HistoryEntry{
			Round:      p.Round,
			OpponentID: side.opp,
			Color:      side.color,
			Result:     result,
		})
		switch {
		case forfeited[side.id]:
			part.ConsecutiveForfeits++
			if part.ConsecutiveForfeits >= 2 && !part.IsWithdrawn {
				part.IsWithdrawn = true
				obslog.L().Info("tournament_auto_withdraw",
					zap.String("tournament_id", t.ID),
					zap.String("player_id", side.id),
				)
			}
		case !p.IsForfeited:
			part.ConsecutiveForfeits = 0
		}
	}
}

// advanceLocked finishes the current round when every board has a result,
// then either completes the tournament or pairs the next round. It reports
// whether the tournament completed.
func (s *Service) advanceLocked(t *Tournament) bool {
	for t.Status == StatusActive {
		for _, p := range t.roundPairings(t.CurrentRound) {
			if !p.IsBye() && !p.Result.Decided() {
				return false
			}
		}
		recomputeBuchholz(t)
		if t.CurrentRound >= t.TotalRounds || t.activeCount() < 2 {
			t.Status = StatusCompleted
			t.CompletedAt = s.clock.Now()
			t.Standings = computeStandings(t)
			obslog.L().Info("tournament_complete",
				zap.String("tournament_id", t.ID),
				zap.Int("rounds", t.CurrentRound),
			)
			return true
		}
		t.CurrentRound++
		s.generateRoundLocked(t)
	}
	return false
}

// generateRoundLocked pairs t.CurrentRound. Boards whose game cannot be
// created are scored at once against the busy side.
func (s *Service) generateRoundLocked(t *Tournament) {
	now := s.clock.Now()
	cands := make([]Candidate, 0, len(t.Participants))
	for _, p := range t.Participants {
		if p.IsWithdrawn {
			continue
		}
		whites, blacks, last := p.Colors()
		faced := make(map[string]bool, len(p.History))
		for _, h := range p.History {
			faced[h.OpponentID] = true
		}
		cands = append(cands, Candidate{
			ID: p.UserID, Score: p.Score, Rating: p.Rating, HadBye: p.HasHadBye,
			Faced: faced, Whites: whites, Blacks: blacks, Last: last,
		})
	}
	pairs, bye := PairRound(cands)

	if bye != "" {
		p := t.Participants[bye]
		p.Score++
		p.HasHadBye = true
		t.Pairings = append(t.Pairings, &Pairing{
			ID: uuid.NewString(), Round: t.CurrentRound, WhiteID: bye,
			Result: domain.ResultWhiteWins, CreatedAt: now,
		})
	}
	bucket := t.TimeControl.Bucket()
	for _, pr := range pairs {
		p := &Pairing{ID: uuid.NewString(), Round: t.CurrentRound, WhiteID: pr.White, BlackID: pr.Black, CreatedAt: now}
		t.Pairings = append(t.Pairings, p)
		sess, err := s.games.Create(session.Spec{
			WhiteID:      pr.White,
			BlackID:      pr.Black,
			TimeControl:  t.TimeControl,
			Rated:        true,
			TournamentID: t.ID,
			Round:        t.CurrentRound,
		})
		if err != nil {
			whiteBusy := s.games.Busy(pr.White, bucket)
			blackBusy := s.games.Busy(pr.Black, bucket)
			result, by := domain.ResultDoubleForfeit, []string{pr.White, pr.Black}
			switch {
			case whiteBusy && !blackBusy:
				result, by = domain.ResultBlackWins, []string{pr.White}
			case blackBusy && !whiteBusy:
				result, by = domain.ResultWhiteWins, []string{pr.Black}
			}
			obslog.L().Warn("tournament_game_create_failed",
				zap.String("tournament_id", t.ID),
				zap.String("white_id", pr.White),
				zap.String("black_id", pr.Black),
				zap.Error(err),
			)
			s.applyLocked(t, p, result, by)
			continue
		}
		p.GameID = sess.ID()
		s.mu.Lock()
		s.byGame[p.GameID] = t.ID
		s.mu.Unlock()
	}
	if s.metrics != nil {
		s.metrics.RoundGenerated()
	}
	obslog.L().Info("tournament_round_start",
		zap.String("tournament_id", t.ID),
		zap.Int("round", t.CurrentRound),
		zap.Int("boards", len(pairs)),
		zap.String("bye", bye),
	)
}

// recomputeBuchholz sets each participant's Buchholz to the sum of the
// current scores of the opponents it has faced.
func recomputeBuchholz(t *Tournament) {
	for _, p := range t.Participants {
		sum := 0.0
		for _, h := range p.History {
			if opp, ok := t.Participants[h.OpponentID]; ok {
				sum += opp.Score
			}
		}
		p.Buchholz = sum
	}
}

func computeStandings(t *Tournament) []Standing {
	out := make([]Standing, 0, len(t.Participants))
	for _, p := range t.Participants {
		out = append(out, Standing{
			UserID:      p.UserID,
			Score:       p.Score,
			Buchholz:    p.Buchholz,
			Rating:      p.Rating,
			GamesPlayed: p.GamesPlayed,
			Withdrawn:   p.IsWithdrawn,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Buchholz != b.Buchholz {
			return a.Buchholz > b.Buchholz
		}
		if a.Rating != b.Rating {
			return a.Rating > b.Rating
		}
		return a.UserID < b.UserID
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

func (s *Service) publishStandings(ctx context.Context, t *Tournament) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishStandings(ctx, t); err != nil {
		obslog.L().Warn("tournament_standings_publish_failed",
			zap.String("tournament_id", t.ID),
			zap.Bool("retryable", domain.IsRetryable(err)),
			zap.Error(err),
		)
	}
}

func (s *Service) entry(id string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tournaments[id]
	if !ok {
		return nil, domain.ErrTournamentNotFound
	}
	return e, nil
}

func (s *Service) forgetGame(gameID string) {
	s.mu.Lock()
	delete(s.byGame, gameID)
	s.mu.Unlock()
}

func (s *Service) indexPlayerLocked(userID, tournamentID string) {
	m := s.byPlayer[userID]
	if m == nil {
		m = make(map[string]struct{})
		s.byPlayer[userID] = m
	}
	m[tournamentID] = struct{}{}
}
