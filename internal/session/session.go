// Package session runs one authoritative actor per live game.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/cheese-chess-server/internal/domain"
	"github.com/park285/cheese-chess-server/internal/obslog"
	"github.com/park285/cheese-chess-server/internal/rules"
	"github.com/park285/cheese-chess-server/pkg/chessdto"
)

// Spec describes a game to create.
type Spec struct {
	ID           string
	WhiteID      string
	BlackID      string
	TimeControl  domain.TimeControl
	Rated        bool
	TournamentID string
	Round        int
}

// Session is a single game. Every mutation runs on the session's own
// goroutine; the exported methods only send closures into its mailbox.
type Session struct {
	spec   Spec
	bucket domain.Bucket
	reg    *Registry
	clock  clockwork.Clock

	inbox    chan func()
	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	final    atomic.Pointer[chessdto.GameState]

	// owned by the loop goroutine
	board          rules.Board
	status         domain.GameStatus
	whiteLeft      time.Duration
	blackLeft      time.Duration
	running        bool
	lastCharge     time.Time
	drawOfferedBy  domain.Color
	disconnected   domain.Color
	connected      map[domain.Color]bool
	joined         map[domain.Color]bool
	reconnectTimer clockwork.Timer
	reconnectToken uint64
	noShowTimer    clockwork.Timer
	result         domain.Result
	reason         domain.Reason
	createdAt      time.Time
	startedAt      time.Time
	endedAt        time.Time
}

func newSession(reg *Registry, spec Spec) *Session {
	now := reg.deps.Clock.Now()
	return &Session{
		spec:      spec,
		bucket:    spec.TimeControl.Bucket(),
		reg:       reg,
		clock:     reg.deps.Clock,
		inbox:     make(chan func()),
		done:      make(chan struct{}),
		stop:      make(chan struct{}),
		board:     reg.deps.Engine.NewBoard(),
		status:    domain.StatusActive,
		whiteLeft: spec.TimeControl.Base,
		blackLeft: spec.TimeControl.Base,
		connected: map[domain.Color]bool{},
		joined:    map[domain.Color]bool{},
		createdAt: now,
	}
}

func (s *Session) ID() string                { return s.spec.ID }
func (s *Session) Spec() Spec                { return s.spec }
func (s *Session) Bucket() domain.Bucket     { return s.bucket }
func (s *Session) Done() <-chan struct{}     { return s.done }
func (s *Session) Players() (string, string) { return s.spec.WhiteID, s.spec.BlackID }

func (s *Session) run() {
	ticker := s.clock.NewTicker(s.reg.deps.TickInterval)
	defer ticker.Stop()
	if s.spec.TournamentID == "" {
		s.noShowTimer = s.clock.AfterFunc(s.reg.deps.ReconnectWindow, func() { s.post(s.onNoShow) })
	}
	for s.status == domain.StatusActive {
		select {
		case fn := <-s.inbox:
			fn()
		case <-ticker.Chan():
			s.charge(s.clock.Now())
		case <-s.stop:
			s.stopTimers()
			st := s.stateLocked()
			s.final.Store(&st)
			close(s.done)
			return
		}
	}
	s.stopTimers()
	st := s.stateLocked()
	s.final.Store(&st)
	close(s.done)
	s.reg.settle(s)
}

// do runs fn on the session goroutine and waits for it.
func (s *Session) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case s.inbox <- func() { reply <- fn() }:
	case <-s.done:
		return domain.ErrGameAlreadyOver
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-reply
}

// post delivers a timer-driven event. Events arriving after completion are dropped.
func (s *Session) post(fn func()) {
	select {
	case s.inbox <- fn:
	case <-s.done:
	}
}

func (s *Session) shutdown() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Join marks a participant connected and starts the clock once both
// sides are present. Non-participants receive the snapshot as spectators.
func (s *Session) Join(ctx context.Context, playerID string) (chessdto.GameState, error) {
	var st chessdto.GameState
	err := s.do(ctx, func() error {
		now := s.clock.Now()
		if s.charge(now) {
			st = s.stateLocked()
			return nil
		}
		side := s.sideOf(playerID)
		if side == domain.NoColor {
			st = s.stateLocked()
			return nil
		}
		s.connected[side] = true
		s.joined[side] = true
		if s.disconnected == side {
			s.clearReconnect()
			s.publish(chessdto.TypeOpponentBack, chessdto.SideEvent{GameID: s.spec.ID, Side: string(side)})
			opp := side.Opposite()
			if s.joined[opp] && !s.connected[opp] {
				s.startReconnect(opp)
			}
		}
		if s.connected[side.Opposite()] && !s.running {
			s.running = true
			s.lastCharge = now
			s.startedAt = now
			if s.noShowTimer != nil {
				s.noShowTimer.Stop()
			}
			obslog.L().Info("game_clock_start", zap.String("game_id", s.spec.ID))
		}
		st = s.stateLocked()
		s.persist(st)
		return nil
	})
	if err == domain.ErrGameAlreadyOver {
		if f := s.final.Load(); f != nil {
			return *f, nil
		}
	}
	return st, err
}

// Move applies moveSpec for playerID.
func (s *Session) Move(ctx context.Context, playerID, moveSpec string) (chessdto.MoveApplied, error) {
	var out chessdto.MoveApplied
	err := s.do(ctx, func() error {
		// Anyone who does not own the side to move, spectators included,
		// is turned away before the clock is touched.
		side := s.sideOf(playerID)
		if side == domain.NoColor || s.board.Turn() != side {
			return domain.ErrNotYourTurn
		}
		if s.charge(s.clock.Now()) {
			return domain.ErrGameAlreadyOver
		}
		mv, err := s.board.Play(moveSpec)
		if err != nil {
			return err
		}
		s.addTime(side, s.spec.TimeControl.Increment)
		s.drawOfferedBy = domain.NoColor
		s.reg.deps.Metrics.MoveApplied()

		out = chessdto.MoveApplied{
			GameID: s.spec.ID,
			Move:   mv.UCI,
			SAN:    mv.SAN,
			FEN:    s.board.FEN(),
			Turn:   string(s.board.Turn()),
			Clocks: s.clocksLocked(),
			Check:  mv.Check,
			Ply:    len(s.board.MovesUCI()),
		}
		s.publish(chessdto.TypeMoveApplied, out)
		obslog.L().Debug("game_move",
			zap.String("game_id", s.spec.ID),
			zap.String("player_id", playerID),
			zap.String("uci", mv.UCI),
		)
		if term, over := s.board.Terminal(); over {
			s.finish(term.Result, term.Reason)
			return nil
		}
		s.persist(s.stateLocked())
		return nil
	})
	return out, err
}

// Resign ends the game in the opponent's favor.
func (s *Session) Resign(ctx context.Context, playerID string) error {
	return s.do(ctx, func() error {
		side := s.sideOf(playerID)
		if side == domain.NoColor {
			return domain.ErrNotParticipant
		}
		if s.charge(s.clock.Now()) {
			return domain.ErrGameAlreadyOver
		}
		s.finish(domain.WinFor(side.Opposite()), domain.ReasonResignation)
		return nil
	})
}

// OfferDraw records an offer. An offer made while the opponent's offer
// stands is an acceptance.
func (s *Session) OfferDraw(ctx context.Context, playerID string) error {
	return s.do(ctx, func() error {
		side := s.sideOf(playerID)
		if side == domain.NoColor {
			return domain.ErrNotParticipant
		}
		if s.charge(s.clock.Now()) {
			return domain.ErrGameAlreadyOver
		}
		switch s.drawOfferedBy {
		case side:
			return nil
		case side.Opposite():
			s.finish(domain.ResultDraw, domain.ReasonDrawAgreement)
			return nil
		}
		s.drawOfferedBy = side
		s.publish(chessdto.TypeDrawOffered, chessdto.SideEvent{GameID: s.spec.ID, Side: string(side)})
		s.persist(s.stateLocked())
		return nil
	})
}

func (s *Session) AcceptDraw(ctx context.Context, playerID string) error {
	return s.do(ctx, func() error {
		side := s.sideOf(playerID)
		if side == domain.NoColor {
			return domain.ErrNotParticipant
		}
		if s.charge(s.clock.Now()) {
			return domain.ErrGameAlreadyOver
		}
		if s.drawOfferedBy != side.Opposite() {
			return domain.ErrNoDrawOffer
		}
		s.finish(domain.ResultDraw, domain.ReasonDrawAgreement)
		return nil
	})
}

func (s *Session) DeclineDraw(ctx context.Context, playerID string) error {
	return s.do(ctx, func() error {
		side := s.sideOf(playerID)
		if side == domain.NoColor {
			return domain.ErrNotParticipant
		}
		if s.charge(s.clock.Now()) {
			return domain.ErrGameAlreadyOver
		}
		if s.drawOfferedBy != side.Opposite() {
			return domain.ErrNoDrawOffer
		}
		s.drawOfferedBy = domain.NoColor
		s.publish(chessdto.TypeDrawDeclined, chessdto.SideEvent{GameID: s.spec.ID, Side: string(side)})
		s.persist(s.stateLocked())
		return nil
	})
}

// Disconnect opens the reconnection window for playerID's side. Only one
// window runs at a time.
func (s *Session) Disconnect(ctx context.Context, playerID string) error {
	return s.do(ctx, func() error {
		side := s.sideOf(playerID)
		if side == domain.NoColor {
			return nil
		}
		if s.charge(s.clock.Now()) {
			return nil
		}
		s.connected[side] = false
		if s.disconnected != domain.NoColor {
			return nil
		}
		s.startReconnect(side)
		s.persist(s.stateLocked())
		return nil
	})
}

// Abort closes the game with result without rating or tournament reporting.
func (s *Session) Abort(ctx context.Context, result domain.Result) error {
	return s.do(ctx, func() error {
		s.finish(result, domain.ReasonForfeit)
		return nil
	})
}

// Snapshot returns the current state, charging the running clock first.
func (s *Session) Snapshot(ctx context.Context) (chessdto.GameState, error) {
	var st chessdto.GameState
	err := s.do(ctx, func() error {
		s.charge(s.clock.Now())
		st = s.stateLocked()
		return nil
	})
	if err == domain.ErrGameAlreadyOver {
		if f := s.final.Load(); f != nil {
			return *f, nil
		}
	}
	return st, err
}

func (s *Session) startReconnect(side domain.Color) {
	s.disconnected = side
	s.reconnectToken++
	token := s.reconnectToken
	s.reconnectTimer = s.clock.AfterFunc(s.reg.deps.ReconnectWindow, func() {
		s.post(func() { s.onReconnectExpired(token) })
	})
	s.publish(chessdto.TypeOpponentLeft, chessdto.SideEvent{GameID: s.spec.ID, Side: string(side)})
	obslog.L().Info("game_disconnect",
		zap.String("game_id", s.spec.ID),
		zap.String("side", string(side)),
		zap.Duration("window", s.reg.deps.ReconnectWindow),
	)
}

func (s *Session) clearReconnect() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.reconnectToken++
	s.disconnected = domain.NoColor
}

// onReconnectExpired is a no-op when the window was cleared before the
// timer event reached the mailbox.
func (s *Session) onReconnectExpired(token uint64) {
	if token != s.reconnectToken || s.disconnected == domain.NoColor {
		return
	}
	if s.charge(s.clock.Now()) {
		return
	}
	s.finish(domain.WinFor(s.disconnected.Opposite()), domain.ReasonAbandonment)
}

// onNoShow ends an ad-hoc game whose clock never started.
func (s *Session) onNoShow() {
	if s.running || s.status != domain.StatusActive {
		return
	}
	switch {
	case s.joined[domain.White] && !s.joined[domain.Black]:
		s.finish(domain.ResultWhiteWins, domain.ReasonAbandonment)
	case s.joined[domain.Black] && !s.joined[domain.White]:
		s.finish(domain.ResultBlackWins, domain.ReasonAbandonment)
	case !s.joined[domain.White] && !s.joined[domain.Black]:
		s.finish(domain.ResultDoubleForfeit, domain.ReasonAbandonment)
	}
}

// charge debits the side to move for time elapsed since the last charge.
// It reports whether that ended the game.
func (s *Session) charge(now time.Time) bool {
	if s.status != domain.StatusActive || !s.running {
		return false
	}
	elapsed := now.Sub(s.lastCharge)
	if elapsed <= 0 {
		return false
	}
	s.lastCharge = now
	side := s.board.Turn()
	left := s.timeLeft(side) - elapsed
	if left <= 0 {
		s.setTimeLeft(side, 0)
		s.finish(domain.WinFor(side.Opposite()), domain.ReasonTimeout)
		return true
	}
	s.setTimeLeft(side, left)
	return false
}

func (s *Session) finish(result domain.Result, reason domain.Reason) {
	if s.status != domain.StatusActive {
		return
	}
	s.status = domain.StatusCompleted
	s.result = result
	s.reason = reason
	s.running = false
	s.drawOfferedBy = domain.NoColor
	s.endedAt = s.clock.Now()
	obslog.L().Info("game_over",
		zap.String("game_id", s.spec.ID),
		zap.String("result", string(result)),
		zap.String("reason", string(reason)),
	)
}

func (s *Session) stopTimers() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	if s.noShowTimer != nil {
		s.noShowTimer.Stop()
	}
}

func (s *Session) sideOf(playerID string) domain.Color {
	switch playerID {
	case "":
		return domain.NoColor
	case s.spec.WhiteID:
		return domain.White
	case s.spec.BlackID:
		return domain.Black
	}
	return domain.NoColor
}

func (s *Session) timeLeft(c domain.Color) time.Duration {
	if c == domain.White {
		return s.whiteLeft
	}
	return s.blackLeft
}

func (s *Session) setTimeLeft(c domain.Color, d time.Duration) {
	if c == domain.White {
		s.whiteLeft = d
	} else {
		s.blackLeft = d
	}
}

func (s *Session) addTime(c domain.Color, d time.Duration) {
	s.setTimeLeft(c, s.timeLeft(c)+d)
}

func (s *Session) clocksLocked() chessdto.Clocks {
	return chessdto.Clocks{WhiteMs: s.whiteLeft.Milliseconds(), BlackMs: s.blackLeft.Milliseconds()}
}

func (s *Session) stateLocked() chessdto.GameState {
	return chessdto.GameState{
		GameID:           s.spec.ID,
		WhiteID:          s.spec.WhiteID,
		BlackID:          s.spec.BlackID,
		TimeControl:      s.spec.TimeControl.String(),
		Bucket:           string(s.bucket),
		Rated:            s.spec.Rated,
		TournamentID:     s.spec.TournamentID,
		Round:            s.spec.Round,
		FEN:              s.board.FEN(),
		Turn:             string(s.board.Turn()),
		Status:           string(s.status),
		Result:           string(s.result),
		Reason:           string(s.reason),
		Clocks:           s.clocksLocked(),
		IncrementMs:      s.spec.TimeControl.Increment.Milliseconds(),
		ClockRunning:     s.running,
		MovesUCI:         s.board.MovesUCI(),
		MovesSAN:         s.board.MovesSAN(),
		DrawOfferedBy:    string(s.drawOfferedBy),
		DisconnectedSide: string(s.disconnected),
		UpdatedAt:        s.clock.Now(),
	}
}

func (s *Session) publish(msgType string, payload any) {
	s.reg.deps.Publisher.Publish(s.spec.ID, msgType, payload)
}

func (s *Session) persist(st chessdto.GameState) {
	if s.reg.deps.Snapshots != nil {
		s.reg.deps.Snapshots.Save(st)
	}
}
