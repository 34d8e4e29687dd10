package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/cheese-chess-server/internal/challenge"
	"github.com/park285/cheese-chess-server/internal/domain"
	"github.com/park285/cheese-chess-server/internal/matchmaking"
	"github.com/park285/cheese-chess-server/internal/msgcat"
	"github.com/park285/cheese-chess-server/internal/obslog"
	"github.com/park285/cheese-chess-server/internal/session"
	"github.com/park285/cheese-chess-server/pkg/chessdto"
)

type Games interface {
	Get(gameID string) (*session.Session, error)
	ActiveFor(playerID string) []*session.Session
}

type Queue interface {
	Enqueue(ctx context.Context, playerID, rawTC string) (matchmaking.Request, error)
	Dequeue(playerID string) bool
	Waiting(playerID string) (string, bool)
}

type Challenges interface {
	Create(challengerID, targetID string, color challenge.ColorChoice, rawTC string, rated bool) (challenge.Challenge, error)
	Accept(targetID, challengeID string) (challenge.Challenge, *session.Session, error)
	Decline(targetID, challengeID string) (challenge.Challenge, error)
}

type Activity interface {
	TouchActivity(userID string)
}

type Metrics interface {
	IncConnectedClients()
	DecConnectedClients()
	IncMessagesReceived()
	ObserveMessageLatency(d time.Duration)
}

type HubDeps struct {
	Games      Games
	Queue      Queue
	Challenges Challenges
	Activity   Activity
	Metrics    Metrics
	Catalog    *msgcat.Catalog

	OriginPatterns []string
	SendBuffer     int
	PingInterval   time.Duration
	OpTimeout      time.Duration
}

// Hub accepts websocket connections and routes their messages.
type Hub struct {
	bc   *Broadcaster
	auth *Authenticator
	deps HubDeps
}

func NewHub(bc *Broadcaster, auth *Authenticator, deps HubDeps) *Hub {
	if deps.SendBuffer <= 0 {
		deps.SendBuffer = 64
	}
	if deps.PingInterval <= 0 {
		deps.PingInterval = 30 * time.Second
	}
	if deps.OpTimeout <= 0 {
		deps.OpTimeout = 5 * time.Second
	}
	if deps.Catalog == nil {
		deps.Catalog = msgcat.MustDefault()
	}
	return &Hub{bc: bc, auth: auth, deps: deps}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	playerID, err := h.auth.Identify(r)
	if err != nil {
		h.writeHTTPError(w, http.StatusUnauthorized, err)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  h.deps.OriginPatterns,
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		obslog.L().Warn("ws_accept_failed", zap.String("player_id", playerID), zap.Error(err))
		return
	}

	c := newClient(playerID, conn, h.deps.SendBuffer)
	h.bc.add(c)
	if h.deps.Metrics != nil {
		h.deps.Metrics.IncConnectedClients()
	}
	obslog.L().Info("ws_connect", zap.String("player_id", playerID), zap.String("remote", r.RemoteAddr))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)
	go func() { h.writeLoop(ctx, c); done <- struct{}{} }()
	go func() { h.pingLoop(ctx, c); done <- struct{}{} }()
	h.readLoop(ctx, c)

	cancel()
	<-done
	<-done
	last := h.bc.remove(c)
	if h.deps.Metrics != nil {
		h.deps.Metrics.DecConnectedClients()
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
	obslog.L().Info("ws_disconnect", zap.String("player_id", playerID), zap.Bool("last", last))
	if last {
		h.playerGone(playerID)
	}
}

// Close drops every connection; their handlers run the disconnect path.
func (h *Hub) Close() { h.bc.closeAll(websocket.StatusGoingAway, "server shutdown") }

func (h *Hub) readLoop(ctx context.Context, c *client) {
	for {
		var env chessdto.Envelope
		if err := wsjson.Read(ctx, c.conn, &env); err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				obslog.L().Debug("ws_read_error", zap.String("player_id", c.playerID), zap.Error(err))
			}
			return
		}
		start := time.Now()
		if h.deps.Activity != nil {
			h.deps.Activity.TouchActivity(c.playerID)
		}
		h.dispatch(ctx, c, env)
		if h.deps.Metrics != nil {
			h.deps.Metrics.IncMessagesReceived()
			h.deps.Metrics.ObserveMessageLatency(time.Since(start))
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(wctx, c.conn, env)
			cancel()
			if err != nil {
				c.kick("write failed")
				return
			}
		}
	}
}

func (h *Hub) pingLoop(ctx context.Context, c *client) {
	t := time.NewTicker(h.deps.PingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := c.conn.Ping(pctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				c.kick("ping failure")
				return
			}
		}
	}
}

// playerGone runs once the player's last connection closes.
func (h *Hub) playerGone(playerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), h.deps.OpTimeout)
	defer cancel()
	if h.deps.Games != nil {
		for _, s := range h.deps.Games.ActiveFor(playerID) {
			if err := s.Disconnect(ctx, playerID); err != nil && !errors.Is(err, domain.ErrGameAlreadyOver) {
				obslog.L().Warn("ws_disconnect_game_failed", zap.String("game_id", s.ID()), zap.Error(err))
			}
		}
	}
	if h.deps.Queue != nil {
		h.deps.Queue.Dequeue(playerID)
	}
}

func (h *Hub) dispatch(parent context.Context, c *client, env chessdto.Envelope) {
	ctx, cancel := context.WithTimeout(parent, h.deps.OpTimeout)
	defer cancel()
	player := c.playerID

	var err error
	var data any
	switch env.Type {
	case chessdto.TypeJoinGame, chessdto.TypeSpectate:
		var in chessdto.GameRef
		if err = decode(env, &in); err == nil {
			err = h.join(ctx, c, in.GameID, env.Type == chessdto.TypeSpectate)
		}
	case chessdto.TypeSubmitMove:
		var in chessdto.SubmitMove
		if err = decode(env, &in); err == nil {
			err = h.withGame(in.GameID, func(s *session.Session) error {
				_, err := s.Move(ctx, player, in.Move)
				return err
			})
		}
	case chessdto.TypeResign, chessdto.TypeOfferDraw, chessdto.TypeAcceptDraw, chessdto.TypeDeclineDraw:
		var in chessdto.GameRef
		if err = decode(env, &in); err == nil {
			err = h.withGame(in.GameID, func(s *session.Session) error {
				switch env.Type {
				case chessdto.TypeResign:
					return s.Resign(ctx, player)
				case chessdto.TypeOfferDraw:
					return s.OfferDraw(ctx, player)
				case chessdto.TypeAcceptDraw:
					return s.AcceptDraw(ctx, player)
				default:
					return s.DeclineDraw(ctx, player)
				}
			})
		}
	case chessdto.TypeEnqueue:
		var in chessdto.EnqueueRequest
		if err = decode(env, &in); err == nil {
			err = h.enqueue(ctx, c, in.TimeControl)
		}
	case chessdto.TypeLeaveMatchmaking:
		if h.deps.Queue != nil {
			h.deps.Queue.Dequeue(player)
		}
	case chessdto.TypeChallenge:
		var in chessdto.ChallengeRequest
		if err = decode(env, &in); err == nil {
			data = map[string]string{"Target": in.Target}
			err = h.challenge(c, in)
		}
	case chessdto.TypeChallengeAccept:
		var in chessdto.ChallengeRef
		if err = decode(env, &in); err == nil {
			err = h.acceptChallenge(in.ChallengeID, player)
		}
	case chessdto.TypeChallengeDecline:
		var in chessdto.ChallengeRef
		if err = decode(env, &in); err == nil {
			err = h.declineChallenge(in.ChallengeID, player)
		}
	default:
		err = fmt.Errorf("%w: unknown message type %q", domain.ErrBadRequest, env.Type)
	}
	if err != nil {
		h.replyError(c, env.RequestID, err, data)
	}
}

func (h *Hub) join(ctx context.Context, c *client, gameID string, spectate bool) error {
	return h.withGame(gameID, func(s *session.Session) error {
		h.bc.subscribe(gameID, c)
		var st chessdto.GameState
		var err error
		if spectate {
			st, err = s.Snapshot(ctx)
		} else {
			st, err = s.Join(ctx, c.playerID)
		}
		if err != nil {
			return err
		}
		if spectate {
			h.bc.deliver(c, mustEnvelope(chessdto.TypeGameState, st))
			return nil
		}
		// both sides resync so the waiting player learns the clock started
		h.bc.Publish(gameID, chessdto.TypeGameState, st)
		return nil
	})
}

func (h *Hub) enqueue(ctx context.Context, c *client, rawTC string) error {
	if h.deps.Queue == nil {
		return domain.ErrBadRequest
	}
	req, err := h.deps.Queue.Enqueue(ctx, c.playerID, rawTC)
	if err != nil {
		return err
	}
	// a match made during Enqueue has already been announced
	if _, waiting := h.deps.Queue.Waiting(c.playerID); !waiting {
		return nil
	}
	h.bc.deliver(c, mustEnvelope(chessdto.TypeQueued, chessdto.Queued{TimeControl: req.TimeControl.String(), Rating: req.Rating}))
	return nil
}

func (h *Hub) challenge(c *client, in chessdto.ChallengeRequest) error {
	if h.deps.Challenges == nil {
		return domain.ErrBadRequest
	}
	ch, err := h.deps.Challenges.Create(c.playerID, in.Target, challenge.ParseColorChoice(in.Color), in.TimeControl, in.Rated)
	if err != nil {
		return err
	}
	out := chessdto.ChallengeReceived{
		ChallengeID: ch.ID,
		From:        ch.ChallengerID,
		Color:       string(ch.Color),
		TimeControl: ch.TimeControl.String(),
		Rated:       ch.Rated,
	}
	h.bc.deliver(c, mustEnvelope(chessdto.TypeChallengeCreated, out))
	h.bc.SendToPlayer(ch.TargetID, chessdto.TypeChallengeReceived, out)
	return nil
}

func (h *Hub) acceptChallenge(challengeID, player string) error {
	if h.deps.Challenges == nil {
		return domain.ErrChallengeNotFound
	}
	ch, s, err := h.deps.Challenges.Accept(player, challengeID)
	if err != nil {
		return err
	}
	white, black := s.Players()
	h.bc.Matched(matchmaking.Match{
		GameID:      s.ID(),
		TimeControl: ch.TimeControl,
		White:       matchmaking.Request{PlayerID: white, TimeControl: ch.TimeControl},
		Black:       matchmaking.Request{PlayerID: black, TimeControl: ch.TimeControl},
	})
	return nil
}

func (h *Hub) declineChallenge(challengeID, player string) error {
	if h.deps.Challenges == nil {
		return domain.ErrChallengeNotFound
	}
	ch, err := h.deps.Challenges.Decline(player, challengeID)
	if err != nil {
		return err
	}
	h.bc.SendToPlayer(ch.ChallengerID, chessdto.TypeChallengeDeclined, chessdto.ChallengeDeclined{ChallengeID: ch.ID, By: player})
	return nil
}

// ChallengeExpired tells the challenger that nobody answered.
func (h *Hub) ChallengeExpired(ch challenge.Challenge) {
	h.bc.SendToPlayer(ch.ChallengerID, chessdto.TypeChallengeExpired, chessdto.ChallengeDeclined{ChallengeID: ch.ID, By: ch.TargetID})
}

func (h *Hub) withGame(gameID string, fn func(*session.Session) error) error {
	if h.deps.Games == nil || gameID == "" {
		return domain.ErrGameNotFound
	}
	s, err := h.deps.Games.Get(gameID)
	if err != nil {
		return err
	}
	return fn(s)
}

func (h *Hub) replyError(c *client, requestID string, err error, data any) {
	code := domain.CodeOf(err)
	out := chessdto.DomainError{
		Code:      code,
		Message:   h.deps.Catalog.Error(code, data),
		Retryable: code == "INTERNAL" || errors.Is(err, context.DeadlineExceeded),
	}
	if code == "INTERNAL" {
		obslog.L().Error("ws_request_failed", zap.String("player_id", c.playerID), zap.Error(err))
	}
	env := mustEnvelope(chessdto.TypeError, out)
	env.RequestID = requestID
	h.bc.deliver(c, env)
}

func (h *Hub) writeHTTPError(w http.ResponseWriter, status int, err error) {
	code := domain.CodeOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(chessdto.DomainError{Code: code, Message: h.deps.Catalog.Error(code, nil)})
}

func decode(env chessdto.Envelope, v any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBadRequest, err)
	}
	return nil
}

func mustEnvelope(msgType string, payload any) chessdto.Envelope {
	env, _ := envelope(msgType, payload)
	return env
}
