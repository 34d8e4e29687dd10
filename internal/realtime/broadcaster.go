// Package realtime serves the player websocket channel: identity, message
// dispatch to sessions, matchmaking and challenges, and event fan-out.
package realtime

import (
	"sync"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/park285/cheese-chess-server/internal/matchmaking"
	"github.com/park285/cheese-chess-server/internal/obslog"
	"github.com/park285/cheese-chess-server/pkg/chessdto"
)

type client struct {
	playerID string
	conn     *websocket.Conn
	send     chan chessdto.Envelope
	kickOnce sync.Once
}

func newClient(playerID string, conn *websocket.Conn, buffer int) *client {
	return &client{playerID: playerID, conn: conn, send: make(chan chessdto.Envelope, buffer)}
}

// kick closes a connection whose send buffer overflowed. Its read loop
// then fails and runs the normal disconnect path.
func (c *client) kick(reason string) {
	c.kickOnce.Do(func() {
		obslog.L().Warn("ws_kick", zap.String("player_id", c.playerID), zap.String("reason", reason))
		go c.conn.Close(websocket.StatusPolicyViolation, reason)
	})
}

// Broadcaster fans session and matchmaking events out to connections.
// Publish never blocks; it is called from inside session loops.
type Broadcaster struct {
	mu      sync.RWMutex
	players map[string]map[*client]struct{}
	games   map[string]map[*client]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		players: make(map[string]map[*client]struct{}),
		games:   make(map[string]map[*client]struct{}),
	}
}

func (b *Broadcaster) add(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.players[c.playerID]
	if set == nil {
		set = make(map[*client]struct{})
		b.players[c.playerID] = set
	}
	set[c] = struct{}{}
}

// remove drops c everywhere and reports whether it was the player's last
// connection.
func (b *Broadcaster) remove(c *client) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, subs := range b.games {
		delete(subs, c)
		if len(subs) == 0 {
			delete(b.games, id)
		}
	}
	set := b.players[c.playerID]
	delete(set, c)
	if len(set) == 0 {
		delete(b.players, c.playerID)
		return true
	}
	return false
}

func (b *Broadcaster) subscribe(gameID string, c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribeLocked(gameID, c)
}

func (b *Broadcaster) subscribeLocked(gameID string, c *client) {
	subs := b.games[gameID]
	if subs == nil {
		subs = make(map[*client]struct{})
		b.games[gameID] = subs
	}
	subs[c] = struct{}{}
}

// SubscribePlayer subscribes every open connection of playerID to gameID.
func (b *Broadcaster) SubscribePlayer(gameID, playerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.players[playerID] {
		b.subscribeLocked(gameID, c)
	}
}

// Online reports whether playerID has an open connection.
func (b *Broadcaster) Online(playerID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.players[playerID]) > 0
}

func (b *Broadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, set := range b.players {
		n += len(set)
	}
	return n
}

// Publish sends an event to every subscriber of gameID. game-over ends
// the subscription.
func (b *Broadcaster) Publish(gameID, msgType string, payload any) {
	env, ok := envelope(msgType, payload)
	if !ok {
		return
	}
	if msgType == chessdto.TypeGameOver {
		b.mu.Lock()
		subs := b.games[gameID]
		delete(b.games, gameID)
		b.mu.Unlock()
		deliverAll(subs, env)
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	deliverAll(b.games[gameID], env)
}

// SendToPlayer sends an event to every connection of playerID.
func (b *Broadcaster) SendToPlayer(playerID, msgType string, payload any) {
	env, ok := envelope(msgType, payload)
	if !ok {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	deliverAll(b.players[playerID], env)
}

// Matched subscribes both players to the new game and tells each side its
// color and opponent.
func (b *Broadcaster) Matched(m matchmaking.Match) {
	b.SubscribePlayer(m.GameID, m.White.PlayerID)
	b.SubscribePlayer(m.GameID, m.Black.PlayerID)
	tc := m.TimeControl.String()
	b.SendToPlayer(m.White.PlayerID, chessdto.TypeMatched, chessdto.Matched{
		GameID: m.GameID, Color: "white", Opponent: m.Black.PlayerID, OpponentRating: m.Black.Rating, TimeControl: tc,
	})
	b.SendToPlayer(m.Black.PlayerID, chessdto.TypeMatched, chessdto.Matched{
		GameID: m.GameID, Color: "black", Opponent: m.White.PlayerID, OpponentRating: m.White.Rating, TimeControl: tc,
	})
}

func (b *Broadcaster) closeAll(code websocket.StatusCode, reason string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, set := range b.players {
		for c := range set {
			go c.conn.Close(code, reason)
		}
	}
}

func (b *Broadcaster) deliver(c *client, env chessdto.Envelope) {
	deliverAll(map[*client]struct{}{c: {}}, env)
}

func deliverAll(set map[*client]struct{}, env chessdto.Envelope) {
	for c := range set {
		select {
		case c.send <- env:
		default:
			c.kick("slow consumer")
		}
	}
}

func envelope(msgType string, payload any) (chessdto.Envelope, bool) {
	env, err := chessdto.NewEnvelope(msgType, payload)
	if err != nil {
		obslog.L().Error("ws_encode_failed", zap.String("type", msgType), zap.Error(err))
		return chessdto.Envelope{}, false
	}
	return env, true
}
