package chessdto

import "time"

// Message types on the realtime channel.
const (
	TypeJoinGame          = "join-game"
	TypeSubmitMove        = "submit-move"
	TypeResign            = "resign"
	TypeOfferDraw         = "offer-draw"
	TypeAcceptDraw        = "accept-draw"
	TypeDeclineDraw       = "decline-draw"
	TypeEnqueue           = "enqueue-matchmaking"
	TypeLeaveMatchmaking  = "leave-matchmaking"
	TypeSpectate          = "spectate"
	TypeChallenge         = "challenge"
	TypeChallengeAccept   = "challenge-accept"
	TypeChallengeDecline  = "challenge-decline"
	TypeGameState         = "game-state"
	TypeMoveApplied       = "move-applied"
	TypeGameOver          = "game-over"
	TypeMatched           = "matched"
	TypeDrawOffered       = "draw-offered"
	TypeDrawDeclined      = "draw-declined"
	TypeOpponentLeft      = "opponent-disconnected"
	TypeOpponentBack      = "opponent-reconnected"
	TypeChallengeReceived = "challenge-received"
	TypeChallengeDeclined = "challenge-declined"
	TypeChallengeCreated  = "challenge-created"
	TypeChallengeExpired  = "challenge-expired"
	TypeQueued            = "queued"
	TypeError             = "error"
)

type Clocks struct {
	WhiteMs int64 `json:"whiteMs"`
	BlackMs int64 `json:"blackMs"`
}

// GameState is the full snapshot used for initial sync and resync.
type GameState struct {
	GameID           string    `json:"gameId"`
	WhiteID          string    `json:"whiteId"`
	BlackID          string    `json:"blackId"`
	TimeControl      string    `json:"timeControl"`
	Bucket           string    `json:"bucket"`
	Rated            bool      `json:"rated"`
	TournamentID     string    `json:"tournamentId,omitempty"`
	Round            int       `json:"round,omitempty"`
	FEN              string    `json:"position"`
	Turn             string    `json:"turn"`
	Status           string    `json:"status"`
	Result           string    `json:"result,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	Clocks           Clocks    `json:"clocks"`
	IncrementMs      int64     `json:"incrementMs"`
	ClockRunning     bool      `json:"clockRunning"`
	MovesUCI         []string  `json:"movesUci"`
	MovesSAN         []string  `json:"movesSan"`
	DrawOfferedBy    string    `json:"drawOfferedBy,omitempty"`
	DisconnectedSide string    `json:"disconnectedSide,omitempty"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

type MoveApplied struct {
	GameID string `json:"gameId"`
	Move   string `json:"move"`
	SAN    string `json:"san"`
	FEN    string `json:"position"`
	Turn   string `json:"turn"`
	Clocks Clocks `json:"clocks"`
	Check  bool   `json:"check"`
	Ply    int    `json:"ply"`
}

type RatingChange struct {
	PlayerID string  `json:"playerId"`
	Before   float64 `json:"before"`
	After    float64 `json:"after"`
	Delta    float64 `json:"delta"`
}

type GameOver struct {
	GameID        string         `json:"gameId"`
	Result        string         `json:"result"`
	Reason        string         `json:"reason"`
	RatingChanges []RatingChange `json:"ratingChanges,omitempty"`
}

type Matched struct {
	GameID         string  `json:"gameId"`
	Color          string  `json:"color"`
	Opponent       string  `json:"opponent"`
	OpponentRating float64 `json:"opponentRating,omitempty"`
	TimeControl    string  `json:"timeControl"`
}

type SideEvent struct {
	GameID string `json:"gameId"`
	Side   string `json:"side"`
}

type Queued struct {
	TimeControl string  `json:"timeControl"`
	Rating      float64 `json:"rating"`
}

type ChallengeReceived struct {
	ChallengeID string `json:"challengeId"`
	From        string `json:"from"`
	Color       string `json:"color"`
	TimeControl string `json:"timeControl"`
	Rated       bool   `json:"rated"`
}

type ChallengeDeclined struct {
	ChallengeID string `json:"challengeId"`
	By          string `json:"by"`
}
